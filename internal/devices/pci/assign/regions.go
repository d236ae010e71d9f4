package assign

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"unsafe"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/tinyrange/pcipass/internal/debug"
	"github.com/tinyrange/pcipass/internal/devices/pci"
	"github.com/tinyrange/pcipass/internal/hv"
)

// DefaultPortDevice is used for port IO when the kernel's resource files
// cannot do it.
const DefaultPortDevice = "/dev/port"

// hostRegion is one host BAR backing a guest region.
type hostRegion struct {
	HostResource

	fd     int
	ePhys  uint64
	logger *slog.Logger

	// Memory regions.
	mapping []byte
	mem     []byte
	slow    bool

	// IO regions.
	rawIO     bool
	portFD    int
	ioGranted bool
}

func (r *hostRegion) close() error {
	var errs []error
	if r.mapping != nil {
		if err := unix.Munmap(r.mapping); err != nil {
			errs = append(errs, fmt.Errorf("munmap region %d: %w", r.Index, err))
		}
		r.mapping, r.mem = nil, nil
	}
	if r.fd >= 0 {
		if err := unix.Close(r.fd); err != nil {
			errs = append(errs, fmt.Errorf("close resource%d: %w", r.Index, err))
		}
		r.fd = -1
	}
	if r.portFD >= 0 {
		if err := unix.Close(r.portFD); err != nil {
			errs = append(errs, fmt.Errorf("close port device: %w", err))
		}
		r.portFD = -1
	}
	return errors.Join(errs...)
}

// mmap maps the host resource. Resources that do not start on a host page
// boundary are reached at their offset within the first page.
func (r *hostRegion) mmap() error {
	base := hostarch.Addr(r.Base)
	pageOff := base.PageOffset()
	end, ok := hostarch.Addr(pageOff + r.Size).RoundUp()
	if !ok {
		return fmt.Errorf("pci-assign: region %d size %#x overflows", r.Index, r.Size)
	}
	m, err := unix.Mmap(r.fd, 0, int(end), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("pci-assign: mmap resource%d: %w", r.Index, err)
	}
	r.mapping = m
	r.mem = m[pageOff : pageOff+r.Size]
	return nil
}

// ReadMMIO implements hv.MMIOHandler for regions that cannot be mapped
// directly. Accesses keep their width on the device.
func (r *hostRegion) ReadMMIO(addr uint64, data []byte) error {
	off := addr - r.ePhys
	if addr < r.ePhys || off+uint64(len(data)) > uint64(len(r.mem)) {
		return fmt.Errorf("%w: %#x", hv.ErrNoMapping, addr)
	}
	p := unsafe.Pointer(&r.mem[off])
	switch len(data) {
	case 1:
		data[0] = *(*uint8)(p)
	case 2:
		binary.NativeEndian.PutUint16(data, *(*uint16)(p))
	case 4:
		binary.NativeEndian.PutUint32(data, *(*uint32)(p))
	case 8:
		binary.NativeEndian.PutUint64(data, *(*uint64)(p))
	default:
		copy(data, r.mem[off:])
	}
	debug.Writef("pci-assign slow read", "region %d addr=%#x len=%d", r.Index, addr, len(data))
	return nil
}

// WriteMMIO implements hv.MMIOHandler.
func (r *hostRegion) WriteMMIO(addr uint64, data []byte) error {
	off := addr - r.ePhys
	if addr < r.ePhys || off+uint64(len(data)) > uint64(len(r.mem)) {
		return fmt.Errorf("%w: %#x", hv.ErrNoMapping, addr)
	}
	p := unsafe.Pointer(&r.mem[off])
	switch len(data) {
	case 1:
		*(*uint8)(p) = data[0]
	case 2:
		*(*uint16)(p) = binary.NativeEndian.Uint16(data)
	case 4:
		*(*uint32)(p) = binary.NativeEndian.Uint32(data)
	case 8:
		*(*uint64)(p) = binary.NativeEndian.Uint64(data)
	default:
		copy(r.mem[off:], data)
	}
	debug.Writef("pci-assign slow write", "region %d addr=%#x len=%d", r.Index, addr, len(data))
	return nil
}

// ReadIOPort implements hv.IOPortHandler. A failed host read returns all
// ones to the guest.
func (r *hostRegion) ReadIOPort(port uint16, data []byte) error {
	fd, off := r.ioTarget(port)
	if _, err := pread(fd, data, off); err != nil {
		r.logger.Warn("pci-assign: io read", "region", r.Index, "port", port, "err", err)
		for i := range data {
			data[i] = 0xff
		}
	}
	debug.Writef("pci-assign io read", "region %d port=%#x data=%x", r.Index, port, data)
	return nil
}

// WriteIOPort implements hv.IOPortHandler.
func (r *hostRegion) WriteIOPort(port uint16, data []byte) error {
	fd, off := r.ioTarget(port)
	debug.Writef("pci-assign io write", "region %d port=%#x data=%x", r.Index, port, data)
	if _, err := pwrite(fd, data, off); err != nil {
		r.logger.Warn("pci-assign: io write", "region", r.Index, "port", port, "err", err)
	}
	return nil
}

// ioTarget returns where a guest port lands on the host: the resource file
// at the offset into the BAR, or the port device at the host port.
func (r *hostRegion) ioTarget(port uint16) (int, int64) {
	off := uint64(port) - r.ePhys
	if r.rawIO {
		return r.portFD, int64(r.Base + off)
	}
	return r.fd, int64(off)
}

// registerRegions declares a guest BAR for every host resource.
func (d *Device) registerRegions() error {
	page := d.host.PageSize()
	for i, r := range d.regions {
		if r == nil {
			continue
		}
		r.logger = d.logger

		if r.IsMem() {
			if r.Size%page != 0 {
				d.logger.Warn("pci-assign: region size is not a multiple of the page size, accesses will be trapped",
					"region", i, "base", fmt.Sprintf("%#x", r.Base), "size", fmt.Sprintf("%#x", r.Size), "page", page)
				r.slow = true
			}
			if err := r.mmap(); err != nil {
				return err
			}
			typ := uint8(pci.BaseAddressSpaceMemory)
			if r.Prefetchable() {
				typ |= pci.BaseAddressMemPrefetch
			}
			if err := d.fn.RegisterBAR(i, r.Size, typ, d.mapMemory); err != nil {
				return fmt.Errorf("pci-assign: region %d: %w", i, err)
			}
			continue
		}

		if err := d.selectIOAccess(r); err != nil {
			return err
		}
		if err := d.fn.RegisterBAR(i, r.Size, pci.BaseAddressSpaceIO, d.mapIOPorts); err != nil {
			return fmt.Errorf("pci-assign: region %d: %w", i, err)
		}
	}
	return nil
}

// selectIOAccess decides how port IO reaches the device. Kernels that
// support port IO through resource files only accept 1, 2 or 4 byte
// transfers, so a 3 byte read fails with EINVAL there.
func (d *Device) selectIOAccess(r *hostRegion) error {
	var buf [3]byte
	n, err := pread(r.fd, buf[:], 0)
	if err == nil {
		return &HostIOError{Op: fmt.Sprintf("resource%d access check", r.Index), Len: len(buf), N: n, Err: ErrUnexpectedIORead}
	}
	if errors.Is(err, unix.EINVAL) {
		return nil
	}

	d.logger.Info("pci-assign: using raw port access", "region", r.Index, "err", err)
	if err := unix.Close(r.fd); err != nil {
		d.logger.Warn("pci-assign: close resource", "region", r.Index, "err", err)
	}
	r.fd = -1
	r.rawIO = true

	fd, err := unix.Open(d.portPath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("pci-assign: open %s: %w", d.portPath, err)
	}
	r.portFD = fd
	return nil
}

// mapMemory is the pci.MapFunc of memory BARs. The page holding the MSI-X
// table is trapped; the rest is mapped directly or, for regions that are
// not page sized, trapped to the region itself.
func (d *Device) mapMemory(f *pci.Function, region int, addr, size uint64, typ uint8) {
	r := d.regions[region]
	r.ePhys = addr
	mem := f.MemorySpace()
	page := d.host.PageSize()

	backing := func(off, n uint64) error {
		if n == 0 {
			return nil
		}
		if r.slow {
			return mem.MapMMIO(addr+off, n, r)
		}
		return mem.MapRAM(addr+off, n, r.mem[off:off+n], false)
	}

	var err error
	if region == d.msixBAR && d.msix != nil {
		start := d.msixOffset &^ (page - 1)
		if start >= size {
			err = backing(0, size)
		} else {
			tableLen := min(page, size-start)
			d.msix.base = addr + start
			err = errors.Join(
				backing(0, start),
				mem.MapMMIO(addr+start, tableLen, d.msix),
				backing(start+tableLen, size-start-tableLen),
			)
		}
	} else {
		err = backing(0, size)
	}

	if err != nil {
		mem.UnmapMemory(addr, size)
		d.mapErr = fmt.Errorf("%w: map region %d at %#x: %w", ErrHostIOFatal, region, addr, err)
		d.logger.Error("pci-assign: map region", "region", region, "addr", fmt.Sprintf("%#x", addr), "err", err)
	}
}

// mapIOPorts is the pci.MapFunc of IO BARs.
func (d *Device) mapIOPorts(f *pci.Function, region int, addr, size uint64, typ uint8) {
	r := d.regions[region]
	r.ePhys = addr

	if r.rawIO && !r.ioGranted {
		if err := d.host.Ioperm(r.Base, r.Size, true); err != nil {
			d.mapErr = fmt.Errorf("%w: port access for region %d: %w", ErrHostIOFatal, region, err)
			return
		}
		r.ioGranted = true
	}
	if err := f.IOPortSpace().RegisterIOPorts(addr, size, r); err != nil {
		d.mapErr = fmt.Errorf("%w: map io region %d at %#x: %w", ErrHostIOFatal, region, addr, err)
	}
}
