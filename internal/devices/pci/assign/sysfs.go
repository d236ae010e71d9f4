package assign

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/pcipass/internal/devices/pci"
)

// DefaultSysfsRoot is where the kernel lists PCI functions.
const DefaultSysfsRoot = "/sys/bus/pci/devices"

// Resource flags from the sysfs resource file.
const (
	ioResourceIO       = 0x00000100
	ioResourceMem      = 0x00000200
	ioResourcePrefetch = 0x00001000
)

// HostResource is one line of a function's sysfs resource file.
type HostResource struct {
	Index int
	Base  uint64
	Size  uint64
	Flags uint64
}

func (r HostResource) IsIO() bool         { return r.Flags&ioResourceIO != 0 }
func (r HostResource) IsMem() bool        { return r.Flags&ioResourceMem != 0 }
func (r HostResource) Prefetchable() bool { return r.Flags&ioResourcePrefetch != 0 }

// readResources parses up to six "start end flags" lines, skipping empty
// and unknown regions. A memory region never carries the IO flag and an IO
// region never carries prefetch.
func readResources(path string) ([]HostResource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []HostResource
	sc := bufio.NewScanner(f)
	for i := 0; i < pci.NumBARs && sc.Scan(); i++ {
		fields := strings.Fields(sc.Text())
		if len(fields) != 3 {
			break
		}
		var v [3]uint64
		for j, s := range fields {
			n, err := strconv.ParseUint(s, 0, 64)
			if err != nil {
				return out, nil
			}
			v[j] = n
		}
		start, end, flags := v[0], v[1], v[2]
		size := end - start + 1
		flags &= ioResourceIO | ioResourceMem | ioResourcePrefetch
		if size == 0 || flags&^ioResourcePrefetch == 0 {
			continue
		}
		if flags&ioResourceMem != 0 {
			flags &^= ioResourceIO
		} else {
			flags &^= ioResourcePrefetch
		}
		out = append(out, HostResource{Index: i, Base: start, Size: size, Flags: flags})
	}
	return out, sc.Err()
}

// readSysfsID reads a "0x1234" id file.
func readSysfsID(path string) (uint64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(b)), 0, 32)
}

func (d *Device) sysfsPath(name string) string {
	return filepath.Join(d.sysfsRoot, d.opts.Host.SysfsName(), name)
}

func pread(fd int, buf []byte, off int64) (int, error) {
	for {
		n, err := unix.Pread(fd, buf, off)
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		return n, err
	}
}

func pwrite(fd int, buf []byte, off int64) (int, error) {
	for {
		n, err := unix.Pwrite(fd, buf, off)
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		return n, err
	}
}

// hostRead reads length bytes of the host function's config space.
func (d *Device) hostRead(addr uint32, length int) (uint32, error) {
	var buf [4]byte
	n, err := pread(d.configFD, buf[:length], int64(addr))
	if err != nil || n != length {
		return 0, &HostIOError{Op: "read", Addr: addr, Len: length, N: n, Err: err}
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (d *Device) hostReadByte(off uint8) (uint8, error) {
	v, err := d.hostRead(uint32(off), 1)
	return uint8(v), err
}

func (d *Device) hostWrite(addr uint32, val uint32, length int) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], val)
	n, err := pwrite(d.configFD, buf[:length], int64(addr))
	if err != nil || n != length {
		return &HostIOError{Op: "write", Addr: addr, Len: length, N: n, Err: err}
	}
	return nil
}

// findHostCapability walks the host's capability chain.
func (d *Device) findHostCapability(id uint8, start uint8) (uint8, error) {
	return pci.FindChainCapability(d.hostReadByte, id, start)
}

// openHostDevice opens the host function, copies its config space and
// collects its resources.
func (d *Device) openHostDevice() error {
	if d.opts.ConfigFD != "" {
		fd, err := parseConfigFD(d.opts.ConfigFD)
		if err != nil {
			return err
		}
		d.configFD = fd
	} else {
		path := d.sysfsPath("config")
		fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
		if err != nil {
			return fmt.Errorf("pci-assign: open %s: %w", path, err)
		}
		d.configFD = fd
	}

	cfg := d.fn.Config()
	if _, err := pread(d.configFD, cfg, 0); err != nil {
		d.logger.Warn("pci-assign: read host config", "host", d.opts.Host, "err", err)
	}

	if d.fn.Caps().Has(pci.CapMultifunction) {
		cfg[pci.RegHeaderType] |= pci.HeaderTypeMultifunction
	} else {
		cfg[pci.RegHeaderType] &^= pci.HeaderTypeMultifunction
	}

	// Host BAR addresses are meaningless to the guest.
	cfg.Fill(pci.RegBaseAddress0, 24, 0)
	cfg.Fill(pci.RegROMAddress, 4, 0)

	resources, err := readResources(d.sysfsPath("resource"))
	if err != nil {
		return fmt.Errorf("pci-assign: %s: %w", d.sysfsPath("resource"), err)
	}
	for _, res := range resources {
		path := d.sysfsPath(fmt.Sprintf("resource%d", res.Index))
		fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
		if err != nil {
			d.logger.Debug("pci-assign: skip region", "host", d.opts.Host, "region", res.Index, "err", err)
			continue
		}
		d.regions[res.Index] = &hostRegion{
			HostResource: res,
			fd:           fd,
			portFD:       -1,
			ePhys:        pci.Unmapped,
		}
	}

	vendor, err := readSysfsID(d.sysfsPath("vendor"))
	if err != nil {
		return fmt.Errorf("pci-assign: host vendor id: %w", err)
	}
	device, err := readSysfsID(d.sysfsPath("device"))
	if err != nil {
		return fmt.Errorf("pci-assign: host device id: %w", err)
	}
	cfg.SetWord(pci.RegVendorID, uint16(vendor))
	cfg.SetWord(pci.RegDeviceID, uint16(device))

	// Virtual functions do not implement the command register.
	_, err = os.Stat(d.sysfsPath("physfn"))
	d.emulateCmd = err == nil

	if irq, err := readSysfsID(d.sysfsPath("irq")); err == nil {
		d.hostIRQ = uint32(irq)
	} else {
		d.hostIRQ = uint32(cfg[pci.RegInterruptLine])
	}
	return nil
}

// resetHost asks the kernel to reset the function. The result is ignored:
// some kernels report zero bytes written on success.
func (d *Device) resetHost() {
	fd, err := unix.Open(d.sysfsPath("reset"), unix.O_WRONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return
	}
	unix.Write(fd, []byte("1"))
	unix.Close(fd)
}

// readHostROM copies the host expansion ROM through the sysfs rom file,
// enabling it for the duration of the read.
func (d *Device) readHostROM() ([]byte, error) {
	path := d.sysfsPath("rom")
	st, err := os.Stat(path)
	if err != nil || st.Size() == 0 {
		return nil, nil
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			d.logger.Warn("pci-assign: insufficient privileges for host rom", "path", path)
		}
		return nil, nil
	}
	defer f.Close()

	if _, err := f.WriteAt([]byte("1"), 0); err != nil {
		return nil, nil
	}
	defer func() {
		if _, err := f.WriteAt([]byte("0"), 0); err != nil {
			d.logger.Debug("pci-assign: disable host rom", "path", path, "err", err)
		}
	}()

	rom := make([]byte, st.Size())
	for i := range rom {
		rom[i] = 0xff
	}
	n, err := f.ReadAt(rom, 0)
	if n == 0 {
		if err == nil {
			err = io.EOF
		}
		return nil, fmt.Errorf("pci-assign: cannot read from host %s, option rom contents are probably invalid (skip with rombar=false or load romfile): %w", path, err)
	}
	return rom, nil
}
