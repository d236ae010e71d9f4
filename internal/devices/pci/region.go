package pci

import (
	"fmt"

	"github.com/tinyrange/pcipass/internal/hv"
)

// MapFunc installs a region at its new guest address. It is called with the
// bridge-filtered range every time the region becomes visible at a new
// address; the previous range has already been unmapped.
type MapFunc func(f *Function, region int, addr, size uint64, typ uint8)

// Region is one BAR (or the expansion ROM) of a function.
type Region struct {
	Size         uint64
	Type         uint8
	Addr         uint64
	FilteredSize uint64
	Map          MapFunc
}

func (r Region) Registered() bool   { return r.Size != 0 }
func (r Region) Mapped() bool       { return r.Size != 0 && r.Addr != Unmapped }
func (r Region) IsIO() bool         { return r.Type&BaseAddressSpaceIO != 0 }
func (r Region) Is64Bit() bool      { return !r.IsIO() && r.Type&BaseAddressMemType64 != 0 }
func (r Region) Prefetchable() bool { return !r.IsIO() && r.Type&BaseAddressMemPrefetch != 0 }

// barOffset is the config offset of a region's address register.
func (f *Function) barOffset(region int) int {
	if region != ROMSlot {
		return RegBaseAddress0 + region*4
	}
	if f.HeaderType() == HeaderTypeBridge {
		return RegROMAddress1
	}
	return RegROMAddress
}

// RegisterBAR declares a region of the given power-of-two size. The region
// starts unmapped; mapFn runs whenever the guest makes it visible.
func (f *Function) RegisterBAR(region int, size uint64, typ uint8, mapFn MapFunc) error {
	if region < 0 || region >= NumRegions {
		return fmt.Errorf("%w: %d", ErrInvalidRegion, region)
	}
	if size == 0 || size&(size-1) != 0 {
		return fmt.Errorf("%w: region %d type %#x size %#x", ErrBARSizeNotPowerOfTwo, region, typ, size)
	}

	r := &f.regions[region]
	r.Addr = Unmapped
	r.Size = size
	r.FilteredSize = size
	r.Type = typ
	r.Map = mapFn

	wmask := ^(size - 1)
	if region == ROMSlot {
		wmask |= ROMAddressEnable
	}
	off := f.barOffset(region)
	f.cs.Config.SetLong(off, uint32(typ))
	if r.Is64Bit() {
		f.cs.WMask.SetQuad(off, wmask)
		f.cs.CMask.SetQuad(off, ^uint64(0))
	} else {
		f.cs.WMask.SetLong(off, uint32(wmask))
		f.cs.CMask.SetLong(off, 0xffffffff)
	}
	return nil
}

// barAddress decodes the address the guest programmed into a region, or
// Unmapped when decoding is disabled or the value is unusable.
func (f *Function) barAddress(region int, typ uint8, size uint64) uint64 {
	off := f.barOffset(region)
	cmd := f.cs.Config.Word(RegCommand)

	if typ&BaseAddressSpaceIO != 0 {
		if cmd&CommandIO == 0 {
			return Unmapped
		}
		newAddr := uint64(f.cs.Config.Long(off)) &^ (size - 1)
		last := newAddr + size - 1
		// 64K ports on PC.
		if last <= newAddr || newAddr == 0 || last > 0xffff {
			return Unmapped
		}
		return newAddr
	}

	if cmd&CommandMemory == 0 {
		return Unmapped
	}
	var newAddr uint64
	if typ&BaseAddressMemType64 != 0 {
		newAddr = f.cs.Config.Quad(off)
	} else {
		newAddr = uint64(f.cs.Config.Long(off))
	}
	if region == ROMSlot && newAddr&ROMAddressEnable == 0 {
		return Unmapped
	}
	newAddr &^= size - 1
	last := newAddr + size - 1
	if last <= newAddr || newAddr == 0 || last == Unmapped {
		return Unmapped
	}
	if typ&BaseAddressMemType64 == 0 && last >= 0xffffffff {
		return Unmapped
	}
	return newAddr
}

// UpdateMappings recomputes every registered region from the current BARs,
// command register and enclosing bridge windows, and moves the regions whose
// visible range changed.
func (f *Function) UpdateMappings() {
	for i := range f.regions {
		r := &f.regions[i]
		if r.Size == 0 {
			continue
		}

		addr := f.barAddress(i, r.Type, r.Size)
		size := r.Size
		if addr != Unmapped {
			addr, size = f.bridgeFilter(addr, size, r.Type)
		}
		if addr == r.Addr && size == r.FilteredSize {
			continue
		}

		if r.Addr != Unmapped {
			f.unmapRegion(r)
		}
		r.Addr = addr
		r.FilteredSize = size
		if r.Addr != Unmapped {
			f.bus.log().Debug("pci: map region", "dev", f.String(), "region", i,
				"addr", fmt.Sprintf("%#x", r.Addr), "size", fmt.Sprintf("%#x", r.FilteredSize))
			if r.Map != nil {
				r.Map(f, i, r.Addr, r.FilteredSize, r.Type)
			}
		}
	}
}

func (f *Function) unmapRegion(r *Region) {
	root := f.bus.root()
	if r.IsIO() {
		// Legacy IDE decodes a single byte of its 4-byte control block.
		if f.ClassCode() == 0x0101 && r.Size == 4 {
			root.io.UnassignIOPorts(r.Addr+2, 1)
		} else {
			root.io.UnassignIOPorts(r.Addr, r.FilteredSize)
		}
		return
	}
	root.mem.UnmapMemory(r.Addr, r.FilteredSize)
}

// unmapAll hides every mapped region, used on unregistration.
func (f *Function) unmapAll() {
	for i := range f.regions {
		r := &f.regions[i]
		if r.Size == 0 || r.Addr == Unmapped {
			continue
		}
		f.unmapRegion(r)
		r.Addr = Unmapped
	}
}

// MemorySpace returns the guest memory map the function's bus decodes into.
func (f *Function) MemorySpace() hv.MemorySpace { return f.bus.root().mem }

// IOPortSpace returns the guest port map the function's bus decodes into.
func (f *Function) IOPortSpace() hv.IOPortSpace { return f.bus.root().io }

// MMIOMapper returns a MapFunc that traps a memory region to h.
func MMIOMapper(h hv.MMIOHandler) MapFunc {
	return func(f *Function, region int, addr, size uint64, typ uint8) {
		if err := f.MemorySpace().MapMMIO(addr, size, h); err != nil {
			f.bus.log().Warn("pci: map mmio region", "dev", f.String(), "region", region, "err", err)
		}
	}
}

// IOPortMapper returns a MapFunc that routes an I/O region to h.
func IOPortMapper(h hv.IOPortHandler) MapFunc {
	return func(f *Function, region int, addr, size uint64, typ uint8) {
		if err := f.IOPortSpace().RegisterIOPorts(addr, size, h); err != nil {
			f.bus.log().Warn("pci: map io region", "dev", f.String(), "region", region, "err", err)
		}
	}
}
