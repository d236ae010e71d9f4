package pci

import (
	"errors"
	"fmt"

	"github.com/tinyrange/pcipass/internal/hv"
)

// Bridge is a PCI-to-PCI bridge function together with its secondary bus.
type Bridge struct {
	DefaultBehavior

	vendor uint16
	device uint16
	mapIRQ MapIRQFunc
	name   string

	fn        *Function
	secondary *Bus
}

// NewBridge registers a bridge at devfn on parent and creates the secondary
// bus behind it. mapIRQ swizzles pins of devices on the secondary bus onto
// the bridge's own pins.
func NewBridge(parent *Bus, devfn int, multifunction bool, vendor, device uint16, mapIRQ MapIRQFunc, name string) (*Bridge, error) {
	b := &Bridge{
		vendor: vendor,
		device: device,
		mapIRQ: mapIRQ,
		name:   name,
	}
	_, err := parent.Register(FunctionOptions{
		Name:          "pci-bridge",
		ID:            name,
		DevFn:         devfn,
		Multifunction: multifunction,
		HeaderType:    HeaderTypeBridge,
	}, b)
	if err != nil {
		return nil, fmt.Errorf("pci: create bridge %q: %w", name, err)
	}
	return b, nil
}

func (b *Bridge) Function() *Function { return b.fn }

// Bus returns the secondary bus.
func (b *Bridge) Bus() *Bus { return b.secondary }

func (b *Bridge) Init(f *Function) error {
	cfg := f.Config()
	cfg.SetWord(RegVendorID, b.vendor)
	cfg.SetWord(RegDeviceID, b.device)
	cfg.SetWord(RegStatus, Status66MHz|StatusFastBack)
	cfg.SetWord(RegClassDevice, ClassBridgePCI)
	cfg[RegHeaderType] = HeaderTypeBridge | cfg[RegHeaderType]&HeaderTypeMultifunction
	cfg.SetWord(RegSecStatus, Status66MHz|StatusFastBack)

	b.fn = f
	b.secondary = newSecondaryBus(f.bus, f, b.mapIRQ, b.name)
	return nil
}

// Exit removes everything behind the bridge, then the secondary bus itself.
func (b *Bridge) Exit(f *Function) error {
	if b.secondary == nil {
		return nil
	}
	var errs []error
	for devfn := len(b.secondary.devices) - 1; devfn >= 0; devfn-- {
		if child := b.secondary.devices[devfn]; child != nil {
			if err := b.secondary.Unregister(child); err != nil {
				errs = append(errs, err)
			}
		}
	}
	f.bus.unlinkChild(b.secondary)
	b.secondary = nil
	return errors.Join(errs...)
}

func (b *Bridge) WriteConfig(f *Function, addr uint32, val uint32, length int) error {
	f.DefaultWriteConfig(addr, val, length)

	if hv.RangesOverlap(uint64(addr), uint64(length), RegIOBase, 2) ||
		hv.RangesOverlap(uint64(addr), uint64(length), RegMemoryBase, 20) ||
		rangeCoversByte(addr, uint32(length), RegCommand) {
		if b.secondary != nil {
			b.secondary.updateMappings()
		}
	}
	return nil
}

// bridgeFilter clips [addr, addr+size) to the windows of every enclosing
// bridge. A bridge that does not forward the region's space hides it.
func (f *Function) bridgeFilter(addr, size uint64, typ uint8) (uint64, uint64) {
	base := addr
	limit := addr + size - 1

	for br := f.bus.parent; br != nil; br = br.bus.parent {
		cmd := br.cs.Config.Word(RegCommand)
		if typ&BaseAddressSpaceIO != 0 {
			if cmd&CommandIO == 0 {
				return Unmapped, 0
			}
		} else if cmd&CommandMemory == 0 {
			return Unmapped, 0
		}
		base = max(base, br.bridgeBase(typ))
		limit = min(limit, br.bridgeLimit(typ))
	}

	if base > limit {
		return Unmapped, 0
	}
	return base, limit - base + 1
}

func (f *Function) ioWindowBase(reg, upper16 int) uint64 {
	cfg := f.cs.Config
	val := uint64(cfg[reg]&ioRangeMask) << 8
	if cfg[reg]&ioRangeType32 != 0 {
		val |= uint64(cfg.Word(upper16)) << 16
	}
	return val
}

func (f *Function) memoryWindowBase(reg int) uint64 {
	return uint64(f.cs.Config.Word(reg)&memoryRangeMask) << 16
}

func (f *Function) prefWindowBase(reg, upper32 int) uint64 {
	tmp := f.cs.Config.Word(reg)
	val := uint64(tmp&prefRangeMask) << 16
	if tmp&prefRangeType64 != 0 {
		val |= uint64(f.cs.Config.Long(upper32)) << 32
	}
	return val
}

// bridgeBase is the first address a bridge forwards for regions of typ.
func (f *Function) bridgeBase(typ uint8) uint64 {
	switch {
	case typ&BaseAddressSpaceIO != 0:
		return f.ioWindowBase(RegIOBase, RegIOBaseUpper16)
	case typ&BaseAddressMemPrefetch != 0:
		return f.prefWindowBase(RegPrefMemoryBase, RegPrefBaseUpper32)
	default:
		return f.memoryWindowBase(RegMemoryBase)
	}
}

// bridgeLimit is the last address a bridge forwards for regions of typ. The
// low bits of a limit register are implicitly all ones.
func (f *Function) bridgeLimit(typ uint8) uint64 {
	switch {
	case typ&BaseAddressSpaceIO != 0:
		return f.ioWindowBase(RegIOLimit, RegIOLimitUpper16) | 0xfff
	case typ&BaseAddressMemPrefetch != 0:
		return f.prefWindowBase(RegPrefMemoryLimit, RegPrefLimitUpper32) | 0xfffff
	default:
		return f.memoryWindowBase(RegMemoryLimit) | 0xfffff
	}
}
