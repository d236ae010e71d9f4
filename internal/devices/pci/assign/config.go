package assign

import (
	"github.com/tinyrange/pcipass/internal/debug"
	"github.com/tinyrange/pcipass/internal/devices/pci"
	"github.com/tinyrange/pcipass/internal/hv"
)

// Header registers the guest sees from the emulated copy. BARs, ROM and the
// capability pointer are owned by the emulation.
func emulatedHeader(addr uint32) bool {
	return (addr >= pci.RegBaseAddress0 && addr <= 0x24) ||
		addr == pci.RegROMAddress ||
		addr == pci.RegCapabilityList ||
		addr == pci.RegInterruptLine ||
		addr == pci.RegInterruptPin
}

// mergeBits replaces the bits selected by mask, a 32-bit mask positioned at
// config offset pos, in val with those of mval. val and mval hold length
// bytes read at addr.
func mergeBits(val, mval uint32, addr uint32, length int, pos uint32, mask uint32) uint32 {
	if !hv.RangesOverlap(uint64(addr), uint64(length), uint64(pos), 4) {
		return val
	}
	if addr >= pos {
		mask >>= (addr - pos) * 8
	} else {
		mask <<= (pos - addr) * 8
	}
	mask &= 0xffffffff >> ((4 - length) * 8)
	return val&^mask | mval&mask
}

// ReadConfig implements pci.Behavior.
func (d *Device) ReadConfig(f *pci.Function, addr uint32, length int) (uint32, error) {
	if addr >= pci.ConfigHeaderSize && f.CapabilityOwner(addr) != 0 {
		val, err := d.readCapability(f, addr, length)
		debug.Writef("pci-assign config read", "%s cap addr=%#x len=%d val=%#x", f, addr, length, val)
		return val, err
	}

	if addr < pci.RegCommand || (d.emulateCmd && addr == pci.RegCommand) || emulatedHeader(addr) {
		return f.DefaultReadConfig(addr, length), nil
	}

	var val uint32
	// 0xfc is a VGA quirk register and is not forwarded.
	if addr != 0xfc {
		v, err := d.hostRead(addr, length)
		if err != nil {
			return 0, err
		}
		val = v
	}
	debug.Writef("pci-assign config read", "%s addr=%#x len=%d val=%#x", f, addr, length, val)

	if !d.hasMSI() && !d.hasMSIX() {
		// Without MSI or MSI-X the capability list is hidden.
		if addr == pci.RegCommand && length == 4 {
			val &^= uint32(pci.StatusCapList) << 16
		} else if addr == pci.RegStatus {
			val &^= pci.StatusCapList
		}
	}

	// The multifunction bit is always the emulated one.
	return mergeBits(val, f.DefaultReadConfig(addr, 4), addr, length,
		pci.RegHeaderType, pci.HeaderTypeMultifunction), nil
}

func (d *Device) readCapability(f *pci.Function, addr uint32, length int) (uint32, error) {
	var cap uint8
	switch f.CapabilityOwner(addr) {
	case pci.CapIDVPD:
		cap = f.FindCapability(pci.CapIDVPD)
	case pci.CapIDVendor:
		cap = vendorCapabilityAt(f, addr)
	default:
		return f.DefaultReadConfig(addr, length), nil
	}

	// The data comes from the device, the next pointer from the emulated
	// chain.
	val, err := d.hostRead(addr, length)
	if err != nil {
		return 0, err
	}
	return mergeBits(val, f.DefaultReadConfig(addr, 4), addr, length,
		uint32(cap)+pci.CapListNext, 0xff), nil
}

// vendorCapabilityAt returns the vendor capability starting closest to addr
// without going over. A function can carry several.
func vendorCapabilityAt(f *pci.Function, addr uint32) uint8 {
	var best uint8
	for _, pos := range f.Capabilities(pci.CapIDVendor) {
		if uint32(pos) <= addr {
			best = max(best, pos)
		}
	}
	return best
}

// WriteConfig implements pci.Behavior.
func (d *Device) WriteConfig(f *pci.Function, addr uint32, val uint32, length int) error {
	debug.Writef("pci-assign config write", "%s addr=%#x len=%d val=%#x", f, addr, length, val)

	if addr >= pci.ConfigHeaderSize && f.CapabilityOwner(addr) != 0 {
		return d.writeCapability(f, addr, val, length)
	}

	if addr == pci.RegCommand {
		// Emulated for BAR decoding, then passed on to the device.
		f.DefaultWriteConfig(addr, val, length)
	}
	if emulatedHeader(addr) {
		f.DefaultWriteConfig(addr, val, length)
		return d.takeMapError()
	}

	if err := d.hostWrite(addr, val, length); err != nil {
		return err
	}
	return d.takeMapError()
}

func (d *Device) writeCapability(f *pci.Function, addr uint32, val uint32, length int) error {
	id := f.CapabilityOwner(addr)
	f.DefaultWriteConfig(addr, val, length)

	switch id {
	case pci.CapIDMSI:
		rel := uint64(addr - uint32(d.msiCap))
		if hv.RangesOverlap(rel, uint64(length), msiFlags, 1) {
			d.updateMSI()
		} else if hv.RangesOverlap(rel, uint64(length), msiAddressLo, 6) {
			// 32-bit address and data only.
			d.updateMSIMessage()
		}
	case pci.CapIDMSIX:
		rel := uint64(addr - uint32(d.msixCap))
		if hv.RangesOverlap(rel, uint64(length), msixFlags+1, 1) {
			d.updateMSIX()
		}
	case pci.CapIDVPD, pci.CapIDVendor:
		return d.hostWrite(addr, val, length)
	}
	return nil
}

// takeMapError returns a BAR mapping failure recorded while the last write
// moved regions.
func (d *Device) takeMapError() error {
	err := d.mapErr
	d.mapErr = nil
	return err
}
