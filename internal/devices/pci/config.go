package pci

import (
	"encoding/binary"

	"github.com/tinyrange/pcipass/internal/debug"
	"github.com/tinyrange/pcipass/internal/hv"
)

// Registers is a little-endian view over one of the per-function config
// arrays.
type Registers []byte

func (r Registers) Byte(off int) uint8  { return r[off] }
func (r Registers) Word(off int) uint16 { return binary.LittleEndian.Uint16(r[off:]) }
func (r Registers) Long(off int) uint32 { return binary.LittleEndian.Uint32(r[off:]) }
func (r Registers) Quad(off int) uint64 { return binary.LittleEndian.Uint64(r[off:]) }

func (r Registers) SetByte(off int, v uint8)  { r[off] = v }
func (r Registers) SetWord(off int, v uint16) { binary.LittleEndian.PutUint16(r[off:], v) }
func (r Registers) SetLong(off int, v uint32) { binary.LittleEndian.PutUint32(r[off:], v) }
func (r Registers) SetQuad(off int, v uint64) { binary.LittleEndian.PutUint64(r[off:], v) }

// Fill sets n bytes starting at off to v.
func (r Registers) Fill(off, n int, v uint8) {
	for i := off; i < off+n && i < len(r); i++ {
		r[i] = v
	}
}

// ConfigSpace holds the four parallel arrays describing a function's
// configuration space: the contents, the bits checked on migration, the bits
// the guest may write, and which capability owns each byte.
type ConfigSpace struct {
	Config Registers
	CMask  Registers
	WMask  Registers
	CapMap Registers
}

func newConfigSpace(size int) *ConfigSpace {
	buf := make([]byte, 4*size)
	return &ConfigSpace{
		Config: Registers(buf[0*size : 1*size : 1*size]),
		CMask:  Registers(buf[1*size : 2*size : 2*size]),
		WMask:  Registers(buf[2*size : 3*size : 3*size]),
		CapMap: Registers(buf[3*size : 4*size : 4*size]),
	}
}

func (c *ConfigSpace) Size() int { return len(c.Config) }

// init applies the reset masks for a freshly registered function.
func (c *ConfigSpace) init(headerType uint8) {
	c.CapMap.Fill(0, ConfigHeaderSize, 0xff)

	if headerType == HeaderTypeNormal {
		c.Config.SetWord(RegSubsystemVendorID, DefaultSubsystemVendorID)
		c.Config.SetWord(RegSubsystemID, DefaultSubsystemID)
	}

	c.CMask.SetWord(RegVendorID, 0xffff)
	c.CMask.SetWord(RegDeviceID, 0xffff)
	c.CMask[RegStatus] = StatusCapList
	c.CMask[RegRevisionID] = 0xff
	c.CMask[RegClassProg] = 0xff
	c.CMask.SetWord(RegClassDevice, 0xffff)
	c.CMask[RegHeaderType] = 0xff
	c.CMask[RegCapabilityList] = 0xff

	c.WMask[RegCacheLineSize] = 0xff
	c.WMask[RegInterruptLine] = 0xff
	c.WMask.SetWord(RegCommand, commandDecodeMask)
	c.WMask.Fill(ConfigHeaderSize, c.Size()-ConfigHeaderSize, 0xff)

	if headerType == HeaderTypeBridge {
		c.WMask.Fill(RegPrimaryBus, 4, 0xff)
		c.WMask[RegIOBase] = ioRangeMask
		c.WMask[RegIOLimit] = ioRangeMask
		c.WMask.SetWord(RegMemoryBase, memoryRangeMask)
		c.WMask.SetWord(RegMemoryLimit, memoryRangeMask)
		c.WMask.SetWord(RegPrefMemoryBase, prefRangeMask)
		c.WMask.SetWord(RegPrefMemoryLimit, prefRangeMask)
		c.WMask.Fill(RegPrefBaseUpper32, 8, 0xff)
		c.WMask.SetWord(RegBridgeControl, 0xffff)
	}
}

func validAccessSize(length int) bool {
	return length == 1 || length == 2 || length == 4
}

// DefaultReadConfig returns length bytes at addr, clipped to the end of
// config space.
func (f *Function) DefaultReadConfig(addr uint32, length int) uint32 {
	size := f.cs.Size()
	if int(addr) >= size {
		return 0
	}
	n := min(length, size-int(addr))
	var val uint32
	for i := 0; i < n; i++ {
		val |= uint32(f.cs.Config[int(addr)+i]) << (8 * i)
	}
	return val
}

// DefaultWriteConfig applies the write mask to each byte, then notifies
// config watchers and recomputes mappings if BAR, ROM or command bytes were
// touched.
func (f *Function) DefaultWriteConfig(addr uint32, val uint32, length int) {
	size := f.cs.Size()
	v := val
	for i := 0; i < length && int(addr)+i < size; i, v = i+1, v>>8 {
		off := int(addr) + i
		w := f.cs.WMask[off]
		f.cs.Config[off] = f.cs.Config[off]&^w | uint8(v)&w
	}

	for _, w := range f.watchers {
		if hv.RangesOverlap(uint64(addr), uint64(length), uint64(w.first), uint64(w.length)) {
			w.fn(f, addr, val, length)
		}
	}

	if hv.RangesOverlap(uint64(addr), uint64(length), RegBaseAddress0, 24) ||
		hv.RangesOverlap(uint64(addr), uint64(length), RegROMAddress, 4) ||
		hv.RangesOverlap(uint64(addr), uint64(length), RegROMAddress1, 4) ||
		rangeCoversByte(addr, uint32(length), RegCommand) {
		f.UpdateMappings()
	}
}

// ReadConfig is the guest-facing config read entry point.
func (f *Function) ReadConfig(addr uint32, length int) (uint32, error) {
	if !validAccessSize(length) {
		return 0, ErrInvalidAccessSize
	}
	if int(addr) >= f.cs.Size() {
		return 0, ErrOutOfRange
	}
	val, err := f.behavior.ReadConfig(f, addr, length)
	if debug.Enabled() {
		debug.Writef("pci config read", "%s %02x:%02x.%x addr=%#x len=%d val=%#x",
			f.name, f.BusNumber(), Slot(f.devfn), Func(f.devfn), addr, length, val)
	}
	return val, err
}

// WriteConfig is the guest-facing config write entry point.
func (f *Function) WriteConfig(addr uint32, val uint32, length int) error {
	if !validAccessSize(length) {
		return ErrInvalidAccessSize
	}
	if int(addr) >= f.cs.Size() {
		return ErrOutOfRange
	}
	if debug.Enabled() {
		debug.Writef("pci config write", "%s %02x:%02x.%x addr=%#x len=%d val=%#x",
			f.name, f.BusNumber(), Slot(f.devfn), Func(f.devfn), addr, length, val)
	}
	return f.behavior.WriteConfig(f, addr, val, length)
}

// ConfigWatchFunc observes guest writes to a range of config space after the
// write has been applied.
type ConfigWatchFunc func(f *Function, addr uint32, val uint32, length int)

type configWatch struct {
	first  uint32
	length uint32
	fn     ConfigWatchFunc
}

// WatchConfig registers fn for writes overlapping [first, first+length).
func (f *Function) WatchConfig(first, length uint32, fn ConfigWatchFunc) {
	f.watchers = append(f.watchers, configWatch{first: first, length: length, fn: fn})
}
