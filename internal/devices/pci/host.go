package pci

import (
	"fmt"

	"github.com/tinyrange/pcipass/internal/hv"
)

const (
	configAddressPort = 0x0cf8
	configDataPort    = 0x0cfc
	configPortCount   = 8
)

// HostBridge implements configuration mechanism #1: a 32-bit address latch
// at 0xcf8 selecting bus, device, function and register, and a data window
// at 0xcfc-0xcff.
type HostBridge struct {
	root    *Bus
	address uint32
}

func NewHostBridge(root *Bus) *HostBridge {
	return &HostBridge{root: root}
}

// Attach routes the config ports to the bridge.
func (h *HostBridge) Attach(io hv.IOPortSpace) error {
	return io.RegisterIOPorts(configAddressPort, configPortCount, h)
}

// ConfigPorts is the port range of configuration mechanism #1.
func ConfigPorts() hv.Range {
	return hv.Range{Base: configAddressPort, Size: configPortCount}
}

// RegisterRootFunction places the 82441FX host bridge function at 00:00.0.
func (h *HostBridge) RegisterRootFunction() (*Function, error) {
	return h.root.Register(FunctionOptions{
		Name:      "i440FX",
		DevFn:     0,
		VendorID:  0x8086,
		DeviceID:  0x1237,
		ClassCode: 0x0600,
		Revision:  0x02,
	}, nil)
}

func (h *HostBridge) ReadIOPort(port uint16, data []byte) error {
	if port >= configDataPort && port < configDataPort+4 {
		val, err := h.dataAccess(port, data, false)
		if err != nil {
			return err
		}
		for i := range data {
			data[i] = byte(val >> (8 * i))
		}
		return nil
	}
	for i := range data {
		cur := port + uint16(i)
		if cur < configAddressPort || cur > configAddressPort+3 {
			return fmt.Errorf("pci host bridge: unhandled read from I/O port 0x%04x", cur)
		}
		data[i] = byte(h.address >> ((cur - configAddressPort) * 8))
	}
	return nil
}

func (h *HostBridge) WriteIOPort(port uint16, data []byte) error {
	if port >= configDataPort && port < configDataPort+4 {
		_, err := h.dataAccess(port, data, true)
		return err
	}
	for i, b := range data {
		cur := port + uint16(i)
		if cur < configAddressPort || cur > configAddressPort+3 {
			return fmt.Errorf("pci host bridge: unhandled write to I/O port 0x%04x", cur)
		}
		shift := (cur - configAddressPort) * 8
		h.address = h.address&^(0xff<<shift) | uint32(b)<<shift
	}
	return nil
}

func (h *HostBridge) dataAccess(port uint16, data []byte, write bool) (uint32, error) {
	size := len(data)
	if h.address&(1<<31) == 0 {
		return allOnes(size), nil
	}
	bus := uint8(h.address >> 16)
	devfn := uint8(h.address >> 8)
	reg := h.address&0xfc + uint32(port-configDataPort)
	if !write {
		return readConfig(h.root, bus, devfn, reg, size)
	}
	var val uint32
	for i, b := range data {
		val |= uint32(b) << (8 * i)
	}
	return 0, writeConfig(h.root, bus, devfn, reg, val, size)
}

// ECAM implements memory-mapped configuration access with 4 KiB of config
// space per function.
type ECAM struct {
	root   *Bus
	base   uint64
	size   uint64
	maxBus uint8
}

// NewECAM covers buses 0 through maxBus starting at base.
func NewECAM(root *Bus, base uint64, maxBus uint8) *ECAM {
	return &ECAM{
		root:   root,
		base:   base,
		size:   ECAMSize(maxBus),
		maxBus: maxBus,
	}
}

// ECAMSize is the window needed for buses 0 through maxBus.
func ECAMSize(maxBus uint8) uint64 {
	return (uint64(maxBus) + 1) << 20
}

func (e *ECAM) Range() hv.Range { return hv.Range{Base: e.base, Size: e.size} }

func (e *ECAM) Attach(mem hv.MemorySpace) error {
	return mem.MapMMIO(e.base, e.size, e)
}

func (e *ECAM) ReadMMIO(addr uint64, data []byte) error {
	offset := addr - e.base
	if offset >= e.size {
		return fmt.Errorf("pci ecam: read outside config space %#x", addr)
	}
	cursor := 0
	for cursor < len(data) {
		bus, devfn, reg := decodeECAM(offset + uint64(cursor))
		chunk := pickConfigAccessSize(reg, len(data)-cursor)
		val, err := readConfig(e.root, bus, devfn, reg, chunk)
		if err != nil {
			return err
		}
		for i := 0; i < chunk; i++ {
			data[cursor+i] = byte(val >> (8 * i))
		}
		cursor += chunk
	}
	return nil
}

func (e *ECAM) WriteMMIO(addr uint64, data []byte) error {
	offset := addr - e.base
	if offset >= e.size {
		return fmt.Errorf("pci ecam: write outside config space %#x", addr)
	}
	cursor := 0
	for cursor < len(data) {
		bus, devfn, reg := decodeECAM(offset + uint64(cursor))
		chunk := pickConfigAccessSize(reg, len(data)-cursor)
		var val uint32
		for i := 0; i < chunk; i++ {
			val |= uint32(data[cursor+i]) << (8 * i)
		}
		if err := writeConfig(e.root, bus, devfn, reg, val, chunk); err != nil {
			return err
		}
		cursor += chunk
	}
	return nil
}

func decodeECAM(offset uint64) (bus, devfn uint8, reg uint32) {
	bus = uint8(offset >> 20)
	devfn = uint8(offset >> 12)
	reg = uint32(offset & 0xfff)
	return bus, devfn, reg
}

func pickConfigAccessSize(reg uint32, remaining int) int {
	if reg%4 == 0 && remaining >= 4 {
		return 4
	}
	if reg%2 == 0 && remaining >= 2 {
		return 2
	}
	return 1
}

func allOnes(size int) uint32 {
	if size >= 4 {
		return 0xffffffff
	}
	return 1<<(8*size) - 1
}

// readConfig serves a config read for an absolute (bus, devfn, reg). Absent
// functions and registers beyond a function's config space read as all ones.
func readConfig(root *Bus, bus, devfn uint8, reg uint32, size int) (uint32, error) {
	f := root.FindFunction(bus, Slot(devfn), Func(devfn))
	if f == nil || int(reg)+size > f.cs.Size() {
		return allOnes(size), nil
	}
	val, err := f.ReadConfig(reg, size)
	if err != nil {
		return allOnes(size), err
	}
	return val & allOnes(size), nil
}

func writeConfig(root *Bus, bus, devfn uint8, reg uint32, val uint32, size int) error {
	f := root.FindFunction(bus, Slot(devfn), Func(devfn))
	if f == nil || int(reg)+size > f.cs.Size() {
		return nil
	}
	return f.WriteConfig(reg, val, size)
}

var (
	_ hv.IOPortHandler = (*HostBridge)(nil)
	_ hv.MMIOHandler   = (*ECAM)(nil)
)
