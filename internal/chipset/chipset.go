package chipset

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/tinyrange/pcipass/internal/debug"
	"github.com/tinyrange/pcipass/internal/hv"
)

type pioBinding struct {
	hv.Range
	handler hv.IOPortHandler
	fixed   bool
}

type mmioBinding struct {
	hv.Range
	handler  hv.MMIOHandler
	ram      []byte
	readOnly bool
	fixed    bool
}

// Chipset dispatches guest port and memory accesses to the device that
// currently decodes them. It implements hv.MemorySpace and hv.IOPortSpace so
// the PCI core can move BARs around at runtime.
type Chipset struct {
	mu      sync.RWMutex
	devices map[string]Device
	pio     []pioBinding
	mmio    []mmioBinding
	ram     hv.RAMBackend
	logger  *slog.Logger
}

// Reset resets all fixed devices in name order.
func (c *Chipset) Reset() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Reset(); err != nil {
			return fmt.Errorf("chipset: reset device %q: %w", name, err)
		}
	}
	return nil
}

// MapMMIO traps [addr, addr+size) to h.
func (c *Chipset) MapMMIO(addr, size uint64, h hv.MMIOHandler) error {
	if h == nil {
		return fmt.Errorf("chipset: MMIO handler for region 0x%x size 0x%x is nil", addr, size)
	}
	r, err := checkedRange(addr, size)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkMemoryFree(r); err != nil {
		return err
	}
	c.mmio = append(c.mmio, mmioBinding{Range: r, handler: h})
	debug.Writef("chipset map mmio", "%s", r)
	return nil
}

// MapRAM backs [addr, addr+size) with mem. With a RAM backend the range is
// also installed in the hypervisor so guest accesses never exit.
func (c *Chipset) MapRAM(addr, size uint64, mem []byte, readOnly bool) error {
	r, err := checkedRange(addr, size)
	if err != nil {
		return err
	}
	if uint64(len(mem)) < size {
		return fmt.Errorf("chipset: RAM mapping %s backed by only %#x bytes", r, len(mem))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkMemoryFree(r); err != nil {
		return err
	}
	if c.ram != nil {
		if err := c.ram.SetUserMemory(addr, mem[:size], readOnly); err != nil {
			return fmt.Errorf("chipset: install RAM %s: %w", r, err)
		}
	}
	c.mmio = append(c.mmio, mmioBinding{Range: r, ram: mem[:size], readOnly: readOnly})
	debug.Writef("chipset map ram", "%s ro=%v", r, readOnly)
	return nil
}

// UnmapMemory drops every dynamic mapping overlapping [addr, addr+size).
func (c *Chipset) UnmapMemory(addr, size uint64) {
	r := hv.Range{Base: addr, Size: size}
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.mmio[:0]
	for _, b := range c.mmio {
		if b.fixed || !b.Overlaps(r) {
			kept = append(kept, b)
			continue
		}
		if b.ram != nil && c.ram != nil {
			if err := c.ram.ClearUserMemory(b.Base, b.Size); err != nil {
				c.logger.Warn("chipset: clear RAM mapping", "range", b.Range.String(), "err", err)
			}
		}
		debug.Writef("chipset unmap", "%s", b.Range)
	}
	clear(c.mmio[len(kept):])
	c.mmio = kept
}

func (c *Chipset) checkMemoryFree(r hv.Range) error {
	for _, existing := range c.mmio {
		if existing.Overlaps(r) {
			return fmt.Errorf("%w: MMIO %s and %s", hv.ErrRegionOverlap, r, existing.Range)
		}
	}
	return nil
}

// RegisterIOPorts routes [base, base+size) to h.
func (c *Chipset) RegisterIOPorts(base, size uint64, h hv.IOPortHandler) error {
	binding, err := newPioBinding(base, size, h)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.pio {
		if existing.Overlaps(binding.Range) {
			return fmt.Errorf("%w: I/O ports %s and %s", hv.ErrRegionOverlap, binding.Range, existing.Range)
		}
	}
	c.pio = append(c.pio, binding)
	return nil
}

// UnassignIOPorts drops every dynamic port range overlapping
// [base, base+size).
func (c *Chipset) UnassignIOPorts(base, size uint64) {
	r := hv.Range{Base: base, Size: size}
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.pio[:0]
	for _, b := range c.pio {
		if b.fixed || !b.Overlaps(r) {
			kept = append(kept, b)
		}
	}
	clear(c.pio[len(kept):])
	c.pio = kept
}

// HandlePIO dispatches an I/O port access to the registered device.
func (c *Chipset) HandlePIO(port uint16, data []byte, isWrite bool) error {
	c.mu.RLock()
	var handler hv.IOPortHandler
	for _, b := range c.pio {
		if b.Contains(uint64(port), uint64(len(data))) {
			handler = b.handler
			break
		}
	}
	c.mu.RUnlock()

	if handler == nil {
		return fmt.Errorf("chipset: no handler for I/O port 0x%04x: %w", port, hv.ErrNoMapping)
	}
	if isWrite {
		return handler.WriteIOPort(port, data)
	}
	return handler.ReadIOPort(port, data)
}

// HandleMMIO dispatches an MMIO access to the registered device or the
// backing memory of a RAM mapping.
func (c *Chipset) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	accessEnd := addr + uint64(len(data))
	if accessEnd < addr {
		return fmt.Errorf("chipset: MMIO access overflow at 0x%016x", addr)
	}

	c.mu.RLock()
	var binding *mmioBinding
	for i := range c.mmio {
		if c.mmio[i].Contains(addr, uint64(len(data))) {
			b := c.mmio[i]
			binding = &b
			break
		}
	}
	c.mu.RUnlock()

	switch {
	case binding == nil:
		return fmt.Errorf("chipset: no handler for MMIO address 0x%016x: %w", addr, hv.ErrNoMapping)
	case binding.ram != nil:
		off := addr - binding.Base
		if !isWrite {
			copy(data, binding.ram[off:])
		} else if !binding.readOnly {
			copy(binding.ram[off:], data)
		}
		return nil
	case isWrite:
		return binding.handler.WriteMMIO(addr, data)
	default:
		return binding.handler.ReadMMIO(addr, data)
	}
}

// Mapping describes one entry of the guest memory map.
type Mapping struct {
	Range    hv.Range
	RAM      bool
	ReadOnly bool
	Fixed    bool
}

// MemoryMap returns the current memory mappings ordered by address.
func (c *Chipset) MemoryMap() []Mapping {
	c.mu.RLock()
	out := make([]Mapping, 0, len(c.mmio))
	for _, b := range c.mmio {
		out = append(out, Mapping{Range: b.Range, RAM: b.ram != nil, ReadOnly: b.readOnly, Fixed: b.fixed})
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Range.Base < out[j].Range.Base })
	return out
}

// PortMap returns the current port ranges ordered by base.
func (c *Chipset) PortMap() []hv.Range {
	c.mu.RLock()
	out := make([]hv.Range, 0, len(c.pio))
	for _, b := range c.pio {
		out = append(out, b.Range)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Base < out[j].Base })
	return out
}

func (c *Chipset) deviceNames() []string {
	names := make([]string, 0, len(c.devices))
	for name := range c.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var (
	_ hv.MemorySpace = (*Chipset)(nil)
	_ hv.IOPortSpace = (*Chipset)(nil)
)
