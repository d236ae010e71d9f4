package pci

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/pcipass/internal/hv"
)

// MapIRQFunc maps a function's interrupt pin (0-3 for INTA-INTD) to a line on
// its bus: a platform line on a root bus, a pin of the parent bridge on a
// secondary bus.
type MapIRQFunc func(f *Function, pin int) int

// HotplugFunc signals hot-add (attach) or hot-remove of a function to the
// guest.
type HotplugFunc func(f *Function, attach bool) error

// BusConfig describes a root bus.
type BusConfig struct {
	Name     string
	DevFnMin int
	// NIRQ is the number of platform lines the bus aggregates; 4 when zero.
	NIRQ   int
	Sink   hv.InterruptSink
	MapIRQ MapIRQFunc
	Memory hv.MemorySpace
	IO     hv.IOPortSpace
	Logger *slog.Logger
}

// Bus is a PCI bus segment: a root bus attached to the host bridge or a
// secondary bus behind a PCI-to-PCI bridge.
type Bus struct {
	name     string
	devfnMin int
	devices  [256]*Function

	irqCount []int32
	sink     hv.InterruptSink
	mapIRQ   MapIRQFunc

	parent   *Function
	children []*Bus
	hotplug  HotplugFunc

	mem    hv.MemorySpace
	io     hv.IOPortSpace
	logger *slog.Logger
}

// NewRootBus creates a bus that aggregates interrupts into cfg.Sink.
func NewRootBus(cfg BusConfig) *Bus {
	nirq := cfg.NIRQ
	if nirq == 0 {
		nirq = NumPins
	}
	b := &Bus{
		name:     cfg.Name,
		devfnMin: cfg.DevFnMin &^ 7,
		irqCount: make([]int32, nirq),
		sink:     cfg.Sink,
		mapIRQ:   cfg.MapIRQ,
		mem:      cfg.Memory,
		io:       cfg.IO,
		logger:   cfg.Logger,
	}
	if b.name == "" {
		b.name = "pci.0"
	}
	if b.sink == nil {
		b.sink = hv.InterruptSinkFunc(func(int, bool) {})
	}
	if b.mapIRQ == nil {
		b.mapIRQ = func(_ *Function, pin int) int { return pin % nirq }
	}
	if b.mem == nil {
		b.mem = nopMemorySpace{}
	}
	if b.io == nil {
		b.io = nopIOPortSpace{}
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b
}

func newSecondaryBus(parent *Bus, dev *Function, mapIRQ MapIRQFunc, name string) *Bus {
	if mapIRQ == nil {
		mapIRQ = BridgeSwizzle
	}
	b := &Bus{
		name:   name,
		mapIRQ: mapIRQ,
		parent: dev,
	}
	parent.children = append(parent.children, b)
	return b
}

func (b *Bus) unlinkChild(child *Bus) {
	for i, c := range b.children {
		if c == child {
			b.children = append(b.children[:i:i], b.children[i+1:]...)
			return
		}
	}
}

func (b *Bus) Name() string { return b.name }

// Parent returns the bridge function owning a secondary bus, or nil.
func (b *Bus) Parent() *Function { return b.parent }

func (b *Bus) Children() []*Bus { return append([]*Bus(nil), b.children...) }

// NIRQ is the number of lines a root bus aggregates; 0 on secondary buses.
func (b *Bus) NIRQ() int { return len(b.irqCount) }

// IRQCount returns the number of asserted pins routed to line.
func (b *Bus) IRQCount(line int) int32 {
	if line < 0 || line >= len(b.irqCount) {
		return 0
	}
	return b.irqCount[line]
}

// Number is 0 for a root bus and the parent bridge's secondary bus
// register otherwise.
func (b *Bus) Number() uint8 {
	if b.parent == nil {
		return 0
	}
	return b.parent.cs.Config[RegSecondaryBus]
}

func (b *Bus) root() *Bus {
	for b.parent != nil {
		b = b.parent.bus
	}
	return b
}

func (b *Bus) log() *slog.Logger {
	if b == nil {
		return slog.Default()
	}
	return b.root().logger
}

// Register places a function on the bus and runs its behavior's Init.
func (b *Bus) Register(opts FunctionOptions, behavior Behavior) (*Function, error) {
	devfn := opts.DevFn
	if devfn < 0 {
		devfn = -1
		for d := b.devfnMin; d < len(b.devices); d += 8 {
			if b.devices[d] == nil {
				devfn = d
				break
			}
		}
		if devfn < 0 {
			return nil, fmt.Errorf("%w for %s, all in use", ErrNoFreeSlot, opts.Name)
		}
	} else if devfn >= len(b.devices) {
		return nil, fmt.Errorf("%w: devfn %#x", ErrInvalidAddress, devfn)
	} else if cur := b.devices[devfn]; cur != nil {
		return nil, fmt.Errorf("%w: devfn %#x for %s, in use by %s", ErrSlotInUse, devfn, opts.Name, cur.name)
	}

	f := newFunction(opts, behavior)
	f.bus = b
	f.devfn = uint8(devfn)
	if err := b.checkMultifunction(f); err != nil {
		return nil, err
	}
	if opts.Hotplugged && (refusesHotplug(f.behavior) || b.root().hotplug == nil) {
		return nil, fmt.Errorf("%w: %s", ErrHotplugRefused, opts.Name)
	}

	b.devices[devfn] = f
	if err := f.behavior.Init(f); err != nil {
		b.devices[devfn] = nil
		return nil, fmt.Errorf("pci: init %s: %w", opts.Name, err)
	}

	if err := f.addOptionROM(); err != nil {
		b.log().Warn("pci: option rom", "dev", f.String(), "file", f.romFile, "err", err)
	}

	if opts.Hotplugged {
		if err := b.root().hotplug(f, true); err != nil {
			b.log().Warn("pci: hotplug attach", "dev", f.String(), "err", err)
		}
	}
	b.log().Debug("pci: registered function", "dev", f.String(), "id", f.id)
	return f, nil
}

// checkMultifunction enforces that a populated slot either holds a single
// function at function 0 or advertises multifunction on function 0. Either
// side may be registered first.
func (b *Bus) checkMultifunction(f *Function) error {
	if f.caps.Has(CapMultifunction) {
		f.cs.Config[RegHeaderType] |= HeaderTypeMultifunction
	}

	slot := Slot(f.devfn)
	if Func(f.devfn) != 0 {
		f0 := b.devices[DevFn(slot, 0)]
		if f0 != nil && !f0.caps.Has(CapMultifunction) {
			return fmt.Errorf("%w: single function device can't be populated in function %x.%x",
				ErrMultifunction, slot, Func(f.devfn))
		}
		return nil
	}
	if f.caps.Has(CapMultifunction) {
		return nil
	}
	for fn := uint8(1); fn < 8; fn++ {
		if b.devices[DevFn(slot, fn)] != nil {
			return fmt.Errorf("%w: %x.0 indicates single function, but %x.%x is already populated",
				ErrMultifunction, slot, slot, fn)
		}
	}
	return nil
}

// Unregister tears a function down and frees its slot.
func (b *Bus) Unregister(f *Function) error {
	if f.bus != b || b.devices[f.devfn] != f {
		return fmt.Errorf("pci: %s is not on bus %s", f, b.name)
	}
	// The guest loses its view of the regions before the behavior releases
	// what backs them.
	f.unmapAll()
	f.delOptionROM()
	if err := f.behavior.Exit(f); err != nil {
		return fmt.Errorf("pci: exit %s: %w", f, err)
	}
	b.devices[f.devfn] = nil
	b.log().Debug("pci: unregistered function", "dev", f.String())
	f.bus = nil
	return nil
}

// Device returns the function at devfn, or nil.
func (b *Bus) Device(devfn uint8) *Function { return b.devices[devfn] }

// ForEach calls fn for every function on this bus in devfn order.
func (b *Bus) ForEach(fn func(f *Function)) {
	for _, f := range b.devices {
		if f != nil {
			fn(f)
		}
	}
}

// Walk calls fn for every function on this bus and all buses behind it.
func (b *Bus) Walk(fn func(bus *Bus, f *Function)) {
	for _, f := range b.devices {
		if f != nil {
			fn(b, f)
		}
	}
	for _, c := range b.children {
		c.Walk(fn)
	}
}

// FindBus returns the bus numbered num at or below b.
func (b *Bus) FindBus(num uint8) *Bus {
	if b.Number() == num {
		return b
	}
	for _, c := range b.children {
		sec := c.Number()
		sub := c.parent.cs.Config[RegSubordinateBus]
		if sub != 0 && (num < sec || num > sub) {
			continue
		}
		if found := c.FindBus(num); found != nil {
			return found
		}
	}
	return nil
}

// FindFunction looks up a function by bus number, slot and function.
func (b *Bus) FindFunction(busNum, slot, fn uint8) *Function {
	bus := b.FindBus(busNum)
	if bus == nil || slot > 0x1f || fn > 7 {
		return nil
	}
	return bus.devices[DevFn(slot, fn)]
}

// FindByID returns the function registered with id anywhere below b.
func (b *Bus) FindByID(id string) *Function {
	var found *Function
	b.Walk(func(_ *Bus, f *Function) {
		if found == nil && id != "" && f.id == id {
			found = f
		}
	})
	return found
}

func (b *Bus) updateMappings() {
	b.ForEach(func(f *Function) { f.UpdateMappings() })
	for _, c := range b.children {
		c.updateMappings()
	}
}

// Reset clears the line counters and resets every function on the bus and
// behind its bridges.
func (b *Bus) Reset() {
	clear(b.irqCount)
	b.ForEach(func(f *Function) {
		f.reset()
		f.behavior.Reset(f)
	})
	for _, c := range b.children {
		c.Reset()
	}
}

func (f *Function) reset() {
	f.irqState = 0
	f.updateIRQStatus()
	cfg := f.cs.Config
	cfg.SetWord(RegCommand, cfg.Word(RegCommand)&^commandDecodeMask)
	cfg[RegCacheLineSize] = 0
	cfg[RegInterruptLine] = 0
	for i := range f.regions {
		if f.regions[i].Size == 0 {
			continue
		}
		cfg.SetLong(f.barOffset(i), uint32(f.regions[i].Type))
	}
	f.UpdateMappings()
}

type nopMemorySpace struct{}

func (nopMemorySpace) MapMMIO(uint64, uint64, hv.MMIOHandler) error { return nil }
func (nopMemorySpace) MapRAM(uint64, uint64, []byte, bool) error    { return nil }
func (nopMemorySpace) UnmapMemory(uint64, uint64)                   {}

type nopIOPortSpace struct{}

func (nopIOPortSpace) RegisterIOPorts(uint64, uint64, hv.IOPortHandler) error { return nil }
func (nopIOPortSpace) UnassignIOPorts(uint64, uint64)                         {}
