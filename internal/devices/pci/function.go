package pci

import "fmt"

// Behavior supplies the device-specific half of a function: construction,
// teardown, reset, and interception of config accesses. Implementations
// usually embed DefaultBehavior and override what they need.
type Behavior interface {
	Init(f *Function) error
	Exit(f *Function) error
	Reset(f *Function)
	ReadConfig(f *Function, addr uint32, length int) (uint32, error)
	WriteConfig(f *Function, addr uint32, val uint32, length int) error
}

// NoHotplugger is implemented by behaviors that refuse hot-add and
// hot-remove.
type NoHotplugger interface {
	NoHotplug() bool
}

// DefaultBehavior passes config accesses straight to the config store.
type DefaultBehavior struct{}

func (DefaultBehavior) Init(*Function) error { return nil }
func (DefaultBehavior) Exit(*Function) error { return nil }
func (DefaultBehavior) Reset(*Function)      {}

func (DefaultBehavior) ReadConfig(f *Function, addr uint32, length int) (uint32, error) {
	return f.DefaultReadConfig(addr, length), nil
}

func (DefaultBehavior) WriteConfig(f *Function, addr uint32, val uint32, length int) error {
	f.DefaultWriteConfig(addr, val, length)
	return nil
}

// CapabilitySet records optional features present on a function.
type CapabilitySet uint32

const (
	CapMultifunction CapabilitySet = 1 << iota
	CapExpress
	CapMSI
	CapMSIX
)

func (c CapabilitySet) Has(flag CapabilitySet) bool { return c&flag != 0 }

// FunctionOptions describes a function at registration time.
type FunctionOptions struct {
	Name string
	ID   string

	// DevFn selects the slot and function; -1 picks the first free slot.
	DevFn         int
	Multifunction bool
	Express       bool
	HeaderType    uint8

	VendorID     uint16
	DeviceID     uint16
	ClassCode    uint16
	ProgIF       uint8
	Revision     uint8
	InterruptPin uint8

	ROMFile       string
	DisableROMBar bool

	// Hotplugged marks registration after machine creation.
	Hotplugged bool
}

// Function is one PCI function: its configuration space, the regions it
// decodes and its interrupt pin levels.
type Function struct {
	cs       *ConfigSpace
	regions  [NumRegions]Region
	devfn    uint8
	irqState uint8
	caps     CapabilitySet
	capIndex map[uint8][]uint8

	bus      *Bus
	name     string
	id       string
	behavior Behavior
	watchers []configWatch

	romFile    string
	romBAR     bool
	rom        []byte
	hotplugged bool
	version    int32
}

func (f *Function) Name() string              { return f.name }
func (f *Function) ID() string                { return f.id }
func (f *Function) DevFn() uint8              { return f.devfn }
func (f *Function) Bus() *Bus                 { return f.bus }
func (f *Function) Behavior() Behavior        { return f.behavior }
func (f *Function) Space() *ConfigSpace       { return f.cs }
func (f *Function) Config() Registers         { return f.cs.Config }
func (f *Function) WMask() Registers          { return f.cs.WMask }
func (f *Function) CMask() Registers          { return f.cs.CMask }
func (f *Function) CapMap() Registers         { return f.cs.CapMap }
func (f *Function) Caps() CapabilitySet       { return f.caps }
func (f *Function) SetCaps(c CapabilitySet)   { f.caps |= c }
func (f *Function) ClearCaps(c CapabilitySet) { f.caps &^= c }
func (f *Function) IRQState() uint8           { return f.irqState }
func (f *Function) Hotplugged() bool          { return f.hotplugged }
func (f *Function) IsExpress() bool           { return f.caps.Has(CapExpress) }

// Region returns a copy of region n.
func (f *Function) Region(n int) Region { return f.regions[n] }

// BusNumber is the number of the bus the function sits on.
func (f *Function) BusNumber() uint8 {
	if f.bus == nil {
		return 0
	}
	return f.bus.Number()
}

// HeaderType returns the header layout without the multifunction bit.
func (f *Function) HeaderType() uint8 {
	return f.cs.Config[RegHeaderType] &^ HeaderTypeMultifunction
}

// ClassCode returns the base class and subclass.
func (f *Function) ClassCode() uint16 { return f.cs.Config.Word(RegClassDevice) }

func (f *Function) String() string {
	return fmt.Sprintf("%s@%02x:%02x.%x", f.name, f.BusNumber(), Slot(f.devfn), Func(f.devfn))
}

func newFunction(opts FunctionOptions, b Behavior) *Function {
	if b == nil {
		b = DefaultBehavior{}
	}
	f := &Function{
		name:       opts.Name,
		id:         opts.ID,
		behavior:   b,
		capIndex:   make(map[uint8][]uint8),
		romFile:    opts.ROMFile,
		romBAR:     !opts.DisableROMBar,
		hotplugged: opts.Hotplugged,
		version:    2,
	}
	if opts.Multifunction {
		f.caps |= CapMultifunction
	}
	size := ConfigSpaceSize
	if opts.Express {
		f.caps |= CapExpress
		size = ExpressConfigSpaceSize
	}
	f.cs = newConfigSpace(size)
	for i := range f.regions {
		f.regions[i].Addr = Unmapped
	}

	headerType := opts.HeaderType &^ HeaderTypeMultifunction
	f.cs.init(headerType)

	cfg := f.cs.Config
	cfg.SetWord(RegVendorID, opts.VendorID)
	cfg.SetWord(RegDeviceID, opts.DeviceID)
	cfg.SetWord(RegClassDevice, opts.ClassCode)
	cfg[RegClassProg] = opts.ProgIF
	cfg[RegRevisionID] = opts.Revision
	cfg[RegHeaderType] = headerType
	cfg[RegInterruptPin] = opts.InterruptPin
	return f
}
