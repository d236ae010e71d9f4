// Package machine owns a guest's PCI topology: the root bus behind a host
// bridge, secondary buses behind PCI-to-PCI bridges, the interrupt router
// and the set of assigned host devices. Every entry point takes the
// machine lock, so the pci and assign packages never lock themselves.
package machine

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"gvisor.dev/gvisor/pkg/cleanup"

	"github.com/tinyrange/pcipass/internal/chipset"
	"github.com/tinyrange/pcipass/internal/debug"
	"github.com/tinyrange/pcipass/internal/devices/pci"
	"github.com/tinyrange/pcipass/internal/devices/pci/assign"
	"github.com/tinyrange/pcipass/internal/hv"
)

var (
	ErrUnknownBus    = errors.New("machine: unknown bus")
	ErrUnknownDriver = errors.New("machine: unknown device driver")
	ErrNoDevice      = errors.New("machine: no such device")
	ErrBadSnapshot   = errors.New("machine: malformed snapshot")
)

// Config wires a Machine to its host.
type Config struct {
	// Host backs assigned devices. Layouts without pci-assign devices can
	// leave it nil.
	Host hv.AssignmentHost
	// RAM, when set, receives directly mapped BARs.
	RAM hv.RAMBackend
	// Sink receives guest interrupts after PIRQ routing.
	Sink hv.InterruptSink
	// Hotplug signals hot-add and hot-remove to the guest. Without it
	// devices can only be added while building the machine.
	Hotplug pci.HotplugFunc
	// OnFatal is called once when a host access fails in a way the guest
	// cannot recover from.
	OnFatal func(err error)

	SysfsRoot  string
	PortDevice string
	Logger     *slog.Logger
}

// Machine is the explicit owner of all PCI state of one guest.
type Machine struct {
	mu sync.Mutex

	cfg    Config
	layout Layout
	logger *slog.Logger

	chipset    *chipset.Chipset
	lines      *chipset.LineSet
	root       *pci.Bus
	hostBridge *pci.HostBridge
	ecam       *pci.ECAM
	router     PIRQRouter

	buses    map[string]*pci.Bus
	assigned []*assign.Device
	fatal    error
}

// New builds the machine described by layout.
func New(cfg Config, layout Layout) (*Machine, error) {
	layout.normalize()
	if err := layout.validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sink == nil {
		cfg.Sink = hv.InterruptSinkFunc(func(int, bool) {})
	}

	m := &Machine{
		cfg:    cfg,
		layout: layout,
		logger: cfg.Logger,
		buses:  make(map[string]*pci.Bus),
	}

	switch layout.Router {
	case RouterPIIX3:
		m.router = NewPIIX3Router()
	default:
		m.router = IdentityRouter{}
	}
	m.lines = chipset.NewLineSet(layout.NIRQ, hv.InterruptSinkFunc(m.deliverIRQ))

	builder := chipset.NewBuilder().WithLogger(cfg.Logger)
	if cfg.RAM != nil {
		builder = builder.WithRAMBackend(cfg.RAM)
	}
	if err := builder.RegisterDevice("pci-host", &configDevice{m: m}); err != nil {
		return nil, err
	}
	cs, err := builder.Build()
	if err != nil {
		return nil, err
	}
	m.chipset = cs

	m.root = pci.NewRootBus(pci.BusConfig{
		Name:   RootBusName,
		NIRQ:   layout.NIRQ,
		Sink:   m.lines,
		Memory: cs,
		IO:     cs,
		Logger: cfg.Logger,
	})
	m.buses[RootBusName] = m.root
	m.hostBridge = pci.NewHostBridge(m.root)
	if e := layout.ECAM; e != nil {
		m.ecam = pci.NewECAM(m.root, e.Base, e.MaxBus)
	}
	if cfg.Hotplug != nil {
		m.root.SetHotplug(cfg.Hotplug)
	}

	cu := cleanup.Make(func() { m.closeLocked() })
	defer cu.Clean()

	if _, err := m.hostBridge.RegisterRootFunction(); err != nil {
		return nil, fmt.Errorf("machine: host bridge: %w", err)
	}
	if err := m.router.Attach(m.root, m.routesChanged); err != nil {
		return nil, fmt.Errorf("machine: interrupt router: %w", err)
	}

	for _, bc := range layout.Buses {
		devfn := -1
		if bc.Bridge.Addr != "" {
			devfn, err = pci.ParseSlotFunc(bc.Bridge.Addr)
			if err != nil {
				return nil, fmt.Errorf("machine: bus %q: %w", bc.Name, err)
			}
		}
		br, err := pci.NewBridge(m.buses[bc.Parent], devfn, bc.Bridge.Multifunction,
			bc.Bridge.Vendor, bc.Bridge.Device, nil, bc.Name)
		if err != nil {
			return nil, err
		}
		m.buses[bc.Name] = br.Bus()
	}

	for _, dc := range layout.Devices {
		if _, err := m.addDeviceLocked(dc, false); err != nil {
			return nil, err
		}
	}

	if layout.Placement != nil {
		if err := m.assignResourcesLocked(); err != nil {
			return nil, err
		}
	}

	cu.Release()
	m.logger.Info("machine: created", "name", layout.Name, "buses", len(m.buses), "assigned", len(m.assigned))
	return m, nil
}

// Chipset exposes the memory and port map for inspection.
func (m *Machine) Chipset() *chipset.Chipset { return m.chipset }

// Lines is the set of root bus lines before PIRQ routing.
func (m *Machine) Lines() *chipset.LineSet { return m.lines }

func (m *Machine) Bus(name string) *pci.Bus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buses[name]
}

// Devices returns the assigned devices in creation order.
func (m *Machine) Devices() []*assign.Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*assign.Device(nil), m.assigned...)
}

// Fatal returns the error that stopped the machine, if any.
func (m *Machine) Fatal() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fatal
}

// AddDevice creates a device after the machine was built. It is a hot-add
// and needs Config.Hotplug.
func (m *Machine) AddDevice(dc DeviceConfig) (*pci.Function, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dc.Bus == "" && dc.PCIAddr == "" {
		dc.Bus = RootBusName
	}
	return m.addDeviceLocked(dc, true)
}

func (m *Machine) addDeviceLocked(dc DeviceConfig, hotplug bool) (*pci.Function, error) {
	if dc.Driver != assign.DriverName {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, dc.Driver)
	}
	if len(m.assigned) >= assign.MaxDevices {
		return nil, assign.ErrTooManyDevices
	}
	opts, err := dc.AssignOptions()
	if err != nil {
		return nil, err
	}

	bus, devfn, err := m.resolveBus(dc)
	if err != nil {
		return nil, err
	}
	fo, err := opts.FunctionOptions()
	if err != nil {
		return nil, fmt.Errorf("machine: device %q: %w", dc.ID, err)
	}
	if fo.DevFn < 0 {
		fo.DevFn = devfn
	}
	fo.Hotplugged = hotplug

	dev := assign.New(m.cfg.Host, opts, m.logger).
		WithIRQRouter(m.router.Route)
	if m.cfg.SysfsRoot != "" {
		dev = dev.WithSysfsRoot(m.cfg.SysfsRoot)
	}
	if m.cfg.PortDevice != "" {
		dev = dev.WithPortDevice(m.cfg.PortDevice)
	}

	f, err := bus.Register(fo, dev)
	if err != nil {
		return nil, err
	}
	m.assigned = append(m.assigned, dev)
	return f, nil
}

func (m *Machine) resolveBus(dc DeviceConfig) (*pci.Bus, int, error) {
	if dc.PCIAddr != "" {
		return pci.LookupDevAddr(m.root, dc.PCIAddr)
	}
	bus, ok := m.buses[dc.Bus]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrUnknownBus, dc.Bus)
	}
	return bus, -1, nil
}

// RemoveDevice hot-removes the assigned device registered as id.
func (m *Machine) RemoveDevice(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.assigned {
		if d.Options().ID != id {
			continue
		}
		f := d.Function()
		if err := f.Bus().Unplug(f); err != nil {
			return err
		}
		m.forget(d)
		return nil
	}
	return fmt.Errorf("%w: %q", ErrNoDevice, id)
}

func (m *Machine) forget(d *assign.Device) {
	for i, cur := range m.assigned {
		if cur == d {
			m.assigned = append(m.assigned[:i:i], m.assigned[i+1:]...)
			return
		}
	}
}

// routesChanged runs under the lock from a config write to the router.
func (m *Machine) routesChanged() {
	debug.Writef("machine pirq", "routes changed")
	for _, d := range append([]*assign.Device(nil), m.assigned...) {
		if err := d.UpdateIRQs(); err != nil {
			m.logger.Error("machine: update assigned irq, unplugging device", "dev", d.Function().String(), "err", err)
			m.unplugLocked(d)
		}
	}
}

func (m *Machine) unplugLocked(d *assign.Device) {
	f := d.Function()
	err := f.Bus().Unplug(f)
	if errors.Is(err, pci.ErrHotplugRefused) {
		err = f.Bus().Unregister(f)
	}
	if err != nil {
		m.logger.Warn("machine: unplug", "dev", f.String(), "err", err)
		return
	}
	m.forget(d)
}

// deliverIRQ forwards a root bus line through the router.
func (m *Machine) deliverIRQ(line int, level bool) {
	irq := m.router.Route(line)
	if irq < 0 {
		return
	}
	m.cfg.Sink.SetIRQ(irq, level)
}

// SetIRQ drives an interrupt pin of an emulated function.
func (m *Machine) SetIRQ(f *pci.Function, pin int, level bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f.SetIRQ(pin, level)
}

// HandlePIO dispatches a guest port access.
func (m *Machine) HandlePIO(port uint16, data []byte, isWrite bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.check(m.chipset.HandlePIO(port, data, isWrite))
}

// HandleMMIO dispatches a guest memory access that exited to userspace.
func (m *Machine) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.check(m.chipset.HandleMMIO(addr, data, isWrite))
}

// check records fatal host errors and hands them to OnFatal once.
func (m *Machine) check(err error) error {
	if err == nil || !errors.Is(err, assign.ErrHostIOFatal) {
		return err
	}
	if m.fatal == nil {
		m.fatal = err
		m.logger.Error("machine: fatal host device error", "err", err)
		if m.cfg.OnFatal != nil {
			m.cfg.OnFatal(err)
		}
	}
	return err
}

// Reset performs a system reset of every bus and device.
func (m *Machine) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.root.Reset()
	m.lines.Reset()
	return m.chipset.Reset()
}

// Query describes the topology below the root bus.
func (m *Machine) Query() []pci.FunctionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.root.Query()
}

// Close unregisters every assigned device, releasing host resources.
func (m *Machine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeLocked()
}

func (m *Machine) closeLocked() error {
	var errs []error
	for _, d := range m.assigned {
		f := d.Function()
		if f == nil || f.Bus() == nil {
			continue
		}
		if err := f.Bus().Unregister(f); err != nil {
			errs = append(errs, err)
		}
	}
	m.assigned = nil
	return errors.Join(errs...)
}

// configDevice is the fixed chipset device for the config mechanisms.
type configDevice struct {
	m *Machine
}

func (d *configDevice) Reset() error { return nil }

func (d *configDevice) SupportsPortIO() *chipset.PortIOIntercept {
	r := pci.ConfigPorts()
	return &chipset.PortIOIntercept{Base: uint16(r.Base), Size: uint16(r.Size), Handler: d}
}

func (d *configDevice) SupportsMmio() *chipset.MmioIntercept {
	e := d.m.layout.ECAM
	if e == nil {
		return nil
	}
	r := hv.Range{Base: e.Base, Size: pci.ECAMSize(e.MaxBus)}
	return &chipset.MmioIntercept{Regions: []hv.Range{r}, Handler: d}
}

func (d *configDevice) ReadIOPort(port uint16, data []byte) error {
	return d.m.hostBridge.ReadIOPort(port, data)
}

func (d *configDevice) WriteIOPort(port uint16, data []byte) error {
	return d.m.hostBridge.WriteIOPort(port, data)
}

func (d *configDevice) ReadMMIO(addr uint64, data []byte) error {
	return d.m.ecam.ReadMMIO(addr, data)
}

func (d *configDevice) WriteMMIO(addr uint64, data []byte) error {
	return d.m.ecam.WriteMMIO(addr, data)
}

var (
	_ chipset.PortIODevice = (*configDevice)(nil)
	_ chipset.MmioDevice   = (*configDevice)(nil)
)
