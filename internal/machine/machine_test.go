package machine

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/pcipass/internal/devices/pci"
	"github.com/tinyrange/pcipass/internal/devices/pci/assign"
	"github.com/tinyrange/pcipass/internal/hv"
)

type fakeHost struct {
	mu         sync.Mutex
	assigned   map[uint32]bool
	deassigned int
	irqs       []hv.AssignedIRQ
	failIRQ    bool
	nextGSI    uint32
}

func newFakeHost() *fakeHost {
	return &fakeHost{assigned: map[uint32]bool{}, nextGSI: 24}
}

func (h *fakeHost) CheckExtension(hv.Extension) bool { return true }

func (h *fakeHost) AssignDevice(dev hv.AssignedDevice) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.assigned[dev.ID] = true
	return nil
}

func (h *fakeHost) DeassignDevice(dev hv.AssignedDevice) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.assigned, dev.ID)
	h.deassigned++
	return nil
}

func (h *fakeHost) AssignIRQ(irq hv.AssignedIRQ) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failIRQ {
		return errors.New("irq busy")
	}
	h.irqs = append(h.irqs, irq)
	return nil
}

func (h *fakeHost) DeassignIRQ(hv.AssignedIRQ) error { return nil }

func (h *fakeHost) AllocateGSI() (uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextGSI++
	return h.nextGSI - 1, nil
}

func (h *fakeHost) AddMSIRoute(hv.MSIRoute) error                 { return nil }
func (h *fakeHost) UpdateMSIRoute(old, updated hv.MSIRoute) error { return nil }
func (h *fakeHost) DeleteRoute(hv.MSIRoute) error                 { return nil }
func (h *fakeHost) CommitRoutes() error                           { return nil }
func (h *fakeHost) SetMSIXNr(uint32, uint16) error                { return nil }
func (h *fakeHost) SetMSIXEntry(uint32, uint32, uint16) error     { return nil }
func (h *fakeHost) Ioperm(uint64, uint64, bool) error             { return nil }
func (h *fakeHost) PageSize() uint64                              { return 0x1000 }

func (h *fakeHost) assignedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.assigned)
}

type irqEvent struct {
	IRQ   int
	Level bool
}

type recordingSink struct {
	mu     sync.Mutex
	events []irqEvent
}

func (s *recordingSink) SetIRQ(irq int, level bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, irqEvent{irq, level})
}

func (s *recordingSink) take() []irqEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.events
	s.events = nil
	return out
}

// writeHostDevice adds a host function with no capabilities and no
// regions to a fake sysfs tree.
func writeHostDevice(t *testing.T, root, name string, pin uint8) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	cfg := make(pci.Registers, pci.ConfigSpaceSize)
	cfg.SetWord(pci.RegVendorID, 0x8086)
	cfg.SetWord(pci.RegDeviceID, 0x10d3)
	cfg.SetWord(pci.RegClassDevice, 0x0200)
	cfg[pci.RegInterruptPin] = pin

	var resource bytes.Buffer
	for range pci.NumBARs {
		resource.WriteString("0x0000000000000000 0x0000000000000000 0x0000000000000000\n")
	}
	for file, data := range map[string][]byte{
		"config":   cfg,
		"resource": resource.Bytes(),
		"vendor":   []byte("0x8086\n"),
		"device":   []byte("0x10d3\n"),
		"irq":      []byte("16\n"),
	} {
		if err := os.WriteFile(filepath.Join(dir, file), data, 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func assignDevice(id, host string) DeviceConfig {
	var dc DeviceConfig
	dc.Driver = assign.DriverName
	dc.ID = id
	dc.Legacy = "host=" + host
	return dc
}

func mustMachine(t *testing.T, cfg Config, layout Layout) *Machine {
	t.Helper()
	m, err := New(cfg, layout)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		if err := m.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return m
}

func configAddress(bus, devfn uint8, reg uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, 1<<31|uint32(bus)<<16|uint32(devfn)<<8|reg&0xfc)
}

func readConfig(t *testing.T, m *Machine, bus, devfn uint8, reg uint32, size int) uint32 {
	t.Helper()
	if err := m.HandlePIO(0xcf8, configAddress(bus, devfn, reg), true); err != nil {
		t.Fatal(err)
	}
	data := make([]byte, 4)
	if err := m.HandlePIO(0xcfc+uint16(reg&3), data[:size], false); err != nil {
		t.Fatal(err)
	}
	return binary.LittleEndian.Uint32(data)
}

func writeConfig(t *testing.T, m *Machine, bus, devfn uint8, reg, val uint32, size int) {
	t.Helper()
	if err := m.HandlePIO(0xcf8, configAddress(bus, devfn, reg), true); err != nil {
		t.Fatal(err)
	}
	data := binary.LittleEndian.AppendUint32(nil, val)
	if err := m.HandlePIO(0xcfc+uint16(reg&3), data[:size], true); err != nil {
		t.Fatal(err)
	}
}

const testLayout = `
router: piix3
ecam: {base: 0xe0000000}
buses:
  - name: pci.1
    bridge: {addr: "1e.0"}
`

func TestParseLayout(t *testing.T) {
	l, err := ParseLayout([]byte(testLayout + `
devices:
  - driver: pci-assign
    id: nic0
    addr: "05.0"
    props: {host: "0000:03:00.0", prefer_msi: false}
  - driver: pci-assign
    bus: pci.1
    legacy: host=04:00.0,dma=none,name=eth1
`))
	if err != nil {
		t.Fatal(err)
	}
	if l.Version != 1 || l.NIRQ != 4 || l.Router != RouterPIIX3 || l.ECAM.Base != 0xe0000000 {
		t.Fatalf("layout = %+v", l)
	}
	want := BusConfig{
		Name:   "pci.1",
		Parent: RootBusName,
		Bridge: BridgeConfig{Addr: "1e.0", Vendor: 0x8086, Device: 0x244e},
	}
	if diff := cmp.Diff(want, l.Buses[0]); diff != "" {
		t.Fatalf("bus mismatch (-want +got):\n%s", diff)
	}

	nic, err := l.Devices[0].AssignOptions()
	if err != nil {
		t.Fatal(err)
	}
	if nic.Host.String() != "03:00.0" || nic.ID != "nic0" || nic.Addr != "05.0" || nic.UsesMSI() {
		t.Fatalf("nic0 = %+v", nic)
	}
	if l.Devices[0].Bus != RootBusName {
		t.Fatalf("default bus = %q", l.Devices[0].Bus)
	}

	eth, err := l.Devices[1].AssignOptions()
	if err != nil {
		t.Fatal(err)
	}
	if eth.ID != "eth1" || eth.UseIOMMU() {
		t.Fatalf("eth1 = %+v", eth)
	}
}

func TestParseLayoutErrors(t *testing.T) {
	for name, doc := range map[string]string{
		"router":  "router: apic\n",
		"version": "version: 3\n",
		"parent":  "buses:\n  - name: pci.2\n    parent: pci.9\n",
		"dupbus":  "buses:\n  - name: pci.1\n  - name: pci.1\n",
		"devbus":  "devices:\n  - driver: pci-assign\n    bus: pci.7\n",
		"yaml":    "buses: {",
	} {
		if _, err := ParseLayout([]byte(doc)); err == nil {
			t.Errorf("%s: layout accepted", name)
		}
	}
}

func TestConfigMechanisms(t *testing.T) {
	l, err := ParseLayout([]byte(testLayout))
	if err != nil {
		t.Fatal(err)
	}
	m := mustMachine(t, Config{}, l)

	if got := readConfig(t, m, 0, 0, pci.RegVendorID, 4); got != 0x12378086 {
		t.Fatalf("host bridge id = %#x", got)
	}
	if got := readConfig(t, m, 0, piixISABridgeFn, pci.RegVendorID, 4); got != 0x70008086 {
		t.Fatalf("piix3 id = %#x", got)
	}
	if got := readConfig(t, m, 0, pci.DevFn(0x1e, 0), pci.RegVendorID, 4); got != 0x244e8086 {
		t.Fatalf("bridge id = %#x", got)
	}
	if got := readConfig(t, m, 0, pci.DevFn(0x10, 0), pci.RegVendorID, 2); got != 0xffff {
		t.Fatalf("empty slot = %#x", got)
	}

	data := make([]byte, 4)
	if err := m.HandleMMIO(0xe0000000+uint64(piixISABridgeFn)<<12, data, false); err != nil {
		t.Fatal(err)
	}
	if got := binary.LittleEndian.Uint32(data); got != 0x70008086 {
		t.Fatalf("ecam piix3 id = %#x", got)
	}
}

func TestPIRQRouting(t *testing.T) {
	l, err := ParseLayout([]byte(testLayout))
	if err != nil {
		t.Fatal(err)
	}
	sink := &recordingSink{}
	m := mustMachine(t, Config{Sink: sink}, l)

	f, err := m.Bus(RootBusName).Register(pci.FunctionOptions{
		Name:         "test",
		DevFn:        int(pci.DevFn(4, 0)),
		VendorID:     0x1af4,
		DeviceID:     0x1000,
		InterruptPin: 1,
	}, pci.DefaultBehavior{})
	if err != nil {
		t.Fatal(err)
	}
	line := f.MapIRQ(0)

	m.SetIRQ(f, 0, true)
	if ev := sink.take(); len(ev) != 0 {
		t.Fatalf("unrouted line delivered %v", ev)
	}
	m.SetIRQ(f, 0, false)

	writeConfig(t, m, 0, piixISABridgeFn, piixPIRQC+uint32(line), 11, 1)
	m.SetIRQ(f, 0, true)
	m.SetIRQ(f, 0, false)
	want := []irqEvent{{11, true}, {11, false}}
	if diff := cmp.Diff(want, sink.take()); diff != "" {
		t.Fatalf("irq events mismatch (-want +got):\n%s", diff)
	}
	if got := m.Lines().Assertions(line); got != 2 {
		t.Fatalf("line %d asserted %d times", line, got)
	}

	if err := m.Reset(); err != nil {
		t.Fatal(err)
	}
	if got := readConfig(t, m, 0, piixISABridgeFn, piixPIRQC, 1); got != piixRouteOff {
		t.Fatalf("route after reset = %#x", got)
	}
}

func TestRouteChangeReassignsINTx(t *testing.T) {
	root := t.TempDir()
	writeHostDevice(t, root, "0000:03:00.0", 1)
	host := newFakeHost()

	l, err := ParseLayout([]byte("router: piix3\n"))
	if err != nil {
		t.Fatal(err)
	}
	l.Devices = []DeviceConfig{assignDevice("nic0", "03:00.0")}
	m := mustMachine(t, Config{Host: host, SysfsRoot: root}, l)

	dev := m.Devices()[0]
	if dev.GuestIRQ() != -1 || len(host.irqs) != 0 {
		t.Fatalf("INTx assigned before routing: irq=%d %v", dev.GuestIRQ(), host.irqs)
	}

	line := dev.Function().MapIRQ(0)
	writeConfig(t, m, 0, piixISABridgeFn, piixPIRQC+uint32(line), 10, 1)
	if dev.GuestIRQ() != 10 {
		t.Fatalf("guest irq = %d, want 10", dev.GuestIRQ())
	}
	want := hv.AssignedIRQ{ID: 0x0300, HostIRQ: 16, GuestIRQ: 10, Flags: hv.IRQGuestINTx | hv.IRQHostINTx}
	if diff := cmp.Diff([]hv.AssignedIRQ{want}, host.irqs); diff != "" {
		t.Fatalf("assigned irqs mismatch (-want +got):\n%s", diff)
	}

	host.failIRQ = true
	writeConfig(t, m, 0, piixISABridgeFn, piixPIRQC+uint32(line), 5, 1)
	if n := len(m.Devices()); n != 0 {
		t.Fatalf("%d devices left after failed reroute", n)
	}
	if host.assignedCount() != 0 {
		t.Fatal("failed device still assigned on the host")
	}
}

func TestDeviceLimit(t *testing.T) {
	root := t.TempDir()
	host := newFakeHost()
	var l Layout
	for i := range assign.MaxDevices + 1 {
		name := fmt.Sprintf("0000:03:%02x.0", i)
		writeHostDevice(t, root, name, 0)
		l.Devices = append(l.Devices, assignDevice(fmt.Sprintf("dev%d", i), name))
	}

	_, err := New(Config{Host: host, SysfsRoot: root}, l)
	if !errors.Is(err, assign.ErrTooManyDevices) {
		t.Fatalf("New = %v, want ErrTooManyDevices", err)
	}
	if host.assignedCount() != 0 || host.deassigned != assign.MaxDevices {
		t.Fatalf("host left with %d assigned, %d deassigned", host.assignedCount(), host.deassigned)
	}
}

func TestHotplug(t *testing.T) {
	root := t.TempDir()
	writeHostDevice(t, root, "0000:03:00.0", 0)
	host := newFakeHost()

	var events []string
	hotplug := func(f *pci.Function, attach bool) error {
		events = append(events, fmt.Sprintf("%s attach=%v", f.ID(), attach))
		return nil
	}

	m := mustMachine(t, Config{Host: host, SysfsRoot: root}, Layout{})
	if _, err := m.AddDevice(assignDevice("nic0", "03:00.0")); !errors.Is(err, pci.ErrHotplugRefused) {
		t.Fatalf("hot-add without hotplug support = %v", err)
	}

	m = mustMachine(t, Config{Host: host, SysfsRoot: root, Hotplug: hotplug}, Layout{})
	f, err := m.AddDevice(assignDevice("nic0", "03:00.0"))
	if err != nil {
		t.Fatal(err)
	}
	if !f.Hotplugged() || host.assignedCount() != 1 {
		t.Fatalf("hotplugged=%v assigned=%d", f.Hotplugged(), host.assignedCount())
	}

	if err := m.RemoveDevice("nic0"); err != nil {
		t.Fatal(err)
	}
	if err := m.RemoveDevice("nic0"); !errors.Is(err, ErrNoDevice) {
		t.Fatalf("second remove = %v", err)
	}
	if diff := cmp.Diff([]string{"nic0 attach=true", "nic0 attach=false"}, events); diff != "" {
		t.Fatalf("hotplug events mismatch (-want +got):\n%s", diff)
	}
	if host.assignedCount() != 0 {
		t.Fatal("removed device still assigned")
	}
}

func TestUnknownDriver(t *testing.T) {
	_, err := New(Config{}, Layout{Devices: []DeviceConfig{{Driver: "e1000"}}})
	if !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("New = %v", err)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	l, err := ParseLayout([]byte(testLayout))
	if err != nil {
		t.Fatal(err)
	}
	m := mustMachine(t, Config{}, l)

	writeConfig(t, m, 0, piixISABridgeFn, piixPIRQC, 5, 1)
	var snap bytes.Buffer
	if err := m.Save(&snap); err != nil {
		t.Fatal(err)
	}
	saved := snap.Bytes()

	writeConfig(t, m, 0, piixISABridgeFn, piixPIRQC, 9, 1)
	if err := m.Load(bytes.NewReader(saved)); err != nil {
		t.Fatal(err)
	}
	if got := readConfig(t, m, 0, piixISABridgeFn, piixPIRQC, 1); got != 5 {
		t.Fatalf("route after load = %d, want 5", got)
	}

	bad := append([]byte(nil), saved...)
	bad[0] ^= 0xff
	if err := m.Load(bytes.NewReader(bad)); !errors.Is(err, ErrBadSnapshot) {
		t.Fatalf("load with bad magic = %v", err)
	}
	if err := m.Load(bytes.NewReader(saved[:len(saved)-2])); !errors.Is(err, ErrBadSnapshot) {
		t.Fatalf("load of truncated stream = %v", err)
	}
}

func TestSnapshotRefusesAssignedDevices(t *testing.T) {
	root := t.TempDir()
	writeHostDevice(t, root, "0000:03:00.0", 0)
	m := mustMachine(t, Config{Host: newFakeHost(), SysfsRoot: root},
		Layout{Devices: []DeviceConfig{assignDevice("nic0", "03:00.0")}})

	var snap bytes.Buffer
	if err := m.Save(&snap); !errors.Is(err, assign.ErrUnmigratable) {
		t.Fatalf("Save = %v, want ErrUnmigratable", err)
	}
	if snap.Len() != 0 {
		t.Fatalf("Save wrote %d bytes", snap.Len())
	}
	if err := m.Load(bytes.NewReader(nil)); !errors.Is(err, assign.ErrUnmigratable) {
		t.Fatalf("Load = %v, want ErrUnmigratable", err)
	}
}

func TestFatalHostError(t *testing.T) {
	root := t.TempDir()
	writeHostDevice(t, root, "0000:03:00.0", 0)

	var fatal []error
	m := mustMachine(t, Config{
		Host:      newFakeHost(),
		SysfsRoot: root,
		OnFatal:   func(err error) { fatal = append(fatal, err) },
	}, Layout{Devices: []DeviceConfig{assignDevice("nic0", "03:00.0")}})
	f := m.Devices()[0].Function()

	// Reads past the end of the host's config file come back short.
	if err := os.Truncate(filepath.Join(root, "0000:03:00.0", "config"), 0x40); err != nil {
		t.Fatal(err)
	}
	if err := m.HandlePIO(0xcf8, configAddress(0, f.DevFn(), 0x80), true); err != nil {
		t.Fatal(err)
	}
	data := make([]byte, 4)
	err := m.HandlePIO(0xcfc, data, false)
	if !errors.Is(err, assign.ErrHostIOFatal) {
		t.Fatalf("read = %v, want ErrHostIOFatal", err)
	}
	_ = m.HandlePIO(0xcfc, data, false)
	if len(fatal) != 1 || !errors.Is(m.Fatal(), assign.ErrHostIOFatal) {
		t.Fatalf("OnFatal called %d times, Fatal() = %v", len(fatal), m.Fatal())
	}
}

func TestQueryShowsBridge(t *testing.T) {
	l, err := ParseLayout([]byte(testLayout))
	if err != nil {
		t.Fatal(err)
	}
	m := mustMachine(t, Config{}, l)

	var bridges int
	for _, fi := range m.Query() {
		if fi.Bridge != nil {
			bridges++
			if fi.Slot != 0x1e || fi.ID != "pci.1" {
				t.Fatalf("bridge info = %+v", fi)
			}
		}
	}
	if bridges != 1 {
		t.Fatalf("found %d bridges", bridges)
	}
}

func TestPlacementOfRootBARs(t *testing.T) {
	l, err := ParseLayout([]byte("version: 1\nplacement: {}\n"))
	if err != nil {
		t.Fatal(err)
	}
	m := mustMachine(t, Config{}, l)

	f, err := m.Bus(RootBusName).Register(pci.FunctionOptions{Name: "test", DevFn: -1, VendorID: 0x1af4, DeviceID: 0x1000}, pci.DefaultBehavior{})
	if err != nil {
		t.Fatal(err)
	}
	for _, bar := range []struct {
		region int
		size   uint64
		typ    uint8
	}{
		{0, 0x1000, pci.BaseAddressSpaceMemory},
		{1, 0x100, pci.BaseAddressSpaceIO},
		{2, 0x100000, pci.BaseAddressMemType64 | pci.BaseAddressMemPrefetch},
	} {
		if err := f.RegisterBAR(bar.region, bar.size, bar.typ, nil); err != nil {
			t.Fatal(err)
		}
	}

	if err := m.AssignResources(); err != nil {
		t.Fatalf("AssignResources: %v", err)
	}

	got := map[int]uint64{}
	for i := 0; i < pci.NumBARs; i++ {
		if r := f.Region(i); r.Registered() {
			got[i] = r.Addr
		}
	}
	want := map[int]uint64{
		0: defaultPlacementMMIOBase + 0x100000,
		1: defaultPlacementIOBase,
		2: defaultPlacementMMIOBase,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("region addresses (-want +got):\n%s", diff)
	}
	if cmd := f.Config().Word(pci.RegCommand); cmd&(pci.CommandIO|pci.CommandMemory) != pci.CommandIO|pci.CommandMemory {
		t.Fatalf("command = %#x", cmd)
	}

	// Placed regions are left alone on a second pass.
	if err := m.AssignResources(); err != nil {
		t.Fatal(err)
	}
	if f.Region(0).Addr != want[0] {
		t.Fatalf("region 0 moved to %#x", f.Region(0).Addr)
	}
}

func TestPlacementWindowExhausted(t *testing.T) {
	l, err := ParseLayout([]byte("version: 1\nplacement: {mmio_base: 0xc0000000, mmio_size: 0x1000}\n"))
	if err != nil {
		t.Fatal(err)
	}
	m := mustMachine(t, Config{}, l)
	f, err := m.Bus(RootBusName).Register(pci.FunctionOptions{Name: "big", DevFn: -1}, pci.DefaultBehavior{})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.RegisterBAR(0, 0x2000, pci.BaseAddressSpaceMemory, nil); err != nil {
		t.Fatal(err)
	}
	if err := m.AssignResources(); err == nil {
		t.Fatal("expected window exhaustion")
	}
}
