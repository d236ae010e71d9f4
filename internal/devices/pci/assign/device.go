// Package assign hands host PCI functions to the guest. The guest sees an
// emulated copy of the function's config space; BARs are mapped straight
// onto the host resources and interrupts are forwarded by the host
// virtualization layer.
package assign

import (
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/cleanup"

	"github.com/tinyrange/pcipass/internal/devices/pci"
	"github.com/tinyrange/pcipass/internal/hv"
)

// IRQRouter translates a line on the root bus into the guest interrupt
// number programmed by firmware.
type IRQRouter func(line int) int

// Device is the pci.Behavior of an assigned function.
//
// Every config access that reaches the host runs on the caller's goroutine
// with the machine lock held, so a slow host device stalls the guest.
type Device struct {
	host      hv.AssignmentHost
	opts      Options
	logger    *slog.Logger
	sysfsRoot string
	portPath  string
	router    IRQRouter

	fn *pci.Function

	configFD   int
	emulateCmd bool
	hostIRQ    uint32
	regions    [pci.NumBARs]*hostRegion

	msiCap  uint8
	msixCap uint8

	msixBAR    int
	msixOffset uint64
	msixMax    int
	msix       *msixTable

	irqRequested uint32
	intPin       int
	guestIRQ     int
	msiRoute     *hv.MSIRoute
	msixRoutes   []*hv.MSIRoute

	assigned bool
	mapErr   error
}

// New returns the behavior for the host function named by opts.Host. It is
// registered on a bus with opts.FunctionOptions().
func New(host hv.AssignmentHost, opts Options, logger *slog.Logger) *Device {
	if logger == nil {
		logger = slog.Default()
	}
	return &Device{
		host:      host,
		opts:      opts,
		logger:    logger.With("host", opts.Host.String()),
		sysfsRoot: DefaultSysfsRoot,
		portPath:  DefaultPortDevice,
		router:    func(line int) int { return line },
		configFD:  -1,
		msixBAR:   -1,
		guestIRQ:  -1,
	}
}

// WithSysfsRoot reads host functions from a tree other than
// /sys/bus/pci/devices.
func (d *Device) WithSysfsRoot(root string) *Device {
	d.sysfsRoot = root
	return d
}

// WithPortDevice replaces /dev/port for raw port IO.
func (d *Device) WithPortDevice(path string) *Device {
	d.portPath = path
	return d
}

// WithIRQRouter installs the translation from root bus lines to guest
// interrupt numbers used for INTx forwarding.
func (d *Device) WithIRQRouter(r IRQRouter) *Device {
	if r != nil {
		d.router = r
	}
	return d
}

func (d *Device) Options() Options { return d.opts }

func (d *Device) Function() *pci.Function { return d.fn }

// GuestIRQ is the guest interrupt INTx is forwarded to, or -1.
func (d *Device) GuestIRQ() int { return d.guestIRQ }

// RequestedIRQ returns the interrupt type flags currently assigned.
func (d *Device) RequestedIRQ() uint32 { return d.irqRequested }

func (d *Device) hasMSI() bool  { return d.msiCap != 0 }
func (d *Device) hasMSIX() bool { return d.msixCap != 0 }

// NoHotplug implements pci.NoHotplugger. Assigned devices can be hot-added
// and removed.
func (d *Device) NoHotplug() bool { return false }

// MigrationBlocked implements pci.MigrationBlocker.
func (d *Device) MigrationBlocked() error {
	return fmt.Errorf("%w: %s", ErrUnmigratable, d.opts.Host)
}

// Init implements pci.Behavior.
func (d *Device) Init(f *pci.Function) error {
	if d.opts.Host.IsZero() {
		return ErrNoHostDevice
	}
	if d.host == nil {
		return fmt.Errorf("pci-assign: %s: %w", d.opts.Host, hv.ErrNotSupported)
	}
	d.fn = f

	cu := cleanup.Make(d.release)
	defer cu.Clean()

	if err := d.openHostDevice(); err != nil {
		return fmt.Errorf("pci-assign: couldn't get real device %s: %w", d.opts.Host, err)
	}
	if err := d.registerRegions(); err != nil {
		return err
	}

	d.intPin = int(f.Config()[pci.RegInterruptPin]) - 1
	d.guestIRQ = -1

	if err := d.initCapabilities(); err != nil {
		return err
	}
	if err := d.assignDevice(); err != nil {
		return err
	}
	cu.Add(d.deassignDevice)

	if err := d.assignINTx(); err != nil {
		return err
	}
	if d.hasMSIX() {
		d.msix = newMSIXTable(d)
	}
	d.loadOptionROM()

	cu.Release()
	d.logger.Info("pci-assign: assigned host device", "dev", f.String())
	return nil
}

// Exit implements pci.Behavior. Teardown is best effort.
func (d *Device) Exit(f *pci.Function) error {
	d.deassignDevice()
	d.release()
	return nil
}

// Reset implements pci.Behavior. MSI and MSI-X are switched off first since
// the MSI-X table lives in MMIO space that is about to be disabled.
func (d *Device) Reset(f *pci.Function) {
	cfg := f.Config()
	switch {
	case d.irqRequested&hv.IRQGuestMSIX != 0 && d.hasMSIX():
		pos := int(d.msixCap) + msixFlags
		cfg.SetWord(pos, cfg.Word(pos)&^msixFlagsEnable)
		d.updateMSIX()
	case d.irqRequested&hv.IRQGuestMSI != 0 && d.hasMSI():
		cfg[int(d.msiCap)+msiFlags] &^= msiFlagsEnable
		d.updateMSI()
	}

	d.resetHost()

	// A zero command register disconnects the device from the bus, which
	// stops any further DMA.
	if err := d.WriteConfig(f, pci.RegCommand, 0, 2); err != nil {
		d.logger.Warn("pci-assign: clear command register", "err", err)
	}
}

func (d *Device) assignDevice() error {
	host := d.opts.Host
	if host.Segment != 0 && !d.host.CheckExtension(hv.ExtPCISegment) {
		return fmt.Errorf("%w: %s", ErrSegmentUnsupported, host)
	}
	dev := hv.AssignedDevice{
		ID:      host.DeviceID(),
		Segment: host.Segment,
		Bus:     host.Bus,
		DevFn:   host.DevFn(),
	}
	if d.opts.UseIOMMU() {
		if !d.host.CheckExtension(hv.ExtIOMMU) {
			return fmt.Errorf("%w: unable to assign device %q", ErrNoIOMMU, d.opts.ID)
		}
		dev.Flags |= hv.AssignFlagIOMMU
	}
	if err := d.host.AssignDevice(dev); err != nil {
		return fmt.Errorf("pci-assign: failed to assign device %q: %w", d.opts.ID, err)
	}
	d.assigned = true
	return nil
}

func (d *Device) deassignDevice() {
	if !d.assigned {
		return
	}
	d.assigned = false
	dev := hv.AssignedDevice{ID: d.opts.Host.DeviceID()}
	if err := d.host.DeassignDevice(dev); err != nil {
		d.logger.Error("pci-assign: failed to deassign device", "id", d.opts.ID, "err", err)
	}
}

// deassignIRQ drops whatever interrupt forwarding is active. ENXIO means
// nothing was assigned.
func (d *Device) deassignIRQ(op string) {
	irq := hv.AssignedIRQ{ID: d.opts.Host.DeviceID(), Flags: d.irqRequested}
	if err := d.host.DeassignIRQ(irq); err != nil && !errors.Is(err, unix.ENXIO) {
		d.logger.Warn("pci-assign: deassign irq", "op", op, "err", err)
	}
}

// assignINTx forwards the host interrupt to the guest line the function's
// pin is routed to. Pin 0 means the function does not use INTx.
func (d *Device) assignINTx() error {
	pin, err := d.hostReadByte(pci.RegInterruptPin)
	if err != nil {
		return err
	}
	if pin == 0 {
		return nil
	}
	// Message signalled interrupts own the device until the guest turns
	// them off.
	if d.irqRequested&(hv.IRQGuestMSI|hv.IRQGuestMSIX) != 0 {
		return nil
	}

	irq := d.router(d.fn.MapIRQ(d.intPin))
	if irq == d.guestIRQ {
		return nil
	}

	req := hv.AssignedIRQ{
		ID:       d.opts.Host.DeviceID(),
		HostIRQ:  d.hostIRQ,
		GuestIRQ: uint32(irq),
	}
	if d.irqRequested != 0 {
		d.deassignIRQ("intx")
	}

	req.Flags = hv.IRQGuestINTx
	if d.opts.UsesMSI() && d.hasMSI() {
		req.Flags |= hv.IRQHostMSI
	} else {
		req.Flags |= hv.IRQHostINTx
	}
	if err := d.host.AssignIRQ(req); err != nil {
		return fmt.Errorf("pci-assign: failed to assign irq for %q (is the interrupt shared with another device?): %w", d.opts.ID, err)
	}
	d.guestIRQ = irq
	d.irqRequested = req.Flags
	return nil
}

// UpdateIRQs re-evaluates INTx forwarding after the guest reprogrammed
// interrupt routing.
func (d *Device) UpdateIRQs() error {
	return d.assignINTx()
}

func (d *Device) loadOptionROM() {
	if d.opts.ROMFile != "" || !d.opts.UseROMBar() {
		return
	}
	rom, err := d.readHostROM()
	if err != nil {
		d.logger.Warn("pci-assign: option rom", "err", err)
		return
	}
	if rom == nil {
		return
	}
	if err := d.fn.LoadOptionROM(rom); err != nil {
		d.logger.Warn("pci-assign: register option rom", "err", err)
	}
}

// release frees everything acquired by Init. Each resource is released
// once; failures are logged.
func (d *Device) release() {
	for i, r := range d.regions {
		if r == nil {
			continue
		}
		if r.ioGranted {
			if err := d.host.Ioperm(r.Base, r.Size, false); err != nil {
				d.logger.Warn("pci-assign: revoke port access", "region", i, "err", err)
			}
		}
		if err := r.close(); err != nil {
			d.logger.Warn("pci-assign: release region", "region", i, "err", err)
		}
		d.regions[i] = nil
	}

	d.msix = nil

	if d.configFD >= 0 {
		if err := unix.Close(d.configFD); err != nil {
			d.logger.Warn("pci-assign: close config", "err", err)
		}
		d.configFD = -1
	}

	if d.freeRoutes() > 0 {
		if err := d.host.CommitRoutes(); err != nil {
			d.logger.Warn("pci-assign: commit routes", "err", err)
		}
	}
}
