package machine

import (
	"github.com/tinyrange/pcipass/internal/devices/pci"
)

// PIRQRouter turns root bus lines into guest interrupt numbers.
type PIRQRouter interface {
	// Route returns the guest interrupt for line, or -1 while the line is
	// not routed.
	Route(line int) int
	// Attach places any config-visible part of the router on bus. notify is
	// called after the guest reprograms a route.
	Attach(bus *pci.Bus, notify func()) error
}

// IdentityRouter delivers line n as interrupt n.
type IdentityRouter struct{}

func (IdentityRouter) Route(line int) int            { return line }
func (IdentityRouter) Attach(*pci.Bus, func()) error { return nil }

const (
	piixPIRQC       = 0x60
	piixRouteOff    = 0x80
	piixRouteIRQ    = 0x0f
	piixISABridgeFn = 0x08 // 01.0
)

// PIIX3Router is the PIIX3 ISA bridge function whose PIRQ route registers
// at 0x60-0x63 steer INTA-INTD onto legacy interrupts.
type PIIX3Router struct {
	pci.DefaultBehavior

	fn     *pci.Function
	notify func()
}

func NewPIIX3Router() *PIIX3Router { return &PIIX3Router{} }

func (r *PIIX3Router) Attach(bus *pci.Bus, notify func()) error {
	r.notify = notify
	_, err := bus.Register(pci.FunctionOptions{
		Name:          "PIIX3",
		DevFn:         piixISABridgeFn,
		Multifunction: true,
		VendorID:      0x8086,
		DeviceID:      0x7000,
		ClassCode:     0x0601,
	}, r)
	return err
}

func (r *PIIX3Router) Init(f *pci.Function) error {
	r.fn = f
	for i := range pci.NumPins {
		f.WMask()[piixPIRQC+i] = 0xff
	}
	r.resetRoutes()
	f.WatchConfig(piixPIRQC, pci.NumPins, func(*pci.Function, uint32, uint32, int) {
		if r.notify != nil {
			r.notify()
		}
	})
	return nil
}

// NoHotplug keeps the router in place for the machine's lifetime.
func (r *PIIX3Router) NoHotplug() bool { return true }

func (r *PIIX3Router) Reset(f *pci.Function) {
	r.resetRoutes()
}

func (r *PIIX3Router) resetRoutes() {
	for i := range pci.NumPins {
		r.fn.Config()[piixPIRQC+i] = piixRouteOff
	}
}

func (r *PIIX3Router) Route(line int) int {
	if r.fn == nil || line < 0 || line >= pci.NumPins {
		return -1
	}
	v := r.fn.Config()[piixPIRQC+line]
	if v&piixRouteOff != 0 {
		return -1
	}
	return int(v & piixRouteIRQ)
}

var (
	_ PIRQRouter       = IdentityRouter{}
	_ PIRQRouter       = (*PIIX3Router)(nil)
	_ pci.NoHotplugger = (*PIIX3Router)(nil)
)
