package chipset

import (
	"github.com/tinyrange/pcipass/internal/hv"
)

// Device is a fixed platform device registered with the chipset at build
// time.
type Device interface {
	Reset() error
}

// PortIOIntercept describes the port range a device wants to serve and the
// handler for it.
type PortIOIntercept struct {
	Base    uint16
	Size    uint16
	Handler hv.IOPortHandler
}

// PortIODevice is a device that serves I/O ports.
type PortIODevice interface {
	Device
	SupportsPortIO() *PortIOIntercept
}

// MmioIntercept describes the MMIO regions a device serves and the handler
// for them.
type MmioIntercept struct {
	Regions []hv.Range
	Handler hv.MMIOHandler
}

// MmioDevice is a device that serves memory-mapped regions.
type MmioDevice interface {
	Device
	SupportsMmio() *MmioIntercept
}
