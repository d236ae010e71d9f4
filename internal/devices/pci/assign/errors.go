package assign

import (
	"errors"
	"fmt"
)

// MaxDevices is the number of assigned devices a machine accepts.
const MaxDevices = 8

var (
	ErrNoHostDevice              = errors.New("pci-assign: no host device specified")
	ErrHostIOFatal               = errors.New("pci-assign: host config access failed")
	ErrUnexpectedIORead          = errors.New("pci-assign: unexpected return from I/O port read")
	ErrUnsupportedExpressVersion = errors.New("pci-assign: unsupported PCI express capability version")
	ErrNotEndpoint               = errors.New("pci-assign: only endpoint devices can be assigned")
	ErrTooManyDevices            = errors.New("pci-assign: maximum number of assigned devices already attached")
	ErrUnmigratable              = errors.New("pci-assign: assigned devices cannot be migrated")
	ErrNoIOMMU                   = errors.New("pci-assign: no IOMMU found")
	ErrSegmentUnsupported        = errors.New("pci-assign: host cannot assign devices in a non-zero PCI segment")
)

// HostIOError is a failed access to the host device's config space. It
// matches both ErrHostIOFatal and the underlying errno.
type HostIOError struct {
	Op   string
	Addr uint32
	Len  int
	N    int
	Err  error
}

func (e *HostIOError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("pci-assign: host config %s at %#x: short transfer %d of %d bytes", e.Op, e.Addr, e.N, e.Len)
	}
	return fmt.Sprintf("pci-assign: host config %s at %#x len %d: %v", e.Op, e.Addr, e.Len, e.Err)
}

func (e *HostIOError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrHostIOFatal}
	}
	return []error{ErrHostIOFatal, e.Err}
}
