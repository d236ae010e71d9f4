package pci

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidAccessSize        = errors.New("pci: invalid config access size")
	ErrOutOfRange               = errors.New("pci: config access out of range")
	ErrNoCapabilitySpace        = errors.New("pci: no free space for capability")
	ErrCapabilityOverlap        = errors.New("pci: capability overlaps existing capability")
	ErrMalformedCapabilityChain = errors.New("pci: malformed capability chain")
	ErrBARSizeNotPowerOfTwo     = errors.New("pci: region size must be a power of two")
	ErrInvalidRegion            = errors.New("pci: invalid region number")
	ErrNoFreeSlot               = errors.New("pci: no devfn available")
	ErrSlotInUse                = errors.New("pci: devfn already in use")
	ErrMultifunction            = errors.New("pci: multifunction conflict")
	ErrHotplugRefused           = errors.New("pci: device does not support hotplug")
	ErrUnsupportedVersion       = errors.New("pci: unsupported state version")
	ErrConfigMismatch           = errors.New("pci: incoming config does not match device")
	ErrBadIRQState              = errors.New("pci: irq state must be 0 or 1")
	ErrBusMismatch              = errors.New("pci: bus irq count mismatch")
	ErrInvalidAddress           = errors.New("pci: invalid device address")
	ErrNoBus                    = errors.New("pci: no such bus")
)

// CapabilityOverlapError reports an explicit-offset capability that would
// overlap one already present.
type CapabilityOverlapError struct {
	ID             uint8
	Offset         uint8
	ExistingID     uint8
	ExistingOffset uint16
}

func (e *CapabilityOverlapError) Error() string {
	return fmt.Sprintf("pci: capability %#x at offset %#x overlaps existing capability %#x at offset %#x",
		e.ID, e.Offset, e.ExistingID, e.ExistingOffset)
}

func (e *CapabilityOverlapError) Unwrap() error { return ErrCapabilityOverlap }

// ConsistencyError reports an incoming config byte that differs from the
// device in a checked, read-only position.
type ConsistencyError struct {
	Offset   int
	Incoming uint8
	Current  uint8
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("pci: config byte %#x mismatch: incoming %#02x, device %#02x",
		e.Offset, e.Incoming, e.Current)
}

func (e *ConsistencyError) Unwrap() error { return ErrConfigMismatch }
