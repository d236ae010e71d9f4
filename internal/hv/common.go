// Package hv defines the contracts between the PCI core and the layers
// around it: guest address spaces, interrupt delivery, and the host
// virtualization layer used for device assignment.
package hv

import (
	"errors"
)

var (
	ErrNotSupported  = errors.New("operation not supported by host")
	ErrRegionOverlap = errors.New("region overlaps an existing mapping")
	ErrNoMapping     = errors.New("no mapping at address")
)

// MMIOHandler serves guest accesses to a trapped physical range. Addresses
// are absolute guest-physical addresses.
type MMIOHandler interface {
	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

// IOPortHandler serves guest accesses to an I/O port range.
type IOPortHandler interface {
	ReadIOPort(port uint16, data []byte) error
	WriteIOPort(port uint16, data []byte) error
}

// MemorySpace is the guest-physical memory map.
type MemorySpace interface {
	// MapMMIO traps [addr, addr+size) to h.
	MapMMIO(addr, size uint64, h MMIOHandler) error
	// MapRAM backs [addr, addr+size) directly with mem. len(mem) must be at
	// least size.
	MapRAM(addr, size uint64, mem []byte, readOnly bool) error
	// UnmapMemory drops whatever occupies [addr, addr+size).
	UnmapMemory(addr, size uint64)
}

// IOPortSpace is the guest I/O port map.
type IOPortSpace interface {
	RegisterIOPorts(base, size uint64, h IOPortHandler) error
	UnassignIOPorts(base, size uint64)
}

// InterruptSink receives platform interrupt line levels.
type InterruptSink interface {
	SetIRQ(line int, level bool)
}

// InterruptSinkFunc adapts a function to InterruptSink.
type InterruptSinkFunc func(line int, level bool)

func (f InterruptSinkFunc) SetIRQ(line int, level bool) { f(line, level) }

// RAMBackend installs directly mapped guest memory in the hypervisor.
type RAMBackend interface {
	SetUserMemory(addr uint64, mem []byte, readOnly bool) error
	ClearUserMemory(addr, size uint64) error
}
