//go:build linux

package kvm

const (
	kvmApiVersion = 12

	kvmGetApiVersion       = 0xae00
	kvmCreateVm            = 0xae01
	kvmCheckExtension      = 0xae03
	kvmSetUserMemoryRegion = 0x4020ae46
	kvmCreateIrqchip       = 0xae60
	kvmIrqLine             = 0x4008ae61
	kvmSetGsiRouting       = 0x4008ae6a
	kvmAssignPciDevice     = 0x8040ae69
	kvmAssignDevIrq        = 0x4040ae70
	kvmDeassignPciDevice   = 0x4040ae72
	kvmAssignSetMsixNr     = 0x4008ae73
	kvmAssignSetMsixEntry  = 0x4010ae74
	kvmDeassignDevIrq      = 0x4040ae75

	kvmCapNrMemslots = 10
	kvmCapIrqRouting = 25
)

const (
	kvmMemReadonly = 1 << 1

	kvmIrqRoutingIrqchip = 1
	kvmIrqRoutingMsi     = 2

	irqChipIOAPIC = 2
	numIOAPICPins = 24
)

type kvmUserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// kvm_irq_level
type kvmIRQLevel struct {
	IRQOrStatus uint32
	Level       uint32
}

// kvm_assigned_pci_dev
type kvmAssignedPciDev struct {
	AssignedDevID uint32
	BusNr         uint32
	DevFn         uint32
	Flags         uint32
	SegNr         uint32
	_             [11]uint32
}

// kvm_assigned_irq
type kvmAssignedIrq struct {
	AssignedDevID uint32
	HostIrq       uint32
	GuestIrq      uint32
	Flags         uint32
	_             [12]uint32
}

// kvm_assigned_msix_nr
type kvmAssignedMsixNr struct {
	AssignedDevID uint32
	EntryNr       uint16
	_             uint16
}

// kvm_assigned_msix_entry
type kvmAssignedMsixEntry struct {
	AssignedDevID uint32
	GSI           uint32
	Entry         uint16
	_             [3]uint16
}

// kvm_irq_routing_entry. U holds either the irqchip (irqchip, pin) pair or
// the MSI (address_lo, address_hi, data) triple.
type kvmIrqRoutingEntry struct {
	GSI   uint32
	Type  uint32
	Flags uint32
	Pad   uint32
	U     [32]byte
}

type kvmIrqRoutingHeader struct {
	NR    uint32
	Flags uint32
}
