package hv

// Extension identifies an optional host capability.
type Extension int

const (
	ExtIOMMU      Extension = 18
	ExtIRQRouting Extension = 25
	ExtPCISegment Extension = 47
)

// Assigned device flags.
const (
	AssignFlagIOMMU uint32 = 1 << 0
)

// Assigned interrupt type flags. The low byte selects the host side, the
// second byte the guest side.
const (
	IRQHostINTx  uint32 = 1 << 0
	IRQHostMSI   uint32 = 1 << 1
	IRQHostMSIX  uint32 = 1 << 2
	IRQGuestINTx uint32 = 1 << 8
	IRQGuestMSI  uint32 = 1 << 9
	IRQGuestMSIX uint32 = 1 << 10

	IRQHostMask  = IRQHostINTx | IRQHostMSI | IRQHostMSIX
	IRQGuestMask = IRQGuestINTx | IRQGuestMSI | IRQGuestMSIX
)

// AssignedDevice identifies a host PCI function handed to the guest.
type AssignedDevice struct {
	ID      uint32
	Segment uint16
	Bus     uint8
	DevFn   uint8
	Flags   uint32
}

// AssignedIRQ describes an interrupt forwarding request for an assigned
// device.
type AssignedIRQ struct {
	ID       uint32
	HostIRQ  uint32
	GuestIRQ uint32
	Flags    uint32
}

// MSIRoute maps a guest GSI to an MSI message.
type MSIRoute struct {
	GSI       uint32
	AddressLo uint32
	AddressHi uint32
	Data      uint32
}

// AssignmentHost is the host virtualization layer used by device
// assignment: DMA/IOMMU assignment, interrupt forwarding and the GSI
// routing table. Route changes are staged until CommitRoutes.
type AssignmentHost interface {
	CheckExtension(ext Extension) bool

	AssignDevice(dev AssignedDevice) error
	DeassignDevice(dev AssignedDevice) error

	AssignIRQ(irq AssignedIRQ) error
	DeassignIRQ(irq AssignedIRQ) error

	AllocateGSI() (uint32, error)
	AddMSIRoute(r MSIRoute) error
	UpdateMSIRoute(old, updated MSIRoute) error
	// DeleteRoute removes the route and releases its GSI.
	DeleteRoute(r MSIRoute) error
	CommitRoutes() error

	SetMSIXNr(id uint32, nr uint16) error
	SetMSIXEntry(id uint32, gsi uint32, entry uint16) error

	// Ioperm grants or revokes raw port access for the calling process.
	Ioperm(base, size uint64, enable bool) error

	// PageSize is the granularity at which guest memory can be mapped
	// directly onto host memory.
	PageSize() uint64
}
