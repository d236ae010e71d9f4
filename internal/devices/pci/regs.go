package pci

// Configuration space sizes.
const (
	ConfigSpaceSize        = 0x100
	ExpressConfigSpaceSize = 0x1000
	ConfigHeaderSize       = 0x40
)

// Type 0 and shared header registers.
const (
	RegVendorID          = 0x00
	RegDeviceID          = 0x02
	RegCommand           = 0x04
	RegStatus            = 0x06
	RegRevisionID        = 0x08
	RegClassProg         = 0x09
	RegClassDevice       = 0x0a
	RegCacheLineSize     = 0x0c
	RegLatencyTimer      = 0x0d
	RegHeaderType        = 0x0e
	RegBIST              = 0x0f
	RegBaseAddress0      = 0x10
	RegSubsystemVendorID = 0x2c
	RegSubsystemID       = 0x2e
	RegROMAddress        = 0x30
	RegCapabilityList    = 0x34
	RegInterruptLine     = 0x3c
	RegInterruptPin      = 0x3d
	RegMinGnt            = 0x3e
	RegMaxLat            = 0x3f
)

// Type 1 (PCI-to-PCI bridge) header registers.
const (
	RegPrimaryBus       = 0x18
	RegSecondaryBus     = 0x19
	RegSubordinateBus   = 0x1a
	RegSecLatencyTimer  = 0x1b
	RegIOBase           = 0x1c
	RegIOLimit          = 0x1d
	RegSecStatus        = 0x1e
	RegMemoryBase       = 0x20
	RegMemoryLimit      = 0x22
	RegPrefMemoryBase   = 0x24
	RegPrefMemoryLimit  = 0x26
	RegPrefBaseUpper32  = 0x28
	RegPrefLimitUpper32 = 0x2c
	RegIOBaseUpper16    = 0x30
	RegIOLimitUpper16   = 0x32
	RegROMAddress1      = 0x38
	RegBridgeControl    = 0x3e
)

const (
	CommandIO     = 0x1
	CommandMemory = 0x2
	CommandMaster = 0x4

	commandDecodeMask = CommandIO | CommandMemory | CommandMaster
)

const (
	StatusInterrupt = 0x08
	StatusCapList   = 0x10
	Status66MHz     = 0x20
	StatusFastBack  = 0x80
)

const (
	HeaderTypeNormal        = 0x00
	HeaderTypeBridge        = 0x01
	HeaderTypeCardbus       = 0x02
	HeaderTypeMultifunction = 0x80
)

// BAR type bits.
const (
	BaseAddressSpaceMemory = 0x00
	BaseAddressSpaceIO     = 0x01
	BaseAddressMemType64   = 0x04
	BaseAddressMemPrefetch = 0x08
	ROMAddressEnable       = 0x01

	ioRangeMask     = 0xf0
	ioRangeType32   = 0x01
	memoryRangeMask = 0xfff0
	prefRangeMask   = 0xfff0
	prefRangeType64 = 0x01
)

// Capability list layout.
const (
	CapListID   = 0
	CapListNext = 1
	CapFlags    = 2
)

// Capability IDs.
const (
	CapIDPM      = 0x01
	CapIDVPD     = 0x03
	CapIDMSI     = 0x05
	CapIDPCIX    = 0x07
	CapIDVendor  = 0x09
	CapIDExpress = 0x10
	CapIDMSIX    = 0x11
)

const ClassBridgePCI = 0x0604

// NumRegions is the six BARs plus the expansion ROM slot.
const (
	NumBARs    = 6
	ROMSlot    = 6
	NumRegions = 7
	NumPins    = 4
)

// Unmapped is the sentinel address of a region that is not visible to the
// guest.
const Unmapped = ^uint64(0)

// Default subsystem IDs for normal headers.
const (
	DefaultSubsystemVendorID = 0x1af4
	DefaultSubsystemID       = 0x1100
)

// DevFn packs a slot and function number.
func DevFn(slot, fn uint8) uint8 { return (slot&0x1f)<<3 | fn&0x7 }

func Slot(devfn uint8) uint8 { return devfn >> 3 }

func Func(devfn uint8) uint8 { return devfn & 0x7 }

func rangeCoversByte(first, length, b uint32) bool {
	return b >= first && b < first+length
}
