package pci

import "fmt"

type classDesc struct {
	class     uint16
	desc      string
	fwName    string
	fwIgnBits uint16
}

var classDescriptions = []classDesc{
	{0x0001, "VGA controller", "display", 0},
	{0x0100, "SCSI controller", "scsi", 0},
	{0x0101, "IDE controller", "ide", 0},
	{0x0102, "Floppy controller", "fdc", 0},
	{0x0103, "IPI controller", "ipi", 0},
	{0x0104, "RAID controller", "raid", 0},
	{0x0106, "SATA controller", "", 0},
	{0x0107, "SAS controller", "", 0},
	{0x0180, "Storage controller", "", 0},
	{0x0200, "Ethernet controller", "ethernet", 0},
	{0x0201, "Token Ring controller", "token-ring", 0},
	{0x0202, "FDDI controller", "fddi", 0},
	{0x0203, "ATM controller", "atm", 0},
	{0x0280, "Network controller", "", 0},
	{0x0300, "VGA controller", "display", 0x00ff},
	{0x0301, "XGA controller", "", 0},
	{0x0302, "3D controller", "", 0},
	{0x0380, "Display controller", "", 0},
	{0x0400, "Video controller", "video", 0},
	{0x0401, "Audio controller", "sound", 0},
	{0x0402, "Phone", "", 0},
	{0x0480, "Multimedia controller", "", 0},
	{0x0500, "RAM controller", "memory", 0},
	{0x0501, "Flash controller", "flash", 0},
	{0x0580, "Memory controller", "", 0},
	{0x0600, "Host bridge", "host", 0},
	{0x0601, "ISA bridge", "isa", 0},
	{0x0602, "EISA bridge", "eisa", 0},
	{0x0603, "MC bridge", "mca", 0},
	{0x0604, "PCI bridge", "pci", 0},
	{0x0605, "PCMCIA bridge", "pcmcia", 0},
	{0x0606, "NUBUS bridge", "nubus", 0},
	{0x0607, "CARDBUS bridge", "cardbus", 0},
	{0x0608, "RACEWAY bridge", "", 0},
	{0x0680, "Bridge", "", 0},
	{0x0700, "Serial port", "serial", 0},
	{0x0701, "Parallel port", "parallel", 0},
	{0x0800, "Interrupt controller", "interrupt-controller", 0},
	{0x0801, "DMA controller", "dma-controller", 0},
	{0x0802, "Timer", "timer", 0},
	{0x0803, "RTC", "rtc", 0},
	{0x0900, "Keyboard", "keyboard", 0},
	{0x0901, "Pen", "pen", 0},
	{0x0902, "Mouse", "mouse", 0},
	{0x0a00, "Dock station", "dock", 0x00ff},
	{0x0b00, "i386 cpu", "cpu", 0x00ff},
	{0x0c00, "Firewire controller", "firewire", 0},
	{0x0c01, "Access bus controller", "access-bus", 0},
	{0x0c02, "SSA controller", "ssa", 0},
	{0x0c03, "USB controller", "usb", 0},
	{0x0c04, "Fibre channel controller", "fibre-channel", 0},
}

// ClassDescription returns a human readable name for a base class and
// subclass, or "" if unknown.
func ClassDescription(class uint16) string {
	for _, d := range classDescriptions {
		if d.class == class {
			return d.desc
		}
	}
	return ""
}

// RegionInfo describes one registered region.
type RegionInfo struct {
	BAR       int    `json:"bar" yaml:"bar"`
	Type      string `json:"type" yaml:"type"`
	Prefetch  bool   `json:"prefetch,omitempty" yaml:"prefetch,omitempty"`
	MemType64 bool   `json:"mem_type_64,omitempty" yaml:"mem_type_64,omitempty"`
	Address   uint64 `json:"address" yaml:"address"`
	Size      uint64 `json:"size" yaml:"size"`
}

// WindowInfo is a bridge forwarding range. Base > Limit means closed.
type WindowInfo struct {
	Base  uint64 `json:"base" yaml:"base"`
	Limit uint64 `json:"limit" yaml:"limit"`
}

// BridgeInfo describes the secondary side of a bridge.
type BridgeInfo struct {
	Primary     uint8          `json:"number" yaml:"number"`
	Secondary   uint8          `json:"secondary" yaml:"secondary"`
	Subordinate uint8          `json:"subordinate" yaml:"subordinate"`
	IO          WindowInfo     `json:"io_range" yaml:"io_range"`
	Memory      WindowInfo     `json:"memory_range" yaml:"memory_range"`
	Prefetch    WindowInfo     `json:"prefetchable_range" yaml:"prefetchable_range"`
	Devices     []FunctionInfo `json:"devices,omitempty" yaml:"devices,omitempty"`
}

// FunctionInfo is a snapshot of a function for display.
type FunctionInfo struct {
	Bus               uint8        `json:"bus" yaml:"bus"`
	Slot              uint8        `json:"slot" yaml:"slot"`
	Function          uint8        `json:"function" yaml:"function"`
	Class             uint16       `json:"class" yaml:"class"`
	ClassDesc         string       `json:"desc,omitempty" yaml:"desc,omitempty"`
	VendorID          uint16       `json:"vendor" yaml:"vendor"`
	DeviceID          uint16       `json:"device" yaml:"device"`
	SubsystemVendorID uint16       `json:"subsystem_vendor" yaml:"subsystem_vendor"`
	SubsystemID       uint16       `json:"subsystem" yaml:"subsystem"`
	IRQ               *uint8       `json:"irq,omitempty" yaml:"irq,omitempty"`
	ID                string       `json:"qdev_id" yaml:"qdev_id"`
	Regions           []RegionInfo `json:"regions" yaml:"regions"`
	Bridge            *BridgeInfo  `json:"pci_bridge,omitempty" yaml:"pci_bridge,omitempty"`
}

// Query describes every function on the bus, descending into bridges.
func (b *Bus) Query() []FunctionInfo {
	var out []FunctionInfo
	num := b.Number()
	b.ForEach(func(f *Function) {
		out = append(out, f.info(num))
	})
	return out
}

func (f *Function) info(busNum uint8) FunctionInfo {
	cfg := f.cs.Config
	class := cfg.Word(RegClassDevice)
	info := FunctionInfo{
		Bus:               busNum,
		Slot:              Slot(f.devfn),
		Function:          Func(f.devfn),
		Class:             class,
		ClassDesc:         ClassDescription(class),
		VendorID:          cfg.Word(RegVendorID),
		DeviceID:          cfg.Word(RegDeviceID),
		SubsystemVendorID: cfg.Word(RegSubsystemVendorID),
		SubsystemID:       cfg.Word(RegSubsystemID),
		ID:                f.id,
	}
	if cfg[RegInterruptPin] != 0 {
		line := cfg[RegInterruptLine]
		info.IRQ = &line
	}
	for i, r := range f.regions {
		if r.Size == 0 {
			continue
		}
		ri := RegionInfo{BAR: i, Address: r.Addr, Size: r.Size, Type: "memory"}
		if r.IsIO() {
			ri.Type = "io"
		} else {
			ri.Prefetch = r.Prefetchable()
			ri.MemType64 = r.Is64Bit()
		}
		info.Regions = append(info.Regions, ri)
	}

	if f.HeaderType() == HeaderTypeBridge {
		br := &BridgeInfo{
			Primary:     cfg[RegPrimaryBus],
			Secondary:   cfg[RegSecondaryBus],
			Subordinate: cfg[RegSubordinateBus],
			IO: WindowInfo{
				Base:  f.bridgeBase(BaseAddressSpaceIO),
				Limit: f.bridgeLimit(BaseAddressSpaceIO),
			},
			Memory: WindowInfo{
				Base:  f.bridgeBase(BaseAddressSpaceMemory),
				Limit: f.bridgeLimit(BaseAddressSpaceMemory),
			},
			Prefetch: WindowInfo{
				Base:  f.bridgeBase(BaseAddressMemPrefetch),
				Limit: f.bridgeLimit(BaseAddressMemPrefetch),
			},
		}
		if b, ok := f.behavior.(*Bridge); ok && b.secondary != nil {
			br.Devices = b.secondary.Query()
		}
		info.Bridge = br
	}
	return info
}

// FirmwarePath is the Open Firmware style node name of the function,
// "name@slot[,fn]".
func (f *Function) FirmwarePath() string {
	class := f.ClassCode()
	name := fmt.Sprintf("pci%04x,%04x", f.cs.Config.Word(RegVendorID), f.cs.Config.Word(RegDeviceID))
	for _, d := range classDescriptions {
		if class&^d.fwIgnBits == d.class&^d.fwIgnBits {
			if d.fwName != "" {
				name = d.fwName
			}
			break
		}
	}
	path := fmt.Sprintf("%s@%x", name, Slot(f.devfn))
	if fn := Func(f.devfn); fn != 0 {
		path += fmt.Sprintf(",%x", fn)
	}
	return path
}

// DevicePath is the "domain:bus:slot.fn" address of the function.
func (f *Function) DevicePath() string {
	return fmt.Sprintf("%04x:%02x:%02x.%x", 0, f.BusNumber(), Slot(f.devfn), Func(f.devfn))
}

// String renders the function the way a monitor listing does.
func (fi FunctionInfo) String() string {
	desc := fi.ClassDesc
	if desc == "" {
		desc = fmt.Sprintf("Class %04x", fi.Class)
	}
	s := fmt.Sprintf("class %s, addr %02x:%02x.%x, pci id %04x:%04x (sub %04x:%04x)",
		desc, fi.Bus, fi.Slot, fi.Function, fi.VendorID, fi.DeviceID, fi.SubsystemVendorID, fi.SubsystemID)
	for _, r := range fi.Regions {
		kind := "mem"
		if r.Type == "io" {
			kind = "i/o"
		}
		if r.Address == Unmapped {
			s += fmt.Sprintf("\n  bar %d: %s unmapped [size 0x%x]", r.BAR, kind, r.Size)
			continue
		}
		s += fmt.Sprintf("\n  bar %d: %s at 0x%x [0x%x]", r.BAR, kind, r.Address, r.Address+r.Size-1)
	}
	return s
}
