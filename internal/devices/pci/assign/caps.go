package assign

import (
	"fmt"

	"github.com/tinyrange/pcipass/internal/devices/pci"
)

// MSI capability layout, 32-bit message without per-vector masking.
const (
	msiFlags       = 2
	msiAddressLo   = 4
	msiData32      = 8
	msiCapSize     = 10
	msiFlagsEnable = 0x01
	msiFlagsQMask  = 0x0e
	msiFlagsQSize  = 0x70
)

// MSI-X capability layout.
const (
	msixFlags        = 2
	msixTableOffset  = 4
	msixCapSize      = 12
	msixFlagsTabSize = 0x07ff
	msixFlagsMaskAll = 0x4000
	msixFlagsEnable  = 0x8000
	msixBIR          = 0x7
)

// Power management.
const (
	pmCapSize       = 8
	pmCtrl          = 4
	pmPPBExtensions = 6
	pmData          = 7
	pmCapVerMask    = 0x0007
	pmCapDSI        = 0x0020
	pmCtrlNoSoftRst = 0x0008
)

// PCI express.
const (
	expFlags        = 2
	expDevCap       = 4
	expDevCtl       = 8
	expDevSta       = 10
	expLnkCap       = 12
	expLnkSta       = 18
	expSltCap       = 20
	expSltCtl       = 24
	expSltSta       = 26
	expRtCtl        = 28
	expRtCap        = 30
	expRtSta        = 32
	expFlagsVers    = 0x000f
	expFlagsType    = 0x00f0
	expTypeEndpoint = 0x0
	expTypeLegEnd   = 0x1
	expTypeRCEnd    = 0x9

	expDevCapFLR       = 0x10000000
	expDevCtlRelaxEn   = 0x0010
	expDevCtlPayload   = 0x00e0
	expDevCtlAuxPME    = 0x0400
	expDevCtlNoSnoopEn = 0x0800
	expDevCtlReadRQ    = 0x7000
	expDevCtlBCRFLR    = 0x8000

	expLnkCapSLS   = 0x0000000f
	expLnkCapMLW   = 0x000003f0
	expLnkCapASPMS = 0x00000c00
	expLnkCapL0SEL = 0x00007000
	expLnkCapL1EL  = 0x00038000
	expLnkStaCLS   = 0x000f
	expLnkStaNLW   = 0x03f0

	expV1Size  = 0x14
	expV2Size  = 0x3c
	expMinSize = 0x34
)

// PCI-X.
const (
	pcixCapSize    = 8
	pcixCmd        = 2
	pcixStatus     = 4
	pcixCmdMask    = 0x007f
	pcixStatusBus  = 0x0000ff00
	pcixStatusFn   = 0x000000ff
	pcixStatusErrs = 0x00040000 | 0x00080000 | 0x20000000
)

const vpdCapSize = 8

const intelVendorID = 0x8086

// initCapabilities mirrors the host capabilities the guest may see onto the
// emulated chain at their host offsets, sanitizing what the guest must not
// control.
func (d *Device) initCapabilities() error {
	f := d.fn
	cfg := f.Config()
	wmask := f.WMask()

	// The copied host chain is rebuilt from scratch.
	f.ClearCapabilityList()

	pos, err := d.findHostCapability(pci.CapIDMSI, 0)
	if err != nil {
		return err
	}
	if pos != 0 {
		if _, err := f.AddCapability(pci.CapIDMSI, pos, msiCapSize); err != nil {
			return fmt.Errorf("pci-assign: msi capability: %w", err)
		}
		p := int(pos)
		cfg.SetWord(p+msiFlags, cfg.Word(p+msiFlags)&msiFlagsQMask)
		cfg.SetLong(p+msiAddressLo, 0)
		cfg.SetWord(p+msiData32, 0)
		wmask.SetWord(p+msiFlags, msiFlagsQSize|msiFlagsEnable)
		wmask.SetLong(p+msiAddressLo, 0xfffffffc)
		wmask.SetWord(p+msiData32, 0xffff)
		d.msiCap = pos
	}

	if pos, err = d.findHostCapability(pci.CapIDMSIX, 0); err != nil {
		return err
	}
	if pos != 0 {
		if _, err := f.AddCapability(pci.CapIDMSIX, pos, msixCapSize); err != nil {
			return fmt.Errorf("pci-assign: msi-x capability: %w", err)
		}
		p := int(pos)
		cfg.SetWord(p+msixFlags, cfg.Word(p+msixFlags)&msixFlagsTabSize)
		wmask.SetWord(p+msixFlags, msixFlagsEnable|msixFlagsMaskAll)

		table := cfg.Long(p + msixTableOffset)
		d.msixBAR = int(table & msixBIR)
		d.msixOffset = uint64(table &^ msixBIR)
		d.msixMax = int(cfg.Word(p+msixFlags)&msixFlagsTabSize) + 1
		d.msixCap = pos
	}

	// Minimal power management: nothing writable, the device appears to
	// NAK state changes. Assignment brings it to D0.
	if pos, err = d.findHostCapability(pci.CapIDPM, 0); err != nil {
		return err
	}
	if pos != 0 {
		if _, err := f.AddCapability(pci.CapIDPM, pos, pmCapSize); err != nil {
			return fmt.Errorf("pci-assign: pm capability: %w", err)
		}
		p := int(pos)
		cfg.SetWord(p+pci.CapFlags, cfg.Word(p+pci.CapFlags)&(pmCapVerMask|pmCapDSI))
		cfg.SetWord(p+pmCtrl, pmCtrlNoSoftRst)
		cfg[p+pmPPBExtensions] = 0
		cfg[p+pmData] = 0
	}

	if pos, err = d.findHostCapability(pci.CapIDExpress, 0); err != nil {
		return err
	}
	if pos != 0 {
		if err := d.initExpress(pos); err != nil {
			return err
		}
	}

	if pos, err = d.findHostCapability(pci.CapIDPCIX, 0); err != nil {
		return err
	}
	if pos != 0 {
		if _, err := f.AddCapability(pci.CapIDPCIX, pos, pcixCapSize); err != nil {
			return fmt.Errorf("pci-assign: pci-x capability: %w", err)
		}
		p := int(pos)
		cfg.SetWord(p+pcixCmd, cfg.Word(p+pcixCmd)&pcixCmdMask)

		status := cfg.Long(p + pcixStatus)
		status &^= pcixStatusBus | pcixStatusFn
		status |= uint32(f.BusNumber())<<8 | uint32(f.DevFn())
		status &^= pcixStatusErrs
		cfg.SetLong(p+pcixStatus, status)
	}

	// VPD and vendor capabilities are passed through.
	if pos, err = d.findHostCapability(pci.CapIDVPD, 0); err != nil {
		return err
	}
	if pos != 0 {
		if _, err := f.AddCapability(pci.CapIDVPD, pos, vpdCapSize); err != nil {
			return fmt.Errorf("pci-assign: vpd capability: %w", err)
		}
	}

	for start := uint8(0); ; {
		pos, err := d.findHostCapability(pci.CapIDVendor, start)
		if err != nil {
			return err
		}
		if pos == 0 {
			break
		}
		length := cfg[int(pos)+pci.CapFlags]
		if _, err := f.AddCapability(pci.CapIDVendor, pos, length); err != nil {
			return fmt.Errorf("pci-assign: vendor capability at %#x: %w", pos, err)
		}
		start = pos + pci.CapListNext
	}
	return nil
}

func (d *Device) initExpress(pos uint8) error {
	f := d.fn
	cfg := f.Config()
	p := int(pos)

	version := cfg[p+expFlags] & expFlagsVers
	var size int
	switch version {
	case 1:
		size = expV1Size
	case 2:
		// Some devices implement a shortened structure; anything down to
		// 0x34 is accepted.
		size = min(expV2Size, pci.ConfigSpaceSize-p)
		if size < expMinSize {
			return fmt.Errorf("pci-assign: invalid size %#x for express capability", size)
		}
		if size != expV2Size {
			d.logger.Warn("pci-assign: express capability has non-standard size", "size", size, "want", expV2Size)
		}
	case 0:
		// Intel 82599 VFs report version 0 but implement version 2.
		if cfg.Word(pci.RegVendorID) == intelVendorID && cfg.Word(pci.RegDeviceID) == 0x10ed {
			size = expV2Size
		}
	}
	if size == 0 {
		return fmt.Errorf("%w: %d", ErrUnsupportedExpressVersion, version)
	}

	if _, err := f.AddCapability(pci.CapIDExpress, pos, uint8(size)); err != nil {
		return fmt.Errorf("pci-assign: express capability: %w", err)
	}

	typ := (cfg.Word(p+expFlags) & expFlagsType) >> 4
	if typ != expTypeEndpoint && typ != expTypeLegEnd && typ != expTypeRCEnd {
		return fmt.Errorf("%w: device type %d", ErrNotEndpoint, typ)
	}

	// Function level reset is not offered to the guest.
	cfg.SetLong(p+expDevCap, cfg.Long(p+expDevCap)&^expDevCapFLR)

	// Error reporting enables are cleared. The register is writable but
	// never reaches the device.
	devctl := cfg.Word(p + expDevCtl)
	devctl = devctl&(expDevCtlReadRQ|expDevCtlPayload) | expDevCtlRelaxEn | expDevCtlNoSnoopEn
	cfg.SetWord(p+expDevCtl, devctl)
	f.WMask().SetWord(p+expDevCtl, ^uint16(expDevCtlBCRFLR|expDevCtlAuxPME))

	cfg.SetWord(p+expDevSta, 0)

	cfg.SetLong(p+expLnkCap, cfg.Long(p+expLnkCap)&
		(expLnkCapSLS|expLnkCapMLW|expLnkCapASPMS|expLnkCapL0SEL|expLnkCapL1EL))
	cfg.SetWord(p+expLnkSta, cfg.Word(p+expLnkSta)&(expLnkStaCLS|expLnkStaNLW))

	if version >= 2 {
		// Slot and root port registers do not apply to endpoints.
		cfg.SetLong(p+expSltCap, 0)
		cfg.SetWord(p+expSltCtl, 0)
		cfg.SetWord(p+expSltSta, 0)
		cfg.SetWord(p+expRtCtl, 0)
		cfg.SetWord(p+expRtCap, 0)
		cfg.SetLong(p+expRtSta, 0)
	}
	return nil
}
