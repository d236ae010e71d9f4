package assign

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tinyrange/pcipass/internal/devices/pci"
)

// DriverName is the device model name used in layouts and messages.
const DriverName = "pci-assign"

// HostAddr is the host PCI address of an assigned function.
type HostAddr pci.HostDevAddr

// ParseHostAddr parses "[seg:]bus:dev.func" in hex.
func ParseHostAddr(s string) (HostAddr, error) {
	a, err := pci.ParseHostDevAddr(s)
	if err != nil {
		return HostAddr{}, err
	}
	return HostAddr(a), nil
}

// String prints the segment only when it is non-zero.
func (a HostAddr) String() string {
	if a.Segment != 0 {
		return fmt.Sprintf("%04x:%02x:%02x.%x", a.Segment, a.Bus, a.Slot, a.Func)
	}
	return fmt.Sprintf("%02x:%02x.%x", a.Bus, a.Slot, a.Func)
}

// SysfsName is the directory name of the function under
// /sys/bus/pci/devices.
func (a HostAddr) SysfsName() string {
	return pci.HostDevAddr(a).String()
}

func (a HostAddr) IsZero() bool { return a == HostAddr{} }

func (a HostAddr) DevFn() uint8 { return pci.DevFn(a.Slot, a.Func) }

// DeviceID is the identifier the host virtualization layer uses for the
// assignment.
func (a HostAddr) DeviceID() uint32 {
	return uint32(a.Segment)<<16 | uint32(a.Bus)<<8 | uint32(a.DevFn())
}

func (a HostAddr) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *HostAddr) UnmarshalText(b []byte) error {
	v, err := ParseHostAddr(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Options is the property bag of an assigned device.
type Options struct {
	Host          HostAddr `yaml:"host"`
	Addr          string   `yaml:"addr,omitempty"`
	ID            string   `yaml:"id,omitempty"`
	IOMMU         *bool    `yaml:"iommu,omitempty"`
	PreferMSI     *bool    `yaml:"prefer_msi,omitempty"`
	ROMBar        *bool    `yaml:"rombar,omitempty"`
	ROMFile       string   `yaml:"romfile,omitempty"`
	ConfigFD      string   `yaml:"configfd,omitempty"`
	BootIndex     int      `yaml:"bootindex,omitempty"`
	Multifunction bool     `yaml:"multifunction,omitempty"`
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func (o Options) UseIOMMU() bool  { return boolOr(o.IOMMU, true) }
func (o Options) UsesMSI() bool   { return boolOr(o.PreferMSI, true) }
func (o Options) UseROMBar() bool { return boolOr(o.ROMBar, true) }

// FunctionOptions returns the registration options for the guest function.
// Identity and class come from the host during Init.
func (o Options) FunctionOptions() (pci.FunctionOptions, error) {
	fo := pci.FunctionOptions{
		Name:          DriverName,
		ID:            o.ID,
		DevFn:         -1,
		Multifunction: o.Multifunction,
		ROMFile:       o.ROMFile,
		DisableROMBar: !o.UseROMBar(),
	}
	if o.Addr != "" {
		devfn, err := pci.ParseSlotFunc(o.Addr)
		if err != nil {
			return pci.FunctionOptions{}, err
		}
		fo.DevFn = devfn
	}
	return fo, nil
}

// ParseLegacyOption converts the old "host=[seg:]bus:dev.func[,dma=none]
// [,name=foo]" device string into Options. The id falls back to name and
// then to the host address.
func ParseLegacyOption(s string) (Options, error) {
	params := map[string]string{}
	for _, kv := range strings.Split(s, ",") {
		if kv == "" {
			continue
		}
		k, v, _ := strings.Cut(kv, "=")
		params[k] = v
	}

	host, ok := params["host"]
	if !ok {
		return Options{}, fmt.Errorf("pci-assign: pcidevice argument %q has no host", s)
	}
	addr, err := ParseHostAddr(host)
	if err != nil {
		return Options{}, fmt.Errorf("pci-assign: pcidevice argument %q: %w", s, err)
	}

	opts := Options{Host: addr, ID: host}
	if id, ok := params["id"]; ok {
		opts.ID = id
	} else if name, ok := params["name"]; ok {
		opts.ID = name
	}
	if strings.HasPrefix(params["dma"], "none") {
		off := false
		opts.IOMMU = &off
	}
	return opts, nil
}

// parseConfigFD accepts a numeric file descriptor, decimal or 0x-prefixed.
func parseConfigFD(s string) (int, error) {
	fd, err := strconv.ParseInt(s, 0, 32)
	if err != nil || fd < 0 {
		return -1, fmt.Errorf("pci-assign: configfd %q is not a file descriptor", s)
	}
	return int(fd), nil
}
