package machine

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/pcipass/internal/devices/pci/assign"
)

const (
	RootBusName = "pci.0"

	RouterIdentity = "identity"
	RouterPIIX3    = "piix3"

	layoutVersion = 1

	defaultBridgeVendor = 0x8086
	defaultBridgeDevice = 0x244e
)

// Layout is the YAML description of a machine's PCI topology.
type Layout struct {
	Version int    `yaml:"version"`
	Name    string `yaml:"name,omitempty"`

	// NIRQ is the number of platform lines behind the root bus.
	NIRQ   int         `yaml:"nirq,omitempty"`
	Router string      `yaml:"router,omitempty"`
	ECAM   *ECAMConfig `yaml:"ecam,omitempty"`
	// Placement, when present, places BARs as the machine is built.
	Placement *PlacementConfig `yaml:"placement,omitempty"`

	Buses   []BusConfig    `yaml:"buses,omitempty"`
	Devices []DeviceConfig `yaml:"devices,omitempty"`
}

// ECAMConfig places a memory-mapped configuration window.
type ECAMConfig struct {
	Base   uint64 `yaml:"base"`
	MaxBus uint8  `yaml:"max_bus,omitempty"`
}

// BusConfig adds a secondary bus behind a PCI-to-PCI bridge.
type BusConfig struct {
	Name   string       `yaml:"name"`
	Parent string       `yaml:"parent,omitempty"`
	Bridge BridgeConfig `yaml:"bridge"`
}

type BridgeConfig struct {
	Addr          string `yaml:"addr,omitempty"`
	Vendor        uint16 `yaml:"vendor,omitempty"`
	Device        uint16 `yaml:"device,omitempty"`
	Multifunction bool   `yaml:"multifunction,omitempty"`
}

// DeviceConfig creates one device. Props is the driver's property bag;
// Legacy takes the old "host=..,dma=none,name=.." option string instead.
type DeviceConfig struct {
	Driver string `yaml:"driver"`
	ID     string `yaml:"id,omitempty"`
	Bus    string `yaml:"bus,omitempty"`
	Addr   string `yaml:"addr,omitempty"`
	// PCIAddr is "[[domain:]bus:]slot", resolved against bus numbers the
	// firmware has assigned.
	PCIAddr string    `yaml:"pci_addr,omitempty"`
	Props   yaml.Node `yaml:"props,omitempty"`
	Legacy  string    `yaml:"legacy,omitempty"`
}

func (l *Layout) normalize() {
	if l.Version == 0 {
		l.Version = layoutVersion
	}
	if l.Name == "" {
		l.Name = "pcipass"
	}
	if l.NIRQ == 0 {
		l.NIRQ = 4
	}
	if l.Router == "" {
		l.Router = RouterIdentity
	}
	if l.Placement != nil {
		l.Placement.normalize()
	}
	for i := range l.Buses {
		b := &l.Buses[i]
		if b.Parent == "" {
			b.Parent = RootBusName
		}
		if b.Bridge.Vendor == 0 {
			b.Bridge.Vendor = defaultBridgeVendor
		}
		if b.Bridge.Device == 0 {
			b.Bridge.Device = defaultBridgeDevice
		}
	}
	for i := range l.Devices {
		if l.Devices[i].Bus == "" && l.Devices[i].PCIAddr == "" {
			l.Devices[i].Bus = RootBusName
		}
	}
}

func (l *Layout) validate() error {
	if l.Version != layoutVersion {
		return fmt.Errorf("machine: unsupported layout version %d", l.Version)
	}
	switch l.Router {
	case RouterIdentity, RouterPIIX3:
	default:
		return fmt.Errorf("machine: unknown interrupt router %q", l.Router)
	}
	seen := map[string]bool{RootBusName: true}
	for _, b := range l.Buses {
		if b.Name == "" {
			return fmt.Errorf("machine: bus without a name")
		}
		if seen[b.Name] {
			return fmt.Errorf("machine: duplicate bus %q", b.Name)
		}
		if !seen[b.Parent] {
			return fmt.Errorf("machine: bus %q: parent %q is not defined before it", b.Name, b.Parent)
		}
		seen[b.Name] = true
	}
	for _, d := range l.Devices {
		if d.Bus != "" && !seen[d.Bus] {
			return fmt.Errorf("machine: device %q: %w: %s", d.ID, ErrUnknownBus, d.Bus)
		}
	}
	return nil
}

// ParseLayout decodes and normalizes a layout document.
func ParseLayout(data []byte) (Layout, error) {
	var l Layout
	if err := yaml.Unmarshal(data, &l); err != nil {
		return Layout{}, fmt.Errorf("machine: parse layout: %w", err)
	}
	l.normalize()
	if err := l.validate(); err != nil {
		return Layout{}, err
	}
	return l, nil
}

// LoadLayout reads a layout file.
func LoadLayout(path string) (Layout, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Layout{}, fmt.Errorf("machine: read layout: %w", err)
	}
	return ParseLayout(data)
}

// AssignOptions resolves the pci-assign properties of d.
func (d DeviceConfig) AssignOptions() (assign.Options, error) {
	var opts assign.Options
	switch {
	case d.Legacy != "":
		o, err := assign.ParseLegacyOption(d.Legacy)
		if err != nil {
			return assign.Options{}, err
		}
		opts = o
	case !d.Props.IsZero():
		if err := d.Props.Decode(&opts); err != nil {
			return assign.Options{}, fmt.Errorf("machine: device %q props: %w", d.ID, err)
		}
	default:
		return assign.Options{}, fmt.Errorf("machine: device %q has no host properties", d.ID)
	}
	if opts.Host.IsZero() {
		return assign.Options{}, fmt.Errorf("machine: device %q: host address is required", d.ID)
	}
	if d.ID != "" {
		opts.ID = d.ID
	}
	if d.Addr != "" {
		opts.Addr = d.Addr
	}
	return opts, nil
}
