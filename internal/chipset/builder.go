package chipset

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/pcipass/internal/hv"
)

// Builder registers fixed devices and their intercepts before creating a
// Chipset. Mappings made later through the Chipset's MemorySpace and
// IOPortSpace methods are dynamic and may come and go.
type Builder struct {
	devices map[string]Device
	pio     []pioBinding
	mmio    []mmioBinding
	ram     hv.RAMBackend
	logger  *slog.Logger
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{devices: make(map[string]Device)}
}

// WithRAMBackend makes directly mapped memory visible to the hypervisor as
// well as to the software dispatch path.
func (b *Builder) WithRAMBackend(ram hv.RAMBackend) *Builder {
	b.ram = ram
	return b
}

func (b *Builder) WithLogger(l *slog.Logger) *Builder {
	b.logger = l
	return b
}

// RegisterDevice adds a fixed device and wires up its intercepts.
func (b *Builder) RegisterDevice(name string, dev Device) error {
	if name == "" {
		return fmt.Errorf("chipset: device name is empty")
	}
	if dev == nil {
		return fmt.Errorf("chipset: device %q is nil", name)
	}
	if _, exists := b.devices[name]; exists {
		return fmt.Errorf("chipset: device %q already registered", name)
	}

	if pd, ok := dev.(PortIODevice); ok {
		if intercept := pd.SupportsPortIO(); intercept != nil {
			if intercept.Handler == nil {
				return fmt.Errorf("chipset: device %q provided I/O ports with nil handler", name)
			}
			if err := b.WithPioRange(uint64(intercept.Base), uint64(intercept.Size), intercept.Handler); err != nil {
				return fmt.Errorf("chipset: device %q: %w", name, err)
			}
		}
	}

	if md, ok := dev.(MmioDevice); ok {
		if intercept := md.SupportsMmio(); intercept != nil {
			if intercept.Handler == nil {
				return fmt.Errorf("chipset: device %q provided MMIO regions with nil handler", name)
			}
			for _, region := range intercept.Regions {
				if err := b.WithMmioRegion(region.Base, region.Size, intercept.Handler); err != nil {
					return fmt.Errorf("chipset: device %q: %w", name, err)
				}
			}
		}
	}

	b.devices[name] = dev
	return nil
}

// WithPioRange registers a fixed I/O port range.
func (b *Builder) WithPioRange(base, size uint64, handler hv.IOPortHandler) error {
	binding, err := newPioBinding(base, size, handler)
	if err != nil {
		return err
	}
	binding.fixed = true
	for _, existing := range b.pio {
		if existing.Overlaps(binding.Range) {
			return fmt.Errorf("%w: I/O ports %s and %s", hv.ErrRegionOverlap, binding.Range, existing.Range)
		}
	}
	b.pio = append(b.pio, binding)
	return nil
}

// WithMmioRegion registers a fixed memory-mapped region.
func (b *Builder) WithMmioRegion(base, size uint64, handler hv.MMIOHandler) error {
	if handler == nil {
		return fmt.Errorf("chipset: MMIO handler for region 0x%x size 0x%x is nil", base, size)
	}
	r, err := checkedRange(base, size)
	if err != nil {
		return err
	}
	for _, existing := range b.mmio {
		if existing.Overlaps(r) {
			return fmt.Errorf("%w: MMIO %s and %s", hv.ErrRegionOverlap, r, existing.Range)
		}
	}
	b.mmio = append(b.mmio, mmioBinding{Range: r, handler: handler, fixed: true})
	return nil
}

// Build finalizes the fixed layout and returns the Chipset.
func (b *Builder) Build() (*Chipset, error) {
	devices := make(map[string]Device, len(b.devices))
	for name, dev := range b.devices {
		devices[name] = dev
	}
	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Chipset{
		devices: devices,
		pio:     append([]pioBinding(nil), b.pio...),
		mmio:    append([]mmioBinding(nil), b.mmio...),
		ram:     b.ram,
		logger:  logger,
	}, nil
}

func checkedRange(base, size uint64) (hv.Range, error) {
	if size == 0 {
		return hv.Range{}, fmt.Errorf("chipset: region at 0x%x has zero size", base)
	}
	if base+size-1 < base {
		return hv.Range{}, fmt.Errorf("chipset: region at 0x%x with size 0x%x overflows", base, size)
	}
	return hv.Range{Base: base, Size: size}, nil
}

func newPioBinding(base, size uint64, handler hv.IOPortHandler) (pioBinding, error) {
	if handler == nil {
		return pioBinding{}, fmt.Errorf("chipset: PIO handler for port 0x%x is nil", base)
	}
	r, err := checkedRange(base, size)
	if err != nil {
		return pioBinding{}, err
	}
	if r.End() > 0x10000 {
		return pioBinding{}, fmt.Errorf("chipset: I/O range %s beyond port space", r)
	}
	return pioBinding{Range: r, handler: handler}, nil
}
