package machine

import (
	"fmt"
	"sort"

	"github.com/tinyrange/pcipass/internal/devices/pci"
	"github.com/tinyrange/pcipass/internal/hv"
)

const (
	defaultPlacementIOBase   = 0xc000
	defaultPlacementIOSize   = 0x4000
	defaultPlacementMMIOBase = 0xc0000000
	defaultPlacementMMIOSize = 0x20000000
)

// PlacementConfig gives the host-side windows BARs of root bus functions
// are allocated from when the guest boots without a PCI enumerating BIOS.
type PlacementConfig struct {
	IOBase   uint64 `yaml:"io_base,omitempty"`
	IOSize   uint64 `yaml:"io_size,omitempty"`
	MMIOBase uint64 `yaml:"mmio_base,omitempty"`
	MMIOSize uint64 `yaml:"mmio_size,omitempty"`
}

func (c *PlacementConfig) normalize() {
	if c.IOSize == 0 {
		c.IOBase, c.IOSize = defaultPlacementIOBase, defaultPlacementIOSize
	}
	if c.MMIOSize == 0 {
		c.MMIOBase, c.MMIOSize = defaultPlacementMMIOBase, defaultPlacementMMIOSize
	}
}

type barRequest struct {
	f      *pci.Function
	region int
	r      pci.Region
}

// AssignResources programs the BARs of every root bus function that has
// not been placed yet. Largest regions go first so alignment padding stays
// small. Functions behind bridges are left to the guest.
func (m *Machine) AssignResources() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.assignResourcesLocked()
}

func (m *Machine) assignResourcesLocked() error {
	fw := PlacementConfig{}
	if m.layout.Placement != nil {
		fw = *m.layout.Placement
	}
	fw.normalize()
	io := hv.NewWindow(fw.IOBase, fw.IOSize)
	mmio := hv.NewWindow(fw.MMIOBase, fw.MMIOSize)

	var reqs []barRequest
	enable := map[*pci.Function]uint16{}
	m.root.ForEach(func(f *pci.Function) {
		for i := 0; i < pci.NumBARs; i++ {
			r := f.Region(i)
			if !r.Registered() || r.Mapped() {
				continue
			}
			reqs = append(reqs, barRequest{f: f, region: i, r: r})
		}
	})
	sort.SliceStable(reqs, func(i, j int) bool { return reqs[i].r.Size > reqs[j].r.Size })

	for _, req := range reqs {
		w, bit := mmio, uint16(pci.CommandMemory)
		if req.r.IsIO() {
			w, bit = io, pci.CommandIO
		}
		addr, err := w.Allocate(req.r.Size, 0)
		if err != nil {
			return fmt.Errorf("machine: place %s region %d: %w", req.f, req.region, err)
		}
		off := uint32(pci.RegBaseAddress0 + req.region*4)
		if err := req.f.WriteConfig(off, uint32(addr)|uint32(req.r.Type), 4); err != nil {
			return err
		}
		if req.r.Is64Bit() {
			if err := req.f.WriteConfig(off+4, uint32(addr>>32), 4); err != nil {
				return err
			}
		}
		enable[req.f] |= bit
		m.logger.Debug("machine: placed region", "dev", req.f.String(), "region", req.region, "addr", fmt.Sprintf("%#x", addr), "size", req.r.Size)
	}

	for f, bits := range enable {
		cmd, err := f.ReadConfig(pci.RegCommand, 2)
		if err != nil {
			return err
		}
		if err := f.WriteConfig(pci.RegCommand, cmd|uint32(bits), 2); err != nil {
			return err
		}
	}
	return nil
}
