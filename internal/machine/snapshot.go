package machine

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/tinyrange/pcipass/internal/devices/pci"
	"github.com/tinyrange/pcipass/internal/devices/pci/assign"
	"github.com/tinyrange/pcipass/internal/hv"
)

// Save writes the PCI state of the machine. Nothing is written when any
// device cannot be migrated.
func (m *Machine) Save(w io.Writer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var buf bytes.Buffer
	writeWords(&buf, hv.SnapshotMagic, hv.SnapshotVersion, hv.SnapshotSectionBus)
	if err := m.root.Save(&buf); err != nil {
		return fmt.Errorf("machine: save bus: %w", err)
	}

	var err error
	m.root.Walk(func(_ *pci.Bus, f *pci.Function) {
		if err != nil {
			return
		}
		writeWords(&buf, hv.SnapshotSectionFunction, uint32(f.BusNumber())<<8|uint32(f.DevFn()))
		if serr := f.Save(&buf); serr != nil {
			err = fmt.Errorf("machine: save %s: %w", f, serr)
		}
	})
	if err != nil {
		return err
	}
	writeWords(&buf, hv.SnapshotSectionEnd)

	_, err = w.Write(buf.Bytes())
	return err
}

// Load restores state written by Save onto a machine with the same
// topology. Each function validates its own state before applying it.
func (m *Machine) Load(r io.Reader) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.assigned) > 0 {
		return fmt.Errorf("machine: load: %w", assign.ErrUnmigratable)
	}

	hdr, err := readWords(r, 2)
	if err != nil {
		return err
	}
	if hdr[0] != hv.SnapshotMagic {
		return fmt.Errorf("%w: magic %#x", ErrBadSnapshot, hdr[0])
	}
	if hdr[1] != hv.SnapshotVersion {
		return fmt.Errorf("%w: version %d", ErrBadSnapshot, hdr[1])
	}

	for {
		tag, err := readWords(r, 1)
		if err != nil {
			return err
		}
		switch tag[0] {
		case hv.SnapshotSectionEnd:
			return nil
		case hv.SnapshotSectionBus:
			if err := m.root.Load(r); err != nil {
				return err
			}
		case hv.SnapshotSectionFunction:
			loc, err := readWords(r, 1)
			if err != nil {
				return err
			}
			busNum, devfn := uint8(loc[0]>>8), uint8(loc[0])
			f := m.root.FindFunction(busNum, pci.Slot(devfn), pci.Func(devfn))
			if f == nil {
				return fmt.Errorf("%w: no function at %02x:%02x.%x", ErrBadSnapshot, busNum, pci.Slot(devfn), pci.Func(devfn))
			}
			if err := f.Load(r); err != nil {
				return fmt.Errorf("machine: load %s: %w", f, err)
			}
		default:
			return fmt.Errorf("%w: section %d", ErrBadSnapshot, tag[0])
		}
	}
}

func writeWords(buf *bytes.Buffer, words ...uint32) {
	for _, w := range words {
		buf.Write(binary.LittleEndian.AppendUint32(nil, w))
	}
}

func readWords(r io.Reader, n int) ([]uint32, error) {
	raw := make([]byte, 4*n)
	if _, err := io.ReadFull(r, raw); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated", ErrBadSnapshot)
		}
		return nil, err
	}
	out := make([]uint32, n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(raw[4*i:])
	}
	return out, nil
}
