package pci

import (
	"encoding/binary"
	"fmt"
	"io"
)

// stateVersion is the current function state version. Version 1 streams
// carry no interrupt pin levels.
const stateVersion = 2

// MigrationBlocker is implemented by behaviors whose state cannot be
// captured, such as devices backed by host hardware.
type MigrationBlocker interface {
	MigrationBlocked() error
}

// Save writes the function state: a big-endian int32 version, the raw
// config space and four big-endian int32 pin levels. The interrupt status
// bit is implied by the pin levels and is saved clear.
func (f *Function) Save(w io.Writer) error {
	if mb, ok := f.behavior.(MigrationBlocker); ok {
		if err := mb.MigrationBlocked(); err != nil {
			return err
		}
	}

	size := f.cs.Size()
	buf := make([]byte, 4+size+NumPins*4)
	binary.BigEndian.PutUint32(buf, uint32(f.version))

	f.cs.Config[RegStatus] &^= StatusInterrupt
	copy(buf[4:], f.cs.Config)
	f.updateIRQStatus()

	off := 4 + size
	for pin := 0; pin < NumPins; pin++ {
		binary.BigEndian.PutUint32(buf[off+4*pin:], uint32(f.irqState>>pin&1))
	}
	_, err := w.Write(buf)
	return err
}

// Load restores state written by Save. Every check runs before anything is
// modified, so a rejected stream leaves the function untouched.
func (f *Function) Load(r io.Reader) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return fmt.Errorf("pci: read state version: %w", err)
	}
	version := int32(binary.BigEndian.Uint32(hdr[:]))
	if version < 1 || version > stateVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}

	size := f.cs.Size()
	incoming := make([]byte, size)
	if _, err := io.ReadFull(r, incoming); err != nil {
		return fmt.Errorf("pci: read config: %w", err)
	}
	for i := 0; i < size; i++ {
		if (incoming[i]^f.cs.Config[i])&f.cs.CMask[i]&^f.cs.WMask[i] != 0 {
			return &ConsistencyError{Offset: i, Incoming: incoming[i], Current: f.cs.Config[i]}
		}
	}

	var irqState uint8
	if version >= 2 {
		var levels [NumPins * 4]byte
		if _, err := io.ReadFull(r, levels[:]); err != nil {
			return fmt.Errorf("pci: read irq state: %w", err)
		}
		for pin := 0; pin < NumPins; pin++ {
			lv := binary.BigEndian.Uint32(levels[4*pin:])
			if lv > 1 {
				return fmt.Errorf("%w: pin %d has %d", ErrBadIRQState, pin, lv)
			}
			irqState |= uint8(lv) << pin
		}
	}

	copy(f.cs.Config, incoming)
	f.irqState = irqState
	f.UpdateMappings()
	f.updateIRQStatus()
	return nil
}

// Save writes the bus line counters: a big-endian int32 line count followed
// by one big-endian int32 per line.
func (b *Bus) Save(w io.Writer) error {
	buf := make([]byte, 4+4*len(b.irqCount))
	binary.BigEndian.PutUint32(buf, uint32(len(b.irqCount)))
	for i, c := range b.irqCount {
		binary.BigEndian.PutUint32(buf[4+4*i:], uint32(c))
	}
	_, err := w.Write(buf)
	return err
}

// Load restores line counters. The line count must match the bus.
func (b *Bus) Load(r io.Reader) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return fmt.Errorf("pci: read bus state: %w", err)
	}
	nirq := int32(binary.BigEndian.Uint32(hdr[:]))
	if int(nirq) != len(b.irqCount) {
		return fmt.Errorf("%w: stream has %d lines, bus has %d", ErrBusMismatch, nirq, len(b.irqCount))
	}
	counts := make([]byte, 4*nirq)
	if _, err := io.ReadFull(r, counts); err != nil {
		return fmt.Errorf("pci: read irq counts: %w", err)
	}
	for i := range b.irqCount {
		b.irqCount[i] = int32(binary.BigEndian.Uint32(counts[4*i:]))
	}
	return nil
}
