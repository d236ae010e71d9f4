//go:build linux

package kvm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"unsafe"

	"github.com/tinyrange/pcipass/internal/hv"
)

var (
	ErrNoFreeGSI = errors.New("kvm: no free GSI")
	ErrNoRoute   = errors.New("kvm: no such route")
)

// routeTable is the userspace copy of the GSI routing table. Changes are
// staged here and pushed to the kernel as a whole by KVM_SET_GSI_ROUTING.
type routeTable struct {
	maxGSI  uint32
	used    []uint64
	entries []kvmIrqRoutingEntry
}

func newRouteTable(maxGSI uint32) *routeTable {
	return &routeTable{
		maxGSI: maxGSI,
		used:   make([]uint64, (maxGSI+63)/64),
	}
}

func (t *routeTable) reserve(gsi uint32) {
	if gsi < t.maxGSI {
		t.used[gsi/64] |= 1 << (gsi % 64)
	}
}

func (t *routeTable) release(gsi uint32) {
	if gsi < t.maxGSI {
		t.used[gsi/64] &^= 1 << (gsi % 64)
	}
}

func (t *routeTable) inUse(gsi uint32) bool {
	return gsi < t.maxGSI && t.used[gsi/64]&(1<<(gsi%64)) != 0
}

// allocate returns the lowest free GSI and marks it used.
func (t *routeTable) allocate() (uint32, error) {
	for i, word := range t.used {
		if word == ^uint64(0) {
			continue
		}
		gsi := uint32(i*64 + bits.TrailingZeros64(^word))
		if gsi >= t.maxGSI {
			break
		}
		t.reserve(gsi)
		return gsi, nil
	}
	return 0, ErrNoFreeGSI
}

func (t *routeTable) addIOAPIC(gsi, pin uint32) {
	e := kvmIrqRoutingEntry{GSI: gsi, Type: kvmIrqRoutingIrqchip}
	binary.LittleEndian.PutUint32(e.U[0:], irqChipIOAPIC)
	binary.LittleEndian.PutUint32(e.U[4:], pin)
	t.reserve(gsi)
	t.entries = append(t.entries, e)
}

func msiEntry(r hv.MSIRoute) kvmIrqRoutingEntry {
	e := kvmIrqRoutingEntry{GSI: r.GSI, Type: kvmIrqRoutingMsi}
	binary.LittleEndian.PutUint32(e.U[0:], r.AddressLo)
	binary.LittleEndian.PutUint32(e.U[4:], r.AddressHi)
	binary.LittleEndian.PutUint32(e.U[8:], r.Data)
	return e
}

func (t *routeTable) addMSI(r hv.MSIRoute) error {
	if r.GSI >= t.maxGSI {
		return fmt.Errorf("kvm: gsi %d beyond routing table size %d", r.GSI, t.maxGSI)
	}
	t.reserve(r.GSI)
	t.entries = append(t.entries, msiEntry(r))
	return nil
}

func (t *routeTable) find(r hv.MSIRoute) int {
	want := msiEntry(r)
	for i, e := range t.entries {
		if e == want {
			return i
		}
	}
	return -1
}

func (t *routeTable) updateMSI(old, updated hv.MSIRoute) error {
	if old.GSI != updated.GSI {
		return fmt.Errorf("kvm: route update changes gsi %d to %d", old.GSI, updated.GSI)
	}
	i := t.find(old)
	if i < 0 {
		return fmt.Errorf("%w: gsi %d", ErrNoRoute, old.GSI)
	}
	t.entries[i] = msiEntry(updated)
	return nil
}

// deleteMSI drops the route and frees its GSI.
func (t *routeTable) deleteMSI(r hv.MSIRoute) error {
	i := t.find(r)
	if i < 0 {
		return fmt.Errorf("%w: gsi %d", ErrNoRoute, r.GSI)
	}
	t.entries = append(t.entries[:i], t.entries[i+1:]...)
	t.release(r.GSI)
	return nil
}

// encode lays the table out as KVM_SET_GSI_ROUTING expects: the header
// followed by the entries inline.
func (t *routeTable) encode() []byte {
	headerSize := int(unsafe.Sizeof(kvmIrqRoutingHeader{}))
	entrySize := int(unsafe.Sizeof(kvmIrqRoutingEntry{}))
	buf := make([]byte, headerSize+len(t.entries)*entrySize)

	header := (*kvmIrqRoutingHeader)(unsafe.Pointer(&buf[0]))
	header.NR = uint32(len(t.entries))

	for i, ent := range t.entries {
		offset := headerSize + i*entrySize
		*(*kvmIrqRoutingEntry)(unsafe.Pointer(&buf[offset])) = ent
	}
	return buf
}
