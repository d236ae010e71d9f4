package hv

import "fmt"

// Range is a half-open interval [Base, Base+Size).
type Range struct {
	Base uint64
	Size uint64
}

func (r Range) End() uint64 { return r.Base + r.Size }

func (r Range) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Base, r.Base+r.Size)
}

// Contains reports whether [addr, addr+size) lies inside r.
func (r Range) Contains(addr, size uint64) bool {
	end := addr + size
	if end < addr {
		return false
	}
	return addr >= r.Base && end <= r.End()
}

// Overlaps reports whether two ranges share at least one address.
func (r Range) Overlaps(o Range) bool {
	return RangesOverlap(r.Base, r.Size, o.Base, o.Size)
}

// RangesOverlap reports whether [firstA, firstA+lenA) and
// [firstB, firstB+lenB) intersect. Empty ranges never overlap.
func RangesOverlap(firstA, lenA, firstB, lenB uint64) bool {
	if lenA == 0 || lenB == 0 {
		return false
	}
	lastA := firstA + lenA - 1
	lastB := firstB + lenB - 1
	return !(lastA < firstB || lastB < firstA)
}

// AlignUp rounds value up to align, which must be a power of two.
func AlignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	return (value + align - 1) &^ (align - 1)
}

// Window is a bump allocator over a fixed address range, used to place BARs
// and bridge windows when building a machine layout.
type Window struct {
	Range
	next uint64
}

func NewWindow(base, size uint64) *Window {
	return &Window{Range: Range{Base: base, Size: size}, next: base}
}

// Allocate reserves size bytes aligned to align (size when zero).
func (w *Window) Allocate(size, align uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("address_space: zero-sized allocation")
	}
	if align == 0 {
		align = size
	}
	base := AlignUp(w.next, align)
	if base < w.next || base+size < base || base+size > w.End() {
		return 0, fmt.Errorf("address_space: window %s exhausted (need %#x)", w.Range, size)
	}
	w.next = base + size
	return base, nil
}
