package pci

import "sort"

// maxCapabilityHops bounds a walk of an externally supplied chain: 48 is the
// number of 4-byte aligned slots between 0x40 and 0x100.
const maxCapabilityHops = 48

// AddCapability links a capability of the given size into the chain. With a
// zero offset the first free run after the header is used. The capability
// bytes become read-only and checked on migration.
func (f *Function) AddCapability(id uint8, offset uint8, size uint8) (uint8, error) {
	if offset == 0 {
		off, ok := f.findSpace(size)
		if !ok {
			return 0, ErrNoCapabilitySpace
		}
		offset = off
	} else {
		if int(offset) < ConfigHeaderSize || int(offset)+int(size) > f.cs.Size() {
			return 0, ErrOutOfRange
		}
		for i := int(offset); i < int(offset)+int(size); i++ {
			if owner := f.cs.CapMap[i]; owner != 0 {
				return 0, &CapabilityOverlapError{
					ID:             id,
					Offset:         offset,
					ExistingID:     owner,
					ExistingOffset: uint16(i),
				}
			}
		}
	}

	cfg := f.cs.Config
	off := int(offset)
	cfg[off+CapListID] = id
	cfg[off+CapListNext] = cfg[RegCapabilityList]
	cfg[RegCapabilityList] = offset
	f.cs.CapMap.Fill(off, int(size), id)
	f.cs.WMask.Fill(off, int(size), 0)
	f.cs.CMask.Fill(off, int(size), 0xff)
	cfg[RegStatus] |= StatusCapList

	f.capIndex[id] = append(f.capIndex[id], offset)
	return offset, nil
}

// DelCapability unlinks the most recently added capability with the given
// id and makes its bytes writable again.
func (f *Function) DelCapability(id uint8, size uint8) {
	offset, prev := f.findCapabilityList(id)
	if offset == 0 {
		return
	}
	cfg := f.cs.Config
	off := int(offset)
	cfg[prev] = cfg[off+CapListNext]
	f.cs.WMask.Fill(off, int(size), 0xff)
	f.cs.CMask.Fill(off, int(size), 0)
	f.cs.CapMap.Fill(off, int(size), 0)

	offsets := f.capIndex[id]
	for i, o := range offsets {
		if o == offset {
			f.capIndex[id] = append(offsets[:i:i], offsets[i+1:]...)
			break
		}
	}
	if len(f.capIndex[id]) == 0 {
		delete(f.capIndex, id)
	}

	if cfg[RegCapabilityList] == 0 {
		cfg[RegStatus] &^= StatusCapList
	}
}

// FindCapability returns the offset of the capability the chain reaches
// first for id, or 0.
func (f *Function) FindCapability(id uint8) uint8 {
	offsets := f.capIndex[id]
	if len(offsets) == 0 {
		return 0
	}
	return offsets[len(offsets)-1]
}

// Capabilities returns every offset holding a capability with the given id
// in ascending order.
func (f *Function) Capabilities(id uint8) []uint8 {
	out := append([]uint8(nil), f.capIndex[id]...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CapabilityOwner returns the id of the capability owning addr, or 0 for
// header bytes and free space.
func (f *Function) CapabilityOwner(addr uint32) uint8 {
	if addr < ConfigHeaderSize || int(addr) >= f.cs.Size() {
		return 0
	}
	return f.cs.CapMap[addr]
}

// ClearCapabilityList empties the chain head and the list status bit without
// touching capability bytes. Used when config space was copied from
// elsewhere and the chain is rebuilt.
func (f *Function) ClearCapabilityList() {
	f.cs.Config[RegCapabilityList] = 0
	f.cs.Config[RegStatus] &^= StatusCapList
	clear(f.capIndex)
}

func (f *Function) findSpace(size uint8) (uint8, bool) {
	limit := min(f.cs.Size(), ConfigSpaceSize)
	offset := ConfigHeaderSize
	for i := ConfigHeaderSize; i < limit; i++ {
		if f.cs.CapMap[i] != 0 {
			offset = i + 1
		} else if i-offset+1 == int(size) {
			return uint8(offset), true
		}
	}
	return 0, false
}

// findCapabilityList walks the in-band chain and returns the capability
// offset and the config offset of the pointer that references it.
func (f *Function) findCapabilityList(id uint8) (uint8, int) {
	cfg := f.cs.Config
	prev := RegCapabilityList
	if cfg[RegStatus]&StatusCapList == 0 {
		return 0, prev
	}
	for hops := 0; hops < maxCapabilityHops; hops++ {
		next := cfg[prev]
		if next == 0 {
			return 0, prev
		}
		if cfg[int(next)+CapListID] == id {
			return next, prev
		}
		prev = int(next) + CapListNext
	}
	return 0, prev
}

// FindChainCapability walks a capability chain read through read and returns
// the offset of the next capability with the given id. start is the offset of
// the next pointer to follow first; 0 starts at the list head. A chain that
// loops past the hop bound yields ErrMalformedCapabilityChain. A zero offset
// with a nil error means the capability is absent.
func FindChainCapability(read func(off uint8) (uint8, error), id uint8, start uint8) (uint8, error) {
	status, err := read(RegStatus)
	if err != nil {
		return 0, err
	}
	if status&StatusCapList == 0 {
		return 0, nil
	}
	pos := uint8(RegCapabilityList)
	if start != 0 {
		pos = start
	}
	for hops := 0; hops < maxCapabilityHops; hops++ {
		next, err := read(pos)
		if err != nil {
			return 0, err
		}
		if next < ConfigHeaderSize {
			return 0, nil
		}
		next &^= 3
		capID, err := read(next + CapListID)
		if err != nil {
			return 0, err
		}
		if capID == 0xff {
			return 0, nil
		}
		if capID == id {
			return next, nil
		}
		pos = next + CapListNext
	}
	return 0, ErrMalformedCapabilityChain
}
