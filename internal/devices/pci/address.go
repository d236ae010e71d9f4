package pci

import (
	"fmt"
	"strings"
)

// DevAddr is a guest-side slot address.
type DevAddr struct {
	Domain uint16
	Bus    uint8
	Slot   uint8
}

// ParseDevAddr parses "[[domain:]bus:]slot" in hex.
func ParseDevAddr(s string) (DevAddr, error) {
	s = strings.TrimPrefix(s, "pci_addr=")
	var dom, bus uint64

	val, rest, ok := scanHex(s)
	if !ok {
		return DevAddr{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	if strings.HasPrefix(rest, ":") {
		bus = val
		val, rest, ok = scanHex(rest[1:])
		if !ok {
			return DevAddr{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
		}
		if strings.HasPrefix(rest, ":") {
			dom = bus
			bus = val
			val, rest, ok = scanHex(rest[1:])
			if !ok {
				return DevAddr{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
			}
		}
	}
	if dom > 0xffff || bus > 0xff || val > 0x1f || rest != "" {
		return DevAddr{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return DevAddr{Domain: uint16(dom), Bus: uint8(bus), Slot: uint8(val)}, nil
}

// HostDevAddr is a host-side function address.
type HostDevAddr struct {
	Segment uint16
	Bus     uint8
	Slot    uint8
	Func    uint8
}

// ParseHostDevAddr parses "[seg:]bus:slot.func" in hex.
func ParseHostDevAddr(s string) (HostDevAddr, error) {
	bad := fmt.Errorf("%w: %q", ErrInvalidAddress, s)

	colons := strings.Count(s, ":")
	if colons < 1 || colons > 2 {
		return HostDevAddr{}, bad
	}

	var seg uint64
	p := s
	if colons == 2 {
		val, rest, ok := scanHex(p)
		if !ok || !strings.HasPrefix(rest, ":") {
			return HostDevAddr{}, bad
		}
		seg = val
		p = rest[1:]
	}

	bus, rest, ok := scanHex(p)
	if !ok || !strings.HasPrefix(rest, ":") {
		return HostDevAddr{}, bad
	}
	slot, rest, ok := scanHex(rest[1:])
	if !ok || !strings.HasPrefix(rest, ".") {
		return HostDevAddr{}, bad
	}
	fn, rest, ok := scanHex(rest[1:])
	if !ok || rest != "" {
		return HostDevAddr{}, bad
	}
	if seg > 0xffff || bus > 0xff || slot > 0x1f || fn > 7 {
		return HostDevAddr{}, bad
	}
	return HostDevAddr{Segment: uint16(seg), Bus: uint8(bus), Slot: uint8(slot), Func: uint8(fn)}, nil
}

func (a HostDevAddr) DevFn() uint8 { return DevFn(a.Slot, a.Func) }

// String formats the address the way sysfs names devices.
func (a HostDevAddr) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%x", a.Segment, a.Bus, a.Slot, a.Func)
}

// ParseSlotFunc parses a guest "slot[.func]" property into a devfn.
func ParseSlotFunc(s string) (int, error) {
	slot, rest, ok := scanHex(s)
	if !ok || slot > 0x1f {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	var fn uint64
	if strings.HasPrefix(rest, ".") {
		fn, rest, ok = scanHex(rest[1:])
		if !ok || fn > 7 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
		}
	}
	if rest != "" {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return int(DevFn(uint8(slot), uint8(fn))), nil
}

// LookupDevAddr resolves an optional guest address to a bus and devfn. An
// empty address selects root bus 0 and automatic slot assignment.
func LookupDevAddr(root *Bus, addr string) (*Bus, int, error) {
	if addr == "" {
		return root, -1, nil
	}
	da, err := ParseDevAddr(addr)
	if err != nil {
		return nil, 0, err
	}
	if da.Domain != 0 {
		return nil, 0, fmt.Errorf("%w: domain %#x", ErrNoBus, da.Domain)
	}
	bus := root.FindBus(da.Bus)
	if bus == nil {
		return nil, 0, fmt.Errorf("%w: %#x", ErrNoBus, da.Bus)
	}
	return bus, int(DevFn(da.Slot, 0)), nil
}

// scanHex consumes a hexadecimal number with an optional 0x prefix from the
// front of s.
func scanHex(s string) (uint64, string, bool) {
	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") && isHex(s[2]) {
		s = s[2:]
	}
	var val uint64
	i := 0
	for ; i < len(s) && isHex(s[i]); i++ {
		if val > 0xffffffff {
			// Keep consuming so the caller sees an out-of-range value.
			continue
		}
		val = val<<4 | uint64(hexValue(s[i]))
	}
	if i == 0 {
		return 0, s, false
	}
	return val, s[i:], true
}

func isHex(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F'
}

func hexValue(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
