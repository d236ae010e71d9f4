package pci

import (
	"errors"
	"testing"
)

func TestParseDevAddr(t *testing.T) {
	tests := []struct {
		in      string
		want    DevAddr
		wantErr bool
	}{
		{in: "5", want: DevAddr{Slot: 5}},
		{in: "1:1f", want: DevAddr{Bus: 1, Slot: 0x1f}},
		{in: "0000:01:03", want: DevAddr{Bus: 1, Slot: 3}},
		{in: "pci_addr=0:0:0x4", want: DevAddr{Slot: 4}},
		{in: "20", wantErr: true},
		{in: "x", wantErr: true},
		{in: "0:0:0:1", wantErr: true},
		{in: "100:0", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseDevAddr(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidAddress) {
				t.Errorf("ParseDevAddr(%q) err = %v, want ErrInvalidAddress", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseDevAddr(%q) = %+v, %v; want %+v", tt.in, got, err, tt.want)
		}
	}
}

func TestParseHostDevAddr(t *testing.T) {
	tests := []struct {
		in      string
		want    HostDevAddr
		wantErr bool
	}{
		{in: "01:00.0", want: HostDevAddr{Bus: 1}},
		{in: "0000:03:1f.7", want: HostDevAddr{Bus: 3, Slot: 0x1f, Func: 7}},
		{in: "0001:00:02.1", want: HostDevAddr{Segment: 1, Slot: 2, Func: 1}},
		{in: "3:0", wantErr: true},
		{in: "1:2:3:4.0", wantErr: true},
		{in: "00:20.0", wantErr: true},
		{in: "00:00.8", wantErr: true},
		{in: "00:00.0 ", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseHostDevAddr(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidAddress) {
				t.Errorf("ParseHostDevAddr(%q) err = %v, want ErrInvalidAddress", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseHostDevAddr(%q) = %+v, %v; want %+v", tt.in, got, err, tt.want)
		}
	}

	addr := HostDevAddr{Bus: 3, Slot: 0x1f, Func: 7}
	if got := addr.String(); got != "0000:03:1f.7" {
		t.Errorf("String() = %q", got)
	}
	if got := addr.DevFn(); got != 0xff {
		t.Errorf("DevFn() = %#x", got)
	}
}

func TestParseSlotFunc(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{in: "3", want: 0x18},
		{in: "3.1", want: 0x19},
		{in: "1f.7", want: 0xff},
		{in: "3.8", wantErr: true},
		{in: "20", wantErr: true},
		{in: "", wantErr: true},
		{in: "3.", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseSlotFunc(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseSlotFunc(%q) = %#x, %v", tt.in, got, err)
		}
	}
}

func TestLookupDevAddr(t *testing.T) {
	root := NewRootBus(BusConfig{})
	br := newTestBridge(t, root, 1, 1)

	bus, devfn, err := LookupDevAddr(root, "")
	if err != nil || bus != root || devfn != -1 {
		t.Fatalf("empty address = %v, %d, %v", bus, devfn, err)
	}
	bus, devfn, err = LookupDevAddr(root, "1:4")
	if err != nil || bus != br.Bus() || devfn != int(DevFn(4, 0)) {
		t.Fatalf("1:4 = %v, %d, %v", bus, devfn, err)
	}
	if _, _, err := LookupDevAddr(root, "5:0"); !errors.Is(err, ErrNoBus) {
		t.Fatalf("missing bus: err = %v", err)
	}
	if _, _, err := LookupDevAddr(root, "1:0:0"); !errors.Is(err, ErrNoBus) {
		t.Fatalf("non-zero domain: err = %v", err)
	}
}
