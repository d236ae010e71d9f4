package pci

import (
	"errors"
	"math/rand/v2"
	"testing"
)

func TestWriteHonorsWriteMask(t *testing.T) {
	bus := NewRootBus(BusConfig{})
	f := mustRegister(t, bus, FunctionOptions{Name: "dev", DevFn: -1, VendorID: 0x1234, DeviceID: 0x5678}, nil)
	if err := f.RegisterBAR(0, 0x1000, BaseAddressSpaceMemory, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := f.AddCapability(CapIDPM, 0, 8); err != nil {
		t.Fatal(err)
	}

	rng := rand.New(rand.NewPCG(1, 2))
	sizes := []int{1, 2, 4}
	for i := 0; i < 2000; i++ {
		length := sizes[rng.IntN(len(sizes))]
		addr := uint32(rng.IntN(ConfigSpaceSize - length + 1))
		val := rng.Uint32()

		before := append([]byte(nil), f.Config()...)
		mustWrite(t, f, addr, val, length)

		for off := range before {
			want := before[off]
			if k := off - int(addr); k >= 0 && k < length {
				w := f.WMask()[off]
				want = before[off]&^w | byte(val>>(8*k))&w
			}
			if got := f.Config()[off]; got != want {
				t.Fatalf("write %#x len %d val %#x: config[%#x] = %#x, want %#x",
					addr, length, val, off, got, want)
			}
		}
	}

	if got := f.Config().Word(RegVendorID); got != 0x1234 {
		t.Fatalf("vendor id changed to %#x", got)
	}
}

func TestConfigAccessValidation(t *testing.T) {
	bus := NewRootBus(BusConfig{})
	f := mustRegister(t, bus, FunctionOptions{Name: "dev", DevFn: -1}, nil)

	if _, err := f.ReadConfig(0, 3); !errors.Is(err, ErrInvalidAccessSize) {
		t.Errorf("3-byte read: err = %v", err)
	}
	if err := f.WriteConfig(0, 0, 8); !errors.Is(err, ErrInvalidAccessSize) {
		t.Errorf("8-byte write: err = %v", err)
	}
	if _, err := f.ReadConfig(ConfigSpaceSize, 1); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("read past end: err = %v", err)
	}

	// Accesses straddling the end are clipped.
	mustWrite(t, f, 0xfe, 0xaabbccdd, 4)
	if got := mustRead(t, f, 0xfe, 4); got != 0xccdd {
		t.Errorf("clipped read = %#x, want 0xccdd", got)
	}
}

func TestExpressConfigSpace(t *testing.T) {
	bus := NewRootBus(BusConfig{})
	f := mustRegister(t, bus, FunctionOptions{Name: "dev", DevFn: -1, Express: true}, nil)
	if f.Space().Size() != ExpressConfigSpaceSize || !f.IsExpress() {
		t.Fatalf("size = %#x express = %v", f.Space().Size(), f.IsExpress())
	}
	mustWrite(t, f, 0x800, 0xdeadbeef, 4)
	if got := mustRead(t, f, 0x800, 4); got != 0xdeadbeef {
		t.Fatalf("extended config read = %#x", got)
	}
}

func TestWatchConfig(t *testing.T) {
	bus := NewRootBus(BusConfig{})
	f := mustRegister(t, bus, FunctionOptions{Name: "dev", DevFn: -1}, nil)

	var seen []uint32
	f.WatchConfig(0x60, 4, func(f *Function, addr uint32, val uint32, length int) {
		seen = append(seen, addr)
		if got := f.Config()[addr]; got != byte(val) {
			t.Errorf("watcher ran before the write landed: %#x", got)
		}
	})

	mustWrite(t, f, 0x61, 0x0b, 1)
	mustWrite(t, f, 0x50, 0xffffffff, 4)
	mustWrite(t, f, 0x5e, 0x0a0a, 2)
	mustWrite(t, f, 0x60, 0x0a0b0c0d, 4)

	if len(seen) != 2 || seen[0] != 0x61 || seen[1] != 0x60 {
		t.Fatalf("watched writes = %#x", seen)
	}
}

func TestUpdateMappingsIsIdempotent(t *testing.T) {
	bus, space := newTestBus(t)
	f := mustRegister(t, bus, FunctionOptions{Name: "dev", DevFn: -1}, nil)
	if err := f.RegisterBAR(0, 0x1000, BaseAddressSpaceMemory, MMIOMapper(nopHandler{})); err != nil {
		t.Fatal(err)
	}
	if err := f.RegisterBAR(1, 0x100, BaseAddressSpaceIO, IOPortMapper(nopHandler{})); err != nil {
		t.Fatal(err)
	}
	mustWrite(t, f, RegBaseAddress0, 0xfebf0000, 4)
	mustWrite(t, f, RegBaseAddress0+4, 0xc100, 4)
	mustWrite(t, f, RegCommand, CommandIO|CommandMemory, 2)
	if got := len(space.take()); got != 2 {
		t.Fatalf("enable produced %d events, want 2", got)
	}

	f.UpdateMappings()
	f.UpdateMappings()
	mustWrite(t, f, RegCommand, CommandIO|CommandMemory, 2)
	if evs := space.take(); len(evs) != 0 {
		t.Fatalf("unchanged state produced events: %+v", evs)
	}
}
