//go:build linux

package kvm

import (
	"encoding/binary"
	"errors"
	"testing"
	"unsafe"

	"github.com/tinyrange/pcipass/internal/hv"
)

func checkKVMAvailable(t testing.TB) *Host {
	t.Helper()

	h, err := Open(nil)
	if err != nil {
		t.Skipf("KVM not available: %v", err)
	}
	t.Cleanup(func() {
		if err := h.Close(); err != nil {
			t.Errorf("Close KVM host: %v", err)
		}
	})
	return h
}

func TestStructLayouts(t *testing.T) {
	for _, tc := range []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"kvm_assigned_pci_dev", unsafe.Sizeof(kvmAssignedPciDev{}), 64},
		{"kvm_assigned_irq", unsafe.Sizeof(kvmAssignedIrq{}), 64},
		{"kvm_assigned_msix_nr", unsafe.Sizeof(kvmAssignedMsixNr{}), 8},
		{"kvm_assigned_msix_entry", unsafe.Sizeof(kvmAssignedMsixEntry{}), 16},
		{"kvm_irq_routing_entry", unsafe.Sizeof(kvmIrqRoutingEntry{}), 48},
		{"kvm_irq_routing", unsafe.Sizeof(kvmIrqRoutingHeader{}), 8},
		{"kvm_irq_level", unsafe.Sizeof(kvmIRQLevel{}), 8},
		{"kvm_userspace_memory_region", unsafe.Sizeof(kvmUserspaceMemoryRegion{}), 32},
	} {
		if tc.got != tc.want {
			t.Errorf("sizeof(%s) = %d, want %d", tc.name, tc.got, tc.want)
		}
	}
}

func TestRouteTableAllocation(t *testing.T) {
	rt := newRouteTable(64)
	for pin := uint32(0); pin < numIOAPICPins; pin++ {
		rt.addIOAPIC(pin, pin)
	}

	a, err := rt.allocate()
	if err != nil || a != numIOAPICPins {
		t.Fatalf("first allocation = %d, %v", a, err)
	}
	b, _ := rt.allocate()
	if b != a+1 {
		t.Fatalf("second allocation = %d", b)
	}

	r := hv.MSIRoute{GSI: a, AddressLo: 0xfee00000, Data: 0x4041}
	if err := rt.addMSI(r); err != nil {
		t.Fatal(err)
	}
	if err := rt.deleteMSI(r); err != nil {
		t.Fatal(err)
	}
	if rt.inUse(a) {
		t.Fatalf("gsi %d still in use after delete", a)
	}
	if c, _ := rt.allocate(); c != a {
		t.Fatalf("freed gsi not reused: got %d, want %d", c, a)
	}

	for {
		if _, err := rt.allocate(); err != nil {
			if !errors.Is(err, ErrNoFreeGSI) {
				t.Fatalf("exhaustion error = %v", err)
			}
			break
		}
	}
}

func TestRouteTableUpdate(t *testing.T) {
	rt := newRouteTable(64)
	old := hv.MSIRoute{GSI: 30, AddressLo: 0xfee00000, Data: 0x21}
	if err := rt.addMSI(old); err != nil {
		t.Fatal(err)
	}

	updated := old
	updated.Data = 0x22
	if err := rt.updateMSI(old, updated); err != nil {
		t.Fatal(err)
	}
	if err := rt.updateMSI(old, updated); !errors.Is(err, ErrNoRoute) {
		t.Fatalf("stale update: err = %v", err)
	}
	if err := rt.deleteMSI(old); !errors.Is(err, ErrNoRoute) {
		t.Fatalf("delete of replaced route: err = %v", err)
	}
	if err := rt.addMSI(hv.MSIRoute{GSI: 64}); err == nil {
		t.Fatalf("gsi beyond the table accepted")
	}
}

func TestRouteTableEncode(t *testing.T) {
	rt := newRouteTable(64)
	rt.addIOAPIC(0, 2)
	if err := rt.addMSI(hv.MSIRoute{GSI: 24, AddressLo: 0xfee01000, AddressHi: 1, Data: 0x4055}); err != nil {
		t.Fatal(err)
	}

	buf := rt.encode()
	if len(buf) != 8+2*48 {
		t.Fatalf("encoded length = %d", len(buf))
	}
	le := binary.LittleEndian
	if nr := le.Uint32(buf[0:]); nr != 2 {
		t.Fatalf("nr = %d", nr)
	}

	ioapic := buf[8:56]
	if le.Uint32(ioapic[4:]) != kvmIrqRoutingIrqchip || le.Uint32(ioapic[16:]) != irqChipIOAPIC || le.Uint32(ioapic[20:]) != 2 {
		t.Fatalf("irqchip entry = % x", ioapic)
	}

	msi := buf[56:]
	if le.Uint32(msi[0:]) != 24 || le.Uint32(msi[4:]) != kvmIrqRoutingMsi {
		t.Fatalf("msi entry header = % x", msi[:16])
	}
	if le.Uint32(msi[16:]) != 0xfee01000 || le.Uint32(msi[20:]) != 1 || le.Uint32(msi[24:]) != 0x4055 {
		t.Fatalf("msi payload = % x", msi[16:28])
	}
}

func TestOpen(t *testing.T) {
	h := checkKVMAvailable(t)

	if h.PageSize() == 0 {
		t.Fatalf("page size is zero")
	}
	gsi, err := h.AllocateGSI()
	if err != nil {
		t.Fatal(err)
	}
	if gsi < numIOAPICPins {
		t.Fatalf("allocated reserved gsi %d", gsi)
	}
	if err := h.AddMSIRoute(hv.MSIRoute{GSI: gsi, AddressLo: 0xfee00000, Data: 0x30}); err != nil {
		t.Fatal(err)
	}
	if err := h.CommitRoutes(); err != nil {
		t.Fatalf("commit routes: %v", err)
	}
}
