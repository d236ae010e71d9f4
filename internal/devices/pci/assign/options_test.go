package assign

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/pcipass/internal/devices/pci"
)

func TestHostAddrString(t *testing.T) {
	for _, tc := range []struct {
		in, short, sysfs string
		id               uint32
	}{
		{"03:00.0", "03:00.0", "0000:03:00.0", 0x0300},
		{"0000:1a:1f.7", "1a:1f.7", "0000:1a:1f.7", 0x1aff},
		{"0002:00:02.1", "0002:00:02.1", "0002:00:02.1", 0x20011},
	} {
		a, err := ParseHostAddr(tc.in)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.in, err)
		}
		if got := a.String(); got != tc.short {
			t.Errorf("%q String = %q, want %q", tc.in, got, tc.short)
		}
		if got := a.SysfsName(); got != tc.sysfs {
			t.Errorf("%q SysfsName = %q, want %q", tc.in, got, tc.sysfs)
		}
		if got := a.DeviceID(); got != tc.id {
			t.Errorf("%q DeviceID = %#x, want %#x", tc.in, got, tc.id)
		}
	}

	for _, bad := range []string{"", "03", "03:00", "03:20.0", "03:00.8", "10000:00:00.0", "0:0:0:0.0"} {
		if _, err := ParseHostAddr(bad); err == nil {
			t.Errorf("ParseHostAddr(%q) succeeded", bad)
		}
	}
}

func TestOptionsYAML(t *testing.T) {
	const doc = `
host: "0000:03:00.0"
addr: "05.0"
id: nic0
prefer_msi: false
rombar: false
`
	var o Options
	if err := yaml.Unmarshal([]byte(doc), &o); err != nil {
		t.Fatal(err)
	}
	if o.Host.String() != "03:00.0" || o.ID != "nic0" {
		t.Fatalf("options = %+v", o)
	}
	if !o.UseIOMMU() || o.UsesMSI() || o.UseROMBar() {
		t.Fatalf("iommu=%v msi=%v rombar=%v", o.UseIOMMU(), o.UsesMSI(), o.UseROMBar())
	}

	fo, err := o.FunctionOptions()
	if err != nil {
		t.Fatal(err)
	}
	want := pci.FunctionOptions{
		Name:          DriverName,
		ID:            "nic0",
		DevFn:         int(pci.DevFn(5, 0)),
		DisableROMBar: true,
	}
	if diff := cmp.Diff(want, fo); diff != "" {
		t.Fatalf("function options mismatch (-want +got):\n%s", diff)
	}
}

func TestParseLegacyOption(t *testing.T) {
	o, err := ParseLegacyOption("host=04:10.1,dma=none,name=eth1")
	if err != nil {
		t.Fatal(err)
	}
	if o.Host.String() != "04:10.1" || o.ID != "eth1" || o.UseIOMMU() {
		t.Fatalf("options = %+v iommu=%v", o, o.UseIOMMU())
	}

	o, err = ParseLegacyOption("host=04:10.1")
	if err != nil {
		t.Fatal(err)
	}
	if o.ID != "04:10.1" || !o.UseIOMMU() {
		t.Fatalf("options = %+v", o)
	}

	if _, err := ParseLegacyOption("dma=none"); err == nil {
		t.Fatal("option without host accepted")
	}
}

func TestParseConfigFD(t *testing.T) {
	if fd, err := parseConfigFD("7"); err != nil || fd != 7 {
		t.Fatalf("fd = %d, %v", fd, err)
	}
	for _, bad := range []string{"", "-1", "fd"} {
		if _, err := parseConfigFD(bad); err == nil {
			t.Errorf("parseConfigFD(%q) succeeded", bad)
		}
	}
}
