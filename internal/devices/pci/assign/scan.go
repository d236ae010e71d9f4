package assign

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/pcipass/internal/devices/pci"
)

// CapabilityInfo is one entry of a host function's capability chain.
type CapabilityInfo struct {
	ID     uint8  `json:"id" yaml:"id"`
	Offset uint8  `json:"offset" yaml:"offset"`
	Name   string `json:"name" yaml:"name"`
}

// HostDeviceInfo describes a host PCI function as seen through sysfs.
type HostDeviceInfo struct {
	Addr         HostAddr         `json:"addr" yaml:"addr"`
	Vendor       uint16           `json:"vendor" yaml:"vendor"`
	Device       uint16           `json:"device" yaml:"device"`
	Class        uint16           `json:"class" yaml:"class"`
	Driver       string           `json:"driver,omitempty" yaml:"driver,omitempty"`
	IOMMUGroup   string           `json:"iommu_group,omitempty" yaml:"iommu_group,omitempty"`
	VirtualFn    bool             `json:"virtual_fn,omitempty" yaml:"virtual_fn,omitempty"`
	Resources    []HostResource   `json:"resources,omitempty" yaml:"resources,omitempty"`
	Capabilities []CapabilityInfo `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
}

func (i HostDeviceInfo) String() string {
	return fmt.Sprintf("%s %s [%04x:%04x]", i.Addr.SysfsName(), pci.ClassDescription(i.Class), i.Vendor, i.Device)
}

var capabilityNames = map[uint8]string{
	pci.CapIDPM:      "power management",
	pci.CapIDVPD:     "vital product data",
	pci.CapIDMSI:     "msi",
	pci.CapIDPCIX:    "pci-x",
	pci.CapIDVendor:  "vendor specific",
	pci.CapIDExpress: "express",
	pci.CapIDMSIX:    "msi-x",
}

// errDeviceGone marks a function removed while it was being read.
var errDeviceGone = errors.New("pci-assign: host device disappeared")

// ScanHostDevices inspects every function under root concurrently. progress,
// when set, is called once per inspected function with the number of
// functions being scanned, from any goroutine.
func ScanHostDevices(ctx context.Context, root string, progress func(total int)) ([]HostDeviceInfo, error) {
	if root == "" {
		root = DefaultSysfsRoot
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("pci-assign: list host devices: %w", err)
	}

	var addrs []HostAddr
	for _, e := range entries {
		if addr, err := ParseHostAddr(e.Name()); err == nil {
			addrs = append(addrs, addr)
		}
	}

	var (
		mu  sync.Mutex
		out []HostDeviceInfo
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for _, addr := range addrs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			info, err := inspect(root, addr)
			if progress != nil {
				progress(len(addrs))
			}
			if errors.Is(err, errDeviceGone) {
				return nil
			}
			if err != nil {
				return err
			}
			mu.Lock()
			out = append(out, info)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Addr.DeviceID() < out[j].Addr.DeviceID()
	})
	return out, nil
}

// InspectHostDevice reads one function's identity, resources and capability
// chain.
func InspectHostDevice(root string, addr HostAddr) (HostDeviceInfo, error) {
	if root == "" {
		root = DefaultSysfsRoot
	}
	return inspect(root, addr)
}

func inspect(root string, addr HostAddr) (HostDeviceInfo, error) {
	dir := filepath.Join(root, addr.SysfsName())
	info := HostDeviceInfo{Addr: addr}

	cfg, err := os.ReadFile(filepath.Join(dir, "config"))
	if errors.Is(err, fs.ErrNotExist) {
		return info, fmt.Errorf("%w: %s", errDeviceGone, addr.SysfsName())
	}
	if err != nil {
		return info, fmt.Errorf("pci-assign: %s: %w", addr.SysfsName(), err)
	}
	if len(cfg) < pci.ConfigHeaderSize {
		return info, fmt.Errorf("pci-assign: %s: short config space (%d bytes)", addr.SysfsName(), len(cfg))
	}
	regs := pci.Registers(cfg)
	info.Vendor = regs.Word(pci.RegVendorID)
	info.Device = regs.Word(pci.RegDeviceID)
	info.Class = regs.Word(pci.RegClassDevice)

	if link, err := os.Readlink(filepath.Join(dir, "driver")); err == nil {
		info.Driver = filepath.Base(link)
	}
	if link, err := os.Readlink(filepath.Join(dir, "iommu_group")); err == nil {
		info.IOMMUGroup = filepath.Base(link)
	}
	if _, err := os.Stat(filepath.Join(dir, "physfn")); err == nil {
		info.VirtualFn = true
	}

	if res, err := readResources(filepath.Join(dir, "resource")); err == nil {
		info.Resources = res
	}

	caps, err := walkCapabilities(regs)
	if err != nil {
		return info, fmt.Errorf("pci-assign: %s: %w", addr.SysfsName(), err)
	}
	info.Capabilities = caps
	return info, nil
}

// walkCapabilities lists the known capabilities of a chain by offset.
func walkCapabilities(cfg pci.Registers) ([]CapabilityInfo, error) {
	read := func(off uint8) (uint8, error) {
		if int(off) >= len(cfg) {
			return 0xff, nil
		}
		return cfg[off], nil
	}

	var out []CapabilityInfo
	seen := map[uint8]bool{}
	for id := range capabilityNames {
		for start := uint8(0); ; {
			pos, err := pci.FindChainCapability(read, id, start)
			if err != nil {
				return nil, err
			}
			if pos == 0 || seen[pos] {
				break
			}
			seen[pos] = true
			out = append(out, CapabilityInfo{ID: id, Offset: pos, Name: capabilityNames[id]})
			start = pos + pci.CapListNext
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out, nil
}

// CapabilityNames formats caps for display.
func CapabilityNames(caps []CapabilityInfo) string {
	names := make([]string, 0, len(caps))
	for _, c := range caps {
		names = append(names, fmt.Sprintf("%s@%#x", c.Name, c.Offset))
	}
	return strings.Join(names, " ")
}
