//go:build linux

package kvm

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/cleanup"

	"github.com/tinyrange/pcipass/internal/debug"
	"github.com/tinyrange/pcipass/internal/hv"
)

const defaultMaxGSI = 1024

var errClosed = errors.New("kvm: host closed")

type memorySlot struct {
	slot uint32
	size uint64
}

// Host is a KVM virtual machine used as the assignment backend. It owns the
// VM file descriptor, the GSI routing table and the user memory slots that
// back directly mapped BARs.
type Host struct {
	mu sync.Mutex

	fd   int
	vmFd int

	routes *routeTable

	slots     map[uint64]memorySlot
	freeSlots []uint32
	nextSlot  uint32
	maxSlots  uint32

	logger *slog.Logger
}

// Open creates a VM with an in-kernel irqchip and installs the default
// IOAPIC routes for GSIs 0 to 23.
func Open(logger *slog.Logger) (*Host, error) {
	if logger == nil {
		logger = slog.Default()
	}

	fd, err := unix.Open("/dev/kvm", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/kvm: %w", err)
	}
	cu := cleanup.Make(func() { unix.Close(fd) })
	defer cu.Clean()

	version, err := getApiVersion(fd)
	if err != nil {
		return nil, fmt.Errorf("get KVM API version: %w", err)
	}
	if version != kvmApiVersion {
		return nil, fmt.Errorf("unsupported KVM API version %d, expected %d", version, kvmApiVersion)
	}

	vmFd, err := createVm(fd)
	if err != nil {
		return nil, fmt.Errorf("create VM: %w", err)
	}
	cu.Add(func() { unix.Close(vmFd) })

	if err := createIrqchip(vmFd); err != nil {
		return nil, fmt.Errorf("create irqchip: %w", err)
	}

	h := &Host{
		fd:     fd,
		vmFd:   vmFd,
		slots:  make(map[uint64]memorySlot),
		logger: logger,
	}

	maxGSI := uint32(defaultMaxGSI)
	if n, err := checkExtension(fd, kvmCapIrqRouting); err == nil && n > numIOAPICPins {
		maxGSI = uint32(n)
	}
	h.routes = newRouteTable(maxGSI)
	for pin := uint32(0); pin < numIOAPICPins; pin++ {
		h.routes.addIOAPIC(pin, pin)
	}
	if err := setGsiRouting(vmFd, h.routes.encode()); err != nil {
		return nil, fmt.Errorf("install default GSI routes: %w", err)
	}

	h.maxSlots = 32
	if n, err := checkExtension(fd, kvmCapNrMemslots); err == nil && n > 0 {
		h.maxSlots = uint32(n)
	}

	debug.Writef("kvm host open", "vmFd=%d maxGSI=%d maxSlots=%d", vmFd, maxGSI, h.maxSlots)

	cu.Release()
	return h, nil
}

// Close releases the VM and the KVM handle.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.vmFd < 0 {
		return nil
	}
	err := errors.Join(unix.Close(h.vmFd), unix.Close(h.fd))
	h.vmFd, h.fd = -1, -1
	return err
}

// CheckExtension implements hv.AssignmentHost.
func (h *Host) CheckExtension(ext hv.Extension) bool {
	n, err := checkExtension(h.fd, int(ext))
	return err == nil && n > 0
}

func (h *Host) vm() (int, error) {
	if h.vmFd < 0 {
		return -1, errClosed
	}
	return h.vmFd, nil
}

// AssignDevice implements hv.AssignmentHost.
func (h *Host) AssignDevice(dev hv.AssignedDevice) error {
	vmFd, err := h.vm()
	if err != nil {
		return err
	}
	req := kvmAssignedPciDev{
		AssignedDevID: dev.ID,
		BusNr:         uint32(dev.Bus),
		DevFn:         uint32(dev.DevFn),
		Flags:         dev.Flags,
		SegNr:         uint32(dev.Segment),
	}
	debug.Writef("kvm assign device", "id=%#x flags=%#x", dev.ID, dev.Flags)
	return ioctlPtr(vmFd, kvmAssignPciDevice, &req)
}

// DeassignDevice implements hv.AssignmentHost.
func (h *Host) DeassignDevice(dev hv.AssignedDevice) error {
	vmFd, err := h.vm()
	if err != nil {
		return err
	}
	req := kvmAssignedPciDev{AssignedDevID: dev.ID}
	debug.Writef("kvm deassign device", "id=%#x", dev.ID)
	return ioctlPtr(vmFd, kvmDeassignPciDevice, &req)
}

// AssignIRQ implements hv.AssignmentHost.
func (h *Host) AssignIRQ(irq hv.AssignedIRQ) error {
	vmFd, err := h.vm()
	if err != nil {
		return err
	}
	req := kvmAssignedIrq{
		AssignedDevID: irq.ID,
		HostIrq:       irq.HostIRQ,
		GuestIrq:      irq.GuestIRQ,
		Flags:         irq.Flags,
	}
	debug.Writef("kvm assign irq", "id=%#x guest=%d flags=%#x", irq.ID, irq.GuestIRQ, irq.Flags)
	return ioctlPtr(vmFd, kvmAssignDevIrq, &req)
}

// DeassignIRQ implements hv.AssignmentHost.
func (h *Host) DeassignIRQ(irq hv.AssignedIRQ) error {
	vmFd, err := h.vm()
	if err != nil {
		return err
	}
	req := kvmAssignedIrq{AssignedDevID: irq.ID, Flags: irq.Flags}
	debug.Writef("kvm deassign irq", "id=%#x flags=%#x", irq.ID, irq.Flags)
	return ioctlPtr(vmFd, kvmDeassignDevIrq, &req)
}

// AllocateGSI implements hv.AssignmentHost.
func (h *Host) AllocateGSI() (uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.routes.allocate()
}

// AddMSIRoute implements hv.AssignmentHost.
func (h *Host) AddMSIRoute(r hv.MSIRoute) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.routes.addMSI(r)
}

// UpdateMSIRoute implements hv.AssignmentHost.
func (h *Host) UpdateMSIRoute(old, updated hv.MSIRoute) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.routes.updateMSI(old, updated)
}

// DeleteRoute implements hv.AssignmentHost.
func (h *Host) DeleteRoute(r hv.MSIRoute) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.routes.deleteMSI(r)
}

// CommitRoutes implements hv.AssignmentHost.
func (h *Host) CommitRoutes() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	vmFd, err := h.vm()
	if err != nil {
		return err
	}
	debug.Writef("kvm commit routes", "entries=%d", len(h.routes.entries))
	return setGsiRouting(vmFd, h.routes.encode())
}

// SetMSIXNr implements hv.AssignmentHost.
func (h *Host) SetMSIXNr(id uint32, nr uint16) error {
	vmFd, err := h.vm()
	if err != nil {
		return err
	}
	req := kvmAssignedMsixNr{AssignedDevID: id, EntryNr: nr}
	return ioctlPtr(vmFd, kvmAssignSetMsixNr, &req)
}

// SetMSIXEntry implements hv.AssignmentHost.
func (h *Host) SetMSIXEntry(id uint32, gsi uint32, entry uint16) error {
	vmFd, err := h.vm()
	if err != nil {
		return err
	}
	req := kvmAssignedMsixEntry{AssignedDevID: id, GSI: gsi, Entry: entry}
	return ioctlPtr(vmFd, kvmAssignSetMsixEntry, &req)
}

// Ioperm implements hv.AssignmentHost.
func (h *Host) Ioperm(base, size uint64, enable bool) error {
	debug.Writef("kvm ioperm", "base=%#x size=%#x enable=%v", base, size, enable)
	return ioperm(base, size, enable)
}

// PageSize implements hv.AssignmentHost.
func (h *Host) PageSize() uint64 {
	return uint64(unix.Getpagesize())
}

func (h *Host) allocSlot() (uint32, error) {
	if n := len(h.freeSlots); n > 0 {
		slot := h.freeSlots[n-1]
		h.freeSlots = h.freeSlots[:n-1]
		return slot, nil
	}
	if h.nextSlot >= h.maxSlots {
		return 0, fmt.Errorf("kvm: all %d memory slots in use", h.maxSlots)
	}
	slot := h.nextSlot
	h.nextSlot++
	return slot, nil
}

// SetUserMemory implements hv.RAMBackend.
func (h *Host) SetUserMemory(addr uint64, mem []byte, readOnly bool) error {
	if len(mem) == 0 {
		return fmt.Errorf("kvm: empty memory region at %#x", addr)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	vmFd, err := h.vm()
	if err != nil {
		return err
	}
	if _, ok := h.slots[addr]; ok {
		return fmt.Errorf("%w: memory slot at %#x", hv.ErrRegionOverlap, addr)
	}
	slot, err := h.allocSlot()
	if err != nil {
		return err
	}

	region := kvmUserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: addr,
		MemorySize:    uint64(len(mem)),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}
	if readOnly {
		region.Flags |= kvmMemReadonly
	}
	if err := setUserMemoryRegion(vmFd, &region); err != nil {
		h.freeSlots = append(h.freeSlots, slot)
		return fmt.Errorf("set user memory region %#x+%#x: %w", addr, len(mem), err)
	}
	h.slots[addr] = memorySlot{slot: slot, size: uint64(len(mem))}
	debug.Writef("kvm set user memory", "slot=%d addr=%#x size=%#x ro=%v", slot, addr, len(mem), readOnly)
	return nil
}

// ClearUserMemory implements hv.RAMBackend.
func (h *Host) ClearUserMemory(addr, size uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	vmFd, err := h.vm()
	if err != nil {
		return err
	}
	s, ok := h.slots[addr]
	if !ok {
		return fmt.Errorf("%w: no memory slot at %#x", hv.ErrNoMapping, addr)
	}
	if s.size != size {
		h.logger.Warn("kvm: clearing memory slot with mismatched size",
			"addr", fmt.Sprintf("%#x", addr), "slot_size", s.size, "size", size)
	}

	region := kvmUserspaceMemoryRegion{Slot: s.slot, GuestPhysAddr: addr}
	if err := setUserMemoryRegion(vmFd, &region); err != nil {
		return fmt.Errorf("clear user memory region %#x: %w", addr, err)
	}
	delete(h.slots, addr)
	h.freeSlots = append(h.freeSlots, s.slot)
	return nil
}

// SetIRQ implements hv.InterruptSink by driving an in-kernel irqchip pin.
func (h *Host) SetIRQ(line int, level bool) {
	h.mu.Lock()
	vmFd, err := h.vm()
	h.mu.Unlock()
	if err == nil {
		err = irqLevel(vmFd, uint32(line), level)
	}
	if err != nil {
		h.logger.Warn("kvm: set irq line", "line", line, "level", level, "err", err)
		return
	}
	debug.Writef("kvm irq line", "line=%d level=%v", line, level)
}

var (
	_ hv.AssignmentHost = (*Host)(nil)
	_ hv.RAMBackend     = (*Host)(nil)
	_ hv.InterruptSink  = (*Host)(nil)
)
