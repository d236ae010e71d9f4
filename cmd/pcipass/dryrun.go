package main

import (
	"log/slog"
	"os"

	"github.com/tinyrange/pcipass/internal/hv"
)

// dryRunHost accepts every assignment request without touching the host
// virtualization layer, so a layout can be checked against real sysfs
// devices without /dev/kvm.
type dryRunHost struct {
	logger  *slog.Logger
	nextGSI uint32
}

func newDryRunHost(logger *slog.Logger) *dryRunHost {
	return &dryRunHost{logger: logger, nextGSI: 24}
}

func (h *dryRunHost) CheckExtension(hv.Extension) bool { return true }

func (h *dryRunHost) AssignDevice(dev hv.AssignedDevice) error {
	h.logger.Info("plan: assign device", "id", dev.ID, "flags", dev.Flags)
	return nil
}

func (h *dryRunHost) DeassignDevice(dev hv.AssignedDevice) error {
	h.logger.Debug("plan: deassign device", "id", dev.ID)
	return nil
}

func (h *dryRunHost) AssignIRQ(irq hv.AssignedIRQ) error {
	h.logger.Info("plan: assign irq", "id", irq.ID, "host_irq", irq.HostIRQ, "guest_irq", irq.GuestIRQ, "flags", irq.Flags)
	return nil
}

func (h *dryRunHost) DeassignIRQ(hv.AssignedIRQ) error { return nil }

func (h *dryRunHost) AllocateGSI() (uint32, error) {
	h.nextGSI++
	return h.nextGSI - 1, nil
}

func (h *dryRunHost) AddMSIRoute(hv.MSIRoute) error             { return nil }
func (h *dryRunHost) UpdateMSIRoute(_, _ hv.MSIRoute) error     { return nil }
func (h *dryRunHost) DeleteRoute(hv.MSIRoute) error             { return nil }
func (h *dryRunHost) CommitRoutes() error                       { return nil }
func (h *dryRunHost) SetMSIXNr(uint32, uint16) error            { return nil }
func (h *dryRunHost) SetMSIXEntry(uint32, uint32, uint16) error { return nil }

func (h *dryRunHost) Ioperm(base, size uint64, enable bool) error {
	h.logger.Info("plan: port access", "base", base, "size", size, "enable", enable)
	return nil
}

func (h *dryRunHost) PageSize() uint64 { return uint64(os.Getpagesize()) }

var _ hv.AssignmentHost = (*dryRunHost)(nil)
