//go:build !linux

package kvm

import (
	"log/slog"

	"github.com/tinyrange/pcipass/internal/hv"
)

// Host is unavailable outside Linux.
type Host struct{}

func Open(logger *slog.Logger) (*Host, error) {
	return nil, hv.ErrNotSupported
}

func (*Host) Close() error                                    { return nil }
func (*Host) CheckExtension(hv.Extension) bool                { return false }
func (*Host) AssignDevice(hv.AssignedDevice) error            { return hv.ErrNotSupported }
func (*Host) DeassignDevice(hv.AssignedDevice) error          { return hv.ErrNotSupported }
func (*Host) AssignIRQ(hv.AssignedIRQ) error                  { return hv.ErrNotSupported }
func (*Host) DeassignIRQ(hv.AssignedIRQ) error                { return hv.ErrNotSupported }
func (*Host) AllocateGSI() (uint32, error)                    { return 0, hv.ErrNotSupported }
func (*Host) AddMSIRoute(hv.MSIRoute) error                   { return hv.ErrNotSupported }
func (*Host) UpdateMSIRoute(old, updated hv.MSIRoute) error   { return hv.ErrNotSupported }
func (*Host) DeleteRoute(hv.MSIRoute) error                   { return hv.ErrNotSupported }
func (*Host) CommitRoutes() error                             { return hv.ErrNotSupported }
func (*Host) SetMSIXNr(id uint32, nr uint16) error            { return hv.ErrNotSupported }
func (*Host) SetMSIXEntry(id, gsi uint32, entry uint16) error { return hv.ErrNotSupported }
func (*Host) Ioperm(base, size uint64, enable bool) error     { return hv.ErrNotSupported }
func (*Host) PageSize() uint64                                { return 4096 }

func (*Host) SetUserMemory(addr uint64, mem []byte, readOnly bool) error {
	return hv.ErrNotSupported
}

func (*Host) ClearUserMemory(addr, size uint64) error { return hv.ErrNotSupported }

func (*Host) SetIRQ(line int, level bool) {}

var (
	_ hv.AssignmentHost = (*Host)(nil)
	_ hv.RAMBackend     = (*Host)(nil)
)
