//go:build linux

package kvm

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/pcipass/internal/debug"
)

func ioctl(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	v1, _, err := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(request), arg)
	if err != 0 {
		return 0, err
	}
	return v1, nil
}

func ioctlWithRetry(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	for {
		v1, err := ioctl(fd, request, arg)
		if err == unix.EINTR {
			continue
		}
		return v1, err
	}
}

func ioctlPtr[T any](fd int, request uint64, arg *T) error {
	_, err := ioctlWithRetry(uintptr(fd), request, uintptr(unsafe.Pointer(arg)))
	return err
}

func getApiVersion(fd int) (int, error) {
	v, err := ioctlWithRetry(uintptr(fd), kvmGetApiVersion, 0)
	return int(v), err
}

func createVm(fd int) (int, error) {
	v, err := ioctlWithRetry(uintptr(fd), kvmCreateVm, 0)
	return int(v), err
}

func createIrqchip(vmFd int) error {
	_, err := ioctlWithRetry(uintptr(vmFd), kvmCreateIrqchip, 0)
	return err
}

func irqLevel(vmFd int, irqLine uint32, level bool) error {
	line := kvmIRQLevel{IRQOrStatus: irqLine}
	if level {
		line.Level = 1
	}
	return ioctlPtr(vmFd, kvmIrqLine, &line)
}

// checkExtension returns the KVM_CHECK_EXTENSION result, 0 when the
// extension is absent.
func checkExtension(fd int, cap int) (int, error) {
	ret, err := ioctlWithRetry(uintptr(fd), kvmCheckExtension, uintptr(cap))
	if err != nil {
		return 0, err
	}
	debug.Writef("kvm checkExtension", "cap=%d ret=%d", cap, ret)
	return int(ret), nil
}

func setUserMemoryRegion(vmFd int, region *kvmUserspaceMemoryRegion) error {
	return ioctlPtr(vmFd, kvmSetUserMemoryRegion, region)
}

func setGsiRouting(vmFd int, table []byte) error {
	_, err := ioctlWithRetry(uintptr(vmFd), kvmSetGsiRouting, uintptr(unsafe.Pointer(&table[0])))
	return err
}
