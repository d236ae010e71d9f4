//go:build linux && amd64

package kvm

import "golang.org/x/sys/unix"

func ioperm(base, size uint64, enable bool) error {
	on := 0
	if enable {
		on = 1
	}
	return unix.Ioperm(int(base), int(size), on)
}
