//go:build linux && !amd64

package kvm

import (
	"fmt"

	"github.com/tinyrange/pcipass/internal/hv"
)

func ioperm(base, size uint64, enable bool) error {
	return fmt.Errorf("ioperm %#x+%#x: %w", base, size, hv.ErrNotSupported)
}
