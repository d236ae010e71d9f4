package pci

import (
	"fmt"
	"math/bits"
	"os"
)

// addOptionROM loads the function's romfile into the expansion ROM BAR.
// Without a ROM BAR the image is left to platform firmware.
func (f *Function) addOptionROM() error {
	if f.romFile == "" {
		return nil
	}
	if !f.romBAR {
		f.bus.log().Debug("pci: rom bar disabled, leaving option rom to firmware", "dev", f.String(), "file", f.romFile)
		return nil
	}
	data, err := os.ReadFile(f.romFile)
	if err != nil {
		return fmt.Errorf("pci: failed to find romfile %q: %w", f.romFile, err)
	}
	return f.LoadOptionROM(data)
}

// LoadOptionROM installs data as the expansion ROM, rounding the BAR up to
// a power of two and padding with 0xff.
func (f *Function) LoadOptionROM(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("pci: empty option rom for %s", f)
	}
	size := uint64(len(data))
	if size&(size-1) != 0 {
		size = 1 << bits.Len64(size)
	}
	rom := make([]byte, size)
	for i := range rom {
		rom[i] = 0xff
	}
	copy(rom, data)
	f.rom = rom
	return f.RegisterBAR(ROMSlot, size, BaseAddressSpaceMemory, MapOptionROM)
}

// OptionROM returns the loaded ROM image, or nil.
func (f *Function) OptionROM() []byte { return f.rom }

// MapOptionROM maps the function's ROM image read-only.
func MapOptionROM(f *Function, region int, addr, size uint64, typ uint8) {
	if len(f.rom) == 0 {
		return
	}
	if err := f.MemorySpace().MapRAM(addr, size, f.rom, true); err != nil {
		f.bus.log().Warn("pci: map option rom", "dev", f.String(), "err", err)
	}
}

func (f *Function) delOptionROM() {
	f.rom = nil
}
