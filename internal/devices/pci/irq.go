package pci

import "github.com/tinyrange/pcipass/internal/debug"

// SetIRQ drives interrupt pin (0-3) of the function. Only level changes
// propagate to the bus.
func (f *Function) SetIRQ(pin int, level bool) {
	if pin < 0 || pin >= NumPins {
		return
	}
	var lv uint8
	if level {
		lv = 1
	}
	change := int32(lv) - int32(f.irqState>>pin&1)
	if change == 0 {
		return
	}
	f.irqState = f.irqState&^(1<<pin) | lv<<pin
	f.updateIRQStatus()
	f.changeIRQLevel(pin, change)
}

// MapIRQ returns the line pin is routed to on the function's own bus.
func (f *Function) MapIRQ(pin int) int {
	return f.bus.mapIRQ(f, pin)
}

func (f *Function) updateIRQStatus() {
	if f.irqState != 0 {
		f.cs.Config[RegStatus] |= StatusInterrupt
	} else {
		f.cs.Config[RegStatus] &^= StatusInterrupt
	}
}

// changeIRQLevel follows the pin through bridge swizzles up to the first bus
// with a sink and adjusts that line's assertion count.
func (f *Function) changeIRQLevel(pin int, change int32) {
	dev := f
	line := pin
	var bus *Bus
	for {
		bus = dev.bus
		line = bus.mapIRQ(dev, line)
		if bus.sink != nil {
			break
		}
		dev = bus.parent
	}
	if line < 0 || line >= len(bus.irqCount) {
		bus.log().Warn("pci: irq line out of range", "dev", f.String(), "pin", pin, "line", line)
		return
	}
	bus.irqCount[line] += change
	level := bus.irqCount[line] != 0
	debug.Writef("pci irq", "%s pin=%d line=%d count=%d", f, pin, line, bus.irqCount[line])
	bus.sink.SetIRQ(line, level)
}

// BridgeSwizzle is the standard PCI-to-PCI bridge pin rotation.
func BridgeSwizzle(f *Function, pin int) int {
	return (pin + int(Slot(f.devfn))) % NumPins
}
