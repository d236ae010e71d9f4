package pci

import "fmt"

// SetHotplug enables hot-add and hot-remove on the bus tree and installs
// the callback that signals them to the guest.
func (b *Bus) SetHotplug(fn HotplugFunc) {
	b.root().hotplug = fn
}

// Unplug signals removal to the guest and then unregisters the function.
func (b *Bus) Unplug(f *Function) error {
	if refusesHotplug(f.behavior) {
		return fmt.Errorf("%w: %s", ErrHotplugRefused, f)
	}
	hotplug := b.root().hotplug
	if hotplug == nil {
		return fmt.Errorf("%w: bus %s does not allow hotplug", ErrHotplugRefused, b.name)
	}
	if f.bus == nil {
		return fmt.Errorf("pci: %s is not registered", f)
	}
	if err := hotplug(f, false); err != nil {
		return fmt.Errorf("pci: hotplug detach %s: %w", f, err)
	}
	return f.bus.Unregister(f)
}

func refusesHotplug(b Behavior) bool {
	nh, ok := b.(NoHotplugger)
	return ok && nh.NoHotplug()
}
