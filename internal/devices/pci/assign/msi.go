package assign

import (
	"encoding/binary"

	"github.com/tinyrange/pcipass/internal/debug"
	"github.com/tinyrange/pcipass/internal/hv"
)

// freeRoutes drops every MSI and MSI-X route the device holds and reports
// how many there were. The caller commits.
func (d *Device) freeRoutes() int {
	n := 0
	if d.msiRoute != nil {
		n++
		if err := d.host.DeleteRoute(*d.msiRoute); err != nil {
			d.logger.Warn("pci-assign: delete msi route", "gsi", d.msiRoute.GSI, "err", err)
		}
		d.msiRoute = nil
	}
	for _, r := range d.msixRoutes {
		if r == nil {
			continue
		}
		n++
		if err := d.host.DeleteRoute(*r); err != nil {
			d.logger.Warn("pci-assign: delete msi-x route", "gsi", r.GSI, "err", err)
		}
	}
	d.msixRoutes = nil
	return n
}

// dropIRQ deassigns the current interrupt request when the guest was using
// the given type or is about to.
func (d *Device) dropIRQ(guestFlag uint32, enabling bool, op string) {
	if d.irqRequested&guestFlag == 0 && !enabling {
		return
	}
	if d.freeRoutes() > 0 {
		if err := d.host.CommitRoutes(); err != nil {
			d.logger.Warn("pci-assign: commit routes", "op", op, "err", err)
		}
	}
	d.deassignIRQ(op)
	d.irqRequested = 0
}

// updateMSI follows the MSI enable bit. Guests commonly clear the bit while
// never having used MSI, so nothing is torn down in that case.
func (d *Device) updateMSI() {
	pos := int(d.msiCap)
	cfg := d.fn.Config()
	enable := cfg[pos+msiFlags]&msiFlagsEnable != 0

	d.dropIRQ(hv.IRQGuestMSI, enable, "msi")

	if !enable {
		d.fallbackINTx()
		return
	}

	gsi, err := d.host.AllocateGSI()
	if err != nil {
		d.logger.Warn("pci-assign: msi: allocate gsi", "err", err)
		return
	}
	route := hv.MSIRoute{
		GSI:       gsi,
		AddressLo: cfg.Long(pos + msiAddressLo),
		Data:      uint32(cfg.Word(pos + msiData32)),
	}
	if err := d.host.AddMSIRoute(route); err != nil {
		d.logger.Warn("pci-assign: msi: add route", "gsi", gsi, "err", err)
		return
	}
	if err := d.host.CommitRoutes(); err != nil {
		// The guest is expected to retry by toggling the enable bit.
		d.logger.Warn("pci-assign: msi: commit routes", "err", err)
		if err := d.host.DeleteRoute(route); err != nil {
			d.logger.Debug("pci-assign: msi: drop uncommitted route", "err", err)
		}
		return
	}
	d.msiRoute = &route

	req := hv.AssignedIRQ{
		ID:       d.opts.Host.DeviceID(),
		GuestIRQ: gsi,
		Flags:    hv.IRQHostMSI | hv.IRQGuestMSI,
	}
	if err := d.host.AssignIRQ(req); err != nil {
		d.logger.Warn("pci-assign: msi: assign irq", "err", err)
	}
	d.irqRequested = req.Flags
	debug.Writef("pci-assign msi", "%s enabled gsi=%d addr=%#x data=%#x", d.opts.Host, gsi, route.AddressLo, route.Data)
}

// updateMSIMessage reprograms the active MSI route after the guest moved
// the message address or data.
func (d *Device) updateMSIMessage() {
	if d.irqRequested&hv.IRQGuestMSI == 0 || d.msiRoute == nil {
		return
	}
	pos := int(d.msiCap)
	cfg := d.fn.Config()
	if cfg[pos+msiFlags]&msiFlagsEnable == 0 {
		return
	}

	updated := *d.msiRoute
	updated.AddressLo = cfg.Long(pos + msiAddressLo)
	updated.Data = uint32(cfg.Word(pos + msiData32))
	if updated == *d.msiRoute {
		return
	}
	if err := d.host.UpdateMSIRoute(*d.msiRoute, updated); err != nil {
		d.logger.Warn("pci-assign: msi: update route", "err", err)
		return
	}
	*d.msiRoute = updated
	if err := d.host.CommitRoutes(); err != nil {
		d.logger.Warn("pci-assign: msi: commit routes", "err", err)
	}
}

// updateMSIX follows the MSI-X enable bit and registers a route for every
// table entry the guest has programmed.
func (d *Device) updateMSIX() {
	pos := int(d.msixCap)
	cfg := d.fn.Config()
	enable := cfg.Word(pos+msixFlags)&msixFlagsEnable != 0

	d.dropIRQ(hv.IRQGuestMSIX, enable, "msi-x")

	if !enable {
		d.fallbackINTx()
		return
	}
	if d.msix == nil {
		return
	}

	if err := d.setupMSIXRoutes(); err != nil {
		d.logger.Warn("pci-assign: msi-x: set up routes", "err", err)
		return
	}

	req := hv.AssignedIRQ{
		ID:    d.opts.Host.DeviceID(),
		Flags: hv.IRQHostMSIX | hv.IRQGuestMSIX,
	}
	if d.liveMSIXRoutes() > 0 {
		if err := d.host.AssignIRQ(req); err != nil {
			d.logger.Warn("pci-assign: msi-x: assign irq", "err", err)
		}
	}
	d.irqRequested = req.Flags
}

// setupMSIXRoutes rebuilds the MSI-X routes from the shadow table.
//
// Only entries with a non-zero data word are routed. That is a guess at
// which vectors the guest driver has set up; a device is free to use zero
// as message data.
func (d *Device) setupMSIXRoutes() error {
	id := d.opts.Host.DeviceID()
	t := d.msix

	var live uint16
	for i := range t.entries() {
		if t.entry(i).Data != 0 {
			live++
		}
	}
	if live == 0 {
		debug.Writef("pci-assign msi-x", "%s no programmed entries", d.opts.Host)
		return nil
	}

	if err := d.host.SetMSIXNr(id, live); err != nil {
		return err
	}

	d.freeRoutes()
	d.msixRoutes = make([]*hv.MSIRoute, d.msixMax)
	for i := range t.entries() {
		e := t.entry(i)
		if e.Data == 0 {
			continue
		}
		gsi, err := d.host.AllocateGSI()
		if err != nil {
			return err
		}
		route := e
		route.GSI = gsi
		if err := d.host.AddMSIRoute(route); err != nil {
			return err
		}
		d.msixRoutes[i] = &route
		if err := d.host.SetMSIXEntry(id, gsi, uint16(i)); err != nil {
			return err
		}
		debug.Writef("pci-assign msi-x", "%s entry %d gsi=%d addr=%#x:%#x data=%#x",
			d.opts.Host, i, gsi, route.AddressHi, route.AddressLo, route.Data)
	}
	return d.host.CommitRoutes()
}

func (d *Device) liveMSIXRoutes() int {
	n := 0
	for _, r := range d.msixRoutes {
		if r != nil {
			n++
		}
	}
	return n
}

// fallbackINTx puts legacy interrupt forwarding back once message
// signalled interrupts are off.
func (d *Device) fallbackINTx() {
	if d.irqRequested != 0 {
		return
	}
	d.guestIRQ = -1
	if err := d.assignINTx(); err != nil {
		d.logger.Warn("pci-assign: restore intx", "err", err)
	}
}

// updateMSIXEntry reprograms the route of one unmasked entry.
func (d *Device) updateMSIXEntry(i int) {
	if i >= len(d.msixRoutes) || d.msixRoutes[i] == nil {
		d.updateMSIX()
		return
	}
	cur := d.msixRoutes[i]
	updated := d.msix.entry(i)
	updated.GSI = cur.GSI
	if updated == *cur {
		return
	}
	if err := d.host.UpdateMSIRoute(*cur, updated); err != nil {
		d.logger.Warn("pci-assign: msi-x: update route", "entry", i, "err", err)
		return
	}
	*cur = updated
	if err := d.host.CommitRoutes(); err != nil {
		d.logger.Warn("pci-assign: msi-x: commit routes", "err", err)
	}
}

// MSI-X table entry layout.
const (
	msixEntrySize     = 16
	msixEntryAddrLo   = 0
	msixEntryAddrHi   = 4
	msixEntryData     = 8
	msixEntryCtrl     = 12
	msixEntryMasked   = 0x1
	msixTablePageSize = 0x1000
)

// msixTable shadows the device's MSI-X vector table. The guest reaches it
// through the page carved out of the table BAR.
type msixTable struct {
	d    *Device
	page [msixTablePageSize]byte
	base uint64
}

func newMSIXTable(d *Device) *msixTable {
	t := &msixTable{d: d, base: ^uint64(0)}
	t.reset()
	return t
}

// reset masks every entry.
func (t *msixTable) reset() {
	clear(t.page[:])
	for i := range t.entries() {
		binary.LittleEndian.PutUint32(t.page[i*msixEntrySize+msixEntryCtrl:], msixEntryMasked)
	}
}

// entries is the number of vectors the shadow page holds.
func (t *msixTable) entries() int {
	return min(t.d.msixMax, msixTablePageSize/msixEntrySize)
}

func (t *msixTable) long(off uint64) uint32 {
	return binary.LittleEndian.Uint32(t.page[off:])
}

// entry returns the message programmed in entry i. GSI is left zero.
func (t *msixTable) entry(i int) hv.MSIRoute {
	off := uint64(i * msixEntrySize)
	return hv.MSIRoute{
		AddressLo: t.long(off + msixEntryAddrLo),
		AddressHi: t.long(off + msixEntryAddrHi),
		Data:      t.long(off + msixEntryData),
	}
}

func (t *msixTable) masked(i int) bool {
	return t.long(uint64(i*msixEntrySize+msixEntryCtrl))&msixEntryMasked != 0
}

// ReadMMIO implements hv.MMIOHandler.
func (t *msixTable) ReadMMIO(addr uint64, data []byte) error {
	off := addr - t.base
	if addr < t.base || off+uint64(len(data)) > uint64(len(t.page)) {
		clear(data)
		return nil
	}
	switch len(data) {
	case 1, 2, 4:
		v := t.long(off&^3) >> (8 * (off & 3))
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], v)
		copy(data, buf[:])
	case 8:
		binary.LittleEndian.PutUint32(data, t.long(off&^3))
		binary.LittleEndian.PutUint32(data[4:], t.long((off&^3)+4))
	default:
		copy(data, t.page[off:])
	}
	return nil
}

// WriteMMIO implements hv.MMIOHandler. Narrow writes are folded into a
// 32-bit write of the containing long.
func (t *msixTable) WriteMMIO(addr uint64, data []byte) error {
	off := addr - t.base
	if addr < t.base || off+uint64(len(data)) > uint64(len(t.page)) {
		return nil
	}
	switch len(data) {
	case 1:
		t.writeLong(off&^3, uint32(data[0])<<(8*(off&3)))
	case 2:
		t.writeLong(off&^3, uint32(binary.LittleEndian.Uint16(data))<<(8*(off&3)))
	case 4:
		t.writeLong(off&^3, binary.LittleEndian.Uint32(data))
	case 8:
		t.writeLong(off&^3, binary.LittleEndian.Uint32(data))
		t.writeLong((off&^3)+4, binary.LittleEndian.Uint32(data[4:]))
	}
	return nil
}

func (t *msixTable) writeLong(off uint64, val uint32) {
	d := t.d
	i := int(off / msixEntrySize)
	if i >= d.msixMax {
		debug.Writef("pci-assign msi-x", "%s drop write to entry %d of %d", d.opts.Host, i, d.msixMax)
		return
	}
	wasMasked := t.masked(i)
	binary.LittleEndian.PutUint32(t.page[off:], val)

	if wasMasked && !t.masked(i) && d.msixEnabled() {
		d.updateMSIXEntry(i)
	}
}

func (d *Device) msixEnabled() bool {
	if !d.hasMSIX() {
		return false
	}
	return d.fn.Config().Word(int(d.msixCap)+msixFlags)&msixFlagsEnable != 0
}
