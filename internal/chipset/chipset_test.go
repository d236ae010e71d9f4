package chipset

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/pcipass/internal/hv"
)

type access struct {
	Write bool
	Addr  uint64
	Len   int
}

type recordingHandler struct {
	mu    sync.Mutex
	calls []access
	fill  byte
}

func (h *recordingHandler) record(write bool, addr uint64, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, access{write, addr, len(data)})
	if !write {
		for i := range data {
			data[i] = h.fill
		}
	}
}

func (h *recordingHandler) ReadMMIO(addr uint64, data []byte) error {
	h.record(false, addr, data)
	return nil
}

func (h *recordingHandler) WriteMMIO(addr uint64, data []byte) error {
	h.record(true, addr, data)
	return nil
}

func (h *recordingHandler) ReadIOPort(port uint16, data []byte) error {
	h.record(false, uint64(port), data)
	return nil
}

func (h *recordingHandler) WriteIOPort(port uint16, data []byte) error {
	h.record(true, uint64(port), data)
	return nil
}

type fakeRAM struct {
	set     []hv.Range
	cleared []hv.Range
}

func (f *fakeRAM) SetUserMemory(addr uint64, mem []byte, readOnly bool) error {
	f.set = append(f.set, hv.Range{Base: addr, Size: uint64(len(mem))})
	return nil
}

func (f *fakeRAM) ClearUserMemory(addr, size uint64) error {
	f.cleared = append(f.cleared, hv.Range{Base: addr, Size: size})
	return nil
}

type portDevice struct {
	h      *recordingHandler
	resets int
}

func (d *portDevice) Reset() error { d.resets++; return nil }

func (d *portDevice) SupportsPortIO() *PortIOIntercept {
	return &PortIOIntercept{Base: 0xcf8, Size: 8, Handler: d.h}
}

func TestBuilderRegistersFixedDevices(t *testing.T) {
	dev := &portDevice{h: &recordingHandler{}}
	b := NewBuilder()
	if err := b.RegisterDevice("host", dev); err != nil {
		t.Fatal(err)
	}
	if err := b.RegisterDevice("host", dev); err == nil {
		t.Fatalf("duplicate device accepted")
	}
	if err := b.WithPioRange(0xcfc, 2, &recordingHandler{}); !errors.Is(err, hv.ErrRegionOverlap) {
		t.Fatalf("overlapping fixed range: err = %v", err)
	}
	cs, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}

	if err := cs.HandlePIO(0xcfc, make([]byte, 4), true); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]access{{true, 0xcfc, 4}}, dev.h.calls); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}

	// Fixed ranges survive dynamic unassignment.
	cs.UnassignIOPorts(0, 0x10000)
	if err := cs.HandlePIO(0xcf8, make([]byte, 4), false); err != nil {
		t.Fatal(err)
	}

	if err := cs.Reset(); err != nil || dev.resets != 1 {
		t.Fatalf("reset = %v, resets = %d", err, dev.resets)
	}
}

func TestDynamicMappings(t *testing.T) {
	ram := &fakeRAM{}
	cs, err := NewBuilder().WithRAMBackend(ram).Build()
	if err != nil {
		t.Fatal(err)
	}

	h := &recordingHandler{fill: 0xab}
	if err := cs.MapMMIO(0xfebf0000, 0x1000, h); err != nil {
		t.Fatal(err)
	}
	if err := cs.MapMMIO(0xfebf0800, 0x1000, h); !errors.Is(err, hv.ErrRegionOverlap) {
		t.Fatalf("overlapping map: err = %v", err)
	}

	buf := make([]byte, 4)
	if err := cs.HandleMMIO(0xfebf0010, buf, false); err != nil {
		t.Fatal(err)
	}
	if buf[0] != 0xab {
		t.Fatalf("read = %x", buf)
	}
	if err := cs.HandleMMIO(0xfebf0ffe, buf, false); !errors.Is(err, hv.ErrNoMapping) {
		t.Fatalf("access straddling the end: err = %v", err)
	}

	mem := make([]byte, 0x2000)
	if err := cs.MapRAM(0xe0000000, 0x2000, mem, false); err != nil {
		t.Fatal(err)
	}
	if err := cs.HandleMMIO(0xe0000100, []byte{1, 2, 3, 4}, true); err != nil {
		t.Fatal(err)
	}
	if mem[0x100] != 1 || mem[0x103] != 4 {
		t.Fatalf("RAM write not applied")
	}

	rom := []byte{0x55, 0xaa}
	if err := cs.MapRAM(0xc0000, 2, rom, true); err != nil {
		t.Fatal(err)
	}
	if err := cs.HandleMMIO(0xc0000, []byte{0, 0}, true); err != nil {
		t.Fatal(err)
	}
	if rom[0] != 0x55 {
		t.Fatalf("read-only mapping was written")
	}

	want := []Mapping{
		{Range: hv.Range{Base: 0xc0000, Size: 2}, RAM: true, ReadOnly: true},
		{Range: hv.Range{Base: 0xe0000000, Size: 0x2000}, RAM: true},
		{Range: hv.Range{Base: 0xfebf0000, Size: 0x1000}},
	}
	if diff := cmp.Diff(want, cs.MemoryMap()); diff != "" {
		t.Fatalf("memory map mismatch (-want +got):\n%s", diff)
	}

	cs.UnmapMemory(0xe0000000, 0x2000)
	if err := cs.HandleMMIO(0xe0000100, buf, false); !errors.Is(err, hv.ErrNoMapping) {
		t.Fatalf("access after unmap: err = %v", err)
	}
	wantRAM := []hv.Range{{Base: 0xe0000000, Size: 0x2000}, {Base: 0xc0000, Size: 2}}
	if diff := cmp.Diff(wantRAM, ram.set); diff != "" {
		t.Fatalf("installed RAM mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]hv.Range{{Base: 0xe0000000, Size: 0x2000}}, ram.cleared); diff != "" {
		t.Fatalf("cleared RAM mismatch (-want +got):\n%s", diff)
	}
}

func TestUnmapRemovesEverySplitPiece(t *testing.T) {
	cs, _ := NewBuilder().Build()
	h := &recordingHandler{}
	mem := make([]byte, 0x4000)

	// A BAR split around a trapped page.
	if err := cs.MapRAM(0xf0000000, 0x1000, mem, false); err != nil {
		t.Fatal(err)
	}
	if err := cs.MapMMIO(0xf0001000, 0x1000, h); err != nil {
		t.Fatal(err)
	}
	if err := cs.MapRAM(0xf0002000, 0x2000, mem[0x2000:], false); err != nil {
		t.Fatal(err)
	}
	cs.UnmapMemory(0xf0000000, 0x4000)
	if got := cs.MemoryMap(); len(got) != 0 {
		t.Fatalf("mappings left: %+v", got)
	}
}

func TestIOPortRanges(t *testing.T) {
	cs, _ := NewBuilder().Build()
	h := &recordingHandler{fill: 0x5a}
	if err := cs.RegisterIOPorts(0xc000, 0x20, h); err != nil {
		t.Fatal(err)
	}
	if err := cs.RegisterIOPorts(0xfff0, 0x20, h); err == nil {
		t.Fatalf("range beyond 64K accepted")
	}
	buf := make([]byte, 2)
	if err := cs.HandlePIO(0xc01e, buf, false); err != nil || buf[1] != 0x5a {
		t.Fatalf("read = %x, %v", buf, err)
	}
	cs.UnassignIOPorts(0xc002, 1)
	if err := cs.HandlePIO(0xc000, buf, false); !errors.Is(err, hv.ErrNoMapping) {
		t.Fatalf("access after unassign: err = %v", err)
	}
}

func TestLineSet(t *testing.T) {
	type ev struct {
		Line  int
		Level bool
	}
	var got []ev
	ls := NewLineSet(16, hv.InterruptSinkFunc(func(line int, level bool) {
		got = append(got, ev{line, level})
	}))

	ls.SetIRQ(11, true)
	ls.SetIRQ(11, true)
	ls.SetIRQ(99, true)
	ls.Pulse(5)
	ls.SetIRQ(11, false)

	want := []ev{{11, true}, {5, true}, {5, false}, {11, false}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("sink events mismatch (-want +got):\n%s", diff)
	}
	if ls.Assertions(11) != 1 || ls.Assertions(5) != 1 || ls.Level(11) {
		t.Fatalf("line state wrong")
	}
}
