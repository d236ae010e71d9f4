package chipset

import (
	"sync"

	"github.com/tinyrange/pcipass/internal/hv"
)

// LineSet tracks the level of a fixed number of platform interrupt lines
// and forwards changes to a downstream sink. Repeated levels are filtered.
type LineSet struct {
	mu sync.Mutex

	sink   hv.InterruptSink
	levels []bool
	pulses []uint64
}

// NewLineSet builds a LineSet of n lines that forwards changes to sink.
func NewLineSet(n int, sink hv.InterruptSink) *LineSet {
	if sink == nil {
		sink = hv.InterruptSinkFunc(func(int, bool) {})
	}
	return &LineSet{
		sink:   sink,
		levels: make([]bool, n),
		pulses: make([]uint64, n),
	}
}

func (l *LineSet) Len() int { return len(l.levels) }

// SetIRQ implements hv.InterruptSink. Out of range lines are ignored.
func (l *LineSet) SetIRQ(line int, level bool) {
	l.mu.Lock()
	if line < 0 || line >= len(l.levels) || l.levels[line] == level {
		l.mu.Unlock()
		return
	}
	l.levels[line] = level
	if level {
		l.pulses[line]++
	}
	l.mu.Unlock()

	l.sink.SetIRQ(line, level)
}

// Pulse raises and lowers line.
func (l *LineSet) Pulse(line int) {
	l.SetIRQ(line, true)
	l.SetIRQ(line, false)
}

// Level returns the current level of line.
func (l *LineSet) Level(line int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if line < 0 || line >= len(l.levels) {
		return false
	}
	return l.levels[line]
}

// Assertions returns how many times line has gone high.
func (l *LineSet) Assertions(line int) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if line < 0 || line >= len(l.pulses) {
		return 0
	}
	return l.pulses[line]
}

// Reset lowers every line without notifying the sink.
func (l *LineSet) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.levels)
}

var _ hv.InterruptSink = (*LineSet)(nil)
