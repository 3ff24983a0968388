package seriallink

import (
	"sync"
	"time"
)

// Direction marks whether a traced line was received or sent.
type Direction string

const (
	DirIn  Direction = "rx"
	DirOut Direction = "tx"
)

// TraceEntry is one line of serial traffic.
type TraceEntry struct {
	Time time.Time `json:"time"`
	Dir  Direction `json:"dir"`
	Line string    `json:"line"`
}

// Trace is a bounded ring of recent serial traffic. The Link writes to it
// from the orchestrator goroutine while the admin routes read it, so it is
// safe for concurrent use.
type Trace struct {
	mu      sync.Mutex
	entries []TraceEntry
	next    int
	full    bool
}

// DefaultTraceSize is the number of lines kept when NewTrace gets a
// non-positive size.
const DefaultTraceSize = 256

func NewTrace(size int) *Trace {
	if size <= 0 {
		size = DefaultTraceSize
	}
	return &Trace{entries: make([]TraceEntry, size)}
}

// Record appends an entry, overwriting the oldest one when full. A nil Trace
// ignores the call.
func (t *Trace) Record(at time.Time, dir Direction, line string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[t.next] = TraceEntry{Time: at, Dir: dir, Line: line}
	t.next = (t.next + 1) % len(t.entries)
	if t.next == 0 {
		t.full = true
	}
}

// Entries returns the recorded lines, oldest first.
func (t *Trace) Entries() []TraceEntry {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.full {
		out := make([]TraceEntry, t.next)
		copy(out, t.entries[:t.next])
		return out
	}
	out := make([]TraceEntry, 0, len(t.entries))
	out = append(out, t.entries[t.next:]...)
	out = append(out, t.entries[:t.next]...)
	return out
}
