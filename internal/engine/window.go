package engine

import (
	"time"
)

type windowEntry struct {
	Timestamp time.Time
	Seq       int64
}

// RollingWindow is a time-ordered deque over one trailing window. Entries
// must be added in (timestamp, seq) order; an entry stays inside the window
// while it is not older than the newest timestamp minus the duration.
type RollingWindow struct {
	duration time.Duration
	entries  []windowEntry
	head     int
}

func NewRollingWindow(duration time.Duration) *RollingWindow {
	return &RollingWindow{
		duration: duration,
		entries:  make([]windowEntry, 0, 16),
	}
}

// Push evicts entries that fall out of the window ending at ts, adds the
// new entry and returns the resulting count.
func (w *RollingWindow) Push(ts time.Time, seq int64) int {
	w.Evict(ts.Add(-w.duration))
	w.entries = append(w.entries, windowEntry{Timestamp: ts, Seq: seq})
	return w.Len()
}

func (w *RollingWindow) Evict(cutoff time.Time) {
	for w.head < len(w.entries) {
		if !w.entries[w.head].Timestamp.Before(cutoff) {
			break
		}
		w.head++
	}
	if w.head > 0 && w.head*2 >= len(w.entries) {
		w.entries = append(w.entries[:0], w.entries[w.head:]...)
		w.head = 0
	}
}

func (w *RollingWindow) Len() int {
	return len(w.entries) - w.head
}

// CountAt returns how many entries lie in [at-duration, at] without
// mutating the window.
func (w *RollingWindow) CountAt(at time.Time) int {
	cutoff := at.Add(-w.duration)
	n := 0
	for i := w.head; i < len(w.entries); i++ {
		ts := w.entries[i].Timestamp
		if !ts.Before(cutoff) && !ts.After(at) {
			n++
		}
	}
	return n
}
