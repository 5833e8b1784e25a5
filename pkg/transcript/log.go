package transcript

import (
	"log/slog"
	"sync"
)

// Log holds committed transcript entries in commit order. Appending an entry
// that duplicates the immediately preceding one replaces it in place, so a
// recognizer re-finalizing the same utterance with trailing punctuation does
// not produce two lines. Safe for concurrent use.
type Log struct {
	mu      sync.RWMutex
	entries []*Entry
}

// NewLog creates an empty Log.
func NewLog() *Log {
	return &Log{}
}

// Append adds a committed entry. When the entry duplicates the last one it
// replaces it, keeping the newer entry's text, timestamp, and confidence;
// the log length is unchanged. Reports whether a replacement happened.
func (l *Log) Append(e *Entry) (replaced bool) {
	cp := e.Clone()
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := len(l.entries); n > 0 {
		prev := l.entries[n-1]
		if Duplicate(prev.Text, cp.Text) {
			slog.Debug("transcript: duplicate entry replaced",
				"prev", prev.Text, "next", cp.Text)
			l.entries[n-1] = cp
			return true
		}
	}
	l.entries = append(l.entries, cp)
	return false
}

// Len returns the number of committed entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Tail returns copies of the last n entries in commit order. n <= 0 or
// n > Len returns all entries.
func (l *Log) Tail(n int) []*Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n <= 0 || n > len(l.entries) {
		n = len(l.entries)
	}
	out := make([]*Entry, 0, n)
	for _, e := range l.entries[len(l.entries)-n:] {
		out = append(out, e.Clone())
	}
	return out
}

// All returns copies of every committed entry in commit order.
func (l *Log) All() []*Entry {
	return l.Tail(0)
}

// Last returns a copy of the most recent entry, or nil when empty.
func (l *Log) Last() *Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return nil
	}
	return l.entries[len(l.entries)-1].Clone()
}
