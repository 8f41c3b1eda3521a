package app

import (
	"sync"
	"time"
)

// DefaultLedgerSize bounds the seen-trade ledger.
const DefaultLedgerSize = 10000

// SeenLedger remembers processed trade keys. When it grows past its maximum
// it is cleared wholesale, so it never holds more than maxSize keys.
type SeenLedger struct {
	maxSize int

	mu      sync.Mutex
	entries map[string]time.Time
	clears  int
}

// NewSeenLedger creates a ledger; maxSize <= 0 uses DefaultLedgerSize.
func NewSeenLedger(maxSize int) *SeenLedger {
	if maxSize <= 0 {
		maxSize = DefaultLedgerSize
	}
	return &SeenLedger{
		maxSize: maxSize,
		entries: make(map[string]time.Time),
	}
}

// Seen reports whether key was marked since the last clear.
func (l *SeenLedger) Seen(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries[key]
	return ok
}

// MarkSeen records key, then clears the ledger if it is over size.
func (l *SeenLedger) MarkSeen(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[key] = time.Now()
	l.clearIfOversizeLocked()
}

// CheckAndMark marks key and reports whether it had already been seen.
func (l *SeenLedger) CheckAndMark(key string) (seen bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[key]; ok {
		return true
	}
	l.entries[key] = time.Now()
	l.clearIfOversizeLocked()
	return false
}

// ClearIfOversize clears the ledger when it holds more than maxSize keys.
func (l *SeenLedger) ClearIfOversize() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.clearIfOversizeLocked()
}

func (l *SeenLedger) clearIfOversizeLocked() bool {
	if len(l.entries) <= l.maxSize {
		return false
	}
	l.entries = make(map[string]time.Time)
	l.clears++
	return true
}

// Len returns the number of keys held.
func (l *SeenLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Clears returns how many wholesale clears have happened.
func (l *SeenLedger) Clears() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.clears
}
