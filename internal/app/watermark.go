package app

import "sync"

// watermark is the resume point of a pull source: the newest event second
// ingested plus the keys already taken at that second. Pulls include the
// watermark second, so a same-second event that shows up late is admitted
// once and repeats are not.
type watermark struct {
	mu     sync.Mutex
	second int64
	keys   map[string]struct{}
}

// Load returns the watermark second.
func (w *watermark) Load() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.second
}

// Store moves the watermark to second and forgets the boundary keys.
func (w *watermark) Store(second int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.second = second
	w.keys = nil
}

// Admit reports whether the event at second with key is new, and records it.
// Events older than the watermark are never admitted.
func (w *watermark) Admit(second int64, key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if second < w.second {
		return false
	}
	if second > w.second {
		w.second = second
		w.keys = nil
	}
	if w.keys == nil {
		w.keys = make(map[string]struct{})
	}
	if _, ok := w.keys[key]; ok {
		return false
	}
	w.keys[key] = struct{}{}
	return true
}
