package progress

import (
	"slices"

	"github.com/goccy/go-json"
)

// Window is a bounded, append-only sliding window of samples.
// Pushing past capacity evicts the oldest sample.
//
// A Window value is immutable: Push returns a new Window and never writes
// into storage reachable from the receiver.
type Window struct {
	limit int
	items []float64
}

// NewWindow returns an empty window holding at most limit samples.
func NewWindow(limit int) Window {
	if limit < 1 {
		limit = 1
	}
	return Window{limit: limit}
}

// Push returns a window with v appended.
func (w Window) Push(v float64) Window {
	limit := w.limit
	if limit < 1 {
		limit = 1
	}
	keep := w.items
	if len(keep) >= limit {
		keep = keep[len(keep)-limit+1:]
	}
	out := make([]float64, 0, len(keep)+1)
	out = append(out, keep...)
	out = append(out, v)
	return Window{limit: limit, items: out}
}

// Clear returns an empty window with the same capacity.
func (w Window) Clear() Window { return Window{limit: w.limit} }

// Len is the number of samples currently held.
func (w Window) Len() int { return len(w.items) }

// Cap is the maximum number of samples held.
func (w Window) Cap() int { return w.limit }

// Values returns a copy of the samples, oldest first.
func (w Window) Values() []float64 { return slices.Clone(w.items) }

// Last returns the newest sample.
func (w Window) Last() (float64, bool) {
	if len(w.items) == 0 {
		return 0, false
	}
	return w.items[len(w.items)-1], true
}

// MarshalJSON renders the window as a plain array so snapshots chart directly.
func (w Window) MarshalJSON() ([]byte, error) {
	if len(w.items) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal(w.items)
}
