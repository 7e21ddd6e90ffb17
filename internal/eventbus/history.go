package eventbus

import (
	"context"
	"sync"
)

// History keeps the most recent finished runs seen on a bus.
type History struct {
	mu   sync.Mutex
	max  int
	runs []Run
}

func NewHistory(max int) *History {
	if max <= 0 {
		max = 20
	}
	return &History{max: max}
}

func (h *History) Add(r Run) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs = append(h.runs, r)
	if over := len(h.runs) - h.max; over > 0 {
		h.runs = append(h.runs[:0], h.runs[over:]...)
	}
}

// Recent returns up to n runs, newest first.
func (h *History) Recent(n int) []Run {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n <= 0 || n > len(h.runs) {
		n = len(h.runs)
	}
	out := make([]Run, 0, n)
	for i := len(h.runs) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, h.runs[i])
	}
	return out
}

// Collect records WorkerFinished events until ctx ends.
func (h *History) Collect(ctx context.Context, b Bus) {
	ch, unsub := b.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if e.Type != WorkerFinished {
				continue
			}
			if r, ok := e.Data.(Run); ok {
				h.Add(r)
			}
		}
	}
}
