// Package admission bounds how many fetch attempts run at once. Waiters are
// admitted in ascending submission sequence, so a retried request keeps the
// priority it had when first submitted.
package admission

import (
	"container/heap"
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/fetchgate/internal/fetch"
	"github.com/JakeFAU/fetchgate/internal/metrics"
)

// ErrClosed is returned to waiters once the gate stops admitting.
var ErrClosed = fmt.Errorf("admission gate closed: %w", fetch.ErrCancelled)

// Gate hands out at most maxConcurrent slots at a time.
type Gate struct {
	mu          sync.Mutex
	max         int
	outstanding int
	peak        int
	arrivals    uint64
	waiters     waiterHeap
	closed      bool
}

// Slot is a capacity token. Release is idempotent.
type Slot struct {
	gate *Gate
	once sync.Once
}

// Release returns the slot to the gate. Calls after the first are no-ops.
func (s *Slot) Release() {
	if s == nil || s.gate == nil {
		return
	}
	s.once.Do(s.gate.release)
}

// New builds a Gate. maxConcurrent must be positive.
func New(maxConcurrent int) (*Gate, error) {
	if maxConcurrent <= 0 {
		return nil, fetch.NewConfigError("fetch.max_concurrent", "must be > 0, got %d", maxConcurrent)
	}
	return &Gate{max: maxConcurrent}, nil
}

// Admit blocks until a slot is free and no lower-sequence waiter is queued.
func (g *Gate) Admit(ctx context.Context, seq uint64) (*Slot, error) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, ErrClosed
	}
	if g.outstanding < g.max && g.waiters.Len() == 0 {
		g.grantLocked()
		g.mu.Unlock()
		return &Slot{gate: g}, nil
	}
	g.arrivals++
	w := &waiter{seq: seq, arrival: g.arrivals, ready: make(chan struct{})}
	heap.Push(&g.waiters, w)
	g.publishLocked()
	g.mu.Unlock()

	select {
	case <-w.ready:
		if w.granted {
			return &Slot{gate: g}, nil
		}
		return nil, ErrClosed
	case <-ctx.Done():
		g.mu.Lock()
		if w.granted {
			// Granted concurrently with cancellation; hand the slot on.
			g.outstanding--
			g.dispatchLocked()
		} else if w.index >= 0 {
			heap.Remove(&g.waiters, w.index)
		}
		g.publishLocked()
		g.mu.Unlock()
		return nil, fmt.Errorf("admission wait: %w: %w", fetch.ErrCancelled, ctx.Err())
	}
}

// Close stops admission and wakes every queued waiter with ErrClosed. Slots
// already handed out remain valid until released.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	for g.waiters.Len() > 0 {
		w := heap.Pop(&g.waiters).(*waiter)
		close(w.ready)
	}
	g.publishLocked()
}

// Outstanding reports the number of slots currently held.
func (g *Gate) Outstanding() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.outstanding
}

// Peak reports the highest number of slots ever held at once.
func (g *Gate) Peak() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peak
}

// Queued reports the number of blocked waiters.
func (g *Gate) Queued() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waiters.Len()
}

// Capacity reports the configured ceiling.
func (g *Gate) Capacity() int {
	return g.max
}

func (g *Gate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.outstanding--
	g.dispatchLocked()
	g.publishLocked()
}

func (g *Gate) grantLocked() {
	g.outstanding++
	if g.outstanding > g.peak {
		g.peak = g.outstanding
	}
	g.publishLocked()
}

func (g *Gate) dispatchLocked() {
	if g.closed {
		return
	}
	for g.outstanding < g.max && g.waiters.Len() > 0 {
		w := heap.Pop(&g.waiters).(*waiter)
		w.granted = true
		g.grantLocked()
		close(w.ready)
	}
}

func (g *Gate) publishLocked() {
	metrics.SetAdmission(g.outstanding, g.waiters.Len())
}

type waiter struct {
	seq     uint64
	arrival uint64
	ready   chan struct{}
	granted bool
	index   int
}

// waiterHeap orders waiters by sequence, then by arrival.
type waiterHeap []*waiter

func (h waiterHeap) Len() int { return len(h) }

func (h waiterHeap) Less(i, j int) bool {
	if h[i].seq != h[j].seq {
		return h[i].seq < h[j].seq
	}
	return h[i].arrival < h[j].arrival
}

func (h waiterHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *waiterHeap) Push(x any) {
	w := x.(*waiter)
	w.index = len(*h)
	*h = append(*h, w)
}

func (h *waiterHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*h = old[:n-1]
	return w
}
