// Package timer implements the kernel's timer wheel: a min-heap keyed
// by absolute millisecond deadline, used by sleep(ms) and serviced from
// the supervisor-timer trap path, which wakes every expired entry
// before yielding.
package timer

import (
	"container/heap"
	"sync"

	"rvsmp/thread"
)

type entry struct {
	deadline int64
	seq      int64
	t        *thread.TCB
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].deadline != h[j].deadline {
		return h[i].deadline < h[j].deadline
	}
	return h[i].seq < h[j].seq
}
func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)   { *h = append(*h, x.(*entry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Wheel is the global timer wheel. One instance exists per running
// kernel.
type Wheel struct {
	mu   sync.Mutex
	h    entryHeap
	next int64
}

// New builds an empty timer wheel.
func New() *Wheel { return &Wheel{} }

// AddTimer inserts a wakeup for t at absolute millisecond deadline
// deadlineMs.
func (w *Wheel) AddTimer(deadlineMs int64, t *thread.TCB) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.next++
	heap.Push(&w.h, &entry{deadline: deadlineMs, seq: w.next, t: t})
}

// CheckTimer pops and returns every thread whose deadline is at or
// before nowMs. Callers are responsible for actually transitioning each
// returned thread to Ready and enqueuing it.
func (w *Wheel) CheckTimer(nowMs int64) []*thread.TCB {
	w.mu.Lock()
	defer w.mu.Unlock()
	var woke []*thread.TCB
	for len(w.h) > 0 && w.h[0].deadline <= nowMs {
		e := heap.Pop(&w.h).(*entry)
		woke = append(woke, e.t)
	}
	return woke
}

// Len reports the number of pending timers, for diagnostics/metrics.
func (w *Wheel) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.h)
}
