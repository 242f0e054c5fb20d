package proc

import (
	"sync"

	"rvsmp/defs"
)

// PidAllocator hands out strictly increasing process ids. Pids are
// never reclaimed; no workload here runs long enough to exhaust a
// 63-bit counter.
type PidAllocator struct {
	mu   sync.Mutex
	next defs.Pid_t
}

// NewPidAllocator builds an allocator whose first Alloc returns 1; id 0
// stays reserved rather than being handed to ordinary callers.
func NewPidAllocator() *PidAllocator {
	return &PidAllocator{next: 1}
}

// Alloc returns the next unused pid.
func (a *PidAllocator) Alloc() defs.Pid_t {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := a.next
	a.next++
	return p
}
