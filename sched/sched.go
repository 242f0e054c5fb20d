// Package sched implements the per-hart ready queue and dispatch loop
// plus the global task manager: stride-scheduled dispatch within one
// hart, load-balanced placement across harts, and the PID->process map
// every hart's fault/signal path consults. A dispatch is a
// thread.Handoff.Resume() call; the hart gets control back when the
// thread parks or exits.
package sched

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"rvsmp/defs"
	"rvsmp/proc"
	"rvsmp/thread"
)

// Hart is one hardware thread's scheduler state: its ready queue, the
// task currently running on it, and the stop slot that keeps one exited
// thread's kernel stack (here: goroutine) alive through one extra
// dispatch round.
type Hart struct {
	ID int

	iterations atomic.Uint64

	mu      sync.Mutex
	ready   []*thread.TCB
	current *thread.TCB
	stop    *thread.TCB
}

// NewHart builds an idle hart with an empty ready queue.
func NewHart(id int) *Hart { return &Hart{ID: id} }

// Len reports the ready queue's current length, the load-balancing signal
// Manager.AddTask compares across harts.
func (h *Hart) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ready)
}

// Add enqueues t onto this hart's ready queue, marking it Ready and
// recording which hart now owns it, so a later removal knows which
// queue to search.
func (h *Hart) Add(t *thread.TCB) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t.Status = defs.Ready
	t.Hart = h.ID
	h.ready = append(h.ready, t)
}

// fetchLocked removes and returns the ready-queue entry with the
// smallest stride, by linear scan. Caller must hold h.mu.
func (h *Hart) fetchLocked() *thread.TCB {
	if len(h.ready) == 0 {
		return nil
	}
	minIdx := 0
	for i, t := range h.ready {
		if t.Stride < h.ready[minIdx].Stride {
			minIdx = i
		}
	}
	t := h.ready[minIdx]
	h.ready = append(h.ready[:minIdx], h.ready[minIdx+1:]...)
	return t
}

// Remove takes t out of this hart's ready queue if present, reporting
// whether it was found there.
func (h *Hart) Remove(t *thread.TCB) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, c := range h.ready {
		if c == t {
			h.ready = append(h.ready[:i], h.ready[i+1:]...)
			return true
		}
	}
	return false
}

// AddStopping installs t as this hart's stop slot, replacing (and
// releasing) whatever was there before — by the time a new exited thread
// arrives, the previous one's goroutine has already returned.
func (h *Hart) AddStopping(t *thread.TCB) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stop = t
}

// Iterations reports how many scheduler rounds this hart has run, for
// the metrics exporter.
func (h *Hart) Iterations() uint64 { return h.iterations.Load() }

// Current returns the thread presently dispatched on this hart, if any.
func (h *Hart) Current() *thread.TCB {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// RunOne fetches the lowest-stride ready thread, dispatches it through its
// Handoff, and routes the outcome: Yield requeues it, Blocked leaves it off
// every ready queue (the blocking primitive that parked it is responsible
// for eventually calling Manager.WakeupTask), Exited retires it into the
// stop slot. Returns false if the ready queue was empty.
func (h *Hart) RunOne() bool {
	h.iterations.Add(1)
	h.mu.Lock()
	t := h.fetchLocked()
	if t == nil {
		h.mu.Unlock()
		return false
	}
	if !t.IsStarted {
		t.StartTimeMs = time.Now().UnixMilli()
		t.IsStarted = true
	}
	t.Advance()
	t.Status = defs.Running
	h.current = t
	h.mu.Unlock()

	outcome := t.Handoff.Resume()

	h.mu.Lock()
	h.current = nil
	h.mu.Unlock()

	switch outcome {
	case thread.OutcomeYield:
		h.Add(t)
	case thread.OutcomeBlocked:
		t.Status = defs.Blocked
	case thread.OutcomeExited:
		t.Status = defs.Zombie
		h.AddStopping(t)
	}
	return true
}

// IdleLoop runs RunOne until stop is closed, yielding the underlying
// goroutine whenever the ready queue is momentarily empty — the
// host-process stand-in for a real hart's wfi idle wait.
func (h *Hart) IdleLoop(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		if !h.RunOne() {
			runtime.Gosched()
		}
	}
}

// Manager is the global scheduler state: every hart's queue plus the
// pid->process map.
type Manager struct {
	harts []*Hart

	mu          sync.Mutex
	pid2process map[defs.Pid_t]*proc.Process
}

// NewManager builds a manager with nHarts empty hart queues.
func NewManager(nHarts int) *Manager {
	m := &Manager{pid2process: make(map[defs.Pid_t]*proc.Process)}
	for i := 0; i < nHarts; i++ {
		m.harts = append(m.harts, NewHart(i))
	}
	return m
}

// Hart returns the hart at index id.
func (m *Manager) Hart(id int) *Hart { return m.harts[id] }

// NumHarts reports how many harts this manager schedules across.
func (m *Manager) NumHarts() int { return len(m.harts) }

// AddTask enqueues t onto whichever hart currently has the shortest
// ready queue, spreading work at insertion time.
func (m *Manager) AddTask(t *thread.TCB) {
	minHart := 0
	minLen := m.harts[0].Len()
	for i := 1; i < len(m.harts); i++ {
		if l := m.harts[i].Len(); l < minLen {
			minLen = l
			minHart = i
		}
	}
	m.harts[minHart].Add(t)
}

// AddTaskAtHart enqueues t onto hart id specifically, for callers that
// want to keep a task local to the hart that created it.
func (m *Manager) AddTaskAtHart(hart int, t *thread.TCB) {
	m.harts[hart].Add(t)
}

// WakeupTask marks t Ready and re-enqueues it via the load balancer.
func (m *Manager) WakeupTask(t *thread.TCB) {
	t.Status = defs.Ready
	m.AddTask(t)
}

// RemoveTask takes t out of hart id's ready queue (used e.g. when a
// signal kills a thread that is still queued but not yet running).
func (m *Manager) RemoveTask(hart int, t *thread.TCB) bool {
	return m.harts[hart].Remove(t)
}

// AddStoppingTask installs t into hart id's stop slot.
func (m *Manager) AddStoppingTask(hart int, t *thread.TCB) {
	m.harts[hart].AddStopping(t)
}

// Pid2Process looks up the live process owning pid.
func (m *Manager) Pid2Process(pid defs.Pid_t) (*proc.Process, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pid2process[pid]
	return p, ok
}

// InsertPid2Process registers p under pid, called by fork and process
// creation.
func (m *Manager) InsertPid2Process(pid defs.Pid_t, p *proc.Process) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pid2process[pid] = p
}

// Processes snapshots every live process in the pid map, for waiters and
// diagnostics that need to walk the whole process table.
func (m *Manager) Processes() []*proc.Process {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps := make([]*proc.Process, 0, len(m.pid2process))
	for _, p := range m.pid2process {
		ps = append(ps, p)
	}
	return ps
}

// LiveProcesses reports the pid map's current size.
func (m *Manager) LiveProcesses() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pid2process)
}

// RemovePid2Process drops pid's entry, called once its process has
// fully exited. A missing entry is tolerated — a process with no
// remaining reference to reap is treated as already gone.
func (m *Manager) RemovePid2Process(pid defs.Pid_t) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pid2process, pid)
}
