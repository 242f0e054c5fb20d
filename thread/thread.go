// Package thread implements the TCB: the runnable unit a
// scheduler dispatches, plus the cooperative-switch primitive a hart's
// idle loop uses to hand control to and take it back from a thread.
//
// This kernel's harts and threads are goroutines rather than real RISC-V
// cores with hand-rolled kernel stacks, so a context switch is a
// two-channel handoff instead of a register save/restore.
package thread

import (
	"rvsmp/defs"
	"rvsmp/limits"
	"rvsmp/trap"
)

// ProcessRef is the minimal process identity a TCB needs. It exists so
// this package never has to import proc (which imports thread for its
// thread table).
type ProcessRef interface {
	Pid() defs.Pid_t
}

// Res binds a thread to its (process, tid) pair and the user-virtual
// resources it alone owns: its user stack and the VA its trap context
// lives at.
type Res struct {
	Tid           defs.Tid_t
	UserStackTop  uint64
	TrapCxVA      uint64
}

// Outcome is why a thread handed control back to its hart's idle loop,
// the information a hart's run loop needs to route the TCB: back onto a
// ready queue (Yield), left alone because some blocking primitive now
// owns it (Blocked), or retired into the hart's stop slot (Exited).
type Outcome int

const (
	OutcomeYield Outcome = iota
	OutcomeBlocked
	OutcomeExited
)

func (o Outcome) String() string {
	switch o {
	case OutcomeYield:
		return "yield"
	case OutcomeBlocked:
		return "blocked"
	case OutcomeExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Handoff is the two-channel context switch: a hart's idle loop calls
// Resume to run the thread until its next cooperative switch point; the
// thread's own goroutine calls Park at every such point (or simply
// returns, for the final exit) to hand control back.
type Handoff struct {
	resume chan struct{}
	done   chan Outcome
}

// NewHandoff builds an unstarted handoff.
func NewHandoff() *Handoff {
	return &Handoff{resume: make(chan struct{}), done: make(chan Outcome)}
}

// Start launches body in its own goroutine, parked immediately until the
// first Resume. body must call Park at every cooperative switch point
// and simply return (not Park) exactly once, on final exit.
func (h *Handoff) Start(body func()) {
	go func() {
		<-h.resume
		body()
		h.done <- OutcomeExited
	}()
}

// Resume hands control to the thread and blocks until it parks or exits.
func (h *Handoff) Resume() Outcome {
	h.resume <- struct{}{}
	return <-h.done
}

// Park hands control back to whichever hart called Resume, blocking
// until the next Resume. Called from inside the thread's own goroutine.
func (h *Handoff) Park(reason Outcome) {
	h.done <- reason
	<-h.resume
}

// TCB is the thread control block: lifecycle status, the saved
// trap/task contexts, stride-scheduling state, syscall counters, and
// the process/tid resource binding.
//
// All mutation is serialized by the owning scheduler hart's lock or the
// owning Process's lock — TCB itself carries no mutex.
type TCB struct {
	Process ProcessRef
	Res     *Res

	Status      defs.ThreadStatus
	TrapCx      *trap.TrapContext
	TaskCx      *trap.TaskContext
	Stride      uint64
	Priority    int
	IsStarted   bool
	StartTimeMs int64

	SyscallCounts map[uint64]uint64

	Handoff *Handoff

	// Hart is the index of the hart whose ready queue currently owns
	// this TCB, so removal and exit know which queue to operate on.
	Hart int
}

// New builds a fresh, not-yet-started, Ready TCB at the given priority,
// clamped to the floor of 2 that bounds a stride increment to half of
// BigStride.
func New(proc ProcessRef, res *Res, priority int) *TCB {
	if priority < limits.MinPriority {
		priority = limits.MinPriority
	}
	return &TCB{
		Process:       proc,
		Res:           res,
		Status:        defs.Ready,
		Priority:      priority,
		SyscallCounts: make(map[uint64]uint64),
		Handoff:       NewHandoff(),
	}
}

// Tid returns the thread's tid, 0 if it has no res binding.
func (t *TCB) Tid() defs.Tid_t {
	if t.Res == nil {
		return 0
	}
	return t.Res.Tid
}

// RecordSyscall increments this thread's per-syscall-number counter.
func (t *TCB) RecordSyscall(num uint64) {
	t.SyscallCounts[num]++
}

// Advance bumps this thread's stride by BigStride/Priority, the per-
// dispatch increment stride scheduling applies every time a thread is
// selected to run.
func (t *TCB) Advance() {
	t.Stride += uint64(defs.BigStride) / uint64(t.Priority)
}
