// Package proc implements the process control block: address space, fd
// table, thread set, sync-primitive lists and their Banker's-algorithm
// resource matrices, and signal state.
package proc

import (
	"fmt"
	"sync"
	"sync/atomic"

	"rvsmp/deadlock"
	"rvsmp/defs"
	"rvsmp/fs"
	"rvsmp/ksync"
	"rvsmp/limits"
	"rvsmp/mem"
	"rvsmp/ofile"
	"rvsmp/thread"
	"rvsmp/vm"
)

// Kernel bundles the boot-time singletons every process needs to build
// or extend its address space and trap plumbing. Each is initialized
// exactly once, in Boot, and never torn down.
type Kernel struct {
	Alloc            *mem.Allocator_t
	FS               *fs.FileSystem
	Pids             *PidAllocator
	TrampolinePpn    mem.Ppn_t
	KernelSatp       uint64
	TrapHandlerEntry uint64
}

// Process is the PCB.
type Process struct {
	k *Kernel

	mu         sync.Mutex
	holderHart int32 // hart currently inside Access's critical section, -1 if none

	pid      defs.Pid_t
	isZombie bool
	exitCode int32

	memorySet *vm.MemorySet_t

	parent   *Process // non-owning
	children []*Process

	threads []*thread.TCB // dense tid-indexed; dead slots are nil but kept

	fdTable []*ofile.OpenFile

	pendingSignals uint64
	maskedSignals  uint64

	mutexes    []ksync.Mutex
	semaphores []*ksync.Semaphore
	condvars   []*ksync.Condvar

	mutexState *deadlock.State
	semState   *deadlock.State

	detectDeadlock bool
}

func newProcess(k *Kernel, ms *vm.MemorySet_t, parent *Process) *Process {
	return &Process{
		k:          k,
		holderHart: -1,
		pid:        k.Pids.Alloc(),
		memorySet:  ms,
		parent:     parent,
		mutexState: deadlock.New(),
		semState:   deadlock.New(),
	}
}

// Pid implements thread.ProcessRef.
func (p *Process) Pid() defs.Pid_t { return p.pid }

// Access locks the process's single interior-mutability cell, panicking
// if the calling hart is already inside a critical section on this same
// process — recursive access from the same hart is a deadlock in the
// making and must surface at test time. The returned func releases the
// lock; callers must defer it.
func (p *Process) Access(hart int) func() {
	if !p.mu.TryLock() {
		if atomic.LoadInt32(&p.holderHart) == int32(hart) {
			panic(fmt.Sprintf("proc: re-entrant access to pid %d from hart %d", p.pid, hart))
		}
		p.mu.Lock()
	}
	atomic.StoreInt32(&p.holderHart, int32(hart))
	return func() {
		atomic.StoreInt32(&p.holderHart, -1)
		p.mu.Unlock()
	}
}

// MemorySet returns the process's address space.
func (p *Process) MemorySet() *vm.MemorySet_t { return p.memorySet }

// IsZombie reports whether the process has become a zombie (its last
// thread exited).
func (p *Process) IsZombie() bool { return p.isZombie }

// ExitCode returns the exit code a zombie process recorded.
func (p *Process) ExitCode() int32 { return p.exitCode }

// Children returns the process's live child list.
func (p *Process) Children() []*Process { return p.children }

// Thread returns the TCB at tid, or nil if that slot is empty/out of range.
func (p *Process) Thread(tid defs.Tid_t) *thread.TCB {
	if int(tid) < 0 || int(tid) >= len(p.threads) {
		return nil
	}
	return p.threads[tid]
}

// Threads returns the dense tid-indexed thread slice (entries may be
// nil for exited threads whose slot is kept).
func (p *Process) Threads() []*thread.TCB { return p.threads }

// addThread appends t as a new thread, assigning it the next dense tid
// and growing both resource matrices' thread rows to match.
func (p *Process) addThread(t *thread.TCB) defs.Tid_t {
	tid := defs.Tid_t(len(p.threads))
	if t.Res == nil {
		t.Res = &thread.Res{}
	}
	t.Res.Tid = tid
	p.threads = append(p.threads, t)
	p.mutexState.EnsureThread(int(tid))
	p.semState.EnsureThread(int(tid))
	return tid
}

// removeThread zeroes tid's resource-matrix rows and clears its slot.
// Rows are zeroed, never removed, so surviving threads keep their
// indices.
func (p *Process) removeThread(tid defs.Tid_t) {
	if int(tid) >= len(p.threads) {
		return
	}
	p.threads[tid] = nil
	p.mutexState.ZeroThread(int(tid))
	p.semState.ZeroThread(int(tid))
}

// liveThreadCount counts non-nil thread slots.
func (p *Process) liveThreadCount() int {
	n := 0
	for _, t := range p.threads {
		if t != nil {
			n++
		}
	}
	return n
}

// --- file descriptors ---

// AllocFD installs f at the first free slot (or appends) and returns
// the assigned descriptor.
func (p *Process) AllocFD(f *ofile.OpenFile) (int, error) {
	for i, existing := range p.fdTable {
		if existing == nil {
			p.fdTable[i] = f
			return i, nil
		}
	}
	if len(p.fdTable) >= limits.MaxFD {
		return 0, fmt.Errorf("proc: fd table full")
	}
	p.fdTable = append(p.fdTable, f)
	return len(p.fdTable) - 1, nil
}

// FD returns the open file at fd, or (nil,false) if fd is unassigned.
func (p *Process) FD(fd int) (*ofile.OpenFile, bool) {
	if fd < 0 || fd >= len(p.fdTable) || p.fdTable[fd] == nil {
		return nil, false
	}
	return p.fdTable[fd], true
}

// CloseFD clears fd's slot, closing the underlying file object.
func (p *Process) CloseFD(fd int) error {
	f, ok := p.FD(fd)
	if !ok {
		return fmt.Errorf("proc: close of unassigned fd %d", fd)
	}
	f.Close()
	p.fdTable[fd] = nil
	return nil
}

// DupFD aliases fd onto a freshly allocated descriptor, sharing the same
// OpenFile object.
func (p *Process) DupFD(fd int) (int, error) {
	f, ok := p.FD(fd)
	if !ok {
		return 0, fmt.Errorf("proc: dup of unassigned fd %d", fd)
	}
	return p.AllocFD(f)
}

// --- signals ---

// RaiseSignal marks sig pending on this process.
func (p *Process) RaiseSignal(sig defs.Signal) {
	p.pendingSignals |= 1 << uint(sig)
}

// PendingUnmasked returns the lowest-numbered pending, unmasked signal,
// if any.
func (p *Process) PendingUnmasked() (defs.Signal, bool) {
	bits := p.pendingSignals &^ p.maskedSignals
	if bits == 0 {
		return defs.SIGNONE, false
	}
	for sig := 0; sig < 64; sig++ {
		if bits&(1<<uint(sig)) != 0 {
			return defs.Signal(sig), true
		}
	}
	return defs.SIGNONE, false
}

// ClearSignal removes sig from the pending set, e.g. once delivered.
func (p *Process) ClearSignal(sig defs.Signal) {
	p.pendingSignals &^= 1 << uint(sig)
}

// ClearAllSignals empties the pending set — a forked child starts with
// no pending signals while the parent retains its own.
func (p *Process) ClearAllSignals() {
	p.pendingSignals = 0
}

// EnableDeadlockDetect toggles this process's Banker's-algorithm check.
func (p *Process) EnableDeadlockDetect(on bool) {
	p.detectDeadlock = on
}
