// Package trap models the kernel's trap-entry/exit contract: the
// register snapshot taken on a user->supervisor transition, the
// callee-saved context used for a cooperative thread switch, and the
// dispatch rules for syscalls, faults, and the timer. It is expressed as
// plain Go structs and a dispatch function rather than an assembly
// trampoline, since this kernel models harts as goroutines and has no
// instruction-level control over ecall/sret.
package trap

import (
	"rvsmp/caller"
	"rvsmp/defs"
	"rvsmp/mem"
)

// TrapContext is the 34-word register snapshot a trap entry saves and a
// trap return restores: the 32 general registers, sstatus,
// sepc, plus the three fields the trampoline needs to get back into the
// kernel on the next trap — kernel satp, kernel stack top, and the
// trap-handler entry point.
type TrapContext struct {
	X           [32]uint64 // x[10..13] carry syscall args a0..a3, x[17] carries the syscall number, x[10] carries the return value
	Sstatus     uint64
	Sepc        uint64
	KernelSatp  uint64
	KernelSp    uint64
	TrapHandler uint64
}

// AppInitContext builds the TrapContext a freshly loaded user thread
// starts in: general registers zeroed except sp, SPP=User captured in
// sstatus, sepc at the entry point, and the three kernel-return fields
// wired to the owning hart's trampoline/kernel-stack state.
func AppInitContext(entry, userSp, kernelSatp, kernelSp, trapHandler uint64) *TrapContext {
	tc := &TrapContext{
		Sepc:        entry,
		KernelSatp:  kernelSatp,
		KernelSp:    kernelSp,
		TrapHandler: trapHandler,
	}
	tc.X[2] = userSp
	return tc
}

// TaskContext is the callee-saved register set a cooperative thread
// switch (not a trap) swaps, i.e. what a hart's scheduler loop saves
// before parking a thread and restores before resuming one.
type TaskContext struct {
	Ra  uint64
	Sp  uint64
	S   [12]uint64 // s0..s11
}

// GotoRestore builds the TaskContext a newly created thread's first
// dispatch resumes into: return address pointed at the trap-return path,
// stack pointer at the top of its kernel stack.
func GotoRestore(kernelSp, trapReturnEntry uint64) *TaskContext {
	return &TaskContext{Ra: trapReturnEntry, Sp: kernelSp}
}

// Cause enumerates the trap causes this kernel's dispatch recognizes.
type Cause int

const (
	CauseUserEcall Cause = iota
	CauseStoreFault
	CauseStorePageFault
	CauseInstructionFault
	CauseInstructionPageFault
	CauseLoadFault
	CauseLoadPageFault
	CauseIllegalInstruction
	CauseSupervisorTimer
	CauseOther
)

// Outcome tells the caller (a hart's run loop) what trap dispatch decided
// should happen next.
type Outcome int

const (
	ContinueRunning Outcome = iota // syscall handled; resume same thread if still runnable
	RaiseSignal                    // a fault signal was queued on the current thread
	Yield                          // a timer interrupt fired; scheduler should preempt
)

// SyscallFunc dispatches one syscall, given its number and the four
// argument words in a0..a3, returning the raw value to place in a0.
type SyscallFunc func(num uint64, args [4]uint64) uint64

// Handle implements the trap dispatch table: a user ecall steps sepc
// past the ecall instruction and calls into fn, a page/access/
// instruction fault raises SIGSEGV, an illegal instruction raises
// SIGILL, a supervisor timer interrupt requests a Yield, and anything
// else panics — this kernel never expects a trap from its own
// supervisor-mode code other than the timer and has no recovery path
// for one.
func Handle(hart int, cause Cause, stval uint64, tc *TrapContext, fn SyscallFunc) (Outcome, defs.Signal) {
	switch cause {
	case CauseUserEcall:
		tc.Sepc += 4
		args := [4]uint64{tc.X[10], tc.X[11], tc.X[12], tc.X[13]}
		tc.X[10] = fn(tc.X[17], args)
		return ContinueRunning, defs.SIGNONE
	case CauseStoreFault, CauseStorePageFault, CauseInstructionFault,
		CauseInstructionPageFault, CauseLoadFault, CauseLoadPageFault:
		return RaiseSignal, defs.SIGSEGV
	case CauseIllegalInstruction:
		return RaiseSignal, defs.SIGILL
	case CauseSupervisorTimer:
		return Yield, defs.SIGNONE
	default:
		panic(caller.NewPanicInfo(hart, "unexpected supervisor-mode trap").Error())
	}
}

// KernelFaultInfo describes a trap taken while the hart was already in
// supervisor mode. Any such exception is fatal, since this kernel has
// no recovery path for faulting its own code. Timer interrupts are the
// one supervisor-mode trap that is not fatal.
type KernelFaultInfo struct {
	Cause Cause
	Stval uint64
	Sepc  uint64
}

// HandleFromKernel routes a supervisor-mode trap: a timer returns
// without further action, anything else panics with diagnostics.
func HandleFromKernel(hart int, info KernelFaultInfo) {
	if info.Cause == CauseSupervisorTimer {
		return
	}
	pi := caller.NewPanicInfo(hart, "trap from kernel mode")
	pi.Reason = pi.Reason + ": " + causeString(info.Cause)
	panic(pi.Error())
}

func causeString(c Cause) string {
	switch c {
	case CauseUserEcall:
		return "user ecall"
	case CauseStoreFault:
		return "store fault"
	case CauseStorePageFault:
		return "store page fault"
	case CauseInstructionFault:
		return "instruction fault"
	case CauseInstructionPageFault:
		return "instruction page fault"
	case CauseLoadFault:
		return "load fault"
	case CauseLoadPageFault:
		return "load page fault"
	case CauseIllegalInstruction:
		return "illegal instruction"
	case CauseSupervisorTimer:
		return "supervisor timer"
	default:
		return "other"
	}
}

// TrampolineFrame is the fixed physical frame every address space maps
// its trampoline page onto. Nothing in this package consumes it:
// AppInitContext takes the kernel satp and trap-handler entry as plain
// words.
type TrampolineFrame struct {
	Ppn mem.Ppn_t
}
