package ksyscall

import (
	"log/slog"

	"rvsmp/fs"
	"rvsmp/limits"
	"rvsmp/mem"
	"rvsmp/proc"
	"rvsmp/sched"
	"rvsmp/thread"
	"rvsmp/timer"
	"rvsmp/vm"
)

// userTextBase is the fixed VA a loaded program's text/data area starts
// at in every process's address space. There is no linker to place an
// entry point, so every FlatLoader in this kernel uses the same base.
const userTextBase = 0x1000

// satpModeSv39 is the fixed mode-field value the SV39 privileged-ISA
// encodes into satp's top four bits.
const satpModeSv39 = uint64(8) << 60

// kernelArenaStart is the physical page number the frame allocator's
// arena begins at — where a linker-provided end-of-kernel symbol would
// point on real hardware.
const kernelArenaStart = mem.Ppn_t(0x80000)

// BootOptions configures a freshly booted kernel instance.
type BootOptions struct {
	NumHarts    int
	MemFrames   int // physical frames the allocator manages
	Disk        fs.Disk
	Format      bool // true: fs.Format a fresh image; false: fs.Mount an existing one
	TotalBlocks int  // Format only
	InodeCount  int  // Format only

	InitPriority int // defaults to limits.MinPriority if 0
	InitProgram  UserProgram
}

// System bundles everything one booted kernel instance needs: the frame
// allocator, filesystem, scheduler, timer wheel, and syscall dispatcher.
// Every singleton is initialized here, explicitly, and never torn down.
type System struct {
	Alloc      *mem.Allocator_t
	FS         *fs.FileSystem
	KernelAS   *vm.MemorySet_t
	Kernel     *proc.Kernel
	Mgr        *sched.Manager
	Timer      *timer.Wheel
	Dispatcher *Dispatcher
	Init       *proc.Process
	InitThread *thread.TCB
}

// Boot assembles a runnable kernel instance: mounts or formats the
// filesystem, builds the frame allocator and kernel address space,
// derives KernelSatp from the kernel page table's root, constructs the
// scheduler and timer wheel, and spawns the init process's first thread
// onto hart 0.
func Boot(opts BootOptions) (*System, error) {
	var filesystem *fs.FileSystem
	var err error
	if opts.Format {
		filesystem, err = fs.Format(opts.Disk, opts.TotalBlocks, opts.InodeCount)
	} else {
		filesystem, err = fs.Mount(opts.Disk, limits.MaxBlocks)
	}
	if err != nil {
		return nil, err
	}
	freeInodes, freeData := filesystem.Stats()
	slog.Info("kernel: filesystem ready",
		"formatted", opts.Format, "free_inodes", freeInodes, "free_data_blocks", freeData)

	alloc := mem.NewAllocator(opts.MemFrames, kernelArenaStart)

	trampoline, err := alloc.Alloc()
	if err != nil {
		return nil, err
	}

	layout := vm.KernelLayout{
		FreeStart: uint64(kernelArenaStart) << mem.PageShift,
		FreeEnd:   uint64(kernelArenaStart+mem.Ppn_t(opts.MemFrames)) << mem.PageShift,
	}
	kernelAS, err := vm.NewKernel(alloc, layout, trampoline.Ppn())
	if err != nil {
		return nil, err
	}
	kernelSatp := satpModeSv39 | uint64(kernelAS.PageTable().RootPpn())

	k := &proc.Kernel{
		Alloc:         alloc,
		FS:            filesystem,
		Pids:          proc.NewPidAllocator(),
		TrampolinePpn: trampoline.Ppn(),
		KernelSatp:    kernelSatp,
		// No real trap-return assembly exists for a hosted simulation to
		// jump into; TrapHandlerEntry is carried only to keep TrapContext's
		// full register-block shape.
		TrapHandlerEntry: uint64(vm.TrampolineVpn) << vm.PageShiftBits,
	}

	priority := opts.InitPriority
	if priority == 0 {
		priority = limits.MinPriority
	}
	loader := proc.FlatLoader{Base: userTextBase}
	initProc, initThread, err := proc.NewInitProcess(k, loader, priority)
	if err != nil {
		return nil, err
	}

	mgr := sched.NewManager(opts.NumHarts)
	mgr.InsertPid2Process(initProc.Pid(), initProc)
	wheel := timer.New()
	disp := NewDispatcher(mgr, k, initProc, wheel)

	if opts.InitProgram != nil {
		disp.RegisterProgram(initProc.Pid(), opts.InitProgram)
		initThread.Handoff.Start(func() { opts.InitProgram(disp, initThread) })
	}
	mgr.AddTaskAtHart(0, initThread)
	slog.Info("kernel: init process spawned",
		"pid", initProc.Pid(), "harts", opts.NumHarts, "frames", opts.MemFrames)

	return &System{
		Alloc:      alloc,
		FS:         filesystem,
		KernelAS:   kernelAS,
		Kernel:     k,
		Mgr:        mgr,
		Timer:      wheel,
		Dispatcher: disp,
		Init:       initProc,
		InitThread: initThread,
	}, nil
}

// PumpTimers drains every timer due at or before nowMs, waking each
// thread it returns. Callers (cmd/kernel's main loop, or a test) must
// call this periodically — sleep only arms the timer and parks; the
// wheel itself is driven from the timer-interrupt path, never from
// inside the sleeping thread.
func (s *System) PumpTimers(nowMs int64) {
	for _, t := range s.Timer.CheckTimer(nowMs) {
		s.Mgr.WakeupTask(t)
	}
}
