// Package ksyscall wires the process, scheduler, and filesystem
// packages together into the syscall table. Its own state is limited to
// the Dispatcher's pid-to-program table and its deadlock-trip counter.
//
// This kernel has no instruction-level execution: a "user program" is a
// Go closure (UserProgram) that calls Dispatcher.Syscall directly, the
// host-testable stand-in for a compiled binary issuing ecalls.
// trap.Handle still models the ecall/fault/timer dispatch rules for
// whatever driver wants that level of fidelity; Syscall is what it
// calls into, and what a program can call directly without going
// through a TrapContext at all.
package ksyscall

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"rvsmp/defs"
	"rvsmp/limits"
	"rvsmp/ofile"
	"rvsmp/proc"
	"rvsmp/sched"
	"rvsmp/stat"
	"rvsmp/thread"
	"rvsmp/timer"
	"rvsmp/ustr"
	"rvsmp/vm"
)

// maxNameLen bounds how far readCString will walk into user memory before
// giving up when reading an argv string. Path names (exec/open/linkat/
// unlinkat, which are really just directory-entry names on this flat
// filesystem) are read with the tighter bound ustr.NameMax+1.
const maxNameLen = 256

// UserProgram is one process's simulated user-mode code. sysFork
// re-invokes the forking thread's registered UserProgram for the child's
// new thread, the closest equivalent this goroutine-based model has to a
// forked process resuming the same instruction stream.
type UserProgram func(d *Dispatcher, t *thread.TCB)

// Dispatcher implements the syscall table over a booted kernel's
// scheduler, process, and filesystem state. One Dispatcher exists per
// running kernel instance.
type Dispatcher struct {
	Mgr   *sched.Manager
	K     *proc.Kernel
	Init  *proc.Process
	Timer *timer.Wheel

	mu    sync.Mutex
	progs map[defs.Pid_t]UserProgram

	deadlockTrips atomic.Uint64
}

// DeadlockTrips reports how many lock/down requests the Banker's check
// has refused since boot, for the metrics exporter.
func (d *Dispatcher) DeadlockTrips() uint64 { return d.deadlockTrips.Load() }

// NewDispatcher builds a dispatcher over an already-booted kernel (see
// Boot for the usual way to get one).
func NewDispatcher(mgr *sched.Manager, k *proc.Kernel, init *proc.Process, wheel *timer.Wheel) *Dispatcher {
	return &Dispatcher{Mgr: mgr, K: k, Init: init, Timer: wheel, progs: make(map[defs.Pid_t]UserProgram)}
}

// RegisterProgram associates pid with the UserProgram its threads run,
// consulted by Fork to start the child's thread running the same code.
func (d *Dispatcher) RegisterProgram(pid defs.Pid_t, program UserProgram) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.progs[pid] = program
}

func (d *Dispatcher) program(pid defs.Pid_t) (UserProgram, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.progs[pid]
	return p, ok
}

func (d *Dispatcher) process(t *thread.TCB) *proc.Process {
	p, ok := d.Mgr.Pid2Process(t.Process.Pid())
	if !ok {
		panic("ksyscall: thread's process missing from pid2process")
	}
	return p
}

// parkUntil hands control back to t's hart immediately and runs wait in
// a background goroutine, re-enqueuing t once wait returns. This is the
// only safe way to implement a blocking syscall: calling a blocking
// primitive inline here would block inside the hart's Handoff.Resume
// call, and a hart's idle loop cannot return from Resume until the
// thread itself parks — so one contended mutex would freeze an entire
// hart forever. The thread suspends; the executing hart moves on.
func (d *Dispatcher) parkUntil(t *thread.TCB, wait func()) {
	go func() {
		wait()
		d.Mgr.WakeupTask(t)
	}()
	t.Handoff.Park(thread.OutcomeBlocked)
}

func retErr(e defs.Err_t) uint64 { return uint64(int64(e)) }

// readCString reads a NUL-terminated string starting at va, one
// translated byte at a time so a short string backed by a single mapped
// page never has to touch whatever lies beyond it.
func readCString(ms *vm.MemorySet_t, va uint64, max int) (string, error) {
	var out []byte
	var b [1]byte
	for i := 0; i < max; i++ {
		ub := vm.NewUserBuffer(ms, va+uint64(i), 1)
		if _, err := ub.Uioread(b[:]); err != nil {
			return "", err
		}
		if b[0] == 0 {
			return string(out), nil
		}
		out = append(out, b[0])
	}
	return "", errNameTooLong
}

var errNameTooLong = &nameTooLongError{}

type nameTooLongError struct{}

func (*nameTooLongError) Error() string { return "ksyscall: name exceeds maximum length" }

// readArgv reads a NUL-pointer-terminated vector of string pointers
// starting at va, each pointing at a NUL-terminated string.
func readArgv(ms *vm.MemorySet_t, va uint64) ([]string, error) {
	if va == 0 {
		return nil, nil
	}
	var argv []string
	for i := 0; ; i++ {
		var buf [8]byte
		ub := vm.NewUserBuffer(ms, va+uint64(i)*8, 8)
		if _, err := ub.Uioread(buf[:]); err != nil {
			return nil, err
		}
		ptr := binary.LittleEndian.Uint64(buf[:])
		if ptr == 0 {
			break
		}
		s, err := readCString(ms, ptr, maxNameLen)
		if err != nil {
			return nil, err
		}
		argv = append(argv, s)
	}
	return argv, nil
}

// Syscall dispatches syscall number num with argument words args (the
// a0..a3 ABI slots), returning the value a0 carries back.
// Every blocking syscall parks its own thread rather than the calling
// hart (see parkUntil).
func (d *Dispatcher) Syscall(t *thread.TCB, num uint64, args [4]uint64) uint64 {
	t.RecordSyscall(num)
	hart := t.Hart
	p := d.process(t)

	switch num {
	case defs.SysExit:
		became := p.ExitThread(hart, t.Tid(), int32(args[0]), d.Init)
		if became {
			d.Mgr.RemovePid2Process(p.Pid())
		}
		return 0

	case defs.SysYield:
		t.Handoff.Park(thread.OutcomeYield)
		return 0

	case defs.SysGetpid:
		return uint64(p.Pid())

	case defs.SysFork:
		return d.sysFork(hart, t, p)

	case defs.SysExec:
		return d.sysExec(hart, p, args)

	case defs.SysWaitpid:
		return d.sysWaitpid(hart, p, args)

	case defs.SysRead:
		return d.sysRead(p, args)

	case defs.SysWrite:
		return d.sysWrite(p, args)

	case defs.SysOpen:
		return d.sysOpen(p, args)

	case defs.SysClose:
		if err := p.CloseFD(int(args[0])); err != nil {
			return retErr(defs.EBADF)
		}
		return 0

	case defs.SysPipe:
		return d.sysPipe(p, args)

	case defs.SysDup:
		nfd, err := p.DupFD(int(args[0]))
		if err != nil {
			return retErr(defs.EBADF)
		}
		return uint64(nfd)

	case defs.SysFstat:
		return d.sysFstat(p, args)

	case defs.SysLinkat:
		return d.sysLinkat(p, args)

	case defs.SysUnlinkat:
		return d.sysUnlinkat(p, args)

	case defs.SysMmap:
		if err := p.MemorySet().Mmap(args[0], args[1], args[2]); err != nil {
			return retErr(defs.EINVAL)
		}
		return 0

	case defs.SysMunmap:
		if err := p.MemorySet().Munmap(args[0], args[1]); err != nil {
			return retErr(defs.EINVAL)
		}
		return 0

	case defs.SysSleep:
		deadline := time.Now().UnixMilli() + int64(args[0])
		d.Timer.AddTimer(deadline, t)
		t.Handoff.Park(thread.OutcomeBlocked)
		return 0

	case defs.SysMutexCreate:
		return uint64(p.MutexCreate(hart, args[0] != 0))

	case defs.SysMutexLock:
		id := int(args[0])
		var errCode defs.Err_t
		d.parkUntil(t, func() { errCode = p.MutexLock(hart, t.Tid(), id) })
		if errCode == defs.EDEADLK {
			d.deadlockTrips.Add(1)
		}
		return retErr(errCode)

	case defs.SysMutexUnlock:
		p.MutexUnlock(hart, t.Tid(), int(args[0]))
		return 0

	case defs.SysSemaphoreCreate:
		return uint64(p.SemaphoreCreate(hart, int(args[0])))

	case defs.SysSemaphoreUp:
		p.SemaphoreUp(hart, int(args[0]))
		return 0

	case defs.SysSemaphoreDown:
		id := int(args[0])
		var errCode defs.Err_t
		d.parkUntil(t, func() { errCode = p.SemaphoreDown(hart, t.Tid(), id) })
		if errCode == defs.EDEADLK {
			d.deadlockTrips.Add(1)
		}
		return retErr(errCode)

	case defs.SysCondvarCreate:
		return uint64(p.CondvarCreate(hart))

	case defs.SysCondvarSignal:
		p.CondvarSignal(hart, int(args[0]))
		return 0

	case defs.SysCondvarWait:
		condID, mutexID := int(args[0]), int(args[1])
		d.parkUntil(t, func() { p.CondvarWait(hart, condID, mutexID) })
		return 0

	case defs.SysEnableDeadlockDetect:
		switch args[0] {
		case 0:
			p.EnableDeadlockDetect(false)
			return 0
		case 1:
			p.EnableDeadlockDetect(true)
			return 0
		default:
			return retErr(defs.EINVAL)
		}

	case defs.SysSetPriority:
		prio := int(int64(args[0]))
		if prio < limits.MinPriority {
			return retErr(defs.EINVAL)
		}
		t.Priority = prio
		return uint64(prio)

	case defs.SysKill:
		return d.sysKill(args)

	default:
		return retErr(defs.EFAIL)
	}
}

func (d *Dispatcher) sysFork(hart int, t *thread.TCB, p *proc.Process) uint64 {
	child, err := p.Fork(hart)
	if err != nil {
		return retErr(defs.EFAIL)
	}
	d.Mgr.InsertPid2Process(child.Pid(), child)
	childThread := child.Threads()[0]

	if program, ok := d.program(p.Pid()); ok {
		d.RegisterProgram(child.Pid(), program)
		childThread.Handoff.Start(func() { program(d, childThread) })
	}
	d.Mgr.AddTask(childThread)
	return uint64(child.Pid())
}

func (d *Dispatcher) sysExec(hart int, p *proc.Process, args [4]uint64) uint64 {
	ms := p.MemorySet()
	name, err := readCString(ms, args[0], ustr.NameMax+1)
	if err != nil {
		return retErr(defs.EFAIL)
	}
	argv, err := readArgv(ms, args[1])
	if err != nil {
		return retErr(defs.EFAIL)
	}
	u, err := ustr.MkUstr(name)
	if err != nil {
		return retErr(defs.EINVAL)
	}
	root := d.K.FS.RootInode()
	n, err := root.Find(u)
	if err != nil {
		return retErr(defs.ENOENT)
	}
	data := make([]byte, n.Size())
	if _, err := n.ReadAt(0, data); err != nil {
		return retErr(defs.EFAIL)
	}
	loader := proc.FlatLoader{Base: userTextBase, Data: data}
	if err := p.Exec(hart, loader, argv); err != nil {
		return retErr(defs.EFAIL)
	}
	return uint64(len(argv))
}

func (d *Dispatcher) sysWaitpid(hart int, p *proc.Process, args [4]uint64) uint64 {
	pid := defs.Pid_t(int64(args[0]))
	foundPid, exitCode := p.Waitpid(hart, pid)
	if foundPid > 0 {
		if args[1] != 0 {
			var buf [4]byte
			binary.LittleEndian.PutUint32(buf[:], uint32(exitCode))
			ub := vm.NewUserBuffer(p.MemorySet(), args[1], 4)
			ub.Uiowrite(buf[:])
		}
		d.Mgr.RemovePid2Process(foundPid)
	}
	return uint64(int64(foundPid))
}

func (d *Dispatcher) sysRead(p *proc.Process, args [4]uint64) uint64 {
	f, ok := p.FD(int(args[0]))
	if !ok {
		return retErr(defs.EBADF)
	}
	if !f.Readable() {
		return retErr(defs.ENOTREAD)
	}
	buf := make([]byte, args[2])
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		return retErr(defs.EFAIL)
	}
	ub := vm.NewUserBuffer(p.MemorySet(), args[1], n)
	if _, err := ub.Uiowrite(buf[:n]); err != nil {
		return retErr(defs.EFAIL)
	}
	return uint64(n)
}

func (d *Dispatcher) sysWrite(p *proc.Process, args [4]uint64) uint64 {
	f, ok := p.FD(int(args[0]))
	if !ok || !f.Writable() {
		return retErr(defs.EBADF)
	}
	buf := make([]byte, args[2])
	ub := vm.NewUserBuffer(p.MemorySet(), args[1], len(buf))
	if _, err := ub.Uioread(buf); err != nil {
		return retErr(defs.EFAIL)
	}
	n, err := f.Write(buf)
	if err != nil && n == 0 {
		return retErr(defs.EFAIL)
	}
	return uint64(n)
}

func (d *Dispatcher) sysOpen(p *proc.Process, args [4]uint64) uint64 {
	name, err := readCString(p.MemorySet(), args[0], ustr.NameMax+1)
	if err != nil {
		return retErr(defs.EFAIL)
	}
	u, err := ustr.MkUstr(name)
	if err != nil {
		return retErr(defs.EINVAL)
	}
	flags := int(args[1])
	root := d.K.FS.RootInode()
	n, err := root.Find(u)
	if err != nil {
		if flags&defs.O_CREAT == 0 {
			return retErr(defs.ENOENT)
		}
		n, err = root.Create(u, defs.KindFile)
		if err != nil {
			return retErr(defs.EFAIL)
		}
	}
	of, err := ofile.OpenInode(n, flags)
	if err != nil {
		return retErr(defs.EFAIL)
	}
	fd, err := p.AllocFD(of)
	if err != nil {
		return retErr(defs.EFAIL)
	}
	return uint64(fd)
}

func (d *Dispatcher) sysPipe(p *proc.Process, args [4]uint64) uint64 {
	r, w := ofile.MakePipe()
	rfd, err := p.AllocFD(r)
	if err != nil {
		return retErr(defs.EFAIL)
	}
	wfd, err := p.AllocFD(w)
	if err != nil {
		return retErr(defs.EFAIL)
	}
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(rfd))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(wfd))
	ub := vm.NewUserBuffer(p.MemorySet(), args[0], 16)
	if _, err := ub.Uiowrite(buf[:]); err != nil {
		return retErr(defs.EFAIL)
	}
	return 0
}

func (d *Dispatcher) sysFstat(p *proc.Process, args [4]uint64) uint64 {
	f, ok := p.FD(int(args[0]))
	if !ok {
		return retErr(defs.EBADF)
	}
	var st stat.Stat_t
	if err := f.Stat(&st); err != nil {
		return retErr(defs.EFAIL)
	}
	var buf [16]byte
	binary.LittleEndian.PutUint32(buf[0:4], st.Dev())
	binary.LittleEndian.PutUint32(buf[4:8], st.Ino())
	binary.LittleEndian.PutUint32(buf[8:12], st.Mode())
	binary.LittleEndian.PutUint32(buf[12:16], st.Nlink())
	ub := vm.NewUserBuffer(p.MemorySet(), args[1], 16)
	if _, err := ub.Uiowrite(buf[:]); err != nil {
		return retErr(defs.EFAIL)
	}
	return 0
}

func (d *Dispatcher) sysLinkat(p *proc.Process, args [4]uint64) uint64 {
	ms := p.MemorySet()
	oldName, err := readCString(ms, args[0], ustr.NameMax+1)
	if err != nil {
		return retErr(defs.EFAIL)
	}
	newName, err := readCString(ms, args[1], ustr.NameMax+1)
	if err != nil {
		return retErr(defs.EFAIL)
	}
	if oldName == newName {
		return retErr(defs.EINVAL)
	}
	oldU, err := ustr.MkUstr(oldName)
	if err != nil {
		return retErr(defs.EINVAL)
	}
	newU, err := ustr.MkUstr(newName)
	if err != nil {
		return retErr(defs.EINVAL)
	}
	if err := d.K.FS.RootInode().Link(oldU, newU); err != nil {
		return retErr(defs.EFAIL)
	}
	return 0
}

func (d *Dispatcher) sysUnlinkat(p *proc.Process, args [4]uint64) uint64 {
	name, err := readCString(p.MemorySet(), args[0], ustr.NameMax+1)
	if err != nil {
		return retErr(defs.EFAIL)
	}
	u, err := ustr.MkUstr(name)
	if err != nil {
		return retErr(defs.EINVAL)
	}
	if err := d.K.FS.RootInode().Unlink(u); err != nil {
		return retErr(defs.EFAIL)
	}
	return 0
}

func (d *Dispatcher) sysKill(args [4]uint64) uint64 {
	pid := defs.Pid_t(int64(args[0]))
	target, ok := d.Mgr.Pid2Process(pid)
	if !ok {
		return retErr(defs.EFAIL)
	}
	sig := defs.Signal(args[1])
	switch sig {
	case defs.SIGSEGV, defs.SIGILL, defs.SIGKILL, defs.SIGNONE:
	default:
		return retErr(defs.EINVAL)
	}
	target.RaiseSignal(sig)
	return 0
}
