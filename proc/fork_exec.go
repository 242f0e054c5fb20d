package proc

import (
	"encoding/binary"
	"fmt"

	"rvsmp/defs"
	"rvsmp/thread"
	"rvsmp/trap"
	"rvsmp/vm"
)

// NewInitProcess builds the first process: a fresh address space with
// the trampoline mapped and one thread loaded from loader at the given
// priority.
func NewInitProcess(k *Kernel, loader Loader, priority int) (*Process, *thread.TCB, error) {
	ms, err := vm.NewMemorySet(k.Alloc)
	if err != nil {
		return nil, nil, err
	}
	ms.MapTrampoline(k.TrampolinePpn)

	p := newProcess(k, ms, nil)
	t, err := p.spawnThread(loader, priority)
	if err != nil {
		return nil, nil, err
	}
	return p, t, nil
}

// spawnThread loads a program into p's (already built) address space and
// installs its first thread's trap context and user stack.
func (p *Process) spawnThread(loader Loader, priority int) (*thread.TCB, error) {
	entry, err := loader.Load(p.memorySet)
	if err != nil {
		return nil, err
	}

	t := thread.New(p, nil, priority)
	tid := p.addThread(t)

	trapCxVA, err := p.memorySet.MapTrapContext(int(tid))
	if err != nil {
		return nil, err
	}
	userSp, err := p.memorySet.AllocUserStack(int(tid))
	if err != nil {
		return nil, err
	}
	t.Res.UserStackTop = userSp
	t.Res.TrapCxVA = trapCxVA

	t.TrapCx = trap.AppInitContext(entry, userSp, p.k.KernelSatp, 0, p.k.TrapHandlerEntry)
	// KernelSp/TaskCx.Sp are vestigial here: this kernel's "kernel stack"
	// is the thread's own goroutine stack, not a byte range a real switch
	// restores sp from. They are still populated so the TrapContext and
	// TaskContext keep their full register-block shapes.
	t.TaskCx = trap.GotoRestore(0, p.k.TrapHandlerEntry)
	return t, nil
}

// Fork clones the caller process: deep-copies the address space (Framed
// areas byte for byte, Identical areas by identity), shares the fd
// table, and starts a single child thread whose trap context is a copy
// of the caller's thread 0 with x10 (the return value) forced to 0. The
// child starts with an empty pending-signal set; the parent keeps its
// own.
func (p *Process) Fork(hart int) (*Process, error) {
	release := p.Access(hart)
	defer release()

	ms, err := vm.CopyUser(p.k.Alloc, p.memorySet)
	if err != nil {
		return nil, err
	}
	ms.MapTrampoline(p.k.TrampolinePpn)

	caller := p.threads[0]
	if caller == nil {
		return nil, fmt.Errorf("proc: fork with no live thread 0")
	}

	child := newProcess(p.k, ms, p)
	p.children = append(p.children, child)

	childThread := thread.New(child, &thread.Res{
		UserStackTop: caller.Res.UserStackTop,
		TrapCxVA:     caller.Res.TrapCxVA,
	}, caller.Priority)
	child.addThread(childThread)

	childTC := *caller.TrapCx
	childTC.X[10] = 0
	childThread.TrapCx = &childTC
	childThread.TaskCx = trap.GotoRestore(0, p.k.TrapHandlerEntry)

	child.fdTable = append(child.fdTable, p.fdTable...)

	return child, nil
}

// Exec replaces p's address space in place with a freshly loaded
// program, resetting its single surviving thread's user stack and trap
// context and pushing argv onto the new stack with argc in x10.
func (p *Process) Exec(hart int, loader Loader, argv []string) error {
	release := p.Access(hart)
	defer release()

	newMS, err := vm.NewMemorySet(p.k.Alloc)
	if err != nil {
		return err
	}
	newMS.MapTrampoline(p.k.TrampolinePpn)

	entry, err := loader.Load(newMS)
	if err != nil {
		return err
	}

	trapCxVA, err := newMS.MapTrapContext(0)
	if err != nil {
		return err
	}
	userSp, err := newMS.AllocUserStack(0)
	if err != nil {
		return err
	}

	argc, sp, err := pushArgv(newMS, userSp, argv)
	if err != nil {
		return err
	}

	old := p.memorySet
	p.memorySet = newMS
	old.Release()

	t := p.threads[0]
	t.Res = &thread.Res{UserStackTop: userSp, TrapCxVA: trapCxVA}
	t.TrapCx = trap.AppInitContext(entry, sp, p.k.KernelSatp, 0, p.k.TrapHandlerEntry)
	t.TrapCx.X[10] = uint64(argc)
	t.TaskCx = trap.GotoRestore(0, p.k.TrapHandlerEntry)

	return nil
}

// pushArgv writes argv onto a fresh user stack below top, highest
// string first, followed by a NULL-terminated vector of pointers to each
// string. It returns argc and the stack pointer argv[] starts at.
func pushArgv(ms *vm.MemorySet_t, top uint64, argv []string) (argc int, sp uint64, err error) {
	argc = len(argv)
	sp = top
	ptrs := make([]uint64, argc)
	for i := argc - 1; i >= 0; i-- {
		s := append([]byte(argv[i]), 0)
		sp -= uint64(len(s))
		sp &^= 0x7
		ub := vm.NewUserBuffer(ms, sp, len(s))
		if _, err := ub.Uiowrite(s); err != nil {
			return 0, 0, err
		}
		ptrs[i] = sp
	}
	sp -= uint64(argc+1) * 8
	sp &^= 0x7
	base := sp
	for i, pv := range ptrs {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], pv)
		ub := vm.NewUserBuffer(ms, base+uint64(i)*8, 8)
		if _, err := ub.Uiowrite(buf[:]); err != nil {
			return 0, 0, err
		}
	}
	// The final word (index argc) is the NULL terminator; freshly
	// allocated frames start zeroed so no write is needed for it.
	return argc, base, nil
}

// ExitThread records tid's exit code, releases its user resources, and —
// if tid was the process's last live thread — turns the whole process
// into a zombie, reparenting its children onto init. Returns true if the
// process became a zombie as a result.
func (p *Process) ExitThread(hart int, tid defs.Tid_t, exitCode int32, init *Process) bool {
	release := p.Access(hart)
	defer release()

	p.memorySet.ReleaseThreadRes(int(tid))
	p.removeThread(tid)

	if p.liveThreadCount() > 0 {
		return false
	}

	p.isZombie = true
	p.exitCode = exitCode

	if init != nil {
		for _, c := range p.children {
			func() {
				r := c.Access(hart)
				defer r()
				c.parent = init
			}()
			init.children = append(init.children, c)
		}
	}
	p.children = nil
	return true
}

// Waitpid implements the wait4-style contract: pid == -1 waits for any
// child; any other value waits for the exact pid. Returns the zombie
// child's pid and exit code and removes it from the parent's child list.
// foundPid is -1 if no matching child exists at all, -2 if a matching
// child exists but none is a zombie yet (caller should retry/block).
func (p *Process) Waitpid(hart int, pid defs.Pid_t) (foundPid defs.Pid_t, exitCode int32) {
	release := p.Access(hart)
	defer release()

	found := false
	for i, c := range p.children {
		if pid != -1 && c.Pid() != pid {
			continue
		}
		found = true
		if c.IsZombie() {
			p.children = append(p.children[:i], p.children[i+1:]...)
			return c.Pid(), c.ExitCode()
		}
	}
	if !found {
		return -1, 0
	}
	return -2, 0
}
