package proc

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rvsmp/defs"
	"rvsmp/mem"
	"rvsmp/ofile"
	"rvsmp/thread"
	"rvsmp/vm"
)

const testTextBase = 0x1000

func testKernel(t *testing.T) *Kernel {
	t.Helper()
	alloc := mem.NewAllocator(1024, 0x80000)
	tramp, err := alloc.Alloc()
	require.NoError(t, err)
	return &Kernel{
		Alloc:            alloc,
		Pids:             NewPidAllocator(),
		TrampolinePpn:    tramp.Ppn(),
		KernelSatp:       uint64(8)<<60 | 0x80000,
		TrapHandlerEntry: uint64(vm.TrampolineVpn) << vm.PageShiftBits,
	}
}

func testProcess(t *testing.T) (*Kernel, *Process, *thread.TCB) {
	t.Helper()
	k := testKernel(t)
	loader := FlatLoader{Base: testTextBase, Data: []byte{0x13, 0x00, 0x00, 0x00}}
	p, tcb, err := NewInitProcess(k, loader, 2)
	require.NoError(t, err)
	return k, p, tcb
}

func TestNewInitProcess(t *testing.T) {
	_, p, tcb := testProcess(t)
	assert.EqualValues(t, 1, p.Pid())
	require.NotNil(t, tcb.Res)
	assert.EqualValues(t, 0, tcb.Tid())
	assert.Equal(t, uint64(testTextBase), tcb.TrapCx.Sepc)
	assert.Equal(t, tcb.Res.UserStackTop, tcb.TrapCx.X[2])
	assert.Same(t, tcb, p.Thread(0))
}

func TestPidAllocatorIsSequential(t *testing.T) {
	a := NewPidAllocator()
	assert.EqualValues(t, 1, a.Alloc())
	assert.EqualValues(t, 2, a.Alloc())
	assert.EqualValues(t, 3, a.Alloc())
}

func TestFDTableReusesFirstHole(t *testing.T) {
	_, p, _ := testProcess(t)
	r, w := ofile.MakePipe()

	fd0, err := p.AllocFD(r)
	require.NoError(t, err)
	fd1, err := p.AllocFD(w)
	require.NoError(t, err)
	assert.Equal(t, 0, fd0)
	assert.Equal(t, 1, fd1)

	require.NoError(t, p.CloseFD(fd0))
	_, ok := p.FD(fd0)
	assert.False(t, ok)

	r2, _ := ofile.MakePipe()
	fd2, err := p.AllocFD(r2)
	require.NoError(t, err)
	assert.Equal(t, fd0, fd2, "freed slot is reused first")
}

func TestDupSharesTheOpenFile(t *testing.T) {
	_, p, _ := testProcess(t)
	r, _ := ofile.MakePipe()
	fd, err := p.AllocFD(r)
	require.NoError(t, err)

	dup, err := p.DupFD(fd)
	require.NoError(t, err)
	orig, _ := p.FD(fd)
	clone, _ := p.FD(dup)
	assert.Same(t, orig, clone)

	_, err = p.DupFD(99)
	assert.Error(t, err)
}

func TestSignalPendingAndMask(t *testing.T) {
	_, p, _ := testProcess(t)
	_, any := p.PendingUnmasked()
	assert.False(t, any)

	p.RaiseSignal(defs.SIGSEGV)
	sig, any := p.PendingUnmasked()
	assert.True(t, any)
	assert.Equal(t, defs.SIGSEGV, sig)

	p.ClearSignal(defs.SIGSEGV)
	_, any = p.PendingUnmasked()
	assert.False(t, any)
}

func TestAccessReentryFromSameHartPanics(t *testing.T) {
	_, p, _ := testProcess(t)
	release := p.Access(3)
	assert.Panics(t, func() { p.Access(3) })
	release()

	// after release the same hart may enter again
	release = p.Access(3)
	release()
}

func TestForkClonesStateAndClearsSignals(t *testing.T) {
	_, p, tcb := testProcess(t)
	r, _ := ofile.MakePipe()
	fd, err := p.AllocFD(r)
	require.NoError(t, err)

	// leave a recognizable byte in the parent's user memory
	ub := vm.NewUserBuffer(p.MemorySet(), testTextBase, 1)
	_, err = ub.Uiowrite([]byte{0x77})
	require.NoError(t, err)

	p.RaiseSignal(defs.SIGILL)
	tcb.TrapCx.X[10] = 1234

	child, err := p.Fork(0)
	require.NoError(t, err)
	assert.Contains(t, p.Children(), child)

	ct := child.Thread(0)
	require.NotNil(t, ct)
	assert.EqualValues(t, 0, ct.TrapCx.X[10], "fork returns 0 in the child")
	assert.Equal(t, tcb.TrapCx.Sepc, ct.TrapCx.Sepc)

	// fd table is shared by object identity
	pf, _ := p.FD(fd)
	cf, _ := child.FD(fd)
	assert.Same(t, pf, cf)

	// pending signals stay with the parent only
	_, any := child.PendingUnmasked()
	assert.False(t, any)
	sig, any := p.PendingUnmasked()
	assert.True(t, any)
	assert.Equal(t, defs.SIGILL, sig)

	// the address space is a deep copy: mutate the parent, child keeps its view
	ub = vm.NewUserBuffer(p.MemorySet(), testTextBase, 1)
	_, err = ub.Uiowrite([]byte{0x11})
	require.NoError(t, err)
	got := make([]byte, 1)
	ub2 := vm.NewUserBuffer(child.MemorySet(), testTextBase, 1)
	_, err = ub2.Uioread(got)
	require.NoError(t, err)
	assert.EqualValues(t, 0x77, got[0])
}

func TestExitThreadTurnsProcessZombieAndReparents(t *testing.T) {
	_, initProc, _ := testProcess(t)

	k2 := initProc.k
	loader := FlatLoader{Base: testTextBase, Data: []byte{0x13}}
	p, _, err := NewInitProcess(k2, loader, 2)
	require.NoError(t, err)
	grandchild, err := p.Fork(0)
	require.NoError(t, err)

	became := p.ExitThread(0, 0, 42, initProc)
	assert.True(t, became)
	assert.True(t, p.IsZombie())
	assert.EqualValues(t, 42, p.ExitCode())
	assert.Empty(t, p.Children())
	assert.Contains(t, initProc.Children(), grandchild)
	assert.Same(t, initProc, grandchild.parent)
}

func TestWaitpidContract(t *testing.T) {
	_, p, _ := testProcess(t)

	pid, _ := p.Waitpid(0, -1)
	assert.EqualValues(t, -1, pid, "no children at all")

	child, err := p.Fork(0)
	require.NoError(t, err)
	pid, _ = p.Waitpid(0, -1)
	assert.EqualValues(t, -2, pid, "child exists but has not exited")

	child.ExitThread(1, 0, 7, nil)
	pid, ec := p.Waitpid(0, -1)
	assert.Equal(t, child.Pid(), pid)
	assert.EqualValues(t, 7, ec)

	pid, _ = p.Waitpid(0, -1)
	assert.EqualValues(t, -1, pid, "already reaped")
}

func TestWaitpidSpecificPid(t *testing.T) {
	_, p, _ := testProcess(t)
	c1, err := p.Fork(0)
	require.NoError(t, err)
	c2, err := p.Fork(0)
	require.NoError(t, err)

	c2.ExitThread(1, 0, 9, nil)
	pid, _ := p.Waitpid(0, c1.Pid())
	assert.EqualValues(t, -2, pid, "requested child is still alive")

	pid, ec := p.Waitpid(0, c2.Pid())
	assert.Equal(t, c2.Pid(), pid)
	assert.EqualValues(t, 9, ec)
}

func TestExecReplacesImageAndPushesArgv(t *testing.T) {
	_, p, tcb := testProcess(t)
	newProgram := FlatLoader{Base: testTextBase, Data: []byte{0x93, 0x00, 0x00, 0x00}}

	require.NoError(t, p.Exec(0, newProgram, []string{"hello", "world"}))

	assert.EqualValues(t, 2, tcb.TrapCx.X[10], "argc lands in a0")
	assert.Equal(t, uint64(testTextBase), tcb.TrapCx.Sepc)

	// walk the argv vector the way a fresh user program would
	sp := tcb.TrapCx.X[2]
	ptrBuf := make([]byte, 8)
	readWord := func(va uint64) uint64 {
		ub := vm.NewUserBuffer(p.MemorySet(), va, 8)
		_, err := ub.Uioread(ptrBuf)
		require.NoError(t, err)
		return binary.LittleEndian.Uint64(ptrBuf)
	}
	readString := func(va uint64) string {
		var out []byte
		for {
			b := make([]byte, 1)
			ub := vm.NewUserBuffer(p.MemorySet(), va+uint64(len(out)), 1)
			_, err := ub.Uioread(b)
			require.NoError(t, err)
			if b[0] == 0 {
				return string(out)
			}
			out = append(out, b[0])
		}
	}
	assert.Equal(t, "hello", readString(readWord(sp)))
	assert.Equal(t, "world", readString(readWord(sp+8)))
	assert.Zero(t, readWord(sp+16), "argv vector is NULL-terminated")
}
