package ksyscall

import (
	"bytes"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rvsmp/defs"
	"rvsmp/fs"
	"rvsmp/thread"
	"rvsmp/vm"
)

const (
	scratch = uint64(0x10000000)
	nameA   = scratch
	nameB   = scratch + 32
	dataOff = scratch + 64
	outOff  = scratch + 2048
	ecOff   = scratch + 3968
)

func bootTest(t *testing.T, harts int, prog UserProgram) *System {
	t.Helper()
	sys, err := Boot(BootOptions{
		NumHarts:    harts,
		MemFrames:   4096,
		Disk:        fs.NewMemDisk(4096),
		Format:      true,
		TotalBlocks: 4096,
		InodeCount:  64,
		InitProgram: prog,
	})
	require.NoError(t, err)
	return sys
}

// drive runs every hart's idle loop and the timer pump until all
// processes have exited, failing the test on timeout.
func drive(t *testing.T, sys *System, timeout time.Duration) {
	t.Helper()
	stop := make(chan struct{})
	defer close(stop)
	for i := 0; i < sys.Mgr.NumHarts(); i++ {
		h := sys.Mgr.Hart(i)
		go func() {
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
		}()
	}
	deadline := time.Now().Add(timeout)
	for sys.Mgr.LiveProcesses() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("workload did not finish in time")
		}
		sys.PumpTimers(time.Now().UnixMilli())
		time.Sleep(time.Millisecond)
	}
}

// userPoke writes b into the calling process's memory at va; the
// simulated equivalent of user code initializing a buffer before a
// syscall.
func userPoke(d *Dispatcher, t *thread.TCB, va uint64, b []byte) {
	p, ok := d.Mgr.Pid2Process(t.Process.Pid())
	if !ok {
		panic("no process for poking thread")
	}
	ub := vm.NewUserBuffer(p.MemorySet(), va, len(b))
	if _, err := ub.Uiowrite(b); err != nil {
		panic(err)
	}
}

func userPeek(d *Dispatcher, t *thread.TCB, va uint64, n int) []byte {
	p, ok := d.Mgr.Pid2Process(t.Process.Pid())
	if !ok {
		panic("no process for peeking thread")
	}
	got := make([]byte, n)
	ub := vm.NewUserBuffer(p.MemorySet(), va, n)
	if _, err := ub.Uioread(got); err != nil {
		panic(err)
	}
	return got
}

// Create a 1000-byte file through one name, hard-link a second name,
// unlink the first, and read everything back through the survivor.
func TestHardLinkSurvivesUnlinkEndToEnd(t *testing.T) {
	result := make(chan []byte, 1)
	nlink := make(chan uint32, 1)

	sys := bootTest(t, 2, func(d *Dispatcher, tcb *thread.TCB) {
		d.Syscall(tcb, defs.SysMmap, [4]uint64{scratch, 8192, 3})
		userPoke(d, tcb, nameA, []byte("a\x00"))
		userPoke(d, tcb, nameB, []byte("b\x00"))
		userPoke(d, tcb, dataOff, bytes.Repeat([]byte{0xAA}, 1000))

		fd := d.Syscall(tcb, defs.SysOpen, [4]uint64{nameA, defs.O_CREAT | defs.O_RDWR})
		d.Syscall(tcb, defs.SysWrite, [4]uint64{fd, dataOff, 1000})
		d.Syscall(tcb, defs.SysLinkat, [4]uint64{nameA, nameB})
		d.Syscall(tcb, defs.SysClose, [4]uint64{fd})
		d.Syscall(tcb, defs.SysUnlinkat, [4]uint64{nameA})

		fd = d.Syscall(tcb, defs.SysOpen, [4]uint64{nameB, defs.O_RDWR})
		read := d.Syscall(tcb, defs.SysRead, [4]uint64{fd, outOff, 1000})
		d.Syscall(tcb, defs.SysFstat, [4]uint64{fd, ecOff})
		st := userPeek(d, tcb, ecOff, 16)
		nlink <- uint32(st[12]) | uint32(st[13])<<8 | uint32(st[14])<<16 | uint32(st[15])<<24
		result <- userPeek(d, tcb, outOff, int(read))
		d.Syscall(tcb, defs.SysClose, [4]uint64{fd})
		d.Syscall(tcb, defs.SysExit, [4]uint64{0})
	})
	drive(t, sys, 10*time.Second)

	got := <-result
	require.Len(t, got, 1000)
	assert.Equal(t, bytes.Repeat([]byte{0xAA}, 1000), got)
	assert.EqualValues(t, 1, <-nlink, "only the surviving link remains")

	// only the surviving name is left in the root directory
	u, _ := sys.FS.RootInode().Ls()
	require.Len(t, u, 1)
	assert.Equal(t, "b", u[0].String())
}

// Fork three children that sleep 50/100/150 ms; waitpid(-1) three times
// must reap them in time order.
func TestForkSleepWaitpidOrder(t *testing.T) {
	order := make(chan defs.Pid_t, 3)

	sys := bootTest(t, 4, func(d *Dispatcher, tcb *thread.TCB) {
		pid := d.Syscall(tcb, defs.SysGetpid, [4]uint64{})
		if pid != 1 {
			// children: pid 2 sleeps 50ms, 3 sleeps 100ms, 4 sleeps 150ms
			d.Syscall(tcb, defs.SysSleep, [4]uint64{(pid - 1) * 50})
			d.Syscall(tcb, defs.SysExit, [4]uint64{pid})
			return
		}
		d.Syscall(tcb, defs.SysMmap, [4]uint64{scratch, 4096, 3})
		for i := 0; i < 3; i++ {
			d.Syscall(tcb, defs.SysFork, [4]uint64{})
		}
		for reaped := 0; reaped < 3; {
			w := int64(d.Syscall(tcb, defs.SysWaitpid, [4]uint64{^uint64(0), ecOff}))
			if w == int64(defs.ENOCHILD) {
				d.Syscall(tcb, defs.SysYield, [4]uint64{})
				continue
			}
			if w < 0 {
				break
			}
			order <- defs.Pid_t(w)
			reaped++
		}
		d.Syscall(tcb, defs.SysExit, [4]uint64{0})
	})
	drive(t, sys, 10*time.Second)

	var got []defs.Pid_t
	for i := 0; i < 3; i++ {
		got = append(got, <-order)
	}
	assert.Equal(t, []defs.Pid_t{2, 3, 4}, got)
}

func TestPipeAndDupAcrossSyscalls(t *testing.T) {
	carried := make(chan []byte, 1)

	sys := bootTest(t, 1, func(d *Dispatcher, tcb *thread.TCB) {
		d.Syscall(tcb, defs.SysMmap, [4]uint64{scratch, 4096, 3})
		d.Syscall(tcb, defs.SysPipe, [4]uint64{scratch})
		fds := userPeek(d, tcb, scratch, 16)
		rfd := uint64(fds[0])
		wfd := uint64(fds[8])

		// dup the write end and write through the clone
		wdup := d.Syscall(tcb, defs.SysDup, [4]uint64{wfd})
		userPoke(d, tcb, dataOff, []byte("plumbed"))
		d.Syscall(tcb, defs.SysWrite, [4]uint64{wdup, dataOff, 7})

		read := d.Syscall(tcb, defs.SysRead, [4]uint64{rfd, outOff, 32})
		carried <- userPeek(d, tcb, outOff, int(read))
		d.Syscall(tcb, defs.SysExit, [4]uint64{0})
	})
	drive(t, sys, 10*time.Second)
	assert.Equal(t, "plumbed", string(<-carried))
}

// The mmap/munmap contract at the syscall boundary, including the
// post-munmap access failure a real load would take a page fault on.
func TestMmapMunmapSyscallContract(t *testing.T) {
	type probe struct {
		mmapOK      bool
		badPort     int64
		overlap     int64
		partial     int64
		munmapOK    bool
		afterAccess bool // whether user access still works after munmap
	}
	got := make(chan probe, 1)

	sys := bootTest(t, 1, func(d *Dispatcher, tcb *thread.TCB) {
		var pr probe
		pr.mmapOK = d.Syscall(tcb, defs.SysMmap, [4]uint64{scratch, 8192, 3}) == 0
		pr.badPort = int64(d.Syscall(tcb, defs.SysMmap, [4]uint64{scratch + 0x10000, 4096, 8}))
		pr.overlap = int64(d.Syscall(tcb, defs.SysMmap, [4]uint64{scratch + 4096, 4096, 3}))
		pr.partial = int64(d.Syscall(tcb, defs.SysMunmap, [4]uint64{scratch, 4096}))

		userPoke(d, tcb, scratch, []byte{1})
		pr.munmapOK = d.Syscall(tcb, defs.SysMunmap, [4]uint64{scratch, 8192}) == 0

		p, _ := d.Mgr.Pid2Process(tcb.Process.Pid())
		ub := vm.NewUserBuffer(p.MemorySet(), scratch, 1)
		_, err := ub.Uioread(make([]byte, 1))
		pr.afterAccess = err == nil

		got <- pr
		d.Syscall(tcb, defs.SysExit, [4]uint64{0})
	})
	drive(t, sys, 10*time.Second)

	pr := <-got
	assert.True(t, pr.mmapOK)
	assert.EqualValues(t, -1, pr.badPort)
	assert.EqualValues(t, -1, pr.overlap)
	assert.EqualValues(t, -1, pr.partial)
	assert.True(t, pr.munmapOK)
	assert.False(t, pr.afterAccess, "the unmapped range must fault")
}

func TestSyscallErrorPaths(t *testing.T) {
	type codes struct {
		badClose, badDup, badArg, badPrio, badKill int64
	}
	got := make(chan codes, 1)

	sys := bootTest(t, 1, func(d *Dispatcher, tcb *thread.TCB) {
		var c codes
		c.badClose = int64(d.Syscall(tcb, defs.SysClose, [4]uint64{55}))
		c.badDup = int64(d.Syscall(tcb, defs.SysDup, [4]uint64{55}))
		c.badArg = int64(d.Syscall(tcb, defs.SysEnableDeadlockDetect, [4]uint64{2}))
		c.badPrio = int64(d.Syscall(tcb, defs.SysSetPriority, [4]uint64{1}))
		c.badKill = int64(d.Syscall(tcb, defs.SysKill, [4]uint64{999, uint64(defs.SIGKILL)}))
		got <- c
		d.Syscall(tcb, defs.SysExit, [4]uint64{0})
	})
	drive(t, sys, 10*time.Second)

	c := <-got
	assert.EqualValues(t, -1, c.badClose)
	assert.EqualValues(t, -1, c.badDup)
	assert.EqualValues(t, -1, c.badArg)
	assert.EqualValues(t, -1, c.badPrio)
	assert.EqualValues(t, -1, c.badKill)
}

func TestSetPriorityAndYield(t *testing.T) {
	got := make(chan int64, 1)
	sys := bootTest(t, 1, func(d *Dispatcher, tcb *thread.TCB) {
		d.Syscall(tcb, defs.SysYield, [4]uint64{})
		got <- int64(d.Syscall(tcb, defs.SysSetPriority, [4]uint64{16}))
		d.Syscall(tcb, defs.SysExit, [4]uint64{0})
	})
	drive(t, sys, 10*time.Second)
	assert.EqualValues(t, 16, <-got)
}

func TestKillMarksSignalPending(t *testing.T) {
	observed := make(chan defs.Signal, 1)
	sys := bootTest(t, 1, func(d *Dispatcher, tcb *thread.TCB) {
		d.Syscall(tcb, defs.SysKill, [4]uint64{uint64(tcb.Process.Pid()), uint64(defs.SIGILL)})
		p, _ := d.Mgr.Pid2Process(tcb.Process.Pid())
		sig, _ := p.PendingUnmasked()
		observed <- sig
		d.Syscall(tcb, defs.SysExit, [4]uint64{0})
	})
	drive(t, sys, 10*time.Second)
	assert.Equal(t, defs.SIGILL, <-observed)
}

func TestExecLoadsProgramFromDisk(t *testing.T) {
	type outcome struct {
		argc  int64
		first byte
	}
	got := make(chan outcome, 1)

	sys := bootTest(t, 1, func(d *Dispatcher, tcb *thread.TCB) {
		d.Syscall(tcb, defs.SysMmap, [4]uint64{scratch, 8192, 3})
		userPoke(d, tcb, nameA, []byte("prog\x00"))
		userPoke(d, tcb, dataOff, []byte{0x93, 0x08, 0x00, 0x00})

		fd := d.Syscall(tcb, defs.SysOpen, [4]uint64{nameA, defs.O_CREAT | defs.O_RDWR})
		d.Syscall(tcb, defs.SysWrite, [4]uint64{fd, dataOff, 4})
		d.Syscall(tcb, defs.SysClose, [4]uint64{fd})

		// argv = {"prog", NULL}: pointer vector at outOff
		nameAVal := uint64(nameA)
		userPoke(d, tcb, outOff, []byte{
			byte(nameAVal), byte(nameAVal >> 8), byte(nameAVal >> 16), byte(nameAVal >> 24),
			0, 0, 0, 0,
			0, 0, 0, 0, 0, 0, 0, 0,
		})
		argc := int64(d.Syscall(tcb, defs.SysExec, [4]uint64{nameA, outOff}))

		p, _ := d.Mgr.Pid2Process(tcb.Process.Pid())
		body := make([]byte, 1)
		ub := vm.NewUserBuffer(p.MemorySet(), userTextBase, 1)
		ub.Uioread(body)
		got <- outcome{argc: argc, first: body[0]}
		d.Syscall(tcb, defs.SysExit, [4]uint64{0})
	})
	drive(t, sys, 10*time.Second)

	o := <-got
	assert.EqualValues(t, 1, o.argc)
	assert.EqualValues(t, 0x93, o.first, "new image is in place at the text base")
}

func TestDeadlockSentinelSurfacesThroughSyscall(t *testing.T) {
	// single-threaded self-deadlock: with detection on, locking a held
	// mutex from its own holder can never finish, so the Banker's check
	// refuses it
	got := make(chan int64, 1)
	sys := bootTest(t, 1, func(d *Dispatcher, tcb *thread.TCB) {
		d.Syscall(tcb, defs.SysEnableDeadlockDetect, [4]uint64{1})
		mid := d.Syscall(tcb, defs.SysMutexCreate, [4]uint64{1})
		d.Syscall(tcb, defs.SysMutexLock, [4]uint64{mid})
		got <- int64(d.Syscall(tcb, defs.SysMutexLock, [4]uint64{mid}))
		d.Syscall(tcb, defs.SysMutexUnlock, [4]uint64{mid})
		d.Syscall(tcb, defs.SysExit, [4]uint64{0})
	})
	drive(t, sys, 10*time.Second)
	assert.EqualValues(t, -0xDEAD, <-got)
	assert.EqualValues(t, 1, sys.Dispatcher.DeadlockTrips())
}

func TestBootSystemWiring(t *testing.T) {
	sys := bootTest(t, 2, nil)
	assert.Equal(t, 2, sys.NumHarts())
	assert.Positive(t, sys.FreeFrames())
	assert.Positive(t, sys.TotalFrames())
	assert.Equal(t, 1, sys.LiveProcesses())
	assert.Equal(t, 1, sys.LiveThreads())
	assert.Zero(t, sys.PendingTimers())

	hits, misses, _ := sys.CacheCounters()
	assert.NotZero(t, hits+misses, "formatting touched the cache")

	// the init thread sits on hart 0's queue until something drives it
	assert.Equal(t, 1, sys.ReadyQueueLen(0))
	assert.Zero(t, sys.IdleIterations(0))
	assert.EqualValues(t, 1, sys.Init.Pid())
}
