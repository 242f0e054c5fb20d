package main

import (
	"log/slog"

	"rvsmp/defs"
	"rvsmp/ksyscall"
	"rvsmp/thread"
	"rvsmp/vm"
)

// Scratch layout for the demo workload's user memory: one mmap'd page
// holding the strings and buffers its syscalls point at.
const (
	scratchVA = uint64(0x10000000)

	nameVA    = scratchVA       // "journal\0"
	linkVA    = scratchVA + 32  // "ledger\0"
	dataVA    = scratchVA + 64  // write/read payload
	statVA    = scratchVA + 576 // fstat result
	ecVA      = scratchVA + 640 // waitpid exit-code slot
	payloadSz = 256
)

// demoProgram is the init process's simulated user code: it touches every
// major syscall family (memory, files, links, fork/wait, sleep, sync
// primitives) so a plain `kernel` run exercises the whole core. Forked
// children re-enter the same closure and take the non-init branch.
func demoProgram(detect bool) ksyscall.UserProgram {
	return func(d *ksyscall.Dispatcher, t *thread.TCB) {
		pid := d.Syscall(t, defs.SysGetpid, [4]uint64{})
		if pid != 1 {
			d.Syscall(t, defs.SysSleep, [4]uint64{pid * 30})
			d.Syscall(t, defs.SysExit, [4]uint64{pid})
			return
		}

		if d.Syscall(t, defs.SysMmap, [4]uint64{scratchVA, 4096, 3}) != 0 {
			slog.Error("demo: mmap failed")
			d.Syscall(t, defs.SysExit, [4]uint64{1})
			return
		}
		p, _ := d.Mgr.Pid2Process(t.Process.Pid())
		ms := p.MemorySet()
		put := func(va uint64, b []byte) {
			ub := vm.NewUserBuffer(ms, va, len(b))
			if _, err := ub.Uiowrite(b); err != nil {
				panic(err)
			}
		}
		put(nameVA, []byte("journal\x00"))
		put(linkVA, []byte("ledger\x00"))
		payload := make([]byte, payloadSz)
		for i := range payload {
			payload[i] = 0xAA
		}
		put(dataVA, payload)

		fd := int64(d.Syscall(t, defs.SysOpen, [4]uint64{nameVA, defs.O_CREAT | defs.O_RDWR}))
		if fd < 0 {
			slog.Error("demo: open failed")
			d.Syscall(t, defs.SysExit, [4]uint64{1})
			return
		}
		wrote := int64(d.Syscall(t, defs.SysWrite, [4]uint64{uint64(fd), dataVA, payloadSz}))
		d.Syscall(t, defs.SysLinkat, [4]uint64{nameVA, linkVA})
		d.Syscall(t, defs.SysFstat, [4]uint64{uint64(fd), statVA})
		d.Syscall(t, defs.SysClose, [4]uint64{uint64(fd)})
		slog.Info("demo: journal written and linked", "bytes", wrote)

		if detect {
			d.Syscall(t, defs.SysEnableDeadlockDetect, [4]uint64{1})
		}
		mid := d.Syscall(t, defs.SysMutexCreate, [4]uint64{1})
		d.Syscall(t, defs.SysMutexLock, [4]uint64{mid})
		d.Syscall(t, defs.SysMutexUnlock, [4]uint64{mid})

		const children = 3
		for i := 0; i < children; i++ {
			d.Syscall(t, defs.SysFork, [4]uint64{})
		}
		for reaped := 0; reaped < children; {
			w := int64(d.Syscall(t, defs.SysWaitpid, [4]uint64{^uint64(0), ecVA}))
			if w == int64(defs.ENOCHILD) {
				d.Syscall(t, defs.SysYield, [4]uint64{})
				continue
			}
			if w < 0 {
				break
			}
			reaped++
			slog.Info("demo: reaped child", "pid", w)
		}

		d.Syscall(t, defs.SysUnlinkat, [4]uint64{linkVA})
		d.Syscall(t, defs.SysMunmap, [4]uint64{scratchVA, 4096})
		d.Syscall(t, defs.SysExit, [4]uint64{0})
	}
}
