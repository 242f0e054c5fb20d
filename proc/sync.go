package proc

import (
	"rvsmp/defs"
	"rvsmp/ksync"
)

// --- mutexes ---

// MutexCreate installs a fresh mutex and returns its id, reusing the
// first freed slot if any.
func (p *Process) MutexCreate(hart int, blocking bool) int {
	release := p.Access(hart)
	defer release()

	var m ksync.Mutex
	if blocking {
		m = ksync.NewBlockingMutex()
	} else {
		m = ksync.NewSpinMutex()
	}

	for i, existing := range p.mutexes {
		if existing == nil {
			p.mutexes[i] = m
			p.mutexState.Available[i] = 1
			for tid := range p.threads {
				p.mutexState.Need[tid][i] = 0
				p.mutexState.Allocated[tid][i] = 0
			}
			return i
		}
	}
	id := p.mutexState.AddResource(1)
	p.mutexes = append(p.mutexes, m)
	if id != len(p.mutexes)-1 {
		panic("proc: mutex slot/resource id mismatch")
	}
	return id
}

// MutexLock acquires mutex id on behalf of tid, running the Banker's
// algorithm safety check first when deadlock detection is enabled. The
// process lock is dropped around the actual blocking call and reacquired
// afterward — holding it across the block would freeze every other
// thread of the process.
func (p *Process) MutexLock(hart int, tid defs.Tid_t, id int) defs.Err_t {
	release := p.Access(hart)
	p.mutexState.IncNeed(int(tid), id)
	if p.detectDeadlock && !p.mutexState.IsSafe() {
		p.mutexState.DecNeed(int(tid), id)
		release()
		return defs.EDEADLK
	}
	m := p.mutexes[id]
	release()

	m.Lock()

	release2 := p.Access(hart)
	defer release2()
	p.mutexState.DecNeed(int(tid), id)
	p.mutexState.Acquire(int(tid), id)
	return 0
}

// MutexUnlock releases mutex id, which tid is assumed to hold.
func (p *Process) MutexUnlock(hart int, tid defs.Tid_t, id int) {
	release := p.Access(hart)
	p.mutexState.Release(int(tid), id)
	m := p.mutexes[id]
	release()

	m.Unlock()
}

// --- semaphores ---

// SemaphoreCreate installs a counting semaphore with the given initial
// count and returns its id.
func (p *Process) SemaphoreCreate(hart int, count int) int {
	release := p.Access(hart)
	defer release()

	s := ksync.NewSemaphore(count)
	for i, existing := range p.semaphores {
		if existing == nil {
			p.semaphores[i] = s
			p.semState.Available[i] = count
			return i
		}
	}
	id := p.semState.AddResource(count)
	p.semaphores = append(p.semaphores, s)
	if id != len(p.semaphores)-1 {
		panic("proc: semaphore slot/resource id mismatch")
	}
	return id
}

// SemaphoreUp releases one unit of semaphore id. Unlike a mutex, a
// semaphore's up is not necessarily performed by the thread that last
// downed it (producer/consumer usage), so this only restores Available —
// it does not touch any thread's Allocated row.
func (p *Process) SemaphoreUp(hart int, id int) {
	release := p.Access(hart)
	p.semState.Available[id]++
	s := p.semaphores[id]
	release()

	s.Up()
}

// SemaphoreDown acquires one unit of semaphore id on behalf of tid,
// checking the Banker's algorithm when deadlock detection is on.
func (p *Process) SemaphoreDown(hart int, tid defs.Tid_t, id int) defs.Err_t {
	release := p.Access(hart)
	p.semState.IncNeed(int(tid), id)
	if p.detectDeadlock && !p.semState.IsSafe() {
		p.semState.DecNeed(int(tid), id)
		release()
		return defs.EDEADLK
	}
	s := p.semaphores[id]
	release()

	s.Down()

	release2 := p.Access(hart)
	defer release2()
	p.semState.DecNeed(int(tid), id)
	p.semState.Available[id]--
	return 0
}

// --- condvars ---

// CondvarCreate installs a fresh condition variable and returns its id.
// Condvars are not subject to deadlock detection; the Banker's algorithm
// covers mutexes and semaphores only.
func (p *Process) CondvarCreate(hart int) int {
	release := p.Access(hart)
	defer release()

	c := ksync.NewCondvar()
	for i, existing := range p.condvars {
		if existing == nil {
			p.condvars[i] = c
			return i
		}
	}
	p.condvars = append(p.condvars, c)
	return len(p.condvars) - 1
}

// CondvarSignal wakes one waiter on condvar id, if any.
func (p *Process) CondvarSignal(hart int, id int) {
	release := p.Access(hart)
	c := p.condvars[id]
	release()

	c.Signal()
}

// CondvarWait releases mutexID, waits on condID, and reacquires mutexID
// before returning.
func (p *Process) CondvarWait(hart int, condID, mutexID int) {
	release := p.Access(hart)
	c := p.condvars[condID]
	m := p.mutexes[mutexID]
	release()

	c.Wait(m)
}
