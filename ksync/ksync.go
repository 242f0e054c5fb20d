// Package ksync implements the process-visible synchronization
// primitives behind the mutex/semaphore/condvar syscalls: a spinning
// mutex, a blocking mutex, a counting semaphore, and a condition
// variable.
package ksync

import "sync"

// Mutex is the interface both mutex flavors satisfy.
type Mutex interface {
	Lock()
	Unlock()
}

// SpinMutex is the no-wait-queue mutex flavor, for short critical
// sections where the cost of a scheduler-visible block would exceed the
// wait itself.
type SpinMutex struct {
	mu     sync.Mutex // guards locked; this is not itself the spin loop
	cond   *sync.Cond
	locked bool
}

// NewSpinMutex builds an unlocked spinning mutex.
func NewSpinMutex() *SpinMutex {
	m := &SpinMutex{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Lock blocks (waiting on a condition variable rather than spinning in
// a literal busy loop, since a real busy loop would starve a
// goroutine-scheduled hart) until the mutex is free, then takes it.
func (m *SpinMutex) Lock() {
	m.mu.Lock()
	for m.locked {
		m.cond.Wait()
	}
	m.locked = true
	m.mu.Unlock()
}

// Unlock releases the mutex and wakes one waiter.
func (m *SpinMutex) Unlock() {
	m.mu.Lock()
	m.locked = false
	m.mu.Unlock()
	m.cond.Signal()
}

// BlockingMutex parks waiters instead of spinning: a single-permit
// channel stands in for the wait queue, and an unlock hands the permit
// to exactly one blocked waiter.
type BlockingMutex struct {
	ch chan struct{}
}

// NewBlockingMutex builds an unlocked blocking mutex.
func NewBlockingMutex() *BlockingMutex {
	m := &BlockingMutex{ch: make(chan struct{}, 1)}
	m.ch <- struct{}{}
	return m
}

// Lock blocks until the single permit is available, then takes it.
func (m *BlockingMutex) Lock() { <-m.ch }

// Unlock returns the permit, waking exactly one blocked waiter if any.
func (m *BlockingMutex) Unlock() { m.ch <- struct{}{} }

// Semaphore is a counting semaphore: up/down over an internal count
// plus a wait queue.
type Semaphore struct {
	mu    sync.Mutex
	count int
	cond  *sync.Cond
}

// NewSemaphore builds a semaphore initialized to resCount permits.
func NewSemaphore(resCount int) *Semaphore {
	s := &Semaphore{count: resCount}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Up releases one permit, waking a blocked Down if any.
func (s *Semaphore) Up() {
	s.mu.Lock()
	s.count++
	s.mu.Unlock()
	s.cond.Signal()
}

// Down blocks until a permit is available, then takes one.
func (s *Semaphore) Down() {
	s.mu.Lock()
	for s.count <= 0 {
		s.cond.Wait()
	}
	s.count--
	s.mu.Unlock()
}

// Condvar is a condition variable that waits by releasing an
// associated Mutex; the caller must hold the mutex before calling Wait.
type Condvar struct {
	mu      sync.Mutex
	waiters []chan struct{}
}

// NewCondvar builds an empty condition variable.
func NewCondvar() *Condvar { return &Condvar{} }

// Wait releases mutex, blocks until Signal wakes this waiter, then
// reacquires mutex before returning.
func (c *Condvar) Wait(mutex Mutex) {
	ch := make(chan struct{})
	c.mu.Lock()
	c.waiters = append(c.waiters, ch)
	c.mu.Unlock()

	mutex.Unlock()
	<-ch
	mutex.Lock()
}

// Signal wakes one waiter, if any are blocked.
func (c *Condvar) Signal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.waiters) == 0 {
		return
	}
	ch := c.waiters[0]
	c.waiters = c.waiters[1:]
	close(ch)
}
