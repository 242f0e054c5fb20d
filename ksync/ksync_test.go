package ksync

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMutualExclusion(t *testing.T, m Mutex) {
	t.Helper()
	var inside atomic.Int32
	var maxSeen atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Lock()
				if n := inside.Add(1); n > maxSeen.Load() {
					maxSeen.Store(n)
				}
				inside.Add(-1)
				m.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, maxSeen.Load())
}

func TestSpinMutexMutualExclusion(t *testing.T) {
	testMutualExclusion(t, NewSpinMutex())
}

func TestBlockingMutexMutualExclusion(t *testing.T) {
	testMutualExclusion(t, NewBlockingMutex())
}

func TestSemaphoreDownBlocksUntilUp(t *testing.T) {
	s := NewSemaphore(0)
	done := make(chan struct{})
	go func() {
		s.Down()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("Down returned on an empty semaphore")
	case <-time.After(20 * time.Millisecond):
	}
	s.Up()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Up did not wake the blocked Down")
	}
}

func TestSemaphoreUpWakesExactlyOne(t *testing.T) {
	s := NewSemaphore(0)
	var woke atomic.Int32
	for i := 0; i < 3; i++ {
		go func() {
			s.Down()
			woke.Add(1)
		}()
	}
	time.Sleep(20 * time.Millisecond)

	s.Up()
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, woke.Load())

	s.Up()
	s.Up()
	require.Eventually(t, func() bool { return woke.Load() == 3 },
		time.Second, 5*time.Millisecond)
}

func TestSemaphoreCountsPermits(t *testing.T) {
	s := NewSemaphore(2)
	s.Down()
	s.Down() // both permits consumed without blocking
	done := make(chan struct{})
	go func() {
		s.Down()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("third Down should have blocked")
	case <-time.After(20 * time.Millisecond):
	}
	s.Up()
	<-done
}

func TestCondvarWaitReleasesAndReacquires(t *testing.T) {
	m := NewBlockingMutex()
	c := NewCondvar()
	entered := make(chan struct{})
	finished := make(chan struct{})

	go func() {
		m.Lock()
		close(entered)
		c.Wait(m)
		m.Unlock()
		close(finished)
	}()

	<-entered
	// the waiter dropped the mutex: we can take it
	m.Lock()
	c.Signal()
	select {
	case <-finished:
		t.Fatal("waiter reacquired the mutex while we hold it")
	case <-time.After(20 * time.Millisecond):
	}
	m.Unlock()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("waiter never resumed")
	}
}

func TestCondvarSignalWithNoWaiterIsNoop(t *testing.T) {
	c := NewCondvar()
	c.Signal() // must not panic or wedge a later waiter

	m := NewBlockingMutex()
	done := make(chan struct{})
	go func() {
		m.Lock()
		c.Wait(m)
		m.Unlock()
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	c.Signal()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter missed the signal")
	}
}
