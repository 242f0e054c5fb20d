package deadlock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoThreadsTwoMutexes() *State {
	s := New()
	s.AddResource(1)
	s.AddResource(1)
	s.EnsureThread(0)
	s.EnsureThread(1)
	return s
}

func TestEmptyStateIsSafe(t *testing.T) {
	assert.True(t, New().IsSafe())
}

func TestUncontendedAcquireIsSafe(t *testing.T) {
	s := twoThreadsTwoMutexes()
	s.IncNeed(0, 0)
	assert.True(t, s.IsSafe())
	s.DecNeed(0, 0)
	s.Acquire(0, 0)
	assert.Equal(t, 0, s.Available[0])
	assert.Equal(t, 1, s.Allocated[0][0])
}

func TestCrossedHoldersAreUnsafe(t *testing.T) {
	s := twoThreadsTwoMutexes()
	// thread 0 holds mutex 0, thread 1 holds mutex 1
	s.Acquire(0, 0)
	s.Acquire(1, 1)

	// thread 0 now waits on mutex 1: still safe, thread 1 can finish
	s.IncNeed(0, 1)
	assert.True(t, s.IsSafe())

	// thread 1 also waits on mutex 0: classic cycle, unsafe
	s.IncNeed(1, 0)
	assert.False(t, s.IsSafe())

	// reverting the doomed request restores safety
	s.DecNeed(1, 0)
	assert.True(t, s.IsSafe())
}

func TestSemaphoreCapacityKeepsSafety(t *testing.T) {
	s := New()
	rid := s.AddResource(2)
	s.EnsureThread(0)
	s.EnsureThread(1)
	s.EnsureThread(2)

	s.Acquire(0, rid)
	s.Acquire(1, rid)
	s.IncNeed(2, rid)
	// a holder can finish and release, so the third requester is safe
	assert.True(t, s.IsSafe())
}

func TestAvailablePlusAllocatedIsConserved(t *testing.T) {
	s := New()
	const capacity = 3
	rid := s.AddResource(capacity)
	for tid := 0; tid < 4; tid++ {
		s.EnsureThread(tid)
	}

	sum := func() int {
		total := s.Available[rid]
		for tid := range s.Allocated {
			total += s.Allocated[tid][rid]
		}
		return total
	}

	require.Equal(t, capacity, sum())
	s.Acquire(0, rid)
	s.Acquire(1, rid)
	assert.Equal(t, capacity, sum())
	s.Release(0, rid)
	assert.Equal(t, capacity, sum())
}

func TestZeroThreadKeepsRowIndices(t *testing.T) {
	s := twoThreadsTwoMutexes()
	s.Acquire(1, 0)
	s.IncNeed(1, 1)

	rows := len(s.Need)
	s.ZeroThread(1)
	assert.Equal(t, rows, len(s.Need), "row must be zeroed, not removed")
	assert.Equal(t, 0, s.Need[1][1])
	assert.Equal(t, 0, s.Allocated[1][0])
}

func TestAddResourceGrowsExistingRows(t *testing.T) {
	s := New()
	s.EnsureThread(0)
	first := s.AddResource(1)
	second := s.AddResource(5)
	assert.Equal(t, 0, first)
	assert.Equal(t, 1, second)
	assert.Len(t, s.Need[0], 2)
	assert.Len(t, s.Allocated[0], 2)
	assert.Equal(t, 5, s.Available[second])
}
