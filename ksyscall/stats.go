package ksyscall

// Introspection methods the metrics exporter reads.
// System satisfies metrics.Source structurally; this file keeps the
// kernel core free of any collector types.

// FreeFrames reports the frame allocator's current free count.
func (s *System) FreeFrames() int { return s.Alloc.Free() }

// TotalFrames reports the frame allocator's capacity.
func (s *System) TotalFrames() int { return s.Alloc.Total() }

// CacheCounters reports the block cache's cumulative hits and misses and
// its current dirty-block count.
func (s *System) CacheCounters() (hits, misses uint64, dirty int) {
	return s.FS.Cache().Counters()
}

// FSFree reports the filesystem's free inode and data-block counts.
func (s *System) FSFree() (inodes, data int) { return s.FS.Stats() }

// NumHarts reports how many harts the scheduler runs.
func (s *System) NumHarts() int { return s.Mgr.NumHarts() }

// ReadyQueueLen reports hart's current ready-queue length.
func (s *System) ReadyQueueLen(hart int) int { return s.Mgr.Hart(hart).Len() }

// IdleIterations reports how many scheduler rounds hart has run.
func (s *System) IdleIterations(hart int) uint64 { return s.Mgr.Hart(hart).Iterations() }

// LiveProcesses reports the pid map's size.
func (s *System) LiveProcesses() int { return s.Mgr.LiveProcesses() }

// LiveThreads counts non-nil thread slots across every live process.
func (s *System) LiveThreads() int {
	n := 0
	for _, p := range s.Mgr.Processes() {
		for _, t := range p.Threads() {
			if t != nil {
				n++
			}
		}
	}
	return n
}

// PendingTimers reports the timer wheel's current depth.
func (s *System) PendingTimers() int { return s.Timer.Len() }

// DeadlockTrips reports how many lock/down requests the dispatcher's
// Banker's check has rejected.
func (s *System) DeadlockTrips() uint64 { return s.Dispatcher.DeadlockTrips() }
