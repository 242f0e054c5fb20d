// Package metrics exports the kernel simulator's introspection state as
// Prometheus collectors: frame-allocator occupancy,
// block-cache hit/miss/dirty counts, per-hart ready-queue depth and
// idle-loop iterations, live process/thread counts, pending timers, and
// the deadlock detector's trip count.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Source is the read-only view of a booted kernel the collectors pull
// from; ksyscall.System satisfies it.
type Source interface {
	FreeFrames() int
	TotalFrames() int
	CacheCounters() (hits, misses uint64, dirty int)
	FSFree() (inodes, data int)
	NumHarts() int
	ReadyQueueLen(hart int) int
	IdleIterations(hart int) uint64
	LiveProcesses() int
	LiveThreads() int
	PendingTimers() int
	DeadlockTrips() uint64
}

// Register installs every kernel collector on reg. Gauges are sampled at
// scrape time straight from the Source, so there is nothing to update
// from the hot paths.
func Register(reg prometheus.Registerer, src Source) {
	g := func(name, help string, f func() float64) {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "rvsmp", Name: name, Help: help,
		}, f))
	}
	c := func(name, help string, f func() float64) {
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "rvsmp", Name: name, Help: help,
		}, f))
	}

	g("frames_free", "Physical frames currently free.", func() float64 {
		return float64(src.FreeFrames())
	})
	g("frames_total", "Physical frames managed by the allocator.", func() float64 {
		return float64(src.TotalFrames())
	})
	c("block_cache_hits_total", "Block cache lookups served from memory.", func() float64 {
		h, _, _ := src.CacheCounters()
		return float64(h)
	})
	c("block_cache_misses_total", "Block cache lookups that went to disk.", func() float64 {
		_, m, _ := src.CacheCounters()
		return float64(m)
	})
	g("block_cache_dirty", "Cached blocks awaiting write-back.", func() float64 {
		_, _, d := src.CacheCounters()
		return float64(d)
	})
	g("fs_free_inodes", "Free inode slots.", func() float64 {
		i, _ := src.FSFree()
		return float64(i)
	})
	g("fs_free_data_blocks", "Free data blocks.", func() float64 {
		_, d := src.FSFree()
		return float64(d)
	})
	g("processes_live", "Processes present in the pid map.", func() float64 {
		return float64(src.LiveProcesses())
	})
	g("threads_live", "Live threads across all processes.", func() float64 {
		return float64(src.LiveThreads())
	})
	g("timers_pending", "Entries waiting in the timer wheel.", func() float64 {
		return float64(src.PendingTimers())
	})
	c("deadlock_trips_total", "Lock requests refused by the Banker's check.", func() float64 {
		return float64(src.DeadlockTrips())
	})

	reg.MustRegister(&hartCollector{src: src})
}

var (
	readyQueueDesc = prometheus.NewDesc("rvsmp_ready_queue_len",
		"Ready-queue depth per hart.", []string{"hart"}, nil)
	idleItersDesc = prometheus.NewDesc("rvsmp_idle_iterations_total",
		"Scheduler rounds per hart.", []string{"hart"}, nil)
)

// hartCollector emits the per-hart metrics as const metrics sampled at
// scrape time; a GaugeVec/CounterVec would need push-style updates the
// scheduler's hot path never makes.
type hartCollector struct {
	src Source
}

func (h *hartCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- readyQueueDesc
	ch <- idleItersDesc
}

func (h *hartCollector) Collect(ch chan<- prometheus.Metric) {
	for i := 0; i < h.src.NumHarts(); i++ {
		label := strconv.Itoa(i)
		ch <- prometheus.MustNewConstMetric(readyQueueDesc,
			prometheus.GaugeValue, float64(h.src.ReadyQueueLen(i)), label)
		ch <- prometheus.MustNewConstMetric(idleItersDesc,
			prometheus.CounterValue, float64(h.src.IdleIterations(i)), label)
	}
}
