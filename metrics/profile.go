package metrics

import (
	"fmt"
	"io"

	"github.com/google/pprof/profile"

	"rvsmp/sched"
)

// ThreadSample is one live thread's accumulated scheduling state, the
// row the dump-profile path serializes.
type ThreadSample struct {
	Pid      int
	Tid      int
	Priority int
	Stride   uint64
	Syscalls uint64
}

// CollectSamples walks the pid map and snapshots every live thread.
func CollectSamples(mgr *sched.Manager) []ThreadSample {
	var out []ThreadSample
	for _, p := range mgr.Processes() {
		for _, t := range p.Threads() {
			if t == nil {
				continue
			}
			var calls uint64
			for _, c := range t.SyscallCounts {
				calls += c
			}
			out = append(out, ThreadSample{
				Pid:      int(p.Pid()),
				Tid:      int(t.Tid()),
				Priority: t.Priority,
				Stride:   t.Stride,
				Syscalls: calls,
			})
		}
	}
	return out
}

// WriteSchedProfile serializes samples as a gzipped pprof profile with
// one synthetic location per thread and two sample values (accumulated
// stride, syscall count), loadable with `go tool pprof` to eyeball
// scheduler fairness: threads of equal priority should show near-equal
// stride columns.
func WriteSchedProfile(w io.Writer, samples []ThreadSample) error {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "stride", Unit: "count"},
			{Type: "syscalls", Unit: "count"},
		},
	}
	for i, s := range samples {
		fn := &profile.Function{
			ID:         uint64(i + 1),
			Name:       fmt.Sprintf("pid%d/tid%d(prio=%d)", s.Pid, s.Tid, s.Priority),
			SystemName: fmt.Sprintf("pid%d/tid%d", s.Pid, s.Tid),
		}
		loc := &profile.Location{
			ID:   uint64(i + 1),
			Line: []profile.Line{{Function: fn}},
		}
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{int64(s.Stride), int64(s.Syscalls)},
			Label: map[string][]string{
				"pid": {fmt.Sprintf("%d", s.Pid)},
			},
		})
	}
	if err := p.CheckValid(); err != nil {
		return fmt.Errorf("metrics: built invalid profile: %w", err)
	}
	return p.Write(w)
}
