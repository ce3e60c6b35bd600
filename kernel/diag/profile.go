package diag

import (
	"fmt"
	"io"

	"github.com/google/pprof/profile"
)

// Sample is one RIP observation recorded through RIPProfiler; no code in
// this kernel records samples or calls RIPProfiler. A freestanding
// kernel has no goroutines or OS signals for runtime/pprof's usual
// SIGPROF-driven sampler to hook into, so this package builds a
// profile.Profile by hand from whatever samples the caller collected.
type Sample struct {
	RIP   uint64
	Count int64
}

// RIPProfiler accumulates RIP samples and renders them as a pprof profile.
type RIPProfiler struct {
	counts map[uint64]int64
}

// NewRIPProfiler constructs an empty profiler.
func NewRIPProfiler() *RIPProfiler {
	return &RIPProfiler{counts: make(map[uint64]int64)}
}

// Record adds one observation of the instruction pointer at rip.
func (p *RIPProfiler) Record(rip uint64) {
	p.counts[rip]++
}

// Samples returns the accumulated samples, in no particular order.
func (p *RIPProfiler) Samples() []Sample {
	out := make([]Sample, 0, len(p.counts))
	for rip, count := range p.counts {
		out = append(out, Sample{RIP: rip, Count: count})
	}
	return out
}

// buildProfile constructs a profile.Profile with one Location (and one
// synthetic Function, since this kernel has no DWARF symbolication of its
// own binary) per distinct RIP, and one Sample per Location carrying its
// observation count.
func (p *RIPProfiler) buildProfile() *profile.Profile {
	prof := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "samples", Unit: "count"}},
		PeriodType: &profile.ValueType{Type: "cpu", Unit: "nanoseconds"},
		Period:     1,
	}

	var nextID uint64 = 1
	for _, s := range p.Samples() {
		fn := &profile.Function{
			ID:         nextID,
			Name:       fmt.Sprintf("rip_%#x", s.RIP),
			SystemName: fmt.Sprintf("rip_%#x", s.RIP),
		}
		loc := &profile.Location{
			ID:      nextID,
			Address: s.RIP,
			Line:    []profile.Line{{Function: fn}},
		}
		nextID++

		prof.Function = append(prof.Function, fn)
		prof.Location = append(prof.Location, loc)
		prof.Sample = append(prof.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{s.Count},
		})
	}

	return prof
}

// WriteTo serializes the accumulated samples as a gzip-compressed pprof
// profile, the format `go tool pprof` expects.
func (p *RIPProfiler) WriteTo(w io.Writer) error {
	return p.buildProfile().Write(w)
}
