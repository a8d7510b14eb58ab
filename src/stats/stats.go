// Package stats holds the paging core's statistics counters. Unlike the
// teaching kernel's own stats package, which compiles its counters down
// to no-ops unless built with the Stats flag, these counters are always
// live: the numbers they hold are part of what a reader of this core
// wants to see (fault/reload/evict ratios), not an optional instrument.
package stats

import (
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/pprof/profile"
)

// Counter_t is a monotonically increasing statistical counter.
type Counter_t int64

// Inc increments the counter by one.
func (c *Counter_t) Inc() {
	atomic.AddInt64((*int64)(c), 1)
}

// Add increments the counter by n.
func (c *Counter_t) Add(n int64) {
	atomic.AddInt64((*int64)(c), n)
}

// Get reads the counter's current value.
func (c *Counter_t) Get() int64 {
	return atomic.LoadInt64((*int64)(c))
}

// VM is the set of counters the fault resolver and swap subsystem
// maintain. A single VM is shared by every subsystem in a running core.
type VM struct {
	TLBFault           Counter_t
	TLBReload          Counter_t
	PageFaultSwapIn    Counter_t
	PageFaultZeroed    Counter_t
	PageEvicted        Counter_t
	SwapWrite          Counter_t
	SwapChunkZeroFill  Counter_t
	SwapChunkBlank     Counter_t
	KernelFramesAllocd Counter_t
	ForkFrameCopies    Counter_t
}

// String renders every counter as a human-readable dump, in the same
// "#Name: value" shape the teaching kernel's Stats2String produces.
func (v *VM) String() string {
	var b strings.Builder
	fields := []struct {
		name string
		c    *Counter_t
	}{
		{"TLBFault", &v.TLBFault},
		{"TLBReload", &v.TLBReload},
		{"PageFaultSwapIn", &v.PageFaultSwapIn},
		{"PageFaultZeroed", &v.PageFaultZeroed},
		{"PageEvicted", &v.PageEvicted},
		{"SwapWrite", &v.SwapWrite},
		{"SwapChunkZeroFill", &v.SwapChunkZeroFill},
		{"SwapChunkBlank", &v.SwapChunkBlank},
		{"KernelFramesAllocd", &v.KernelFramesAllocd},
		{"ForkFrameCopies", &v.ForkFrameCopies},
	}
	for _, f := range fields {
		b.WriteString("\n\t#")
		b.WriteString(f.name)
		b.WriteString(": ")
		b.WriteString(strconv.FormatInt(f.c.Get(), 10))
	}
	b.WriteString("\n")
	return b.String()
}

// Snapshot builds a pprof profile.Profile from the current counter
// values, one sample type per counter and a single zero-location sample
// holding every counter's value, so
// the paging core's counters can be inspected with any pprof-compatible
// tool instead of a bespoke dump format.
func (v *VM) Snapshot() *profile.Profile {
	fields := []struct {
		name string
		c    *Counter_t
	}{
		{"tlb_fault", &v.TLBFault},
		{"tlb_reload", &v.TLBReload},
		{"page_fault_swap_in", &v.PageFaultSwapIn},
		{"page_fault_zeroed", &v.PageFaultZeroed},
		{"page_evicted", &v.PageEvicted},
		{"swap_write", &v.SwapWrite},
		{"swap_chunk_zero_fill", &v.SwapChunkZeroFill},
		{"swap_chunk_blank", &v.SwapChunkBlank},
		{"kernel_frames_allocd", &v.KernelFramesAllocd},
		{"fork_frame_copies", &v.ForkFrameCopies},
	}

	p := &profile.Profile{
		SampleType: make([]*profile.ValueType, len(fields)),
		Sample:     make([]*profile.Sample, 1),
	}
	values := make([]int64, len(fields))
	for i, f := range fields {
		p.SampleType[i] = &profile.ValueType{Type: f.name, Unit: "count"}
		values[i] = f.c.Get()
	}
	p.Sample[0] = &profile.Sample{Value: values}
	return p
}
