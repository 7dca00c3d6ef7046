package mwgc

import (
	"fmt"

	"github.com/inhies/go-bytesize"
)

// Stats holds memory statistics for a heap. TotalBytes and FreeBytes are a
// snapshot of the allocatable region (the color map bytes are not counted);
// the remaining fields are cumulative over the heap's lifetime.
type Stats struct {
	TotalBytes uintptr // allocatable bytes in the region
	FreeBytes  uintptr // bytes currently on the free list

	TotalAlloc  uint64 // bytes ever requested from Alloc
	Mallocs     uint64 // number of allocations
	Frees       uint64 // spans retired or reclaimed by sweep
	Collections uint64 // completed sweep passes
}

// LiveBytes returns the bytes currently held by allocated spans.
func (s Stats) LiveBytes() uintptr {
	return s.TotalBytes - s.FreeBytes
}

func (s Stats) String() string {
	size := func(n uintptr) string {
		return bytesize.New(float64(n)).Format("%.0f", "", false)
	}
	return fmt.Sprintf("%s free of %s (live %s, mallocs %d, frees %d, collections %d)",
		size(s.FreeBytes), size(s.TotalBytes), size(s.LiveBytes()),
		s.Mallocs, s.Frees, s.Collections)
}
