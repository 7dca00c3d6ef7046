// Package mwgc implements a miniature garbage-collected heap intended as the
// runtime memory system of a small dynamic language on constrained hardware.
//
// The heap owns a single caller-supplied byte region and subdivides it into
// fixed-size blocks. A packed 2-bit color map, carved from the tail of the
// region, records the state of every block; the rest of the region is handed
// out as contiguous spans from an address-sorted free list. Unreferenced
// spans are reclaimed by a tri-color, conservative, incremental,
// non-compacting collector.
//
// The design is heavily inspired by the MicroPython memory manager: every
// allocation starts with a head block and is followed by "continue" blocks,
// so the start and length of every object can be recovered from the color
// map alone. Instead of an explicit mark bit reset, the two live colors swap
// roles after every cycle: yesterday's live color becomes today's free
// marker.
//
// More information:
// https://github.com/micropython/micropython/wiki/Memory-Manager
// "The Garbage Collection Handbook" by Richard Jones, Antony Hosking, Eliot
// Moss.
package mwgc

import (
	"errors"
	"unsafe"
)

const heapAsserts = false

// BlockSize is the allocation granularity in bytes. Every allocation is
// rounded up to a whole number of blocks. It must be large enough to hold a
// free-span header, so any free block can carry its own link metadata.
const BlockSize = 16

const wordSize = unsafe.Sizeof(uintptr(0))

// ErrOutOfMemory is returned by Alloc when no free span fits the request.
// The failure is non-fatal: the heap is unchanged and the caller may retry
// after a collection.
var ErrOutOfMemory = errors.New("mwgc: out of memory")

// Heap is a garbage-collected allocator over a single fixed byte region. It
// is not safe for concurrent use: no two operations on the same Heap may
// interleave from different execution contexts.
type Heap struct {
	mem    memory   // the allocatable blocks
	colors colorMap // one 2-bit entry per block, at the tail of the region
	free   freeList // address-sorted, coalesced free spans

	// current is the color live objects carry while quiescent. The opposite
	// live color marks free spans, and doubles as the target color during a
	// mark phase. The two swap after every sweep.
	current Color

	// marking is true from MarkStart until the following Sweep. While set,
	// new allocations are stamped with the opposite of current so that
	// objects born mid-cycle survive it without being traced.
	marking bool

	// [rangeStart, rangeEnd) bounds the blocks currently colored Check, so
	// an incremental round does not rescan the whole heap.
	rangeStart, rangeEnd uintptr

	stats Stats
}

// FromRegion takes ownership of a byte region and builds a heap in it: a
// color map sized to cover the region's blocks is carved from the tail, and
// the remaining blocks become a single free span. The region must not be
// aliased by the caller afterwards, other than through references returned
// by allocation. Returns ErrRegionTooSmall if the region cannot hold the
// color map plus one block.
func FromRegion(region []byte) (*Heap, error) {
	if heapAsserts && unsafe.Sizeof(spanHeader{}) > BlockSize {
		panic("mwgc: block too small for a span header")
	}

	total := memory{region}

	// Over-estimate the block count from the whole region, size the color
	// map for that, then recompute the real block count from what is left.
	// The map ends up covering slightly more blocks than exist; the excess
	// entries are never addressed. Rounding the map up to a whole number of
	// blocks keeps the allocatable prefix block-aligned.
	estBlocks := total.size() / BlockSize
	mapBytes := (estBlocks + blocksPerByte - 1) / blocksPerByte
	mapBytes = (mapBytes + BlockSize - 1) / BlockSize * BlockSize

	blockRegion, mapRegion, err := total.splitSuffix(mapBytes)
	if err != nil {
		return nil, err
	}
	blocks := blockRegion.size() / BlockSize
	if blocks == 0 {
		return nil, ErrRegionTooSmall
	}

	h := &Heap{
		mem:     memory{blockRegion.data[:blocks*BlockSize]},
		colors:  newColorMap(mapRegion, blocks),
		current: Blue,
	}
	h.stats.TotalBytes = blocks * BlockSize
	h.stats.FreeBytes = h.stats.TotalBytes

	// The whole block region starts out as one free span, stamped with the
	// off-duty live color.
	for i := range mapRegion.data {
		mapRegion.data[i] = 0
	}
	h.colors.setRun(0, blocks, h.freeColor())
	h.free.insert(h.mem.base(), blocks*BlockSize)
	return h, nil
}

// freeColor is the color free span heads carry: the live color not currently
// in use. During a mark phase this is also the color of already-traced and
// freshly allocated objects; the free list tells the two apart.
func (h *Heap) freeColor() Color {
	return h.current.other()
}

// allocColor is the color stamped on new allocation heads: current while
// quiescent, the cycle's target color while marking.
func (h *Heap) allocColor() Color {
	if h.marking {
		return h.current.other()
	}
	return h.current
}

func (h *Heap) blockIndex(addr uintptr) uintptr {
	if heapAsserts && !h.mem.contains(addr) {
		panic("mwgc: block index of address outside the heap")
	}
	return (addr - h.mem.base()) / BlockSize
}

func (h *Heap) blockAddr(i uintptr) uintptr {
	return h.mem.base() + i*BlockSize
}

// Alloc carves a span of at least size bytes out of the free list and
// returns a pointer to its zeroed first byte. The span occupies a whole
// number of blocks; a zero size still claims one block. Returns
// ErrOutOfMemory, leaving the heap untouched, when no free span fits.
func (h *Heap) Alloc(size uintptr) (unsafe.Pointer, error) {
	blocks := (size + BlockSize - 1) / BlockSize
	if blocks == 0 {
		blocks = 1
	}
	byteSize := blocks * BlockSize

	addr, rem, ok := h.free.take(byteSize)
	if !ok {
		return nil, ErrOutOfMemory
	}

	// Stamp the span, and give the split-off remainder (if any) its own free
	// head in place of the Continue block it had as span interior.
	h.colors.setRun(h.blockIndex(addr), blocks, h.allocColor())
	if rem != 0 {
		tail := viewAs[spanHeader](rem)
		h.colors.setRun(h.blockIndex(rem), tail.size/BlockSize, h.freeColor())
	}

	clear(h.mem.slice(addr, byteSize))
	h.stats.FreeBytes -= byteSize
	h.stats.TotalAlloc += uint64(size)
	h.stats.Mallocs++
	return unsafe.Pointer(addr), nil
}

// AllocObject allocates a zeroed value of type T on the heap.
func AllocObject[T any](h *Heap) (*T, error) {
	var zero T
	ptr, err := h.Alloc(unsafe.Sizeof(zero))
	if err != nil {
		return nil, err
	}
	return (*T)(ptr), nil
}

// AllocArray allocates a zeroed array of n values of type T on the heap and
// returns it as a slice.
func AllocArray[T any](h *Heap, n int) ([]T, error) {
	var zero T
	ptr, err := h.Alloc(unsafe.Sizeof(zero) * uintptr(n))
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*T)(ptr), n), nil
}

// Retire proactively returns an allocated span to the free list, coalescing
// it with free neighbors. The pointer must be one previously returned by
// Alloc; addresses outside the heap or not on a block boundary are ignored,
// anything else is a programming error with undefined behavior.
func (h *Heap) Retire(ptr unsafe.Pointer) {
	addr := uintptr(ptr)
	if !h.mem.contains(addr) || (addr-h.mem.base())%BlockSize != 0 {
		return
	}
	head := h.blockIndex(addr)
	if heapAsserts && h.colors.get(head) == Continue {
		panic("mwgc: retire of a non-head block")
	}
	blocks := h.colors.spanLength(head)
	byteSize := blocks * BlockSize

	// Restamp the whole merged span so absorbed heads become interior.
	start, total := h.free.insert(addr, byteSize)
	h.colors.setRun(h.blockIndex(start), total/BlockSize, h.freeColor())
	h.stats.FreeBytes += byteSize
	h.stats.Frees++
}

// RetireObject retires the allocation holding ref.
func RetireObject[T any](h *Heap, ref *T) {
	h.Retire(unsafe.Pointer(ref))
}

// widen grows the mark range to include block i.
func (h *Heap) widen(i uintptr) {
	if h.rangeStart == h.rangeEnd {
		h.rangeStart, h.rangeEnd = i, i+1
		return
	}
	if i < h.rangeStart {
		h.rangeStart = i
	}
	if i+1 > h.rangeEnd {
		h.rangeEnd = i + 1
	}
}

// markRoot recolors the block at addr to Check if addr is a block-aligned
// allocation head still carrying the untraced color. Anything else (an
// address outside the heap, a misaligned address, a span interior, a free
// span head, an already-traced head) is ignored.
func (h *Heap) markRoot(addr uintptr) {
	if !h.mem.contains(addr) {
		return
	}
	if (addr-h.mem.base())%BlockSize != 0 {
		return
	}
	i := h.blockIndex(addr)
	switch h.colors.get(i) {
	case h.current:
		h.colors.set(i, Check)
		h.widen(i)
	case Check:
		// Gray already, possibly left over from an abandoned cycle whose
		// range was reset. Pull it back into the window so it is re-traced
		// before this cycle can complete.
		h.widen(i)
	}
}

// MarkStart opens an incremental collection cycle: the mark range is reset
// and every root that points at an untraced allocation head is colored
// Check. Until the cycle's Sweep, new allocations are stamped with the
// cycle's target color so they survive without being traced.
//
// Starting a cycle while a previous one was abandoned mid-mark is fine:
// leftover Check blocks are traced again when they lie inside the mark range,
// and any reference to one (from a root, a traced span or MarkCheck) pulls it
// back into the range. A leftover Check block outside the range that nothing
// references stays gray, and Sweep keeps it as live.
func (h *Heap) MarkStart(roots []uintptr) {
	h.marking = true
	h.rangeStart, h.rangeEnd = 0, 0
	for _, r := range roots {
		h.markRoot(r)
	}
}

// scanSpan conservatively scans the span at block head for pointers: every
// word-aligned, pointer-sized word of its contents is interpreted as an
// address, and any that hits an untraced allocation head recolors that head
// to Check. A word that happens to look like a heap address therefore keeps
// its target alive; the collector over-approximates rather than risk freeing
// live memory.
func (h *Heap) scanSpan(head, blocks uintptr) {
	addr := h.blockAddr(head)
	end := addr + blocks*BlockSize
	for p := addr; p+wordSize <= end; p += wordSize {
		word := *viewAs[uintptr](p)
		if !h.mem.contains(word) {
			continue
		}
		// Align interior pointers down to their block boundary; only block
		// heads count as references.
		i := h.blockIndex(word)
		switch h.colors.get(i) {
		case h.current:
			h.colors.set(i, Check)
			h.widen(i)
		case Check:
			// Keep every gray head inside the mark range, including ones a
			// previous abandoned cycle left behind.
			h.widen(i)
		}
	}
}

// MarkRound advances the mark phase by one pass over the current mark range:
// every Check head in the window is traced and recolored to the cycle's
// target color. Tracing may discover new Check blocks before or after the
// cursor; those behind it wait for the next round. Returns true once the
// range is empty, meaning marking is complete and Sweep may run.
func (h *Heap) MarkRound() bool {
	if !h.marking {
		return true
	}
	next := h.current.other()
	cursor := h.rangeStart
	for cursor < h.rangeEnd {
		i, c, ok := h.colors.nextSpan(cursor)
		if !ok || i >= h.rangeEnd {
			break
		}
		blocks := h.colors.spanLength(i)
		if c != Check {
			if i == h.rangeStart {
				h.rangeStart = i + blocks
			}
			cursor = i + blocks
			continue
		}
		h.scanSpan(i, blocks)
		h.colors.set(i, next)
		if h.rangeStart == i {
			h.rangeStart = i + blocks
		}
		cursor = i + blocks
	}
	return h.rangeStart >= h.rangeEnd
}

// Mark runs a full mark phase: MarkStart followed by rounds until the range
// drains.
func (h *Heap) Mark(roots []uintptr) {
	h.MarkStart(roots)
	for !h.MarkRound() {
	}
}

// MarkCheck is the embedder's write barrier. If an already-traced object is
// mutated to reference a not-yet-traced child during an incremental cycle,
// the embedder must pass the mutated object here so it is traced again
// before the cycle can complete. Outside a mark phase, and for any pointer
// that is not a block-aligned allocation head carrying the cycle's target
// color, this is a no-op.
func (h *Heap) MarkCheck(ptr unsafe.Pointer) {
	if !h.marking {
		return
	}
	addr := uintptr(ptr)
	if !h.mem.contains(addr) || (addr-h.mem.base())%BlockSize != 0 {
		return
	}
	i := h.blockIndex(addr)
	switch h.colors.get(i) {
	case h.current.other():
		h.colors.set(i, Check)
		h.widen(i)
	case Check:
		h.widen(i)
	}
}

// Sweep walks the color map from block 0, returns every span the mark phase
// left carrying the untraced color to the free list, and swaps the meaning
// of the two live colors so the next cycle uses the opposite one. The free
// list is rebuilt in address order with maximal coalesced runs.
//
// A leftover Check head (sweep without a completed mark) was reachable when
// it was discovered, so it is treated as live.
func (h *Heap) Sweep() {
	next := h.current.other()

	// Walk allocations and old free spans in address order, accumulating
	// maximal runs of dead blocks. The old free list is consumed in lockstep:
	// it is the only way to tell a free span from a span allocated during
	// the mark phase, which carries the same color.
	oldFree := h.free.head
	h.free.head = nil
	var tail *spanHeader
	var freeBytes uintptr
	var runStart, runBlocks uintptr

	flush := func() {
		if runBlocks == 0 {
			return
		}
		span := viewAs[spanHeader](h.blockAddr(runStart))
		span.next = nil
		span.size = runBlocks * BlockSize
		if tail == nil {
			h.free.head = span
		} else {
			tail.next = span
		}
		tail = span
		freeBytes += span.size
		// Stamp with the pre-swap live color: once the colors swap below it
		// reads as the off-duty color that marks free spans.
		h.colors.setRun(runStart, runBlocks, h.current)
		runBlocks = 0
	}

	for i := uintptr(0); i < h.colors.blocks; {
		c := h.colors.get(i)
		if heapAsserts && c == Continue {
			panic("mwgc: sweep found a headless block")
		}
		blocks := h.colors.spanLength(i)

		isFree := oldFree != nil && spanAddr(oldFree) == h.blockAddr(i)
		if isFree {
			oldFree = oldFree.next
		}

		if !isFree && (c == next || c == Check) {
			// Live. A lingering Check head is recolored so it carries the
			// post-swap live color like every other survivor.
			if c == Check {
				h.colors.set(i, next)
			}
			flush()
		} else {
			if runBlocks == 0 {
				runStart = i
			}
			runBlocks += blocks
			if !isFree {
				h.stats.Frees++
			}
		}
		i += blocks
	}
	flush()

	h.stats.FreeBytes = freeBytes
	h.stats.Collections++
	h.current = next
	h.marking = false
	h.rangeStart, h.rangeEnd = 0, 0
}

// GC runs a full collection cycle: mark from the given roots, then sweep.
// Everything not conservatively reachable from roots is returned to the free
// list.
func (h *Heap) GC(roots []uintptr) {
	h.Mark(roots)
	h.Sweep()
}

// IsAllocated reports whether ptr is currently the head of an allocated
// span: inside the heap, on a block boundary, a span head in the color map,
// and not on the free list. Embedders can use it to screen stale references
// after a collection.
func (h *Heap) IsAllocated(ptr unsafe.Pointer) bool {
	addr := uintptr(ptr)
	if !h.mem.contains(addr) || (addr-h.mem.base())%BlockSize != 0 {
		return false
	}
	if h.colors.get(h.blockIndex(addr)) == Continue {
		return false
	}
	for s := h.free.head; s != nil && spanAddr(s) <= addr; s = s.next {
		if spanAddr(s) == addr {
			return false
		}
	}
	return true
}

// Stats returns a copy of the heap's statistics.
func (h *Heap) Stats() Stats {
	return h.stats
}
