package mwgc

import "unsafe"

// spanHeader lives in the first bytes of every free span. The size field
// counts the whole span in bytes, header included. The header must fit in a
// single block so that any free block can hold its own link metadata.
type spanHeader struct {
	next *spanHeader
	size uintptr
}

// freeList is a singly-linked list of free spans, kept in ascending address
// order. Adjacent spans are merged on insert, so no two spans in the list
// ever abut.
type freeList struct {
	head *spanHeader
}

func spanAddr(s *spanHeader) uintptr {
	return uintptr(unsafe.Pointer(s))
}

// insert adds the span [addr, addr+size) to the list, merging it with an
// abutting predecessor and/or successor. It writes the {next, size} header
// into the span's first bytes and returns the start and total size of the
// resulting merged span.
func (l *freeList) insert(addr, size uintptr) (start, total uintptr) {
	if heapAsserts && size == 0 {
		panic("mwgc: insert of empty span")
	}

	// Find the insertion point by address.
	var prev *spanHeader
	next := l.head
	for next != nil && spanAddr(next) < addr {
		prev = next
		next = next.next
	}

	start, total = addr, size
	if prev != nil && spanAddr(prev)+prev.size == addr {
		// Merge into the predecessor.
		start = spanAddr(prev)
		total += prev.size
	}
	if next != nil && addr+size == spanAddr(next) {
		// Absorb the successor.
		total += next.size
		next = next.next
	}

	span := viewAs[spanHeader](start)
	span.next = next
	span.size = total
	if start == addr && prev != nil {
		prev.next = span
	} else if prev == nil {
		l.head = span
	}
	return start, total
}

// take removes a span of exactly size bytes from the list, first-fit by
// address. If the chosen span is larger, the trailing remainder is reinserted
// as a smaller free span and its address returned in rem. The caller receives
// the span's address, or ok=false when no span is large enough; the list is
// untouched in that case.
func (l *freeList) take(size uintptr) (addr, rem uintptr, ok bool) {
	if heapAsserts && (size == 0 || size%BlockSize != 0) {
		panic("mwgc: take of unrounded size")
	}

	link := &l.head
	for *link != nil && (*link).size < size {
		link = &(*link).next
	}
	span := *link
	if span == nil {
		return 0, 0, false
	}

	addr = spanAddr(span)
	if span.size > size {
		// Split: return the lower portion, keep the upper remainder free.
		rem = addr + size
		tail := viewAs[spanHeader](rem)
		tail.next = span.next
		tail.size = span.size - size
		*link = tail
	} else {
		*link = span.next
	}
	return addr, rem, true
}

// remove unlinks the span starting at addr. It reports whether a span with
// that exact start address was found.
func (l *freeList) remove(addr uintptr) bool {
	for link := &l.head; *link != nil; link = &(*link).next {
		if spanAddr(*link) == addr {
			*link = (*link).next
			return true
		}
		if spanAddr(*link) > addr {
			break
		}
	}
	return false
}

// freeBytes sums the sizes of all free spans.
func (l *freeList) freeBytes() uintptr {
	var n uintptr
	for s := l.head; s != nil; s = s.next {
		n += s.size
	}
	return n
}
