package mwgc

import (
	"io"

	"github.com/sigurn/crc16"
)

// dumpWidth is how many blocks a heap dump prints per row.
const dumpWidth = 64

// Dump writes the state of every heap block to w, one character per block:
// '*' for an allocation head, '-' for span interior, '#' for a gray (Check)
// head, and '·' for free blocks. The output matches the free list, not just
// the raw colors, so free spans read as free even mid-cycle when they share
// a color with live objects.
func (h *Heap) Dump(w io.Writer) {
	row := make([]byte, 0, dumpWidth*2)
	nextFree := h.free.head
	inFree := uintptr(0) // free blocks left in the current span
	for i := uintptr(0); i < h.colors.blocks; i++ {
		if nextFree != nil && spanAddr(nextFree) == h.blockAddr(i) {
			inFree = nextFree.size / BlockSize
			nextFree = nextFree.next
		}
		switch {
		case inFree > 0:
			inFree--
			row = append(row, "·"...)
		case h.colors.get(i) == Continue:
			row = append(row, '-')
		case h.colors.get(i) == Check:
			row = append(row, '#')
		default:
			row = append(row, '*')
		}
		if i%dumpWidth == dumpWidth-1 || i+1 == h.colors.blocks {
			row = append(row, '\n')
			w.Write(row)
			row = row[:0]
		}
	}
}

// Snapshot is a copy of a heap's color map, taken for later comparison.
type Snapshot struct {
	blocks uintptr
	bits   []byte
}

var snapshotTable = crc16.MakeTable(crc16.CRC16_XMODEM)

// Snapshot copies the current color map.
func (h *Heap) Snapshot() *Snapshot {
	bits := make([]byte, len(h.colors.bits))
	copy(bits, h.colors.bits)
	return &Snapshot{blocks: h.colors.blocks, bits: bits}
}

// Blocks returns the number of blocks the snapshot covers.
func (s *Snapshot) Blocks() uintptr {
	return s.blocks
}

// Color returns the recorded color of block i.
func (s *Snapshot) Color(i uintptr) Color {
	if heapAsserts && i >= s.blocks {
		panic("mwgc: snapshot lookup out of range")
	}
	return Color(s.bits[i/blocksPerByte]>>(i%blocksPerByte*colorBits)) & colorMask
}

// Checksum returns a CRC-16/XMODEM digest of the packed color map. Two
// snapshots with the same checksum almost certainly recorded the same block
// states, which makes the digest a cheap way to detect unexpected heap
// mutation between two points in a program.
func (s *Snapshot) Checksum() uint16 {
	return crc16.Checksum(s.bits, snapshotTable)
}

// Checksum is shorthand for h.Snapshot().Checksum() without the copy.
func (h *Heap) Checksum() uint16 {
	return crc16.Checksum(h.colors.bits, snapshotTable)
}
