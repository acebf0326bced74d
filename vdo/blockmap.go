// Block-map entry: a 5-byte packed {pbn:36, state:4} mapping a logical
// block to a physical block and its compression state (spec.md §3 "Block
// map entry").
package vdo

import "fmt"

// MappingState is the low 4 bits of a packed block-map entry.
type MappingState uint8

const (
	Unmapped MappingState = iota
	Uncompressed
	// CompressedSlot0 through CompressedSlot13 occupy the remaining
	// values; compressed-ness is any state >= CompressedSlot0.
	CompressedSlot0
)

// MaxCompressedSlot is the highest representable compressed-slot state
// (4 bits total, two values reserved for unmapped/uncompressed).
const MaxCompressedSlot = 13

// IsCompressed reports whether state encodes a compressed slot.
func (s MappingState) IsCompressed() bool { return s >= CompressedSlot0 }

// EntrySize is the packed on-disk width of one block-map entry.
const EntrySize = 5

// pbnMask is the 36-bit physical-block-number mask.
const pbnMask = (1 << 36) - 1

// Entry is the in-memory, unpacked form of one block-map entry.
type Entry struct {
	PBN   uint64
	State MappingState
}

// ErrBadMapping is returned when an entry's state or PBN is invalid for
// its context, e.g. a compressed state with pbn == 0 (spec.md §3
// invariant "state=compressed implies pbn != 0").
var ErrBadMapping = fmt.Errorf("vdo: bad block-map entry")

// Validate enforces the entry invariant: a compressed state always
// implies a nonzero, in-range PBN, and pbn == 0 always means unmapped.
// An out-of-range PBN or an undefined compressed-slot value is the same
// BadMapping condition spec.md §4.5 requires VALIDATE to catch on a
// loaded interior page, not just on a freshly-written entry.
func (e Entry) Validate() error {
	if e.PBN == 0 && e.State != Unmapped {
		return ErrBadMapping
	}
	if e.State.IsCompressed() && e.PBN == 0 {
		return ErrBadMapping
	}
	if e.PBN > pbnMask {
		return ErrBadMapping
	}
	if uint8(e.State) > CompressedSlot0+MaxCompressedSlot {
		return ErrBadMapping
	}
	return nil
}

// Pack serializes the entry to its 5-byte on-disk form: 36 bits of PBN
// (low bits first) followed by the 4-bit state nibble in the top of the
// final byte.
func Pack(e Entry) [EntrySize]byte {
	var buf [EntrySize]byte
	v := (e.PBN & pbnMask) | (uint64(e.State&0xf) << 36)
	for i := 0; i < EntrySize; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	return buf
}

// Unpack is the inverse of Pack.
func Unpack(buf [EntrySize]byte) Entry {
	var v uint64
	for i := EntrySize - 1; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return Entry{
		PBN:   v & pbnMask,
		State: MappingState((v >> 36) & 0xf),
	}
}
