// Delta index: a bit-packed sorted set of (key, payload) pairs organized as
// N delta lists over a shared zone buffer (spec.md §4.1).
//
// Storage model. Each list's entries are kept sorted in a Go slice — the
// logical, always-consistent view used by Put/Remove/Get/StartSearch. The
// delta-coded bit stream spec.md §4.1 describes ("entry = delta-encoded
// key gap + payload + optional collision suffix") is never materialized:
// entryBits/TotalBits compute the size, in bits, each entry would take in
// it, which avoids in-place bit-splicing of a mutable byte buffer on every
// insert. Overflow accounting (capacityBits) is computed from that size.
// The on-disk chapter-index page codec (chapterindex.go) writes
// fixed-width fields instead, so a packed page's byte size is not the bit
// count accounted here.
package uds

import "sort"

// deltaEntry is one (key, payload) pair, optionally carrying a collision
// suffix (the full key, used when two records' truncated keys collide).
type deltaEntry struct {
	key         uint64
	payload     uint64
	isCollision bool
	fullKey     []byte
}

// DeltaList is one sorted delta list: entries in strictly ascending key
// order (spec.md §4.1 "a list holds keys in strictly ascending order").
type DeltaList struct {
	entries []deltaEntry
}

// DeltaIndex is a zone's full set of delta lists plus the codec parameters
// needed to compute each list's encoded (wire) size.
type DeltaIndex struct {
	lists         []DeltaList
	meanDelta     uint64
	payloadBits   uint
	collisionBits uint // width, in bits, of the full-key collision suffix
	capacityBits  uint64
}

// NewDeltaIndex returns an empty delta index of listCount lists (spec.md
// §4.1 "empty(list_count, mean_delta, payload_bits)"). capacityBits bounds
// the total encoded size across all lists; zero means unbounded.
func NewDeltaIndex(listCount int, meanDelta uint64, payloadBits uint, collisionBytes uint, capacityBits uint64) *DeltaIndex {
	if meanDelta == 0 {
		meanDelta = 1
	}
	return &DeltaIndex{
		lists:         make([]DeltaList, listCount),
		meanDelta:     meanDelta,
		payloadBits:   payloadBits,
		collisionBits: collisionBytes * 8,
		capacityBits:  capacityBits,
	}
}

// ListCount returns the number of delta lists.
func (di *DeltaIndex) ListCount() int { return len(di.lists) }

// riceDivisorBits returns the fixed-width remainder size used by the Rice
// code for this index's mean delta, chosen as the smallest power-of-two
// divisor at or above meanDelta so the remainder field has constant width
// ("count of leading one bits selects a code class", spec.md §4.1 — the
// unary quotient is that class selector, the fixed remainder is the binary
// part).
func (di *DeltaIndex) riceDivisorBits() uint {
	bits := uint(0)
	for (uint64(1) << bits) < di.meanDelta {
		bits++
	}
	return bits
}

// entryBits returns the number of bits one entry occupies when encoded:
// unary quotient (variable) + fixed remainder + payload + optional
// collision flag and suffix.
func (di *DeltaIndex) entryBits(e deltaEntry, prevKey uint64) uint64 {
	delta := e.key - prevKey
	r := di.riceDivisorBits()
	q := delta >> r
	bits := q + 1 + uint64(r) + uint64(di.payloadBits) + 1 // +1 unary terminator, +1 collision flag
	if e.isCollision {
		bits += uint64(di.collisionBits)
	}
	return bits
}

// listBits returns the total encoded size, in bits, of a list.
func (di *DeltaIndex) listBits(list int) uint64 {
	var total uint64
	var prev uint64
	for _, e := range di.lists[list].entries {
		total += di.entryBits(e, prev)
		prev = e.key
	}
	return total
}

// TotalBits returns the encoded size, in bits, of the whole zone buffer.
func (di *DeltaIndex) TotalBits() uint64 {
	var total uint64
	for i := range di.lists {
		total += di.listBits(i)
	}
	return total
}

func (di *DeltaIndex) find(list int, key uint64) int {
	entries := di.lists[list].entries
	return sort.Search(len(entries), func(i int) bool { return entries[i].key >= key })
}

// Get looks up key in list (spec.md §4.1 "start_search"+"next_entry" used
// as a point lookup).
func (di *DeltaIndex) Get(list int, key uint64) (payload uint64, isCollision bool, fullKey []byte, found bool) {
	entries := di.lists[list].entries
	i := di.find(list, key)
	if i < len(entries) && entries[i].key == key {
		e := entries[i]
		return e.payload, e.isCollision, e.fullKey, true
	}
	return 0, false, nil, false
}

// Put inserts or overwrites (key, payload) in list. Returns ErrOverflow if
// the zone's capacityBits would be exceeded; the caller decides whether
// that is fatal (spec.md §4.1 "caller may discard ... or abort").
func (di *DeltaIndex) Put(list int, key uint64, payload uint64, isCollision bool, fullKey []byte) error {
	entries := di.lists[list].entries
	i := di.find(list, key)

	var trial []deltaEntry
	if i < len(entries) && entries[i].key == key {
		trial = make([]deltaEntry, len(entries))
		copy(trial, entries)
		trial[i] = deltaEntry{key, payload, isCollision, fullKey}
	} else {
		trial = make([]deltaEntry, 0, len(entries)+1)
		trial = append(trial, entries[:i]...)
		trial = append(trial, deltaEntry{key, payload, isCollision, fullKey})
		trial = append(trial, entries[i:]...)
	}

	if di.capacityBits > 0 {
		saved := di.lists[list].entries
		di.lists[list].entries = trial
		newTotal := di.TotalBits()
		di.lists[list].entries = saved
		if newTotal > di.capacityBits {
			return ErrOverflow
		}
	}

	di.lists[list].entries = trial
	return nil
}

// Remove deletes key from list, returning whether it was present (spec.md
// §4.1 "remove(cursor)").
func (di *DeltaIndex) Remove(list int, key uint64) bool {
	entries := di.lists[list].entries
	i := di.find(list, key)
	if i < len(entries) && entries[i].key == key {
		di.lists[list].entries = append(entries[:i], entries[i+1:]...)
		return true
	}
	return false
}

// Cursor iterates a list in ascending key order from a search position
// (spec.md §4.1 "start_search"/"next_entry").
type Cursor struct {
	list  []deltaEntry
	pos   int
	prev  uint64
}

// StartSearch returns a cursor positioned at the first entry of list whose
// key is >= key.
func (di *DeltaIndex) StartSearch(list int, key uint64) *Cursor {
	i := di.find(list, key)
	prev := uint64(0)
	if i > 0 {
		prev = di.lists[list].entries[i-1].key
	}
	return &Cursor{list: di.lists[list].entries, pos: i, prev: prev}
}

// DeltaEntryView is the value produced by Cursor.Next.
type DeltaEntryView struct {
	Key         uint64
	Delta       uint64
	Payload     uint64
	IsCollision bool
	FullKey     []byte
	AtEnd       bool
}

// Next advances the cursor, returning the next entry or AtEnd=true once the
// list is exhausted.
func (c *Cursor) Next() DeltaEntryView {
	if c.pos >= len(c.list) {
		return DeltaEntryView{AtEnd: true}
	}
	e := c.list[c.pos]
	delta := e.key - c.prev
	c.prev = e.key
	c.pos++
	return DeltaEntryView{Key: e.key, Delta: delta, Payload: e.payload, IsCollision: e.isCollision, FullKey: e.fullKey}
}

// Stats mirrors spec.md §4.1 "get_stats()".
type Stats struct {
	ListCount   int
	RecordCount int
	UsedBits    uint64
}

// GetStats reports index-wide occupancy.
func (di *DeltaIndex) GetStats() Stats {
	s := Stats{ListCount: len(di.lists)}
	for i := range di.lists {
		s.RecordCount += len(di.lists[i].entries)
	}
	s.UsedBits = di.TotalBits()
	return s
}

// RemoveIf deletes every entry across all lists for which pred returns
// true, returning the count removed. Used by volume-index rollover
// (spec.md §4.2 "rollover(vcn_limit)") to age out entries whose virtual
// chapter number fell out of the retained window.
func (di *DeltaIndex) RemoveIf(pred func(list int, entry DeltaEntryView) bool) int {
	removed := 0
	for li := range di.lists {
		entries := di.lists[li].entries
		kept := entries[:0:0]
		var prev uint64
		for _, e := range entries {
			view := DeltaEntryView{Key: e.key, Delta: e.key - prev, Payload: e.payload, IsCollision: e.isCollision, FullKey: e.fullKey}
			prev = e.key
			if pred(li, view) {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		di.lists[li].entries = kept
	}
	return removed
}

// ListEntries returns a defensive copy of a list's entries in ascending key
// order, used by packing (chapterindex.go) and rebuild-from-disk scans.
func (di *DeltaIndex) ListEntries(list int) []DeltaEntryView {
	entries := di.lists[list].entries
	out := make([]DeltaEntryView, len(entries))
	var prev uint64
	for i, e := range entries {
		out[i] = DeltaEntryView{Key: e.key, Delta: e.key - prev, Payload: e.payload, IsCollision: e.isCollision, FullKey: e.fullKey}
		prev = e.key
	}
	return out
}
