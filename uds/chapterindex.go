// Open (in-memory) chapter index and its packed on-disk page form
// (spec.md §4.2).
package uds

import "encoding/binary"

// OpenChapterIndex is a delta index over a chapter's
// geometry.DeltaListsPerChapter lists, mapping a record name's chapter
// delta-list key to the record-page number holding that name (spec.md
// §4.2 "Open chapter index").
type OpenChapterIndex struct {
	geometry Geometry
	delta    *DeltaIndex
}

// NewOpenChapterIndex returns an empty open chapter index sized by g.
func NewOpenChapterIndex(g Geometry) *OpenChapterIndex {
	// payloadBits=32 holds the record-page number; collisionBytes=6 stores
	// the full ChapterIndexBytes suffix on a truncated-key collision.
	// capacityBits bounds the packed size to what IndexPagesPerChapter
	// pages can actually hold, so Overflow (spec.md §4.1/§4.2) is reachable
	// instead of structurally unbounded. meanDelta is the average key gap
	// in one list when a full chapter spreads evenly over the lists: each
	// list covers 2^48/lists keys (chapterIndexKey is 48 bits) and gets
	// RecordsPerChapter/lists records.
	lists := uint64(g.DeltaListsPerChapter)
	if lists < 1 {
		lists = 1
	}
	perList := uint64(g.RecordsPerChapter) / lists
	if perList < 1 {
		perList = 1
	}
	meanDelta := (uint64(1) << 48) / lists / perList
	return &OpenChapterIndex{
		geometry: g,
		delta:    NewDeltaIndex(g.DeltaListsPerChapter, meanDelta, 32, 6, g.ChapterIndexCapacityBits()),
	}
}

func (oc *OpenChapterIndex) listAndKey(name RecordName) (list int, key uint64) {
	full := name.chapterIndexKey()
	n := uint64(oc.geometry.DeltaListsPerChapter)
	list = int(full % n)
	key = full / n
	return
}

// Put records that name lives on recordPageNumber. Per spec.md §4.2 and
// §7, an ErrOverflow here is not a fatal error: the on-disk format is
// intentionally lossy at this step, and callers drop the record silently.
func (oc *OpenChapterIndex) Put(name RecordName, recordPageNumber uint32) error {
	list, key := oc.listAndKey(name)
	_, _, existing, found := oc.delta.Get(list, key)
	isCollision := found && !bytesEqual(existing, name.ChapterIndexBytes())
	var fullKey []byte
	if isCollision || found {
		fullKey = append([]byte(nil), name.ChapterIndexBytes()...)
	}
	return oc.delta.Put(list, key, uint64(recordPageNumber), isCollision, fullKey)
}

func bytesEqual(a, b []byte) bool {
	if a == nil {
		return true
	}
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Get looks up name's record-page number in the open chapter index.
func (oc *OpenChapterIndex) Get(name RecordName) (recordPageNumber uint32, found bool) {
	list, key := oc.listAndKey(name)
	payload, _, _, ok := oc.delta.Get(list, key)
	return uint32(payload), ok
}

// ChapterIndexPage is one packed on-disk delta-index page: the lists in
// [LowestList, HighestList] and their entries (spec.md §4.2 "Packed
// chapter index pages").
type ChapterIndexPage struct {
	LowestList  int
	HighestList int
	Lists       [][]DeltaEntryView // indexed by (listNumber - LowestList)
}

// Find returns the record-page number for (listNumber, key) if listNumber
// falls within this page's range and the key is present.
func (p *ChapterIndexPage) Find(listNumber int, key uint64) (recordPageNumber uint32, found bool) {
	if listNumber < p.LowestList || listNumber > p.HighestList {
		return 0, false
	}
	entries := p.Lists[listNumber-p.LowestList]
	var sum uint64
	for _, e := range entries {
		sum += e.Delta
		if sum == key {
			return uint32(e.Payload), true
		}
		if sum > key {
			break
		}
	}
	return 0, false
}

// Pack splits the open chapter index into pageCount on-disk pages, lists
// assigned to pages in ascending order (spec.md §4.2: "lists are assigned
// to pages in order; each page records [lowest_list, highest_list]").
// Invariant: sum(delta_lists_per_page) == geometry.DeltaListsPerChapter.
func (oc *OpenChapterIndex) Pack(pageCount int) []ChapterIndexPage {
	if pageCount < 1 {
		pageCount = 1
	}
	total := oc.geometry.DeltaListsPerChapter
	base := total / pageCount
	extra := total % pageCount

	pages := make([]ChapterIndexPage, pageCount)
	list := 0
	for p := 0; p < pageCount; p++ {
		count := base
		if p < extra {
			count++
		}
		lowest := list
		highest := list + count - 1
		if count == 0 {
			highest = lowest - 1 // empty range, still well-formed
		}
		lists := make([][]DeltaEntryView, count)
		for i := 0; i < count; i++ {
			lists[i] = oc.delta.ListEntries(lowest + i)
		}
		pages[p] = ChapterIndexPage{LowestList: lowest, HighestList: highest, Lists: lists}
		list += count
	}
	return pages
}

// PageForList returns the index into a packed page slice covering
// listNumber, the page a reader must consult for a given
// chapter_delta_list (spec.md §4.2 "A record name maps to a page iff its
// chapter_delta_list is in that range").
func PageForList(pages []ChapterIndexPage, listNumber int) (ChapterIndexPage, bool) {
	for _, p := range pages {
		if listNumber >= p.LowestList && listNumber <= p.HighestList {
			return p, true
		}
	}
	return ChapterIndexPage{}, false
}

// encodeChapterIndexPage serializes a packed page to its on-disk wire form:
// lowest/highest list numbers followed by each list's entries as
// (delta, payload, collision-flag[, full-key]) tuples (spec.md §4.2 "Packed
// chapter index pages").
func encodeChapterIndexPage(p ChapterIndexPage) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], uint32(p.LowestList))
	binary.BigEndian.PutUint32(buf[4:8], uint32(p.HighestList))

	for _, entries := range p.Lists {
		head := make([]byte, 4)
		binary.BigEndian.PutUint32(head, uint32(len(entries)))
		buf = append(buf, head...)
		for _, e := range entries {
			var rec [17]byte
			binary.BigEndian.PutUint64(rec[0:8], e.Delta)
			binary.BigEndian.PutUint64(rec[8:16], e.Payload)
			if e.IsCollision {
				rec[16] = 1
			}
			buf = append(buf, rec[:]...)
			if e.IsCollision {
				buf = append(buf, byte(len(e.FullKey)))
				buf = append(buf, e.FullKey...)
			}
		}
	}
	return buf
}

// decodeChapterIndexPage is the inverse of encodeChapterIndexPage.
func decodeChapterIndexPage(buf []byte) ChapterIndexPage {
	if len(buf) < 8 {
		return ChapterIndexPage{}
	}
	lowest := int(int32(binary.BigEndian.Uint32(buf[0:4])))
	highest := int(int32(binary.BigEndian.Uint32(buf[4:8])))
	off := 8

	count := highest - lowest + 1
	if count < 0 {
		count = 0
	}
	lists := make([][]DeltaEntryView, count)
	var prevKey uint64
	for i := 0; i < count; i++ {
		if off+4 > len(buf) {
			break
		}
		n := int(binary.BigEndian.Uint32(buf[off : off+4]))
		off += 4
		prevKey = 0
		entries := make([]DeltaEntryView, 0, n)
		for j := 0; j < n && off+17 <= len(buf); j++ {
			delta := binary.BigEndian.Uint64(buf[off : off+8])
			payload := binary.BigEndian.Uint64(buf[off+8 : off+16])
			isCollision := buf[off+16] != 0
			off += 17
			var fullKey []byte
			if isCollision {
				if off >= len(buf) {
					break
				}
				klen := int(buf[off])
				off++
				if off+klen > len(buf) {
					break
				}
				fullKey = append([]byte(nil), buf[off:off+klen]...)
				off += klen
			}
			key := prevKey + delta
			prevKey = key
			entries = append(entries, DeltaEntryView{
				Key: key, Delta: delta, Payload: payload,
				IsCollision: isCollision, FullKey: fullKey,
			})
		}
		lists[i] = entries
	}
	return ChapterIndexPage{LowestList: lowest, HighestList: highest, Lists: lists}
}

// ListOfName exposes the chapter delta-list number and residual key for a
// record name against geometry g, so readers of packed pages (the volume
// store) can route a lookup without constructing a full OpenChapterIndex.
func ListOfName(g Geometry, name RecordName) (list int, key uint64) {
	full := name.chapterIndexKey()
	n := uint64(g.DeltaListsPerChapter)
	return int(full % n), full / n
}
