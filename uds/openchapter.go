// In-memory open chapter: the chapter currently being filled, addressed
// as a simple name -> (record page placeholder, metadata) map until it is
// packed and written out (spec.md §4.2 "Open chapter index", §4.4 step 3).
package uds

// openChapterRecord is one entry accumulated in the chapter currently
// being filled.
type openChapterRecord struct {
	metadata Metadata
	page     uint32 // assigned record-page slot within the chapter
}

// openChapter accumulates records in arrival order until it reaches
// geometry.RecordsPerChapter, at which point the caller packs and writes
// it out and opens a fresh one (spec.md §4.4 step 6 "close-and-advance
// when it fills").
type openChapter struct {
	geometry Geometry
	vcn      uint64
	names    []RecordName // arrival order, partitioned into record pages
	records  map[RecordName]openChapterRecord
}

func newOpenChapter(g Geometry, vcn uint64) *openChapter {
	return &openChapter{
		geometry: g,
		vcn:      vcn,
		records:  make(map[RecordName]openChapterRecord, g.RecordsPerChapter),
	}
}

// full reports whether the open chapter has reached capacity.
func (oc *openChapter) full() bool {
	return len(oc.names) >= oc.geometry.RecordsPerChapter
}

// get looks up name in the currently-open chapter.
func (oc *openChapter) get(name RecordName) (Metadata, bool) {
	rec, ok := oc.records[name]
	return rec.metadata, ok
}

// put inserts or overwrites name's metadata, assigning it to the record
// page implied by its arrival position (spec.md §3 "records sorted within
// each record page" refers to the packed on-disk form; the open chapter
// itself is a simple arrival-ordered accumulator that sorts at pack time).
func (oc *openChapter) put(name RecordName, metadata Metadata) {
	if rec, exists := oc.records[name]; exists {
		rec.metadata = metadata
		oc.records[name] = rec
		return
	}
	oc.names = append(oc.names, name)
	page := uint32(len(oc.names)-1) / uint32(oc.geometry.RecordsPerPage)
	if int(page) >= oc.geometry.RecordPagesPerChapter {
		page = uint32(oc.geometry.RecordPagesPerChapter - 1)
	}
	oc.records[name] = openChapterRecord{metadata: metadata, page: page}
}

// pack builds the on-disk chapter-index pages and record pages for this
// chapter (spec.md §4.2 "Packed chapter index pages").
func (oc *openChapter) pack() ([]ChapterIndexPage, [][]recordPageEntry) {
	idx := NewOpenChapterIndex(oc.geometry)
	byPage := make([][]recordPageEntry, oc.geometry.RecordPagesPerChapter)

	for _, name := range oc.names {
		rec := oc.records[name]
		// Overflow is a legitimate, silent drop per spec.md §4.2; the
		// record still lives on its record page and remains reachable
		// only through a linear rescan during recovery.
		_ = idx.Put(name, rec.page)
		byPage[rec.page] = append(byPage[rec.page], recordPageEntry{Name: name, Metadata: rec.metadata})
	}
	for i, entries := range byPage {
		byPage[i] = sortRecordPageEntries(entries)
	}

	return idx.Pack(oc.geometry.IndexPagesPerChapter), byPage
}

// sortRecordPageEntries orders entries by name so readers can address
// them positionally within a page (spec.md §3).
func sortRecordPageEntries(entries []recordPageEntry) []recordPageEntry {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && lessName(entries[j].Name, entries[j-1].Name); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
	return entries
}

func lessName(a, b RecordName) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
