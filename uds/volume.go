// Volume store: the array of chapters on block storage, addressed through
// Layout, plus the bounded page cache from cache.go (spec.md §4.3).
package uds

import "encoding/binary"

// Volume owns the on-disk chapter ring and its page cache.
type Volume struct {
	layout Layout
	cache  *PageCache
}

// NewVolume wires a BlockStorage, geometry/offset (Layout), and a page
// cache of cacheCapacity pages serving zoneCount reader zones.
func NewVolume(storage BlockStorage, layout Layout, cacheCapacity, zoneCount, readerThreads int) *Volume {
	cache := NewPageCache(storage, layout.Geometry.BytesPerPage, cacheCapacity, zoneCount)
	cache.StartReaders(readerThreads)
	return &Volume{layout: layout, cache: cache}
}

// SwitchStorage repoints the volume (and its page cache) at a new backing
// device, dropping all cached pages since they may no longer reflect the
// new device's contents (spec.md §4.4 "resume may switch to a different
// backing device").
func (v *Volume) SwitchStorage(storage BlockStorage) {
	v.cache.mu.Lock()
	v.cache.storage = storage
	v.cache.slots = make(map[int64]*CachedPage, v.cache.capacity)
	v.cache.lru = nil
	v.cache.mu.Unlock()
}

// recordEntrySize is the wire size of one (name, metadata) pair on a
// record page.
const recordEntrySize = RecordNameSize + MetadataSize

// encodeRecordPage packs up to geometry.RecordsPerPage (name, metadata)
// pairs, sorted by name, into one page buffer (spec.md §3 "record pages
// sorted").
func encodeRecordPage(g Geometry, entries []recordPageEntry) []byte {
	buf := make([]byte, g.BytesPerPage)
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(entries)))
	off := 4
	for _, e := range entries {
		copy(buf[off:], e.Name[:])
		copy(buf[off+RecordNameSize:], e.Metadata[:])
		off += recordEntrySize
	}
	return buf
}

type recordPageEntry struct {
	Name     RecordName
	Metadata Metadata
}

func decodeRecordPage(buf []byte) []recordPageEntry {
	if len(buf) < 4 {
		return nil
	}
	count := int(binary.BigEndian.Uint32(buf[0:4]))
	entries := make([]recordPageEntry, 0, count)
	off := 4
	for i := 0; i < count && off+recordEntrySize <= len(buf); i++ {
		var e recordPageEntry
		copy(e.Name[:], buf[off:off+RecordNameSize])
		copy(e.Metadata[:], buf[off+RecordNameSize:off+recordEntrySize])
		entries = append(entries, e)
		off += recordEntrySize
	}
	return entries
}

func findInRecordPage(entries []recordPageEntry, name RecordName) (Metadata, bool) {
	for _, e := range entries {
		if e.Name == name {
			return e.Metadata, true
		}
	}
	return Metadata{}, false
}

// WriteChapter writes one physical chapter (index pages then record pages)
// for virtual chapter number vcn, physically slotted at vcn %
// ChaptersPerVolume (spec.md §3 "advancing virtual_chapter_number... old
// chapters are overwritten").
func (v *Volume) WriteChapter(vcn uint64, pages []ChapterIndexPage, records [][]recordPageEntry) error {
	slot := int(vcn % uint64(v.layout.Geometry.ChaptersPerVolume))

	for i, p := range pages {
		buf := encodeChapterIndexPage(p)
		off := v.layout.PageOffset(slot, i)
		if _, err := v.cache.storage.WriteAt(buf, off); err != nil {
			return err
		}
		physPage := off / int64(v.layout.Geometry.BytesPerPage)
		v.cache.InvalidatePage(physPage)
	}
	for i, rec := range records {
		buf := encodeRecordPage(v.layout.Geometry, rec)
		off := v.layout.PageOffset(slot, v.layout.Geometry.IndexPagesPerChapter+i)
		if _, err := v.cache.storage.WriteAt(buf, off); err != nil {
			return err
		}
		physPage := off / int64(v.layout.Geometry.BytesPerPage)
		v.cache.InvalidatePage(physPage)
	}
	return nil
}

// ReadChapterIndexPage synchronously loads chapter-index page pageNum of
// virtual chapter vcn (spec.md §4.3 get_page_locked). It is used through
// ReadAllIndexPages by the sparse cache, which has no zone of its own to
// bracket a protected read with.
func (v *Volume) ReadChapterIndexPage(vcn uint64, pageNum int) (ChapterIndexPage, error) {
	physPage := v.chapterIndexPhysPage(vcn, pageNum)
	cached, err := v.cache.GetPageLocked(physPage)
	if err != nil {
		return ChapterIndexPage{}, err
	}
	return decodeChapterIndexPage(cached.Data), nil
}

// ReadRecordPage synchronously loads record page pageNum (0-based within
// the chapter's record-page region) of virtual chapter vcn.
func (v *Volume) ReadRecordPage(vcn uint64, pageNum int) ([]recordPageEntry, error) {
	physPage := v.recordPhysPage(vcn, pageNum)
	cached, err := v.cache.GetPageLocked(physPage)
	if err != nil {
		return nil, err
	}
	return decodeRecordPage(cached.Data), nil
}

func (v *Volume) chapterIndexPhysPage(vcn uint64, pageNum int) int64 {
	slot := int(vcn % uint64(v.layout.Geometry.ChaptersPerVolume))
	off := v.layout.PageOffset(slot, pageNum)
	return off / int64(v.layout.Geometry.BytesPerPage)
}

func (v *Volume) recordPhysPage(vcn uint64, pageNum int) int64 {
	slot := int(vcn % uint64(v.layout.Geometry.ChaptersPerVolume))
	off := v.layout.PageOffset(slot, v.layout.Geometry.IndexPagesPerChapter+pageNum)
	return off / int64(v.layout.Geometry.BytesPerPage)
}

// readPageForZone is the request-pipeline hot path: it brackets a
// GetPageProtected attempt with BeginPendingSearch/EndPendingSearch so
// concurrent invalidation sees a consistent view (spec.md §4.3 "Ordering
// guarantees"), and only on a miss waits for the queued load, then calls
// GetPageLocked, which reads the page again if it was evicted meanwhile.
func (v *Volume) readPageForZone(physPage int64, zone int) (*CachedPage, error) {
	v.cache.BeginPendingSearch(zone)
	page, queued := v.cache.GetPageProtected(physPage, zone)
	v.cache.EndPendingSearch(zone)
	if queued == nil {
		return page, nil
	}
	<-queued.Ready
	return v.cache.GetPageLocked(physPage)
}

// ReadChapterIndexPageForZone is ReadChapterIndexPage's protected-path
// counterpart, used by the live request pipeline (spec.md §4.3).
func (v *Volume) ReadChapterIndexPageForZone(vcn uint64, pageNum, zone int) (ChapterIndexPage, error) {
	cached, err := v.readPageForZone(v.chapterIndexPhysPage(vcn, pageNum), zone)
	if err != nil {
		return ChapterIndexPage{}, err
	}
	return decodeChapterIndexPage(cached.Data), nil
}

// ReadRecordPageForZone is ReadRecordPage's protected-path counterpart.
func (v *Volume) ReadRecordPageForZone(vcn uint64, pageNum, zone int) ([]recordPageEntry, error) {
	cached, err := v.readPageForZone(v.recordPhysPage(vcn, pageNum), zone)
	if err != nil {
		return nil, err
	}
	return decodeRecordPage(cached.Data), nil
}

// ReadAllIndexPages loads every chapter-index page of virtual chapter vcn,
// used by the sparse cache to reconstruct a full packed chapter (spec.md
// §4.4 step 5).
func (v *Volume) ReadAllIndexPages(vcn uint64) ([]ChapterIndexPage, error) {
	pages := make([]ChapterIndexPage, v.layout.Geometry.IndexPagesPerChapter)
	for i := range pages {
		p, err := v.ReadChapterIndexPage(vcn, i)
		if err != nil {
			return nil, err
		}
		pages[i] = p
	}
	return pages, nil
}

// LookupInChapter finds name's metadata within virtual chapter vcn by
// consulting the on-disk chapter index, then the addressed record page
// (spec.md §4.4 step 4 "probe chapter index of chapter v, then ... the
// record page"). zone identifies the calling zone worker so both page
// reads go through GetPageProtected (spec.md §4.3), falling back to a
// queued load only on a cache miss.
func (v *Volume) LookupInChapter(vcn uint64, name RecordName, zone int) (Metadata, bool, error) {
	list, key := ListOfName(v.layout.Geometry, name)

	listsPerPage := v.layout.Geometry.DeltaListsPerChapter / v.layout.Geometry.IndexPagesPerChapter
	if listsPerPage == 0 {
		listsPerPage = 1
	}
	pageNum := list / listsPerPage
	if pageNum >= v.layout.Geometry.IndexPagesPerChapter {
		pageNum = v.layout.Geometry.IndexPagesPerChapter - 1
	}

	page, err := v.ReadChapterIndexPageForZone(vcn, pageNum, zone)
	if err != nil {
		return Metadata{}, false, err
	}
	recordPageNum, found := page.Find(list, key)
	if !found {
		return Metadata{}, false, nil
	}
	entries, err := v.ReadRecordPageForZone(vcn, int(recordPageNum), zone)
	if err != nil {
		return Metadata{}, false, err
	}
	meta, ok := findInRecordPage(entries, name)
	return meta, ok, nil
}
