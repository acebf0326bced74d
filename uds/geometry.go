// Geometry derivation from the memory_size configuration parameter
// (spec.md §3 "Geometry").
package uds

import "fmt"

// MemoryVariant selects one of the coded small memory-size presets, or the
// generic per-GiB sizing.
type MemoryVariant int

const (
	Memory256MB MemoryVariant = iota
	Memory512MB
	Memory768MB
	MemoryGiB
)

// MemorySize is the memory_size configuration parameter: a small integer
// with coded variants for 256/512/768 MiB and 1..N GiB, plus "reduced"
// siblings that subtract one chapter (spec.md §3).
type MemorySize struct {
	Variant  MemoryVariant
	GiBCount int  // only meaningful when Variant == MemoryGiB
	Reduced  bool // subtract one chapter from the derived geometry
}

// fraction returns the memory size as a fraction of 1 GiB, the unit the
// chapter-count formula scales against.
func (m MemorySize) fraction() float64 {
	switch m.Variant {
	case Memory256MB:
		return 0.25
	case Memory512MB:
		return 0.5
	case Memory768MB:
		return 0.75
	default:
		if m.GiBCount < 1 {
			return 1
		}
		return float64(m.GiBCount)
	}
}

// Geometry is the full set of values derived from a MemorySize (spec.md §3).
type Geometry struct {
	RecordsPerPage          int
	RecordPagesPerChapter   int
	IndexPagesPerChapter    int
	ChaptersPerVolume       int
	BytesPerPage            int
	DeltaListsPerChapter    int
	RecordsPerChapter       int
	SparseChaptersPerVolume int // 0 for dense geometries
	SparseSampleRate        int // 0 for dense geometries
}

// Tunables held constant across memory-size variants; only the chapter
// count scales with configured memory.
const (
	bytesPerRecordEntry  = RecordNameSize + MetadataSize // 32
	recordsPerPageConst  = 128
	recordsPerChapterVal = 1 << 16 // 65536
	listsPerIndexPage    = 64
	recordsPerIndexPage  = 4096
	chaptersPerGiB       = 1024

	// denseRetainedChapters is the count of chapters a sparse geometry
	// leaves out of SparseChaptersPerVolume, and sets the minimum chapter
	// count (denseRetainedChapters+1). The volume index stores every name
	// whatever its chapter, so these chapters are not otherwise treated
	// differently from the sparse ones.
	denseRetainedChapters = 2
)

// DeriveGeometry computes a Geometry from a MemorySize and the sparse flag
// (spec.md §3).
func DeriveGeometry(ms MemorySize, sparse bool) Geometry {
	chapters := int(float64(chaptersPerGiB)*ms.fraction() + 0.5)
	if chapters < denseRetainedChapters+1 {
		chapters = denseRetainedChapters + 1
	}
	if ms.Reduced {
		chapters--
	}

	recordPagesPerChapter := (recordsPerChapterVal + recordsPerPageConst - 1) / recordsPerPageConst
	indexPagesPerChapter := (recordsPerChapterVal + recordsPerIndexPage - 1) / recordsPerIndexPage
	deltaListsPerChapter := indexPagesPerChapter * listsPerIndexPage

	g := Geometry{
		RecordsPerPage:        recordsPerPageConst,
		RecordPagesPerChapter: recordPagesPerChapter,
		IndexPagesPerChapter:  indexPagesPerChapter,
		ChaptersPerVolume:     chapters,
		BytesPerPage:          recordsPerPageConst * bytesPerRecordEntry,
		DeltaListsPerChapter:  deltaListsPerChapter,
		RecordsPerChapter:     recordsPerChapterVal,
	}

	if sparse {
		g.SparseChaptersPerVolume = chapters - denseRetainedChapters
		g.SparseSampleRate = 32
	}

	return g
}

// PagesPerChapter is the total on-disk page count of one chapter: the
// chapter-index pages followed by the record pages (spec.md §3 "Chapter").
func (g Geometry) PagesPerChapter() int {
	return g.IndexPagesPerChapter + g.RecordPagesPerChapter
}

// ChapterIndexCapacityBits is the encoded-bit budget of one chapter's
// open chapter index: it must pack into the on-disk space reserved for
// that chapter's index pages (spec.md §4.1 "Overflow when the encoded
// size of a delta list's packed form exceeds the allocated zone
// buffer"; §4.2 "an open chapter index packs into IndexPagesPerChapter
// pages").
func (g Geometry) ChapterIndexCapacityBits() uint64 {
	return uint64(g.IndexPagesPerChapter) * uint64(g.BytesPerPage) * 8
}

// volumeIndexBitsPerRecord is a generous per-entry encoded-size budget
// (key gap + payload + collision-flag + occasional collision suffix)
// used to translate the volume index's record capacity into the bit
// budget a memory_size-derived zone buffer is actually allocated
// (spec.md §4.1/§3 "the volume index is sized to the configured
// memory_size").
const volumeIndexBitsPerRecord = 96

// VolumeIndexCapacityBits is the total encoded-bit budget across every
// volume-index zone combined, sized to the largest record count the
// configured geometry can retain at once: every record in every
// currently-resident chapter.
func (g Geometry) VolumeIndexCapacityBits() uint64 {
	maxRecords := uint64(g.RecordsPerChapter) * uint64(g.ChaptersPerVolume)
	return maxRecords * volumeIndexBitsPerRecord
}

// String renders the geometry for diagnostics.
func (g Geometry) String() string {
	return fmt.Sprintf(
		"chapters=%d records/chapter=%d index-pages/chapter=%d record-pages/chapter=%d sparse-chapters=%d sample-rate=%d",
		g.ChaptersPerVolume, g.RecordsPerChapter, g.IndexPagesPerChapter,
		g.RecordPagesPerChapter, g.SparseChaptersPerVolume, g.SparseSampleRate,
	)
}
