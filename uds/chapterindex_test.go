package uds

import "testing"

func smallGeometry() Geometry {
	return DeriveGeometry(MemorySize{Variant: Memory256MB}, false)
}

func nameFromInt(n int) RecordName {
	seed := []byte{byte(n), byte(n >> 8), byte(n >> 16), byte(n >> 24), 'c', 'h', 'a', 'p'}
	return HashPayload(seed)
}

func TestOpenChapterIndexPutGet(t *testing.T) {
	g := smallGeometry()
	oc := NewOpenChapterIndex(g)

	names := make([]RecordName, 0, 200)
	for i := 0; i < 200; i++ {
		names = append(names, nameFromInt(i))
	}
	for i, n := range names {
		if err := oc.Put(n, uint32(i%g.RecordPagesPerChapter)); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}
	for i, n := range names {
		want := uint32(i % g.RecordPagesPerChapter)
		got, ok := oc.Get(n)
		if !ok || got != want {
			t.Fatalf("Get(%d) = %d, %v; want %d", i, got, ok, want)
		}
	}
}

func TestChapterIndexPackingRoundTrip(t *testing.T) {
	g := smallGeometry()
	oc := NewOpenChapterIndex(g)

	type rec struct {
		name RecordName
		page uint32
	}
	var recs []rec
	for i := 0; i < 500; i++ {
		n := nameFromInt(i * 7919)
		page := uint32(i % g.RecordPagesPerChapter)
		if err := oc.Put(n, page); err != nil {
			continue // overflow is a legitimate, non-fatal drop
		}
		recs = append(recs, rec{n, page})
	}

	pages := oc.Pack(g.IndexPagesPerChapter)

	sumLists := 0
	for _, p := range pages {
		sumLists += p.HighestList - p.LowestList + 1
	}
	if sumLists != g.DeltaListsPerChapter {
		t.Fatalf("sum(delta_lists_per_page) = %d, want %d", sumLists, g.DeltaListsPerChapter)
	}

	for _, r := range recs {
		list, key := ListOfName(g, r.name)
		page, ok := PageForList(pages, list)
		if !ok {
			t.Fatalf("no page covers list %d", list)
		}
		got, found := page.Find(list, key)
		if !found {
			// Only acceptable if record was in fact dropped by overflow;
			// since we only appended non-dropped recs, this is a failure.
			t.Fatalf("record for list %d key %d not found after packing", list, key)
		}
		if got != r.page {
			t.Fatalf("packed page number = %d, want %d", got, r.page)
		}
	}
}

// TestOpenChapterIndexOverflowThroughCapacityBits covers spec.md
// §4.1/§4.2's Overflow contract through the real production path:
// NewOpenChapterIndex derives a finite capacityBits from geometry
// (Geometry.ChapterIndexCapacityBits), so hammering Put on a
// deliberately tiny geometry must eventually return ErrOverflow rather
// than growing without bound.
func TestOpenChapterIndexOverflowThroughCapacityBits(t *testing.T) {
	g := Geometry{
		RecordsPerPage:        4,
		RecordPagesPerChapter: 1,
		IndexPagesPerChapter:  1,
		ChaptersPerVolume:     4,
		BytesPerPage:          64, // tiny on-disk page budget
		DeltaListsPerChapter:  4,
		RecordsPerChapter:     4,
	}
	if cap := g.ChapterIndexCapacityBits(); cap == 0 {
		t.Fatalf("expected nonzero ChapterIndexCapacityBits for a concrete geometry")
	}

	oc := NewOpenChapterIndex(g)
	var overflowed bool
	for i := 0; i < 2000; i++ {
		if err := oc.Put(nameFromInt(i), uint32(i%g.RecordPagesPerChapter)); err != nil {
			if err != ErrOverflow {
				t.Fatalf("Put(%d): unexpected error %v", i, err)
			}
			overflowed = true
			break
		}
	}
	if !overflowed {
		t.Fatalf("expected ErrOverflow to be reachable through OpenChapterIndex.Put on a tiny geometry")
	}
}

func TestEmptyChapterPack(t *testing.T) {
	g := smallGeometry()
	oc := NewOpenChapterIndex(g)

	pages := oc.Pack(g.IndexPagesPerChapter)
	sumLists := 0
	for _, p := range pages {
		sumLists += p.HighestList - p.LowestList + 1
		for _, entries := range p.Lists {
			if len(entries) != 0 {
				t.Fatalf("expected empty list in empty chapter pack")
			}
		}
	}
	if sumLists != g.DeltaListsPerChapter {
		t.Fatalf("sum(delta_lists_per_page) = %d, want %d", sumLists, g.DeltaListsPerChapter)
	}
}
