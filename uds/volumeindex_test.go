package uds

import "testing"

// TestVolumeIndexOverflowThroughCapacityBits covers spec.md §4.1/§4.2's
// Overflow contract through the real production path: NewVolumeIndex
// derives a finite per-zone capacityBits from geometry
// (Geometry.VolumeIndexCapacityBits), so hammering PutRecord on a
// deliberately tiny geometry must eventually return ErrOverflow through
// the real VolumeIndex API rather than growing without bound.
func TestVolumeIndexOverflowThroughCapacityBits(t *testing.T) {
	g := Geometry{
		RecordsPerPage:        4,
		RecordPagesPerChapter: 1,
		IndexPagesPerChapter:  1,
		ChaptersPerVolume:     2,
		BytesPerPage:          64,
		DeltaListsPerChapter:  4,
		RecordsPerChapter:     2, // tiny capacity budget via VolumeIndexCapacityBits
	}
	if cap := g.VolumeIndexCapacityBits(); cap == 0 {
		t.Fatalf("expected nonzero VolumeIndexCapacityBits for a concrete geometry")
	}

	vi := NewVolumeIndex(1, g)
	var overflowed bool
	for i := 0; i < 2000; i++ {
		if err := vi.PutRecord(nameFromInt(i), uint64(i)); err != nil {
			if err != ErrOverflow {
				t.Fatalf("PutRecord(%d): unexpected error %v", i, err)
			}
			overflowed = true
			break
		}
	}
	if !overflowed {
		t.Fatalf("expected ErrOverflow to be reachable through VolumeIndex.PutRecord on a tiny geometry")
	}
}
