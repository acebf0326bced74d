// Volume index: the RAM-resident mapping of record names to virtual
// chapter numbers, partitioned across Z independently-locked zones
// (spec.md §3/§4.2). Every name passed to PutRecord is stored, in sparse
// configurations too; non-hook names are not removed as their chapters
// age.
package uds

import "sync"

// volumeIndexTotalLists is the total number of delta lists across all
// zones combined; list_of(name) selects one of these before being mapped
// to its owning zone.
const volumeIndexTotalLists = 4096

// VolumeIndex is the RAM-resident portion of the dedup index. A given
// record name maps deterministically to exactly one zone (spec.md §3
// invariant).
type VolumeIndex struct {
	zoneCount     int
	listsPerZone  int
	sparse        bool
	sampleRate    int
	zones         []*volumeIndexZone
}

type volumeIndexZone struct {
	mu    sync.Mutex
	delta *DeltaIndex
}

// NewVolumeIndex constructs a volume index with zoneCount independently
// locked zones over geometry-derived delta lists.
func NewVolumeIndex(zoneCount int, geometry Geometry) *VolumeIndex {
	if zoneCount < 1 {
		zoneCount = 1
	}
	listsPerZone := (volumeIndexTotalLists + zoneCount - 1) / zoneCount

	// capacityBitsPerZone bounds each zone's packed size to its share of
	// the volume index's total memory_size-derived budget, so Overflow
	// (spec.md §4.1/§4.2) is reachable instead of structurally unbounded.
	capacityBitsPerZone := geometry.VolumeIndexCapacityBits() / uint64(zoneCount)

	vi := &VolumeIndex{
		zoneCount:    zoneCount,
		listsPerZone: listsPerZone,
		sparse:       geometry.SparseChaptersPerVolume > 0,
		sampleRate:   geometry.SparseSampleRate,
		zones:        make([]*volumeIndexZone, zoneCount),
	}
	for z := range vi.zones {
		// payloadBits=64 holds the virtual chapter number directly;
		// collisionBytes=8 stores the full volume-index key on hash
		// collision between two distinct names' truncated keys.
		vi.zones[z] = &volumeIndexZone{delta: NewDeltaIndex(listsPerZone, 64, 64, 8, capacityBitsPerZone)}
	}
	return vi
}

// ZoneOf returns the zone index a record name deterministically belongs to.
func (vi *VolumeIndex) ZoneOf(name RecordName) int {
	listNum := int(name.volumeIndexKey() % volumeIndexTotalLists)
	return listNum / vi.listsPerZone
}

// listAndKey splits a name's volume-index bits into (list-within-zone,
// residual key) per spec.md §4.2: "list_of(name) selects a delta list, the
// remaining high bits form the key".
func (vi *VolumeIndex) listAndKey(name RecordName) (zone, list int, key uint64) {
	full := name.volumeIndexKey()
	listNum := int(full % volumeIndexTotalLists)
	zone = listNum / vi.listsPerZone
	list = listNum % vi.listsPerZone
	key = full / volumeIndexTotalLists
	return
}

// IsHook reports whether name is a sampled hook in a sparse
// configuration. Dense configurations treat every name as a hook.
// PutRecord does not consult it; the request pipeline uses it only to
// decide whether a volume-index miss goes on to the sparse-cache probe.
func (vi *VolumeIndex) IsHook(name RecordName) bool {
	if !vi.sparse || vi.sampleRate <= 0 {
		return true
	}
	return int(name.sampleValue())%vi.sampleRate == 0
}

// PutRecord inserts or updates name's virtual chapter number (spec.md §4.2
// "put_record(name, vcn)"). Per the Open Question decision recorded in
// SPEC_FULL.md, an update to an existing name always advances it to vcn,
// aging out the prior chapter reference, matching the teacher's Set
// semantics of always promoting a label to its newest record.
func (vi *VolumeIndex) PutRecord(name RecordName, vcn uint64) error {
	zone, list, key := vi.listAndKey(name)
	z := vi.zones[zone]
	z.mu.Lock()
	defer z.mu.Unlock()

	_, _, existingFullKey, found := z.delta.Get(list, key)
	isCollision := found && !sameFullKey(existingFullKey, name)
	var fullKey []byte
	if isCollision || found {
		fullKey = append([]byte(nil), name.VolumeIndexBytes()...)
	}
	return z.delta.Put(list, key, vcn, isCollision, fullKey)
}

func sameFullKey(stored []byte, name RecordName) bool {
	if stored == nil {
		return true
	}
	vb := name.VolumeIndexBytes()
	if len(stored) != len(vb) {
		return false
	}
	for i := range stored {
		if stored[i] != vb[i] {
			return false
		}
	}
	return true
}

// GetRecord looks up name's virtual chapter number (spec.md §4.2
// "get_record(name) -> Option<vcn>").
func (vi *VolumeIndex) GetRecord(name RecordName) (vcn uint64, found bool) {
	zone, list, key := vi.listAndKey(name)
	z := vi.zones[zone]
	z.mu.Lock()
	defer z.mu.Unlock()

	payload, _, _, ok := z.delta.Get(list, key)
	return payload, ok
}

// RemoveRecord deletes name's entry, returning whether it was present
// (spec.md §4.2 "remove_record(name)").
func (vi *VolumeIndex) RemoveRecord(name RecordName) bool {
	zone, list, key := vi.listAndKey(name)
	z := vi.zones[zone]
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.delta.Remove(list, key)
}

// Rollover ages out every entry whose virtual chapter number fell below
// vcnLimit (spec.md §4.2 "rollover(vcn_limit)"), returning the count
// removed across all zones.
func (vi *VolumeIndex) Rollover(vcnLimit uint64) int {
	removed := 0
	for _, z := range vi.zones {
		z.mu.Lock()
		removed += z.delta.RemoveIf(func(_ int, e DeltaEntryView) bool {
			return e.Payload < vcnLimit
		})
		z.mu.Unlock()
	}
	return removed
}

// Stats aggregates per-zone delta index statistics.
func (vi *VolumeIndex) Stats() Stats {
	var total Stats
	for _, z := range vi.zones {
		z.mu.Lock()
		s := z.delta.GetStats()
		z.mu.Unlock()
		total.ListCount += s.ListCount
		total.RecordCount += s.RecordCount
		total.UsedBits += s.UsedBits
	}
	return total
}
