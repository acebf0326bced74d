// Diagnostic dump surface: a JSON snapshot of index occupancy and
// geometry, the uds analogue of a stats/dump command (spec.md §4.2
// get_stats, §3 Geometry).
package uds

import "github.com/goccy/go-json"

// Snapshot is the JSON-serializable diagnostic view of a running index.
type Snapshot struct {
	Geometry    string `json:"geometry"`
	ListCount   int    `json:"volume_index_list_count"`
	RecordCount int    `json:"volume_index_record_count"`
	UsedBits    uint64 `json:"volume_index_used_bits"`
	OldestVCN   uint64 `json:"oldest_virtual_chapter"`
	OpenVCN     uint64 `json:"open_virtual_chapter"`
	OpenRecords int    `json:"open_chapter_record_count"`
}

// Dump captures the current state of idx as a Snapshot, guarded by the
// same lock used by the request pipeline.
func (idx *Index) Dump() Snapshot {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	stats := idx.volumeIndex.Stats()
	return Snapshot{
		Geometry:    idx.geometry.String(),
		ListCount:   stats.ListCount,
		RecordCount: stats.RecordCount,
		UsedBits:    stats.UsedBits,
		OldestVCN:   idx.oldestVCN,
		OpenVCN:     idx.open.vcn,
		OpenRecords: len(idx.open.names),
	}
}

// MarshalJSON renders a Snapshot, used by the diagnostic HTTP/CLI surface
// that consumes index state (out of scope here beyond the encoding seam
// itself).
func (s Snapshot) MarshalJSON() ([]byte, error) {
	type alias Snapshot
	return json.Marshal(alias(s))
}
