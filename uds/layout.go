// On-disk region layout for the UDS index (spec.md §6). The full
// device-wide region table (geometry block, UDS region, VDO region) is
// owned by the top-level package wiring uds and vdo together; this file
// computes the UDS region's internal page offsets given a starting byte
// offset, supporting the LVM conversion path (spec.md §6
// "convert_to_lvm").
package uds

// HeaderPagesPerVolume is the fixed count of reserved pages preceding the
// chapter ring (spec.md §4.3).
const HeaderPagesPerVolume = 1

// Layout describes where a UDS index's sections live relative to its
// region's starting byte offset (spec.md §6 "offset: bytes to skip on the
// backing device for LVM headroom").
type Layout struct {
	Geometry Geometry
	Offset   int64 // bytes to skip for LVM headroom; 0 for the legacy layout
}

// PageOffset returns the byte offset of physical page (chapter, page)
// within the volume (spec.md §4.3 "map_to_physical_page(chapter, page)").
func (l Layout) PageOffset(chapter, page int) int64 {
	physicalPage := HeaderPagesPerVolume + chapter*l.Geometry.PagesPerChapter() + page
	return l.Offset + int64(physicalPage)*int64(l.Geometry.BytesPerPage)
}

// VolumeSize returns the total byte size of the UDS region's volume
// (header pages plus the full chapter ring), not counting the
// super-block/volume-index save image that precede it at Offset.
func (l Layout) VolumeSize() int64 {
	pages := HeaderPagesPerVolume + l.Geometry.ChaptersPerVolume*l.Geometry.PagesPerChapter()
	return int64(pages) * int64(l.Geometry.BytesPerPage)
}

// ConvertToLVM returns a Layout whose pages start at lvmOffset, or l
// itself when l.Offset is already at or past lvmOffset (spec.md §6
// "convert_to_lvm(params, lvm_offset) -> new_start_offset"). It only
// computes the new layout: no chapter data is copied and the new offset
// is not written to storage. Every page address is computed relative to
// Layout.Offset, so a zero Offset gives the legacy layout.
func ConvertToLVM(l Layout, lvmOffset int64) Layout {
	if l.Offset >= lvmOffset {
		return l
	}
	return Layout{Geometry: l.Geometry, Offset: lvmOffset}
}
