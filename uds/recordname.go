package uds

// RecordNameSize is the width of a record name: 16 raw bytes produced by a
// 128-bit non-cryptographic hash (spec.md §3).
const RecordNameSize = 16

// MetadataSize is the width of the opaque metadata stored alongside a name.
const MetadataSize = 16

// RecordName is a content-addressed 16-byte identifier. Byte ranges are
// disjoint and big-endian on disk (spec.md §3):
//
//	[0:2]   SampleBytes        — sparse-sampling selector
//	[2:10]  VolumeIndexBytes   — zone + volume-index delta list
//	[10:16] ChapterIndexBytes  — chapter delta list + record address
type RecordName [RecordNameSize]byte

// Metadata is the opaque payload stored alongside a RecordName.
type Metadata [MetadataSize]byte

const (
	sampleStart, sampleEnd             = 0, 2
	volumeIndexStart, volumeIndexEnd   = 2, 10
	chapterIndexStart, chapterIndexEnd = 10, 16
)

// SampleBytes returns the bytes used to decide sparse-index hook membership.
func (n RecordName) SampleBytes() []byte { return n[sampleStart:sampleEnd] }

// VolumeIndexBytes returns the bytes from which the zone and volume-index
// delta-list key are derived.
func (n RecordName) VolumeIndexBytes() []byte { return n[volumeIndexStart:volumeIndexEnd] }

// ChapterIndexBytes returns the bytes from which the chapter delta-list and
// record-page address are derived.
func (n RecordName) ChapterIndexBytes() []byte { return n[chapterIndexStart:chapterIndexEnd] }

// volumeIndexKey reconstructs the 64-bit big-endian value of
// VolumeIndexBytes, the quantity partitioned across zones and delta lists.
func (n RecordName) volumeIndexKey() uint64 {
	b := n.VolumeIndexBytes()
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

// chapterIndexKey reconstructs the 48-bit big-endian value of
// ChapterIndexBytes.
func (n RecordName) chapterIndexKey() uint64 {
	b := n.ChapterIndexBytes()
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

// sampleValue reconstructs the 16-bit big-endian value of SampleBytes.
func (n RecordName) sampleValue() uint16 {
	b := n.SampleBytes()
	return uint16(b[0])<<8 | uint16(b[1])
}
