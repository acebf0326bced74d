// Package superblock implements the on-disk super-block shared by the UDS
// index region and the VDO region: a small fixed-header record carrying a
// version-tagged component-state payload and a checksum.
//
// Layout (all multi-byte fields little-endian):
//
//	id       uint32
//	major    uint32
//	minor    uint32
//	size     uint64  // length of payload in bytes
//	payload  [size]byte
//	checksum uint32  // crc32(IEEE) over id..payload
package superblock

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// Current and legacy format versions. Readers must accept both; writers
// always emit CurrentMajor/CurrentMinor.
const (
	CurrentMajor = 12
	CurrentMinor = 0

	LegacyMajor = 67
	LegacyMinor = 0
)

var (
	// ErrChecksumMismatch is returned when the trailing checksum does not
	// match the decoded header+payload.
	ErrChecksumMismatch = errors.New("superblock: checksum mismatch")
	// ErrUnsupportedVersion is returned for a major/minor pair that is
	// neither the current nor the legacy format.
	ErrUnsupportedVersion = errors.New("superblock: unsupported version")
	// ErrTruncated is returned when the input is shorter than the header
	// plus the declared payload size demands.
	ErrTruncated = errors.New("superblock: truncated record")
)

// HeaderSize is the fixed size, in bytes, of the id/major/minor/size fields.
const HeaderSize = 4 + 4 + 4 + 8

// RecoveryJournalState is the persisted shape of the recovery journal
// component. The journal's own operation is out of scope (spec.md §1); only
// its persisted state is modeled here.
type RecoveryJournalState struct {
	Nonce uint64
	Size  uint64
}

// SlabDepotState is the persisted shape of the slab-depot component. The
// slab allocator's own operation is out of scope; only its persisted state
// is modeled here.
type SlabDepotState struct {
	ZoneCount     uint16
	SlabSizeShift uint8
	SlabCount     uint32
}

// BlockMapState is the persisted shape of the block-map component.
type BlockMapState struct {
	RootCount     uint8
	FlatPageCount uint64
}

// PhysicalZoneState is the persisted shape of the physical-zone component.
type PhysicalZoneState struct {
	ZoneCount uint16
}

// ComponentStates is the full payload of a VDO super-block: the persisted
// state of every component that must survive a clean save/load cycle.
type ComponentStates struct {
	RecoveryJournal RecoveryJournalState
	SlabDepot       SlabDepotState
	BlockMap        BlockMapState
	PhysicalZones   PhysicalZoneState
}

// payloadSize is the exact wire size of ComponentStates: 16+7+9+2 = 34 bytes.
const payloadSize = 8 + 8 + 2 + 1 + 4 + 1 + 8 + 2

// SuperBlock is a decoded super-block record.
type SuperBlock struct {
	ID    uint32
	Major uint32
	Minor uint32
	State ComponentStates
}

// Encode serializes sb using the current format (major.minor =
// CurrentMajor.CurrentMinor) regardless of what sb.Major/Minor hold —
// writers always emit the current on-disk shape.
func Encode(sb SuperBlock) []byte {
	payload := encodeStates(sb.State)

	buf := make([]byte, HeaderSize+len(payload)+4)
	binary.LittleEndian.PutUint32(buf[0:4], sb.ID)
	binary.LittleEndian.PutUint32(buf[4:8], CurrentMajor)
	binary.LittleEndian.PutUint32(buf[8:12], CurrentMinor)
	binary.LittleEndian.PutUint64(buf[12:20], uint64(len(payload)))
	copy(buf[HeaderSize:HeaderSize+len(payload)], payload)

	sum := crc32.ChecksumIEEE(buf[:HeaderSize+len(payload)])
	binary.LittleEndian.PutUint32(buf[HeaderSize+len(payload):], sum)
	return buf
}

// Decode parses a super-block record from buf. It accepts both the current
// (12.0) and legacy (67.0) on-disk layouts, promoting legacy fields into the
// current ComponentStates shape. A single corrupted bit anywhere past the
// header fails checksum verification with ErrChecksumMismatch.
func Decode(buf []byte) (SuperBlock, error) {
	if len(buf) < HeaderSize+4 {
		return SuperBlock{}, ErrTruncated
	}

	id := binary.LittleEndian.Uint32(buf[0:4])
	major := binary.LittleEndian.Uint32(buf[4:8])
	minor := binary.LittleEndian.Uint32(buf[8:12])
	size := binary.LittleEndian.Uint64(buf[12:20])

	if uint64(len(buf)) < HeaderSize+size+4 {
		return SuperBlock{}, ErrTruncated
	}

	payload := buf[HeaderSize : HeaderSize+size]
	wantSum := binary.LittleEndian.Uint32(buf[HeaderSize+size : HeaderSize+size+4])
	gotSum := crc32.ChecksumIEEE(buf[:HeaderSize+size])
	if wantSum != gotSum {
		return SuperBlock{}, ErrChecksumMismatch
	}

	var states ComponentStates
	var err error
	switch {
	case major == CurrentMajor && minor == CurrentMinor:
		states, err = decodeStates(payload)
	case major == LegacyMajor && minor == LegacyMinor:
		states, err = decodeLegacyStates(payload)
	default:
		return SuperBlock{}, fmt.Errorf("%w: %d.%d", ErrUnsupportedVersion, major, minor)
	}
	if err != nil {
		return SuperBlock{}, err
	}

	return SuperBlock{ID: id, Major: major, Minor: minor, State: states}, nil
}

func encodeStates(s ComponentStates) []byte {
	buf := make([]byte, payloadSize)
	o := 0
	binary.LittleEndian.PutUint64(buf[o:], s.RecoveryJournal.Nonce)
	o += 8
	binary.LittleEndian.PutUint64(buf[o:], s.RecoveryJournal.Size)
	o += 8
	binary.LittleEndian.PutUint16(buf[o:], s.SlabDepot.ZoneCount)
	o += 2
	buf[o] = s.SlabDepot.SlabSizeShift
	o++
	binary.LittleEndian.PutUint32(buf[o:], s.SlabDepot.SlabCount)
	o += 4
	buf[o] = s.BlockMap.RootCount
	o++
	binary.LittleEndian.PutUint64(buf[o:], s.BlockMap.FlatPageCount)
	o += 8
	binary.LittleEndian.PutUint16(buf[o:], s.PhysicalZones.ZoneCount)
	o += 2
	return buf
}

func decodeStates(buf []byte) (ComponentStates, error) {
	if len(buf) != payloadSize {
		return ComponentStates{}, fmt.Errorf("superblock: payload size %d, want %d", len(buf), payloadSize)
	}
	var s ComponentStates
	o := 0
	s.RecoveryJournal.Nonce = binary.LittleEndian.Uint64(buf[o:])
	o += 8
	s.RecoveryJournal.Size = binary.LittleEndian.Uint64(buf[o:])
	o += 8
	s.SlabDepot.ZoneCount = binary.LittleEndian.Uint16(buf[o:])
	o += 2
	s.SlabDepot.SlabSizeShift = buf[o]
	o++
	s.SlabDepot.SlabCount = binary.LittleEndian.Uint32(buf[o:])
	o += 4
	s.BlockMap.RootCount = buf[o]
	o++
	s.BlockMap.FlatPageCount = binary.LittleEndian.Uint64(buf[o:])
	o += 8
	s.PhysicalZones.ZoneCount = binary.LittleEndian.Uint16(buf[o:])
	return s, nil
}

// legacyPayloadSize is the 67.0 layout: no SlabSizeShift field (slabs were
// fixed-size in that format) and a 32-bit flat page count.
const legacyPayloadSize = 8 + 8 + 2 + 4 + 1 + 4 + 2

// decodeLegacyStates promotes the 67.0 wire shape into the current
// ComponentStates, per spec.md §4.8 ("readers must also accept version
// 67.0... and promote its fields into the 12.0 component structure").
func decodeLegacyStates(buf []byte) (ComponentStates, error) {
	if len(buf) != legacyPayloadSize {
		return ComponentStates{}, fmt.Errorf("superblock: legacy payload size %d, want %d", len(buf), legacyPayloadSize)
	}
	var s ComponentStates
	o := 0
	s.RecoveryJournal.Nonce = binary.LittleEndian.Uint64(buf[o:])
	o += 8
	s.RecoveryJournal.Size = binary.LittleEndian.Uint64(buf[o:])
	o += 8
	s.SlabDepot.ZoneCount = binary.LittleEndian.Uint16(buf[o:])
	o += 2
	s.SlabDepot.SlabCount = binary.LittleEndian.Uint32(buf[o:])
	o += 4
	// Legacy format had no per-depot shift; fixed slabs default to shift 0.
	s.SlabDepot.SlabSizeShift = 0
	s.BlockMap.RootCount = buf[o]
	o++
	s.BlockMap.FlatPageCount = uint64(binary.LittleEndian.Uint32(buf[o:]))
	o += 4
	s.PhysicalZones.ZoneCount = binary.LittleEndian.Uint16(buf[o:])
	return s, nil
}
