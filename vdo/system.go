// Top-level wiring: the device-wide region table (spec.md §6 "On-disk
// layout") tying the geometry block, the UDS index region, and the VDO
// region together over one shared backing device.
package vdo

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/jpl-au/dedupvol/uds"
)

// GeometryMagic identifies a formatted device's leading block.
const GeometryMagic = 0x55445653 // "UDVS"

// GeometryVersion is the current geometry-block format.
const GeometryVersion = 1

// RegionID names a region in the device-wide region table.
type RegionID uint32

const (
	RegionUDSIndex RegionID = iota
	RegionVDO
)

// RegionEntry is one row of the region table: a region's identity and
// starting byte offset on the shared device.
type RegionEntry struct {
	ID     RegionID
	Offset int64
}

// GeometryBlock is PBN 0 of a formatted device: magic, version, nonce,
// and the region table (spec.md §6).
type GeometryBlock struct {
	Magic   uint32
	Version uint32
	Nonce   uint64
	Regions []RegionEntry
}

// geometryBlockSize is fixed regardless of region count, so the block
// always fits at the start of PBN 0 (the UDS region begins at the next
// page); a device format is limited to maxRegions rows.
const maxRegions = 8
const geometryBlockSize = 4 + 4 + 8 + 4 + maxRegions*(4+8)

// EncodeGeometryBlock serializes g into a fixed geometryBlockSize-byte
// block, written at byte 0 of the device. All multi-byte fields are little-endian (spec.md §6).
func EncodeGeometryBlock(g GeometryBlock) []byte {
	buf := make([]byte, geometryBlockSize)
	binary.LittleEndian.PutUint32(buf[0:4], g.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], g.Version)
	binary.LittleEndian.PutUint64(buf[8:16], g.Nonce)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(len(g.Regions)))
	off := 20
	for _, r := range g.Regions {
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(r.ID))
		binary.LittleEndian.PutUint64(buf[off+4:off+12], uint64(r.Offset))
		off += 12
	}
	return buf
}

// DecodeGeometryBlock parses a geometry block previously produced by
// EncodeGeometryBlock.
func DecodeGeometryBlock(buf []byte) (GeometryBlock, error) {
	if len(buf) < 20 {
		return GeometryBlock{}, fmt.Errorf("vdo: truncated geometry block")
	}
	g := GeometryBlock{
		Magic:   binary.LittleEndian.Uint32(buf[0:4]),
		Version: binary.LittleEndian.Uint32(buf[4:8]),
		Nonce:   binary.LittleEndian.Uint64(buf[8:16]),
	}
	count := int(binary.LittleEndian.Uint32(buf[16:20]))
	off := 20
	for i := 0; i < count; i++ {
		if off+12 > len(buf) {
			return GeometryBlock{}, fmt.Errorf("vdo: truncated region table")
		}
		g.Regions = append(g.Regions, RegionEntry{
			ID:     RegionID(binary.LittleEndian.Uint32(buf[off : off+4])),
			Offset: int64(binary.LittleEndian.Uint64(buf[off+4 : off+12])),
		})
		off += 12
	}
	return g, nil
}

func (g GeometryBlock) regionOffset(id RegionID) (int64, bool) {
	for _, r := range g.Regions {
		if r.ID == id {
			return r.Offset, true
		}
	}
	return 0, false
}

// offsetStorage is a uds.BlockStorage view that adds a constant base
// offset to every access, the mechanism the region table uses to carve
// one shared device into independently-addressed regions.
type offsetStorage struct {
	base    uds.BlockStorage
	offset  int64
}

func (o offsetStorage) ReadAt(p []byte, off int64) (int, error)  { return o.base.ReadAt(p, off+o.offset) }
func (o offsetStorage) WriteAt(p []byte, off int64) (int, error) { return o.base.WriteAt(p, off+o.offset) }
func (o offsetStorage) Size() int64 {
	size := o.base.Size() - o.offset
	if size < 0 {
		return 0
	}
	return size
}

// System is the full VDO node: the UDS dedup index plus the block-map
// forest, data_vio pool, per-zone writeback engines, and the stubbed
// recovery-journal/slab-depot collaborators, all addressed through one
// shared backing device's region table.
type System struct {
	storage  uds.BlockStorage
	geometry GeometryBlock
	log      *zap.Logger

	Index *uds.Index

	Journal *journalStub
	Slabs   *slabStub
	Forest  *Forest
	Pool    *Pool
	Eras    []*EraZone

	readOnly atomic.Bool
}

// SystemOptions configures a fresh System format.
type SystemOptions struct {
	Nonce        uint64
	UDS          uds.OpenOptions
	RootCount    int
	SlabCount    uint64
	PoolSize     int
	DiscardLimit int
	ZoneCount    int
	JournalRing  int
	JournalBatch int
	Logger       *zap.Logger
}

func (o SystemOptions) normalize() SystemOptions {
	if o.RootCount < 1 {
		o.RootCount = 1
	}
	if o.PoolSize < 1 {
		o.PoolSize = 256
	}
	if o.DiscardLimit < 1 || o.DiscardLimit > o.PoolSize {
		o.DiscardLimit = (o.PoolSize * 3) / 4
	}
	if o.ZoneCount < 1 {
		o.ZoneCount = 1
	}
	if o.JournalRing < 1 {
		o.JournalRing = 16
	}
	if o.JournalBatch < 1 {
		o.JournalBatch = 64
	}
	if o.SlabCount < 1 {
		o.SlabCount = 1 << 20
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// udsRegionSize derives the UDS index region's byte span from its
// geometry, mirroring uds.Layout.VolumeSize plus header room for the
// index's own super-block and header page.
func udsRegionSize(g uds.Geometry) int64 {
	return int64(g.BytesPerPage) + uds.Layout{Geometry: g}.VolumeSize()
}

// Format lays out a fresh device: the geometry block at PBN 0, a UDS
// index region immediately after it, and a VDO region (block-map forest
// roots, recovery-journal and slab-depot stubs) after that (spec.md §6).
func Format(storage uds.BlockStorage, opts SystemOptions) (*System, error) {
	opts = opts.normalize()

	geometry := uds.DeriveGeometry(opts.UDS.MemorySize, opts.UDS.Sparse)
	udsOffset := int64(PageSize)
	vdoOffset := udsOffset + udsRegionSize(geometry)

	gb := GeometryBlock{
		Magic:   GeometryMagic,
		Version: GeometryVersion,
		Nonce:   opts.Nonce,
		Regions: []RegionEntry{
			{ID: RegionUDSIndex, Offset: udsOffset},
			{ID: RegionVDO, Offset: vdoOffset},
		},
	}
	if _, err := storage.WriteAt(EncodeGeometryBlock(gb), 0); err != nil {
		return nil, fmt.Errorf("vdo: write geometry block: %w", err)
	}

	udsView := offsetStorage{base: storage, offset: udsOffset}
	idx, err := uds.Open(udsView, uds.Create, opts.UDS)
	if err != nil {
		return nil, fmt.Errorf("vdo: format uds region: %w", err)
	}

	vdoView := offsetStorage{base: storage, offset: vdoOffset}
	forest, err := NewForest(vdoView, opts.RootCount, opts.Nonce)
	if err != nil {
		return nil, fmt.Errorf("vdo: format block-map forest: %w", err)
	}

	journal, err := NewJournalStub(opts.JournalRing, opts.JournalBatch)
	if err != nil {
		return nil, fmt.Errorf("vdo: format recovery journal stub: %w", err)
	}
	slabs := NewSlabStub(uint64(opts.RootCount)+1, opts.SlabCount)
	pool := NewPool(opts.PoolSize, opts.DiscardLimit, 128, opts.Logger)

	eras := make([]*EraZone, opts.ZoneCount)
	for i := range eras {
		eras[i] = NewEraZone(func(pbn uint64) error { return nil }, opts.Logger)
	}

	sys := &System{
		storage:  storage,
		geometry: gb,
		log:      opts.Logger,
		Index:    idx,
		Journal:  journal,
		Slabs:    slabs,
		Forest:   forest,
		Pool:     pool,
		Eras:     eras,
	}
	sys.wireReadOnly()
	return sys, nil
}

// Load reopens a previously-formatted device, rebuilding the UDS volume
// index per uds.Open's Load mode and reattaching fresh block-map,
// journal, slab, and era state (spec.md §7 "VDO recovery: on dirty open,
// replay the recovery journal into slab journals and the block map;
// interior pages whose content is inconsistent are reformatted empty on
// next load" — reformatting-on-mismatch is Page.Validate's job, invoked
// lazily the first time each page is loaded through the forest rather
// than as an eager up-front scan).
func Load(storage uds.BlockStorage, opts SystemOptions) (*System, error) {
	opts = opts.normalize()

	var header [geometryBlockSize]byte
	if _, err := storage.ReadAt(header[:], 0); err != nil {
		return nil, fmt.Errorf("vdo: read geometry block: %w", err)
	}
	gb, err := DecodeGeometryBlock(header[:])
	if err != nil {
		return nil, err
	}
	if gb.Magic != GeometryMagic {
		return nil, fmt.Errorf("vdo: bad geometry magic %x", gb.Magic)
	}

	udsOffset, ok := gb.regionOffset(RegionUDSIndex)
	if !ok {
		return nil, fmt.Errorf("vdo: geometry block missing UDS region")
	}
	vdoOffset, ok := gb.regionOffset(RegionVDO)
	if !ok {
		return nil, fmt.Errorf("vdo: geometry block missing VDO region")
	}

	udsView := offsetStorage{base: storage, offset: udsOffset}
	idx, err := uds.Open(udsView, uds.Load, opts.UDS)
	if err != nil {
		return nil, fmt.Errorf("vdo: load uds region: %w", err)
	}

	vdoView := offsetStorage{base: storage, offset: vdoOffset}
	forest, err := NewForest(vdoView, opts.RootCount, gb.Nonce)
	if err != nil {
		return nil, fmt.Errorf("vdo: reload block-map forest: %w", err)
	}

	journal, err := NewJournalStub(opts.JournalRing, opts.JournalBatch)
	if err != nil {
		return nil, fmt.Errorf("vdo: reload recovery journal stub: %w", err)
	}
	slabs := NewSlabStub(uint64(opts.RootCount)+1, opts.SlabCount)
	pool := NewPool(opts.PoolSize, opts.DiscardLimit, 128, opts.Logger)

	eras := make([]*EraZone, opts.ZoneCount)
	for i := range eras {
		eras[i] = NewEraZone(func(pbn uint64) error { return nil }, opts.Logger)
	}

	sys := &System{
		storage:  storage,
		geometry: gb,
		log:      opts.Logger,
		Index:    idx,
		Journal:  journal,
		Slabs:    slabs,
		Forest:   forest,
		Pool:     pool,
		Eras:     eras,
	}
	sys.wireReadOnly()
	return sys, nil
}

// wireReadOnly hooks every collaborator capable of detecting a metadata
// I/O error or a ref/generation-count underflow so any one of them
// transitions the whole System to ReadOnly (spec.md §7).
func (s *System) wireReadOnly() {
	s.Slabs.SetOnReadOnly(s.setReadOnly)
	for _, z := range s.Eras {
		z.SetOnReadOnly(s.setReadOnly)
	}
}

// setReadOnly transitions the System to ReadOnly exactly once, fanning
// the condition out to the data_vio pool so subsequent Acquire calls
// fail fast too (spec.md §7 "transitions the whole VDO to ReadOnly").
func (s *System) setReadOnly(err error) {
	if !s.readOnly.CompareAndSwap(false, true) {
		return
	}
	s.log.Error("vdo system entering read-only", zap.Error(err))
	s.Pool.SetReadOnly()
}

// ReadOnly reports whether this System has transitioned to ReadOnly.
func (s *System) ReadOnly() bool {
	return s.readOnly.Load()
}

// Close flushes and shuts down every subsystem (spec.md §4.4 "Close").
func (s *System) Close() error {
	if err := s.Journal.Flush(); err != nil {
		return err
	}
	return s.Index.Close()
}

// WriteLogical performs one logical-block write: allocate a physical
// block from the slab depot, stamp a recovery-journal sequence number,
// record the block-map mapping, and mark the owning era zone's page
// dirty under that sequence's era (spec.md §3 data-flow "client writes
// -> data_vio pool -> block-map forest lookup/allocate -> recovery
// journal + slab interactions -> completion").
func (s *System) WriteLogical(zone int, lbn uint64, isDiscard bool) (Entry, error) {
	if s.readOnly.Load() {
		return Entry{}, ErrReadOnly
	}

	vio, err := s.Pool.Acquire(isDiscard)
	if err != nil {
		return Entry{}, err
	}
	defer s.Pool.Release(vio)

	var entry Entry
	if isDiscard {
		entry = Entry{}
	} else {
		pbn, err := s.Slabs.AllocatePBN()
		if err != nil {
			return Entry{}, err
		}
		entry = Entry{PBN: pbn, State: Uncompressed}
	}

	seq := s.Journal.Stamp()
	if err := s.Forest.SetBlockMapSlot(lbn, entry); err != nil {
		s.setReadOnly(fmt.Errorf("vdo: block-map write failed: %w", err))
		return Entry{}, err
	}
	if err := s.Journal.Record(seq, lbn, entry); err != nil {
		return Entry{}, err
	}

	if zone >= 0 && zone < len(s.Eras) {
		if leafPBN, ok := s.Forest.LeafPagePBN(lbn); ok {
			s.Eras[zone].MarkDirty(leafPBN, seq)
		}
	}
	return entry, nil
}

// ReadLogical walks the block-map forest for lbn without allocating.
func (s *System) ReadLogical(lbn uint64) (Entry, error) {
	return s.Forest.FindBlockMapSlot(lbn, false)
}
