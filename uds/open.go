// Session open/close: UDS_CREATE formats a fresh volume, UDS_LOAD loads
// an existing one and always rebuilds the RAM-only volume index by
// rescanning on-disk chapters (the header's Dirty flag is not consulted),
// UDS_NO_REBUILD loads without attempting replay (spec.md §4.4 "Open/close", §7 "Crash recovery").
package uds

import (
	"fmt"

	"go.uber.org/zap"
)

// OpenOptions configures a new or existing index session.
type OpenOptions struct {
	MemorySize           MemorySize
	Sparse               bool
	ZoneCount            int
	CacheCapacity        int
	ReaderThreads        int
	SparseCacheChapters  int
	Log                  *zap.Logger
}

func (o OpenOptions) normalize() OpenOptions {
	if o.ZoneCount < 1 {
		o.ZoneCount = 1
	}
	if o.CacheCapacity < 1 {
		o.CacheCapacity = 64
	}
	if o.ReaderThreads < 1 {
		o.ReaderThreads = 1
	}
	if o.SparseCacheChapters < 1 {
		o.SparseCacheChapters = 8
	}
	return o
}

// Open attaches an index session to storage under the given mode (spec.md
// §4.4 "UDS_CREATE formats; UDS_LOAD loads (requires clean save);
// UDS_NO_REBUILD loads without attempting replay").
func Open(storage BlockStorage, mode OpenMode, opts OpenOptions) (*Index, error) {
	opts = opts.normalize()
	geometry := DeriveGeometry(opts.MemorySize, opts.Sparse)
	layout := Layout{Geometry: geometry, Offset: 0}

	switch mode {
	case Create:
		header := IndexHeader{
			Dirty: false, Variant: opts.MemorySize.Variant, GiBCount: opts.MemorySize.GiBCount,
			Reduced: opts.MemorySize.Reduced, Sparse: opts.Sparse,
		}
		if err := writeHeader(storage, header); err != nil {
			return nil, fmt.Errorf("uds: format header: %w", err)
		}
		volume := NewVolume(storage, layout, opts.CacheCapacity, opts.ZoneCount, opts.ReaderThreads)
		return newIndex(opts.Log, geometry, opts.MemorySize, opts.Sparse, layout, storage, volume,
			opts.ZoneCount, opts.SparseCacheChapters, 0, 0), nil

	case Load, LoadNoRebuild:
		header, err := readHeader(storage)
		if err != nil {
			return nil, fmt.Errorf("uds: read header: %w", err)
		}
		ms := MemorySize{Variant: header.Variant, GiBCount: header.GiBCount, Reduced: header.Reduced}
		geometry = DeriveGeometry(ms, header.Sparse)
		layout = Layout{Geometry: geometry, Offset: 0}

		volume := NewVolume(storage, layout, opts.CacheCapacity, opts.ZoneCount, opts.ReaderThreads)
		idx := newIndex(opts.Log, geometry, ms, header.Sparse, layout, storage, volume,
			opts.ZoneCount, opts.SparseCacheChapters, header.OldestVCN, header.OpenVCN)

		// The volume index lives only in RAM, so every load repopulates it
		// by rescanning on-disk chapters; UDS_NO_REBUILD opts out entirely,
		// accepting an index with no volume-index entries (spec.md §7
		// "Crash recovery").
		if mode == Load {
			if err := idx.rebuild(header.OldestVCN, header.OpenVCN); err != nil {
				return nil, fmt.Errorf("uds: rebuild: %w", err)
			}
			if err := idx.rehydrateOpenChapter(); err != nil {
				return nil, fmt.Errorf("uds: rehydrate open chapter: %w", err)
			}
		}
		return idx, nil

	default:
		return nil, ErrInvalidArgument
	}
}

// rebuild repopulates the volume index by rescanning every closed
// chapter's record pages (which, unlike the chapter index, carry full
// record names) in virtual-chapter order. It runs on every UDS_LOAD, since
// the volume index is never written to disk (spec.md §7 "Crash recovery:
// rescans chapters").
func (idx *Index) rebuild(oldestVCN, openVCN uint64) error {
	for vcn := oldestVCN; vcn < openVCN; vcn++ {
		for page := 0; page < idx.geometry.RecordPagesPerChapter; page++ {
			entries, err := idx.volume.ReadRecordPage(vcn, page)
			if err != nil {
				return fmt.Errorf("chapter %d page %d: %w", vcn, page, err)
			}
			for _, e := range entries {
				if err := idx.volumeIndex.PutRecord(e.Name, vcn); err != nil {
					idx.log.Warn("rebuild record dropped", zap.Error(err))
				}
			}
		}
	}
	return nil
}

// rehydrateOpenChapter reloads any checkpointed (not yet closed) chapter
// at the open virtual chapter number from disk, restoring both the
// in-memory open-chapter accumulator and the volume index entries for
// its records (spec.md §4.4 "Suspend may optionally flush to disk
// (save)").
func (idx *Index) rehydrateOpenChapter() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	vcn := idx.open.vcn
	for page := 0; page < idx.geometry.RecordPagesPerChapter; page++ {
		entries, err := idx.volume.ReadRecordPage(vcn, page)
		if err != nil {
			return fmt.Errorf("chapter %d page %d: %w", vcn, page, err)
		}
		for _, e := range entries {
			idx.open.put(e.Name, e.Metadata)
			if err := idx.volumeIndex.PutRecord(e.Name, vcn); err != nil {
				idx.log.Warn("rehydrate record dropped", zap.Error(err))
			}
		}
	}
	return nil
}
