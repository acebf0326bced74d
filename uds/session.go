// Index session request pipeline: routes requests by zone, consults the
// open chapter, the volume index, the on-disk chapter index, and the
// sparse cache, and fires a callback with the outcome (spec.md §4.4).
package uds

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// State constants mirror the quiescent/suspend lifecycle (spec.md §4.4
// "Cancellation / timeouts").
const (
	StateRunning = 0
	StateSuspended = 1
	StateShutdown  = 2
)

// Result is delivered to a request's callback (spec.md §4.4 step 6).
type Result struct {
	Err         error
	Found       bool
	OldMetadata Metadata
	NewMetadata Metadata
	Kind        RequestKind
}

// Request is the core submission shape (spec.md §4.4 "Request shape").
type Request struct {
	Kind        RequestKind
	Name        RecordName
	NewMetadata Metadata
	Callback    func(Result)
}

// Index is a running UDS session: volume index, chapter store, open
// chapter, sparse cache, and one worker goroutine per hash zone.
type Index struct {
	log      *zap.Logger
	geometry   Geometry
	memSize    MemorySize
	sparseMode bool
	layout     Layout
	storage  BlockStorage
	volume   *Volume

	volumeIndex *VolumeIndex
	sparse      *SparseCache

	mu        sync.Mutex
	open      *openChapter
	oldestVCN uint64

	zoneChans []chan *Request
	wg        sync.WaitGroup

	state   atomic.Int32
	quiesce sync.RWMutex // held for read while processing, for write while suspended
}

// newIndex constructs a running index session over an already opened
// Volume, starting its open chapter at openVCN and its retained window at
// oldestVCN (spec.md §4.4 "UDS_CREATE formats; UDS_LOAD loads"). Use Open
// to build one from a BlockStorage plus open mode.
func newIndex(log *zap.Logger, geometry Geometry, memSize MemorySize, sparse bool, layout Layout, storage BlockStorage, volume *Volume, zoneCount, sparseCacheChapters int, oldestVCN, openVCN uint64) *Index {
	if log == nil {
		log = zap.NewNop()
	}
	idx := &Index{
		log:         log,
		geometry:    geometry,
		memSize:     memSize,
		sparseMode:  sparse,
		layout:      layout,
		storage:     storage,
		volume:      volume,
		volumeIndex: NewVolumeIndex(zoneCount, geometry),
		sparse:      NewSparseCache(sparseCacheChapters),
		open:        newOpenChapter(geometry, openVCN),
		oldestVCN:   oldestVCN,
		zoneChans:   make([]chan *Request, zoneCount),
	}
	for z := range idx.zoneChans {
		ch := make(chan *Request, 256)
		idx.zoneChans[z] = ch
		idx.wg.Add(1)
		go idx.zoneWorker(z, ch)
	}
	return idx
}

// Submit routes a request to its owning zone's queue (spec.md §4.4 steps
// 1-2: hash already done by the caller via HashPayload, route by
// zone(name)).
func (idx *Index) Submit(req *Request) {
	if idx.state.Load() == StateShutdown {
		req.Callback(Result{Err: ErrShuttingDown, Kind: req.Kind})
		return
	}
	zone := idx.volumeIndex.ZoneOf(req.Name)
	idx.zoneChans[zone] <- req
}

func (idx *Index) zoneWorker(zone int, ch <-chan *Request) {
	defer idx.wg.Done()
	for req := range ch {
		idx.quiesce.RLock()
		result := idx.process(req, zone)
		idx.quiesce.RUnlock()
		req.Callback(result)
	}
}

// process runs the full pipeline for one request (spec.md §4.4 steps
// 3-6). The caller already holds quiesce for reading. zone is the
// request's owning zone worker, threaded into the volume's protected
// page-cache path (spec.md §4.3).
func (idx *Index) process(req *Request, zone int) Result {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	// Step 3: the open chapter.
	if meta, found := idx.open.get(req.Name); found {
		return idx.finishLocked(req, true, meta)
	}

	// Step 4: the volume index, routed through the chapter store or the
	// sparse cache.
	var (
		meta  Metadata
		found bool
	)
	if vcn, ok := idx.volumeIndex.GetRecord(req.Name); ok {
		m, f, err := idx.volume.LookupInChapter(vcn, req.Name, zone)
		if err != nil {
			return Result{Err: fmt.Errorf("uds: chapter %d lookup: %w", vcn, err), Kind: req.Kind}
		}
		meta, found = m, f
	} else if !idx.volumeIndex.IsHook(req.Name) {
		// Step 5: a non-hook name missing from the volume index: probe
		// every retained closed chapter, oldest first, through the sparse
		// cache, which loads any chapter it does not already hold.
		newest := idx.open.vcn
		for vcn := idx.oldestVCN; vcn < newest && !found; vcn++ {
			page, f, err := idx.sparse.Lookup(idx.volume, idx.geometry, vcn, req.Name)
			if err != nil {
				idx.log.Warn("sparse cache probe failed", zap.Uint64("vcn", vcn), zap.Error(err))
				continue
			}
			if f {
				entries, err := idx.volume.ReadRecordPage(vcn, int(page))
				if err != nil {
					return Result{Err: fmt.Errorf("uds: record page read: %w", err), Kind: req.Kind}
				}
				if m, ok := findInRecordPage(entries, req.Name); ok {
					meta, found = m, true
				}
			}
		}
	}

	return idx.finishLocked(req, found, meta)
}

// finishLocked applies POST/UPDATE/QUERY semantics and fires the
// insert-into-open-chapter side effect, with idx.mu already held.
func (idx *Index) finishLocked(req *Request, found bool, oldMeta Metadata) Result {
	result := Result{Found: found, OldMetadata: oldMeta, Kind: req.Kind}

	switch req.Kind {
	case Post:
		if found {
			result.NewMetadata = oldMeta
			return result
		}
		idx.insertLocked(req.Name, req.NewMetadata)
		result.NewMetadata = req.NewMetadata
	case Update:
		idx.insertLocked(req.Name, req.NewMetadata)
		result.NewMetadata = req.NewMetadata
	case Query:
		if found {
			idx.insertLocked(req.Name, oldMeta) // QUERY updates LRU as if post
			result.NewMetadata = oldMeta
		}
	case QueryNoUpdate:
		if found {
			result.NewMetadata = oldMeta
		}
	}
	return result
}

// insertLocked records name in the open chapter and the volume index,
// closing and advancing the chapter when it fills (spec.md §4.4 step 6).
func (idx *Index) insertLocked(name RecordName, metadata Metadata) {
	idx.open.put(name, metadata)
	if err := idx.volumeIndex.PutRecord(name, idx.open.vcn); err != nil {
		idx.log.Warn("volume index put overflowed", zap.Error(err))
	}
	if idx.open.full() {
		idx.closeOpenChapterLocked()
	}
}

// closeOpenChapterLocked packs and writes the current open chapter, then
// opens a fresh one at vcn+1, rolling the volume index's retained window
// (spec.md §4.4 step 6, §4.2 "rollover").
func (idx *Index) closeOpenChapterLocked() {
	pages, records := idx.open.pack()
	vcn := idx.open.vcn
	if err := idx.volume.WriteChapter(vcn, pages, records); err != nil {
		idx.log.Error("chapter write failed", zap.Uint64("vcn", vcn), zap.Error(err))
	}

	nextVCN := vcn + 1
	if nextVCN >= uint64(idx.geometry.ChaptersPerVolume) {
		overwritten := nextVCN - uint64(idx.geometry.ChaptersPerVolume)
		idx.sparse.Invalidate(overwritten)
		if overwritten+1 > idx.oldestVCN {
			idx.oldestVCN = overwritten + 1
		}
	}
	if nextVCN >= uint64(idx.geometry.ChaptersPerVolume) {
		limit := nextVCN - uint64(idx.geometry.ChaptersPerVolume)
		idx.volumeIndex.Rollover(limit)
	}

	idx.open = newOpenChapter(idx.geometry, nextVCN)
	idx.log.Debug("chapter closed", zap.Uint64("vcn", vcn))
}

// checkpointOpenChapterLocked packs and writes the current (not yet full)
// open chapter to its slot without advancing the virtual chapter number,
// so a clean save can be recovered without losing unclosed work (spec.md
// §4.4 "Suspend may optionally flush to disk (save)").
func (idx *Index) checkpointOpenChapterLocked() error {
	if len(idx.open.names) == 0 {
		return nil
	}
	pages, records := idx.open.pack()
	return idx.volume.WriteChapter(idx.open.vcn, pages, records)
}

// headerLocked builds the on-disk header reflecting the current chapter
// bounds. Caller holds idx.mu.
func (idx *Index) headerLocked(dirty bool) IndexHeader {
	return IndexHeader{
		Dirty:     dirty,
		Variant:   idx.memSize.Variant,
		GiBCount:  idx.memSize.GiBCount,
		Reduced:   idx.memSize.Reduced,
		Sparse:    idx.sparseMode,
		OldestVCN: idx.oldestVCN,
		OpenVCN:   idx.open.vcn,
	}
}

// Save flushes the header with the clean bit set, the "save" variant of
// suspend (spec.md §4.4 "Suspend may optionally flush to disk (save)").
func (idx *Index) Save() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if err := idx.checkpointOpenChapterLocked(); err != nil {
		return fmt.Errorf("uds: checkpoint open chapter: %w", err)
	}
	h := idx.headerLocked(false)
	return writeHeader(idx.storage, h)
}

// Suspend drains in-flight requests and blocks new ones from entering
// (spec.md §4.4 "Suspend places the index in a quiescent state"). If
// save is true, the header is flushed clean before returning.
func (idx *Index) Suspend(save bool) error {
	idx.state.Store(StateSuspended)
	idx.quiesce.Lock()
	if save {
		return idx.Save()
	}
	return nil
}

// Resume releases the quiescent lock, restarting zone workers, optionally
// against a new backing device (spec.md §4.4 "resume may switch to a
// different backing device").
func (idx *Index) Resume(storage BlockStorage) {
	if storage != nil {
		idx.storage = storage
		idx.volume.SwitchStorage(storage)
	}
	idx.quiesce.Unlock()
	idx.state.Store(StateRunning)
}

// Close shuts the session down, flushing a clean header, and rejects any
// request submitted afterward with ErrShuttingDown.
func (idx *Index) Close() error {
	idx.state.Store(StateShutdown)
	for _, ch := range idx.zoneChans {
		close(ch)
	}
	idx.wg.Wait()
	return idx.Save()
}

// Stats reports the current volume-index occupancy, for diagnostics.
func (idx *Index) Stats() Stats {
	return idx.volumeIndex.Stats()
}
