// Block-map forest: root_count independent four-level page trees mapping
// logical block numbers to physical block numbers, with a loading-page
// lock table serializing concurrent loads/allocations of the same page
// (spec.md §4.5).
package vdo

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/jpl-au/dedupvol/uds"
)

// loadingShardCount splits the loading-page lock table across
// independent mutex/cond pairs keyed by an FNV hash of the load key,
// the same double-hashing trick the teacher's bloom filter uses to size
// its bit array, applied here to size the lock table's shards instead.
const loadingShardCount = 16

func (k loadKey) shard() uint32 {
	h := fnv.New32a()
	var buf [20]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(k.root))
	binary.BigEndian.PutUint64(buf[8:16], uint64(k.height))
	binary.BigEndian.PutUint32(buf[16:20], uint32(k.pageIndex))
	h.Write(buf[:])
	return h.Sum32() % loadingShardCount
}

// TreeHeight is the number of page levels per tree: interior heights
// 1..TreeHeight-1 hold pointers to child pages, height 0 holds the leaf
// mapping entries themselves (spec.md §3 "height 0 is the leaf mapping").
const TreeHeight = 4

// loadKey identifies one page's position in the forest for the purposes
// of the loading-page lock table (spec.md §4.5 "keyed by {root, height,
// page_index, slot}"; slot is redundant with page_index here since each
// page_index already uniquely selects one page at a given height).
type loadKey struct {
	root, height int
	pageIndex    uint64
}

// pageLoad tracks one in-flight (or completed) page load/allocation,
// letting concurrent callers needing the same page enqueue as waiters
// instead of issuing duplicate I/O (spec.md §4.5 "concurrent data_vios
// that need the same page enqueue on the lock holder's waiter list").
type pageLoad struct {
	done bool
	page Page
	err  error
}

// Forest owns rootCount independent trees over a shared block device.
type Forest struct {
	storage   uds.BlockStorage
	rootCount int
	nonce     uint64

	loadShards [loadingShardCount]struct {
		mu      sync.Mutex
		cond    *sync.Cond
		loading map[loadKey]*pageLoad
	}

	cacheMu sync.Mutex
	cache   map[uint64]Page

	allocMu sync.Mutex
	nextPBN uint64

	roots []uint64

	lastLeafMu  sync.Mutex
	lastLeafPBN map[uint64]uint64
}

// NewForest formats rootCount fresh root pages on storage (physical
// blocks 1..rootCount; block 0 is reserved as the null/unmapped
// sentinel) and returns a Forest ready to walk.
func NewForest(storage uds.BlockStorage, rootCount int, nonce uint64) (*Forest, error) {
	if rootCount < 1 {
		rootCount = 1
	}
	f := &Forest{
		storage:   storage,
		rootCount: rootCount,
		nonce:     nonce,
		cache:       make(map[uint64]Page),
		nextPBN:     uint64(rootCount) + 1,
		roots:       make([]uint64, rootCount),
		lastLeafPBN: make(map[uint64]uint64),
	}
	for i := range f.loadShards {
		f.loadShards[i].loading = make(map[loadKey]*pageLoad)
		f.loadShards[i].cond = sync.NewCond(&f.loadShards[i].mu)
	}

	for i := 0; i < rootCount; i++ {
		pbn := uint64(i) + 1
		f.roots[i] = pbn
		if err := f.writePage(pbn, emptyPage(nonce, pbn)); err != nil {
			return nil, fmt.Errorf("vdo: format root %d: %w", i, err)
		}
	}
	return f, nil
}

func (f *Forest) allocatePage() uint64 {
	f.allocMu.Lock()
	defer f.allocMu.Unlock()
	pbn := f.nextPBN
	f.nextPBN++
	return pbn
}

func (f *Forest) loadPage(pbn uint64) (Page, error) {
	f.cacheMu.Lock()
	if p, ok := f.cache[pbn]; ok {
		f.cacheMu.Unlock()
		return p, nil
	}
	f.cacheMu.Unlock()

	buf := make([]byte, PageSize)
	if _, err := f.storage.ReadAt(buf, int64(pbn)*PageSize); err != nil {
		return Page{}, err
	}
	p := Decode(buf)

	f.cacheMu.Lock()
	f.cache[pbn] = p
	f.cacheMu.Unlock()
	return p, nil
}

func (f *Forest) writePage(pbn uint64, p Page) error {
	buf := Encode(p)
	if _, err := f.storage.WriteAt(buf, int64(pbn)*PageSize); err != nil {
		return err
	}
	f.cacheMu.Lock()
	f.cache[pbn] = p
	f.cacheMu.Unlock()
	return nil
}

// lockAndLoad implements the IDLE -> LOCK -> LOAD -> VALIDATE ->
// WAKE_WAITERS state transitions of spec.md §4.5's tree-walk step for a
// single page, serializing concurrent loaders of the same (root, height,
// pageIndex) behind one loading-page lock.
func (f *Forest) lockAndLoad(root, height int, pageIndex, pbn uint64) (Page, error) {
	key := loadKey{root, height, pageIndex}
	shard := &f.loadShards[key.shard()]

	shard.mu.Lock()
	if pl, ok := shard.loading[key]; ok {
		for !pl.done {
			shard.cond.Wait()
		}
		shard.mu.Unlock()
		return pl.page, pl.err
	}
	pl := &pageLoad{}
	shard.loading[key] = pl
	shard.mu.Unlock()

	page, err := f.loadPage(pbn)
	if err == nil {
		page, err = Validate(page, f.nonce, pbn)
	}

	shard.mu.Lock()
	pl.page, pl.err, pl.done = page, err, true
	delete(shard.loading, key)
	shard.cond.Broadcast()
	shard.mu.Unlock()

	return page, err
}

// treePath derives the per-height page indices and entry slots for
// logical block number lbn (spec.md §4.5 "leaf_index = L /
// ENTRIES_PER_PAGE; root = leaf_index % root_count; ... page_index =
// current_page_index / ENTRIES_PER_PAGE; slot is the remainder").
func (f *Forest) treePath(lbn uint64) (root int, pageIndex, slot [TreeHeight]uint64) {
	leafIndex := lbn / EntriesPerPage
	root = int(leafIndex % uint64(f.rootCount))

	idx := leafIndex
	pageIndex[0] = idx
	slot[0] = lbn % EntriesPerPage
	for h := 1; h < TreeHeight; h++ {
		slot[h] = idx % EntriesPerPage
		idx /= EntriesPerPage
		pageIndex[h] = idx
	}
	return
}

// FindBlockMapSlot walks the tree for lbn, returning the leaf entry
// (spec.md §4.5 "find_block_map_slot(data_vio) walks the tree"). On the
// read path (write == false) an unallocated interior page means the LBN
// is simply unmapped and the walk stops early. On the write path, a
// missing interior page is allocated and formatted empty before the walk
// continues (the ALLOCATE leg of the spec's state machine, including its
// JOURNAL_ENTRY/SLAB_REF steps, which belong to the recovery-journal and
// slab-depot interfaces stubbed in journalstub.go/slabstub.go).
func (f *Forest) FindBlockMapSlot(lbn uint64, write bool) (Entry, error) {
	root, pageIndex, slot := f.treePath(lbn)
	currentPBN := f.roots[root]

	for h := TreeHeight - 1; h >= 1; h-- {
		page, err := f.lockAndLoad(root, h, pageIndex[h], currentPBN)
		if err != nil {
			return Entry{}, fmt.Errorf("vdo: load height %d page: %w", h, err)
		}
		entry := page.Entries[slot[h]]
		if entry.PBN == 0 {
			if !write {
				return Entry{}, nil
			}
			childPBN := f.allocatePage()
			entry = Entry{PBN: childPBN, State: Uncompressed}
			page.Entries[slot[h]] = entry
			if err := f.writePage(currentPBN, page); err != nil {
				return Entry{}, fmt.Errorf("vdo: write height %d page: %w", h, err)
			}
			if err := f.writePage(childPBN, emptyPage(f.nonce, childPBN)); err != nil {
				return Entry{}, fmt.Errorf("vdo: format new page: %w", err)
			}
		}
		currentPBN = entry.PBN
	}

	leaf, err := f.lockAndLoad(root, 0, pageIndex[0], currentPBN)
	if err != nil {
		return Entry{}, fmt.Errorf("vdo: load leaf page: %w", err)
	}
	return leaf.Entries[slot[0]], nil
}

// SetBlockMapSlot writes entry into the leaf page for lbn, allocating
// interior pages along the way as needed (the write-path counterpart of
// FindBlockMapSlot used once a physical block has been assigned by the
// slab depot).
func (f *Forest) SetBlockMapSlot(lbn uint64, entry Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	root, pageIndex, slot := f.treePath(lbn)
	currentPBN := f.roots[root]

	for h := TreeHeight - 1; h >= 1; h-- {
		page, err := f.lockAndLoad(root, h, pageIndex[h], currentPBN)
		if err != nil {
			return fmt.Errorf("vdo: load height %d page: %w", h, err)
		}
		child := page.Entries[slot[h]]
		if child.PBN == 0 {
			childPBN := f.allocatePage()
			child = Entry{PBN: childPBN, State: Uncompressed}
			page.Entries[slot[h]] = child
			if err := f.writePage(currentPBN, page); err != nil {
				return fmt.Errorf("vdo: write height %d page: %w", h, err)
			}
			if err := f.writePage(childPBN, emptyPage(f.nonce, childPBN)); err != nil {
				return fmt.Errorf("vdo: format new page: %w", err)
			}
		}
		currentPBN = child.PBN
	}

	leaf, err := f.lockAndLoad(root, 0, pageIndex[0], currentPBN)
	if err != nil {
		return fmt.Errorf("vdo: load leaf page: %w", err)
	}
	leaf.Entries[slot[0]] = entry
	if err := f.writePage(currentPBN, leaf); err != nil {
		return err
	}
	f.lastLeafMu.Lock()
	f.lastLeafPBN[lbn] = currentPBN
	f.lastLeafMu.Unlock()
	return nil
}

// LeafPagePBN returns the physical block number of the tree leaf page
// last written for lbn via SetBlockMapSlot, letting callers (the era
// writeback engine) key dirty-page tracking by page rather than by
// logical block number.
func (f *Forest) LeafPagePBN(lbn uint64) (uint64, bool) {
	f.lastLeafMu.Lock()
	defer f.lastLeafMu.Unlock()
	pbn, ok := f.lastLeafPBN[lbn]
	return pbn, ok
}
