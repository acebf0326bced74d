// Sparse cache: a small LRU of recently-referenced closed chapters'
// packed index pages, consulted on a sparse miss before giving up
// (spec.md §4.4 step 5).
package uds

import (
	"encoding/binary"
	"hash/fnv"
	"sync"
)

// sparseShardCount splits the cache's bookkeeping across independent
// shards keyed by an FNV hash of the chapter number, the same
// double-hashing trick the teacher's bloom filter uses to size its bit
// array, applied here to size the cache's internal maps instead.
const sparseShardCount = 8

type cacheShard struct {
	mu    sync.Mutex
	order []uint64
	pages map[uint64][]ChapterIndexPage
}

// SparseCache holds the packed chapter-index pages of recently looked-up
// virtual chapter numbers in sparseShardCount shards, each an LRU of at
// most perShard chapters, sharded for reduced lock contention under
// concurrent zone lookups. A chapter's shard is fixed by its number, so
// one shard can evict while others still have room.
type SparseCache struct {
	perShard int
	shards   [sparseShardCount]*cacheShard
}

// NewSparseCache returns an empty cache whose shards each hold
// max(capacity/sparseShardCount, 1) chapters, so the whole cache holds at
// most sparseShardCount times that many (8 chapters for any capacity
// below 16).
func NewSparseCache(capacity int) *SparseCache {
	if capacity < 1 {
		capacity = 1
	}
	perShard := capacity / sparseShardCount
	if perShard < 1 {
		perShard = 1
	}
	c := &SparseCache{perShard: perShard}
	for i := range c.shards {
		c.shards[i] = &cacheShard{pages: make(map[uint64][]ChapterIndexPage, perShard)}
	}
	return c
}

func (c *SparseCache) shardFor(vcn uint64) *cacheShard {
	h := fnv.New32a()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], vcn)
	h.Write(buf[:])
	return c.shards[h.Sum32()%sparseShardCount]
}

func (s *cacheShard) touchLocked(vcn uint64) {
	for i, v := range s.order {
		if v == vcn {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.order = append(s.order, vcn)
}

func (c *SparseCache) insert(vcn uint64, pages []ChapterIndexPage) {
	s := c.shardFor(vcn)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pages[vcn]; !ok && len(s.pages) >= c.perShard {
		evict := s.order[0]
		s.order = s.order[1:]
		delete(s.pages, evict)
	}
	s.pages[vcn] = pages
	s.touchLocked(vcn)
}

func (c *SparseCache) touch(vcn uint64) {
	s := c.shardFor(vcn)
	s.mu.Lock()
	s.touchLocked(vcn)
	s.mu.Unlock()
}

// Lookup probes the cached chapters for name, loading vcn's packed index
// pages from the volume on a cache miss. It returns the record-page
// number and whether vcn's chapter in fact contained name.
func (c *SparseCache) Lookup(v *Volume, g Geometry, vcn uint64, name RecordName) (recordPageNumber uint32, found bool, err error) {
	s := c.shardFor(vcn)
	s.mu.Lock()
	pages, ok := s.pages[vcn]
	s.mu.Unlock()

	if !ok {
		pages, err = v.ReadAllIndexPages(vcn)
		if err != nil {
			return 0, false, err
		}
		c.insert(vcn, pages)
	} else {
		c.touch(vcn)
	}

	list, key := ListOfName(g, name)
	page, ok := PageForList(pages, list)
	if !ok {
		return 0, false, nil
	}
	recordPageNumber, found = page.Find(list, key)
	return recordPageNumber, found, nil
}

// Invalidate drops vcn from the cache, used when a chapter slot is about
// to be overwritten by the chapter ring wrapping around.
func (c *SparseCache) Invalidate(vcn uint64) {
	s := c.shardFor(vcn)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pages[vcn]; !ok {
		return
	}
	delete(s.pages, vcn)
	for i, v := range s.order {
		if v == vcn {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}
