// Volume page cache: a bounded set of cached pages, a pending-search
// protocol bracketing protected reads, and a pool of reader goroutines
// draining a bounded queue of pending reads (spec.md §4.3).
package uds

import (
	"sync"
)

// VolumeCacheMaxQueuedReads bounds the pending-read queue (spec.md §4.3).
const VolumeCacheMaxQueuedReads = 4096

// CachedPage is one resident page.
type CachedPage struct {
	PBN  int64
	Data []byte
}

// pendingRead is one queued asynchronous load request.
type pendingRead struct {
	pbn      int64
	restarts []chan struct{}
}

// PageCache is the bounded, concurrency-safe page cache described in
// spec.md §4.3. Synchronous paths call GetPageLocked; request paths call
// GetPageProtected, bracketed by BeginPendingSearch/EndPendingSearch,
// which queues a read through EnqueueRead on a miss. Reader goroutines
// read queued pages from storage directly. Every path takes mu.
type PageCache struct {
	storage  BlockStorage
	pageSize int
	capacity int

	mu       sync.Mutex
	slots    map[int64]*CachedPage
	lru      []int64 // most-recently-used at the back

	pending      map[int64]*pendingRead
	pendingChan  chan int64
	pendingCount []int32 // per-zone pending-search counter, guarded by mu
	cond         *sync.Cond

	readersStopped bool
}

// NewPageCache constructs a cache of capacity resident pages, backed by
// storage, serving zoneCount independent reader zones.
func NewPageCache(storage BlockStorage, pageSize, capacity, zoneCount int) *PageCache {
	c := &PageCache{
		storage:      storage,
		pageSize:     pageSize,
		capacity:     capacity,
		slots:        make(map[int64]*CachedPage, capacity),
		pending:      make(map[int64]*pendingRead),
		pendingChan:  make(chan int64, VolumeCacheMaxQueuedReads),
		pendingCount: make([]int32, zoneCount),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// StartReaders launches n reader goroutines draining the pending-read
// queue (spec.md §4.3 "Read threads").
func (c *PageCache) StartReaders(n int) {
	for i := 0; i < n; i++ {
		go c.readerLoop()
	}
}

func (c *PageCache) readerLoop() {
	for pbn := range c.pendingChan {
		buf := make([]byte, c.pageSize)
		c.storage.ReadAt(buf, pbn*int64(c.pageSize))
		c.insertAndRestart(pbn, buf)
	}
}

func (c *PageCache) insertAndRestart(pbn int64, data []byte) {
	c.mu.Lock()
	c.insertLocked(pbn, data)
	pr := c.pending[pbn]
	delete(c.pending, pbn)
	c.cond.Broadcast()
	c.mu.Unlock()

	if pr != nil {
		for _, ch := range pr.restarts {
			close(ch)
		}
	}
}

func (c *PageCache) insertLocked(pbn int64, data []byte) {
	if _, ok := c.slots[pbn]; !ok && len(c.slots) >= c.capacity {
		c.evictLocked()
	}
	c.slots[pbn] = &CachedPage{PBN: pbn, Data: data}
	c.touchLocked(pbn)
}

func (c *PageCache) touchLocked(pbn int64) {
	for i, v := range c.lru {
		if v == pbn {
			c.lru = append(c.lru[:i], c.lru[i+1:]...)
			break
		}
	}
	c.lru = append(c.lru, pbn)
}

func (c *PageCache) evictLocked() {
	for i, pbn := range c.lru {
		if _, pending := c.pending[pbn]; pending {
			continue
		}
		delete(c.slots, pbn)
		c.lru = append(c.lru[:i], c.lru[i+1:]...)
		return
	}
	// Every resident page has a pending reload in flight; as a last
	// resort, drop the oldest anyway (it will be faulted back in).
	if len(c.lru) > 0 {
		delete(c.slots, c.lru[0])
		c.lru = c.lru[1:]
	}
}

// GetPageLocked performs a synchronous lookup-or-load: a hit is returned
// from the cache, a miss is read from storage on the calling goroutine
// and inserted (spec.md §4.3).
func (c *PageCache) GetPageLocked(pbn int64) (*CachedPage, error) {
	c.mu.Lock()
	if p, ok := c.slots[pbn]; ok {
		c.touchLocked(pbn)
		c.mu.Unlock()
		return p, nil
	}
	c.mu.Unlock()

	buf := make([]byte, c.pageSize)
	if _, err := c.storage.ReadAt(buf, pbn*int64(c.pageSize)); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.insertLocked(pbn, buf)
	p := c.slots[pbn]
	c.mu.Unlock()
	return p, nil
}

// BeginPendingSearch records that zone is about to attempt a protected read
// of some page; EndPendingSearch closes the bracket. Invalidations that
// start before BeginPendingSearch are guaranteed visible to the bracketed
// read (spec.md §4.3 "Ordering guarantees").
func (c *PageCache) BeginPendingSearch(zone int) {
	c.mu.Lock()
	c.pendingCount[zone]++
	c.mu.Unlock()
}

// EndPendingSearch closes the bracket opened by BeginPendingSearch.
func (c *PageCache) EndPendingSearch(zone int) {
	c.mu.Lock()
	c.pendingCount[zone]--
	c.mu.Unlock()
}

// Queued is returned by GetPageProtected when the page must be faulted in.
type Queued struct{ Ready <-chan struct{} }

// GetPageProtected is the request-path lookup bracketed by
// BeginPendingSearch/EndPendingSearch (spec.md §4.3); it holds mu only
// while it inspects the cache and the pending reads. On a cache hit it
// returns the page directly; on a miss it enqueues a read (or joins one
// already in flight) and returns Queued, whose Ready channel closes once
// the page is resident.
func (c *PageCache) GetPageProtected(pbn int64, zone int) (*CachedPage, *Queued) {
	c.mu.Lock()
	if p, ok := c.slots[pbn]; ok {
		c.touchLocked(pbn)
		c.mu.Unlock()
		return p, nil
	}

	ch := make(chan struct{})
	if pr, ok := c.pending[pbn]; ok {
		pr.restarts = append(pr.restarts, ch)
		c.mu.Unlock()
		return nil, &Queued{Ready: ch}
	}

	pr := &pendingRead{pbn: pbn, restarts: []chan struct{}{ch}}
	c.pending[pbn] = pr
	c.mu.Unlock()

	if !c.EnqueueRead(pbn) {
		// Queue full: the reader pool never sees this page, so load it on
		// a separate goroutine instead; insertAndRestart still finds pr in
		// c.pending and closes every waiter's Ready channel.
		go func() {
			buf := make([]byte, c.pageSize)
			c.storage.ReadAt(buf, pbn*int64(c.pageSize))
			c.insertAndRestart(pbn, buf)
		}()
	}
	return nil, &Queued{Ready: ch}
}

// EnqueueRead submits pbn to the pending-read queue, returning false if the
// queue is full (spec.md §4.3: callers fall back when this happens).
func (c *PageCache) EnqueueRead(pbn int64) bool {
	select {
	case c.pendingChan <- pbn:
		return true
	default:
		return false
	}
}

// InvalidatePage removes pbn from the cache if no pending-search bracket is
// currently open on any zone (spec.md §4.3 "invalidate_page(pbn)"). It
// reports whether the page was removed (or was simply absent, which counts
// as success — nothing is visibly cached for pbn either way).
func (c *PageCache) InvalidatePage(pbn int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, n := range c.pendingCount {
		if n > 0 {
			return false
		}
	}
	if _, ok := c.slots[pbn]; !ok {
		return true
	}
	delete(c.slots, pbn)
	for i, v := range c.lru {
		if v == pbn {
			c.lru = append(c.lru[:i], c.lru[i+1:]...)
			break
		}
	}
	return true
}
