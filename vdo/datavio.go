// data_vio pool: a bounded set of preallocated request contexts shared by
// two admission-control limiters — a general limiter over the whole pool
// and a discard limiter restricting how many of those contexts may
// simultaneously serve discard bios (spec.md §4.6).
package vdo

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DataVio is a per-request context (spec.md §3 "data_vio"). It carries
// the 4 KiB data buffer, the discard flag and the arrival time; it has no
// compressed-block scratch and no tree-lock, zone, allocation or
// hash-lock fields.
type DataVio struct {
	ID        int
	Data      [PageSize]byte
	IsDiscard bool
	Arrival   time.Time
}

type dataVioWaiter struct {
	arrival        time.Time
	isDiscard      bool
	permitGranted  chan struct{} // closed when a discard permit is handed over
	result         chan *DataVio
}

// Pool is the bounded data_vio pool plus its two limiters (spec.md §4.6).
type Pool struct {
	mu sync.Mutex

	generalLimit, discardLimit     int
	generalBusy, discardBusy       int
	maxGeneralBusy, maxDiscardBusy int

	available           []*DataVio
	discardPermitQueue  []*dataVioWaiter
	generalWaiterQueue  []*dataVioWaiter

	releaseQueue chan *DataVio
	processing   atomic.Bool
	batchSize    int

	log      *zap.Logger
	readOnly atomic.Bool
}

// NewPool preallocates size data_vios; discardLimit bounds how many may
// simultaneously serve discard bios (spec.md "discard limiter (limit D
// <= P, default <= 0.75*P)"). A nil logger is replaced with a no-op one,
// matching uds/session.go's injected-logger convention.
func NewPool(size, discardLimit, batchSize int, log *zap.Logger) *Pool {
	if discardLimit > size {
		discardLimit = size
	}
	if batchSize < 1 {
		batchSize = 128
	}
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pool{
		generalLimit: size,
		discardLimit: discardLimit,
		releaseQueue: make(chan *DataVio, size),
		batchSize:    batchSize,
		log:          log,
	}
	for i := 0; i < size; i++ {
		p.available = append(p.available, &DataVio{ID: i})
	}
	return p
}

// SetReadOnly forces the pool to fail every subsequent Acquire with
// ErrReadOnly, the "Acquire ... fail fast" half of spec.md §7's ReadOnly
// transition.
func (p *Pool) SetReadOnly() {
	if p.readOnly.CompareAndSwap(false, true) {
		p.log.Error("data_vio pool entering read-only: rejecting further acquires")
	}
}

// ReadOnly reports whether the pool is rejecting acquires.
func (p *Pool) ReadOnly() bool {
	return p.readOnly.Load()
}

// Acquire runs the submit path: stamp arrival, acquire a discard permit
// first if this is a discard bio, then acquire a pool slot, blocking on a
// wait-queue if either is unavailable (spec.md §4.6 "Submit path"). Once
// the pool has been marked ReadOnly it fails immediately instead of
// queuing, per spec.md §7.
func (p *Pool) Acquire(isDiscard bool) (*DataVio, error) {
	if p.readOnly.Load() {
		return nil, ErrReadOnly
	}

	w := &dataVioWaiter{
		arrival:       time.Now(),
		isDiscard:     isDiscard,
		permitGranted: make(chan struct{}),
		result:        make(chan *DataVio, 1),
	}

	p.mu.Lock()
	if isDiscard {
		if p.discardBusy >= p.discardLimit {
			p.discardPermitQueue = append(p.discardPermitQueue, w)
			p.mu.Unlock()
			<-w.permitGranted
			p.mu.Lock()
		} else {
			p.discardBusy++
			if p.discardBusy > p.maxDiscardBusy {
				p.maxDiscardBusy = p.discardBusy
			}
		}
	}

	if len(p.available) == 0 || p.generalBusy >= p.generalLimit {
		p.generalWaiterQueue = append(p.generalWaiterQueue, w)
		p.mu.Unlock()
		return <-w.result, nil
	}

	v := p.available[len(p.available)-1]
	p.available = p.available[:len(p.available)-1]
	p.generalBusy++
	if p.generalBusy > p.maxGeneralBusy {
		p.maxGeneralBusy = p.generalBusy
	}
	p.mu.Unlock()

	v.IsDiscard = isDiscard
	v.Arrival = w.arrival
	return v, nil
}

// Release pushes v onto the batched release queue, scheduling the single
// release-processing task if one is not already running (spec.md §4.6
// "release() pushes the data_vio onto a lock-free MPSC queue").
func (p *Pool) Release(v *DataVio) {
	p.releaseQueue <- v
	if p.processing.CompareAndSwap(false, true) {
		go p.processBatches()
	}
}

// processBatches drains up to batchSize releases at a time, enforcing
// the "at most one CPU task processing releases" invariant via the
// processing CAS flag (spec.md §4.6).
func (p *Pool) processBatches() {
	p.log.Debug("release-batch task started")
	processed := 0
	for {
		v, ok := p.nextRelease()
		if !ok {
			p.log.Debug("release-batch task idling", zap.Int("processed", processed))
			p.processing.Store(false)
			// A release may have raced the flag clear; re-check once
			// more before truly going idle.
			select {
			case v2 := <-p.releaseQueue:
				if p.processing.CompareAndSwap(false, true) {
					p.processOne(v2)
					processed++
					continue
				}
			default:
			}
			return
		}
		p.processOne(v)
		processed++
		if processed%p.batchSize == 0 {
			p.log.Debug("release-batch progress", zap.Int("processed", processed))
		}
	}
}

func (p *Pool) nextRelease() (*DataVio, bool) {
	select {
	case v := <-p.releaseQueue:
		return v, true
	default:
		return nil, false
	}
}

// processOne applies one release (spec.md §4.6): transfer the discard
// permit to the eldest discard waiter if one exists, otherwise return it
// to the pool; then assign the released data_vio itself to the oldest
// general waiter by arrival time, or return it to the available list.
func (p *Pool) processOne(v *DataVio) {
	p.mu.Lock()
	if v.IsDiscard {
		if len(p.discardPermitQueue) > 0 {
			w := popEldest(&p.discardPermitQueue)
			close(w.permitGranted)
		} else {
			p.discardBusy--
		}
	}

	if len(p.generalWaiterQueue) > 0 {
		w := popEldest(&p.generalWaiterQueue)
		v.IsDiscard = w.isDiscard
		v.Arrival = w.arrival
		p.mu.Unlock()
		w.result <- v
		return
	}

	p.generalBusy--
	v.IsDiscard = false
	p.available = append(p.available, v)
	p.mu.Unlock()
}

// popEldest removes and returns the earliest-arrived waiter from queue,
// which is maintained in arrival order (spec.md "woken in arrival
// order").
func popEldest(queue *[]*dataVioWaiter) *dataVioWaiter {
	w := (*queue)[0]
	*queue = (*queue)[1:]
	return w
}

// PoolStats holds the current busy counts and the monotone-non-decreasing
// max-observed busy counts used by the pool's fairness/invariant tests
// and dump surface.
type PoolStats struct {
	GeneralBusy, DiscardBusy       int
	MaxGeneralBusy, MaxDiscardBusy int
}

func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		GeneralBusy:     p.generalBusy,
		DiscardBusy:     p.discardBusy,
		MaxGeneralBusy:  p.maxGeneralBusy,
		MaxDiscardBusy:  p.maxDiscardBusy,
	}
}

// Dump visits the data_vios on the pool's available list in chunks of 35
// with a 4ms sleep between chunks, avoiding log-flood on a large pool
// (spec.md §4.6). data_vios held by in-flight requests are not visited.
func (p *Pool) Dump(visit func(*DataVio)) {
	const chunk = 35
	p.mu.Lock()
	all := make([]*DataVio, len(p.available))
	copy(all, p.available)
	p.mu.Unlock()

	for i := 0; i < len(all); i += chunk {
		end := i + chunk
		if end > len(all) {
			end = len(all)
		}
		for _, v := range all[i:end] {
			visit(v)
		}
		if end < len(all) {
			time.Sleep(4 * time.Millisecond)
		}
	}
}
