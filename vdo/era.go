// Page-era writeback: each block-map zone tracks a generation counter and
// a per-generation dirty-page count; the oldest era's dirty pages are
// enqueued for write on every era advance (spec.md §4.7).
package vdo

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// PageWritebackState is a tree page's writeback state (spec.md §4.7
// "States per tree page").
type PageWritebackState int

const (
	Clean PageWritebackState = iota
	Dirty
	Writing
)

// trackedPage mirrors one block-map tree page's writeback bookkeeping.
type trackedPage struct {
	state             PageWritebackState
	generation        uint64
	writingGeneration uint64
	recoveryLock      uint64
	writingRecoveryLock uint64
}

// EraZone is one block-map zone's writeback engine.
type EraZone struct {
	mu sync.Mutex

	generation       uint64
	oldestGeneration uint64
	dirtyCounts      map[uint64]int
	pages            map[uint64]*trackedPage

	flushInFlight bool

	// suppressIO is a test-only hook ("dory forgetful" in the source
	// harness's terms) that makes writeOldestLocked skip the writePage
	// call while still moving pages to Writing, so tests can drive the
	// state machine without a real writer, per the Open Question decision
	// recorded for set_dory_forgetful.
	suppressIO bool

	writePage func(pbn uint64) error

	log      *zap.Logger
	readOnly atomic.Bool
	onReadOnly func(error)
}

// NewEraZone constructs a zone whose writeOldestLocked step calls
// writePage for each page it flushes. A nil logger is replaced with a
// no-op one, matching uds/session.go's injected-logger convention.
func NewEraZone(writePage func(pbn uint64) error, log *zap.Logger) *EraZone {
	if log == nil {
		log = zap.NewNop()
	}
	return &EraZone{
		dirtyCounts: make(map[uint64]int),
		pages:       make(map[uint64]*trackedPage),
		writePage:   writePage,
		log:         log,
	}
}

// SetOnReadOnly registers a callback fired (at most once per transition)
// the first time this zone detects a metadata I/O error or a
// generation-count underflow, letting a System aggregate ReadOnly state
// across all of its zones (spec.md §7).
func (z *EraZone) SetOnReadOnly(f func(error)) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.onReadOnly = f
}

// ReadOnly reports whether this zone has transitioned to ReadOnly.
func (z *EraZone) ReadOnly() bool {
	return z.readOnly.Load()
}

// triggerReadOnly transitions the zone to ReadOnly exactly once, logging
// the triggering condition and notifying any registered callback.
// Caller must hold z.mu.
func (z *EraZone) triggerReadOnly(reason string, pbn uint64, err error) {
	if !z.readOnly.CompareAndSwap(false, true) {
		return
	}
	z.log.Error("era zone entering read-only", zap.String("reason", reason), zap.Uint64("pbn", pbn), zap.Error(err))
	if z.onReadOnly != nil {
		z.onReadOnly(err)
	}
}

// MarkDirty transitions pbn from clean (or re-dirties it while writing)
// under the zone's current generation (spec.md "clean -> dirty(gen_k) on
// update"; "writing(gen_k) -> dirty(gen_m>k) on redirty during write").
func (z *EraZone) MarkDirty(pbn, recoveryLock uint64) {
	z.mu.Lock()
	defer z.mu.Unlock()

	p, ok := z.pages[pbn]
	if !ok {
		p = &trackedPage{}
		z.pages[pbn] = p
	}

	switch p.state {
	case Clean:
		p.state = Dirty
		p.generation = z.generation
		p.recoveryLock = recoveryLock
		z.dirtyCounts[p.generation]++
	case Dirty:
		p.recoveryLock = minNonzero(p.recoveryLock, recoveryLock)
	case Writing:
		// Redirty during write: stays writing, but is now targeting the
		// current generation; AckWrite compares this against the
		// generation captured at write-start to decide whether to
		// re-enqueue it as dirty once the in-flight write completes.
		p.generation = z.generation
	}
}

func minNonzero(a, b uint64) uint64 {
	if a == 0 {
		return b
	}
	if b == 0 || b < a {
		return b
	}
	return a
}

// AdvanceEra advances the zone's generation, enqueuing the prior oldest
// era's dirty pages for write (spec.md §4.7 "on every advertised era
// advance, the oldest era's dirty pages are enqueued for write").
func (z *EraZone) AdvanceEra() {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.generation++
	z.writeOldestLocked()
}

// writeOldestLocked transitions every dirty(oldestGeneration) page to
// writing and issues its write; the oldest_generation boundary itself
// only advances once that generation's dirty count reaches zero (spec.md
// "oldest_generation only advances when dirty_page_counts[oldest] == 0").
func (z *EraZone) writeOldestLocked() {
	if z.readOnly.Load() {
		return
	}

	for z.oldestGeneration < z.generation && z.dirtyCounts[z.oldestGeneration] == 0 {
		delete(z.dirtyCounts, z.oldestGeneration)
		z.oldestGeneration++
	}
	if z.dirtyCounts[z.oldestGeneration] == 0 {
		return
	}

	for pbn, p := range z.pages {
		if p.state != Dirty || p.generation != z.oldestGeneration {
			continue
		}
		p.state = Writing
		p.writingGeneration = p.generation
		p.writingRecoveryLock = p.recoveryLock

		if z.suppressIO {
			continue
		}
		pbn := pbn
		if z.writePage != nil {
			if err := z.writePage(pbn); err != nil {
				z.log.Error("era page writeback failed", zap.Uint64("pbn", pbn), zap.Uint64("generation", z.oldestGeneration), zap.Error(err))
				z.triggerReadOnly("metadata write failure", pbn, err)
				return
			}
		}
	}
}

// AckWrite completes a page's in-flight write (spec.md "writing(gen_k) ->
// clean on write ack, if not redirtied; writing(gen_k) -> dirty(gen_m>k)
// on redirty during write; re-enqueued after ack").
func (z *EraZone) AckWrite(pbn uint64) {
	z.mu.Lock()
	defer z.mu.Unlock()

	p, ok := z.pages[pbn]
	if !ok || p.state != Writing {
		return
	}

	writingGen := p.writingGeneration
	z.dirtyCounts[writingGen]--
	if z.dirtyCounts[writingGen] < 0 {
		z.dirtyCounts[writingGen] = 0
		z.triggerReadOnly("generation-count underflow", pbn, nil)
	}

	if p.generation != writingGen {
		// Redirtied during the write: stays dirty under its new
		// generation, counted there.
		p.state = Dirty
		z.dirtyCounts[p.generation]++
	} else {
		p.state = Clean
		delete(z.pages, pbn)
		z.log.Debug("era page write acknowledged", zap.Uint64("pbn", pbn), zap.Uint64("generation", writingGen))
	}

	for z.oldestGeneration < z.generation && z.dirtyCounts[z.oldestGeneration] == 0 {
		delete(z.dirtyCounts, z.oldestGeneration)
		z.oldestGeneration++
	}
}

// Generations reports the zone's current and oldest-retained generation,
// the invariant spec.md §4.7 names directly: "oldest_generation <= any
// live page.generation <= generation".
func (z *EraZone) Generations() (current, oldest uint64) {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.generation, z.oldestGeneration
}
