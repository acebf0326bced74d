// Recovery-journal interface. The recovery journal's own operation
// (sequence-number assignment, journal-block layout, replay into slab
// journals) is an external collaborator per spec.md's scope note; only
// its interface is specified here: the era boundary it advertises
// (current_era_point) and the recovery_lock it grants/releases per
// page.
package vdo

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// RecoveryJournal is the minimal surface the block-map forest and era
// writeback engine need from the journal: a monotonically advancing
// era point, and release of a page's recovery lock once its covering
// journal entries are durable.
type RecoveryJournal interface {
	// Stamp returns the sequence number the next dirtying operation is
	// assigned (spec.md "a page dirtied under sequence number s is
	// assigned to the era containing s").
	Stamp() uint64
	// AdvanceEraPoint advances current_era_point, the boundary past
	// which a dirtied page belongs to the new era.
	AdvanceEraPoint() uint64
	// ReleaseLock drops the journal's hold on recoveryLock, letting its
	// covering pages be considered for eviction.
	ReleaseLock(recoveryLock uint64)
}

// replayEntry is one journal entry kept in the in-memory replay ring for
// crash-recovery diagnostics.
type replayEntry struct {
	sequence uint64
	lbn      uint64
	entry    Entry
}

// journalStub is a minimal in-memory RecoveryJournal: sequence numbers
// increase monotonically, eras advance on request, and replayed entries
// are kept compressed in a bounded ring rather than ever touching disk
// (the journal's actual durability mechanism is out of scope; see
// package doc).
type journalStub struct {
	mu       sync.Mutex
	sequence uint64
	eraPoint uint64
	locks    map[uint64]int // recoveryLock -> outstanding holders

	ring       [][]byte // zstd-compressed, encoded replayEntry batches
	ringCap    int
	enc        *zstd.Encoder
	dec        *zstd.Decoder
	pendingBuf []replayEntry
	batchSize  int
}

// NewJournalStub constructs a journal stub whose replay ring retains up
// to ringCap compressed batches of batchSize entries each, used for
// post-recovery diagnostics (spec.md's analogue of the teacher's
// zstd-compressed historical snapshots).
func NewJournalStub(ringCap, batchSize int) (*journalStub, error) {
	if ringCap < 1 {
		ringCap = 1
	}
	if batchSize < 1 {
		batchSize = 64
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("vdo: journal stub encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("vdo: journal stub decoder: %w", err)
	}
	return &journalStub{
		locks:     make(map[uint64]int),
		ringCap:   ringCap,
		enc:       enc,
		dec:       dec,
		batchSize: batchSize,
	}, nil
}

// Stamp assigns and returns the next sequence number, recording a lock
// holder under it until ReleaseLock is called.
func (j *journalStub) Stamp() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.sequence++
	j.locks[j.sequence]++
	return j.sequence
}

// AdvanceEraPoint moves current_era_point to the latest stamped
// sequence number and returns it.
func (j *journalStub) AdvanceEraPoint() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.eraPoint = j.sequence
	return j.eraPoint
}

// ReleaseLock drops one holder of recoveryLock.
func (j *journalStub) ReleaseLock(recoveryLock uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if recoveryLock == 0 {
		return
	}
	if n := j.locks[recoveryLock]; n <= 1 {
		delete(j.locks, recoveryLock)
	} else {
		j.locks[recoveryLock] = n - 1
	}
}

// Record appends one replayed journal entry to the pending batch,
// flushing a compressed batch into the ring once batchSize entries have
// accumulated.
func (j *journalStub) Record(sequence, lbn uint64, entry Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.pendingBuf = append(j.pendingBuf, replayEntry{sequence: sequence, lbn: lbn, entry: entry})
	if len(j.pendingBuf) < j.batchSize {
		return nil
	}
	return j.flushLocked()
}

func (j *journalStub) flushLocked() error {
	if len(j.pendingBuf) == 0 {
		return nil
	}
	raw := make([]byte, 0, len(j.pendingBuf)*(16+EntrySize))
	for _, e := range j.pendingBuf {
		var seqBuf, lbnBuf [8]byte
		putUint64(seqBuf[:], e.sequence)
		putUint64(lbnBuf[:], e.lbn)
		raw = append(raw, seqBuf[:]...)
		raw = append(raw, lbnBuf[:]...)
		packed := Pack(e.entry)
		raw = append(raw, packed[:]...)
	}
	compressed := j.enc.EncodeAll(raw, nil)

	j.ring = append(j.ring, compressed)
	if len(j.ring) > j.ringCap {
		j.ring = j.ring[len(j.ring)-j.ringCap:]
	}
	j.pendingBuf = j.pendingBuf[:0]
	return nil
}

// Flush forces any partial pending batch into the compressed ring.
func (j *journalStub) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.flushLocked()
}

// ReplayBatches decompresses and returns every batch currently retained
// in the ring, oldest first, for crash-recovery diagnostics.
func (j *journalStub) ReplayBatches() ([][]replayEntry, error) {
	j.mu.Lock()
	ring := make([][]byte, len(j.ring))
	copy(ring, j.ring)
	j.mu.Unlock()

	batches := make([][]replayEntry, 0, len(ring))
	for _, compressed := range ring {
		raw, err := j.dec.DecodeAll(compressed, nil)
		if err != nil {
			return nil, fmt.Errorf("vdo: decode replay batch: %w", err)
		}
		const recSize = 16 + EntrySize
		var batch []replayEntry
		for off := 0; off+recSize <= len(raw); off += recSize {
			seq := getUint64(raw[off : off+8])
			lbn := getUint64(raw[off+8 : off+16])
			var packed [EntrySize]byte
			copy(packed[:], raw[off+16:off+16+EntrySize])
			batch = append(batch, replayEntry{sequence: seq, lbn: lbn, entry: Unpack(packed)})
		}
		batches = append(batches, batch)
	}
	return batches, nil
}

func putUint64(buf []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		buf[i] = byte(v)
		v >>= 8
	}
}

func getUint64(buf []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(buf[i])
	}
	return v
}
