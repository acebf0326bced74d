// Index header: the fixed-size descriptor stored in the volume's
// reserved header page, tracking dirty state and chapter bounds for
// crash recovery (spec.md §4.4 "Open/close", §7 "Crash recovery").
package uds

import (
	"bytes"

	json "github.com/goccy/go-json"
)

// IndexHeaderSize is the on-disk size of the header. It occupies the start
// of the reserved header page (HeaderPagesPerVolume) and is smaller than
// the page size of every derived geometry.
const IndexHeaderSize = 512

// IndexHeader is written when an index is created and on every Save
// (Suspend with save, Close), and read back on UDS_LOAD for the geometry
// knobs and chapter bounds. Load rebuilds the volume index whatever Dirty
// holds.
type IndexHeader struct {
	Dirty     bool          `json:"dirty"`
	Variant   MemoryVariant `json:"memory_variant"`
	GiBCount  int           `json:"gib_count"`
	Reduced   bool          `json:"reduced"`
	Sparse    bool          `json:"sparse"`
	OldestVCN uint64        `json:"oldest_vcn"`
	OpenVCN   uint64        `json:"open_vcn"`
}

// encode serializes the header, padded with spaces and newline-terminated
// like the teacher's fixed-width header encoding.
func (h IndexHeader) encode() ([]byte, error) {
	data, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	if len(data)+1 > IndexHeaderSize {
		return nil, ErrInvalidArgument
	}
	buf := make([]byte, IndexHeaderSize)
	copy(buf, data)
	for i := len(data); i < IndexHeaderSize-1; i++ {
		buf[i] = ' '
	}
	buf[IndexHeaderSize-1] = '\n'
	return buf, nil
}

func decodeIndexHeader(buf []byte) (IndexHeader, error) {
	var h IndexHeader
	if err := json.Unmarshal(bytes.TrimSpace(buf), &h); err != nil {
		return IndexHeader{}, ErrChecksumMismatch
	}
	return h, nil
}

// writeHeader persists idx's current header to storage's reserved page.
func writeHeader(storage BlockStorage, h IndexHeader) error {
	buf, err := h.encode()
	if err != nil {
		return err
	}
	_, err = storage.WriteAt(buf, 0)
	return err
}

// readHeader loads the header from storage's reserved page.
func readHeader(storage BlockStorage) (IndexHeader, error) {
	buf := make([]byte, IndexHeaderSize)
	if _, err := storage.ReadAt(buf, 0); err != nil {
		return IndexHeader{}, err
	}
	return decodeIndexHeader(buf)
}
