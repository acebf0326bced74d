// Block-map page: a self-describing fixed-size page holding a header and
// EntriesPerPage packed entries (spec.md §3 "Block-map page").
package vdo

import "encoding/binary"

// PageSize is the on-disk page size shared with the UDS volume's page
// cache geometry.
const PageSize = 4096

// pageHeaderSize is the packed size of Header below: nonce(8) + pbn(8) +
// initialized(1) + recoveryLock(8), padded to a round boundary.
const pageHeaderSize = 32

// EntriesPerPage is the number of packed block-map entries that fit in
// one page after the header (spec.md "VDO_BLOCK_MAP_ENTRIES_PER_PAGE").
const EntriesPerPage = (PageSize - pageHeaderSize) / EntrySize

// PageHeader identifies and validates a block-map page (spec.md §3 "Each
// page is self-describing: loading validates header against expected
// (nonce, pbn)").
type PageHeader struct {
	Nonce        uint64
	PBN          uint64
	Initialized  bool
	RecoveryLock uint64
}

// Page is one in-memory block-map page: its header plus its unpacked
// entries.
type Page struct {
	Header  PageHeader
	Entries [EntriesPerPage]Entry
}

// Encode serializes a page to its fixed PageSize on-disk form.
func Encode(p Page) []byte {
	buf := make([]byte, PageSize)
	binary.LittleEndian.PutUint64(buf[0:8], p.Header.Nonce)
	binary.LittleEndian.PutUint64(buf[8:16], p.Header.PBN)
	if p.Header.Initialized {
		buf[16] = 1
	}
	binary.LittleEndian.PutUint64(buf[17:25], p.Header.RecoveryLock)

	off := pageHeaderSize
	for _, e := range p.Entries {
		packed := Pack(e)
		copy(buf[off:off+EntrySize], packed[:])
		off += EntrySize
	}
	return buf
}

// Decode parses buf as a block-map page.
func Decode(buf []byte) Page {
	var p Page
	if len(buf) < pageHeaderSize {
		return p
	}
	p.Header.Nonce = binary.LittleEndian.Uint64(buf[0:8])
	p.Header.PBN = binary.LittleEndian.Uint64(buf[8:16])
	p.Header.Initialized = buf[16] != 0
	p.Header.RecoveryLock = binary.LittleEndian.Uint64(buf[17:25])

	off := pageHeaderSize
	for i := range p.Entries {
		if off+EntrySize > len(buf) {
			break
		}
		var packed [EntrySize]byte
		copy(packed[:], buf[off:off+EntrySize])
		p.Entries[i] = Unpack(packed)
		off += EntrySize
	}
	return p
}

// emptyPage returns a freshly reformatted, all-unmapped page stamped with
// (nonce, pbn).
func emptyPage(nonce, pbn uint64) Page {
	return Page{Header: PageHeader{Nonce: nonce, PBN: pbn, Initialized: true}}
}

// Validate checks a loaded page's header against the expected (nonce,
// pbn); on mismatch, per spec.md §4.5, the page is reformatted empty
// rather than treated as an error. A header that does match is then
// checked entry by entry with Entry.Validate: a nonzero state with pbn 0,
// an out-of-range PBN or an undefined state is not a stale-header
// condition, and fails with ErrBadMapping instead of being silently
// reformatted away. Leaf and interior pages get the same check, so a
// compressed state with a nonzero PBN is accepted on either.
func Validate(p Page, nonce, pbn uint64) (Page, error) {
	if !p.Header.Initialized || p.Header.Nonce != nonce || p.Header.PBN != pbn {
		return emptyPage(nonce, pbn), nil
	}
	for _, e := range p.Entries {
		if err := e.Validate(); err != nil {
			return Page{}, err
		}
	}
	return p, nil
}
