package vdo

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jpl-au/dedupvol/uds"
)

func testSystemOptions() SystemOptions {
	return SystemOptions{
		Nonce:        0xFEED,
		RootCount:    2,
		PoolSize:     16,
		DiscardLimit: 4,
		ZoneCount:    2,
		UDS: uds.OpenOptions{
			MemorySize: uds.MemorySize{Variant: uds.Memory256MB},
		},
	}
}

// TestSystemFormatWriteRead covers the region-table wiring end to end:
// format a device, write a handful of logical blocks, and read them
// back through the block-map forest.
func TestSystemFormatWriteRead(t *testing.T) {
	storage := uds.NewMemStorage(0)
	sys, err := Format(storage, testSystemOptions())
	require.NoError(t, err)
	defer sys.Close()

	lbns := []uint64{0, 1, EntriesPerPage + 3, 1 << 18}
	for _, lbn := range lbns {
		_, err := sys.WriteLogical(0, lbn, false)
		require.NoErrorf(t, err, "WriteLogical(%d)", lbn)
	}

	for _, lbn := range lbns {
		entry, err := sys.ReadLogical(lbn)
		require.NoErrorf(t, err, "ReadLogical(%d)", lbn)
		require.Equal(t, Uncompressed, entry.State)
		require.NotZero(t, entry.PBN)
	}

	entry, err := sys.ReadLogical(1 << 30)
	require.NoError(t, err)
	require.Equal(t, Unmapped, entry.State)
}

// TestSystemDiscardDoesNotAllocate covers the discard path: a discard
// write must not consume a slab allocation and must leave the logical
// block mapped as unmapped.
func TestSystemDiscardDoesNotAllocate(t *testing.T) {
	storage := uds.NewMemStorage(0)
	sys, err := Format(storage, testSystemOptions())
	require.NoError(t, err)
	defer sys.Close()

	const lbn = 42
	_, err = sys.WriteLogical(0, lbn, false)
	require.NoError(t, err)
	nextBefore := sys.Slabs.next
	_, err = sys.WriteLogical(0, lbn, true)
	require.NoError(t, err)
	require.Equal(t, nextBefore, sys.Slabs.next, "discard consumed a slab allocation")

	entry, err := sys.ReadLogical(lbn)
	require.NoError(t, err)
	require.Equal(t, Unmapped, entry.State)
}

// TestSystemReload covers reopening a formatted device: the UDS index's
// RAM-resident volume index is rebuilt and the block-map forest's
// on-disk pages survive untouched.
func TestSystemReload(t *testing.T) {
	storage := uds.NewMemStorage(0)
	opts := testSystemOptions()
	sys, err := Format(storage, opts)
	require.NoError(t, err)

	const lbn = 7
	_, err = sys.WriteLogical(0, lbn, false)
	require.NoError(t, err)
	wantEntry, err := sys.ReadLogical(lbn)
	require.NoError(t, err)
	require.NoError(t, sys.Close())

	reopened, err := Load(storage, opts)
	require.NoError(t, err)
	defer reopened.Close()

	gotEntry, err := reopened.ReadLogical(lbn)
	require.NoError(t, err)
	require.Equal(t, wantEntry, gotEntry)
}

// TestGeometryBlockRoundTrip covers spec.md §6's device-wide region
// table codec.
func TestGeometryBlockRoundTrip(t *testing.T) {
	gb := GeometryBlock{
		Magic:   GeometryMagic,
		Version: GeometryVersion,
		Nonce:   0x1234,
		Regions: []RegionEntry{
			{ID: RegionUDSIndex, Offset: 4096},
			{ID: RegionVDO, Offset: 1 << 20},
		},
	}
	decoded, err := DecodeGeometryBlock(EncodeGeometryBlock(gb))
	require.NoError(t, err)
	require.Equal(t, gb.Magic, decoded.Magic)
	require.Equal(t, gb.Nonce, decoded.Nonce)
	require.Equal(t, gb.Regions, decoded.Regions)
}
