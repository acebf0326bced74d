package superblock

import "testing"

func sampleStates() ComponentStates {
	return ComponentStates{
		RecoveryJournal: RecoveryJournalState{Nonce: 0, Size: 0},
		SlabDepot:       SlabDepotState{ZoneCount: 0, SlabSizeShift: 0, SlabCount: 0},
		BlockMap:        BlockMapState{RootCount: 0, FlatPageCount: 0},
		PhysicalZones:   PhysicalZoneState{ZoneCount: 0},
	}
}

func TestEncodeFixturePrefix(t *testing.T) {
	buf := Encode(SuperBlock{ID: 0, Major: CurrentMajor, Minor: CurrentMinor, State: sampleStates()})

	want := []byte{
		0x00, 0x00, 0x00, 0x00, // id
		0x0c, 0x00, 0x00, 0x00, // major = 12
		0x00, 0x00, 0x00, 0x00, // minor = 0
		0x22, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // size = 34
	}
	if len(buf) < len(want) {
		t.Fatalf("encoded record too short: %d bytes", len(buf))
	}
	for i, b := range want {
		if buf[i] != b {
			t.Fatalf("byte %d: got 0x%02x, want 0x%02x", i, buf[i], b)
		}
	}
	if len(buf) != HeaderSize+payloadSize+4 {
		t.Fatalf("total length %d, want %d", len(buf), HeaderSize+payloadSize+4)
	}
}

func TestRoundTrip(t *testing.T) {
	in := SuperBlock{
		ID:    7,
		Major: CurrentMajor,
		Minor: CurrentMinor,
		State: ComponentStates{
			RecoveryJournal: RecoveryJournalState{Nonce: 0xdeadbeef, Size: 4096},
			SlabDepot:       SlabDepotState{ZoneCount: 4, SlabSizeShift: 19, SlabCount: 100},
			BlockMap:        BlockMapState{RootCount: 16, FlatPageCount: 1 << 20},
			PhysicalZones:   PhysicalZoneState{ZoneCount: 4},
		},
	}

	buf := Encode(in)
	out, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.ID != in.ID || out.State != in.State {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestBitFlipFailsChecksum(t *testing.T) {
	buf := Encode(SuperBlock{ID: 1, Major: CurrentMajor, Minor: CurrentMinor, State: sampleStates()})

	for _, pos := range []int{HeaderSize, HeaderSize + 5, len(buf) - 1} {
		corrupt := make([]byte, len(buf))
		copy(corrupt, buf)
		corrupt[pos] ^= 0x01

		if _, err := Decode(corrupt); err != ErrChecksumMismatch {
			t.Fatalf("flip at byte %d: got err %v, want ErrChecksumMismatch", pos, err)
		}
	}
}

func TestDecodeTruncated(t *testing.T) {
	buf := Encode(SuperBlock{ID: 1, Major: CurrentMajor, Minor: CurrentMinor, State: sampleStates()})
	if _, err := Decode(buf[:HeaderSize]); err != ErrTruncated {
		t.Fatalf("got %v, want ErrTruncated", err)
	}
}

func TestDecodeUnsupportedVersion(t *testing.T) {
	buf := Encode(SuperBlock{ID: 1, Major: CurrentMajor, Minor: CurrentMinor, State: sampleStates()})
	buf[4] = 99
	if _, err := Decode(buf); err == nil {
		t.Fatalf("expected error for unsupported version")
	}
}
