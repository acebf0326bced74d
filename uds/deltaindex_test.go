package uds

import "testing"

func TestDeltaIndexPutGet(t *testing.T) {
	di := NewDeltaIndex(4, 100, 32, 0, 0)

	if err := di.Put(0, 10, 0xaaaa, false, nil); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := di.Put(0, 20, 0xbbbb, false, nil); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if p, _, _, ok := di.Get(0, 10); !ok || p != 0xaaaa {
		t.Fatalf("Get(10) = %v, %v", p, ok)
	}
	if p, _, _, ok := di.Get(0, 20); !ok || p != 0xbbbb {
		t.Fatalf("Get(20) = %v, %v", p, ok)
	}
	if _, _, _, ok := di.Get(0, 15); ok {
		t.Fatalf("Get(15) unexpectedly found")
	}
}

func TestDeltaIndexOverwrite(t *testing.T) {
	di := NewDeltaIndex(1, 10, 16, 0, 0)
	di.Put(0, 5, 1, false, nil)
	di.Put(0, 5, 2, false, nil)

	entries := di.ListEntries(0)
	if len(entries) != 1 || entries[0].Payload != 2 {
		t.Fatalf("expected single overwritten entry, got %+v", entries)
	}
}

func TestDeltaIndexRemove(t *testing.T) {
	di := NewDeltaIndex(1, 10, 16, 0, 0)
	di.Put(0, 5, 1, false, nil)
	if !di.Remove(0, 5) {
		t.Fatalf("Remove reported not found")
	}
	if _, _, _, ok := di.Get(0, 5); ok {
		t.Fatalf("entry still present after remove")
	}
	if di.Remove(0, 5) {
		t.Fatalf("second remove should report not found")
	}
}

func TestDeltaIndexOrderingInvariant(t *testing.T) {
	di := NewDeltaIndex(1, 10, 8, 0, 0)
	keys := []uint64{50, 10, 30, 20, 40}
	for _, k := range keys {
		di.Put(0, k, 0, false, nil)
	}

	entries := di.ListEntries(0)
	var sum uint64
	for i, e := range entries {
		sum += e.Delta
		if e.Key != sum {
			t.Fatalf("entry %d: key %d != running delta sum %d", i, e.Key, sum)
		}
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Key <= entries[i-1].Key {
			t.Fatalf("list not strictly ascending at %d", i)
		}
	}
}

func TestDeltaIndexCursor(t *testing.T) {
	di := NewDeltaIndex(1, 10, 8, 0, 0)
	di.Put(0, 1, 0, false, nil)
	di.Put(0, 2, 0, false, nil)
	di.Put(0, 3, 0, false, nil)

	c := di.StartSearch(0, 2)
	first := c.Next()
	if first.AtEnd || first.Key != 2 {
		t.Fatalf("expected first entry key=2, got %+v", first)
	}
	second := c.Next()
	if second.AtEnd || second.Key != 3 {
		t.Fatalf("expected second entry key=3, got %+v", second)
	}
	third := c.Next()
	if !third.AtEnd {
		t.Fatalf("expected AtEnd, got %+v", third)
	}
}

func TestDeltaIndexOverflow(t *testing.T) {
	di := NewDeltaIndex(1, 1, 32, 16, 200)

	var err error
	for i := uint64(0); i < 100 && err == nil; i++ {
		err = di.Put(0, i, 0, true, make([]byte, 16))
	}
	if err != ErrOverflow {
		t.Fatalf("expected ErrOverflow eventually, got %v", err)
	}
}

func TestDeltaIndexStats(t *testing.T) {
	di := NewDeltaIndex(2, 10, 16, 0, 0)
	di.Put(0, 1, 0, false, nil)
	di.Put(1, 2, 0, false, nil)

	stats := di.GetStats()
	if stats.ListCount != 2 || stats.RecordCount != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.UsedBits == 0 {
		t.Fatalf("expected nonzero UsedBits")
	}
}
