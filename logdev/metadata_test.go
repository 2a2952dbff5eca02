package logdev

import (
	"errors"
	"testing"

	"brimstone/metablk"
)

func newTestMetadata(t *testing.T) (*LogDevMetadata, *metablk.Store) {
	t.Helper()
	sb, err := metablk.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sb.Close() })
	return newLogDevMetadata(4, sb, nil), sb
}

func TestMetadataCreateLoadRoundTrip(t *testing.T) {
	m, sb := newTestMetadata(t)
	if err := m.create(FlushModeInline|FlushModeTimer, 512); err != nil {
		t.Fatal(err)
	}

	id1, err := m.reserveStore(false)
	if err != nil {
		t.Fatal(err)
	}
	id2, err := m.reserveStore(false)
	if err != nil {
		t.Fatal(err)
	}
	if id1 == id2 {
		t.Fatalf("duplicate stream ids: %d", id1)
	}
	if err := m.updateStoreSuperblk(id2, StoreSuperblk{StreamID: id2, FirstSeq: 77}, false); err != nil {
		t.Fatal(err)
	}
	if err := m.setStartDevOffset(8192, 100, true); err != nil {
		t.Fatal(err)
	}

	m2 := newLogDevMetadata(4, sb, nil)
	stores, err := m2.load()
	if err != nil {
		t.Fatal(err)
	}
	if len(stores) != 2 {
		t.Fatalf("loaded %d stores; want 2", len(stores))
	}
	if stores[id2].FirstSeq != 77 {
		t.Errorf("store %d first seq = %d; want 77", id2, stores[id2].FirstSeq)
	}
	if m2.getStartDevOffset() != 8192 || m2.getKeyIdx() != 100 {
		t.Errorf("cursor lost: offset=%d keyIdx=%d", m2.getStartDevOffset(), m2.getKeyIdx())
	}
	// The bitmap round-tripped: fresh reservations skip live ids.
	id3, err := m2.reserveStore(false)
	if err != nil {
		t.Fatal(err)
	}
	if id3 == id1 || id3 == id2 {
		t.Errorf("reserved id %d collides with persisted ids", id3)
	}
}

func TestMetadataMissingSuperblock(t *testing.T) {
	m, _ := newTestMetadata(t)
	if _, err := m.load(); !errors.Is(err, metablk.ErrNotFound) {
		t.Errorf("expected ErrNotFound on unformatted logdev, got %v", err)
	}
}

func TestRollbackRecordsRoundTrip(t *testing.T) {
	m, sb := newTestMetadata(t)
	if err := m.create(FlushModeInline, 0); err != nil {
		t.Fatal(err)
	}
	if err := m.addRollbackRecord(3, 50, 79, true); err != nil {
		t.Fatal(err)
	}
	if err := m.addRollbackRecord(3, 90, 95, true); err != nil {
		t.Fatal(err)
	}
	if err := m.addRollbackRecord(8, 10, 20, true); err != nil {
		t.Fatal(err)
	}
	// Duplicate range: idempotent.
	if err := m.addRollbackRecord(3, 50, 79, true); err != nil {
		t.Fatal(err)
	}
	if n := m.numRollbackRecords(3); n != 2 {
		t.Errorf("stream 3 rollback records = %d; want 2", n)
	}

	m2 := newLogDevMetadata(4, sb, nil)
	if _, err := m2.load(); err != nil {
		t.Fatal(err)
	}
	for _, tc := range []struct {
		sid  uint32
		idx  int64
		want bool
	}{
		{3, 49, false}, {3, 50, true}, {3, 79, true}, {3, 80, false},
		{3, 92, true}, {8, 15, true}, {8, 21, false}, {5, 60, false},
	} {
		if got := m2.isRolledBack(tc.sid, tc.idx); got != tc.want {
			t.Errorf("isRolledBack(%d, %d) = %v; want %v", tc.sid, tc.idx, got, tc.want)
		}
	}

	// Truncation clears ranges wholly below the cut.
	if err := m2.removeRollbackRecordsUpto(85, true); err != nil {
		t.Fatal(err)
	}
	if m2.isRolledBack(3, 60) {
		t.Error("range (50,79) should be gone after truncation to 85")
	}
	if !m2.isRolledBack(3, 92) {
		t.Error("range (90,95) must survive truncation to 85")
	}
	if m2.isRolledBack(8, 15) {
		t.Error("range (10,20) should be gone after truncation to 85")
	}
}

func TestUnreserveStore(t *testing.T) {
	m, sb := newTestMetadata(t)
	if err := m.create(FlushModeInline, 0); err != nil {
		t.Fatal(err)
	}
	id, err := m.reserveStore(true)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.unreserveStore(id, true); err != nil {
		t.Fatal(err)
	}

	m2 := newLogDevMetadata(4, sb, nil)
	stores, err := m2.load()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := stores[id]; ok {
		t.Errorf("unreserved store %d still registered", id)
	}
	// The id is reusable.
	id2, err := m2.reserveStore(false)
	if err != nil {
		t.Fatal(err)
	}
	if id2 != id {
		t.Errorf("first-free reservation returned %d; want recycled %d", id2, id)
	}
}

func TestIDReserverFirstFree(t *testing.T) {
	r := newIDReserver(16)
	if id := r.reserve(); id != 0 {
		t.Errorf("first id = %d", id)
	}
	if id := r.reserve(); id != 1 {
		t.Errorf("second id = %d", id)
	}
	r.unreserve(0)
	if id := r.reserve(); id != 0 {
		t.Errorf("recycled id = %d; want 0", id)
	}
	if err := r.reserveSpecific(9); err != nil {
		t.Fatal(err)
	}
	if err := r.reserveSpecific(9); err == nil {
		t.Error("double specific reservation should fail")
	}

	r2 := newIDReserverFrom(r.serialize())
	for _, id := range []uint32{0, 1, 9} {
		if !r2.isReserved(id) {
			t.Errorf("id %d lost across serialization", id)
		}
	}
	if r2.isReserved(5) {
		t.Error("id 5 spuriously reserved")
	}
}

func TestIDReserverGrows(t *testing.T) {
	r := newIDReserver(8)
	seen := map[uint32]bool{}
	for i := 0; i < 40; i++ {
		id := r.reserve()
		if seen[id] {
			t.Fatalf("duplicate id %d", id)
		}
		seen[id] = true
	}
}
