package blkalloc

import (
	"errors"
	"sync"
	"testing"

	"brimstone/metablk"
)

func newTestAllocator(t *testing.T, totalBlks uint64) (*AppendAllocator, *metablk.Store, string) {
	t.Helper()
	dir := t.TempDir()
	sb, err := metablk.Open(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sb.Close() })

	a, err := New(Config{AllocatorID: 1, ChunkID: 3, TotalBlks: totalBlks}, sb, true, nil)
	if err != nil {
		t.Fatal(err)
	}
	return a, sb, dir
}

func TestAllocMonotonic(t *testing.T) {
	a, _, _ := newTestAllocator(t, 1000)

	b1, err := a.Alloc(8, 0)
	if err != nil {
		t.Fatal(err)
	}
	b2, err := a.Alloc(4, 0)
	if err != nil {
		t.Fatal(err)
	}
	if b1.BlkNum != 0 || b1.Count != 8 || b1.ChunkID != 3 {
		t.Errorf("b1 = %v", b1)
	}
	if b2.BlkNum != 8 {
		t.Errorf("allocations not contiguous: b2 = %v", b2)
	}
	if a.UsedBlks() != 12 {
		t.Errorf("used = %d; want 12", a.UsedBlks())
	}
}

func TestAllocSpaceFull(t *testing.T) {
	a, _, _ := newTestAllocator(t, 10)

	if _, err := a.Alloc(8, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Alloc(4, 0); !errors.Is(err, ErrSpaceFull) {
		t.Errorf("expected ErrSpaceFull, got %v", err)
	}
	// A reserved hint shrinks the visible capacity.
	if _, err := a.Alloc(2, 1); !errors.Is(err, ErrSpaceFull) {
		t.Errorf("expected ErrSpaceFull with reserved hint, got %v", err)
	}
	if _, err := a.Alloc(2, 0); err != nil {
		t.Errorf("2 blks should still fit: %v", err)
	}
}

func TestAllocSizeTooLarge(t *testing.T) {
	a, _, _ := newTestAllocator(t, 1 << 20)
	if _, err := a.Alloc(MaxBlksPerBlkID+1, 0); !errors.Is(err, ErrSizeTooLarge) {
		t.Errorf("expected ErrSizeTooLarge, got %v", err)
	}
}

func TestCacheNeverBelowDisk(t *testing.T) {
	a, _, _ := newTestAllocator(t, 1000)

	bid, _ := a.Alloc(16, 0)
	a.ReserveOnDisk(bid)
	if a.CommitOffset() != 16 {
		t.Fatalf("commit offset = %d; want 16", a.CommitOffset())
	}
	if a.UsedBlks() < a.CommitOffset() {
		t.Errorf("cache offset %d below disk offset %d", a.UsedBlks(), a.CommitOffset())
	}

	// Reserving an already-covered run does not regress.
	a.ReserveOnDisk(BlkId{BlkNum: 0, Count: 8})
	if a.CommitOffset() != 16 {
		t.Errorf("commit offset regressed to %d", a.CommitOffset())
	}
}

func TestConcurrentReserveOnDisk(t *testing.T) {
	a, _, _ := newTestAllocator(t, 1 << 16)

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		bid := BlkId{BlkNum: uint64(i) * 4, Count: 4}
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.ReserveOnDisk(bid)
		}()
	}
	wg.Wait()
	if a.CommitOffset() != 64*4 {
		t.Errorf("commit offset = %d; want %d", a.CommitOffset(), 64*4)
	}
}

func TestCheckpointRecovery(t *testing.T) {
	a, sb, _ := newTestAllocator(t, 1000)

	b1, _ := a.Alloc(10, 0)
	a.ReserveOnDisk(b1)
	b2, _ := a.Alloc(20, 0) // never reaches durability
	_ = b2
	a.Free(BlkId{BlkNum: 2, Count: 3})

	if err := a.CPFlush(); err != nil {
		t.Fatal(err)
	}
	// Second flush with nothing dirty is a no-op.
	if err := a.CPFlush(); err != nil {
		t.Fatal(err)
	}

	// "Reboot": a fresh allocator over the same superblock store.
	a2, err := New(Config{AllocatorID: 1, ChunkID: 3, TotalBlks: 1000}, sb, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	if a2.UsedBlks() != a2.CommitOffset() {
		t.Errorf("after reboot cache=%d disk=%d; want equal", a2.UsedBlks(), a2.CommitOffset())
	}
	if a2.CommitOffset() != 10 {
		t.Errorf("commit offset = %d; want 10 (transient alloc must collapse)", a2.CommitOffset())
	}
	if a2.FreeableBlks() != 3 {
		t.Errorf("freeable = %d; want 3", a2.FreeableBlks())
	}
	if !a2.IsBlkAllocedOnDisk(BlkId{BlkNum: 9, Count: 1}) {
		t.Error("blk 9 should be alloced on disk")
	}
	if a2.IsBlkAllocedOnDisk(BlkId{BlkNum: 10, Count: 1}) {
		t.Error("blk 10 should not be alloced on disk")
	}
}

func TestReserveOnCacheRatchet(t *testing.T) {
	a, _, _ := newTestAllocator(t, 1000)
	a.ReserveOnCache(BlkId{BlkNum: 40, Count: 8})
	if a.UsedBlks() != 48 {
		t.Errorf("used = %d; want 48", a.UsedBlks())
	}
	a.ReserveOnCache(BlkId{BlkNum: 0, Count: 8})
	if a.UsedBlks() != 48 {
		t.Errorf("ratchet regressed to %d", a.UsedBlks())
	}
}

func TestBlkIdCodec(t *testing.T) {
	in := BlkId{BlkNum: 0xDEADBEEF01, Count: 42, ChunkID: 7}
	buf := make([]byte, BlkIdSize)
	in.EncodeTo(buf)
	if out := DecodeBlkId(buf); out != in {
		t.Errorf("codec mismatch: %v != %v", out, in)
	}
}
