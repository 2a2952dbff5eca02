package device

import (
	"bytes"
	"path/filepath"
	"testing"

	"brimstone/blkalloc"
	"brimstone/metablk"
)

func TestFormatOpenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunk0")
	d, err := Format(path, 64, 512, nil)
	if err != nil {
		t.Fatal(err)
	}
	id := d.UUID()
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}

	d2, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer d2.Close()
	if d2.BlockSize() != 512 || d2.CapacityBlks() != 64 {
		t.Errorf("geometry lost: bs=%d cap=%d", d2.BlockSize(), d2.CapacityBlks())
	}
	if d2.UUID() != id {
		t.Errorf("identity lost: %s != %s", d2.UUID(), id)
	}
}

func TestWriteVecReadBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunk0")
	d, err := Format(path, 64, 512, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	a := bytes.Repeat([]byte{0xAA}, 512)
	b := bytes.Repeat([]byte{0xBB}, 1024)
	c := bytes.Repeat([]byte{0xCC}, 512)
	off := d.OffsetOf(2)
	if err := d.WriteVec(off, [][]byte{a, b, c}); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, 2048)
	if _, err := d.ReadAt(got, off); err != nil {
		t.Fatal(err)
	}
	want := append(append(append([]byte{}, a...), b...), c...)
	if !bytes.Equal(got, want) {
		t.Error("vectored write not contiguous on read back")
	}
}

func TestWriteRejectsUnaligned(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunk0")
	d, err := Format(path, 16, 512, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	if err := d.WriteAt(d.OffsetOf(0)+1, make([]byte, 512)); err == nil {
		t.Error("expected unaligned write to fail")
	}
	// Writing into the header block must be rejected too.
	if err := d.WriteAt(0, make([]byte, 512)); err == nil {
		t.Error("expected header-block write to fail")
	}
}

func TestJournalAllocCommitTruncate(t *testing.T) {
	dir := t.TempDir()
	d, err := Format(filepath.Join(dir, "chunk0"), 128, 512, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	sb, err := metablk.Open(filepath.Join(dir, "meta"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer sb.Close()

	alloc, err := blkalloc.New(blkalloc.Config{AllocatorID: 0, TotalBlks: 128}, sb, true, nil)
	if err != nil {
		t.Fatal(err)
	}
	j := NewJournal(d, alloc, nil)

	off1, err := j.AllocGroup(1000) // rounds up to 2 blocks
	if err != nil {
		t.Fatal(err)
	}
	off2, err := j.AllocGroup(512)
	if err != nil {
		t.Fatal(err)
	}
	if off1 != d.OffsetOf(0) || off2 != d.OffsetOf(2) {
		t.Errorf("offsets %d, %d; want %d, %d", off1, off2, d.OffsetOf(0), d.OffsetOf(2))
	}

	j.CommitGroup(off1, 1000)
	if alloc.CommitOffset() != 2 {
		t.Errorf("commit offset = %d; want 2", alloc.CommitOffset())
	}

	if err := j.Truncate(off2); err != nil {
		t.Fatal(err)
	}
	if j.Head() != off2 {
		t.Errorf("head = %d; want %d", j.Head(), off2)
	}
	if alloc.FreeableBlks() != 2 {
		t.Errorf("freeable = %d; want 2", alloc.FreeableBlks())
	}
}
