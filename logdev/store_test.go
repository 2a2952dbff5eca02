package logdev

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestStoreModeEnforcement(t *testing.T) {
	env := newTestEnv(t)
	ld, appendStore := env.startFresh(t, testConfig())
	defer ld.Stop()

	if err := appendStore.WriteAsync(5, []byte("x"), nil); !errors.Is(err, ErrAppendMode) {
		t.Errorf("WriteAsync on append-mode store: %v", err)
	}

	writeStore, err := ld.CreateNewLogStore(false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := writeStore.AppendAsync([]byte("x"), nil); !errors.Is(err, ErrNotAppendMode) {
		t.Errorf("AppendAsync on write-mode store: %v", err)
	}
	if err := writeStore.WriteAsync(7, []byte("seven"), nil); err != nil {
		t.Fatal(err)
	}
	ld.FlushIfNecessary(0)
	got, err := writeStore.Read(7)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "seven" {
		t.Errorf("read %q; want %q", got, "seven")
	}
}

func TestStoreCompressionRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ld, _ := env.startFresh(t, testConfig())
	defer ld.Stop()

	ls, err := ld.CreateNewLogStore(true)
	if err != nil {
		t.Fatal(err)
	}
	ls.SetCompression(true)

	compressible := []byte(strings.Repeat("abcdefgh", 1024))
	seq1, err := ls.AppendAsync(compressible, nil)
	if err != nil {
		t.Fatal(err)
	}
	// Random-ish bytes fall back to the raw framing.
	incompressible := alignedPayload(256, 512, 0)
	for i := range incompressible {
		incompressible[i] = byte(i*7 + i*i*13)
	}
	seq2, err := ls.AppendAsync(incompressible, nil)
	if err != nil {
		t.Fatal(err)
	}
	ld.FlushIfNecessary(0)

	got1, err := ls.Read(seq1)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got1, compressible) {
		t.Error("compressed payload corrupted")
	}
	got2, err := ls.Read(seq2)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got2, incompressible) {
		t.Error("raw-framed payload corrupted")
	}

	// The journal image holds less than the raw payload for the
	// compressible record.
	hdr, err := ld.ReadRecordHeader(mustKey(t, ls, seq1))
	if err != nil {
		t.Fatal(err)
	}
	if int(hdr.Size) >= len(compressible) {
		t.Errorf("on-disk size %d not smaller than %d", hdr.Size, len(compressible))
	}
}

func mustKey(t *testing.T, ls *LogStore, seq int64) Key {
	t.Helper()
	ls.mu.Lock()
	defer ls.mu.Unlock()
	key, ok := ls.keys[seq]
	if !ok {
		t.Fatalf("seq %d has no key", seq)
	}
	return key
}

func TestCompressPayloadFraming(t *testing.T) {
	small := []byte{1, 2, 3}
	framed, err := compressPayload(small)
	if err != nil {
		t.Fatal(err)
	}
	back, err := decompressPayload(framed)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(back, small) {
		t.Errorf("framing round trip: %v != %v", back, small)
	}

	big := []byte(strings.Repeat("z", 10000))
	framed, err = compressPayload(big)
	if err != nil {
		t.Fatal(err)
	}
	if len(framed) >= len(big) {
		t.Errorf("10000 z's should compress, framed=%d", len(framed))
	}
	back, err = decompressPayload(framed)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(back, big) {
		t.Error("compressed round trip mismatch")
	}
}

func TestRemoveLogStoreGarbageCollection(t *testing.T) {
	env := newTestEnv(t)
	ld, keeper := env.startFresh(t, testConfig())
	defer ld.Stop()

	doomed, err := ld.CreateNewLogStore(true)
	if err != nil {
		t.Fatal(err)
	}
	doomedID := doomed.ID()

	if _, err := keeper.AppendAsync([]byte("live"), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := doomed.AppendAsync([]byte("dead"), nil); err != nil {
		t.Fatal(err)
	}
	ld.FlushIfNecessary(0)

	if !ld.RemoveLogStore(doomedID) {
		t.Fatal("remove failed")
	}
	if ld.RemoveLogStore(doomedID) {
		t.Error("double remove should report false")
	}

	registered, garbage := ld.GetRegisteredStoreIDs()
	if len(registered) != 1 || len(garbage) != 1 || garbage[0] != doomedID {
		t.Errorf("registered=%v garbage=%v", registered, garbage)
	}

	// Truncation must pass the removal point before the id is unreserved.
	for i := 0; i < 3; i++ {
		if _, err := keeper.AppendAsync([]byte("more"), nil); err != nil {
			t.Fatal(err)
		}
	}
	ld.FlushIfNecessary(0)
	if err := keeper.Truncate(3); err != nil {
		t.Fatal(err)
	}
	ld.Truncate()
	if _, garbage = ld.GetRegisteredStoreIDs(); len(garbage) != 0 {
		t.Errorf("garbage ids not collected: %v", garbage)
	}
}
