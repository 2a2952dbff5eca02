package metablk

import (
	"bytes"
	"errors"
	"testing"
)

func TestPutGetRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	if err := s.Put("alloc_0", payload); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get("alloc_0")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Get = %x; want %x", got, payload)
	}
}

func TestGetMissing(t *testing.T) {
	s, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if _, err := s.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Put("logdev_sb_0", []byte("hello")); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	got, err := s2.Get("logdev_sb_0")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Errorf("reopen lost superblock, got %q", got)
	}
}

func TestRangeAndDelete(t *testing.T) {
	s, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	for _, name := range []string{"logdev_sb_0", "logdev_sb_1", "rollback_sb_0"} {
		if err := s.Put(name, []byte(name)); err != nil {
			t.Fatal(err)
		}
	}

	var seen []string
	err = s.Range("logdev_sb_", func(name string, payload []byte) error {
		seen = append(seen, name)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(seen) != 2 {
		t.Fatalf("Range saw %v; want 2 logdev superblocks", seen)
	}

	if err := s.Delete("logdev_sb_0"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get("logdev_sb_0"); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted superblock should be gone, got %v", err)
	}
}
