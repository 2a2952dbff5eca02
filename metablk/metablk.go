// Package metablk persists named superblocks for the persistence core.
// Superblocks are small control structures (allocator state, logdev
// registry, rollback records) that must survive crashes independently of
// the journal itself.
package metablk

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var sbKeyPrefix = []byte("!sb!")

// ErrNotFound is returned when a superblock has never been written.
var ErrNotFound = errors.New("superblock not found")

// Store is a durable superblock store. All writes are synced before Put
// returns; a superblock is either fully present or absent after a crash.
type Store struct {
	mu     sync.Mutex
	db     *leveldb.DB
	logger *slog.Logger
	closed bool
}

// Open opens (or creates) a superblock store in dir.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	db, err := leveldb.OpenFile(dir, &opt.Options{})
	if err != nil {
		return nil, fmt.Errorf("open metablk store: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

func sbKey(name string) []byte {
	k := make([]byte, 0, len(sbKeyPrefix)+len(name))
	k = append(k, sbKeyPrefix...)
	return append(k, name...)
}

// Put durably writes a superblock under name, replacing any previous image.
func (s *Store) Put(name string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("metablk store closed")
	}
	if err := s.db.Put(sbKey(name), payload, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("persist superblock %s: %w", name, err)
	}
	s.logger.Debug("Superblock persisted", "name", name, "size", len(payload))
	return nil
}

// Get returns the stored image of a superblock, or ErrNotFound.
func (s *Store) Get(name string) ([]byte, error) {
	v, err := s.db.Get(sbKey(name), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read superblock %s: %w", name, err)
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Delete removes a superblock. Deleting an absent superblock is a no-op.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("metablk store closed")
	}
	if err := s.db.Delete(sbKey(name), &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("delete superblock %s: %w", name, err)
	}
	return nil
}

// Range calls fn for every superblock whose name starts with prefix.
// Iteration stops at the first error.
func (s *Store) Range(prefix string, fn func(name string, payload []byte) error) error {
	iter := s.db.NewIterator(util.BytesPrefix(sbKey(prefix)), nil)
	defer iter.Release()
	for iter.Next() {
		name := strings.TrimPrefix(string(iter.Key()), string(sbKeyPrefix))
		payload := make([]byte, len(iter.Value()))
		copy(payload, iter.Value())
		if err := fn(name, payload); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Close closes the underlying store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
