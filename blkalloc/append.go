// Package blkalloc implements the append block allocator: monotonically
// increasing offsets with a two-level commit. The cache offset tracks
// allocations made in this run; the disk offset tracks what has been made
// durable by a checkpoint and is the sole source of truth after a crash.
package blkalloc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"brimstone/metablk"
)

const (
	appendBlkallocSBMagic   uint32 = 0x0ABA110C
	appendBlkallocSBVersion uint32 = 1
	appendBlkallocSBSize           = 32
)

var (
	ErrSpaceFull    = errors.New("allocator out of space")
	ErrSizeTooLarge = errors.New("allocation exceeds blkid encoding limit")
)

// Config describes one append allocator instance.
type Config struct {
	AllocatorID uint32
	ChunkID     uint16
	TotalBlks   uint64
}

// AppendAllocator hands out monotonically increasing block runs on one chunk.
// Freed blocks are only accounted; space is never reused in place.
type AppendAllocator struct {
	cfg    Config
	logger *slog.Logger
	sb     *metablk.Store

	lastAppendOffset atomic.Uint64 // allocated in this run (cache)
	commitOffset     atomic.Uint64 // durable across crash (disk)
	freeableBlks     atomic.Uint64
	dirty            atomic.Bool
}

// New creates or recovers an append allocator. With format=true the
// allocator starts empty; otherwise state is loaded from its superblock
// when one exists.
func New(cfg Config, sb *metablk.Store, format bool, logger *slog.Logger) (*AppendAllocator, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	a := &AppendAllocator{cfg: cfg, sb: sb, logger: logger}

	if format {
		a.dirty.Store(true)
		if err := a.CPFlush(); err != nil {
			return nil, err
		}
		return a, nil
	}

	payload, err := sb.Get(a.sbName())
	if err != nil {
		if errors.Is(err, metablk.ErrNotFound) {
			// First boot without an explicit format.
			return a, nil
		}
		return nil, err
	}
	if err := a.loadSuperblock(payload); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *AppendAllocator) sbName() string {
	return fmt.Sprintf("append_blkalloc_sb_%d", a.cfg.AllocatorID)
}

func (a *AppendAllocator) loadSuperblock(payload []byte) error {
	if len(payload) < appendBlkallocSBSize {
		return fmt.Errorf("append allocator superblock too small: %d bytes", len(payload))
	}
	if magic := binary.LittleEndian.Uint32(payload[0:]); magic != appendBlkallocSBMagic {
		return fmt.Errorf("append allocator superblock magic mismatch: %#x", magic)
	}
	if v := binary.LittleEndian.Uint32(payload[4:]); v != appendBlkallocSBVersion {
		return fmt.Errorf("append allocator superblock version mismatch: %d", v)
	}
	commit := binary.LittleEndian.Uint64(payload[16:])
	freeable := binary.LittleEndian.Uint64(payload[24:])

	// Both offsets start from the durable commit point; allocations that
	// never reached a checkpoint collapse away.
	a.lastAppendOffset.Store(commit)
	a.commitOffset.Store(commit)
	a.freeableBlks.Store(freeable)

	a.logger.Debug("Append allocator recovered",
		"allocator", a.cfg.AllocatorID, "commit_offset", commit, "freeable_blks", freeable)
	return nil
}

// Alloc advances the cache offset by nblks and returns the run. The
// reservedBlks hint excludes capacity the caller has promised elsewhere.
func (a *AppendAllocator) Alloc(nblks uint32, reservedBlks uint64) (BlkId, error) {
	avail := a.AvailableBlks()
	if avail > reservedBlks {
		avail -= reservedBlks
	} else {
		avail = 0
	}
	if uint64(nblks) > avail {
		a.logger.Error("No space left to serve request",
			"nblks", nblks, "available_blks", a.AvailableBlks(), "excl_reserved", avail)
		return BlkId{}, ErrSpaceFull
	}
	if nblks > MaxBlksPerBlkID {
		a.logger.Error("Allocation larger than blkid limit", "nblks", nblks, "max", MaxBlksPerBlkID)
		return BlkId{}, ErrSizeTooLarge
	}

	off := a.lastAppendOffset.Add(uint64(nblks)) - uint64(nblks)
	return BlkId{BlkNum: off, Count: uint16(nblks), ChunkID: a.cfg.ChunkID}, nil
}

// ReserveOnDisk raises the commit offset to cover bid. Called once the data
// at bid is durable, so the next checkpoint persists the new high-water mark.
func (a *AppendAllocator) ReserveOnDisk(bid BlkId) {
	newOffset := bid.BlkNum + uint64(bid.Count)
	for {
		cur := a.commitOffset.Load()
		if cur >= newOffset {
			return
		}
		if a.commitOffset.CompareAndSwap(cur, newOffset) {
			a.dirty.Store(true)
			return
		}
	}
}

// ReserveOnCache raises the cache offset to cover bid. Used during recovery
// to ratchet in-memory state to the highest observed allocation.
func (a *AppendAllocator) ReserveOnCache(bid BlkId) {
	newOffset := bid.BlkNum + uint64(bid.Count)
	for {
		cur := a.lastAppendOffset.Load()
		if cur >= newOffset {
			return
		}
		if a.lastAppendOffset.CompareAndSwap(cur, newOffset) {
			return
		}
	}
}

// Free accounts the run as freeable. The append allocator never reclaims
// space in place.
func (a *AppendAllocator) Free(bid BlkId) {
	a.freeableBlks.Add(uint64(bid.Count))
	a.dirty.Store(true)
}

// CPFlush persists the superblock if anything changed since the last
// checkpoint.
func (a *AppendAllocator) CPFlush() error {
	if !a.dirty.Swap(false) {
		return nil
	}
	buf := make([]byte, appendBlkallocSBSize)
	binary.LittleEndian.PutUint32(buf[0:], appendBlkallocSBMagic)
	binary.LittleEndian.PutUint32(buf[4:], appendBlkallocSBVersion)
	binary.LittleEndian.PutUint32(buf[8:], a.cfg.AllocatorID)
	binary.LittleEndian.PutUint64(buf[16:], a.commitOffset.Load())
	binary.LittleEndian.PutUint64(buf[24:], a.freeableBlks.Load())

	if err := a.sb.Put(a.sbName(), buf); err != nil {
		a.dirty.Store(true)
		return fmt.Errorf("append allocator cp flush: %w", err)
	}
	return nil
}

// Destroy removes the allocator superblock.
func (a *AppendAllocator) Destroy() error {
	return a.sb.Delete(a.sbName())
}

// Reset returns the allocator to an empty state.
func (a *AppendAllocator) Reset() {
	a.lastAppendOffset.Store(0)
	a.commitOffset.Store(0)
	a.freeableBlks.Store(0)
	a.dirty.Store(true)
}

func (a *AppendAllocator) IsBlkAlloced(bid BlkId) bool {
	return bid.BlkNum < a.UsedBlks()
}

func (a *AppendAllocator) IsBlkAllocedOnDisk(bid BlkId) bool {
	return bid.BlkNum < a.commitOffset.Load()
}

func (a *AppendAllocator) AvailableBlks() uint64 { return a.cfg.TotalBlks - a.UsedBlks() }
func (a *AppendAllocator) UsedBlks() uint64      { return a.lastAppendOffset.Load() }
func (a *AppendAllocator) CommitOffset() uint64  { return a.commitOffset.Load() }
func (a *AppendAllocator) FreeableBlks() uint64  { return a.freeableBlks.Load() }

func (a *AppendAllocator) String() string {
	return fmt.Sprintf("AppendBlkAlloc_chunk_%d last_append_offset=%d commit_offset=%d freeable=%d",
		a.cfg.ChunkID, a.lastAppendOffset.Load(), a.commitOffset.Load(), a.freeableBlks.Load())
}
