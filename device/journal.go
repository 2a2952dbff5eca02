package device

import (
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"brimstone/blkalloc"
)

// Journal presents a device chunk as an append-only journal region. Offsets
// are handed out by the append allocator; a group becomes committed (and
// survives allocator checkpoints) once the journal is told its write landed.
type Journal struct {
	dev    *Device
	alloc  *blkalloc.AppendAllocator
	head   atomic.Int64 // earliest live offset; space before it is reclaimable
	logger *slog.Logger
}

// NewJournal wraps a device and its allocator.
func NewJournal(dev *Device, alloc *blkalloc.AppendAllocator, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	j := &Journal{dev: dev, alloc: alloc, logger: logger}
	j.head.Store(dev.OffsetOf(0))
	return j
}

// FlushSizeMultiple is the alignment every journal write must honor: the
// larger of the DMA boundary and the device block size.
func (j *Journal) FlushSizeMultiple() uint64 {
	if j.dev.BlockSize() < 512 {
		return 512
	}
	return uint64(j.dev.BlockSize())
}

// AllocGroup reserves space for a group of the given size and returns its
// device offset. The allocation is cache-level only until CommitGroup.
func (j *Journal) AllocGroup(size uint32) (int64, error) {
	bs := j.dev.BlockSize()
	nblks := (size + bs - 1) / bs
	bid, err := j.alloc.Alloc(nblks, 0)
	if err != nil {
		return 0, fmt.Errorf("journal alloc %d blks: %w", nblks, err)
	}
	return j.dev.OffsetOf(bid.BlkNum), nil
}

// CommitGroup marks the group at devOffset as durable, raising the
// allocator's disk offset so the space survives a crash.
func (j *Journal) CommitGroup(devOffset int64, size uint32) {
	bs := j.dev.BlockSize()
	nblks := (size + bs - 1) / bs
	j.alloc.ReserveOnDisk(blkalloc.BlkId{BlkNum: j.dev.BlkNumOf(devOffset), Count: uint16(nblks)})
}

// ReserveUpto ratchets both allocator offsets to cover everything below
// endOffset. Called after recovery scanned the journal tail.
func (j *Journal) ReserveUpto(endOffset int64) {
	blk := j.dev.BlkNumOf(roundUp(endOffset, int64(j.dev.BlockSize())))
	if blk == 0 {
		return
	}
	bid := blkalloc.BlkId{BlkNum: blk - 1, Count: 1}
	j.alloc.ReserveOnCache(bid)
	j.alloc.ReserveOnDisk(bid)
}

// WriteVec lands a prepared group image at devOffset.
func (j *Journal) WriteVec(devOffset int64, bufs [][]byte) error {
	return j.dev.WriteVec(devOffset, bufs)
}

// ReadAt implements io.ReaderAt over the journal region.
func (j *Journal) ReadAt(p []byte, off int64) (int, error) {
	return j.dev.ReadAt(p, off)
}

// Truncate advances the journal head to newHead. The space behind the head
// is accounted as freeable and its physical blocks are released.
func (j *Journal) Truncate(newHead int64) error {
	old := j.head.Load()
	if newHead <= old {
		return nil
	}
	if !j.head.CompareAndSwap(old, newHead) {
		return nil // concurrent truncation won; nothing left to do
	}

	freed := uint64(newHead-old) / uint64(j.dev.BlockSize())
	for freed > 0 {
		n := freed
		if n > blkalloc.MaxBlksPerBlkID {
			n = blkalloc.MaxBlksPerBlkID
		}
		j.alloc.Free(blkalloc.BlkId{Count: uint16(n)})
		freed -= n
	}

	if err := j.dev.PunchHole(old, newHead-old); err != nil {
		// Logical truncation already happened; physical reclaim is advisory.
		j.logger.Warn("Journal hole punch failed", "head", newHead, "err", err)
	}
	j.logger.Info("Journal truncated", "old_head", old, "new_head", newHead)
	return nil
}

// Head returns the earliest live journal offset.
func (j *Journal) Head() int64 { return j.head.Load() }

// StartOffset returns the first usable journal offset on a fresh device.
func (j *Journal) StartOffset() int64 { return j.dev.OffsetOf(0) }

func roundUp(v, multiple int64) int64 {
	return (v + multiple - 1) / multiple * multiple
}
