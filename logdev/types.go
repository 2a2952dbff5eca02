// Package logdev implements the write-ahead journal: variable-size records
// grouped into checksum-sealed log groups, flushed as one vectored write,
// multiplexing many logical streams onto a single device region.
package logdev

import (
	"errors"
	"hash/crc32"
	"io"
	"time"
)

const (
	// LogGroupHdrMagic seals every group header on disk.
	LogGroupHdrMagic uint32 = 0x00F00D1E
	// LogGroupFooterMagic seals the group footer (24-bit field).
	LogGroupFooterMagic uint32 = 0x00B00D1E

	logGroupHdrVersion    uint32 = 0
	logGroupFooterVersion uint8  = 0

	logGroupHdrSize      = 48
	logGroupFooterSize   = 24
	serializedRecordSize = 20

	// dmaBoundary is the minimum alignment for device reads and writes.
	dmaBoundary = 512

	// initialReadSize is the first aligned read used to locate a record or
	// the next group during a scan.
	initialReadSize = 4096

	// maxLogGroup bounds concurrent group buffers: one flushing, one filling.
	maxLogGroup = 2

	// maxPagesProbedAfterEOS is how many page boundaries past an apparent
	// end-of-stream are probed to distinguish a clean tail from corruption.
	maxPagesProbedAfterEOS = 4

	initCRC32 uint32 = 0x12345678
)

var crcTable = crc32.MakeTable(crc32.IEEE)

func crcBytes(seed uint32, b []byte) uint32 {
	return crc32.Update(seed, crcTable, b)
}

var (
	ErrChecksum      = errors.New("log group checksum mismatch")
	ErrCorruptData   = errors.New("journal corruption detected")
	ErrStopping      = errors.New("logdev is stopping")
	ErrOutOfRange    = errors.New("log index outside group range")
	ErrStoreNotFound = errors.New("log store not registered")
	ErrNotAppendMode = errors.New("log store is not in append mode")
	ErrAppendMode    = errors.New("log store is in append mode")
)

// Flush mode bits; any combination is valid.
const (
	FlushModeInline   uint32 = 1 << 0
	FlushModeTimer    uint32 = 1 << 1
	FlushModeExplicit uint32 = 1 << 2
)

// Key addresses a single record: its global log index and the device offset
// of the group that carries it.
type Key struct {
	Idx       int64
	DevOffset int64
}

// Config holds the logdev tunables (see the config package for file keys).
type Config struct {
	FlushThresholdSize    int64
	OptimalInlineDataSize uint32
	FlushMode             uint32
	MaxTimeBetweenFlush   time.Duration
}

// Vdev is the journal device surface the logdev writes through.
// device.Journal is the production implementation.
type Vdev interface {
	io.ReaderAt
	WriteVec(devOffset int64, bufs [][]byte) error
	AllocGroup(size uint32) (int64, error)
	CommitGroup(devOffset int64, size uint32)
	ReserveUpto(endOffset int64)
	Truncate(newHead int64) error
	FlushSizeMultiple() uint64
	StartOffset() int64
}

// AppendResult is delivered once per record when its group becomes durable
// (or fails). Callbacks run on the flushing goroutine and must not block.
type AppendResult struct {
	StreamID          uint32
	Seq               int64
	Key               Key
	FlushKey          Key
	NRemainingInBatch uint32
	Ctx               any
	Err               error
}

// LogFoundFn is invoked for every surviving record during recovery.
type LogFoundFn func(streamID uint32, seq int64, key Key, flushKey Key, payload []byte, nRemainingInBatch uint32)

// ReplayDoneFn is invoked once a store's recovery dispatch is complete.
type ReplayDoneFn func(store *LogStore, err error)

// Stats is a point-in-time snapshot for observability.
type Stats struct {
	LogIdx            int64
	LastFlushIdx      int64
	PendingFlushBytes int64
	AppendsTotal      uint64
	FlushesTotal      uint64
	FlushBytesTotal   uint64
	GroupsRecovered   uint64
	RegisteredStores  int
}

func roundUp32(v, multiple uint32) uint32 {
	return (v + multiple - 1) / multiple * multiple
}

func roundDown32(v, multiple uint32) uint32 {
	return v / multiple * multiple
}
