package logdev

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"brimstone/metablk"
)

const (
	logdevSBMagic   uint32 = 0xDABAF00D
	logdevSBVersion uint32 = 1

	rollbackSBMagic   uint32 = 0xDABAF00D
	rollbackSBVersion uint32 = 1

	logdevSBHdrSize   = 36
	rollbackSBHdrSize = 16
	storeSuperblkSize = 12
	rollbackRecSize   = 20

	// rollback record slots grow in increments of this many records.
	numRecordIncrement = 8

	initialStoreCapacity = 128
)

// StoreSuperblk is the per-stream cursor metadata carried inside the logdev
// superblock. FirstSeq is the first sequence number a replay must deliver;
// anything below it was truncated away.
type StoreSuperblk struct {
	StreamID uint32
	FirstSeq int64
}

type logidRange struct {
	lo, hi int64
}

// LogDevMetadata owns the logdev superblock (stream registry, scan start
// offset) and the rollback superblock (invalidated idx ranges per stream).
type LogDevMetadata struct {
	mu     sync.Mutex
	sb     *metablk.Store
	logger *slog.Logger

	logdevID       uint32
	flushMode      uint32
	startDevOffset int64
	keyIdx         int64

	storeInfo map[uint32]StoreSuperblk
	reserver  *idReserver

	rollback      map[uint32][]logidRange
	rollbackDirty bool
}

func newLogDevMetadata(logdevID uint32, sb *metablk.Store, logger *slog.Logger) *LogDevMetadata {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &LogDevMetadata{
		sb:        sb,
		logger:    logger,
		logdevID:  logdevID,
		storeInfo: make(map[uint32]StoreSuperblk),
		reserver:  newIDReserver(initialStoreCapacity),
		rollback:  make(map[uint32][]logidRange),
	}
}

func (m *LogDevMetadata) sbName() string {
	return fmt.Sprintf("logdev_sb_%d", m.logdevID)
}

func (m *LogDevMetadata) rollbackSBName() string {
	return fmt.Sprintf("logdev_rollback_sb_%d", m.logdevID)
}

// create formats fresh metadata and persists both superblocks.
func (m *LogDevMetadata) create(flushMode uint32, startDevOffset int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushMode = flushMode
	m.startDevOffset = startDevOffset
	m.keyIdx = 0
	m.storeInfo = make(map[uint32]StoreSuperblk)
	m.reserver = newIDReserver(initialStoreCapacity)
	m.rollback = make(map[uint32][]logidRange)
	if err := m.persistLocked(); err != nil {
		return err
	}
	return m.persistRollbackLocked()
}

// load reads both superblocks and returns the registered stores.
// metablk.ErrNotFound is returned untouched when the logdev was never
// formatted.
func (m *LogDevMetadata) load() (map[uint32]StoreSuperblk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	payload, err := m.sb.Get(m.sbName())
	if err != nil {
		return nil, err
	}
	if err := m.decodeLogdevSB(payload); err != nil {
		return nil, err
	}

	rb, err := m.sb.Get(m.rollbackSBName())
	if err != nil && !errors.Is(err, metablk.ErrNotFound) {
		return nil, err
	}
	if rb != nil {
		if err := m.decodeRollbackSB(rb); err != nil {
			return nil, err
		}
	}

	out := make(map[uint32]StoreSuperblk, len(m.storeInfo))
	for id, ssb := range m.storeInfo {
		out[id] = ssb
	}
	return out, nil
}

func (m *LogDevMetadata) decodeLogdevSB(payload []byte) error {
	if len(payload) < logdevSBHdrSize {
		return fmt.Errorf("%w: logdev superblock truncated", ErrCorruptData)
	}
	if magic := binary.LittleEndian.Uint32(payload[0:]); magic != logdevSBMagic {
		return fmt.Errorf("%w: logdev superblock magic %#x", ErrCorruptData, magic)
	}
	if v := binary.LittleEndian.Uint32(payload[4:]); v != logdevSBVersion {
		return fmt.Errorf("%w: logdev superblock version %d", ErrCorruptData, v)
	}
	if id := binary.LittleEndian.Uint32(payload[8:]); id != m.logdevID {
		return fmt.Errorf("%w: superblock belongs to logdev %d", ErrCorruptData, id)
	}

	numStores := binary.LittleEndian.Uint32(payload[12:])
	m.startDevOffset = int64(binary.LittleEndian.Uint64(payload[16:]))
	m.keyIdx = int64(binary.LittleEndian.Uint64(payload[24:]))
	m.flushMode = binary.LittleEndian.Uint32(payload[32:])

	off := uint32(logdevSBHdrSize)
	if uint32(len(payload)) < off+numStores*storeSuperblkSize+4 {
		return fmt.Errorf("%w: logdev superblock store registry truncated", ErrCorruptData)
	}
	m.storeInfo = make(map[uint32]StoreSuperblk, numStores)
	for i := uint32(0); i < numStores; i++ {
		ssb := StoreSuperblk{
			StreamID: binary.LittleEndian.Uint32(payload[off:]),
			FirstSeq: int64(binary.LittleEndian.Uint64(payload[off+4:])),
		}
		m.storeInfo[ssb.StreamID] = ssb
		off += storeSuperblkSize
	}

	bitmapLen := binary.LittleEndian.Uint32(payload[off:])
	off += 4
	if uint32(len(payload)) < off+bitmapLen {
		return fmt.Errorf("%w: logdev superblock bitmap truncated", ErrCorruptData)
	}
	m.reserver = newIDReserverFrom(payload[off : off+bitmapLen])
	return nil
}

func (m *LogDevMetadata) decodeRollbackSB(payload []byte) error {
	if len(payload) < rollbackSBHdrSize {
		return fmt.Errorf("%w: rollback superblock truncated", ErrCorruptData)
	}
	if magic := binary.LittleEndian.Uint32(payload[0:]); magic != rollbackSBMagic {
		return fmt.Errorf("%w: rollback superblock magic %#x", ErrCorruptData, magic)
	}
	num := binary.LittleEndian.Uint32(payload[12:])
	if uint32(len(payload)) < rollbackSBHdrSize+num*rollbackRecSize {
		return fmt.Errorf("%w: rollback records truncated", ErrCorruptData)
	}
	m.rollback = make(map[uint32][]logidRange)
	off := uint32(rollbackSBHdrSize)
	for i := uint32(0); i < num; i++ {
		sid := binary.LittleEndian.Uint32(payload[off:])
		lo := int64(binary.LittleEndian.Uint64(payload[off+4:]))
		hi := int64(binary.LittleEndian.Uint64(payload[off+12:]))
		m.rollback[sid] = append(m.rollback[sid], logidRange{lo, hi})
		off += rollbackRecSize
	}
	return nil
}

func (m *LogDevMetadata) persistLocked() error {
	ids := make([]uint32, 0, len(m.storeInfo))
	for id := range m.storeInfo {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	bitmap := m.reserver.serialize()
	buf := make([]byte, logdevSBHdrSize+len(ids)*storeSuperblkSize+4+len(bitmap))
	binary.LittleEndian.PutUint32(buf[0:], logdevSBMagic)
	binary.LittleEndian.PutUint32(buf[4:], logdevSBVersion)
	binary.LittleEndian.PutUint32(buf[8:], m.logdevID)
	binary.LittleEndian.PutUint32(buf[12:], uint32(len(ids)))
	binary.LittleEndian.PutUint64(buf[16:], uint64(m.startDevOffset))
	binary.LittleEndian.PutUint64(buf[24:], uint64(m.keyIdx))
	binary.LittleEndian.PutUint32(buf[32:], m.flushMode)

	off := logdevSBHdrSize
	for _, id := range ids {
		ssb := m.storeInfo[id]
		binary.LittleEndian.PutUint32(buf[off:], ssb.StreamID)
		binary.LittleEndian.PutUint64(buf[off+4:], uint64(ssb.FirstSeq))
		off += storeSuperblkSize
	}
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(bitmap)))
	copy(buf[off+4:], bitmap)

	return m.sb.Put(m.sbName(), buf)
}

func (m *LogDevMetadata) persistRollbackLocked() error {
	var total int
	for _, ranges := range m.rollback {
		total += len(ranges)
	}
	capRecords := (total + numRecordIncrement - 1) / numRecordIncrement * numRecordIncrement

	buf := make([]byte, rollbackSBHdrSize+capRecords*rollbackRecSize)
	binary.LittleEndian.PutUint32(buf[0:], rollbackSBMagic)
	binary.LittleEndian.PutUint32(buf[4:], rollbackSBVersion)
	binary.LittleEndian.PutUint32(buf[8:], m.logdevID)
	binary.LittleEndian.PutUint32(buf[12:], uint32(total))

	sids := make([]uint32, 0, len(m.rollback))
	for sid := range m.rollback {
		sids = append(sids, sid)
	}
	sort.Slice(sids, func(i, j int) bool { return sids[i] < sids[j] })

	off := rollbackSBHdrSize
	for _, sid := range sids {
		for _, r := range m.rollback[sid] {
			binary.LittleEndian.PutUint32(buf[off:], sid)
			binary.LittleEndian.PutUint64(buf[off+4:], uint64(r.lo))
			binary.LittleEndian.PutUint64(buf[off+12:], uint64(r.hi))
			off += rollbackRecSize
		}
	}

	if err := m.sb.Put(m.rollbackSBName(), buf); err != nil {
		return err
	}
	m.rollbackDirty = false
	return nil
}

// persist writes the logdev superblock now.
func (m *LogDevMetadata) persist() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.persistLocked()
}

// reserveStore allocates a fresh stream id.
func (m *LogDevMetadata) reserveStore(persistNow bool) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.reserver.reserve()
	m.storeInfo[id] = StoreSuperblk{StreamID: id, FirstSeq: 0}
	if persistNow {
		if err := m.persistLocked(); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// unreserveStore releases a stream id and forgets its cursor metadata.
func (m *LogDevMetadata) unreserveStore(id uint32, persistNow bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reserver.unreserve(id)
	delete(m.storeInfo, id)
	delete(m.rollback, id)
	if persistNow {
		return m.persistLocked()
	}
	return nil
}

func (m *LogDevMetadata) updateStoreSuperblk(id uint32, ssb StoreSuperblk, persistNow bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storeInfo[id] = ssb
	if persistNow {
		return m.persistLocked()
	}
	return nil
}

func (m *LogDevMetadata) storeSuperblk(id uint32) (StoreSuperblk, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ssb, ok := m.storeInfo[id]
	return ssb, ok
}

// setStartDevOffset records where the next boot's scan begins and the first
// log idx that scan is allowed to deliver.
func (m *LogDevMetadata) setStartDevOffset(offset int64, keyIdx int64, persistNow bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startDevOffset = offset
	m.keyIdx = keyIdx
	if persistNow {
		return m.persistLocked()
	}
	return nil
}

func (m *LogDevMetadata) getStartDevOffset() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startDevOffset
}

func (m *LogDevMetadata) getKeyIdx() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keyIdx
}

// addRollbackRecord invalidates [lo, hi] for the stream.
func (m *LogDevMetadata) addRollbackRecord(streamID uint32, lo, hi int64, persistNow bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rollback[streamID] {
		if r.lo == lo && r.hi == hi {
			// Idempotent: re-persisting an identical range is a no-op.
			return nil
		}
	}
	m.rollback[streamID] = append(m.rollback[streamID], logidRange{lo, hi})
	m.rollbackDirty = true
	if persistNow {
		return m.persistRollbackLocked()
	}
	return nil
}

// removeRollbackRecordsUpto drops ranges ending at or below uptoIdx;
// truncation has made them unreachable.
func (m *LogDevMetadata) removeRollbackRecordsUpto(uptoIdx int64, persistNow bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := false
	for sid, ranges := range m.rollback {
		kept := ranges[:0]
		for _, r := range ranges {
			if r.hi > uptoIdx {
				kept = append(kept, r)
			} else {
				changed = true
			}
		}
		if len(kept) == 0 {
			delete(m.rollback, sid)
		} else {
			m.rollback[sid] = kept
		}
	}
	if changed {
		m.rollbackDirty = true
		if persistNow {
			return m.persistRollbackLocked()
		}
	}
	return nil
}

func (m *LogDevMetadata) removeAllRollbackRecords(streamID uint32, persistNow bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rollback[streamID]; !ok {
		return nil
	}
	delete(m.rollback, streamID)
	m.rollbackDirty = true
	if persistNow {
		return m.persistRollbackLocked()
	}
	return nil
}

func (m *LogDevMetadata) numRollbackRecords(streamID uint32) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rollback[streamID])
}

// isRolledBack reports whether any rollback range for the stream covers idx.
func (m *LogDevMetadata) isRolledBack(streamID uint32, idx int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rollback[streamID] {
		if r.lo <= idx && idx <= r.hi {
			return true
		}
	}
	return false
}

// destroy removes both superblocks from the metablk store.
func (m *LogDevMetadata) destroy() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.sb.Delete(m.sbName()); err != nil {
		return err
	}
	return m.sb.Delete(m.rollbackSBName())
}
