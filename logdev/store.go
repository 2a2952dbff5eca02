package logdev

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pierrec/lz4/v4"
)

// LogStore is one logical append-only stream multiplexed onto the logdev.
type LogStore struct {
	id         uint32
	ld         *LogDev
	appendMode bool
	compress   atomic.Bool

	nextSeq atomic.Int64

	mu        sync.Mutex
	keys      map[int64]Key // seq -> record key, filled by completion/replay
	flushKeys map[int64]Key // seq -> group key of its flush
	truncKey  Key
	haveTrunc bool

	onAppendCb atomic.Pointer[func(AppendResult)]
}

func newLogStore(ld *LogDev, id uint32, appendMode bool, firstSeq int64) *LogStore {
	ls := &LogStore{
		id:         id,
		ld:         ld,
		appendMode: appendMode,
		keys:       make(map[int64]Key),
		flushKeys:  make(map[int64]Key),
	}
	ls.nextSeq.Store(firstSeq)
	return ls
}

// ID returns the stream id.
func (ls *LogStore) ID() uint32 { return ls.id }

// SetCompression toggles transparent lz4 payload compression. Must not be
// changed while records written with the other setting are still live.
func (ls *LogStore) SetCompression(on bool) { ls.compress.Store(on) }

// OnAppendCompletion registers the per-record durability callback. The
// callback runs on the flushing goroutine and must not block.
func (ls *LogStore) OnAppendCompletion(cb func(AppendResult)) {
	ls.onAppendCb.Store(&cb)
}

// AppendAsync appends with the next sequence number (append-mode stores).
func (ls *LogStore) AppendAsync(data []byte, ctx any) (int64, error) {
	if !ls.appendMode {
		return -1, ErrNotAppendMode
	}
	seq := ls.nextSeq.Add(1) - 1
	if err := ls.writeInternal(seq, data, ctx); err != nil {
		return -1, err
	}
	return seq, nil
}

// WriteAsync appends with a caller-chosen sequence number (non-append-mode).
func (ls *LogStore) WriteAsync(seq int64, data []byte, ctx any) error {
	if ls.appendMode {
		return ErrAppendMode
	}
	for {
		cur := ls.nextSeq.Load()
		if seq+1 <= cur || ls.nextSeq.CompareAndSwap(cur, seq+1) {
			break
		}
	}
	return ls.writeInternal(seq, data, ctx)
}

func (ls *LogStore) writeInternal(seq int64, data []byte, ctx any) error {
	payload := data
	if ls.compress.Load() {
		var err error
		payload, err = compressPayload(data)
		if err != nil {
			return err
		}
	}
	_, err := ls.ld.AppendAsync(ls.id, seq, payload, ctx)
	return err
}

// Read returns the payload of a flushed sequence number.
func (ls *LogStore) Read(seq int64) ([]byte, error) {
	ls.mu.Lock()
	key, ok := ls.keys[seq]
	ls.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: seq %d not flushed on stream %d", ErrOutOfRange, seq, ls.id)
	}
	payload, err := ls.ld.Read(key)
	if err != nil {
		return nil, err
	}
	if ls.compress.Load() {
		return decompressPayload(payload)
	}
	return payload, nil
}

// Truncate declares everything up to and including seq disposable. The
// journal space is reclaimed on the next LogDev.Truncate, bounded by the
// other streams' safe points.
func (ls *LogStore) Truncate(seq int64) error {
	ls.mu.Lock()
	key, ok := ls.flushKeys[seq]
	if !ok {
		ls.mu.Unlock()
		return fmt.Errorf("%w: seq %d not flushed on stream %d", ErrOutOfRange, seq, ls.id)
	}
	// Only the record's own idx is safe: later records in the same group
	// may belong to live sequences.
	recKey := ls.keys[seq]
	key = Key{Idx: recKey.Idx, DevOffset: key.DevOffset}
	ls.truncKey = key
	ls.haveTrunc = true
	for s := range ls.keys {
		if s <= seq {
			delete(ls.keys, s)
			delete(ls.flushKeys, s)
		}
	}
	ls.mu.Unlock()

	return ls.ld.meta.updateStoreSuperblk(ls.id, StoreSuperblk{StreamID: ls.id, FirstSeq: seq + 1}, false)
}

func (ls *LogStore) truncationPoint() (Key, bool) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.truncKey, ls.haveTrunc
}

func (ls *LogStore) handleCompletion(res AppendResult) {
	if res.Err == nil {
		ls.mu.Lock()
		ls.keys[res.Seq] = res.Key
		ls.flushKeys[res.Seq] = res.FlushKey
		ls.mu.Unlock()
	}
	if cb := ls.onAppendCb.Load(); cb != nil {
		(*cb)(res)
	}
}

func (ls *LogStore) handleLogFound(seq int64, key Key, flushKey Key, payload []byte, remaining uint32, onFound LogFoundFn) {
	ssb, ok := ls.ld.meta.storeSuperblk(ls.id)
	if ok && seq < ssb.FirstSeq {
		return // truncated before the crash
	}

	ls.mu.Lock()
	ls.keys[seq] = key
	ls.flushKeys[seq] = flushKey
	ls.mu.Unlock()

	for {
		cur := ls.nextSeq.Load()
		if seq+1 <= cur || ls.nextSeq.CompareAndSwap(cur, seq+1) {
			break
		}
	}

	if onFound != nil {
		data := payload
		if ls.compress.Load() {
			var err error
			data, err = decompressPayload(payload)
			if err != nil {
				ls.ld.logger.Error("Corrupt compressed payload during replay",
					"stream", ls.id, "seq", seq, "err", err)
				return
			}
		}
		onFound(ls.id, seq, key, flushKey, data, remaining)
	}
}

// compressPayload frames data as [origLen u32][lz4 block]. Incompressible
// payloads are stored raw with origLen's high bit set.
func compressPayload(data []byte) ([]byte, error) {
	out := make([]byte, 4+lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, out[4:], nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 || n >= len(data) {
		raw := make([]byte, 4+len(data))
		binary.LittleEndian.PutUint32(raw[0:], uint32(len(data))|1<<31)
		copy(raw[4:], data)
		return raw, nil
	}
	binary.LittleEndian.PutUint32(out[0:], uint32(len(data)))
	return out[:4+n], nil
}

func decompressPayload(payload []byte) ([]byte, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("%w: compressed payload too short", ErrCorruptData)
	}
	header := binary.LittleEndian.Uint32(payload[0:])
	if header&(1<<31) != 0 {
		origLen := header &^ (1 << 31)
		if int(origLen) != len(payload)-4 {
			return nil, fmt.Errorf("%w: raw payload length mismatch", ErrCorruptData)
		}
		return payload[4:], nil
	}
	out := make([]byte, header)
	n, err := lz4.UncompressBlock(payload[4:], out)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	return out[:n], nil
}

/////////////////////// Logstore management on LogDev ///////////////////////

// CreateNewLogStore reserves a fresh stream id and returns its store.
func (ld *LogDev) CreateNewLogStore(appendMode bool) (*LogStore, error) {
	if ld.stopping.Load() {
		return nil, ErrStopping
	}
	id, err := ld.meta.reserveStore(true)
	if err != nil {
		return nil, err
	}
	store := newLogStore(ld, id, appendMode, 0)
	ld.storeMu.Lock()
	ld.stores[id] = &storeInfo{store: store, appendMode: appendMode}
	ld.storeMu.Unlock()
	ld.logger.Info("Log store created", "stream", id, "append_mode", appendMode)
	return store, nil
}

// OpenLogStore registers intent to open an existing store. Must be called
// before Start; the result resolves once replay for the store is done.
func (ld *LogDev) OpenLogStore(id uint32, appendMode bool, onFound LogFoundFn, onReplayDone ReplayDoneFn) <-chan OpenResult {
	result := make(chan OpenResult, 1)
	if ld.started {
		result <- OpenResult{Err: fmt.Errorf("open log store %d: logdev already started", id)}
		return result
	}
	ld.pendingOpens[id] = &pendingOpen{
		appendMode:   appendMode,
		onFound:      onFound,
		onReplayDone: onReplayDone,
		result:       result,
	}
	return result
}

// RemoveLogStore detaches a store. Its id moves to the garbage list and is
// unreserved once truncation passes the current log idx.
func (ld *LogDev) RemoveLogStore(id uint32) bool {
	ld.storeMu.Lock()
	defer ld.storeMu.Unlock()
	if _, ok := ld.stores[id]; !ok {
		return false
	}
	delete(ld.stores, id)
	ld.garbageStores[id] = ld.logIdx.Load()
	_ = ld.meta.removeAllRollbackRecords(id, true)
	ld.logger.Info("Log store removed", "stream", id)
	return true
}

// GetRegisteredStoreIDs returns the ids currently registered and the ids
// waiting to be garbage collected.
func (ld *LogDev) GetRegisteredStoreIDs() (registered []uint32, garbage []uint32) {
	ld.storeMu.RLock()
	defer ld.storeMu.RUnlock()
	for id := range ld.stores {
		registered = append(registered, id)
	}
	for id := range ld.garbageStores {
		garbage = append(garbage, id)
	}
	return registered, garbage
}
