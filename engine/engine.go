// Package engine wires the persistence core together: the metablk store,
// the journal and node devices with their append allocators, the logdev,
// and the write-back cache with its checkpoint driver.
package engine

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"brimstone/blkalloc"
	"brimstone/config"
	"brimstone/device"
	"brimstone/logdev"
	"brimstone/metablk"
	"brimstone/metrics"
	"brimstone/wbcache"
)

// Options sizes the on-disk layout.
type Options struct {
	JournalBlks uint64
	NodeBlks    uint64
	BlockSize   uint32
	MetricsAddr string
}

// DefaultOptions is a small development geometry.
func DefaultOptions() Options {
	return Options{
		JournalBlks: 16 * 1024, // 8 MiB at 512-byte blocks
		NodeBlks:    16 * 1024,
		BlockSize:   512,
	}
}

// Engine owns the persistence core of one storage node.
type Engine struct {
	dir    string
	cfg    config.Config
	opts   Options
	logger *slog.Logger

	sb        *metablk.Store
	jdev      *device.Device
	ndev      *device.Device
	jalloc    *blkalloc.AppendAllocator
	nalloc    *blkalloc.AppendAllocator
	journal   *device.Journal
	ld        *logdev.LogDev
	cache     *wbcache.Cache
	formatted bool

	cpMu      sync.Mutex
	curCP     *wbcache.Checkpoint
	waiterMu  sync.Mutex
	cpWaiters map[uint64]chan struct{}

	started bool
}

// Open builds the engine. Log stores must be opened (OpenLogStore) before
// Start when recovering.
func Open(dir string, cfg config.Config, opts Options, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	e := &Engine{
		dir:       dir,
		cfg:       cfg,
		opts:      opts,
		logger:    logger,
		cpWaiters: make(map[uint64]chan struct{}),
	}

	var err error
	if e.sb, err = metablk.Open(filepath.Join(dir, "meta"), logger); err != nil {
		return nil, err
	}

	journalPath := filepath.Join(dir, "journal.chunk")
	nodePath := filepath.Join(dir, "nodes.chunk")
	if _, serr := os.Stat(journalPath); os.IsNotExist(serr) {
		e.formatted = true
	}

	if e.formatted {
		if e.jdev, err = device.Format(journalPath, opts.JournalBlks, opts.BlockSize, logger); err != nil {
			return nil, e.closeOnError(err)
		}
		if e.ndev, err = device.Format(nodePath, opts.NodeBlks, opts.BlockSize, logger); err != nil {
			return nil, e.closeOnError(err)
		}
	} else {
		if e.jdev, err = device.Open(journalPath, logger); err != nil {
			return nil, e.closeOnError(err)
		}
		if e.ndev, err = device.Open(nodePath, logger); err != nil {
			return nil, e.closeOnError(err)
		}
	}

	if e.jalloc, err = blkalloc.New(blkalloc.Config{AllocatorID: 0, ChunkID: 0, TotalBlks: opts.JournalBlks}, e.sb, e.formatted, logger); err != nil {
		return nil, e.closeOnError(err)
	}
	if e.nalloc, err = blkalloc.New(blkalloc.Config{AllocatorID: 1, ChunkID: 1, TotalBlks: opts.NodeBlks}, e.sb, e.formatted, logger); err != nil {
		return nil, e.closeOnError(err)
	}

	e.journal = device.NewJournal(e.jdev, e.jalloc, logger)
	e.ld = logdev.New(0, logdev.Config{
		FlushThresholdSize:    cfg.Logstore.FlushThresholdSize,
		OptimalInlineDataSize: cfg.Logstore.OptimalInlineDataSize,
		FlushMode:             cfg.Logstore.FlushMode,
		MaxTimeBetweenFlush:   microsDuration(cfg.Logstore.MaxTimeBetweenFlushUs),
	}, e.sb, logger)

	e.cache = wbcache.New(&nodeWriter{dev: e.ndev, alloc: e.nalloc}, cfg.Generic.CacheFlushThreads, e.onCPComplete, logger)
	return e, nil
}

func (e *Engine) closeOnError(err error) error {
	if e.jdev != nil {
		e.jdev.Close()
	}
	if e.ndev != nil {
		e.ndev.Close()
	}
	if e.sb != nil {
		e.sb.Close()
	}
	return err
}

// OpenLogStore registers a store open before Start.
func (e *Engine) OpenLogStore(id uint32, appendMode bool, onFound logdev.LogFoundFn, onReplayDone logdev.ReplayDoneFn) <-chan logdev.OpenResult {
	return e.ld.OpenLogStore(id, appendMode, onFound, onReplayDone)
}

// Start recovers (or formats) the logdev and opens the first checkpoint.
func (e *Engine) Start() error {
	if err := e.ld.Start(e.formatted, e.journal); err != nil {
		return err
	}
	e.curCP = wbcache.NewCheckpoint(0)
	if err := e.cache.PrepareCP(e.curCP, nil, true); err != nil {
		return err
	}
	if e.opts.MetricsAddr != "" {
		metrics.StartMetricsServer(e.opts.MetricsAddr,
			metrics.NewCollector(e.ld, e.cache, e.nalloc), e.logger)
	}
	e.started = true
	return nil
}

// LogDev exposes the journal.
func (e *Engine) LogDev() *logdev.LogDev { return e.ld }

// Cache exposes the write-back cache.
func (e *Engine) Cache() *wbcache.Cache { return e.cache }

// CurrentCheckpoint returns the accumulating checkpoint generation.
func (e *Engine) CurrentCheckpoint() *wbcache.Checkpoint {
	e.cpMu.Lock()
	defer e.cpMu.Unlock()
	return e.curCP
}

// NodeAllocator exposes the node-region append allocator.
func (e *Engine) NodeAllocator() *blkalloc.AppendAllocator { return e.nalloc }

func (e *Engine) onCPComplete(cp *wbcache.Checkpoint) {
	e.waiterMu.Lock()
	ch, ok := e.cpWaiters[cp.CPID]
	if ok {
		delete(e.cpWaiters, cp.CPID)
	}
	e.waiterMu.Unlock()
	if ok {
		close(ch)
	}
}

// TakeCheckpoint promotes the current generation to durability: its dirty
// nodes are flushed, its deferred frees reach the allocator, allocator
// superblocks are checkpointed, and the journal is truncated to the stores'
// safe points.
func (e *Engine) TakeCheckpoint() error {
	e.cpMu.Lock()
	defer e.cpMu.Unlock()

	cur := e.curCP
	next := wbcache.NewCheckpoint(cur.CPID + 1)
	if err := e.cache.PrepareCP(next, cur, true); err != nil {
		return fmt.Errorf("prepare cp %d: %w", next.CPID, err)
	}

	done := make(chan struct{})
	e.waiterMu.Lock()
	e.cpWaiters[cur.CPID] = done
	e.waiterMu.Unlock()

	e.curCP = next
	e.cache.CPStart(cur)
	<-done

	e.cache.FlushFreeBlks(cur, allocatorCP{e.nalloc})
	if err := e.nalloc.CPFlush(); err != nil {
		return err
	}
	if err := e.jalloc.CPFlush(); err != nil {
		return err
	}
	e.ld.Truncate()
	e.logger.Info("Checkpoint taken", "cp", cur.CPID)
	return nil
}

// Close stops the logdev and the cache and flushes allocator state.
func (e *Engine) Close() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if e.ld != nil {
		keep(e.ld.Stop())
	}
	if e.cache != nil {
		keep(e.cache.Stop())
	}
	if e.nalloc != nil {
		keep(e.nalloc.CPFlush())
	}
	if e.jalloc != nil {
		keep(e.jalloc.CPFlush())
	}
	if e.jdev != nil {
		keep(e.jdev.Close())
	}
	if e.ndev != nil {
		keep(e.ndev.Close())
	}
	if e.sb != nil {
		keep(e.sb.Close())
	}
	return firstErr
}

// nodeWriter lands node buffers on the node device. Completions run on
// their own goroutine, mirroring an I/O completion thread.
type nodeWriter struct {
	dev   *device.Device
	alloc *blkalloc.AppendAllocator
}

func (w *nodeWriter) WriteBlock(bid blkalloc.BlkId, buf []byte, done func(error)) {
	go func() {
		padded := buf
		bs := int(w.dev.BlockSize())
		if rem := len(buf) % bs; rem != 0 {
			padded = make([]byte, len(buf)+bs-rem)
			copy(padded, buf)
		}
		err := w.dev.WriteAt(w.dev.OffsetOf(bid.BlkNum), padded)
		if err == nil {
			w.alloc.ReserveOnDisk(bid)
		}
		done(err)
	}()
}

// allocatorCP adapts the append allocator to the cache's deferred-free hook.
type allocatorCP struct {
	alloc *blkalloc.AppendAllocator
}

func (a allocatorCP) FreeBlk(bid blkalloc.BlkId) { a.alloc.Free(bid) }

func microsDuration(us int64) time.Duration {
	return time.Duration(us) * time.Microsecond
}
