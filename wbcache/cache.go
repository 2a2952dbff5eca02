package wbcache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"brimstone/blkalloc"
)

type cpSlot struct {
	listMu   sync.Mutex
	reqs     []*Request
	dirtyCnt atomic.Int64
	freeList *FreeBlkList
}

// Cache groups dirty nodes per checkpoint, enforces inter-node write
// dependencies with predecessor counters, and fires the completion callback
// once a generation's dirty set is fully durable.
type Cache struct {
	writer   BlockWriter
	evicter  Evicter
	cpCompCb func(*Checkpoint)
	logger   *slog.Logger

	slots [MaxCPCount]*cpSlot

	flushCh []chan *Checkpoint
	rr      atomic.Uint64
	eg      *errgroup.Group

	writesSubmitted atomic.Uint64
	cpCompleted     atomic.Uint64
}

// New builds a cache with the given flusher pool size. cpComp fires exactly
// once per checkpoint, when its dirty count returns to zero.
func New(writer BlockWriter, numFlushers int, cpComp func(*Checkpoint), logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if numFlushers <= 0 {
		numFlushers = 1
	}
	c := &Cache{
		writer:   writer,
		cpCompCb: cpComp,
		logger:   logger,
	}
	for i := range c.slots {
		c.slots[i] = &cpSlot{freeList: &FreeBlkList{}}
	}

	c.eg, _ = errgroup.WithContext(context.Background())
	c.flushCh = make([]chan *Checkpoint, numFlushers)
	for i := 0; i < numFlushers; i++ {
		ch := make(chan *Checkpoint, MaxCPCount)
		c.flushCh[i] = ch
		c.eg.Go(func() error {
			for cp := range ch {
				c.FlushBuffers(cp)
			}
			return nil
		})
	}
	return c
}

// SetEvicter attaches the lookup-cache eviction hook.
func (c *Cache) SetEvicter(e Evicter) { c.evicter = e }

// NewCheckpoint builds a checkpoint for cp id. The free list is attached by
// PrepareCP.
func NewCheckpoint(cpID uint64) *Checkpoint {
	return &Checkpoint{CPID: cpID}
}

// PrepareCP opens the slot for a new generation. The previous generation in
// that slot must have fully completed. The free list is either the slot's
// own rotating list (when a block-allocator checkpoint accompanies this one)
// or the current generation's list, accumulating frees until an allocator
// checkpoint happens.
func (c *Cache) PrepareCP(newCP, curCP *Checkpoint, takeBlkallocCP bool) error {
	if newCP == nil {
		return nil
	}
	s := c.slots[newCP.slot()]
	if s.dirtyCnt.Load() != 0 {
		return fmt.Errorf("%w: dirty count %d in slot %d", ErrSlotBusy, s.dirtyCnt.Load(), newCP.slot())
	}
	s.listMu.Lock()
	pending := len(s.reqs)
	s.listMu.Unlock()
	if pending != 0 {
		return fmt.Errorf("%w: %d requests in slot %d", ErrSlotBusy, pending, newCP.slot())
	}

	if takeBlkallocCP || curCP == nil {
		fl := s.freeList
		if fl.Len() != 0 {
			return fmt.Errorf("%w: free list of slot %d not drained", ErrSlotBusy, newCP.slot())
		}
		newCP.freeList = fl
	} else {
		newCP.freeList = curCP.freeList
	}
	return nil
}

// Write registers node as dirty within cp. A second write of the same node
// in the same checkpoint coalesces into the existing request. When
// dependentNode is given, node's write is held back until the dependent's
// write completes.
func (c *Cache) Write(node, dependentNode *Node, cp *Checkpoint) error {
	slot := cp.slot()
	s := c.slots[slot]

	node.mu.Lock()
	req := node.req[slot]
	if req == nil {
		req = &Request{
			node: node,
			cp:   cp,
			bid:  blkalloc.BlkId{BlkNum: node.id, Count: 1},
			mem:  node.mem,
		}
		req.setState(ReqWaiting)
		req.predecessorCnt.Store(1) // self-reference, dropped by the flush loop
		node.req[slot] = req
		node.cpID = int64(cp.CPID)
		node.mu.Unlock()

		s.listMu.Lock()
		s.reqs = append(s.reqs, req)
		s.listMu.Unlock()
		s.dirtyCnt.Add(1)
	} else {
		mem := node.mem
		node.mu.Unlock()
		req.mu.Lock()
		req.mem = mem
		req.mu.Unlock()
	}

	if dependentNode == nil {
		return nil
	}

	dependentNode.mu.Lock()
	depReq := dependentNode.req[slot]
	dependentNode.mu.Unlock()
	if depReq == nil {
		return fmt.Errorf("%w: node %d in cp %d", ErrNoDependency, dependentNode.id, cp.CPID)
	}

	// The dependent may complete concurrently; its successor list mutex
	// serializes registration against the completion drain.
	depReq.mu.Lock()
	if depReq.State() != ReqCompl {
		depReq.successors = append(depReq.successors, req)
		req.predecessorCnt.Add(1)
	}
	depReq.mu.Unlock()
	return nil
}

// RefreshBuf prepares node for mutation under cp. If the node still has an
// in-flight write from the previous generation, its buffer is deep-copied so
// that write keeps reading the pre-image.
func (c *Cache) RefreshBuf(node *Node, writeable bool, cp *Checkpoint) error {
	if cp == nil {
		return nil
	}
	node.mu.Lock()
	defer node.mu.Unlock()
	if node.cpID < 0 {
		return nil
	}
	if node.cpID > int64(cp.CPID) {
		return ErrCPMismatch
	}
	if !writeable || node.cpID == int64(cp.CPID) {
		return nil
	}

	prevSlot := int((cp.CPID + MaxCPCount - 1) % MaxCPCount)
	req := node.req[prevSlot]
	if req == nil || req.State() == ReqCompl {
		return nil
	}

	fresh := make([]byte, len(node.mem))
	copy(fresh, node.mem)
	node.mem = fresh
	return nil
}

// FreeBlk frees a node's block: immediately from the lookup cache, and —
// when a checkpoint free list is supplied — deferred at the allocator until
// that checkpoint is durable.
func (c *Cache) FreeBlk(bid blkalloc.BlkId, freeList *FreeBlkList) {
	if c.evicter != nil {
		c.evicter.EvictBlock(bid)
	}
	if freeList != nil {
		freeList.Add(bid)
	}
}

// CPStart dispatches the generation's flush onto a round-robin selected
// flusher.
func (c *Cache) CPStart(cp *Checkpoint) {
	n := c.rr.Add(1) - 1
	c.flushCh[n%uint64(len(c.flushCh))] <- cp
}

// FlushBuffers walks the generation's request list, dropping each request's
// self-reference; requests with no outstanding predecessors are submitted.
// A pseudo-request keeps the dirty count from reaching zero mid-walk.
func (c *Cache) FlushBuffers(cp *Checkpoint) {
	s := c.slots[cp.slot()]
	s.dirtyCnt.Add(1)

	s.listMu.Lock()
	reqs := s.reqs
	s.reqs = nil
	s.listMu.Unlock()

	for _, req := range reqs {
		if req.predecessorCnt.Add(-1) == 0 {
			c.submit(req)
		}
	}

	if s.dirtyCnt.Add(-1) == 0 {
		c.cpComplete(cp)
	}
}

func (c *Cache) submit(req *Request) {
	req.setState(ReqSent)
	c.writesSubmitted.Add(1)
	req.mu.Lock()
	mem := req.mem
	req.mu.Unlock()
	c.writer.WriteBlock(req.bid, mem, func(err error) {
		c.writeCompletion(req, err)
	})
}

// writeCompletion runs on the I/O completion path: it releases the request's
// successors, detaches it from its node, and closes the generation when the
// dirty count reaches zero.
func (c *Cache) writeCompletion(req *Request, err error) {
	if err != nil {
		c.logger.Error("Node write-back failed", "blk", req.bid, "cp", req.cp.CPID, "err", err)
	}
	slot := req.cp.slot()

	req.mu.Lock()
	req.setState(ReqCompl)
	succ := req.successors
	req.successors = nil
	req.mu.Unlock()

	for _, dep := range succ {
		if dep.predecessorCnt.Add(-1) == 0 {
			c.submit(dep)
		}
	}

	req.node.mu.Lock()
	req.node.req[slot] = nil
	req.node.mu.Unlock()

	if c.slots[slot].dirtyCnt.Add(-1) == 0 {
		c.cpComplete(req.cp)
	}
}

func (c *Cache) cpComplete(cp *Checkpoint) {
	c.cpCompleted.Add(1)
	c.logger.Debug("Checkpoint write-back complete", "cp", cp.CPID)
	if c.cpCompCb != nil {
		c.cpCompCb(cp)
	}
}

// FlushFreeBlks hands the checkpoint's deferred frees to the allocator
// checkpoint. Call only after the checkpoint is durable.
func (c *Cache) FlushFreeBlks(cp *Checkpoint, baCP BlkAllocCP) {
	if cp.freeList == nil {
		return
	}
	for _, bid := range cp.freeList.drain() {
		baCP.FreeBlk(bid)
	}
}

// Stop drains the flusher pool. Pending CPStart dispatches are processed
// before the flushers exit.
func (c *Cache) Stop() error {
	for _, ch := range c.flushCh {
		close(ch)
	}
	return c.eg.Wait()
}

// Stats snapshots the cache counters.
func (c *Cache) Stats() Stats {
	var dirty int64
	for _, s := range c.slots {
		dirty += s.dirtyCnt.Load()
	}
	return Stats{
		DirtyBuffers:         dirty,
		WritesSubmitted:      c.writesSubmitted.Load(),
		CheckpointsCompleted: c.cpCompleted.Load(),
	}
}
