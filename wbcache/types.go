// Package wbcache batches dirty tree nodes into checkpoint generations and
// writes them back with per-node ordering dependencies. At most two
// generations exist at once: one flushing, one accumulating.
package wbcache

import (
	"errors"
	"sync"
	"sync/atomic"

	"brimstone/blkalloc"
)

// MaxCPCount is the number of concurrently live checkpoint generations.
const MaxCPCount = 2

var (
	ErrCPMismatch   = errors.New("node was written by a newer checkpoint")
	ErrSlotBusy     = errors.New("checkpoint slot still has pending requests")
	ErrNoDependency = errors.New("dependent node has no request in this checkpoint")
)

// ReqState is the lifecycle of a write-back request. Transitions are
// monotonic: Init -> Waiting -> Sent -> Compl.
type ReqState int32

const (
	ReqInit ReqState = iota
	ReqWaiting
	ReqSent
	ReqCompl
)

// BlockWriter submits node images to the block store. done must be invoked
// exactly once from the I/O completion path.
type BlockWriter interface {
	WriteBlock(bid blkalloc.BlkId, buf []byte, done func(error))
}

// Evicter drops a block from the lookup cache so freed blocks are never
// re-read.
type Evicter interface {
	EvictBlock(bid blkalloc.BlkId)
}

// BlkAllocCP receives deferred frees once their checkpoint is durable.
type BlkAllocCP interface {
	FreeBlk(bid blkalloc.BlkId)
}

// FreeBlkList accumulates blocks freed under one checkpoint generation.
type FreeBlkList struct {
	mu   sync.Mutex
	blks []blkalloc.BlkId
}

func (l *FreeBlkList) Add(bid blkalloc.BlkId) {
	l.mu.Lock()
	l.blks = append(l.blks, bid)
	l.mu.Unlock()
}

func (l *FreeBlkList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.blks)
}

func (l *FreeBlkList) drain() []blkalloc.BlkId {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.blks
	l.blks = nil
	return out
}

// Checkpoint is one generation of dirty nodes promoted to durability
// together.
type Checkpoint struct {
	CPID     uint64
	freeList *FreeBlkList
}

func (cp *Checkpoint) slot() int { return int(cp.CPID % MaxCPCount) }

// FreeList exposes the checkpoint's deferred-free list.
func (cp *Checkpoint) FreeList() *FreeBlkList { return cp.freeList }

// Request tracks one node write within a checkpoint. predecessorCnt starts
// at 1 (a self-reference dropped when the flush loop visits the request);
// each declared dependency adds one more.
type Request struct {
	mu         sync.Mutex
	state      atomic.Int32
	successors []*Request

	node           *Node
	cp             *Checkpoint
	bid            blkalloc.BlkId
	mem            []byte
	predecessorCnt atomic.Int32
}

func (r *Request) State() ReqState { return ReqState(r.state.Load()) }

func (r *Request) setState(s ReqState) { r.state.Store(int32(s)) }

// Node is the cache's view of one B-tree node buffer. The cache owns it;
// in-flight requests hold it alive until completion.
type Node struct {
	mu   sync.Mutex
	id   uint64
	cpID int64 // checkpoint of the last writer, -1 when never written
	mem  []byte
	req  [MaxCPCount]*Request
}

// NewNode wraps a node buffer for write-back tracking.
func NewNode(id uint64, mem []byte) *Node {
	return &Node{id: id, cpID: -1, mem: mem}
}

func (n *Node) ID() uint64 { return n.id }

// Mem returns the node's live buffer.
func (n *Node) Mem() []byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.mem
}

// SetMem replaces the node's live buffer (a fresh mutation image).
func (n *Node) SetMem(mem []byte) {
	n.mu.Lock()
	n.mem = mem
	n.mu.Unlock()
}

// Stats is a point-in-time snapshot for observability.
type Stats struct {
	DirtyBuffers         int64
	WritesSubmitted      uint64
	CheckpointsCompleted uint64
}
