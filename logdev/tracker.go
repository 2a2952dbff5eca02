package logdev

import "sync"

// recordTracker owns the in-memory records between append and truncation,
// indexed by global log idx. The window only moves forward: reinit sets the
// base after recovery, truncate drops the prefix a checkpoint made obsolete.
type recordTracker struct {
	mu    sync.Mutex
	base  int64
	slots []*logRecord
}

func newRecordTracker() *recordTracker {
	return &recordTracker{}
}

// reinit positions the tracker so the next created record is startIdx.
func (t *recordTracker) reinit(startIdx int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.base = startIdx
	t.slots = t.slots[:0]
}

// create registers the record at idx. Indexes arrive in allocation order but
// may race; gaps are filled as the racing appenders land.
func (t *recordTracker) create(idx int64, rec *logRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pos := idx - t.base
	for int64(len(t.slots)) <= pos {
		t.slots = append(t.slots, nil)
	}
	t.slots[pos] = rec
}

// at returns the record at idx, or nil if absent or already truncated.
func (t *recordTracker) at(idx int64) *logRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	pos := idx - t.base
	if pos < 0 || pos >= int64(len(t.slots)) {
		return nil
	}
	return t.slots[pos]
}

// foreachActive walks records starting at from, in idx order, until fn
// returns false or an unfilled slot is reached.
func (t *recordTracker) foreachActive(from int64, fn func(idx int64, rec *logRecord) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pos := from - t.base
	if pos < 0 {
		pos = 0
	}
	for ; pos < int64(len(t.slots)); pos++ {
		rec := t.slots[pos]
		if rec == nil {
			return
		}
		if !fn(t.base+pos, rec) {
			return
		}
	}
}

// truncate drops every record with idx <= upto.
func (t *recordTracker) truncate(upto int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	drop := upto - t.base + 1
	if drop <= 0 {
		return
	}
	if drop > int64(len(t.slots)) {
		drop = int64(len(t.slots))
	}
	t.slots = append(t.slots[:0], t.slots[drop:]...)
	t.base = upto + 1
}
