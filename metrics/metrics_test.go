package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"brimstone/logdev"
	"brimstone/wbcache"
)

type fakeLD struct{ st logdev.Stats }

func (f fakeLD) Stats() logdev.Stats { return f.st }

type fakeCache struct{ st wbcache.Stats }

func (f fakeCache) Stats() wbcache.Stats { return f.st }

type fakeAlloc struct{ used, committed, freeable uint64 }

func (f fakeAlloc) UsedBlks() uint64     { return f.used }
func (f fakeAlloc) CommitOffset() uint64 { return f.committed }
func (f fakeAlloc) FreeableBlks() uint64 { return f.freeable }

func TestCollectorExportsCoreCounters(t *testing.T) {
	c := NewCollector(
		fakeLD{logdev.Stats{AppendsTotal: 10, FlushesTotal: 3, FlushBytesTotal: 4096, PendingFlushBytes: 128, RegisteredStores: 2}},
		fakeCache{wbcache.Stats{DirtyBuffers: 5, WritesSubmitted: 7, CheckpointsCompleted: 1}},
		fakeAlloc{used: 100, committed: 80, freeable: 4},
	)

	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatal(err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}

	got := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			got[mf.GetName()] = metricValue(m)
		}
	}

	want := map[string]float64{
		"brimstone_logdev_appends_total":               10,
		"brimstone_logdev_flushes_total":               3,
		"brimstone_logdev_pending_flush_bytes":         128,
		"brimstone_wbcache_dirty_buffers":              5,
		"brimstone_wbcache_checkpoints_completed_total": 1,
		"brimstone_blkalloc_used_blks":                 100,
		"brimstone_blkalloc_committed_blks":            80,
	}
	for name, v := range want {
		if got[name] != v {
			t.Errorf("%s = %v; want %v", name, got[name], v)
		}
	}

	for name := range got {
		if !strings.HasPrefix(name, "brimstone_") {
			t.Errorf("metric %s outside the brimstone namespace", name)
		}
	}
}

func metricValue(m *dto.Metric) float64 {
	if m.GetCounter() != nil {
		return m.GetCounter().GetValue()
	}
	return m.GetGauge().GetValue()
}
