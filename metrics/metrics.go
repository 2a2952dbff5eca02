// Package metrics exposes the persistence core's counters to prometheus.
package metrics

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"brimstone/logdev"
	"brimstone/wbcache"
)

const namespace = "brimstone"

// LogDevStatsProvider yields journal counters.
type LogDevStatsProvider interface {
	Stats() logdev.Stats
}

// CacheStatsProvider yields write-back cache counters.
type CacheStatsProvider interface {
	Stats() wbcache.Stats
}

// AllocatorStatsProvider yields append allocator gauges.
type AllocatorStatsProvider interface {
	UsedBlks() uint64
	CommitOffset() uint64
	FreeableBlks() uint64
}

// Collector gathers the core's stats on scrape.
type Collector struct {
	ld    LogDevStatsProvider
	cache CacheStatsProvider
	alloc AllocatorStatsProvider

	appends       *prometheus.Desc
	flushes       *prometheus.Desc
	flushBytes    *prometheus.Desc
	pendingBytes  *prometheus.Desc
	groupsLoaded  *prometheus.Desc
	stores        *prometheus.Desc
	dirtyBufs     *prometheus.Desc
	wbWrites      *prometheus.Desc
	cpsCompleted  *prometheus.Desc
	usedBlks      *prometheus.Desc
	committedBlks *prometheus.Desc
	freeableBlks  *prometheus.Desc
}

func NewCollector(ld LogDevStatsProvider, cache CacheStatsProvider, alloc AllocatorStatsProvider) *Collector {
	return &Collector{
		ld:    ld,
		cache: cache,
		alloc: alloc,

		appends:       newDesc("logdev", "appends_total", "Total records appended"),
		flushes:       newDesc("logdev", "flushes_total", "Total log groups flushed"),
		flushBytes:    newDesc("logdev", "flush_bytes_total", "Total bytes flushed to the journal"),
		pendingBytes:  newDesc("logdev", "pending_flush_bytes", "Bytes waiting for the next group flush"),
		groupsLoaded:  newDesc("logdev", "groups_recovered_total", "Log groups replayed during recovery"),
		stores:        newDesc("logdev", "registered_stores", "Open log stores"),
		dirtyBufs:     newDesc("wbcache", "dirty_buffers", "Dirty node buffers across live checkpoints"),
		wbWrites:      newDesc("wbcache", "writes_submitted_total", "Node write-backs submitted"),
		cpsCompleted:  newDesc("wbcache", "checkpoints_completed_total", "Checkpoint generations completed"),
		usedBlks:      newDesc("blkalloc", "used_blks", "Blocks allocated in this run"),
		committedBlks: newDesc("blkalloc", "committed_blks", "Blocks durable across crash"),
		freeableBlks:  newDesc("blkalloc", "freeable_blks", "Blocks accounted as freeable"),
	}
}

func newDesc(sub, name, help string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, sub, name), help, nil, nil)
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.appends
	ch <- c.flushes
	ch <- c.flushBytes
	ch <- c.pendingBytes
	ch <- c.groupsLoaded
	ch <- c.stores
	ch <- c.dirtyBufs
	ch <- c.wbWrites
	ch <- c.cpsCompleted
	ch <- c.usedBlks
	ch <- c.committedBlks
	ch <- c.freeableBlks
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.ld != nil {
		st := c.ld.Stats()
		ch <- prometheus.MustNewConstMetric(c.appends, prometheus.CounterValue, float64(st.AppendsTotal))
		ch <- prometheus.MustNewConstMetric(c.flushes, prometheus.CounterValue, float64(st.FlushesTotal))
		ch <- prometheus.MustNewConstMetric(c.flushBytes, prometheus.CounterValue, float64(st.FlushBytesTotal))
		ch <- prometheus.MustNewConstMetric(c.pendingBytes, prometheus.GaugeValue, float64(st.PendingFlushBytes))
		ch <- prometheus.MustNewConstMetric(c.groupsLoaded, prometheus.CounterValue, float64(st.GroupsRecovered))
		ch <- prometheus.MustNewConstMetric(c.stores, prometheus.GaugeValue, float64(st.RegisteredStores))
	}
	if c.cache != nil {
		st := c.cache.Stats()
		ch <- prometheus.MustNewConstMetric(c.dirtyBufs, prometheus.GaugeValue, float64(st.DirtyBuffers))
		ch <- prometheus.MustNewConstMetric(c.wbWrites, prometheus.CounterValue, float64(st.WritesSubmitted))
		ch <- prometheus.MustNewConstMetric(c.cpsCompleted, prometheus.CounterValue, float64(st.CheckpointsCompleted))
	}
	if c.alloc != nil {
		ch <- prometheus.MustNewConstMetric(c.usedBlks, prometheus.GaugeValue, float64(c.alloc.UsedBlks()))
		ch <- prometheus.MustNewConstMetric(c.committedBlks, prometheus.GaugeValue, float64(c.alloc.CommitOffset()))
		ch <- prometheus.MustNewConstMetric(c.freeableBlks, prometheus.GaugeValue, float64(c.alloc.FreeableBlks()))
	}
}

// StartMetricsServer serves /metrics on addr. No-op when addr is empty.
func StartMetricsServer(addr string, collector *Collector, logger *slog.Logger) {
	if addr == "" {
		return
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collector)
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	go func() {
		logger.Info("Metrics server starting", "addr", addr)
		if err := http.ListenAndServe(addr, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})); err != nil {
			logger.Error("Metrics server stopped", "err", err)
		}
	}()
}
