package monitoring

import (
	"kvdata/internal/storage"

	"github.com/prometheus/client_golang/prometheus"
)

// cacheCollector reads the write-behind cache of whichever manager is active
// at scrape time, so it follows migrations.
type cacheCollector struct {
	data *storage.Data

	hits    *prometheus.Desc
	misses  *prometheus.Desc
	targets *prometheus.Desc
	entries *prometheus.Desc
	dirty   *prometheus.Desc
	backend *prometheus.Desc
}

func newCacheCollector(data *storage.Data) *cacheCollector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "cache", name), help, labels, nil)
	}
	return &cacheCollector{
		data:    data,
		hits:    desc("hits_total", "Cache reads answered from memory."),
		misses:  desc("misses_total", "Cache reads that went to the backend."),
		targets: desc("targets", "Targets held in the cache."),
		entries: desc("entries", "Values held in the cache."),
		dirty:   desc("dirty_entries", "Values waiting for a flush."),
		backend: prometheus.NewDesc(prometheus.BuildFQName(namespace, "storage", "backend_info"),
			"Active backend and migration state.", []string{"method", "state"}, nil),
	}
}

func (c *cacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hits
	ch <- c.misses
	ch <- c.targets
	ch <- c.entries
	ch <- c.dirty
	ch <- c.backend
}

func (c *cacheCollector) Collect(ch chan<- prometheus.Metric) {
	manager := c.data.Manager()
	stats := manager.Dialect().CacheStats()

	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(stats.Hits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(stats.Misses))
	ch <- prometheus.MustNewConstMetric(c.targets, prometheus.GaugeValue, float64(stats.Targets))
	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(stats.Entries))
	ch <- prometheus.MustNewConstMetric(c.dirty, prometheus.GaugeValue, float64(stats.Dirty))
	ch <- prometheus.MustNewConstMetric(c.backend, prometheus.GaugeValue, 1,
		manager.Config().Method().Name, c.data.State().String())
}
