package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// poolCollector reads pgxpool statistics on every scrape.
type poolCollector struct {
	pool  *pgxpool.Pool
	stats []poolStat
}

type poolStat struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	read      func(*pgxpool.Stat) float64
}

func poolGauge(name, help string, read func(*pgxpool.Stat) float64) poolStat {
	return poolStat{desc: prometheus.NewDesc(name, help, nil, nil), valueType: prometheus.GaugeValue, read: read}
}

func poolCounter(name, help string, read func(*pgxpool.Stat) float64) poolStat {
	return poolStat{desc: prometheus.NewDesc(name, help, nil, nil), valueType: prometheus.CounterValue, read: read}
}

// RegisterPoolMetrics exposes the override store's connection pool: current
// connection counts as gauges and acquire totals as counters.
func RegisterPoolMetrics(reg prometheus.Registerer, pool *pgxpool.Pool) {
	reg.MustRegister(&poolCollector{
		pool: pool,
		stats: []poolStat{
			poolGauge("flagtree_db_pool_acquired", "Number of currently acquired database connections.",
				func(s *pgxpool.Stat) float64 { return float64(s.AcquiredConns()) }),
			poolGauge("flagtree_db_pool_idle", "Number of idle database connections in the pool.",
				func(s *pgxpool.Stat) float64 { return float64(s.IdleConns()) }),
			poolGauge("flagtree_db_pool_constructing", "Number of database connections being established.",
				func(s *pgxpool.Stat) float64 { return float64(s.ConstructingConns()) }),
			poolGauge("flagtree_db_pool_total", "Total number of database connections in the pool.",
				func(s *pgxpool.Stat) float64 { return float64(s.TotalConns()) }),
			poolGauge("flagtree_db_pool_max", "Maximum number of database connections allowed in the pool.",
				func(s *pgxpool.Stat) float64 { return float64(s.MaxConns()) }),
			poolCounter("flagtree_db_pool_acquires_total", "Connections acquired from the pool.",
				func(s *pgxpool.Stat) float64 { return float64(s.AcquireCount()) }),
			poolCounter("flagtree_db_pool_empty_acquires_total", "Acquires that had to wait because the pool was empty.",
				func(s *pgxpool.Stat) float64 { return float64(s.EmptyAcquireCount()) }),
			poolCounter("flagtree_db_pool_canceled_acquires_total", "Acquires canceled by their context.",
				func(s *pgxpool.Stat) float64 { return float64(s.CanceledAcquireCount()) }),
		},
	})
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, s := range c.stats {
		ch <- s.desc
	}
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	stat := c.pool.Stat()
	for _, s := range c.stats {
		ch <- prometheus.MustNewConstMetric(s.desc, s.valueType, s.read(stat))
	}
}
