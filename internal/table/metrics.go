package table

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsExtension exports per-table operation counters and a size gauge.
// Like every extension it runs under the table mutex, so the prometheus
// operations must stay cheap and never call back into the table.
type MetricsExtension struct {
	inserts prometheus.Counter
	samples prometheus.Counter
	updates prometheus.Counter
	deletes prometheus.Counter
	size    prometheus.Gauge
}

var _ Extension = (*MetricsExtension)(nil)

// NewMetricsExtension registers the table's metrics with reg.
func NewMetricsExtension(reg prometheus.Registerer, tableName string) *MetricsExtension {
	labels := prometheus.Labels{"table": tableName}
	factory := promauto.With(reg)
	return &MetricsExtension{
		inserts: factory.NewCounter(prometheus.CounterOpts{
			Name:        "reverb_table_inserts_total",
			Help:        "Items inserted into the table.",
			ConstLabels: labels,
		}),
		samples: factory.NewCounter(prometheus.CounterOpts{
			Name:        "reverb_table_samples_total",
			Help:        "Items sampled from the table.",
			ConstLabels: labels,
		}),
		updates: factory.NewCounter(prometheus.CounterOpts{
			Name:        "reverb_table_updates_total",
			Help:        "Priority updates applied to the table.",
			ConstLabels: labels,
		}),
		deletes: factory.NewCounter(prometheus.CounterOpts{
			Name:        "reverb_table_deletes_total",
			Help:        "Items deleted from the table.",
			ConstLabels: labels,
		}),
		size: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "reverb_table_size",
			Help:        "Items currently stored in the table.",
			ConstLabels: labels,
		}),
	}
}

func (m *MetricsExtension) OnInsert(*Item) {
	m.inserts.Inc()
	m.size.Inc()
}

func (m *MetricsExtension) OnSample(*Item, float64) {
	m.samples.Inc()
}

func (m *MetricsExtension) OnUpdate(*Item) {
	m.updates.Inc()
}

func (m *MetricsExtension) OnDelete(*Item) {
	m.deletes.Inc()
	m.size.Dec()
}

func (m *MetricsExtension) OnReset() {
	m.size.Set(0)
}
