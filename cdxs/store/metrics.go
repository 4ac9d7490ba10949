package store

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts index traffic. A nil *Metrics records nothing.
type Metrics struct {
	scans       *prometheus.CounterVec
	scanErrors  *prometheus.CounterVec
	rows        *prometheus.CounterVec
	dialSeconds prometheus.Histogram
}

// NewMetrics registers the store collectors on reg. A nil reg creates
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		scans: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cdxs",
			Subsystem: "store",
			Name:      "scans_total",
			Help:      "Range scans issued against the capture index.",
		}, []string{"engine"}),
		scanErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cdxs",
			Subsystem: "store",
			Name:      "scan_errors_total",
			Help:      "Range scans that failed to start or failed mid-stream.",
		}, []string{"engine"}),
		rows: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cdxs",
			Subsystem: "store",
			Name:      "rows_total",
			Help:      "Records returned by range scans.",
		}, []string{"engine"}),
		dialSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cdxs",
			Subsystem: "store",
			Name:      "dial_seconds",
			Help:      "Time spent probing index servers.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) incScan(engine string) {
	if m == nil {
		return
	}
	m.scans.WithLabelValues(engine).Inc()
}

func (m *Metrics) incScanError(engine string) {
	if m == nil {
		return
	}
	m.scanErrors.WithLabelValues(engine).Inc()
}

func (m *Metrics) addRows(engine string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.rows.WithLabelValues(engine).Add(float64(n))
}

func (m *Metrics) observeDial(d time.Duration) {
	if m == nil {
		return
	}
	m.dialSeconds.Observe(d.Seconds())
}
