package scanner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var ScanRunsCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "kaytu",
	Subsystem: "billing",
	Name:      "scan_runs_total",
	Help:      "Count of expiry scans by outcome",
}, []string{"status"})

var ScanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "kaytu",
	Subsystem: "billing",
	Name:      "scan_duration_seconds",
	Help:      "Duration of expiry scans in seconds",
	Buckets:   []float64{.05, .1, .5, 1, 5, 10, 30, 60, 300},
})

var ScanPublishedCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "kaytu",
	Subsystem: "billing",
	Name:      "scan_published_total",
	Help:      "Count of events published by the expiry scan",
}, []string{"event_type"})

var ScanErrorsCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "kaytu",
	Subsystem: "billing",
	Name:      "scan_errors_total",
	Help:      "Count of per subscription failures during the expiry scan",
}, []string{"stage"})
