// Package metrics collects the prometheus metrics exposed by sqlpages.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Outcome label values.
const (
	Fail = "fail"
	Ok   = "ok"
)

// Collectors for page store instrumentation.
var (
	PageReadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sqlpages_page_reads_total",
		Help: "Cumulative number of page reads, by outcome.",
	}, []string{"status"})
	PageWritesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sqlpages_page_writes_total",
		Help: "Cumulative number of page writes, by outcome.",
	}, []string{"status"})
	PageDeletesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sqlpages_page_deletes_total",
		Help: "Cumulative number of page deletions, by outcome.",
	}, []string{"status"})
	PageReadBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sqlpages_page_read_bytes_total",
		Help: "Cumulative number of page bytes read.",
	})
	PageWriteBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sqlpages_page_write_bytes_total",
		Help: "Cumulative number of page bytes written.",
	})
)

// Collectors for the suspension bridge.
var (
	SuspensionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sqlpages_suspensions_total",
		Help: "Cumulative number of guest suspensions driven by the bridge.",
	})
)

// MustRegister registers all sqlpages collectors with the default registry.
func MustRegister() {
	prometheus.MustRegister(
		PageReadsTotal,
		PageWritesTotal,
		PageDeletesTotal,
		PageReadBytesTotal,
		PageWriteBytesTotal,
		SuspensionsTotal,
	)
}
