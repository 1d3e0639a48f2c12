// Package metrics holds the process-wide Prometheus collectors mux exposes
// on /metrics. These are a side channel the core updates as it runs, not a
// feature the core designs around: nothing in runtime, sshpool, background,
// or session reads these values back.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SSHPoolProbesTotal counts connectivity probes issued by the ssh
	// connection pool, labeled by outcome.
	SSHPoolProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mux_ssh_pool_probes_total",
			Help: "Total number of SSH connectivity probes, by outcome",
		},
		[]string{"outcome"},
	)

	// BackgroundProcessesAlive tracks orphaned background processes that
	// have been spawned but not yet observed to have exited or been
	// terminated.
	BackgroundProcessesAlive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mux_background_processes_alive",
			Help: "Number of background processes spawned and not yet known to have exited",
		},
	)

	// CompactionsTotal counts history compactions, labeled by trigger.
	CompactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mux_compactions_total",
			Help: "Total number of session history compactions, by trigger",
		},
		[]string{"trigger"},
	)
)

// Handler returns the Prometheus scrape handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
