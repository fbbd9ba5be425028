// Package metrics exposes the daemon's counters and gauges via
// prometheus/client_golang, following AdGuardHome's pattern of a package-
// level registry and a dedicated HTTP listener separate from the main
// control flow.
package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BlocksTotal counts every Block attempt the reaction loop makes for a
	// newly recorded address, labeled by rule. Failed attempts are also
	// counted in FirewallErrorsTotal.
	BlocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veto_blocks_total",
		Help: "Total number of addresses blocked, by rule.",
	}, []string{"rule"})

	// UnblocksTotal counts every Unblock attempt for an expired record.
	// Failed attempts are also counted in FirewallErrorsTotal.
	UnblocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veto_unblocks_total",
		Help: "Total number of addresses unblocked after their timeout elapsed.",
	})

	// ActiveRecords reports the current size of the ledger.
	ActiveRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "veto_active_records",
		Help: "Number of addresses currently recorded as blocked.",
	})

	// FirewallErrorsTotal counts failed Block/Unblock calls, labeled by
	// operation.
	FirewallErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veto_firewall_errors_total",
		Help: "Total number of firewall operations that failed.",
	}, []string{"op"})

	// LinesProcessedTotal counts log lines read off watched files, labeled
	// by rule.
	LinesProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veto_lines_processed_total",
		Help: "Total number of log lines processed, by rule.",
	}, []string{"rule"})
)

// Serve starts a blocking HTTP server exposing /metrics on addr, shutting
// down gracefully when ctx is canceled. Intended to be run in its own
// goroutine, supervised alongside the scheduler.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Shutdown(context.Background())
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
