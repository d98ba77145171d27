// Package metrics exposes the sync engine's Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OutboxDepth is the number of live (not dead-lettered) outbox entries.
	OutboxDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dayplan_outbox_depth",
		Help: "Number of outbox entries waiting for replay",
	})

	// OutboxDead is the number of dead-lettered outbox entries.
	OutboxDead = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dayplan_outbox_dead",
		Help: "Number of outbox entries that exhausted their retries",
	})

	// OutboxReplays counts replay outcomes by result.
	OutboxReplays = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dayplan_outbox_replays_total",
		Help: "Outbox replay attempts by entity and result",
	}, []string{"entity", "result"})

	// RemotePushDuration observes remote write latency.
	RemotePushDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dayplan_remote_push_duration_seconds",
		Help:    "Duration of remote write calls in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.3, 1, 3, 10},
	}, []string{"entity", "op"})

	// ChangeNotifications counts change events received from the remote.
	ChangeNotifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dayplan_change_notifications_total",
		Help: "Change notifications received by table",
	}, []string{"table"})
)

// Replay results.
const (
	ResultSucceeded = "succeeded"
	ResultFailed    = "failed"
	ResultDead      = "dead"
)

// ObservePush records the duration of one remote write since start.
func ObservePush(entity, op string, start time.Time) {
	RemotePushDuration.WithLabelValues(entity, op).Observe(time.Since(start).Seconds())
}

// SetOutbox updates the outbox gauges.
func SetOutbox(pending, dead int) {
	OutboxDepth.Set(float64(pending))
	OutboxDead.Set(float64(dead))
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
