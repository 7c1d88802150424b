package observability

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "events_emitted_total",
		Help: "The total number of events accepted by the bus",
	}, []string{"event", "target"}) // target: queue, cache

	EventsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "events_dispatched_total",
		Help: "The total number of envelope dispatches",
	}, []string{"event", "status"}) // status: delivered, retried, exhausted

	HandlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "event_handler_duration_seconds",
		Help:    "Duration of subscriber handler invocations.",
		Buckets: prometheus.LinearBuckets(0.01, 0.05, 10),
	}, []string{"event"})

	BatchJobTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batch_job_transitions_total",
		Help: "The total number of batch job status transitions",
	}, []string{"status"})

	LockAcquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lock_acquisitions_total",
		Help: "The total number of lock acquisition attempts",
	}, []string{"status"}) // status: acquired, conflict, error

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "event_queue_depth",
		Help: "The number of envelopes currently in the event queue",
	})
)

// Pinger is anything that can report backing-store health
type Pinger interface {
	Ping(ctx context.Context) error
}

// StartOpsServer runs an HTTP server exposing Prometheus metrics and a
// health endpoint backed by a store ping.
func StartOpsServer(addr string, store Pinger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ok"
		code := http.StatusOK
		if err := store.Ping(ctx); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]string{"status": status})
	})

	go func() {
		slog.Info("Starting ops server", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("Ops server failed", "error", err)
		}
	}()
}
