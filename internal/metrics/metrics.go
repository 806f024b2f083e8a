package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MatchesStored counts matches written for the first time
	MatchesStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "observer_matches_stored_total",
		Help: "Total number of matches persisted",
	})

	MatchesNotFound = promauto.NewCounter(prometheus.CounterOpts{
		Name: "observer_matches_not_found_total",
		Help: "Total number of queued matches the API reported as missing",
	})

	// JobsDropped counts jobs that exhausted their retry budget.
	// Growth here means data is being lost and needs a look.
	JobsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "observer_jobs_dropped_total",
		Help: "Total number of jobs dropped after max retries",
	})

	// JobsRequeued is labelled by failure class (transient, malformed, rate_limited, persistence, panic)
	JobsRequeued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "observer_jobs_requeued_total",
		Help: "Total number of failed jobs put back on the queue",
	}, []string{"reason"})

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "observer_rate_limited_total",
		Help: "Total number of 429 responses from the API",
	})

	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "observer_api_requests_total",
		Help: "Outbound API requests by endpoint and outcome",
	}, []string{"endpoint", "outcome"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "observer_queue_depth",
		Help: "Current number of jobs in the retry queue",
	})

	ProfilesRefreshed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "observer_profiles_refreshed_total",
		Help: "Total number of player profiles refreshed",
	})

	// CycleDuration measures one Discovering+Draining pass
	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "observer_cycle_duration_seconds",
		Help:    "Duration of a discovery and drain cycle in seconds",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	})

	// State is the numeric observer state (0 bootstrapping ... 4 stopped)
	State = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "observer_state",
		Help: "Current observer state",
	})
)

// ObserveRequest matches the API client's request observer hook.
func ObserveRequest(endpoint, outcome string) {
	APIRequests.WithLabelValues(endpoint, outcome).Inc()
}

// Serve exposes /metrics and /health on addr until ctx is done.
func Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OBSERVER ALIVE"))
	})

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics server online", "addr", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
