// Package metrics exposes Prometheus collectors for the escrow daemon.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector registered by this package.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	httpRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_http_requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"})

	httpErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_http_request_errors_total",
		Help: "Total number of HTTP requests that resulted in a server error.",
	}, []string{"handler", "method"})

	httpLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "escrow_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})

	transitions = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_transitions_total",
		Help: "Committed escrow state transitions.",
	}, []string{"from", "to"})

	rejections = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_rejected_operations_total",
		Help: "Operations rejected without mutation, by error kind.",
	}, []string{"operation", "kind"})

	votes = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_votes_total",
		Help: "Accepted verifier votes.",
	}, []string{"tier"})

	resolutions = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_dispute_resolutions_total",
		Help: "Resolved disputes by outcome kind and decision.",
	}, []string{"kind", "decision"})

	resolutionLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "escrow_dispute_resolution_seconds",
		Help:    "Time from quorum selection to resolution.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10),
	}, []string{"kind"})

	settlements = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_settlements_total",
		Help: "Disbursement instructions by target state and result.",
	}, []string{"target", "result"})

	escalations = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_operator_escalations_total",
		Help: "Operator escalations by error code.",
	}, []string{"code"})

	stuck = factory.NewGauge(prometheus.GaugeOpts{
		Name: "escrow_stuck_settlements",
		Help: "Escrows whose settlement exhausted its retries.",
	})
)

func init() {
	Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		httpErrors.WithLabelValues(handler, method).Inc()
	}
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveTransition counts a committed escrow transition.
func ObserveTransition(from, to string) {
	transitions.WithLabelValues(from, to).Inc()
}

// ObserveRejection counts an operation rejected with the given error kind.
func ObserveRejection(operation, kind string) {
	rejections.WithLabelValues(operation, kind).Inc()
}

// ObserveVote counts an accepted vote.
func ObserveVote(tier string) {
	votes.WithLabelValues(tier).Inc()
}

// ObserveResolution records a resolved dispute.
func ObserveResolution(kind, decision string, sinceSelection time.Duration) {
	resolutions.WithLabelValues(kind, decision).Inc()
	if sinceSelection >= 0 {
		resolutionLatency.WithLabelValues(kind).Observe(sinceSelection.Seconds())
	}
}

// ObserveSettlement records a disbursement attempt. result is "issued" or "failed".
func ObserveSettlement(target, result string) {
	settlements.WithLabelValues(target, result).Inc()
}

// ObserveEscalation counts an operator escalation.
func ObserveEscalation(code string) {
	escalations.WithLabelValues(code).Inc()
}

// SetStuck sets the stuck settlement gauge.
func SetStuck(n int) {
	stuck.Set(float64(n))
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
