package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "authlayer"

// Refresh outcomes
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeTimeout = "timeout"
)

// Request classes
const (
	ClassSuccess       = "success"
	ClassRefreshNeeded = "refresh_needed"
	ClassUnauthorized  = "unauthorized"
	ClassHTTPError     = "http_error"
	ClassNetworkError  = "network_error"
)

// Recorder exposes access layer counters. A nil *Recorder is valid and
// records nothing.
type Recorder struct {
	registry *prometheus.Registry

	refreshTotal   *prometheus.CounterVec
	refreshWaiters prometheus.Histogram
	logoutTotal    prometheus.Counter
	requestsTotal  *prometheus.CounterVec
}

// NewRecorder creates a recorder backed by its own registry
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		refreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_total",
			Help:      "Token refresh exchanges by outcome.",
		}, []string{"outcome"}),
		refreshWaiters: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "refresh_waiters",
			Help:      "Requests resolved by a single refresh.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100},
		}),
		logoutTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logout_total",
			Help:      "Session loss notifications published.",
		}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Executed requests by result class.",
		}, []string{"class"}),
	}

	r.registry.MustRegister(r.refreshTotal, r.refreshWaiters, r.logoutTotal, r.requestsTotal)
	return r
}

// Registry returns the registry the recorder's collectors live in
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the recorder's metrics in the Prometheus exposition format
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Refresh records one settled refresh and how many requests it resolved
func (r *Recorder) Refresh(outcome string, waiters int) {
	if r == nil {
		return
	}
	r.refreshTotal.WithLabelValues(outcome).Inc()
	r.refreshWaiters.Observe(float64(waiters))
}

// Logout records one published logout
func (r *Recorder) Logout() {
	if r == nil {
		return
	}
	r.logoutTotal.Inc()
}

// Request records one executed request
func (r *Recorder) Request(class string) {
	if r == nil {
		return
	}
	r.requestsTotal.WithLabelValues(class).Inc()
}
