// Package metrics holds the Prometheus collectors for both binaries.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "svcauth"

// Metrics groups the issuer and relying-party collectors.
type Metrics struct {
	gatherer prometheus.Gatherer

	TokensIssued    prometheus.Counter
	TokenFailures   *prometheus.CounterVec
	Introspections  *prometheus.CounterVec
	Revocations     *prometheus.CounterVec
	GuardDecisions  *prometheus.CounterVec
	TokenRefreshes  *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New registers every collector on reg. Pass prometheus.NewRegistry()
// in tests to avoid duplicate registration.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		gatherer: reg,
		TokensIssued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_issued_total",
			Help:      "Service tokens issued by the client credentials grant.",
		}),
		TokenFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_request_failures_total",
			Help:      "Rejected token requests by reason.",
		}, []string{"reason"}),
		Introspections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "introspections_total",
			Help:      "Introspection results.",
		}, []string{"active"}),
		Revocations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "revocations_total",
			Help:      "Ledger rows revoked by source.",
		}, []string{"source"}),
		GuardDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guard_decisions_total",
			Help:      "Inbound bearer token decisions on the relying party.",
		}, []string{"result"}),
		TokenRefreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_token_refreshes_total",
			Help:      "Outbound token fetches by the relying-party client.",
		}, []string{"outcome"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method", "code"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// TokenIssued counts a successful issuance.
func (m *Metrics) TokenIssued() {
	if m == nil {
		return
	}
	m.TokensIssued.Inc()
}

// TokenFailed counts a rejected token request.
func (m *Metrics) TokenFailed(reason string) {
	if m == nil {
		return
	}
	m.TokenFailures.WithLabelValues(reason).Inc()
}

// Introspected counts an introspection result.
func (m *Metrics) Introspected(active bool) {
	if m == nil {
		return
	}
	m.Introspections.WithLabelValues(strconv.FormatBool(active)).Inc()
}

// Revoked counts n revoked ledger rows.
func (m *Metrics) Revoked(source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Revocations.WithLabelValues(source).Add(float64(n))
}

// GuardDecision counts a guard outcome: service, user or rejected.
func (m *Metrics) GuardDecision(result string) {
	if m == nil {
		return
	}
	m.GuardDecisions.WithLabelValues(result).Inc()
}

// TokenRefreshed counts an outbound token fetch.
func (m *Metrics) TokenRefreshed(ok bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.TokenRefreshes.WithLabelValues(outcome).Inc()
}

// ObserveRequest records a request latency.
func (m *Metrics) ObserveRequest(route, method string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(route, method, strconv.Itoa(code)).Observe(d.Seconds())
}
