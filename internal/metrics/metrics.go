package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the wallet core engines.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Signing requests by action and outcome
	SigningRequests *prometheus.CounterVec

	// Round trip latency of signing requests
	SigningLatency *prometheus.HistogramVec

	// Issuance flow outcomes by result
	IssuanceOutcomes *prometheus.CounterVec

	// Deferred polls by result
	DeferredPolls *prometheus.CounterVec

	// Token endpoint calls by grant and outcome
	TokenRequests *prometheus.CounterVec

	// Trust verifications by subject kind and outcome
	TrustVerifications *prometheus.CounterVec

	// Presentation requests parsed and their policy violation count
	PresentationRequests *prometheus.CounterVec
	PolicyViolations     *prometheus.CounterVec
}

// New creates a Metrics instance registered with reg.
// Pass prometheus.DefaultRegisterer to expose them on the default /metrics handler.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SigningRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_signing_requests_total",
			Help: "Total signing requests sent to the key module by action and outcome",
		}, []string{"action", "outcome"}),

		SigningLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wallet_signing_duration_seconds",
			Help:    "Duration of signing requests from submit to response",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"action"}),

		IssuanceOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_issuance_outcomes_total",
			Help: "Total credential requests by result",
		}, []string{"result"}), // result: "issued", "deferred", "error"

		DeferredPolls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_deferred_polls_total",
			Help: "Total deferred credential polls by result",
		}, []string{"result"}),

		TokenRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_token_requests_total",
			Help: "Total token endpoint requests by grant type and outcome",
		}, []string{"grant", "outcome"}),

		TrustVerifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_trust_verifications_total",
			Help: "Total trust verifications by subject and outcome",
		}, []string{"subject", "outcome"}), // subject: "credential", "attestation"

		PresentationRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_presentation_requests_total",
			Help: "Total presentation requests parsed by outcome",
		}, []string{"outcome"}),

		PolicyViolations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_policy_violations_total",
			Help: "Total verifier policy violations by kind",
		}, []string{"kind"}),
	}
}

// ObserveSigning records a completed signing request.
func (m *Metrics) ObserveSigning(action, outcome string, d time.Duration) {
	if m != nil {
		m.SigningRequests.WithLabelValues(action, outcome).Inc()
		m.SigningLatency.WithLabelValues(action).Observe(d.Seconds())
	}
}

// IncrementIssuance records an issuance outcome.
func (m *Metrics) IncrementIssuance(result string) {
	if m != nil {
		m.IssuanceOutcomes.WithLabelValues(result).Inc()
	}
}

// IncrementDeferredPoll records one deferred poll.
func (m *Metrics) IncrementDeferredPoll(result string) {
	if m != nil {
		m.DeferredPolls.WithLabelValues(result).Inc()
	}
}

// IncrementTokenRequest records a token endpoint call.
func (m *Metrics) IncrementTokenRequest(grant, outcome string) {
	if m != nil {
		m.TokenRequests.WithLabelValues(grant, outcome).Inc()
	}
}

// IncrementTrust records a trust verification.
func (m *Metrics) IncrementTrust(subject string, trusted bool) {
	if m != nil {
		outcome := "untrusted"
		if trusted {
			outcome = "trusted"
		}
		m.TrustVerifications.WithLabelValues(subject, outcome).Inc()
	}
}

// IncrementPresentation records a parsed presentation request.
func (m *Metrics) IncrementPresentation(outcome string) {
	if m != nil {
		m.PresentationRequests.WithLabelValues(outcome).Inc()
	}
}

// AddViolations records policy violations by kind.
func (m *Metrics) AddViolations(kinds ...string) {
	if m != nil {
		for _, k := range kinds {
			m.PolicyViolations.WithLabelValues(k).Inc()
		}
	}
}
