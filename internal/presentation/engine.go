// Package presentation implements the wallet side of OpenID4VP: request
// parsing, verifier policy checks, transaction data binding, presentation
// signing and response submission.
package presentation

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-wallet-core/internal/domain"
	"github.com/sirosfoundation/go-wallet-core/internal/metrics"
	"github.com/sirosfoundation/go-wallet-core/internal/trustchain"
)

// PresentationSigner signs verifiable presentations with the holder key
type PresentationSigner interface {
	SignJwtPresentation(ctx context.Context, nonce, audience string, verifiableCredentials []interface{}) (string, error)
}

// AttestationVerifier verifies registrar issued verifier attestations
type AttestationVerifier interface {
	VerifyVerifierAttestation(ctx context.Context, token string, source trustchain.RegistrarRootSource) (*domain.VerifierAttestation, error)
}

// URLFilter vets verifier supplied URLs before they are contacted
type URLFilter interface {
	IsAllowed(rawURL string) error
}

// Config holds presentation engine settings
type Config struct {
	// TransactionDataTypes are the accepted transaction_data type tags
	TransactionDataTypes []string
	HTTPClient           *http.Client
}

// Engine runs presentation flows
type Engine struct {
	cfg       Config
	client    *http.Client
	signer    PresentationSigner
	verifier  AttestationVerifier
	registrar trustchain.RegistrarRootSource
	filter    URLFilter
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// Option configures an Engine
type Option func(*Engine)

// WithAttestationVerifier enables verifier attestation checks against the
// registrar roots supplied by source.
func WithAttestationVerifier(v AttestationVerifier, source trustchain.RegistrarRootSource) Option {
	return func(e *Engine) {
		e.verifier = v
		e.registrar = source
	}
}

// WithURLFilter checks request_uri and response_uri targets before use
func WithURLFilter(f URLFilter) Option {
	return func(e *Engine) { e.filter = f }
}

// WithMetrics records presentation outcomes
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates a presentation engine
func NewEngine(cfg Config, signer PresentationSigner, logger *zap.Logger, opts ...Option) *Engine {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	e := &Engine{
		cfg:    cfg,
		client: client,
		signer: signer,
		logger: logger.Named("presentation"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SignPresentation asks the key module to sign a presentation of credentials
// for audience. Wrapping the result for transport is up to the caller.
func (e *Engine) SignPresentation(ctx context.Context, credentials []interface{}, audience, nonce string) (string, error) {
	vp, err := e.signer.SignJwtPresentation(ctx, nonce, audience, credentials)
	if err != nil {
		e.metrics.IncrementPresentation("sign_failed")
		return "", fmt.Errorf("sign presentation: %w", err)
	}
	return vp, nil
}

// VerifierEvaluation is the outcome of checking a request's verifier attestations
type VerifierEvaluation struct {
	Attestations []*domain.VerifierAttestation `json:"attestations,omitempty"`
	Violations   []domain.PolicyViolation      `json:"violations,omitempty"`
}

// Attested reports whether the request carried at least one valid attestation
func (v *VerifierEvaluation) Attested() bool {
	return len(v.Attestations) > 0
}

// EvaluateVerifier verifies every attestation attached to the request and
// checks the request query against the combined policy. Any invalid
// attestation fails the whole evaluation.
func (e *Engine) EvaluateVerifier(ctx context.Context, reqCtx *domain.PresentationRequestContext) (*VerifierEvaluation, error) {
	eval := &VerifierEvaluation{}
	if len(reqCtx.VerifierAttestations) == 0 {
		return eval, nil
	}
	if e.verifier == nil || e.registrar == nil {
		return nil, fmt.Errorf("%w: request carries verifier attestations but no registrar is configured", domain.ErrConfiguration)
	}

	for _, token := range reqCtx.VerifierAttestations {
		att, err := e.verifier.VerifyVerifierAttestation(ctx, token, e.registrar)
		if err != nil {
			e.metrics.IncrementPresentation("invalid_attestation")
			e.logger.Warn("Verifier attestation rejected", zap.String("client_id", reqCtx.ClientID), zap.Error(err))
			return nil, err
		}
		eval.Attestations = append(eval.Attestations, att)
	}

	policy := &domain.VerifierAttestation{
		Credentials: lo.FlatMap(eval.Attestations, func(a *domain.VerifierAttestation, _ int) []domain.AttestedCredential {
			return a.Credentials
		}),
	}
	eval.Violations = ValidateAgainstPolicy(policy, reqCtx.Query)

	e.metrics.AddViolations(lo.Map(eval.Violations, func(v domain.PolicyViolation, _ int) string {
		return string(v.Kind)
	})...)
	if len(eval.Violations) > 0 {
		e.logger.Info("Request exceeds verifier policy",
			zap.String("client_id", reqCtx.ClientID),
			zap.Int("violations", len(eval.Violations)))
	}
	return eval, nil
}

func (e *Engine) allowed(target string) error {
	if e.filter == nil {
		return nil
	}
	if err := e.filter.IsAllowed(target); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformedRequest, err)
	}
	return nil
}
