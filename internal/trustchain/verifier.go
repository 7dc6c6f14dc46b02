// Package trustchain verifies the trust of issued credentials and of verifier
// attestations. Chains are validated on every call; no result is cached.
package trustchain

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-wallet-core/internal/metrics"
	"github.com/sirosfoundation/go-wallet-core/pkg/trust"
)

// signingMethods are the algorithms accepted for issuer-signed artifacts
var signingMethods = []string{
	"ES256", "ES384", "ES512",
	"RS256", "RS384", "RS512",
	"PS256", "PS384", "PS512",
	"EdDSA",
}

// Verifier validates credential and attestation trust.
type Verifier struct {
	evaluator trust.TrustEvaluator
	clock     clock.Clock
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// Option configures a Verifier
type Option func(*Verifier)

// WithClock sets the clock used for validation time and expiry checks
func WithClock(c clock.Clock) Option {
	return func(v *Verifier) { v.clock = c }
}

// WithMetrics records verification outcomes
func WithMetrics(m *metrics.Metrics) Option {
	return func(v *Verifier) { v.metrics = m }
}

// NewVerifier creates a verifier. A nil evaluator trusts no chain.
func NewVerifier(evaluator trust.TrustEvaluator, logger *zap.Logger, opts ...Option) *Verifier {
	v := &Verifier{
		evaluator: evaluator,
		clock:     clock.New(),
		logger:    logger.Named("trustchain"),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// VerifyCredentialTrust reports whether the artifact's x5c chain validates
// against the current roots and the artifact is signed by the leaf key. The
// signature is only checked once the chain is valid. Failures of any kind,
// panics included, yield false.
func (v *Verifier) VerifyCredentialTrust(ctx context.Context, artifact string) (trusted bool) {
	defer func() {
		if r := recover(); r != nil {
			v.logger.Warn("Credential verification panicked", zap.Any("panic", r))
			trusted = false
		}
		v.metrics.IncrementTrust("credential", trusted)
	}()

	token := issuerSigned(artifact)
	chain, claims, err := headerChain(token)
	if err != nil {
		v.logger.Debug("No usable certificate chain", zap.Error(err))
		return false
	}

	if !v.chainTrusted(ctx, v.evaluator, subjectOf(claims, chain), chain, trust.RoleCredentialIssuer) {
		return false
	}

	if err := verifySignature(token, chain.Leaf().PublicKey); err != nil {
		v.logger.Debug("Credential signature invalid", zap.Error(err))
		return false
	}
	return true
}

// chainTrusted evaluates the chain with evaluator at the current time.
func (v *Verifier) chainTrusted(ctx context.Context, evaluator trust.TrustEvaluator, subject string, chain Chain, role string) bool {
	if evaluator == nil {
		v.logger.Debug("No trust evaluator configured")
		return false
	}
	req := trust.NewX5CRequest(subject, chain, chain.Encoded(), role).WithValidationTime(v.clock.Now())
	resp, err := evaluator.Evaluate(ctx, req)
	if err != nil {
		v.logger.Warn("Trust evaluation failed", zap.String("subject", subject), zap.Error(err))
		return false
	}
	if !resp.Decision {
		v.logger.Debug("Chain not trusted", zap.String("subject", subject), zap.String("reason", resp.Reason))
	}
	return resp.Decision
}

func subjectOf(claims jwt.MapClaims, chain Chain) string {
	if iss, ok := claims["iss"].(string); ok && iss != "" {
		return iss
	}
	return chain.Leaf().Subject.CommonName
}

// verifySignature checks the JWT signature with key, ignoring claim validity.
func verifySignature(token string, key interface{}) error {
	switch key.(type) {
	case *ecdsa.PublicKey, *rsa.PublicKey, ed25519.PublicKey:
	default:
		return fmt.Errorf("unsupported leaf key type %T", key)
	}
	parser := jwt.NewParser(jwt.WithValidMethods(signingMethods), jwt.WithoutClaimsValidation())
	_, err := parser.Parse(token, func(*jwt.Token) (interface{}, error) {
		return key, nil
	})
	return err
}
