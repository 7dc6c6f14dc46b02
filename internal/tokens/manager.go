// Package tokens obtains and refreshes access tokens for issuance sessions and
// builds the Authorization and DPoP headers for resource requests.
package tokens

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-wallet-core/internal/domain"
	"github.com/sirosfoundation/go-wallet-core/internal/metrics"
)

const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"

	// TokenTypeDPoP is the token_type of sender-constrained tokens
	TokenTypeDPoP = "DPoP"

	errUseDPoPNonce = "use_dpop_nonce"
	headerDPoPNonce = "DPoP-Nonce"
)

// DPoPSigner signs DPoP proof claims with alg and the key identified by keyRef.
type DPoPSigner interface {
	SignDPoPProof(ctx context.Context, keyRef, alg string, claims map[string]interface{}) (string, error)
}

// EndpointResolver returns the token endpoint serving an issuer.
type EndpointResolver interface {
	TokenEndpoint(ctx context.Context, issuer string) (string, error)
}

// EndpointResolverFunc adapts a function to EndpointResolver
type EndpointResolverFunc func(ctx context.Context, issuer string) (string, error)

func (f EndpointResolverFunc) TokenEndpoint(ctx context.Context, issuer string) (string, error) {
	return f(ctx, issuer)
}

// Config holds token manager settings
type Config struct {
	ClientID    string
	RedirectURI string
	// ExpirySkew treats tokens as expired this long before expires_at
	ExpirySkew time.Duration
	// RetryInterval is the wait before the single transport retry
	RetryInterval time.Duration
	HTTPClient    *http.Client
}

// Manager performs token endpoint exchanges. It mutates the session it is
// given; callers serialize access per session.
type Manager struct {
	cfg      Config
	client   *http.Client
	resolver EndpointResolver
	signer   DPoPSigner
	clock    clock.Clock
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// Option configures a Manager
type Option func(*Manager)

// WithClock sets the clock used for expiry checks and proof iat
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithMetrics records token endpoint outcomes
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// NewManager creates a token manager. Proofs are sent only for sessions with a
// DPoP context, which the issuance engine sets when the authorization server
// advertises DPoP. signer may be nil, in which case no DPoP proofs are
// produced.
func NewManager(cfg Config, resolver EndpointResolver, signer DPoPSigner, logger *zap.Logger, opts ...Option) *Manager {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 200 * time.Millisecond
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	m := &Manager{
		cfg:      cfg,
		client:   client,
		resolver: resolver,
		signer:   signer,
		clock:    clock.New(),
		logger:   logger.Named("tokens"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetOrRefreshToken returns the session's token if still valid. Otherwise it
// uses the refresh token, then a pending authorization code, and fails with
// ErrNoTokenAvailable when neither exists.
func (m *Manager) GetOrRefreshToken(ctx context.Context, s *domain.IssuanceSession) (*domain.TokenRecord, error) {
	now := m.clock.Now()
	if s.TokenRecord.Valid(now, m.cfg.ExpirySkew) {
		return s.TokenRecord, nil
	}

	if s.TokenRecord != nil && s.TokenRecord.RefreshToken != "" {
		form := url.Values{}
		form.Set("grant_type", GrantRefreshToken)
		form.Set("refresh_token", s.TokenRecord.RefreshToken)
		form.Set("client_id", m.cfg.ClientID)
		return m.exchange(ctx, s, GrantRefreshToken, form)
	}

	if s.AuthorizationCode != "" {
		form := url.Values{}
		form.Set("grant_type", GrantAuthorizationCode)
		form.Set("code", s.AuthorizationCode)
		form.Set("client_id", m.cfg.ClientID)
		if s.CodeVerifier != "" {
			form.Set("code_verifier", s.CodeVerifier)
		}
		redirect := s.RedirectURI
		if redirect == "" {
			redirect = m.cfg.RedirectURI
		}
		if redirect != "" {
			form.Set("redirect_uri", redirect)
		}
		return m.exchange(ctx, s, GrantAuthorizationCode, form)
	}

	return nil, domain.ErrNoTokenAvailable
}

func (m *Manager) exchange(ctx context.Context, s *domain.IssuanceSession, grant string, form url.Values) (*domain.TokenRecord, error) {
	endpoint, err := m.resolver.TokenEndpoint(ctx, s.Issuer)
	if err != nil {
		return nil, fmt.Errorf("%w: token endpoint: %v", domain.ErrConfiguration, err)
	}

	status, body, header, err := m.postForm(ctx, s, endpoint, form)
	if err == nil && status == http.StatusBadRequest && oauthErrorCode(body) == errUseDPoPNonce && header.Get(headerDPoPNonce) != "" {
		m.logger.Debug("Retrying token request with server DPoP nonce", zap.String("state", s.State))
		status, body, header, err = m.postForm(ctx, s, endpoint, form)
	}
	if err != nil {
		if errors.Is(err, domain.ErrSigningFailed) {
			m.metrics.IncrementTokenRequest(grant, "signing")
			return nil, err
		}
		m.metrics.IncrementTokenRequest(grant, "network")
		return nil, fmt.Errorf("%w: token request: %v", domain.ErrNetwork, err)
	}

	// A response was received, so a pending code has been used
	if grant == GrantAuthorizationCode {
		s.AuthorizationCode = ""
	}

	if status != http.StatusOK {
		m.metrics.IncrementTokenRequest(grant, "rejected")
		oauthErr := parseOAuthError(status, body)
		m.logger.Warn("Token request rejected",
			zap.String("grant", grant),
			zap.Int("status", status),
			zap.String("error", oauthErr.Code))
		return nil, fmt.Errorf("%w: %w", domain.ErrTokenRejected, oauthErr)
	}

	var tok domain.AccessToken
	if err := json.Unmarshal(body, &tok); err != nil {
		m.metrics.IncrementTokenRequest(grant, "rejected")
		return nil, fmt.Errorf("%w: failed to parse token response: %v", domain.ErrTokenRejected, err)
	}
	if tok.Token == "" {
		m.metrics.IncrementTokenRequest(grant, "rejected")
		return nil, fmt.Errorf("%w: response lacks access_token", domain.ErrTokenRejected)
	}

	s.SetToken(tok, m.clock.Now())
	m.metrics.IncrementTokenRequest(grant, "ok")
	m.logger.Debug("Access token obtained", zap.String("state", s.State), zap.String("grant", grant))
	return s.TokenRecord, nil
}

// postForm sends the form, retrying once on transport failure. It records a
// DPoP-Nonce returned by the server on the session.
func (m *Manager) postForm(ctx context.Context, s *domain.IssuanceSession, endpoint string, form url.Values) (int, []byte, http.Header, error) {
	var (
		status int
		body   []byte
		header http.Header
	)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.RetryInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, 1), ctx)

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")

		if s.DPoP != nil && m.signer != nil {
			proof, err := m.Proof(ctx, s, http.MethodPost, endpoint, "")
			if err != nil {
				return backoff.Permanent(err)
			}
			req.Header.Set("DPoP", proof)
		}

		resp, err := m.client.Do(req)
		if err != nil {
			m.logger.Debug("Token request transport failure", zap.Error(err))
			return err
		}
		defer resp.Body.Close() //nolint:errcheck

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		status, body, header = resp.StatusCode, data, resp.Header
		RecordDPoPNonce(s, resp.Header)
		return nil
	}

	if err := backoff.Retry(op, policy); err != nil {
		return 0, nil, nil, err
	}
	return status, body, header, nil
}

// ResourceHeaders returns Authorization and, for DPoP-bound tokens, DPoP
// headers for a request to target.
func (m *Manager) ResourceHeaders(ctx context.Context, s *domain.IssuanceSession, method, target string) (http.Header, error) {
	if s.TokenRecord == nil || s.TokenRecord.AccessToken == "" {
		return nil, domain.ErrNoTokenAvailable
	}
	h := http.Header{}
	token := s.TokenRecord.AccessToken

	if strings.EqualFold(s.TokenRecord.TokenType, TokenTypeDPoP) && s.DPoP != nil && m.signer != nil {
		proof, err := m.Proof(ctx, s, method, target, token)
		if err != nil {
			return nil, err
		}
		h.Set("Authorization", TokenTypeDPoP+" "+token)
		h.Set("DPoP", proof)
		return h, nil
	}

	h.Set("Authorization", "Bearer "+token)
	return h, nil
}

// Proof builds and signs a DPoP proof for method and target. accessToken,
// when set, is bound through the ath claim.
func (m *Manager) Proof(ctx context.Context, s *domain.IssuanceSession, method, target, accessToken string) (string, error) {
	if s.DPoP == nil {
		return "", fmt.Errorf("%w: session has no dpop context", domain.ErrSigningFailed)
	}
	if m.signer == nil {
		return "", fmt.Errorf("%w: no dpop signer", domain.ErrSigningFailed)
	}
	claims := ProofClaims(s, method, target, accessToken, m.clock.Now())
	proof, err := m.signer.SignDPoPProof(ctx, s.DPoP.KeyRef, s.DPoP.Algorithm, claims)
	if err != nil {
		return "", fmt.Errorf("%w: dpop proof: %w", domain.ErrSigningFailed, err)
	}
	return proof, nil
}

// ProofClaims returns the DPoP proof payload. Every proof gets a unique jti
// derived from the session's DPoP context.
func ProofClaims(s *domain.IssuanceSession, method, target, accessToken string, now time.Time) map[string]interface{} {
	claims := map[string]interface{}{
		"htm": strings.ToUpper(method),
		"htu": htu(target),
		"iat": now.Unix(),
		"jti": proofJTI(s),
	}
	if s.DPoPNonce != "" {
		claims["nonce"] = s.DPoPNonce
	}
	if accessToken != "" {
		sum := sha256.Sum256([]byte(accessToken))
		claims["ath"] = base64.RawURLEncoding.EncodeToString(sum[:])
	}
	return claims
}

func proofJTI(s *domain.IssuanceSession) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	if s.DPoP == nil || s.DPoP.JTI == "" {
		return suffix
	}
	return s.DPoP.JTI + "-" + suffix
}

// htu is the target URI without query and fragment
func htu(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// RecordDPoPNonce stores a server-provided DPoP nonce on the session and
// reports whether one was present.
func RecordDPoPNonce(s *domain.IssuanceSession, h http.Header) bool {
	if n := h.Get(headerDPoPNonce); n != "" {
		s.DPoPNonce = n
		return true
	}
	return false
}

// NeedsDPoPNonce reports whether a resource server response asks for a DPoP
// nonce retry.
func NeedsDPoPNonce(status int, h http.Header, body []byte) bool {
	if h.Get(headerDPoPNonce) == "" {
		return false
	}
	if status == http.StatusUnauthorized && strings.Contains(h.Get("WWW-Authenticate"), errUseDPoPNonce) {
		return true
	}
	return status == http.StatusBadRequest && oauthErrorCode(body) == errUseDPoPNonce
}

func oauthErrorCode(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &e)
	return e.Error
}

func parseOAuthError(status int, body []byte) *domain.OAuthError {
	e := &domain.OAuthError{}
	if err := json.Unmarshal(body, e); err != nil || e.Code == "" {
		e.Code = "invalid_response"
		e.Description = strings.TrimSpace(string(body))
	}
	e.StatusCode = status
	return e
}
