// Package issuance drives OpenID4VCI credential issuance flows: authorization
// with PKCE, token exchange, proof generation through the signing channel,
// credential requests and deferred polling.
package issuance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/sirosfoundation/go-wallet-core/internal/domain"
	"github.com/sirosfoundation/go-wallet-core/internal/keylock"
	"github.com/sirosfoundation/go-wallet-core/internal/metrics"
	"github.com/sirosfoundation/go-wallet-core/internal/tokens"
)

// ProofSigner produces OpenID4VCI key proofs
type ProofSigner interface {
	GenerateOpenid4vciProof(ctx context.Context, audience, nonce, issuer string) (string, error)
}

// TokenManager supplies access tokens and resource request headers
type TokenManager interface {
	GetOrRefreshToken(ctx context.Context, s *domain.IssuanceSession) (*domain.TokenRecord, error)
	ResourceHeaders(ctx context.Context, s *domain.IssuanceSession, method, target string) (http.Header, error)
}

// CredentialVerifier reports whether an issued credential chains to a trusted root
type CredentialVerifier interface {
	VerifyCredentialTrust(ctx context.Context, artifact string) bool
}

// Config holds issuance engine settings
type Config struct {
	ClientID             string
	RedirectURI          string
	ProofAlg             string
	MaxAcceptedBatchSize int
	DeferredPollInterval time.Duration
	DeferredMaxLifetime  time.Duration
	HTTPClient           *http.Client
}

// CredentialItem is one credential of an issuance response
type CredentialItem struct {
	Credential string `json:"credential,omitempty"`
	Format     string `json:"format,omitempty"`
	Trusted    bool   `json:"trusted"`
	Error      string `json:"error,omitempty"`
}

// IssuanceOutcome is the result of a credential request or deferred poll
type IssuanceOutcome struct {
	Status         domain.SessionStatus `json:"status"`
	Items          []CredentialItem     `json:"items,omitempty"`
	TransactionID  string               `json:"transaction_id,omitempty"`
	NotificationID string               `json:"notification_id,omitempty"`
	// Interval is the server suggested deferred poll interval, if any
	Interval time.Duration `json:"interval,omitempty"`
}

// Engine runs issuance flows. Mutations of one session are serialized on its state.
type Engine struct {
	cfg      Config
	metadata MetadataProvider
	tokens   TokenManager
	signer   ProofSigner
	verifier CredentialVerifier
	client   *http.Client
	clock    clock.Clock
	logger   *zap.Logger
	metrics  *metrics.Metrics
	locks    *keylock.Locks
}

// Option configures an Engine
type Option func(*Engine)

// WithClock sets the clock driving timestamps and deferred polling
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithMetrics records issuance outcomes
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithVerifier checks the trust of every issued credential
func WithVerifier(v CredentialVerifier) Option {
	return func(e *Engine) { e.verifier = v }
}

// NewEngine creates an issuance engine
func NewEngine(cfg Config, md MetadataProvider, tm TokenManager, signer ProofSigner, logger *zap.Logger, opts ...Option) *Engine {
	if cfg.MaxAcceptedBatchSize < 1 {
		cfg.MaxAcceptedBatchSize = 1
	}
	if cfg.DeferredPollInterval <= 0 {
		cfg.DeferredPollInterval = 5 * time.Second
	}
	if cfg.DeferredMaxLifetime <= 0 {
		cfg.DeferredMaxLifetime = 600 * time.Second
	}
	if cfg.ProofAlg == "" {
		cfg.ProofAlg = "ES256"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	e := &Engine{
		cfg:      cfg,
		metadata: md,
		tokens:   tm,
		signer:   signer,
		client:   client,
		clock:    clock.New(),
		logger:   logger.Named("issuance"),
		locks:    keylock.New(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StartOption customizes StartAuthorization
type StartOption func(*startOptions)

type startOptions struct {
	issuerState string
}

// WithIssuerState passes the issuer_state received in a credential offer
func WithIssuerState(state string) StartOption {
	return func(o *startOptions) { o.issuerState = state }
}

// StartAuthorization creates a session in AUTHORIZING and returns the URL the
// user must visit to authorize issuance.
func (e *Engine) StartAuthorization(ctx context.Context, userHandle, issuerID, configurationID string, opts ...StartOption) (*domain.IssuanceSession, string, error) {
	var so startOptions
	for _, opt := range opts {
		opt(&so)
	}

	md, err := e.metadata.Metadata(ctx, issuerID)
	if err != nil {
		return nil, "", err
	}
	conf, ok := md.Issuer.CredentialConfigurationsSupported[configurationID]
	if !ok {
		return nil, "", fmt.Errorf("%w: issuer does not offer credential configuration %q", domain.ErrConfiguration, configurationID)
	}
	if md.AuthorizationServer.AuthorizationEndpoint == "" {
		return nil, "", fmt.Errorf("%w: authorization server lacks authorization_endpoint", domain.ErrConfiguration)
	}

	s := domain.NewIssuanceSession(userHandle, issuerID, uuid.NewString(), configurationID, e.clock.Now())
	s.CodeVerifier = oauth2.GenerateVerifier()
	s.RedirectURI = e.cfg.RedirectURI
	if alg, ok := e.dpopAlg(md.AuthorizationServer); ok {
		if err := s.SetDPoPContext(domain.DPoPContext{
			KeyRef:    uuid.NewString(),
			JTI:       uuid.NewString(),
			Algorithm: alg,
		}); err != nil {
			return nil, "", err
		}
	}
	if err := s.Transition(domain.StatusAuthorizing); err != nil {
		return nil, "", err
	}

	authURL, err := e.authorizationURL(s, md, conf, so.issuerState)
	if err != nil {
		return nil, "", err
	}

	e.logger.Info("Authorization started",
		zap.String("state", s.State),
		zap.String("issuer", issuerID),
		zap.String("configuration", configurationID))
	return s, authURL, nil
}

// dpopAlg picks the DPoP signing algorithm when the authorization server
// supports DPoP: the configured proof algorithm if listed, else the first one
// the server lists.
func (e *Engine) dpopAlg(as *AuthorizationServerMetadata) (string, bool) {
	algs := as.DPoPSigningAlgValuesSupported
	if len(algs) == 0 {
		return "", false
	}
	if lo.Contains(algs, e.cfg.ProofAlg) {
		return e.cfg.ProofAlg, true
	}
	return algs[0], true
}

func (e *Engine) authorizationURL(s *domain.IssuanceSession, md *Metadata, conf CredentialConfiguration, issuerState string) (string, error) {
	detail := map[string]interface{}{
		"type":                        "openid_credential",
		"credential_configuration_id": s.CredentialConfigurationID,
	}
	if len(md.Issuer.AuthorizationServers) > 0 {
		detail["locations"] = []string{md.Issuer.CredentialIssuer}
	}
	details, err := json.Marshal([]interface{}{detail})
	if err != nil {
		return "", fmt.Errorf("failed to encode authorization_details: %w", err)
	}

	oc := &oauth2.Config{
		ClientID:    e.cfg.ClientID,
		RedirectURL: s.RedirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:  md.AuthorizationServer.AuthorizationEndpoint,
			TokenURL: md.AuthorizationServer.TokenEndpoint,
		},
	}
	if conf.Scope != "" {
		oc.Scopes = []string{conf.Scope}
	}

	params := []oauth2.AuthCodeOption{
		oauth2.S256ChallengeOption(s.CodeVerifier),
		oauth2.SetAuthURLParam("authorization_details", string(details)),
	}
	if issuerState != "" {
		params = append(params, oauth2.SetAuthURLParam("issuer_state", issuerState))
	}
	return oc.AuthCodeURL(s.State, params...), nil
}

// CompleteAuthorization exchanges the authorization code for a token. A
// rejected grant moves the session to ERROR; a network failure leaves it in
// TOKEN_PENDING so the call can be repeated.
func (e *Engine) CompleteAuthorization(ctx context.Context, s *domain.IssuanceSession, code string) error {
	unlock := e.locks.Lock(s.State)
	defer unlock()

	if code == "" {
		return fmt.Errorf("%w: empty authorization code", domain.ErrAuthorizationFailed)
	}

	switch s.Status {
	case domain.StatusAuthorizing:
		if err := s.Transition(domain.StatusTokenPending); err != nil {
			return err
		}
	case domain.StatusTokenPending:
	default:
		return fmt.Errorf("%w: cannot complete authorization in %s", domain.ErrInvalidTransition, s.Status)
	}
	s.AuthorizationCode = code

	if _, err := e.tokens.GetOrRefreshToken(ctx, s); err != nil {
		if retryable(err) {
			e.logger.Warn("Token exchange failed, retry possible", zap.String("state", s.State), zap.Error(err))
			return err
		}
		if errors.Is(err, domain.ErrTokenRejected) {
			err = fmt.Errorf("%w: %w", domain.ErrAuthorizationFailed, err)
		}
		return e.fail(s, err)
	}

	e.logger.Debug("Authorization completed", zap.String("state", s.State))
	return s.Transition(domain.StatusTokenObtained)
}

// RequestCredential requests the credential batch for a session in TOKEN_OBTAINED.
func (e *Engine) RequestCredential(ctx context.Context, s *domain.IssuanceSession) (*IssuanceOutcome, error) {
	unlock := e.locks.Lock(s.State)
	defer unlock()

	if s.Status != domain.StatusTokenObtained {
		return nil, fmt.Errorf("%w: cannot request credential in %s", domain.ErrInvalidTransition, s.Status)
	}

	md, err := e.metadata.Metadata(ctx, s.Issuer)
	if err != nil {
		return nil, e.settle(s, err)
	}
	conf, ok := md.Issuer.CredentialConfigurationsSupported[s.CredentialConfigurationID]
	if !ok {
		return nil, e.settle(s, fmt.Errorf("%w: credential configuration %q no longer offered",
			domain.ErrConfiguration, s.CredentialConfigurationID))
	}

	rec, err := e.tokens.GetOrRefreshToken(ctx, s)
	if err != nil {
		return nil, e.settle(s, err)
	}
	if err := s.Transition(domain.StatusCredentialRequested); err != nil {
		return nil, err
	}

	needsProof := len(conf.ProofTypesSupported) > 0
	var nonce string
	if needsProof {
		if nonce, err = e.initialNonce(ctx, s, md, rec); err != nil {
			return nil, e.settle(s, err)
		}
	}

	n := e.batchSize(md)
	for attempt := 0; ; attempt++ {
		body := map[string]interface{}{
			"credential_configuration_id": s.CredentialConfigurationID,
		}
		var failed []CredentialItem
		if needsProof {
			proofs, failedItems, err := e.proofs(ctx, n, md.Issuer.CredentialIssuer, nonce, conf.Format)
			if err != nil {
				return nil, e.settle(s, err)
			}
			failed = failedItems
			body["proofs"] = map[string]interface{}{"jwt": proofs}
		}

		res, err := e.send(ctx, s, md.Issuer.CredentialEndpoint, body)
		if err != nil {
			return nil, e.settle(s, err)
		}

		if mismatch, fresh := nonceMismatch(res); mismatch {
			if attempt > 0 {
				e.metrics.IncrementIssuance("nonce_mismatch")
				return nil, e.fail(s, fmt.Errorf("%w: issuer rejected the renegotiated nonce", domain.ErrNonceMismatch))
			}
			if fresh == "" && md.Issuer.NonceEndpoint != "" {
				if fresh, err = e.fetchNonce(ctx, md.Issuer.NonceEndpoint); err != nil {
					return nil, e.settle(s, err)
				}
			}
			if fresh == "" {
				e.metrics.IncrementIssuance("nonce_mismatch")
				return nil, e.fail(s, fmt.Errorf("%w: issuer supplied no fresh nonce", domain.ErrNonceMismatch))
			}
			e.logger.Debug("Retrying credential request with fresh nonce", zap.String("state", s.State))
			nonce = fresh
			continue
		}

		return e.handleCredentialResponse(ctx, s, conf, res, failed)
	}
}

func (e *Engine) handleCredentialResponse(ctx context.Context, s *domain.IssuanceSession, conf CredentialConfiguration, res *httpResult, failed []CredentialItem) (*IssuanceOutcome, error) {
	if res.status != http.StatusOK && res.status != http.StatusAccepted {
		return nil, e.fail(s, fmt.Errorf("%w: %w", domain.ErrCredentialRejected, res.oauthError()))
	}

	if txID := gjson.GetBytes(res.body, "transaction_id").String(); txID != "" {
		if err := s.Transition(domain.StatusDeferred); err != nil {
			return nil, err
		}
		s.TransactionID = txID
		s.DeferredAt = e.clock.Now()
		e.metrics.IncrementIssuance("deferred")
		e.logger.Info("Credential issuance deferred", zap.String("state", s.State), zap.String("transaction_id", txID))
		return &IssuanceOutcome{
			Status:        domain.StatusDeferred,
			TransactionID: txID,
			Interval:      serverInterval(res.body),
		}, nil
	}

	items := e.credentialItems(ctx, conf, res.body)
	if !hasCredential(items) {
		return nil, e.fail(s, fmt.Errorf("%w: response carries no credential", domain.ErrCredentialRejected))
	}
	items = append(items, failed...)

	if err := s.Transition(domain.StatusIssued); err != nil {
		return nil, err
	}
	e.metrics.IncrementIssuance("issued")
	e.logger.Info("Credential issued", zap.String("state", s.State), zap.Int("items", len(items)))
	return &IssuanceOutcome{
		Status:         domain.StatusIssued,
		Items:          items,
		NotificationID: gjson.GetBytes(res.body, "notification_id").String(),
	}, nil
}

// Finish closes an issued session.
func (e *Engine) Finish(s *domain.IssuanceSession) error {
	unlock := e.locks.Lock(s.State)
	defer unlock()
	return s.Transition(domain.StatusTerminal)
}

// Abandon moves a non-final session to ERROR.
func (e *Engine) Abandon(s *domain.IssuanceSession) error {
	unlock := e.locks.Lock(s.State)
	defer unlock()
	if s.Status.Final() {
		return fmt.Errorf("%w: session already %s", domain.ErrInvalidTransition, s.Status)
	}
	s.Fail(domain.ErrAbandoned)
	e.metrics.IncrementIssuance("abandoned")
	return nil
}

// batchSize is min(configured, advertised), 1 when batches are not advertised.
func (e *Engine) batchSize(md *Metadata) int {
	batch := md.Issuer.BatchCredentialIssuance
	if batch == nil || batch.BatchSize < 1 {
		return 1
	}
	return lo.Min([]int{e.cfg.MaxAcceptedBatchSize, batch.BatchSize})
}

func (e *Engine) initialNonce(ctx context.Context, s *domain.IssuanceSession, md *Metadata, rec *domain.TokenRecord) (string, error) {
	if md.Issuer.NonceEndpoint != "" {
		return e.fetchNonce(ctx, md.Issuer.NonceEndpoint)
	}
	if rec.NonceValid(e.clock.Now()) {
		return rec.CNonce, nil
	}
	return "", nil
}

func (e *Engine) fetchNonce(ctx context.Context, endpoint string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: nonce request: %v", domain.ErrNetwork, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", fmt.Errorf("%w: nonce response: %v", domain.ErrNetwork, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: nonce endpoint returned status %d", domain.ErrCredentialRejected, resp.StatusCode)
	}
	nonce := gjson.GetBytes(body, "c_nonce").String()
	if nonce == "" {
		return "", fmt.Errorf("%w: nonce endpoint returned no c_nonce", domain.ErrCredentialRejected)
	}
	return nonce, nil
}

// proofs requests n key proofs concurrently. A proof the key module refuses
// becomes a failed item; a closed channel aborts the whole batch.
func (e *Engine) proofs(ctx context.Context, n int, audience, nonce, format string) ([]string, []CredentialItem, error) {
	results := make([]string, n)
	errs := make([]error, n)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			proof, err := e.signer.GenerateOpenid4vciProof(gctx, audience, nonce, e.cfg.ClientID)
			switch {
			case err != nil && retryable(err):
				return err
			case err != nil:
				errs[i] = err
			case proof == "":
				errs[i] = errors.New("key module returned an empty proof")
			default:
				results[i] = proof
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, fmt.Errorf("proof generation: %w", err)
	}

	proofs := lo.Filter(results, func(p string, _ int) bool { return p != "" })
	var failed []CredentialItem
	for _, err := range errs {
		if err != nil {
			failed = append(failed, CredentialItem{Format: format, Error: "proof generation failed: " + err.Error()})
		}
	}
	if len(proofs) == 0 {
		return nil, nil, fmt.Errorf("%w: no proof could be generated: %v", domain.ErrSigningFailed, errors.Join(errs...))
	}
	return proofs, failed, nil
}

func (e *Engine) credentialItems(ctx context.Context, conf CredentialConfiguration, body []byte) []CredentialItem {
	return lo.Map(parseCredentials(body), func(c string, _ int) CredentialItem {
		item := CredentialItem{Credential: c, Format: conf.Format}
		if c == "" {
			item.Error = "issuer returned an empty credential"
			return item
		}
		if e.verifier != nil {
			item.Trusted = e.verifier.VerifyCredentialTrust(ctx, c)
		}
		return item
	})
}

// hasCredential reports whether any item carries a credential payload
func hasCredential(items []CredentialItem) bool {
	return lo.SomeBy(items, func(it CredentialItem) bool { return it.Credential != "" })
}

type httpResult struct {
	status int
	body   []byte
	header http.Header
}

func (r *httpResult) oauthError() *domain.OAuthError {
	oe := &domain.OAuthError{StatusCode: r.status}
	if err := json.Unmarshal(r.body, oe); err != nil || oe.Code == "" {
		oe.Code = "invalid_response"
	}
	return oe
}

// send POSTs payload to a protected resource with the session's token. A
// DPoP nonce challenge is answered once.
func (e *Engine) send(ctx context.Context, s *domain.IssuanceSession, target string, payload interface{}) (*httpResult, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	var res *httpResult
	for attempt := 0; attempt < 2; attempt++ {
		headers, err := e.tokens.ResourceHeaders(ctx, s, http.MethodPost, target)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
		}
		for k, v := range headers {
			req.Header[k] = v
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err := e.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrNetwork, err)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		_ = resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrNetwork, err)
		}

		res = &httpResult{status: resp.StatusCode, body: body, header: resp.Header}
		tokens.RecordDPoPNonce(s, resp.Header)
		if !tokens.NeedsDPoPNonce(res.status, res.header, res.body) {
			break
		}
	}
	return res, nil
}

// retryable errors leave the session where it can be retried
func retryable(err error) bool {
	return errors.Is(err, domain.ErrNetwork) ||
		errors.Is(err, domain.ErrChannelClosed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// settle rewinds the session to TOKEN_OBTAINED for retryable errors and
// fails it otherwise.
func (e *Engine) settle(s *domain.IssuanceSession, err error) error {
	if retryable(err) {
		if s.Status == domain.StatusCredentialRequested {
			_ = s.Transition(domain.StatusTokenObtained)
		}
		e.logger.Warn("Credential request interrupted", zap.String("state", s.State), zap.Error(err))
		return err
	}
	return e.fail(s, err)
}

func (e *Engine) fail(s *domain.IssuanceSession, err error) error {
	s.Fail(err)
	e.metrics.IncrementIssuance("error")
	e.logger.Warn("Issuance failed", zap.String("state", s.State), zap.Error(err))
	return err
}

// nonceMismatch reports whether the issuer rejected the proof nonce and returns
// the fresh nonce it supplied, if any.
func nonceMismatch(res *httpResult) (bool, string) {
	if res.status < http.StatusBadRequest {
		return false, ""
	}
	fresh := gjson.GetBytes(res.body, "c_nonce").String()
	if fresh == "" {
		fresh = gjson.GetBytes(res.body, "new_nonce").String()
	}
	switch gjson.GetBytes(res.body, "error").String() {
	case "invalid_nonce":
		return true, fresh
	case "invalid_proof":
		return fresh != "", fresh
	}
	return false, ""
}

// parseCredentials accepts {"credentials":[{"credential":...}]},
// {"credentials":[...]} and the single {"credential":...} form.
func parseCredentials(body []byte) []string {
	var out []string
	gjson.GetBytes(body, "credentials").ForEach(func(_, v gjson.Result) bool {
		if v.IsObject() {
			out = append(out, rawString(v.Get("credential")))
		} else {
			out = append(out, rawString(v))
		}
		return true
	})
	if c := gjson.GetBytes(body, "credential"); c.Exists() {
		out = append(out, rawString(c))
	}
	return out
}

func rawString(r gjson.Result) string {
	if r.Type == gjson.String {
		return r.String()
	}
	return r.Raw
}

func serverInterval(body []byte) time.Duration {
	if secs := gjson.GetBytes(body, "interval").Int(); secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
