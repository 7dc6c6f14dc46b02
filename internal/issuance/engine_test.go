package issuance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-wallet-core/internal/domain"
)

type fakeIssuer struct {
	srv *httptest.Server

	mu              sync.Mutex
	credentialCalls int
	deferredCalls   int
	nonceCalls      int
	bodies          []map[string]interface{}

	credential func(n int, body map[string]interface{}) (int, interface{})
	deferred   func(n int) (int, interface{})
}

func newFakeIssuer(t *testing.T) *fakeIssuer {
	t.Helper()
	f := &fakeIssuer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/nonce", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.nonceCalls++
		f.mu.Unlock()
		respond(w, http.StatusOK, map[string]interface{}{"c_nonce": "n1"})
	})
	mux.HandleFunc("/credential", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.credentialCalls++
		n := f.credentialCalls
		f.bodies = append(f.bodies, body)
		handler := f.credential
		f.mu.Unlock()
		status, payload := handler(n, body)
		respond(w, status, payload)
	})
	mux.HandleFunc("/deferred", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.deferredCalls++
		n := f.deferredCalls
		handler := f.deferred
		f.mu.Unlock()
		status, payload := handler(n)
		respond(w, status, payload)
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeIssuer) metadata(batchSize int) *Metadata {
	im := &IssuerMetadata{
		CredentialIssuer:           f.srv.URL,
		CredentialEndpoint:         f.srv.URL + "/credential",
		NonceEndpoint:              f.srv.URL + "/nonce",
		DeferredCredentialEndpoint: f.srv.URL + "/deferred",
		CredentialConfigurationsSupported: map[string]CredentialConfiguration{
			"pid": {
				Format:              "dc+sd-jwt",
				VCT:                 "urn:eudi:pid:1",
				Scope:               "pid",
				ProofTypesSupported: map[string]interface{}{"jwt": map[string]interface{}{}},
			},
			"badge": {Format: "jwt_vc_json"},
		},
	}
	if batchSize > 0 {
		im.BatchCredentialIssuance = &BatchCredentialIssuance{BatchSize: batchSize}
	}
	return &Metadata{
		Issuer: im,
		AuthorizationServer: &AuthorizationServerMetadata{
			Issuer:                        f.srv.URL,
			AuthorizationEndpoint:         f.srv.URL + "/authorize",
			TokenEndpoint:                 f.srv.URL + "/token",
			DPoPSigningAlgValuesSupported: []string{"ES256"},
		},
	}
}

func (f *fakeIssuer) body(i int) map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[i]
}

func (f *fakeIssuer) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.credentialCalls
}

func respond(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type fakeTokens struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *fakeTokens) GetOrRefreshToken(_ context.Context, s *domain.IssuanceSession) (*domain.TokenRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	s.AuthorizationCode = ""
	s.TokenRecord = &domain.TokenRecord{AccessToken: "at", TokenType: "Bearer"}
	return s.TokenRecord, nil
}

func (f *fakeTokens) ResourceHeaders(_ context.Context, s *domain.IssuanceSession, _, _ string) (http.Header, error) {
	if s.TokenRecord == nil {
		return nil, domain.ErrNoTokenAvailable
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+s.TokenRecord.AccessToken)
	return h, nil
}

func (f *fakeTokens) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type fakeProofSigner struct {
	mu     sync.Mutex
	nonces []string
	calls  int
	failAt int
	err    error
}

func (f *fakeProofSigner) GenerateOpenid4vciProof(_ context.Context, audience, nonce, issuer string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.nonces = append(f.nonces, nonce)
	if f.err != nil && (f.failAt == 0 || f.failAt == f.calls) {
		return "", f.err
	}
	return fmt.Sprintf("proof.%s.%s.%d", issuer, nonce, f.calls), nil
}

func (f *fakeProofSigner) seenNonces() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.nonces...)
}

type fakeVerifier struct{ trusted bool }

func (f fakeVerifier) VerifyCredentialTrust(context.Context, string) bool { return f.trusted }

func newTestEngine(t *testing.T, md *Metadata, tm TokenManager, signer ProofSigner, opts ...Option) *Engine {
	t.Helper()
	return NewEngine(Config{
		ClientID:             "wallet-client",
		RedirectURI:          "https://wallet.example.com/cb",
		MaxAcceptedBatchSize: 3,
		DeferredPollInterval: 10 * time.Millisecond,
		DeferredMaxLifetime:  time.Second,
	}, staticMetadata{md: md}, tm, signer, zap.NewNop(), opts...)
}

func obtainedSession(configID string) *domain.IssuanceSession {
	s := domain.NewIssuanceSession("user-1", "https://issuer.example.com", "state-"+configID, configID, time.Now())
	s.Status = domain.StatusTokenObtained
	s.TokenRecord = &domain.TokenRecord{AccessToken: "at"}
	return s
}

func issuedResponse(n int) map[string]interface{} {
	creds := make([]map[string]interface{}, n)
	for i := range creds {
		creds[i] = map[string]interface{}{"credential": fmt.Sprintf("eyJ.cred%d~", i)}
	}
	return map[string]interface{}{"credentials": creds, "notification_id": "notif-1"}
}

func TestStartAuthorization(t *testing.T) {
	f := newFakeIssuer(t)
	md := f.metadata(0)
	md.Issuer.AuthorizationServers = []string{f.srv.URL}
	e := newTestEngine(t, md, &fakeTokens{}, &fakeProofSigner{})

	s, authURL, err := e.StartAuthorization(context.Background(), "user-1", f.srv.URL, "pid", WithIssuerState("offer-state"))
	require.NoError(t, err)

	assert.Equal(t, domain.StatusAuthorizing, s.Status)
	assert.NotEmpty(t, s.State)
	assert.NotEmpty(t, s.CodeVerifier)
	require.NotNil(t, s.DPoP)
	assert.Equal(t, "ES256", s.DPoP.Algorithm)
	assert.NotEmpty(t, s.DPoP.KeyRef)

	u, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.Equal(t, "/authorize", u.Path)
	q := u.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "wallet-client", q.Get("client_id"))
	assert.Equal(t, "https://wallet.example.com/cb", q.Get("redirect_uri"))
	assert.Equal(t, s.State, q.Get("state"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.Equal(t, "pid", q.Get("scope"))
	assert.Equal(t, "offer-state", q.Get("issuer_state"))

	var details []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(q.Get("authorization_details")), &details))
	require.Len(t, details, 1)
	assert.Equal(t, "openid_credential", details[0]["type"])
	assert.Equal(t, "pid", details[0]["credential_configuration_id"])
	assert.Equal(t, []interface{}{f.srv.URL}, details[0]["locations"])
}

func TestStartAuthorization_DPoPFollowsServerMetadata(t *testing.T) {
	f := newFakeIssuer(t)

	tests := []struct {
		name    string
		algs    []string
		wantAlg string
	}{
		{"not advertised", nil, ""},
		{"configured alg listed", []string{"EdDSA", "ES256"}, "ES256"},
		{"configured alg not listed", []string{"ES384", "EdDSA"}, "ES384"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			md := f.metadata(0)
			md.AuthorizationServer.DPoPSigningAlgValuesSupported = tt.algs
			e := newTestEngine(t, md, &fakeTokens{}, &fakeProofSigner{})

			s, _, err := e.StartAuthorization(context.Background(), "user-1", f.srv.URL, "pid")
			require.NoError(t, err)
			if tt.wantAlg == "" {
				assert.Nil(t, s.DPoP)
				return
			}
			require.NotNil(t, s.DPoP)
			assert.Equal(t, tt.wantAlg, s.DPoP.Algorithm)
		})
	}
}

func TestStartAuthorization_UniqueSessions(t *testing.T) {
	f := newFakeIssuer(t)
	e := newTestEngine(t, f.metadata(0), &fakeTokens{}, &fakeProofSigner{})

	a, _, err := e.StartAuthorization(context.Background(), "user-1", f.srv.URL, "pid")
	require.NoError(t, err)
	b, _, err := e.StartAuthorization(context.Background(), "user-1", f.srv.URL, "pid")
	require.NoError(t, err)

	assert.NotEqual(t, a.State, b.State)
	assert.NotEqual(t, a.CodeVerifier, b.CodeVerifier)
	assert.NotEqual(t, a.DPoP.KeyRef, b.DPoP.KeyRef)
}

func TestStartAuthorization_ConfigurationErrors(t *testing.T) {
	f := newFakeIssuer(t)

	e := newTestEngine(t, f.metadata(0), &fakeTokens{}, &fakeProofSigner{})
	_, _, err := e.StartAuthorization(context.Background(), "user-1", f.srv.URL, "unknown")
	assert.ErrorIs(t, err, domain.ErrConfiguration)

	md := f.metadata(0)
	md.AuthorizationServer.AuthorizationEndpoint = ""
	e = newTestEngine(t, md, &fakeTokens{}, &fakeProofSigner{})
	_, _, err = e.StartAuthorization(context.Background(), "user-1", f.srv.URL, "pid")
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestCompleteAuthorization(t *testing.T) {
	f := newFakeIssuer(t)

	t.Run("success", func(t *testing.T) {
		e := newTestEngine(t, f.metadata(0), &fakeTokens{}, &fakeProofSigner{})
		s, _, err := e.StartAuthorization(context.Background(), "user-1", f.srv.URL, "pid")
		require.NoError(t, err)

		require.NoError(t, e.CompleteAuthorization(context.Background(), s, "code-1"))
		assert.Equal(t, domain.StatusTokenObtained, s.Status)
		assert.Empty(t, s.AuthorizationCode)
	})

	t.Run("network failure can be retried", func(t *testing.T) {
		tm := &fakeTokens{err: fmt.Errorf("%w: connection reset", domain.ErrNetwork)}
		e := newTestEngine(t, f.metadata(0), tm, &fakeProofSigner{})
		s, _, err := e.StartAuthorization(context.Background(), "user-1", f.srv.URL, "pid")
		require.NoError(t, err)

		err = e.CompleteAuthorization(context.Background(), s, "code-1")
		assert.ErrorIs(t, err, domain.ErrNetwork)
		assert.Equal(t, domain.StatusTokenPending, s.Status)

		tm.setErr(nil)
		require.NoError(t, e.CompleteAuthorization(context.Background(), s, "code-1"))
		assert.Equal(t, domain.StatusTokenObtained, s.Status)
	})

	t.Run("rejected grant fails the session", func(t *testing.T) {
		tm := &fakeTokens{err: fmt.Errorf("%w: %w", domain.ErrTokenRejected,
			&domain.OAuthError{StatusCode: 400, Code: "invalid_grant"})}
		e := newTestEngine(t, f.metadata(0), tm, &fakeProofSigner{})
		s, _, err := e.StartAuthorization(context.Background(), "user-1", f.srv.URL, "pid")
		require.NoError(t, err)

		err = e.CompleteAuthorization(context.Background(), s, "code-1")
		assert.ErrorIs(t, err, domain.ErrAuthorizationFailed)
		var oe *domain.OAuthError
		require.True(t, errors.As(err, &oe))
		assert.Equal(t, "invalid_grant", oe.Code)
		assert.Equal(t, domain.StatusError, s.Status)
	})

	t.Run("wrong state", func(t *testing.T) {
		e := newTestEngine(t, f.metadata(0), &fakeTokens{}, &fakeProofSigner{})
		err := e.CompleteAuthorization(context.Background(), obtainedSession("pid"), "code-1")
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	})
}

func TestRequestCredential_IssuedBatch(t *testing.T) {
	f := newFakeIssuer(t)
	f.credential = func(_ int, body map[string]interface{}) (int, interface{}) {
		proofs := body["proofs"].(map[string]interface{})["jwt"].([]interface{})
		return http.StatusOK, issuedResponse(len(proofs))
	}
	signer := &fakeProofSigner{}
	e := newTestEngine(t, f.metadata(5), &fakeTokens{}, signer, WithVerifier(fakeVerifier{trusted: true}))

	s := obtainedSession("pid")
	outcome, err := e.RequestCredential(context.Background(), s)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusIssued, s.Status)
	assert.Equal(t, domain.StatusIssued, outcome.Status)
	assert.Equal(t, "notif-1", outcome.NotificationID)
	require.Len(t, outcome.Items, 3)
	for _, item := range outcome.Items {
		assert.True(t, item.Trusted)
		assert.Equal(t, "dc+sd-jwt", item.Format)
		assert.Empty(t, item.Error)
	}

	body := f.body(0)
	assert.Equal(t, "pid", body["credential_configuration_id"])
	assert.Len(t, body["proofs"].(map[string]interface{})["jwt"], 3)
	assert.Equal(t, []string{"n1", "n1", "n1"}, signer.seenNonces())
}

func TestRequestCredential_BatchSize(t *testing.T) {
	tests := []struct {
		name       string
		advertised int
		configured int
		want       int
	}{
		{"not advertised", 0, 3, 1},
		{"issuer smaller", 2, 3, 2},
		{"wallet smaller", 10, 3, 3},
		{"equal", 3, 3, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeIssuer(t)
			e := newTestEngine(t, f.metadata(tt.advertised), &fakeTokens{}, &fakeProofSigner{})
			e.cfg.MaxAcceptedBatchSize = tt.configured
			assert.Equal(t, tt.want, e.batchSize(f.metadata(tt.advertised)))
		})
	}
}

func TestRequestCredential_NonceRetry(t *testing.T) {
	f := newFakeIssuer(t)
	f.credential = func(n int, _ map[string]interface{}) (int, interface{}) {
		if n == 1 {
			return http.StatusBadRequest, map[string]interface{}{"error": "invalid_nonce", "c_nonce": "n2"}
		}
		return http.StatusOK, issuedResponse(1)
	}
	signer := &fakeProofSigner{}
	e := newTestEngine(t, f.metadata(0), &fakeTokens{}, signer)

	s := obtainedSession("pid")
	outcome, err := e.RequestCredential(context.Background(), s)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusIssued, outcome.Status)
	assert.Equal(t, 2, f.calls())
	assert.Equal(t, []string{"n1", "n2"}, signer.seenNonces())
}

func TestRequestCredential_NonceRetryOnlyOnce(t *testing.T) {
	f := newFakeIssuer(t)
	f.credential = func(n int, _ map[string]interface{}) (int, interface{}) {
		return http.StatusBadRequest, map[string]interface{}{
			"error":   "invalid_proof",
			"c_nonce": fmt.Sprintf("n%d", n+1),
		}
	}
	signer := &fakeProofSigner{}
	e := newTestEngine(t, f.metadata(0), &fakeTokens{}, signer)

	s := obtainedSession("pid")
	_, err := e.RequestCredential(context.Background(), s)
	assert.ErrorIs(t, err, domain.ErrNonceMismatch)
	assert.Equal(t, domain.StatusError, s.Status)
	assert.Equal(t, 2, f.calls())
	assert.Equal(t, []string{"n1", "n2"}, signer.seenNonces())
}

func TestRequestCredential_NonceFromEndpointOnRetry(t *testing.T) {
	f := newFakeIssuer(t)
	f.credential = func(n int, _ map[string]interface{}) (int, interface{}) {
		if n == 1 {
			return http.StatusBadRequest, map[string]interface{}{"error": "invalid_nonce"}
		}
		return http.StatusOK, issuedResponse(1)
	}
	e := newTestEngine(t, f.metadata(0), &fakeTokens{}, &fakeProofSigner{})

	_, err := e.RequestCredential(context.Background(), obtainedSession("pid"))
	require.NoError(t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, 2, f.nonceCalls)
}

func TestRequestCredential_Deferred(t *testing.T) {
	f := newFakeIssuer(t)
	f.credential = func(int, map[string]interface{}) (int, interface{}) {
		return http.StatusAccepted, map[string]interface{}{"transaction_id": "tx-1", "interval": 7}
	}
	e := newTestEngine(t, f.metadata(0), &fakeTokens{}, &fakeProofSigner{})

	s := obtainedSession("pid")
	outcome, err := e.RequestCredential(context.Background(), s)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusDeferred, s.Status)
	assert.Equal(t, "tx-1", s.TransactionID)
	assert.False(t, s.DeferredAt.IsZero())
	assert.Equal(t, "tx-1", outcome.TransactionID)
	assert.Equal(t, 7*time.Second, outcome.Interval)
}

func TestRequestCredential_Rejected(t *testing.T) {
	f := newFakeIssuer(t)
	f.credential = func(int, map[string]interface{}) (int, interface{}) {
		return http.StatusBadRequest, map[string]interface{}{
			"error":             "invalid_credential_request",
			"error_description": "unsupported configuration",
		}
	}
	e := newTestEngine(t, f.metadata(0), &fakeTokens{}, &fakeProofSigner{})

	s := obtainedSession("pid")
	_, err := e.RequestCredential(context.Background(), s)
	assert.ErrorIs(t, err, domain.ErrCredentialRejected)
	var oe *domain.OAuthError
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, "invalid_credential_request", oe.Code)
	assert.Equal(t, domain.StatusError, s.Status)
	assert.NotEmpty(t, s.LastError)
}

func TestRequestCredential_EmptyCredentialRejected(t *testing.T) {
	bodies := map[string]interface{}{
		"single":      map[string]interface{}{"credential": ""},
		"array":       map[string]interface{}{"credentials": []interface{}{map[string]interface{}{"credential": ""}}},
		"empty array": map[string]interface{}{"credentials": []interface{}{}},
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			f := newFakeIssuer(t)
			f.credential = func(int, map[string]interface{}) (int, interface{}) {
				return http.StatusOK, body
			}
			e := newTestEngine(t, f.metadata(0), &fakeTokens{}, &fakeProofSigner{})

			s := obtainedSession("pid")
			outcome, err := e.RequestCredential(context.Background(), s)
			assert.ErrorIs(t, err, domain.ErrCredentialRejected)
			assert.Nil(t, outcome)
			assert.Equal(t, domain.StatusError, s.Status)
		})
	}
}

func TestRequestCredential_PartialProofFailure(t *testing.T) {
	f := newFakeIssuer(t)
	f.credential = func(_ int, body map[string]interface{}) (int, interface{}) {
		proofs := body["proofs"].(map[string]interface{})["jwt"].([]interface{})
		return http.StatusOK, issuedResponse(len(proofs))
	}
	signer := &fakeProofSigner{failAt: 2, err: fmt.Errorf("%w: key locked", domain.ErrSigningFailed)}
	e := newTestEngine(t, f.metadata(3), &fakeTokens{}, signer)

	outcome, err := e.RequestCredential(context.Background(), obtainedSession("pid"))
	require.NoError(t, err)
	require.Len(t, outcome.Items, 3)

	var failed int
	for _, item := range outcome.Items {
		if item.Error != "" {
			failed++
			assert.Empty(t, item.Credential)
		}
	}
	assert.Equal(t, 1, failed)
	assert.Len(t, f.body(0)["proofs"].(map[string]interface{})["jwt"], 2)
}

func TestRequestCredential_ChannelClosed(t *testing.T) {
	f := newFakeIssuer(t)
	signer := &fakeProofSigner{err: fmt.Errorf("signing: %w", domain.ErrChannelClosed)}
	e := newTestEngine(t, f.metadata(0), &fakeTokens{}, signer)

	s := obtainedSession("pid")
	_, err := e.RequestCredential(context.Background(), s)
	assert.ErrorIs(t, err, domain.ErrChannelClosed)
	assert.Equal(t, domain.StatusTokenObtained, s.Status)
	assert.Equal(t, 0, f.calls())
}

func TestRequestCredential_NetworkFailureRewinds(t *testing.T) {
	f := newFakeIssuer(t)
	md := f.metadata(0)
	md.Issuer.CredentialEndpoint = "http://127.0.0.1:1/credential"
	e := newTestEngine(t, md, &fakeTokens{}, &fakeProofSigner{})

	s := obtainedSession("pid")
	_, err := e.RequestCredential(context.Background(), s)
	assert.ErrorIs(t, err, domain.ErrNetwork)
	assert.Equal(t, domain.StatusTokenObtained, s.Status)
}

func TestRequestCredential_WithoutProof(t *testing.T) {
	f := newFakeIssuer(t)
	f.credential = func(int, map[string]interface{}) (int, interface{}) {
		return http.StatusOK, map[string]interface{}{"credential": "eyJ.badge"}
	}
	signer := &fakeProofSigner{}
	e := newTestEngine(t, f.metadata(0), &fakeTokens{}, signer)

	outcome, err := e.RequestCredential(context.Background(), obtainedSession("badge"))
	require.NoError(t, err)
	require.Len(t, outcome.Items, 1)
	assert.Equal(t, "eyJ.badge", outcome.Items[0].Credential)
	assert.NotContains(t, f.body(0), "proofs")
	assert.Empty(t, signer.seenNonces())
}

func TestRequestCredential_WrongState(t *testing.T) {
	f := newFakeIssuer(t)
	e := newTestEngine(t, f.metadata(0), &fakeTokens{}, &fakeProofSigner{})

	s := obtainedSession("pid")
	s.Status = domain.StatusAuthorizing
	_, err := e.RequestCredential(context.Background(), s)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Equal(t, domain.StatusAuthorizing, s.Status)
}

func TestFinishAndAbandon(t *testing.T) {
	f := newFakeIssuer(t)
	e := newTestEngine(t, f.metadata(0), &fakeTokens{}, &fakeProofSigner{})

	s := obtainedSession("pid")
	s.Status = domain.StatusIssued
	require.NoError(t, e.Finish(s))
	assert.Equal(t, domain.StatusTerminal, s.Status)
	assert.ErrorIs(t, e.Abandon(s), domain.ErrInvalidTransition)

	s = obtainedSession("pid")
	assert.ErrorIs(t, e.Finish(s), domain.ErrInvalidTransition)
	require.NoError(t, e.Abandon(s))
	assert.Equal(t, domain.StatusError, s.Status)
	assert.Equal(t, domain.ErrAbandoned.Error(), s.LastError)
}

func TestParseCredentials(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []string
	}{
		{"objects", `{"credentials":[{"credential":"a"},{"credential":"b"}]}`, []string{"a", "b"}},
		{"strings", `{"credentials":["a","b"]}`, []string{"a", "b"}},
		{"single", `{"credential":"a"}`, []string{"a"}},
		{"json credential", `{"credential":{"k":1}}`, []string{`{"k":1}`}},
		{"none", `{"transaction_id":"tx"}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseCredentials([]byte(tt.body)))
		})
	}
}
