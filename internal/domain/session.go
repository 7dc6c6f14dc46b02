package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// SessionStatus is the issuance state machine state.
type SessionStatus string

const (
	StatusInit                SessionStatus = "INIT"
	StatusAuthorizing         SessionStatus = "AUTHORIZING"
	StatusTokenPending        SessionStatus = "TOKEN_PENDING"
	StatusTokenObtained       SessionStatus = "TOKEN_OBTAINED"
	StatusCredentialRequested SessionStatus = "CREDENTIAL_REQUESTED"
	StatusDeferred            SessionStatus = "DEFERRED"
	StatusIssued              SessionStatus = "ISSUED"
	StatusTerminal            SessionStatus = "TERMINAL"
	StatusError               SessionStatus = "ERROR"
)

var transitions = map[SessionStatus][]SessionStatus{
	StatusInit:                {StatusAuthorizing},
	StatusAuthorizing:         {StatusTokenPending},
	StatusTokenPending:        {StatusTokenObtained},
	StatusTokenObtained:       {StatusCredentialRequested},
	StatusCredentialRequested: {StatusIssued, StatusDeferred, StatusTokenObtained},
	StatusDeferred:            {StatusIssued},
	StatusIssued:              {StatusTerminal},
}

// Final reports whether no further transition is possible.
func (s SessionStatus) Final() bool {
	return s == StatusTerminal || s == StatusError
}

// CanTransition reports whether moving from s to next is allowed.
// ERROR is reachable from every non-final state.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	if s.Final() {
		return false
	}
	if next == StatusError {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// DPoPContext binds a session to one key pair held by the key module.
type DPoPContext struct {
	KeyRef    string `json:"key_ref"`
	JTI       string `json:"jti"`
	Algorithm string `json:"alg"`
}

// TokenRecord is the token state kept on a session after a token exchange.
type TokenRecord struct {
	AccessToken     string    `json:"access_token"`
	TokenType       string    `json:"token_type,omitempty"`
	ExpiresAt       time.Time `json:"expires_at"`
	CNonce          string    `json:"c_nonce,omitempty"`
	CNonceExpiresAt time.Time `json:"c_nonce_expiry,omitempty"`
	RefreshToken    string    `json:"refresh_token,omitempty"`
}

// Valid reports whether the access token is still usable at now, allowing skew.
func (r *TokenRecord) Valid(now time.Time, skew time.Duration) bool {
	if r == nil || r.AccessToken == "" {
		return false
	}
	if r.ExpiresAt.IsZero() {
		return true
	}
	return now.Add(skew).Before(r.ExpiresAt)
}

// NonceValid reports whether the c_nonce can still be used at now.
func (r *TokenRecord) NonceValid(now time.Time) bool {
	if r == nil || r.CNonce == "" {
		return false
	}
	return r.CNonceExpiresAt.IsZero() || now.Before(r.CNonceExpiresAt)
}

// AccessToken is a token endpoint response. It is never mutated; a later
// token supersedes it.
type AccessToken struct {
	Token           string `json:"access_token"`
	TokenType       string `json:"token_type,omitempty"`
	ExpiresIn       int    `json:"expires_in,omitempty"`
	CNonce          string `json:"c_nonce,omitempty"`
	CNonceExpiresIn int    `json:"c_nonce_expires_in,omitempty"`
	RefreshToken    string `json:"refresh_token,omitempty"`
}

// Record converts the token into session state issued at now. A refresh
// token that the server did not rotate is carried over from prev.
func (t AccessToken) Record(now time.Time, prev *TokenRecord) *TokenRecord {
	rec := &TokenRecord{
		AccessToken:  t.Token,
		TokenType:    t.TokenType,
		CNonce:       t.CNonce,
		RefreshToken: t.RefreshToken,
	}
	if t.ExpiresIn > 0 {
		rec.ExpiresAt = now.Add(time.Duration(t.ExpiresIn) * time.Second)
	}
	if t.CNonce != "" && t.CNonceExpiresIn > 0 {
		rec.CNonceExpiresAt = now.Add(time.Duration(t.CNonceExpiresIn) * time.Second)
	}
	if rec.RefreshToken == "" && prev != nil {
		rec.RefreshToken = prev.RefreshToken
	}
	return rec
}

// IssuanceSession is the serializable state of one issuance flow.
type IssuanceSession struct {
	UserHandle                string        `json:"user_handle"`
	Issuer                    string        `json:"issuer"`
	State                     string        `json:"state"`
	CodeVerifier              string        `json:"code_verifier"`
	CredentialConfigurationID string        `json:"credential_configuration_id"`
	Status                    SessionStatus `json:"status"`
	TokenRecord               *TokenRecord  `json:"token_record,omitempty"`
	DPoP                      *DPoPContext  `json:"dpop_context,omitempty"`
	AuthorizationCode         string        `json:"authorization_code,omitempty"`
	RedirectURI               string        `json:"redirect_uri,omitempty"`
	DPoPNonce                 string        `json:"dpop_nonce,omitempty"`
	TransactionID             string        `json:"transaction_id,omitempty"`
	DeferredAt                time.Time     `json:"deferred_at,omitempty"`
	LastError                 string        `json:"last_error,omitempty"`
	CreatedAt                 time.Time     `json:"created_at"`
}

// NewIssuanceSession returns a session in INIT.
func NewIssuanceSession(userHandle, issuer, state, configurationID string, now time.Time) *IssuanceSession {
	return &IssuanceSession{
		UserHandle:                userHandle,
		Issuer:                    issuer,
		State:                     state,
		CredentialConfigurationID: configurationID,
		Status:                    StatusInit,
		CreatedAt:                 now,
	}
}

// Transition moves the session to next or fails with ErrInvalidTransition.
func (s *IssuanceSession) Transition(next SessionStatus) error {
	if !s.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, next)
	}
	s.Status = next
	return nil
}

// Fail moves the session to ERROR and records cause. Final sessions are left as is.
func (s *IssuanceSession) Fail(cause error) {
	if s.Status.Final() {
		return
	}
	s.Status = StatusError
	if cause != nil {
		s.LastError = cause.Error()
	}
}

// SetDPoPContext binds the session key. The binding cannot change afterwards.
func (s *IssuanceSession) SetDPoPContext(c DPoPContext) error {
	if s.DPoP != nil {
		return ErrDPoPContextSet
	}
	s.DPoP = &c
	return nil
}

// SetToken replaces the token record with tok issued at now.
func (s *IssuanceSession) SetToken(tok AccessToken, now time.Time) {
	s.TokenRecord = tok.Record(now, s.TokenRecord)
}

// SerializeSession encodes a session as an opaque blob.
func SerializeSession(s *IssuanceSession) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to serialize session: %w", err)
	}
	return string(data), nil
}

// DeserializeSession decodes a blob produced by SerializeSession.
func DeserializeSession(blob string) (*IssuanceSession, error) {
	var s IssuanceSession
	if err := json.Unmarshal([]byte(blob), &s); err != nil {
		return nil, fmt.Errorf("failed to deserialize session: %w", err)
	}
	if s.State == "" {
		return nil, fmt.Errorf("failed to deserialize session: missing state")
	}
	if s.Status == "" {
		s.Status = StatusInit
	}
	return &s, nil
}
