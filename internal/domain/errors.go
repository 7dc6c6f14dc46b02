package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the protocol engines. Callers match with errors.Is;
// engines wrap these with context using fmt.Errorf("...: %w", ...).
var (
	// ErrConfiguration indicates bad or missing issuer metadata. Not retried.
	ErrConfiguration = errors.New("configuration error")
	// ErrAuthorizationFailed indicates the authorization server rejected the
	// authorization grant. The session moves to ERROR.
	ErrAuthorizationFailed = errors.New("authorization failed")
	// ErrTokenRejected indicates a protocol-level rejection at the token endpoint.
	ErrTokenRejected = errors.New("token rejected")
	// ErrNetwork indicates a transport failure. Callers may retry.
	ErrNetwork = errors.New("network error")
	// ErrNonceMismatch is returned after the single nonce renegotiation failed.
	ErrNonceMismatch = errors.New("nonce mismatch")
	// ErrDeferredTransactionExpired indicates the deferred lifetime was exceeded.
	ErrDeferredTransactionExpired = errors.New("deferred transaction expired")
	// ErrMalformedRequest indicates an invalid presentation request.
	ErrMalformedRequest = errors.New("malformed request")
	// ErrUnsupportedTransactionDataType indicates an unknown transaction data type tag.
	ErrUnsupportedTransactionDataType = errors.New("unsupported transaction data type")
	// ErrInvalidAttestation indicates a verifier attestation failed verification.
	ErrInvalidAttestation = errors.New("invalid attestation")
	// ErrChannelClosed indicates the signing channel closed with the request outstanding.
	ErrChannelClosed = errors.New("signing channel closed")
	// ErrNoTokenAvailable indicates there is neither a token, a refresh token nor a pending code.
	ErrNoTokenAvailable = errors.New("no token available")

	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrCredentialRejected = errors.New("credential request rejected")
	ErrAbandoned          = errors.New("flow abandoned")
	ErrSigningFailed      = errors.New("signing failed")
	ErrDPoPContextSet     = errors.New("dpop context already set")
)

// OAuthError carries an OAuth 2.0 style error response body.
type OAuthError struct {
	StatusCode  int    `json:"-"`
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e *OAuthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s (status %d): %s", e.Code, e.StatusCode, e.Description)
	}
	return fmt.Sprintf("%s (status %d)", e.Code, e.StatusCode)
}
