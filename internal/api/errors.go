package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sirosfoundation/go-wallet-core/internal/domain"
	"github.com/sirosfoundation/go-wallet-core/internal/storage"
)

// errorResponse is the body of every failed request
type errorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
	OAuthError  string `json:"oauth_error,omitempty"`
}

// statusFor maps the engine error taxonomy to HTTP status codes
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, domain.ErrAuthorizationFailed), errors.Is(err, domain.ErrTokenRejected),
		errors.Is(err, domain.ErrNoTokenAvailable):
		return http.StatusUnauthorized, "authorization_failed"
	case errors.Is(err, domain.ErrInvalidAttestation):
		return http.StatusForbidden, "invalid_attestation"
	case errors.Is(err, domain.ErrUnsupportedTransactionDataType):
		return http.StatusUnprocessableEntity, "unsupported_transaction_data_type"
	case errors.Is(err, domain.ErrMalformedRequest):
		return http.StatusBadRequest, "malformed_request"
	case errors.Is(err, domain.ErrConfiguration):
		return http.StatusBadRequest, "configuration_error"
	case errors.Is(err, domain.ErrDeferredTransactionExpired):
		return http.StatusGone, "deferred_transaction_expired"
	case errors.Is(err, domain.ErrCredentialRejected), errors.Is(err, domain.ErrNonceMismatch):
		return http.StatusBadGateway, "credential_rejected"
	case errors.Is(err, domain.ErrNetwork):
		return http.StatusBadGateway, "network_error"
	case errors.Is(err, domain.ErrChannelClosed), errors.Is(err, domain.ErrSigningFailed):
		return http.StatusServiceUnavailable, "signing_unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, context.Canceled):
		return 499, "cancelled"
	}
	return http.StatusInternalServerError, "internal_error"
}

// writeError answers with the mapped status. Internal errors get no description.
func writeError(c *gin.Context, err error) {
	status, code := statusFor(err)
	_ = c.Error(err)

	resp := errorResponse{Error: code}
	if status != http.StatusInternalServerError {
		resp.Description = err.Error()
	}
	var oauthErr *domain.OAuthError
	if errors.As(err, &oauthErr) {
		resp.OAuthError = oauthErr.Code
	}
	c.AbortWithStatusJSON(status, resp)
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: "invalid_body", Description: err.Error()})
}
