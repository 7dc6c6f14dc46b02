package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-wallet-core/internal/domain"
	"github.com/sirosfoundation/go-wallet-core/internal/issuance"
	"github.com/sirosfoundation/go-wallet-core/internal/storage"
)

// StartIssuanceRequest starts an authorization code flow
type StartIssuanceRequest struct {
	UserHandle                string `json:"user_handle" binding:"required"`
	Issuer                    string `json:"issuer" binding:"required"`
	CredentialConfigurationID string `json:"credential_configuration_id" binding:"required"`
	IssuerState               string `json:"issuer_state,omitempty"`
}

// StartIssuanceResponse carries the URL the UI sends the user to
type StartIssuanceResponse struct {
	State            string `json:"state"`
	AuthorizationURL string `json:"authorization_url"`
}

// CallbackRequest delivers the authorization response
type CallbackRequest struct {
	State            string `json:"state" form:"state" binding:"required"`
	Code             string `json:"code" form:"code"`
	Error            string `json:"error" form:"error"`
	ErrorDescription string `json:"error_description" form:"error_description"`
}

// SessionResponse describes a stored issuance session
type SessionResponse struct {
	State                     string               `json:"state"`
	Status                    domain.SessionStatus `json:"status"`
	Issuer                    string               `json:"issuer"`
	CredentialConfigurationID string               `json:"credential_configuration_id"`
	TransactionID             string               `json:"transaction_id,omitempty"`
	LastError                 string               `json:"last_error,omitempty"`
	CreatedAt                 time.Time            `json:"created_at"`
}

// StartIssuance handles POST /issuance/start
func (h *Handlers) StartIssuance(c *gin.Context) {
	var req StartIssuanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	var opts []issuance.StartOption
	if req.IssuerState != "" {
		opts = append(opts, issuance.WithIssuerState(req.IssuerState))
	}

	ctx := c.Request.Context()
	s, authURL, err := h.issuance.StartAuthorization(ctx, req.UserHandle, req.Issuer, req.CredentialConfigurationID, opts...)
	if err != nil {
		h.logger.Warn("Failed to start issuance", zap.String("issuer", req.Issuer), zap.Error(err))
		writeError(c, err)
		return
	}
	if err := h.persist(ctx, s, nil); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, StartIssuanceResponse{State: s.State, AuthorizationURL: authURL})
}

// IssuanceCallback handles the authorization response, as a browser redirect
// (GET with query) or posted by the UI (POST JSON). It exchanges the code and
// requests the credential. A session left in TOKEN_OBTAINED by a transient
// failure is retried without a code.
func (h *Handlers) IssuanceCallback(c *gin.Context) {
	var req CallbackRequest
	var err error
	if c.Request.Method == http.MethodGet {
		err = c.ShouldBindQuery(&req)
	} else {
		err = c.ShouldBindJSON(&req)
	}
	if err != nil {
		badRequest(c, err)
		return
	}

	ctx := c.Request.Context()
	unlock := h.sessions.Lock(storage.IssuanceKey(req.State))
	defer unlock()

	s, err := h.loadSession(ctx, req.State)
	if err != nil {
		writeError(c, err)
		return
	}

	if req.Error != "" {
		if err := h.issuance.Abandon(s); err != nil {
			writeError(c, err)
			return
		}
		oauthErr := &domain.OAuthError{StatusCode: http.StatusBadRequest, Code: req.Error, Description: req.ErrorDescription}
		writeError(c, h.persist(ctx, s, fmt.Errorf("%w: %w", domain.ErrAuthorizationFailed, oauthErr)))
		return
	}

	if s.Status != domain.StatusTokenObtained {
		if err := h.issuance.CompleteAuthorization(ctx, s, req.Code); err != nil {
			writeError(c, h.persist(ctx, s, err))
			return
		}
	}

	outcome, err := h.issuance.RequestCredential(ctx, s)
	if err != nil {
		writeError(c, h.persist(ctx, s, err))
		return
	}
	h.deliver(c, s, outcome)
}

// PollDeferred handles POST /issuance/:state/deferred. It blocks until the
// deferred credential arrives, the transaction fails or the client goes away.
// Other mutations of the session wait for the poll to end.
func (h *Handlers) PollDeferred(c *gin.Context) {
	ctx := c.Request.Context()
	unlock := h.sessions.Lock(storage.IssuanceKey(c.Param("state")))
	defer unlock()

	s, err := h.loadSession(ctx, c.Param("state"))
	if err != nil {
		writeError(c, err)
		return
	}

	task := h.issuance.StartDeferredPolling(ctx, s)
	outcome, err := task.Wait(ctx)
	if err != nil {
		task.Cancel()
		<-task.Done()
		writeError(c, h.persist(ctx, s, err))
		return
	}
	h.deliver(c, s, outcome)
}

// deliver closes an issued session and answers with the outcome
func (h *Handlers) deliver(c *gin.Context, s *domain.IssuanceSession, outcome *issuance.IssuanceOutcome) {
	if outcome.Status == domain.StatusIssued {
		if err := h.issuance.Finish(s); err != nil {
			writeError(c, err)
			return
		}
	}
	if err := h.persist(c.Request.Context(), s, nil); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

// GetSession handles GET /issuance/:state
func (h *Handlers) GetSession(c *gin.Context) {
	s, err := h.loadSession(c.Request.Context(), c.Param("state"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, SessionResponse{
		State:                     s.State,
		Status:                    s.Status,
		Issuer:                    s.Issuer,
		CredentialConfigurationID: s.CredentialConfigurationID,
		TransactionID:             s.TransactionID,
		LastError:                 s.LastError,
		CreatedAt:                 s.CreatedAt,
	})
}

// AbandonSession handles DELETE /issuance/:state
func (h *Handlers) AbandonSession(c *gin.Context) {
	ctx := c.Request.Context()
	unlock := h.sessions.Lock(storage.IssuanceKey(c.Param("state")))
	defer unlock()

	s, err := h.loadSession(ctx, c.Param("state"))
	if err != nil {
		writeError(c, err)
		return
	}
	if err := h.issuance.Abandon(s); err != nil {
		writeError(c, err)
		return
	}
	if err := h.persist(ctx, s, nil); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
