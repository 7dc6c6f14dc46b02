package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-wallet-core/internal/domain"
	"github.com/sirosfoundation/go-wallet-core/internal/presentation"
	"github.com/sirosfoundation/go-wallet-core/internal/storage"
)

// ParseRequestBody carries a raw presentation request
type ParseRequestBody struct {
	Request string `json:"request" binding:"required"`
}

// ParseResponse is the parsed request together with the verifier evaluation
type ParseResponse struct {
	ID              string                               `json:"id"`
	Request         *domain.PresentationRequestContext   `json:"request"`
	TransactionData []domain.TransactionDataRequest      `json:"transaction_data,omitempty"`
	Verifier        *presentation.VerifierEvaluation     `json:"verifier"`
	Submission      *presentation.PresentationSubmission `json:"presentation_submission,omitempty"`
}

// TransactionDataBody selects the credential descriptor to bind
type TransactionDataBody struct {
	ID           string `json:"id" binding:"required"`
	DescriptorID string `json:"descriptor_id" binding:"required"`
}

// SubmitBody completes a parsed request. Either VPToken carries a finished
// vp_token or Credentials are signed into one presentation.
type SubmitBody struct {
	ID          string   `json:"id" binding:"required"`
	Credentials []string `json:"credentials,omitempty"`
	VPToken     string   `json:"vp_token,omitempty"`
}

// SubmitResponse reports where the UI continues
type SubmitResponse struct {
	RedirectURI string `json:"redirect_uri,omitempty"`
}

// ParsePresentationRequest handles POST /presentation/parse
func (h *Handlers) ParsePresentationRequest(c *gin.Context) {
	var body ParseRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}

	ctx := c.Request.Context()
	reqCtx, txData, err := h.presentation.ParseRequest(ctx, body.Request)
	if err != nil {
		writeError(c, err)
		return
	}
	eval, err := h.presentation.EvaluateVerifier(ctx, reqCtx)
	if err != nil {
		h.logger.Warn("Verifier evaluation failed", zap.String("client_id", reqCtx.ClientID), zap.Error(err))
		writeError(c, err)
		return
	}

	blob, err := domain.SerializeRequestContext(reqCtx)
	if err != nil {
		writeError(c, err)
		return
	}
	id := uuid.NewString()
	if err := h.store.Create(ctx, storage.PresentationKey(id), blob, h.cfg.SessionTTL); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, ParseResponse{
		ID:              id,
		Request:         reqCtx,
		TransactionData: txData,
		Verifier:        eval,
		Submission:      presentation.BuildPresentationSubmission(reqCtx),
	})
}

// TransactionData handles POST /presentation/transaction-data
func (h *Handlers) TransactionData(c *gin.Context) {
	var body TransactionDataBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}

	reqCtx, err := h.loadRequest(c.Request.Context(), body.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	resp, err := presentation.GenerateTransactionDataResponse(body.DescriptorID, reqCtx.TransactionData, reqCtx.Query)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// SubmitPresentation handles POST /presentation/submit
func (h *Handlers) SubmitPresentation(c *gin.Context) {
	var body SubmitBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	if body.VPToken == "" && len(body.Credentials) == 0 {
		writeError(c, domain.ErrMalformedRequest)
		return
	}

	ctx := c.Request.Context()
	unlock := h.sessions.Lock(storage.PresentationKey(body.ID))
	defer unlock()

	reqCtx, err := h.loadRequest(ctx, body.ID)
	if err != nil {
		writeError(c, err)
		return
	}

	vp := body.VPToken
	if vp == "" {
		creds := lo.Map(body.Credentials, func(s string, _ int) interface{} { return s })
		if vp, err = h.presentation.SignPresentation(ctx, creds, reqCtx.ClientID, reqCtx.Nonce); err != nil {
			writeError(c, err)
			return
		}
	}

	redirect, err := h.presentation.SubmitResponse(ctx, reqCtx, presentation.Response{VPToken: vp})
	if err != nil {
		writeError(c, err)
		return
	}
	if err := h.store.Delete(ctx, storage.PresentationKey(body.ID)); err != nil {
		h.logger.Warn("Failed to drop presentation request", zap.String("id", body.ID), zap.Error(err))
	}
	c.JSON(http.StatusOK, SubmitResponse{RedirectURI: redirect})
}
