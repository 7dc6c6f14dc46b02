package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-wallet-core/internal/domain"
	"github.com/sirosfoundation/go-wallet-core/internal/issuance"
	"github.com/sirosfoundation/go-wallet-core/internal/keylock"
	"github.com/sirosfoundation/go-wallet-core/internal/presentation"
	"github.com/sirosfoundation/go-wallet-core/internal/storage"
)

// IssuanceFlow is the issuance engine surface used by the handlers
type IssuanceFlow interface {
	StartAuthorization(ctx context.Context, userHandle, issuerID, configurationID string, opts ...issuance.StartOption) (*domain.IssuanceSession, string, error)
	CompleteAuthorization(ctx context.Context, s *domain.IssuanceSession, code string) error
	RequestCredential(ctx context.Context, s *domain.IssuanceSession) (*issuance.IssuanceOutcome, error)
	StartDeferredPolling(ctx context.Context, s *domain.IssuanceSession) *issuance.PollTask
	Finish(s *domain.IssuanceSession) error
	Abandon(s *domain.IssuanceSession) error
}

// PresentationFlow is the presentation engine surface used by the handlers
type PresentationFlow interface {
	ParseRequest(ctx context.Context, raw string) (*domain.PresentationRequestContext, []domain.TransactionDataRequest, error)
	EvaluateVerifier(ctx context.Context, reqCtx *domain.PresentationRequestContext) (*presentation.VerifierEvaluation, error)
	SignPresentation(ctx context.Context, credentials []interface{}, audience, nonce string) (string, error)
	SubmitResponse(ctx context.Context, reqCtx *domain.PresentationRequestContext, resp presentation.Response) (string, error)
}

// Config holds handler settings
type Config struct {
	// SessionTTL bounds stored session blobs; zero means the store default
	SessionTTL time.Duration
	// StoreType is reported on /status
	StoreType string
}

// Handlers aggregates all HTTP handlers
type Handlers struct {
	issuance     IssuanceFlow
	presentation PresentationFlow
	store        storage.BlobStore
	cfg          Config
	logger       *zap.Logger

	// sessions serializes load, mutate and store of one stored session or
	// presentation request within this process
	sessions *keylock.Locks
}

// NewHandlers creates a new Handlers instance
func NewHandlers(iss IssuanceFlow, pres PresentationFlow, store storage.BlobStore, cfg Config, logger *zap.Logger) *Handlers {
	return &Handlers{
		issuance:     iss,
		presentation: pres,
		store:        store,
		cfg:          cfg,
		logger:       logger.Named("handlers"),
		sessions:     keylock.New(),
	}
}

// Status handles the /status endpoint
func (h *Handlers) Status(c *gin.Context) {
	resp := StatusResponse{
		Status:       "ok",
		Service:      "wallet-core",
		APIVersion:   CurrentAPIVersion,
		Capabilities: APICapabilities[CurrentAPIVersion],
		SessionStore: h.cfg.StoreType,
	}
	if err := h.store.Ping(c.Request.Context()); err != nil {
		h.logger.Warn("Session store unavailable", zap.Error(err))
		resp.Status = "degraded"
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handlers) loadSession(ctx context.Context, state string) (*domain.IssuanceSession, error) {
	blob, err := h.store.Get(ctx, storage.IssuanceKey(state))
	if err != nil {
		return nil, fmt.Errorf("issuance session %q: %w", state, err)
	}
	return domain.DeserializeSession(blob)
}

func (h *Handlers) saveSession(ctx context.Context, s *domain.IssuanceSession) error {
	blob, err := domain.SerializeSession(s)
	if err != nil {
		return err
	}
	return h.store.Put(ctx, storage.IssuanceKey(s.State), blob, h.cfg.SessionTTL)
}

// persist stores the session after an engine call and returns the error to
// report, preferring the engine's. The session is stored even when the client
// has gone away.
func (h *Handlers) persist(ctx context.Context, s *domain.IssuanceSession, opErr error) error {
	if err := h.saveSession(context.WithoutCancel(ctx), s); err != nil {
		h.logger.Error("Failed to store issuance session", zap.String("state", s.State), zap.Error(err))
		if opErr == nil {
			return err
		}
	}
	return opErr
}

func (h *Handlers) loadRequest(ctx context.Context, id string) (*domain.PresentationRequestContext, error) {
	blob, err := h.store.Get(ctx, storage.PresentationKey(id))
	if err != nil {
		return nil, fmt.Errorf("presentation request %q: %w", id, err)
	}
	return domain.DeserializeRequestContext(blob)
}
