package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-wallet-core/internal/api"
	"github.com/sirosfoundation/go-wallet-core/internal/backend"
	"github.com/sirosfoundation/go-wallet-core/internal/issuance"
	"github.com/sirosfoundation/go-wallet-core/internal/metrics"
	"github.com/sirosfoundation/go-wallet-core/internal/presentation"
	"github.com/sirosfoundation/go-wallet-core/internal/signing"
	"github.com/sirosfoundation/go-wallet-core/internal/storage/memory"
	"github.com/sirosfoundation/go-wallet-core/internal/tokens"
	"github.com/sirosfoundation/go-wallet-core/internal/trustchain"
	"github.com/sirosfoundation/go-wallet-core/pkg/config"
	"github.com/sirosfoundation/go-wallet-core/pkg/logging"
	"github.com/sirosfoundation/go-wallet-core/pkg/trust/trustfactory"
	"github.com/sirosfoundation/go-wallet-core/pkg/urlfilter"
)

var (
	configFile = flag.String("config", "configs/config.yaml", "Path to configuration file")
	version    = "dev"
	buildTime  = "unknown"
)

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting Wallet Core Server",
		zap.String("version", version),
		zap.String("build_time", buildTime),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Initialize session store
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	store, err := backend.New(ctx, &cfg.SessionStore, logger)
	cancel()
	if err != nil {
		logger.Fatal("Failed to initialize session store", zap.Error(err))
	}
	defer func() { _ = store.Close() }()
	logger.Info("Session store initialized", zap.String("type", cfg.SessionStore.Type))

	if mem, ok := store.(*memory.Store); ok {
		cleanup := backend.NewCleanupWorker(mem, cfg.SessionStore.CleanupInterval, logger)
		cleanup.Start()
		defer cleanup.Stop()
	}

	// Trust evaluation
	ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	evaluator, err := trustfactory.NewFromConfig(ctx, &cfg.Trust, clock.New())
	cancel()
	if err != nil {
		logger.Fatal("Failed to initialize trust evaluator", zap.Error(err))
	}
	if evaluator == nil {
		logger.Warn("Trust evaluation disabled, issued credentials are reported untrusted")
	}
	verifier := trustchain.NewVerifier(evaluator, logger, trustchain.WithMetrics(m))

	// Key module channel
	dispatcher := signing.NewDispatcher(signing.Config{
		URL:              cfg.Signing.URL,
		AppToken:         cfg.Signing.AppToken,
		HandshakeTimeout: cfg.Signing.HandshakeTimeout,
		RequestTimeout:   cfg.Signing.RequestTimeout,
		DialRetries:      cfg.Signing.DialRetries,
	}, logger, signing.WithMetrics(m))
	defer dispatcher.Close()

	var dpop tokens.DPoPSigner
	if cfg.Signing.URL != "" {
		dpop = dispatcher
	} else {
		logger.Warn("No signing channel configured, token requests are sent without DPoP")
	}

	client := &http.Client{Timeout: cfg.Issuance.HTTPTimeout}
	md := issuance.NewHTTPMetadataProvider(client, logger)
	tm := tokens.NewManager(tokens.Config{
		ClientID:    cfg.Issuance.ClientID,
		RedirectURI: cfg.Issuance.RedirectURI,
		ExpirySkew:  cfg.Tokens.ExpirySkew,
		HTTPClient:  client,
	}, issuance.TokenEndpointResolver(md), dpop, logger, tokens.WithMetrics(m))

	iss := issuance.NewEngine(issuance.Config{
		ClientID:             cfg.Issuance.ClientID,
		RedirectURI:          cfg.Issuance.RedirectURI,
		ProofAlg:             cfg.Issuance.ProofAlg,
		MaxAcceptedBatchSize: cfg.Issuance.MaxAcceptedBatchSize,
		DeferredPollInterval: cfg.Issuance.DeferredPollInterval,
		DeferredMaxLifetime:  cfg.Issuance.DeferredMaxLifetime,
		HTTPClient:           client,
	}, md, tm, dispatcher, logger, issuance.WithVerifier(verifier), issuance.WithMetrics(m))

	presOpts := []presentation.Option{
		presentation.WithURLFilter(urlfilter.New(cfg.Presentation.URLFilter)),
		presentation.WithMetrics(m),
	}
	if cfg.Trust.RegistrarURL != "" {
		source := trustchain.NewHTTPRegistrarSource(cfg.Trust.RegistrarURL, cfg.Trust.Timeout)
		presOpts = append(presOpts, presentation.WithAttestationVerifier(verifier, source))
	}
	pres := presentation.NewEngine(presentation.Config{
		TransactionDataTypes: cfg.Presentation.TransactionDataTypes,
		HTTPClient:           client,
	}, dispatcher, logger, presOpts...)

	// Set Gin mode
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	handlers := api.NewHandlers(iss, pres, store, api.Config{
		SessionTTL: cfg.SessionStore.DefaultTTL,
		StoreType:  cfg.SessionStore.Type,
	}, logger)
	router := api.NewRouter(handlers, api.RouterConfig{
		CORSOrigins: cfg.Server.CORSOrigins,
		Gatherer:    reg,
	}, logger)

	srv := &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("Server listening", zap.String("address", cfg.Server.Address()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Graceful shutdown
	ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
