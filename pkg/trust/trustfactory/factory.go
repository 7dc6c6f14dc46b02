// Package trustfactory builds trust evaluators from configuration.
package trustfactory

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"

	"github.com/sirosfoundation/go-wallet-core/pkg/config"
	"github.com/sirosfoundation/go-wallet-core/pkg/trust"
	"github.com/sirosfoundation/go-wallet-core/pkg/trust/authzen"
	"github.com/sirosfoundation/go-wallet-core/pkg/trust/x509eval"
)

// NewFromConfig creates a TrustEvaluator based on the configuration.
// Returns nil if trust evaluation is disabled (type="none"); callers treat a
// nil evaluator as an empty root set.
func NewFromConfig(ctx context.Context, cfg *config.TrustConfig, clk clock.Clock) (trust.TrustEvaluator, error) {
	if cfg == nil {
		return nil, nil
	}
	if clk == nil {
		clk = clock.New()
	}

	switch cfg.Type {
	case "", "none":
		return nil, nil

	case "x509":
		return newX509Evaluator(cfg.X509, clk)

	case "authzen":
		return newAuthZENEvaluator(ctx, cfg.AuthZEN)

	case "composite":
		return newCompositeEvaluator(ctx, cfg, clk)

	default:
		return nil, fmt.Errorf("unknown trust evaluator type: %s", cfg.Type)
	}
}

func newX509Evaluator(cfg config.X509TrustConfig, clk clock.Clock) (*x509eval.Evaluator, error) {
	// Fail early on unreadable roots even though they are re-read per validation
	if _, err := x509eval.FileRoots(cfg.RootCertPaths).Roots(context.Background()); err != nil {
		return nil, err
	}
	return x509eval.NewEvaluatorFromPaths(cfg.RootCertPaths, cfg.IntermediateCertPaths, x509eval.WithClock(clk))
}

func newAuthZENEvaluator(ctx context.Context, cfg config.AuthZENConfig) (*authzen.Evaluator, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("authzen.base_url is required")
	}
	return authzen.NewEvaluator(ctx, &authzen.Config{
		BaseURL:      cfg.BaseURL,
		Timeout:      cfg.Timeout,
		UseDiscovery: cfg.UseDiscovery,
	})
}

// newCompositeEvaluator asks the local X.509 roots first and the PDP second.
func newCompositeEvaluator(ctx context.Context, cfg *config.TrustConfig, clk clock.Clock) (*trust.EvaluatorManager, error) {
	manager := trust.NewEvaluatorManager()

	if len(cfg.X509.RootCertPaths) > 0 {
		x509Eval, err := newX509Evaluator(cfg.X509, clk)
		if err != nil {
			return nil, fmt.Errorf("failed to create x509 evaluator: %w", err)
		}
		manager.AddEvaluator(x509Eval)
	}

	if cfg.AuthZEN.BaseURL != "" {
		authzenEval, err := newAuthZENEvaluator(ctx, cfg.AuthZEN)
		if err != nil {
			return nil, fmt.Errorf("failed to create authzen evaluator: %w", err)
		}
		manager.AddEvaluator(authzenEval)
	}

	return manager, nil
}
