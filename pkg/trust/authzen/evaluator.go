// Package authzen provides an AuthZEN-based trust evaluator using go-trust.
//
// Trust decisions for issuer and verifier certificate chains are delegated to
// an external AuthZEN PDP service, which can apply ETSI trust lists, OpenID
// Federation or DID resolution behind a single evaluation endpoint.
package authzen

import (
	"context"
	"fmt"
	"sync"
	"time"

	gotrust "github.com/sirosfoundation/go-trust/pkg/authzen"
	"github.com/sirosfoundation/go-trust/pkg/authzenclient"

	"github.com/sirosfoundation/go-wallet-core/pkg/trust"
)

// Evaluator delegates trust evaluation to an AuthZEN PDP service.
type Evaluator struct {
	client *authzenclient.Client

	mu      sync.RWMutex
	healthy bool
}

// Config holds configuration for the AuthZEN evaluator.
type Config struct {
	// BaseURL is the base URL of the AuthZEN PDP service.
	BaseURL string
	// Timeout is the HTTP request timeout (default 30s).
	Timeout time.Duration
	// UseDiscovery resolves the PDP endpoints through AuthZEN discovery.
	UseDiscovery bool
}

// NewEvaluator creates a new AuthZEN evaluator.
func NewEvaluator(ctx context.Context, cfg *Config) (*Evaluator, error) {
	if cfg == nil || cfg.BaseURL == "" {
		return nil, fmt.Errorf("BaseURL is required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	var client *authzenclient.Client
	if cfg.UseDiscovery {
		c, err := authzenclient.Discover(ctx, cfg.BaseURL, authzenclient.WithTimeout(timeout))
		if err != nil {
			return nil, fmt.Errorf("failed to discover AuthZEN PDP: %w", err)
		}
		client = c
	} else {
		client = authzenclient.New(cfg.BaseURL, authzenclient.WithTimeout(timeout))
	}

	return &Evaluator{
		client:  client,
		healthy: true,
	}, nil
}

func (e *Evaluator) Name() string {
	return "authzen"
}

// SupportedResourceTypes returns the types this evaluator handles.
func (e *Evaluator) SupportedResourceTypes() []trust.ResourceType {
	return []trust.ResourceType{
		trust.ResourceTypeX5C,
		trust.ResourceTypeJWK,
	}
}

// Healthy reports whether the last PDP call succeeded.
func (e *Evaluator) Healthy() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.healthy
}

func (e *Evaluator) setHealthy(healthy bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.healthy = healthy
}

// Evaluate performs trust evaluation via the AuthZEN PDP. PDP failures are
// reported as a negative decision.
func (e *Evaluator) Evaluate(ctx context.Context, req *trust.EvaluationRequest) (*trust.EvaluationResponse, error) {
	authzenReq, err := toAuthZENRequest(req)
	if err != nil {
		return &trust.EvaluationResponse{
			Decision: false,
			Reason:   fmt.Sprintf("failed to build AuthZEN request: %v", err),
		}, nil
	}

	resp, err := e.client.Evaluate(ctx, authzenReq)
	if err != nil {
		e.setHealthy(false)
		return &trust.EvaluationResponse{
			Decision: false,
			Reason:   fmt.Sprintf("AuthZEN PDP error: %v", err),
		}, nil
	}
	e.setHealthy(true)

	return fromAuthZENResponse(resp), nil
}

func toAuthZENRequest(req *trust.EvaluationRequest) (*gotrust.EvaluationRequest, error) {
	authzenReq := &gotrust.EvaluationRequest{
		Subject: gotrust.Subject{
			Type: string(trust.SubjectTypeKey),
			ID:   req.Subject.ID,
		},
		Resource: gotrust.Resource{
			Type: string(req.GetKeyType()),
			ID:   req.Resource.ID,
		},
	}

	switch req.GetKeyType() {
	case trust.ResourceTypeX5C:
		keys, err := x5cKeys(req)
		if err != nil {
			return nil, err
		}
		authzenReq.Resource.Key = keys
	case trust.ResourceTypeJWK:
		authzenReq.Resource.Key = []interface{}{req.Resource.Key}
	default:
		return nil, fmt.Errorf("unsupported resource type: %s", req.GetKeyType())
	}

	if name := req.GetAction(); name != "" {
		authzenReq.Action = &gotrust.Action{Name: name}
	}

	if len(req.Context) > 0 {
		ctx := make(map[string]interface{}, len(req.Context))
		for k, v := range req.Context {
			if t, ok := v.(time.Time); ok {
				v = t.UTC().Format(time.RFC3339)
			}
			ctx[k] = v
		}
		authzenReq.Context = ctx
	}

	return authzenReq, nil
}

func x5cKeys(req *trust.EvaluationRequest) ([]interface{}, error) {
	switch key := req.Resource.Key.(type) {
	case []string:
		result := make([]interface{}, len(key))
		for i, s := range key {
			result[i] = s
		}
		return result, nil
	case []interface{}:
		return key, nil
	case nil:
		return nil, fmt.Errorf("no key material provided")
	default:
		return nil, fmt.Errorf("unsupported key type: %T", key)
	}
}

func fromAuthZENResponse(resp *gotrust.EvaluationResponse) *trust.EvaluationResponse {
	result := &trust.EvaluationResponse{
		Decision: resp.Decision,
	}

	if resp.Context != nil {
		if resp.Context.Reason != nil {
			if errMsg, ok := resp.Context.Reason["error"].(string); ok {
				result.Reason = errMsg
			} else if msg, ok := resp.Context.Reason["message"].(string); ok {
				result.Reason = msg
			}
		}
		if resp.Context.TrustMetadata != nil {
			result.TrustMetadata = resp.Context.TrustMetadata
		}
	}

	if result.Reason == "" && result.Decision {
		result.Reason = "trust evaluation successful"
	}

	return result
}
