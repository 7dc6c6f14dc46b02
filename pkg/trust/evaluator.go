// Package trust provides a plugin-based trust evaluation system for the wallet core.
//
// Two built-in plugins are provided:
// 1. X509 evaluator - validates certificate chains against roots supplied per call
// 2. AuthZEN evaluator - delegates to a go-trust PDP service
//
// The TrustEvaluator interface allows for custom trust evaluation implementations.
package trust

import (
	"context"
	"crypto/x509"
	"time"
)

// SubjectType represents the type of subject being evaluated.
type SubjectType string

const (
	// SubjectTypeKey represents a public key subject (used in AuthZEN).
	SubjectTypeKey SubjectType = "key"
	// SubjectTypeCertificate represents an X.509 certificate subject.
	SubjectTypeCertificate SubjectType = "certificate"
)

// ResourceType represents the type of resource/credential being validated.
type ResourceType string

const (
	// ResourceTypeX5C represents an X.509 certificate chain.
	ResourceTypeX5C ResourceType = "x5c"
	// ResourceTypeJWK represents a JSON Web Key.
	ResourceTypeJWK ResourceType = "jwk"
)

// Roles passed as the evaluation action.
const (
	RoleCredentialIssuer = "credential-issuer"
	RoleVerifier         = "credential-verifier"
)

// Context keys understood by the built-in evaluators.
const (
	ContextValidationTime = "validation_time"
	ContextDNSName        = "dns_name"
)

// EvaluationRequest represents a trust evaluation request.
// It is designed to be compatible with AuthZEN but also supports simpler X.509 evaluation.
type EvaluationRequest struct {
	// Subject identifies what is being validated.
	Subject Subject
	// Resource contains the cryptographic material (certificate chain, JWK, etc.).
	Resource Resource
	// Action optionally specifies the role being validated.
	Action *Action
	// Context provides additional information for evaluation.
	Context map[string]interface{}
}

// Subject represents the entity whose trust is being evaluated.
type Subject struct {
	Type SubjectType
	// ID is the identifier for the subject (issuer URL, client_id).
	ID string
}

// Resource contains the cryptographic material to validate.
type Resource struct {
	Type ResourceType
	// ID is the identifier for the resource, typically matching Subject.ID.
	ID string
	// Key contains the actual key material.
	// For x5c: slice of base64-encoded certificate strings, leaf first
	// For jwk: the JWK as map[string]interface{}
	Key interface{}
	// Certificates holds the pre-parsed chain, leaf first. Takes precedence over Key.
	Certificates []*x509.Certificate
}

// Action specifies the role or operation being validated.
type Action struct {
	Name string
}

// NewX5CRequest builds an x5c evaluation request for subjectID.
func NewX5CRequest(subjectID string, chain []*x509.Certificate, encoded []string, role string) *EvaluationRequest {
	req := &EvaluationRequest{
		Subject: Subject{Type: SubjectTypeKey, ID: subjectID},
		Resource: Resource{
			Type:         ResourceTypeX5C,
			ID:           subjectID,
			Key:          encoded,
			Certificates: chain,
		},
		Context: map[string]interface{}{},
	}
	if role != "" {
		req.Action = &Action{Name: role}
	}
	return req
}

// GetKeyType returns the resource type, defaulting to x5c when certificates are attached.
func (r *EvaluationRequest) GetKeyType() ResourceType {
	if r.Resource.Type == "" && len(r.Resource.Certificates) > 0 {
		return ResourceTypeX5C
	}
	return r.Resource.Type
}

// GetKey returns the raw key material.
func (r *EvaluationRequest) GetKey() interface{} {
	return r.Resource.Key
}

// GetAction returns the action name or "".
func (r *EvaluationRequest) GetAction() string {
	if r.Action == nil {
		return ""
	}
	return r.Action.Name
}

// ValidationTime returns the time to validate at, or the zero time when unset.
func (r *EvaluationRequest) ValidationTime() time.Time {
	if t, ok := r.Context[ContextValidationTime].(time.Time); ok {
		return t
	}
	return time.Time{}
}

// WithValidationTime sets the time certificates are validated at.
func (r *EvaluationRequest) WithValidationTime(t time.Time) *EvaluationRequest {
	if r.Context == nil {
		r.Context = map[string]interface{}{}
	}
	r.Context[ContextValidationTime] = t
	return r
}

// EvaluationResponse contains the result of a trust evaluation.
type EvaluationResponse struct {
	// Decision is true if the subject is trusted for the requested action.
	Decision bool
	// Reason provides human-readable explanation for the decision.
	Reason string
	// TrustMetadata contains additional trust information (e.g., DID document).
	TrustMetadata interface{}
	// Chain contains the validated certificate chain, if applicable.
	Chain []*x509.Certificate
}

// TrustEvaluator is the interface for trust evaluation plugins.
// Implementations must be safe for concurrent use.
type TrustEvaluator interface {
	// Evaluate performs trust evaluation for the given request.
	// Should not return an error for "not trusted" cases; use Decision=false.
	Evaluate(ctx context.Context, req *EvaluationRequest) (*EvaluationResponse, error)

	Name() string

	// SupportedResourceTypes returns the resource types this evaluator can handle.
	SupportedResourceTypes() []ResourceType

	Healthy() bool
}

// EvaluatorManager coordinates multiple trust evaluators.
type EvaluatorManager struct {
	evaluators []TrustEvaluator
}

// NewEvaluatorManager creates a new EvaluatorManager with the given evaluators.
func NewEvaluatorManager(evaluators ...TrustEvaluator) *EvaluatorManager {
	return &EvaluatorManager{
		evaluators: evaluators,
	}
}

// AddEvaluator adds an evaluator to the manager.
func (m *EvaluatorManager) AddEvaluator(e TrustEvaluator) {
	m.evaluators = append(m.evaluators, e)
}

// Len returns the number of registered evaluators.
func (m *EvaluatorManager) Len() int {
	return len(m.evaluators)
}

func (m *EvaluatorManager) Name() string {
	return "composite"
}

// SupportedResourceTypes returns all resource types supported by any registered evaluator.
func (m *EvaluatorManager) SupportedResourceTypes() []ResourceType {
	seen := make(map[ResourceType]bool)
	var result []ResourceType
	for _, e := range m.evaluators {
		for _, rt := range e.SupportedResourceTypes() {
			if !seen[rt] {
				seen[rt] = true
				result = append(result, rt)
			}
		}
	}
	return result
}

// Evaluate asks every evaluator that supports the resource type in order and
// returns the first positive decision. When none trusts the subject the last
// negative response is returned.
func (m *EvaluatorManager) Evaluate(ctx context.Context, req *EvaluationRequest) (*EvaluationResponse, error) {
	var last *EvaluationResponse
	var lastErr error
	for _, e := range m.evaluators {
		if !supports(e, req.GetKeyType()) {
			continue
		}
		resp, err := e.Evaluate(ctx, req)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Decision {
			return resp, nil
		}
		last = resp
	}

	if last != nil {
		return last, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return &EvaluationResponse{
		Decision: false,
		Reason:   "no evaluator available for resource type: " + string(req.GetKeyType()),
	}, nil
}

func supports(e TrustEvaluator, rt ResourceType) bool {
	for _, s := range e.SupportedResourceTypes() {
		if s == rt {
			return true
		}
	}
	return false
}

// Healthy returns true if at least one evaluator is healthy.
func (m *EvaluatorManager) Healthy() bool {
	for _, e := range m.evaluators {
		if e.Healthy() {
			return true
		}
	}
	return len(m.evaluators) == 0 // Empty manager is "healthy"
}
