// Package x509eval provides an X.509 certificate trust evaluator.
//
// This evaluator validates certificate chains against trust anchors obtained
// from a RootProvider on every evaluation. Nothing about a chain's validity is
// cached between calls.
package x509eval

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/benbjohnson/clock"

	"github.com/sirosfoundation/go-wallet-core/pkg/trust"
)

// RootProvider supplies the trusted roots at validation time.
type RootProvider interface {
	Roots(ctx context.Context) ([]*x509.Certificate, error)
}

// RootProviderFunc adapts a function to RootProvider.
type RootProviderFunc func(ctx context.Context) ([]*x509.Certificate, error)

func (f RootProviderFunc) Roots(ctx context.Context) ([]*x509.Certificate, error) {
	return f(ctx)
}

// StaticRoots is a fixed root set. An empty set trusts nothing.
type StaticRoots []*x509.Certificate

func (s StaticRoots) Roots(context.Context) ([]*x509.Certificate, error) {
	return s, nil
}

// FileRoots reads PEM root certificates from paths on every call.
type FileRoots []string

func (f FileRoots) Roots(context.Context) ([]*x509.Certificate, error) {
	var roots []*x509.Certificate
	for _, path := range f {
		certs, err := loadCertFile(path)
		if err != nil {
			return nil, fmt.Errorf("loading root cert %s: %w", path, err)
		}
		roots = append(roots, certs...)
	}
	return roots, nil
}

// Evaluator validates X.509 certificate chains.
type Evaluator struct {
	roots         RootProvider
	intermediates []*x509.Certificate
	clock         clock.Clock
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithClock sets the clock used when a request carries no validation time.
func WithClock(c clock.Clock) Option {
	return func(e *Evaluator) { e.clock = c }
}

// WithIntermediates adds intermediate CA certificates available to chain building.
func WithIntermediates(certs ...*x509.Certificate) Option {
	return func(e *Evaluator) { e.intermediates = append(e.intermediates, certs...) }
}

// NewEvaluator creates a new X.509 certificate evaluator.
func NewEvaluator(roots RootProvider, opts ...Option) *Evaluator {
	if roots == nil {
		roots = StaticRoots(nil)
	}
	e := &Evaluator{roots: roots, clock: clock.New()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewEvaluatorFromPaths creates an evaluator whose roots are read from
// rootPaths at each evaluation. Intermediates are loaded once.
func NewEvaluatorFromPaths(rootPaths, intermediatePaths []string, opts ...Option) (*Evaluator, error) {
	var intermediates []*x509.Certificate
	for _, path := range intermediatePaths {
		certs, err := loadCertFile(path)
		if err != nil {
			return nil, fmt.Errorf("loading intermediate cert %s: %w", path, err)
		}
		intermediates = append(intermediates, certs...)
	}
	opts = append(opts, WithIntermediates(intermediates...))
	return NewEvaluator(FileRoots(rootPaths), opts...), nil
}

func loadCertFile(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading cert file: %w", err)
	}
	return ParsePEMCertificates(data)
}

// ParsePEMCertificates parses every CERTIFICATE block in data.
func ParsePEMCertificates(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("invalid certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("no certificates found")
	}
	return certs, nil
}

func (e *Evaluator) Name() string {
	return "x509"
}

// SupportedResourceTypes returns the types this evaluator handles.
func (e *Evaluator) SupportedResourceTypes() []trust.ResourceType {
	return []trust.ResourceType{trust.ResourceTypeX5C}
}

// Healthy always reports true; roots are resolved per evaluation.
func (e *Evaluator) Healthy() bool {
	return true
}

// Evaluate validates a leaf-first certificate chain against the current roots.
func (e *Evaluator) Evaluate(ctx context.Context, req *trust.EvaluationRequest) (*trust.EvaluationResponse, error) {
	keyType := req.GetKeyType()
	if keyType != trust.ResourceTypeX5C {
		return &trust.EvaluationResponse{
			Decision: false,
			Reason:   fmt.Sprintf("unsupported resource type: %s", keyType),
		}, nil
	}

	certs, err := ParseCertificates(req)
	if err != nil {
		return &trust.EvaluationResponse{
			Decision: false,
			Reason:   fmt.Sprintf("failed to parse certificates: %v", err),
		}, nil
	}
	if len(certs) == 0 {
		return &trust.EvaluationResponse{
			Decision: false,
			Reason:   "no certificates provided",
		}, nil
	}

	roots, err := e.roots.Roots(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load trust anchors: %w", err)
	}
	if len(roots) == 0 {
		return &trust.EvaluationResponse{
			Decision: false,
			Reason:   "no trust anchors configured",
		}, nil
	}

	rootPool := x509.NewCertPool()
	for _, r := range roots {
		rootPool.AddCert(r)
	}
	intPool := x509.NewCertPool()
	for _, c := range e.intermediates {
		intPool.AddCert(c)
	}
	for _, c := range certs[1:] {
		intPool.AddCert(c)
	}

	at := req.ValidationTime()
	if at.IsZero() {
		at = e.clock.Now()
	}

	opts := x509.VerifyOptions{
		Roots:         rootPool,
		Intermediates: intPool,
		CurrentTime:   at,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	if dns, ok := req.Context[trust.ContextDNSName].(string); ok && dns != "" {
		opts.DNSName = dns
	}

	chains, err := certs[0].Verify(opts)
	if err != nil {
		return &trust.EvaluationResponse{
			Decision: false,
			Reason:   fmt.Sprintf("certificate verification failed: %v", err),
		}, nil
	}

	var validChain []*x509.Certificate
	if len(chains) > 0 {
		validChain = chains[0]
	}

	return &trust.EvaluationResponse{
		Decision: true,
		Reason:   "certificate chain verified successfully",
		Chain:    validChain,
	}, nil
}

// ParseCertificates extracts the leaf-first chain from the request.
func ParseCertificates(req *trust.EvaluationRequest) ([]*x509.Certificate, error) {
	if len(req.Resource.Certificates) > 0 {
		return req.Resource.Certificates, nil
	}

	key := req.GetKey()
	switch k := key.(type) {
	case []string:
		return ParseCertStrings(k)
	case []interface{}:
		strs := make([]string, len(k))
		for i, v := range k {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("certificate %d is not a string", i)
			}
			strs[i] = s
		}
		return ParseCertStrings(strs)
	case nil:
		return nil, fmt.Errorf("no key material provided")
	default:
		return nil, fmt.Errorf("unsupported key type: %T", key)
	}
}

// ParseCertStrings parses base64-encoded DER certificates as found in x5c.
func ParseCertStrings(certStrs []string) ([]*x509.Certificate, error) {
	certs := make([]*x509.Certificate, 0, len(certStrs))
	for i, certStr := range certStrs {
		der, err := base64.StdEncoding.DecodeString(certStr)
		if err != nil {
			der, err = base64.RawURLEncoding.DecodeString(certStr)
			if err != nil {
				return nil, fmt.Errorf("certificate %d: invalid base64: %w", i, err)
			}
		}

		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("certificate %d: invalid DER: %w", i, err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}
