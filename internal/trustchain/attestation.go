package trustchain

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-wallet-core/internal/domain"
	"github.com/sirosfoundation/go-wallet-core/pkg/trust/x509eval"
)

// RootMaterial is the registrar's current trust root.
type RootMaterial struct {
	// Certificates are root certificates an attestation x5c chain may lead to
	Certificates []*x509.Certificate
	// Keys verify attestations directly
	Keys []crypto.PublicKey
}

// RegistrarRootSource supplies registrar root material on demand.
type RegistrarRootSource interface {
	RootMaterial(ctx context.Context) (*RootMaterial, error)
}

// StaticRegistrarSource serves fixed root material.
type StaticRegistrarSource RootMaterial

func (s StaticRegistrarSource) RootMaterial(context.Context) (*RootMaterial, error) {
	m := RootMaterial(s)
	return &m, nil
}

// HTTPRegistrarSource fetches the registrar root on every call. The response
// is either PEM (certificates or public keys) or a JWKS document.
type HTTPRegistrarSource struct {
	URL    string
	Client *http.Client
}

// NewHTTPRegistrarSource creates a source fetching url with the given timeout.
func NewHTTPRegistrarSource(url string, timeout time.Duration) *HTTPRegistrarSource {
	return &HTTPRegistrarSource{URL: url, Client: &http.Client{Timeout: timeout}}
}

func (s *HTTPRegistrarSource) RootMaterial(ctx context.Context) (*RootMaterial, error) {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build registrar request: %w", err)
	}
	req.Header.Set("Accept", "application/jwk-set+json, application/json, application/x-pem-file")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: registrar: %v", domain.ErrNetwork, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registrar returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read registrar response: %w", err)
	}
	return ParseRootMaterial(body)
}

// ParseRootMaterial parses a JWKS document or PEM data.
func ParseRootMaterial(data []byte) (*RootMaterial, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		return parseJWKS([]byte(trimmed))
	}

	m := &RootMaterial{}
	rest := []byte(trimmed)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE":
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("invalid registrar certificate: %w", err)
			}
			m.Certificates = append(m.Certificates, cert)
			m.Keys = append(m.Keys, cert.PublicKey)
		case "PUBLIC KEY":
			key, err := x509.ParsePKIXPublicKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("invalid registrar public key: %w", err)
			}
			m.Keys = append(m.Keys, key)
		}
	}
	if len(m.Keys) == 0 {
		return nil, errors.New("no registrar key material found")
	}
	return m, nil
}

func parseJWKS(data []byte) (*RootMaterial, error) {
	set, err := jwk.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("invalid registrar jwks: %w", err)
	}
	m := &RootMaterial{}
	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		if !ok {
			continue
		}
		var raw interface{}
		if err := key.Raw(&raw); err != nil {
			return nil, fmt.Errorf("invalid registrar jwk %d: %w", i, err)
		}
		m.Keys = append(m.Keys, raw)
	}
	if len(m.Keys) == 0 {
		return nil, errors.New("registrar jwks is empty")
	}
	return m, nil
}

// VerifyVerifierAttestation verifies a registrar-signed attestation and
// returns its policy. Any failure is ErrInvalidAttestation.
func (v *Verifier) VerifyVerifierAttestation(ctx context.Context, token string, source RegistrarRootSource) (att *domain.VerifierAttestation, err error) {
	defer func() {
		v.metrics.IncrementTrust("attestation", err == nil)
	}()

	if source == nil {
		return nil, fmt.Errorf("%w: no registrar configured", domain.ErrInvalidAttestation)
	}
	material, err := source.RootMaterial(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: registrar root unavailable: %v", domain.ErrInvalidAttestation, err)
	}

	keys := v.candidateKeys(ctx, token, material)
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no registrar key material", domain.ErrInvalidAttestation)
	}

	claims, err := verifyWithAny(token, keys)
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %v", domain.ErrInvalidAttestation, err)
	}

	// exp is compared at millisecond precision
	exp, ok := claims["exp"].(float64)
	if !ok {
		return nil, fmt.Errorf("%w: missing exp", domain.ErrInvalidAttestation)
	}
	expMillis := int64(math.Round(exp * 1000))
	now := v.clock.Now()
	if expMillis < now.UnixMilli() {
		return nil, fmt.Errorf("%w: expired at %s", domain.ErrInvalidAttestation, time.UnixMilli(expMillis).UTC().Format(time.RFC3339Nano))
	}

	att, err = decodeAttestation(claims)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidAttestation, err)
	}
	att.ExpiresAt = time.UnixMilli(expMillis)

	v.logger.Debug("Verifier attestation verified", zap.String("sub", att.Subject))
	return att, nil
}

// candidateKeys returns the registrar keys plus, when the attestation carries
// an x5c chain that leads to a registrar root certificate, its leaf key.
func (v *Verifier) candidateKeys(ctx context.Context, token string, material *RootMaterial) []crypto.PublicKey {
	keys := append([]crypto.PublicKey{}, material.Keys...)
	if len(material.Certificates) == 0 {
		return keys
	}
	chain, claims, err := headerChain(token)
	if err != nil {
		return keys
	}
	eval := x509eval.NewEvaluator(x509eval.StaticRoots(material.Certificates), x509eval.WithClock(v.clock))
	if v.chainTrusted(ctx, eval, subjectOf(claims, chain), chain, "") {
		keys = append(keys, chain.Leaf().PublicKey)
	}
	return keys
}

// verifyWithAny returns the claims of token if any key verifies its signature.
func verifyWithAny(token string, keys []crypto.PublicKey) (jwt.MapClaims, error) {
	parser := jwt.NewParser(jwt.WithValidMethods(signingMethods), jwt.WithoutClaimsValidation())
	var lastErr error
	for _, key := range keys {
		claims := jwt.MapClaims{}
		_, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
			return key, nil
		})
		if err == nil {
			return claims, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func decodeAttestation(claims jwt.MapClaims) (*domain.VerifierAttestation, error) {
	raw, ok := claims["credentials"]
	if !ok {
		return nil, errors.New("missing credentials")
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("credentials must be an array, got %T", raw)
	}
	for i, entry := range list {
		obj, ok := entry.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("credentials[%d] must be an object", i)
		}
		if f, ok := obj["format"].(string); !ok || f == "" {
			return nil, fmt.Errorf("credentials[%d] lacks a format", i)
		}
	}

	data, err := json.Marshal(claims)
	if err != nil {
		return nil, err
	}
	var att domain.VerifierAttestation
	if err := json.Unmarshal(data, &att); err != nil {
		return nil, fmt.Errorf("malformed credentials: %w", err)
	}
	return &att, nil
}
