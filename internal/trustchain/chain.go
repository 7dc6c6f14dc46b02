package trustchain

import (
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sirosfoundation/go-wallet-core/pkg/trust/x509eval"
)

var ErrNoChain = errors.New("no x5c chain in protected header")

// Chain is an ordered certificate chain, leaf first.
type Chain []*x509.Certificate

// NewChain orders certs leaf first. Input given root first (each certificate
// issuing the next) is reversed; anything else is kept as given.
func NewChain(certs []*x509.Certificate) Chain {
	c := make(Chain, len(certs))
	copy(c, certs)
	if len(c) < 2 {
		return c
	}
	if issues(c[0], c[1]) && !issues(c[1], c[0]) {
		for i, j := 0, len(c)-1; i < j; i, j = i+1, j-1 {
			c[i], c[j] = c[j], c[i]
		}
	}
	return c
}

// issues reports whether parent signed child.
func issues(parent, child *x509.Certificate) bool {
	return child.CheckSignatureFrom(parent) == nil
}

// ParseX5C decodes x5c values into a leaf first chain.
func ParseX5C(values []string) (Chain, error) {
	certs, err := x509eval.ParseCertStrings(values)
	if err != nil {
		return nil, err
	}
	if len(certs) == 0 {
		return nil, ErrNoChain
	}
	return NewChain(certs), nil
}

// Leaf returns the end-entity certificate or nil.
func (c Chain) Leaf() *x509.Certificate {
	if len(c) == 0 {
		return nil
	}
	return c[0]
}

// Encoded returns the chain as standard base64 DER strings.
func (c Chain) Encoded() []string {
	out := make([]string, len(c))
	for i, cert := range c {
		out[i] = base64.StdEncoding.EncodeToString(cert.Raw)
	}
	return out
}

// issuerSigned returns the issuer-signed JWT of an artifact. For SD-JWT that
// is the part before the first disclosure separator.
func issuerSigned(artifact string) string {
	artifact = strings.TrimSpace(artifact)
	if i := strings.Index(artifact, "~"); i >= 0 {
		return artifact[:i]
	}
	return artifact
}

// headerChain parses the JWT without verifying it and returns its x5c chain,
// along with the unverified claims.
func headerChain(token string) (Chain, jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, claims)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode jwt: %w", err)
	}
	raw, ok := parsed.Header["x5c"].([]interface{})
	if !ok || len(raw) == 0 {
		return nil, claims, ErrNoChain
	}
	values := make([]string, len(raw))
	for i, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, claims, fmt.Errorf("x5c entry %d is not a string", i)
		}
		values[i] = s
	}
	chain, err := ParseX5C(values)
	if err != nil {
		return nil, claims, err
	}
	return chain, claims, nil
}
