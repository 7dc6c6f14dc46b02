// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// PKI is a three level certificate hierarchy: root, intermediate, leaf.
type PKI struct {
	Root         *x509.Certificate
	Intermediate *x509.Certificate
	Leaf         *x509.Certificate

	RootKey         *ecdsa.PrivateKey
	IntermediateKey *ecdsa.PrivateKey
	LeafKey         *ecdsa.PrivateKey
}

// NewPKI generates a hierarchy whose certificates are valid in [notBefore, notAfter].
func NewPKI(t testing.TB, notBefore, notAfter time.Time) *PKI {
	t.Helper()
	p := &PKI{
		RootKey:         newKey(t),
		IntermediateKey: newKey(t),
		LeafKey:         newKey(t),
	}

	rootTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Root CA", Organization: []string{"Test"}},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	p.Root = create(t, rootTmpl, rootTmpl, &p.RootKey.PublicKey, p.RootKey)

	intTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(2),
		Subject:               pkix.Name{CommonName: "Test Issuing CA", Organization: []string{"Test"}},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	p.Intermediate = create(t, intTmpl, p.Root, &p.IntermediateKey.PublicKey, p.RootKey)

	leafTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(3),
		Subject:               pkix.Name{CommonName: "issuer.example.com", Organization: []string{"Test Issuer"}},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	p.Leaf = create(t, leafTmpl, p.Intermediate, &p.LeafKey.PublicKey, p.IntermediateKey)
	return p
}

func newKey(t testing.TB) *ecdsa.PrivateKey {
	t.Helper()
	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return k
}

func create(t testing.TB, tmpl, parent *x509.Certificate, pub *ecdsa.PublicKey, signer *ecdsa.PrivateKey) *x509.Certificate {
	t.Helper()
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, pub, signer)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}
	return cert
}

// X5C returns the leaf-first chain without the root, as carried in a JWT header.
func (p *PKI) X5C() []string {
	return []string{Encode(p.Leaf), Encode(p.Intermediate)}
}

// Encode returns the standard base64 DER form of cert.
func Encode(cert *x509.Certificate) string {
	return base64.StdEncoding.EncodeToString(cert.Raw)
}

// PEM encodes cert as a PEM block.
func PEM(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

// SignES256 signs claims with key. x5c, when non-empty, is set in the header.
func SignES256(t testing.TB, key *ecdsa.PrivateKey, claims jwt.MapClaims, x5c []string, extra map[string]interface{}) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	if len(x5c) > 0 {
		token.Header["x5c"] = x5c
	}
	for k, v := range extra {
		token.Header[k] = v
	}
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}
