package presentation

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-wallet-core/internal/domain"
	"github.com/sirosfoundation/go-wallet-core/internal/metrics"
	"github.com/sirosfoundation/go-wallet-core/internal/testutil"
	"github.com/sirosfoundation/go-wallet-core/internal/trustchain"
)

type fakeSigner struct {
	err      error
	nonce    string
	audience string
	vcs      []interface{}
}

func (f *fakeSigner) SignJwtPresentation(_ context.Context, nonce, audience string, vcs []interface{}) (string, error) {
	f.nonce, f.audience, f.vcs = nonce, audience, vcs
	if f.err != nil {
		return "", f.err
	}
	return "eyJ.vp." + nonce, nil
}

func TestSignPresentation(t *testing.T) {
	signer := &fakeSigner{}
	e := NewEngine(Config{}, signer, zap.NewNop())

	vp, err := e.SignPresentation(context.Background(), []interface{}{"eyJ.cred~"}, "verifier.example.com", "nonce-1")
	require.NoError(t, err)
	assert.Equal(t, "eyJ.vp.nonce-1", vp)
	assert.Equal(t, "verifier.example.com", signer.audience)
	assert.Equal(t, []interface{}{"eyJ.cred~"}, signer.vcs)

	signer.err = fmt.Errorf("dispatch: %w", domain.ErrChannelClosed)
	_, err = e.SignPresentation(context.Background(), nil, "verifier.example.com", "nonce-1")
	assert.ErrorIs(t, err, domain.ErrChannelClosed)
}

func registrarAttestation(t *testing.T, key *ecdsa.PrivateKey, exp time.Time, vcts ...string) string {
	t.Helper()
	return testutil.SignES256(t, key, jwt.MapClaims{
		"iss":     "https://registrar.example.com",
		"sub":     "verifier.example.com",
		"purpose": "Check diplomas",
		"exp":     exp.Unix(),
		"credentials": []interface{}{
			map[string]interface{}{
				"format": "sd-jwt",
				"meta":   map[string]interface{}{"vct_values": vcts},
				"claims": []interface{}{map[string]interface{}{"path": []interface{}{"degree"}}},
			},
		},
	}, nil, nil)
}

func TestEvaluateVerifier(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	source := trustchain.StaticRegistrarSource{Keys: []crypto.PublicKey{&key.PublicKey}}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	e := newTestEngine(
		WithAttestationVerifier(trustchain.NewVerifier(nil, zap.NewNop()), source),
		WithMetrics(m),
	)

	reqCtx := &domain.PresentationRequestContext{
		Query: dcql(domain.DCQLCredential{
			ID:     "passport",
			Format: "sd-jwt",
			Meta:   &domain.DCQLMeta{VCTValues: []string{"passport"}},
		}),
		Nonce:                "n",
		ClientID:             "verifier.example.com",
		ResponseURI:          "https://verifier.example.com/response",
		VerifierAttestations: []string{registrarAttestation(t, key, time.Now().Add(time.Hour), "diploma")},
	}

	eval, err := e.EvaluateVerifier(context.Background(), reqCtx)
	require.NoError(t, err)
	require.True(t, eval.Attested())
	assert.Equal(t, "Check diplomas", eval.Attestations[0].Purpose)
	require.Len(t, eval.Violations, 1)
	assert.Equal(t, domain.ViolationVCT, eval.Violations[0].Kind)
	assert.Equal(t, 1.0, promtestutil.ToFloat64(m.PolicyViolations.WithLabelValues("vct")))
}

func TestEvaluateVerifier_CombinesAttestations(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	source := trustchain.StaticRegistrarSource{Keys: []crypto.PublicKey{&key.PublicKey}}
	e := newTestEngine(WithAttestationVerifier(trustchain.NewVerifier(nil, zap.NewNop()), source))

	exp := time.Now().Add(time.Hour)
	reqCtx := &domain.PresentationRequestContext{
		Query: dcql(domain.DCQLCredential{
			ID:     "passport",
			Format: "sd-jwt",
			Meta:   &domain.DCQLMeta{VCTValues: []string{"passport"}},
		}),
		VerifierAttestations: []string{
			registrarAttestation(t, key, exp, "diploma"),
			registrarAttestation(t, key, exp, "passport"),
		},
	}

	eval, err := e.EvaluateVerifier(context.Background(), reqCtx)
	require.NoError(t, err)
	assert.Len(t, eval.Attestations, 2)
	assert.Empty(t, eval.Violations)
}

func TestEvaluateVerifier_InvalidAttestation(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	other, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	source := trustchain.StaticRegistrarSource{Keys: []crypto.PublicKey{&key.PublicKey}}
	e := newTestEngine(WithAttestationVerifier(trustchain.NewVerifier(nil, zap.NewNop()), source))

	tests := map[string]string{
		"expired":      registrarAttestation(t, key, time.Now().Add(-time.Minute), "diploma"),
		"wrong signer": registrarAttestation(t, other, time.Now().Add(time.Hour), "diploma"),
		"garbage":      "not-a-jwt",
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			reqCtx := &domain.PresentationRequestContext{
				Query:                dcql(domain.DCQLCredential{ID: "d", Format: "sd-jwt"}),
				VerifierAttestations: []string{token},
			}
			eval, err := e.EvaluateVerifier(context.Background(), reqCtx)
			assert.ErrorIs(t, err, domain.ErrInvalidAttestation)
			assert.Nil(t, eval)
		})
	}
}

func TestEvaluateVerifier_NoAttestations(t *testing.T) {
	e := newTestEngine()
	eval, err := e.EvaluateVerifier(context.Background(), &domain.PresentationRequestContext{})
	require.NoError(t, err)
	assert.False(t, eval.Attested())
	assert.Empty(t, eval.Violations)
}

func TestEvaluateVerifier_NoRegistrar(t *testing.T) {
	e := newTestEngine()
	_, err := e.EvaluateVerifier(context.Background(), &domain.PresentationRequestContext{
		VerifierAttestations: []string{"eyJ.a.b"},
	})
	assert.ErrorIs(t, err, domain.ErrConfiguration)
	assert.False(t, errors.Is(err, domain.ErrInvalidAttestation))
}
