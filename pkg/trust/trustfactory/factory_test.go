package trustfactory

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-wallet-core/internal/testutil"
	"github.com/sirosfoundation/go-wallet-core/pkg/config"
	"github.com/sirosfoundation/go-wallet-core/pkg/trust"
)

func TestNewFromConfig_Disabled(t *testing.T) {
	ctx := context.Background()
	for _, cfg := range []*config.TrustConfig{nil, {Type: ""}, {Type: "none"}} {
		eval, err := NewFromConfig(ctx, cfg, nil)
		require.NoError(t, err)
		assert.Nil(t, eval)
	}
}

func TestNewFromConfig_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := NewFromConfig(ctx, &config.TrustConfig{Type: "invalid"}, nil)
	assert.Error(t, err)

	_, err = NewFromConfig(ctx, &config.TrustConfig{Type: "authzen"}, nil)
	assert.Error(t, err, "authzen without base_url")

	_, err = NewFromConfig(ctx, &config.TrustConfig{
		Type: "x509",
		X509: config.X509TrustConfig{RootCertPaths: []string{"/nonexistent/cert.pem"}},
	}, nil)
	assert.Error(t, err)
}

func TestNewFromConfig_AuthZEN(t *testing.T) {
	eval, err := NewFromConfig(context.Background(), &config.TrustConfig{
		Type:    "authzen",
		AuthZEN: config.AuthZENConfig{BaseURL: "https://pdp.example.com", Timeout: time.Minute},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "authzen", eval.Name())
}

func TestNewFromConfig_X509(t *testing.T) {
	pki := testutil.NewPKI(t, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	dir := t.TempDir()
	rootPath := filepath.Join(dir, "root.pem")
	require.NoError(t, os.WriteFile(rootPath, testutil.PEM(pki.Root), 0o600))

	eval, err := NewFromConfig(context.Background(), &config.TrustConfig{
		Type: "x509",
		X509: config.X509TrustConfig{RootCertPaths: []string{rootPath}},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "x509", eval.Name())

	resp, err := eval.Evaluate(context.Background(), trust.NewX5CRequest("x", nil, pki.X5C(), ""))
	require.NoError(t, err)
	assert.True(t, resp.Decision, resp.Reason)
}

func TestNewFromConfig_Composite(t *testing.T) {
	pki := testutil.NewPKI(t, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	dir := t.TempDir()
	rootPath := filepath.Join(dir, "root.pem")
	require.NoError(t, os.WriteFile(rootPath, testutil.PEM(pki.Root), 0o600))

	eval, err := NewFromConfig(context.Background(), &config.TrustConfig{
		Type:    "composite",
		X509:    config.X509TrustConfig{RootCertPaths: []string{rootPath}},
		AuthZEN: config.AuthZENConfig{BaseURL: "https://pdp.example.com"},
	}, nil)
	require.NoError(t, err)
	require.Equal(t, "composite", eval.Name())
	assert.Equal(t, 2, eval.(*trust.EvaluatorManager).Len())

	empty, err := NewFromConfig(context.Background(), &config.TrustConfig{Type: "composite"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, empty.(*trust.EvaluatorManager).Len())
}
