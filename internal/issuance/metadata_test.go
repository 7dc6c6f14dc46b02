package issuance

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/h2non/gock.v1"

	"github.com/sirosfoundation/go-wallet-core/internal/domain"
)

func newGockProvider(t *testing.T) *HTTPMetadataProvider {
	t.Helper()
	client := &http.Client{}
	gock.InterceptClient(client)
	t.Cleanup(func() {
		gock.RestoreClient(client)
		gock.Off()
	})
	return NewHTTPMetadataProvider(client, zap.NewNop())
}

func TestHTTPMetadataProvider_SeparateAuthorizationServer(t *testing.T) {
	p := newGockProvider(t)

	gock.New("https://issuer.example.com").
		Get("/.well-known/openid-credential-issuer").
		Reply(200).
		JSON(map[string]interface{}{
			"credential_issuer":     "https://issuer.example.com",
			"authorization_servers": []string{"https://as.example.com"},
			"credential_endpoint":   "https://issuer.example.com/credential",
			"nonce_endpoint":        "https://issuer.example.com/nonce",
			"batch_credential_issuance": map[string]interface{}{
				"batch_size": 5,
			},
			"credential_configurations_supported": map[string]interface{}{
				"pid": map[string]interface{}{"format": "dc+sd-jwt", "vct": "urn:eudi:pid:1"},
			},
		})
	gock.New("https://as.example.com").
		Get("/.well-known/oauth-authorization-server").
		Reply(200).
		JSON(map[string]interface{}{
			"issuer":                 "https://as.example.com",
			"authorization_endpoint": "https://as.example.com/authorize",
			"token_endpoint":         "https://as.example.com/token",
		})

	md, err := p.Metadata(context.Background(), "https://issuer.example.com")
	require.NoError(t, err)
	assert.Equal(t, "https://issuer.example.com/credential", md.Issuer.CredentialEndpoint)
	assert.Equal(t, 5, md.Issuer.BatchCredentialIssuance.BatchSize)
	assert.Equal(t, "urn:eudi:pid:1", md.Issuer.CredentialConfigurationsSupported["pid"].VCT)
	assert.Equal(t, "https://as.example.com/token", md.AuthorizationServer.TokenEndpoint)
	assert.True(t, gock.IsDone())

	endpoint, err := TokenEndpointResolver(staticMetadata{md: md}).TokenEndpoint(context.Background(), "https://issuer.example.com")
	require.NoError(t, err)
	assert.Equal(t, "https://as.example.com/token", endpoint)
}

func TestHTTPMetadataProvider_FallsBackToOpenIDConfiguration(t *testing.T) {
	p := newGockProvider(t)

	gock.New("https://issuer.example.com").
		Get("/.well-known/openid-credential-issuer").
		Reply(200).
		JSON(map[string]interface{}{
			"credential_endpoint": "https://issuer.example.com/credential",
		})
	gock.New("https://issuer.example.com").
		Get("/.well-known/oauth-authorization-server").
		Reply(404)
	gock.New("https://issuer.example.com").
		Get("/.well-known/openid-configuration").
		Reply(200).
		JSON(map[string]interface{}{
			"authorization_endpoint": "https://issuer.example.com/authorize",
			"token_endpoint":         "https://issuer.example.com/token",
		})

	md, err := p.Metadata(context.Background(), "https://issuer.example.com")
	require.NoError(t, err)
	assert.Equal(t, "https://issuer.example.com", md.Issuer.CredentialIssuer)
	assert.Equal(t, "https://issuer.example.com/token", md.AuthorizationServer.TokenEndpoint)
}

func TestHTTPMetadataProvider_MissingEndpoints(t *testing.T) {
	t.Run("no credential endpoint", func(t *testing.T) {
		p := newGockProvider(t)
		gock.New("https://issuer.example.com").
			Get("/.well-known/openid-credential-issuer").
			Reply(200).
			JSON(map[string]interface{}{"credential_issuer": "https://issuer.example.com"})

		_, err := p.Metadata(context.Background(), "https://issuer.example.com")
		assert.ErrorIs(t, err, domain.ErrConfiguration)
	})

	t.Run("no token endpoint", func(t *testing.T) {
		p := newGockProvider(t)
		gock.New("https://issuer.example.com").
			Get("/.well-known/openid-credential-issuer").
			Reply(200).
			JSON(map[string]interface{}{"credential_endpoint": "https://issuer.example.com/credential"})
		gock.New("https://issuer.example.com").
			Get("/.well-known/oauth-authorization-server").
			Reply(200).
			JSON(map[string]interface{}{"authorization_endpoint": "https://issuer.example.com/authorize"})

		_, err := p.Metadata(context.Background(), "https://issuer.example.com")
		assert.ErrorIs(t, err, domain.ErrConfiguration)
	})

	t.Run("issuer unavailable", func(t *testing.T) {
		p := newGockProvider(t)
		gock.New("https://issuer.example.com").
			Get("/.well-known/openid-credential-issuer").
			Reply(500)

		_, err := p.Metadata(context.Background(), "https://issuer.example.com")
		assert.ErrorIs(t, err, domain.ErrConfiguration)
	})
}

type staticMetadata struct {
	md  *Metadata
	err error
}

func (s staticMetadata) Metadata(context.Context, string) (*Metadata, error) {
	return s.md, s.err
}
