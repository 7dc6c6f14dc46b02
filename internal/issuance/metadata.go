package issuance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sirosfoundation/go-wallet-core/internal/domain"
	"github.com/sirosfoundation/go-wallet-core/internal/tokens"
)

const (
	wellKnownCredentialIssuer = "/.well-known/openid-credential-issuer"
	wellKnownOAuthServer      = "/.well-known/oauth-authorization-server"
	wellKnownOpenIDConfig     = "/.well-known/openid-configuration"
)

// IssuerMetadata represents OpenID4VCI credential issuer metadata
type IssuerMetadata struct {
	CredentialIssuer                  string                             `json:"credential_issuer"`
	AuthorizationServers              []string                           `json:"authorization_servers,omitempty"`
	CredentialEndpoint                string                             `json:"credential_endpoint"`
	NonceEndpoint                     string                             `json:"nonce_endpoint,omitempty"`
	DeferredCredentialEndpoint        string                             `json:"deferred_credential_endpoint,omitempty"`
	BatchCredentialIssuance           *BatchCredentialIssuance           `json:"batch_credential_issuance,omitempty"`
	CredentialConfigurationsSupported map[string]CredentialConfiguration `json:"credential_configurations_supported,omitempty"`
}

// BatchCredentialIssuance advertises batch issuance support
type BatchCredentialIssuance struct {
	BatchSize int `json:"batch_size"`
}

// CredentialConfiguration represents a credential configuration
type CredentialConfiguration struct {
	Format              string                 `json:"format"`
	VCT                 string                 `json:"vct,omitempty"`
	Doctype             string                 `json:"doctype,omitempty"`
	Scope               string                 `json:"scope,omitempty"`
	ProofTypesSupported map[string]interface{} `json:"proof_types_supported,omitempty"`
}

// AuthorizationServerMetadata represents OAuth 2.0 authorization server metadata
type AuthorizationServerMetadata struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	DPoPSigningAlgValuesSupported []string `json:"dpop_signing_alg_values_supported,omitempty"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
}

// Metadata is everything a flow needs to know about an issuer
type Metadata struct {
	Issuer              *IssuerMetadata
	AuthorizationServer *AuthorizationServerMetadata
}

// MetadataProvider resolves issuer and authorization server metadata.
type MetadataProvider interface {
	Metadata(ctx context.Context, issuer string) (*Metadata, error)
}

// TokenEndpointResolver adapts a MetadataProvider for the token manager.
func TokenEndpointResolver(p MetadataProvider) tokens.EndpointResolver {
	return tokens.EndpointResolverFunc(func(ctx context.Context, issuer string) (string, error) {
		md, err := p.Metadata(ctx, issuer)
		if err != nil {
			return "", err
		}
		return md.AuthorizationServer.TokenEndpoint, nil
	})
}

// HTTPMetadataProvider fetches metadata from the well-known endpoints on
// every call.
type HTTPMetadataProvider struct {
	client *http.Client
	logger *zap.Logger
}

// NewHTTPMetadataProvider creates a provider. A nil client gets a 30s timeout.
func NewHTTPMetadataProvider(client *http.Client, logger *zap.Logger) *HTTPMetadataProvider {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPMetadataProvider{client: client, logger: logger.Named("metadata")}
}

// Metadata fetches the issuer metadata and then the metadata of its first
// authorization server, falling back to the issuer itself.
func (p *HTTPMetadataProvider) Metadata(ctx context.Context, issuer string) (*Metadata, error) {
	var im IssuerMetadata
	if err := p.getJSON(ctx, strings.TrimSuffix(issuer, "/")+wellKnownCredentialIssuer, &im); err != nil {
		return nil, err
	}
	if im.CredentialEndpoint == "" {
		return nil, fmt.Errorf("%w: issuer metadata lacks credential_endpoint", domain.ErrConfiguration)
	}
	if im.CredentialIssuer == "" {
		im.CredentialIssuer = issuer
	}

	authServer := im.CredentialIssuer
	if len(im.AuthorizationServers) > 0 {
		authServer = im.AuthorizationServers[0]
	}
	base := strings.TrimSuffix(authServer, "/")

	var as AuthorizationServerMetadata
	err := p.getJSON(ctx, base+wellKnownOAuthServer, &as)
	if err != nil {
		p.logger.Debug("OAuth server metadata unavailable, trying OpenID configuration",
			zap.String("authorization_server", authServer), zap.Error(err))
		as = AuthorizationServerMetadata{}
		if err := p.getJSON(ctx, base+wellKnownOpenIDConfig, &as); err != nil {
			return nil, err
		}
	}
	if as.TokenEndpoint == "" {
		return nil, fmt.Errorf("%w: authorization server metadata lacks token_endpoint", domain.ErrConfiguration)
	}

	return &Metadata{Issuer: &im, AuthorizationServer: &as}, nil
}

func (p *HTTPMetadataProvider) getJSON(ctx context.Context, target string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: failed to fetch metadata: %v", domain.ErrNetwork, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: metadata fetch from %s returned status %d: %s",
			domain.ErrConfiguration, target, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: failed to parse metadata: %v", domain.ErrConfiguration, err)
	}
	return nil
}
