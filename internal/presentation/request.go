package presentation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-wallet-core/internal/domain"
)

// authorizationRequest is an OpenID4VP authorization request as sent by the verifier
type authorizationRequest struct {
	ResponseType           string                         `json:"response_type,omitempty"`
	ClientID               string                         `json:"client_id"`
	ResponseMode           string                         `json:"response_mode,omitempty"`
	ResponseURI            string                         `json:"response_uri,omitempty"`
	RedirectURI            string                         `json:"redirect_uri,omitempty"`
	Nonce                  string                         `json:"nonce"`
	State                  string                         `json:"state,omitempty"`
	PresentationDefinition *domain.PresentationDefinition `json:"presentation_definition,omitempty"`
	DCQLQuery              *domain.DCQLQuery              `json:"dcql_query,omitempty"`
	ClientMetadata         *domain.ClientMetadata         `json:"client_metadata,omitempty"`
	TransactionData        []string                       `json:"transaction_data,omitempty"`
	VerifierAttestations   json.RawMessage                `json:"verifier_attestations,omitempty"`
}

// ParseRequest decodes a presentation request given as an openid4vp:// or
// haip:// URL, a request object JWT, or a JSON object. A request_uri
// reference is fetched. Transaction data entries are decoded and checked.
func (e *Engine) ParseRequest(ctx context.Context, raw string) (*domain.PresentationRequestContext, []domain.TransactionDataRequest, error) {
	req, err := e.decodeRequest(ctx, strings.TrimSpace(raw))
	if err != nil {
		e.metrics.IncrementPresentation("malformed")
		return nil, nil, err
	}

	reqCtx, err := req.context()
	if err != nil {
		e.metrics.IncrementPresentation("malformed")
		return nil, nil, err
	}

	txData, err := ParseTransactionData(reqCtx.TransactionData, reqCtx.Query, e.cfg.TransactionDataTypes)
	if err != nil {
		e.metrics.IncrementPresentation("malformed")
		return nil, nil, err
	}

	e.metrics.IncrementPresentation("parsed")
	e.logger.Debug("Presentation request parsed",
		zap.String("client_id", reqCtx.ClientID),
		zap.Strings("descriptors", reqCtx.DescriptorIDs()),
		zap.Int("transaction_data", len(txData)))
	return reqCtx, txData, nil
}

func (e *Engine) decodeRequest(ctx context.Context, raw string) (*authorizationRequest, error) {
	switch {
	case raw == "":
		return nil, fmt.Errorf("%w: empty request", domain.ErrMalformedRequest)
	case strings.HasPrefix(raw, "{"):
		if uri := gjson.Get(raw, "request_uri").String(); uri != "" {
			return e.fetchRequest(ctx, uri, gjson.Get(raw, "request_uri_method").String())
		}
		if obj := gjson.Get(raw, "request").String(); obj != "" {
			return parseRequestJWT(obj)
		}
		return parseRequestJSON([]byte(raw))
	case strings.Contains(raw, "://"):
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid request URL: %v", domain.ErrMalformedRequest, err)
		}
		return e.parseRequestURL(ctx, u)
	case strings.Count(raw, ".") == 2:
		return parseRequestJWT(raw)
	}

	// bare query string
	u := &url.URL{RawQuery: strings.TrimPrefix(raw, "?")}
	return e.parseRequestURL(ctx, u)
}

func (e *Engine) parseRequestURL(ctx context.Context, u *url.URL) (*authorizationRequest, error) {
	q := u.Query()
	if uri := q.Get("request_uri"); uri != "" {
		return e.fetchRequest(ctx, uri, q.Get("request_uri_method"))
	}
	if obj := q.Get("request"); obj != "" {
		return parseRequestJWT(obj)
	}

	req := &authorizationRequest{
		ResponseType: q.Get("response_type"),
		ClientID:     q.Get("client_id"),
		ResponseMode: q.Get("response_mode"),
		ResponseURI:  q.Get("response_uri"),
		RedirectURI:  q.Get("redirect_uri"),
		Nonce:        q.Get("nonce"),
		State:        q.Get("state"),
	}

	params := []struct {
		name string
		dst  interface{}
	}{
		{"presentation_definition", &req.PresentationDefinition},
		{"dcql_query", &req.DCQLQuery},
		{"client_metadata", &req.ClientMetadata},
		{"transaction_data", &req.TransactionData},
	}
	for _, p := range params {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		if err := json.Unmarshal([]byte(v), p.dst); err != nil {
			return nil, fmt.Errorf("%w: invalid %s: %v", domain.ErrMalformedRequest, p.name, err)
		}
	}
	if v := q.Get("verifier_attestations"); v != "" {
		req.VerifierAttestations = json.RawMessage(v)
	}
	return req, nil
}

// parseRequestJWT decodes a request object without verifying it. The
// verifier is authenticated through its attestation instead.
func parseRequestJWT(token string) (*authorizationRequest, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("%w: invalid request object: %v", domain.ErrMalformedRequest, err)
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid request object: %v", domain.ErrMalformedRequest, err)
	}
	return parseRequestJSON(payload)
}

func parseRequestJSON(data []byte) (*authorizationRequest, error) {
	var req authorizationRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("%w: failed to parse request: %v", domain.ErrMalformedRequest, err)
	}
	return &req, nil
}

func (e *Engine) fetchRequest(ctx context.Context, uri, method string) (*authorizationRequest, error) {
	if err := e.allowed(uri); err != nil {
		return nil, err
	}
	var (
		req *http.Request
		err error
	)
	if strings.EqualFold(method, http.MethodPost) {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, uri, strings.NewReader(url.Values{}.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: invalid request_uri: %v", domain.ErrMalformedRequest, err)
	}
	req.Header.Set("Accept", "application/oauth-authz-req+jwt, application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to fetch request: %v", domain.ErrNetwork, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: request fetch returned status %d", domain.ErrMalformedRequest, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read request: %v", domain.ErrNetwork, err)
	}

	text := strings.TrimSpace(string(body))
	if !strings.HasPrefix(text, "{") && strings.Count(text, ".") == 2 {
		return parseRequestJWT(text)
	}
	return parseRequestJSON([]byte(text))
}

// context validates the request and converts it
func (r *authorizationRequest) context() (*domain.PresentationRequestContext, error) {
	var missing []string
	if r.ClientID == "" {
		missing = append(missing, "client_id")
	}
	if r.Nonce == "" {
		missing = append(missing, "nonce")
	}
	if r.PresentationDefinition == nil && r.DCQLQuery == nil {
		missing = append(missing, "presentation_definition or dcql_query")
	}
	if r.ResponseURI == "" && r.RedirectURI == "" {
		missing = append(missing, "response_uri or redirect_uri")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %s", domain.ErrMalformedRequest, strings.Join(missing, ", "))
	}

	attestations, err := attestationTokens(r.VerifierAttestations)
	if err != nil {
		return nil, err
	}

	return &domain.PresentationRequestContext{
		Query: domain.Query{
			PresentationDefinition: r.PresentationDefinition,
			DCQL:                   r.DCQLQuery,
		},
		Nonce:                r.Nonce,
		ResponseURI:          r.ResponseURI,
		RedirectURI:          r.RedirectURI,
		ResponseMode:         r.ResponseMode,
		ClientID:             r.ClientID,
		State:                r.State,
		ClientMetadata:       r.ClientMetadata,
		TransactionData:      r.TransactionData,
		VerifierAttestations: attestations,
	}, nil
}

// attestationTokens accepts both bare JWT strings and {"format":"jwt","data":...} objects
func attestationTokens(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	list := gjson.ParseBytes(raw)
	if !list.IsArray() {
		return nil, fmt.Errorf("%w: verifier_attestations must be an array", domain.ErrMalformedRequest)
	}

	var tokens []string
	var bad bool
	list.ForEach(func(_, v gjson.Result) bool {
		switch {
		case v.Type == gjson.String && v.String() != "":
			tokens = append(tokens, v.String())
		case v.IsObject() && v.Get("data").Type == gjson.String:
			tokens = append(tokens, v.Get("data").String())
		default:
			bad = true
			return false
		}
		return true
	})
	if bad {
		return nil, fmt.Errorf("%w: malformed verifier_attestations entry", domain.ErrMalformedRequest)
	}
	return tokens, nil
}
