package presentation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-wallet-core/internal/domain"
)

// Response modes understood by SubmitResponse
const (
	ResponseModeDirectPost = "direct_post"
	ResponseModeFragment   = "fragment"
	ResponseModeQuery      = "query"
)

const defaultSubmissionFormat = "jwt_vp"

// PresentationSubmission maps presented credentials to input descriptors
type PresentationSubmission struct {
	ID            string            `json:"id"`
	DefinitionID  string            `json:"definition_id"`
	DescriptorMap []DescriptorEntry `json:"descriptor_map"`
}

// DescriptorEntry locates one input descriptor's credential in the vp_token
type DescriptorEntry struct {
	ID     string `json:"id"`
	Format string `json:"format"`
	Path   string `json:"path"`
}

// Response is what the wallet sends back to the verifier
type Response struct {
	// VPToken is a single presentation or, for DCQL, a JSON object keyed by credential query id
	VPToken    string
	Submission *PresentationSubmission
}

// BuildPresentationSubmission describes a vp_token answering every input
// descriptor of the request. Nil for DCQL-only requests.
func BuildPresentationSubmission(reqCtx *domain.PresentationRequestContext) *PresentationSubmission {
	pd := reqCtx.PresentationDefinition
	if pd == nil {
		return nil
	}

	entries := make([]DescriptorEntry, len(pd.InputDescriptors))
	for i, in := range pd.InputDescriptors {
		path := "$"
		if len(pd.InputDescriptors) > 1 {
			path = fmt.Sprintf("$[%d]", i)
		}
		entries[i] = DescriptorEntry{
			ID:     in.ID,
			Format: submissionFormat(pd, in),
			Path:   path,
		}
	}
	return &PresentationSubmission{
		ID:            pd.ID + "_submission",
		DefinitionID:  pd.ID,
		DescriptorMap: entries,
	}
}

func submissionFormat(pd *domain.PresentationDefinition, in domain.InputDescriptor) string {
	formats := in.Format
	if len(formats) == 0 {
		formats = pd.Format
	}
	keys := make([]string, 0, len(formats))
	for k := range formats {
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return defaultSubmissionFormat
	}
	sort.Strings(keys)
	return keys[0]
}

// SubmitResponse delivers the response in the request's response mode and
// returns the redirect the user agent should follow, if any.
func (e *Engine) SubmitResponse(ctx context.Context, reqCtx *domain.PresentationRequestContext, resp Response) (string, error) {
	endpoint := reqCtx.ResponseURI
	if endpoint == "" {
		endpoint = reqCtx.RedirectURI
	}
	if endpoint == "" {
		return "", fmt.Errorf("%w: no response endpoint in request", domain.ErrMalformedRequest)
	}

	params, err := responseParams(reqCtx, resp)
	if err != nil {
		return "", err
	}

	mode := reqCtx.ResponseMode
	if mode == "" {
		mode = ResponseModeDirectPost
	}

	var redirect string
	switch mode {
	case ResponseModeDirectPost:
		redirect, err = e.submitDirectPost(ctx, endpoint, params)
	case ResponseModeFragment:
		redirect, err = buildRedirect(endpoint, params, true)
	case ResponseModeQuery:
		redirect, err = buildRedirect(endpoint, params, false)
	default:
		err = fmt.Errorf("%w: unsupported response_mode %q", domain.ErrConfiguration, mode)
	}
	if err != nil {
		e.metrics.IncrementPresentation("submit_failed")
		return "", err
	}

	e.metrics.IncrementPresentation("submitted")
	e.logger.Info("Presentation response delivered",
		zap.String("client_id", reqCtx.ClientID),
		zap.String("response_mode", mode))
	return redirect, nil
}

func responseParams(reqCtx *domain.PresentationRequestContext, resp Response) (url.Values, error) {
	if resp.VPToken == "" {
		return nil, fmt.Errorf("%w: empty vp_token", domain.ErrMalformedRequest)
	}
	params := url.Values{}
	params.Set("vp_token", resp.VPToken)
	if reqCtx.State != "" {
		params.Set("state", reqCtx.State)
	}

	submission := resp.Submission
	if submission == nil {
		submission = BuildPresentationSubmission(reqCtx)
	}
	if submission != nil {
		data, err := json.Marshal(submission)
		if err != nil {
			return nil, fmt.Errorf("failed to encode presentation_submission: %w", err)
		}
		params.Set("presentation_submission", string(data))
	}
	return params, nil
}

func (e *Engine) submitDirectPost(ctx context.Context, endpoint string, params url.Values) (string, error) {
	if err := e.allowed(endpoint); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return "", fmt.Errorf("%w: invalid response endpoint: %v", domain.ErrMalformedRequest, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := *e.client
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: failed to submit response: %v", domain.ErrNetwork, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		return gjson.GetBytes(body, "redirect_uri").String(), nil
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		return resp.Header.Get("Location"), nil
	}
	return "", fmt.Errorf("%w: verifier returned status %d: %s",
		domain.ErrCredentialRejected, resp.StatusCode, strings.TrimSpace(string(body)))
}

func buildRedirect(endpoint string, params url.Values, fragment bool) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("%w: invalid redirect_uri: %v", domain.ErrMalformedRequest, err)
	}
	if fragment {
		u.Fragment, u.RawFragment = "", ""
		return u.String() + "#" + params.Encode(), nil
	}
	q := u.Query()
	for k, v := range params {
		q[k] = v
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
