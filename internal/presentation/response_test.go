package presentation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-wallet-core/internal/domain"
)

func pdContext(responseURI string) *domain.PresentationRequestContext {
	return &domain.PresentationRequestContext{
		Query: domain.Query{PresentationDefinition: &domain.PresentationDefinition{
			ID: "pd-1",
			InputDescriptors: []domain.InputDescriptor{
				{ID: "diploma", Format: map[string]interface{}{"vc+sd-jwt": map[string]interface{}{}}},
			},
		}},
		Nonce:       "nonce-1",
		ClientID:    "verifier.example.com",
		State:       "st-1",
		ResponseURI: responseURI,
	}
}

func TestBuildPresentationSubmission(t *testing.T) {
	reqCtx := pdContext("https://verifier.example.com/response")
	sub := BuildPresentationSubmission(reqCtx)
	require.NotNil(t, sub)
	assert.Equal(t, "pd-1", sub.DefinitionID)
	assert.Equal(t, []DescriptorEntry{{ID: "diploma", Format: "vc+sd-jwt", Path: "$"}}, sub.DescriptorMap)

	reqCtx.PresentationDefinition.InputDescriptors = append(reqCtx.PresentationDefinition.InputDescriptors,
		domain.InputDescriptor{ID: "pid"})
	sub = BuildPresentationSubmission(reqCtx)
	assert.Equal(t, "$[0]", sub.DescriptorMap[0].Path)
	assert.Equal(t, DescriptorEntry{ID: "pid", Format: "jwt_vp", Path: "$[1]"}, sub.DescriptorMap[1])

	assert.Nil(t, BuildPresentationSubmission(&domain.PresentationRequestContext{
		Query: domain.Query{DCQL: &domain.DCQLQuery{}},
	}))
}

func TestSubmitResponse_DirectPost(t *testing.T) {
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		form = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"redirect_uri": "https://verifier.example.com/done#rc=1"})
	}))
	defer srv.Close()

	e := newTestEngine()
	redirect, err := e.SubmitResponse(context.Background(), pdContext(srv.URL), Response{VPToken: "eyJ.vp~"})
	require.NoError(t, err)
	assert.Equal(t, "https://verifier.example.com/done#rc=1", redirect)

	assert.Equal(t, "eyJ.vp~", form.Get("vp_token"))
	assert.Equal(t, "st-1", form.Get("state"))
	var sub PresentationSubmission
	require.NoError(t, json.Unmarshal([]byte(form.Get("presentation_submission")), &sub))
	assert.Equal(t, "pd-1", sub.DefinitionID)
}

func TestSubmitResponse_DirectPostRedirectStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "https://verifier.example.com/next", http.StatusFound)
	}))
	defer srv.Close()

	redirect, err := newTestEngine().SubmitResponse(context.Background(), pdContext(srv.URL), Response{VPToken: "vp"})
	require.NoError(t, err)
	assert.Equal(t, "https://verifier.example.com/next", redirect)
}

func TestSubmitResponse_DCQLWithoutSubmission(t *testing.T) {
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		form = r.PostForm
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reqCtx := &domain.PresentationRequestContext{
		Query:       dcql(domain.DCQLCredential{ID: "pid", Format: "dc+sd-jwt"}),
		Nonce:       "n",
		ClientID:    "verifier.example.com",
		ResponseURI: srv.URL,
	}
	redirect, err := newTestEngine().SubmitResponse(context.Background(), reqCtx, Response{VPToken: `{"pid":["eyJ.vp~"]}`})
	require.NoError(t, err)
	assert.Empty(t, redirect)
	assert.Equal(t, `{"pid":["eyJ.vp~"]}`, form.Get("vp_token"))
	assert.Empty(t, form.Get("presentation_submission"))
	assert.Empty(t, form.Get("state"))
}

func TestSubmitResponse_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_request"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newTestEngine().SubmitResponse(context.Background(), pdContext(srv.URL), Response{VPToken: "vp"})
	assert.ErrorIs(t, err, domain.ErrCredentialRejected)
}

func TestSubmitResponse_RedirectModes(t *testing.T) {
	reqCtx := pdContext("")
	reqCtx.RedirectURI = "https://verifier.example.com/cb?session=7"

	reqCtx.ResponseMode = ResponseModeFragment
	redirect, err := newTestEngine().SubmitResponse(context.Background(), reqCtx, Response{VPToken: "a/b+c"})
	require.NoError(t, err)
	u, err := url.Parse(redirect)
	require.NoError(t, err)
	assert.Equal(t, "session=7", u.RawQuery)
	frag, err := url.ParseQuery(u.EscapedFragment())
	require.NoError(t, err)
	assert.Equal(t, "a/b+c", frag.Get("vp_token"))
	assert.Equal(t, "st-1", frag.Get("state"))

	reqCtx.ResponseMode = ResponseModeQuery
	redirect, err = newTestEngine().SubmitResponse(context.Background(), reqCtx, Response{VPToken: "a/b+c"})
	require.NoError(t, err)
	u, err = url.Parse(redirect)
	require.NoError(t, err)
	assert.Equal(t, "7", u.Query().Get("session"))
	assert.Equal(t, "a/b+c", u.Query().Get("vp_token"))
}

func TestSubmitResponse_Errors(t *testing.T) {
	e := newTestEngine()

	_, err := e.SubmitResponse(context.Background(), pdContext(""), Response{VPToken: "vp"})
	assert.ErrorIs(t, err, domain.ErrMalformedRequest)

	_, err = e.SubmitResponse(context.Background(), pdContext("https://verifier.example.com/r"), Response{})
	assert.ErrorIs(t, err, domain.ErrMalformedRequest)

	reqCtx := pdContext("https://verifier.example.com/r")
	reqCtx.ResponseMode = "direct_post.jwt"
	_, err = e.SubmitResponse(context.Background(), reqCtx, Response{VPToken: "vp"})
	assert.ErrorIs(t, err, domain.ErrConfiguration)

	_, err = e.SubmitResponse(context.Background(), pdContext("http://127.0.0.1:1/r"), Response{VPToken: "vp"})
	assert.ErrorIs(t, err, domain.ErrNetwork)
}
