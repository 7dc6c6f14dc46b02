package cmd

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-wallet-core/internal/testutil"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configFile, output, logLevel = "", "table", "error"
	registrarURL, policyRegistrarURL = "", ""

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func registrar(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	root := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(root)
	}))
	t.Cleanup(srv.Close)
	return key, srv.URL
}

func attestation(t *testing.T, key *ecdsa.PrivateKey) string {
	t.Helper()
	return testutil.SignES256(t, key, jwt.MapClaims{
		"iss":     "https://registrar.example.com",
		"sub":     "verifier.example.com",
		"purpose": "Check diplomas",
		"exp":     time.Now().Add(time.Hour).Unix(),
		"credentials": []interface{}{
			map[string]interface{}{
				"format": "dc+sd-jwt",
				"meta":   map[string]interface{}{"vct_values": []string{"diploma"}},
				"claims": []interface{}{map[string]interface{}{"path": []interface{}{"degree"}}},
			},
		},
	}, nil, nil)
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content+"\n"), 0o600))
	return path
}

func TestVerifyCredential_Untrusted(t *testing.T) {
	out, err := run(t, "verify-credential", "eyJ.not.trusted")
	assert.ErrorIs(t, err, errUntrusted)
	assert.Contains(t, out, "trusted: false")
}

func TestVerifyAttestation(t *testing.T) {
	key, url := registrar(t)
	path := writeFile(t, "attestation.jwt", attestation(t, key))

	out, err := run(t, "verify-attestation", path, "--registrar", url)
	require.NoError(t, err)
	assert.Contains(t, out, "subject: verifier.example.com")
	assert.Contains(t, out, "purpose: Check diplomas")
	assert.Contains(t, out, "diploma")

	out, err = run(t, "verify-attestation", "@"+path, "--registrar", url, "-o", "json")
	require.NoError(t, err)
	var att map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &att))
	assert.Equal(t, "verifier.example.com", att["sub"])
}

func TestVerifyAttestation_Errors(t *testing.T) {
	_, err := run(t, "verify-attestation", "eyJ.a.b")
	assert.ErrorContains(t, err, "--registrar is required")

	other, _ := registrar(t)
	_, url := registrar(t)
	_, err = run(t, "verify-attestation", attestation(t, other), "--registrar", url)
	assert.Error(t, err)
}

func pidRequest(t *testing.T, extra map[string]interface{}) string {
	t.Helper()
	req := map[string]interface{}{
		"client_id":     "verifier.example.com",
		"response_uri":  "https://verifier.example.com/response",
		"response_mode": "direct_post",
		"nonce":         "nonce-1",
		"dcql_query": map[string]interface{}{
			"credentials": []interface{}{
				map[string]interface{}{
					"id":     "pid",
					"format": "dc+sd-jwt",
					"meta":   map[string]interface{}{"vct_values": []string{"urn:eudi:pid:1"}},
				},
			},
		},
	}
	for k, v := range extra {
		req[k] = v
	}
	data, err := json.Marshal(req)
	require.NoError(t, err)
	return string(data)
}

func TestParseRequest(t *testing.T) {
	q := url.Values{}
	q.Set("client_id", "verifier.example.com")
	q.Set("response_uri", "https://verifier.example.com/response")
	q.Set("nonce", "nonce-1")
	q.Set("dcql_query", `{"credentials":[{"id":"pid","format":"dc+sd-jwt"}]}`)

	out, err := run(t, "parse-request", "openid4vp://?"+q.Encode())
	require.NoError(t, err)
	assert.Contains(t, out, "client_id:     verifier.example.com")
	assert.Contains(t, out, "descriptors:   pid")

	out, err = run(t, "parse-request", writeFile(t, "request.json", pidRequest(t, nil)), "-o", "json")
	require.NoError(t, err)
	var parsed parsedRequest
	require.NoError(t, json.Unmarshal([]byte(out), &parsed))
	assert.Equal(t, "nonce-1", parsed.Request.Nonce)

	_, err = run(t, "parse-request", "{not json")
	assert.Error(t, err)
}

func TestCheckPolicy(t *testing.T) {
	key, url := registrar(t)
	raw := pidRequest(t, map[string]interface{}{"verifier_attestations": []string{attestation(t, key)}})

	out, err := run(t, "check-policy", raw, "--registrar", url)
	require.NoError(t, err)
	assert.Contains(t, out, "KIND")
	assert.Contains(t, out, "urn:eudi:pid:1")
	assert.NotContains(t, out, "not attested")

	out, err = run(t, "check-policy", pidRequest(t, nil))
	require.NoError(t, err)
	assert.Contains(t, out, "Verifier is not attested.")
}
