// Package api provides the local HTTP surface the wallet UI drives the
// issuance and presentation engines through.
package api

// APIVersion represents the current API version supported by this server.
// The api_version field in /status indicates what features are available.
const (
	// APIVersion1 is the first API version.
	APIVersion1 = 1

	// CurrentAPIVersion is the highest API version supported by this server.
	CurrentAPIVersion = APIVersion1
)

// APICapabilities describes the features available at each API version.
var APICapabilities = map[int][]string{
	APIVersion1: {
		"openid4vci",
		"deferred-issuance",
		"openid4vp",
		"verifier-attestation",
		"transaction-data",
	},
}

// StatusResponse is the response from the /status endpoint.
type StatusResponse struct {
	Status       string   `json:"status"`
	Service      string   `json:"service"`
	APIVersion   int      `json:"api_version"`
	Capabilities []string `json:"capabilities,omitempty"`
	SessionStore string   `json:"session_store,omitempty"`
}
