package signing

import (
	"fmt"
)

// Action defines the type of signing operation
type Action string

const (
	ActionGenerateOpenid4vciProof Action = "generateOpenid4vciProof"
	ActionSignJwtPresentation     Action = "signJwtPresentation"
	ActionSignIdToken             Action = "signIdToken"
	ActionGenerateDPoPProof       Action = "generateDPoPProof"
)

// Known reports whether the action is one the dispatcher issues.
func (a Action) Known() bool {
	switch a {
	case ActionGenerateOpenid4vciProof, ActionSignJwtPresentation, ActionSignIdToken, ActionGenerateDPoPProof:
		return true
	}
	return false
}

// Request is a signing request sent to the key module
type Request struct {
	Action                Action                 `json:"action"`
	Nonce                 string                 `json:"nonce,omitempty"`
	Audience              string                 `json:"audience,omitempty"`
	Issuer                string                 `json:"issuer,omitempty"`
	VerifiableCredentials []interface{}          `json:"verifiableCredentials,omitempty"`
	KeyRef                string                 `json:"key_ref,omitempty"`
	Alg                   string                 `json:"alg,omitempty"`
	Claims                map[string]interface{} `json:"claims,omitempty"`
}

// Response is the key module's answer to a Request
type Response struct {
	Action   Action `json:"action"`
	ProofJWT string `json:"proof_jwt,omitempty"`
	VPJWT    string `json:"vpjwt,omitempty"`
	IDToken  string `json:"id_token,omitempty"`
	DPoPJWT  string `json:"dpop_jwt,omitempty"`
	Error    string `json:"error,omitempty"`
}

// outboundMessage is what the dispatcher writes to the channel
type outboundMessage struct {
	MessageID string   `json:"message_id"`
	Request   *Request `json:"request"`
}

// handshakeMessage opens an authenticated session with the key module
type handshakeMessage struct {
	AppToken string `json:"appToken"`
}

// inboundMessage is what the key module writes back
type inboundMessage struct {
	MessageID string    `json:"message_id,omitempty"`
	Type      string    `json:"type,omitempty"` // control messages like "FIN_INIT"
	Response  *Response `json:"response,omitempty"`
}

const typeFinInit = "FIN_INIT"

// State is the dispatcher connection state
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateReady
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateReady:
		return "READY"
	}
	return fmt.Sprintf("State(%d)", int(s))
}
