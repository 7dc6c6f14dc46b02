package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PresentationDefinition represents a DIF Presentation Definition
type PresentationDefinition struct {
	ID               string                 `json:"id"`
	Name             string                 `json:"name,omitempty"`
	Purpose          string                 `json:"purpose,omitempty"`
	InputDescriptors []InputDescriptor      `json:"input_descriptors"`
	Format           map[string]interface{} `json:"format,omitempty"`
}

// InputDescriptor represents a single input requirement
type InputDescriptor struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name,omitempty"`
	Purpose     string                 `json:"purpose,omitempty"`
	Format      map[string]interface{} `json:"format,omitempty"`
	Constraints *Constraints           `json:"constraints,omitempty"`
}

// Constraints represents input descriptor constraints
type Constraints struct {
	LimitDisclosure string  `json:"limit_disclosure,omitempty"`
	Fields          []Field `json:"fields,omitempty"`
}

// Field represents a required field in credentials
type Field struct {
	Path     []string               `json:"path"`
	Filter   map[string]interface{} `json:"filter,omitempty"`
	Optional bool                   `json:"optional,omitempty"`
}

// DCQLQuery is a Digital Credentials Query Language query.
type DCQLQuery struct {
	Credentials    []DCQLCredential `json:"credentials"`
	CredentialSets []DCQLSet        `json:"credential_sets,omitempty"`
}

// DCQLCredential is one credential query inside a DCQL query.
type DCQLCredential struct {
	ID       string      `json:"id"`
	Format   string      `json:"format"`
	Multiple bool        `json:"multiple,omitempty"`
	Meta     *DCQLMeta   `json:"meta,omitempty"`
	Claims   []DCQLClaim `json:"claims,omitempty"`
}

// DCQLMeta holds format specific constraints.
type DCQLMeta struct {
	VCTValues    []string `json:"vct_values,omitempty"`
	DoctypeValue string   `json:"doctype_value,omitempty"`
}

// DCQLClaim requests a claim by path.
type DCQLClaim struct {
	ID     string        `json:"id,omitempty"`
	Path   ClaimPath     `json:"path"`
	Values []interface{} `json:"values,omitempty"`
}

// DCQLSet lists alternative combinations of credential ids.
type DCQLSet struct {
	Options  [][]string `json:"options"`
	Required *bool      `json:"required,omitempty"`
}

// ClaimPath is a claims path pointer: strings select object keys, integers
// select array indices and null selects all array elements.
type ClaimPath []interface{}

// String renders the path as dot separated segments, "*" for null.
func (p ClaimPath) String() string {
	parts := make([]string, 0, len(p))
	for _, seg := range p {
		switch v := seg.(type) {
		case nil:
			parts = append(parts, "*")
		case string:
			parts = append(parts, v)
		case float64:
			parts = append(parts, strconv.FormatInt(int64(v), 10))
		case int:
			parts = append(parts, strconv.Itoa(v))
		default:
			parts = append(parts, fmt.Sprint(v))
		}
	}
	return strings.Join(parts, ".")
}

// Query is the verifier's credential query. Either form may be present.
type Query struct {
	PresentationDefinition *PresentationDefinition `json:"presentation_definition,omitempty"`
	DCQL                   *DCQLQuery              `json:"dcql_query,omitempty"`
}

// Empty reports whether neither query form is present.
func (q Query) Empty() bool {
	return q.PresentationDefinition == nil && q.DCQL == nil
}

// DescriptorIDs returns the ids of every credential descriptor in the query.
func (q Query) DescriptorIDs() []string {
	var ids []string
	if q.PresentationDefinition != nil {
		for _, d := range q.PresentationDefinition.InputDescriptors {
			ids = append(ids, d.ID)
		}
	}
	if q.DCQL != nil {
		for _, c := range q.DCQL.Credentials {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

// ClientMetadata represents verifier/client metadata
type ClientMetadata struct {
	ClientName    string                 `json:"client_name,omitempty"`
	LogoURI       string                 `json:"logo_uri,omitempty"`
	ClientPurpose string                 `json:"client_purpose,omitempty"`
	VPFormats     map[string]interface{} `json:"vp_formats,omitempty"`
}

// PresentationRequestContext is the parsed form of one presentation request.
// It is not modified after parsing.
type PresentationRequestContext struct {
	Query
	Nonce                string          `json:"nonce"`
	ResponseURI          string          `json:"response_uri,omitempty"`
	RedirectURI          string          `json:"redirect_uri,omitempty"`
	ResponseMode         string          `json:"response_mode,omitempty"`
	ClientID             string          `json:"client_id"`
	State                string          `json:"state,omitempty"`
	ClientMetadata       *ClientMetadata `json:"client_metadata,omitempty"`
	TransactionData      []string        `json:"transaction_data,omitempty"`
	VerifierAttestations []string        `json:"verifier_attestations,omitempty"`
}

// TransactionDataRequest is one decoded transaction_data entry.
type TransactionDataRequest struct {
	Type          string   `json:"type"`
	CredentialIDs []string `json:"credential_ids"`
	HashAlgs      []string `json:"transaction_data_hashes_alg,omitempty"`
	// Encoded is the entry exactly as received; hashes are computed over it.
	Encoded string `json:"-"`
}

// Binds reports whether the entry is bound to the credential descriptor id.
func (t TransactionDataRequest) Binds(descriptorID string) bool {
	for _, id := range t.CredentialIDs {
		if id == descriptorID {
			return true
		}
	}
	return false
}

// AttestedClaim is one claim path a verifier is registered to request.
type AttestedClaim struct {
	Path ClaimPath `json:"path"`
}

// AttestedCredential is one credential type a verifier is registered to request.
type AttestedCredential struct {
	Format string `json:"format"`
	Meta   struct {
		VCTValues []string `json:"vct_values,omitempty"`
	} `json:"meta"`
	Claims []AttestedClaim `json:"claims,omitempty"`
}

// VerifierAttestation is the verified registrar statement about a verifier.
type VerifierAttestation struct {
	Issuer        string               `json:"iss,omitempty"`
	Subject       string               `json:"sub,omitempty"`
	PrivacyPolicy string               `json:"privacy_policy,omitempty"`
	Purpose       string               `json:"purpose,omitempty"`
	Credentials   []AttestedCredential `json:"credentials"`
	ExpiresAt     time.Time            `json:"-"`
}

// ViolationKind classifies a policy violation.
type ViolationKind string

const (
	ViolationFormat ViolationKind = "format"
	ViolationVCT    ViolationKind = "vct"
	ViolationClaim  ViolationKind = "claim"
)

// PolicyViolation records one request element not covered by the verifier attestation.
type PolicyViolation struct {
	Kind         ViolationKind `json:"kind"`
	DescriptorID string        `json:"descriptor_id,omitempty"`
	Message      string        `json:"message"`
	Requested    string        `json:"requested"`
	Allowed      []string      `json:"allowed,omitempty"`
}

// SerializeRequestContext encodes a request context as an opaque blob.
func SerializeRequestContext(c *PresentationRequestContext) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to serialize request context: %w", err)
	}
	return string(data), nil
}

// DeserializeRequestContext decodes a blob produced by SerializeRequestContext.
func DeserializeRequestContext(blob string) (*PresentationRequestContext, error) {
	var c PresentationRequestContext
	if err := json.Unmarshal([]byte(blob), &c); err != nil {
		return nil, fmt.Errorf("failed to deserialize request context: %w", err)
	}
	return &c, nil
}
