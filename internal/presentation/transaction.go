package presentation

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"github.com/sirosfoundation/go-wallet-core/internal/domain"
)

// HashAlgSHA256 is the only transaction data hash algorithm the wallet computes
const HashAlgSHA256 = "sha-256"

// TransactionDataResponse binds a presentation to one transaction data entry
type TransactionDataResponse struct {
	TransactionDataHashes    []string `json:"transaction_data_hashes"`
	TransactionDataHashesAlg []string `json:"transaction_data_hashes_alg"`
}

// ParseTransactionData decodes every entry. A single malformed entry, an
// entry bound to an id the query does not request, or an unsupported type
// rejects the whole set. An empty supported list accepts any type.
func ParseTransactionData(entries []string, query domain.Query, supported []string) ([]domain.TransactionDataRequest, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	ids := query.DescriptorIDs()

	out := make([]domain.TransactionDataRequest, 0, len(entries))
	for i, encoded := range entries {
		td, err := decodeTransactionData(encoded)
		if err != nil {
			return nil, fmt.Errorf("%w: transaction_data[%d]: %v", domain.ErrMalformedRequest, i, err)
		}
		if len(supported) > 0 && !lo.Contains(supported, td.Type) {
			return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedTransactionDataType, td.Type)
		}
		if unknown := lo.Without(td.CredentialIDs, ids...); len(unknown) > 0 {
			return nil, fmt.Errorf("%w: transaction_data[%d] bound to unknown credential ids %v",
				domain.ErrMalformedRequest, i, unknown)
		}
		if len(td.HashAlgs) > 0 && !lo.Contains(td.HashAlgs, HashAlgSHA256) {
			return nil, fmt.Errorf("%w: transaction_data[%d] does not accept %s",
				domain.ErrMalformedRequest, i, HashAlgSHA256)
		}
		out = append(out, td)
	}
	return out, nil
}

// GenerateTransactionDataResponse hashes the first entry bound to
// descriptorID. The hash covers the entry exactly as it was received.
func GenerateTransactionDataResponse(descriptorID string, entries []string, query domain.Query) (*TransactionDataResponse, error) {
	parsed, err := ParseTransactionData(entries, query, nil)
	if err != nil {
		return nil, err
	}

	td, ok := lo.Find(parsed, func(td domain.TransactionDataRequest) bool {
		return td.Binds(descriptorID)
	})
	if !ok {
		return nil, fmt.Errorf("%w: no transaction data bound to %q", domain.ErrMalformedRequest, descriptorID)
	}

	sum := sha256.Sum256([]byte(td.Encoded))
	return &TransactionDataResponse{
		TransactionDataHashes:    []string{base64.RawURLEncoding.EncodeToString(sum[:])},
		TransactionDataHashesAlg: []string{HashAlgSHA256},
	}, nil
}

func decodeTransactionData(encoded string) (domain.TransactionDataRequest, error) {
	var td domain.TransactionDataRequest
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(encoded, "="))
	if err != nil {
		return td, fmt.Errorf("not base64url: %v", err)
	}
	if err := json.Unmarshal(raw, &td); err != nil {
		return td, fmt.Errorf("not a JSON object: %v", err)
	}
	if td.Type == "" {
		return td, errors.New("missing type")
	}
	if len(td.CredentialIDs) == 0 {
		return td, errors.New("missing credential_ids")
	}
	td.Encoded = encoded
	return td, nil
}
