package models

import (
	"errors"
	"fmt"
	"strings"
)

// KeySeparator joins identity components in the canonical composite key.
const KeySeparator = ";"

// ErrMalformedCompositeKey is returned when a composite key does not have
// exactly four components.
var ErrMalformedCompositeKey = errors.New("composite key must have 4 ';' separated fields")

// Identity is the composite identity a threshold is configured for.
type Identity struct {
	TenantID        string `json:"tenant_id"`
	PropertyID      string `json:"property_id"`
	InterfaceID     string `json:"interface_id"`
	TransactionType string `json:"transaction_type"`
}

// Canonical renders the identity in its fixed wire order:
// propertyId;tenantId;transactionType;interfaceId. Components are not
// validated, empty strings are kept as-is.
func (i Identity) Canonical() string {
	return strings.Join([]string{i.PropertyID, i.TenantID, i.TransactionType, i.InterfaceID}, KeySeparator)
}

func (i Identity) String() string { return i.Canonical() }

// ParseCompositeKey splits a canonical composite key back into an Identity.
func ParseCompositeKey(key string) (Identity, error) {
	parts := strings.Split(key, KeySeparator)
	if len(parts) != 4 {
		return Identity{}, fmt.Errorf("%w: got %d", ErrMalformedCompositeKey, len(parts))
	}
	return Identity{
		PropertyID:      parts[0],
		TenantID:        parts[1],
		TransactionType: parts[2],
		InterfaceID:     parts[3],
	}, nil
}

// SyntheticIdentity is the identity used for generated test thresholds:
// property_{i};tenant_0;type_error;interface_api.
func SyntheticIdentity(i int) Identity {
	return Identity{
		PropertyID:      fmt.Sprintf("property_%d", i),
		TenantID:        "tenant_0",
		TransactionType: "type_error",
		InterfaceID:     "interface_api",
	}
}
