package enums

import "fmt"

// EntityKind identifies the external record a transaction references.
type EntityKind string

const (
	EntityKindPost        EntityKind = "post"
	EntityKindShopItem    EntityKind = "shop_item"
	EntityKindUser        EntityKind = "user"
	EntityKindTransaction EntityKind = "transaction"
)

var validEntityKinds = []EntityKind{
	EntityKindPost,
	EntityKindShopItem,
	EntityKindUser,
	EntityKindTransaction,
}

// String implements fmt.Stringer.
func (k EntityKind) String() string {
	return string(k)
}

// IsValid reports whether the kind is recognized.
func (k EntityKind) IsValid() bool {
	for _, candidate := range validEntityKinds {
		if candidate == k {
			return true
		}
	}
	return false
}

// ParseEntityKind converts raw input into an EntityKind.
func ParseEntityKind(value string) (EntityKind, error) {
	for _, candidate := range validEntityKinds {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid entity kind %q", value)
}
