package enums

import "fmt"

// TransactionType categorizes the ledger event that produced a transaction.
type TransactionType string

const (
	TransactionTypeCheckin    TransactionType = "checkin"
	TransactionTypeTip        TransactionType = "tip"
	TransactionTypePurchase   TransactionType = "purchase"
	TransactionTypeRefund     TransactionType = "refund"
	TransactionTypeGrant      TransactionType = "grant"
	TransactionTypeAdjustment TransactionType = "adjustment"
)

var validTransactionTypes = []TransactionType{
	TransactionTypeCheckin,
	TransactionTypeTip,
	TransactionTypePurchase,
	TransactionTypeRefund,
	TransactionTypeGrant,
	TransactionTypeAdjustment,
}

// String implements fmt.Stringer.
func (t TransactionType) String() string {
	return string(t)
}

// IsValid reports whether the value matches a canonical transaction type.
func (t TransactionType) IsValid() bool {
	for _, candidate := range validTransactionTypes {
		if candidate == t {
			return true
		}
	}
	return false
}

// ParseTransactionType converts raw input into a TransactionType.
func ParseTransactionType(value string) (TransactionType, error) {
	for _, candidate := range validTransactionTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid transaction type %q", value)
}
