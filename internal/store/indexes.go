package store

import (
	"errors"
	"strings"
)

var ErrQueryUnsupported = errors.New("query unsupported")

// QueryUnsupportedError names the index a transaction query would need.
type QueryUnsupportedError struct {
	Fields []string
}

func (e *QueryUnsupportedError) Error() string {
	return "query requires an index on (" + strings.Join(e.Fields, ", ") + ")"
}

func (e *QueryUnsupportedError) Is(target error) bool {
	return target == ErrQueryUnsupported
}

type Index struct {
	Name   string
	Fields []string
}

// TransactionIndexes mirrors the credit_transactions indexes created by the
// migrations. Listing queries are only issued when one of them covers the
// equality filters and the created_at ordering.
var TransactionIndexes = []Index{
	{Name: "idx_credit_tx_user_created", Fields: []string{"user_id", "created_at"}},
	{Name: "idx_credit_tx_user_type_created", Fields: []string{"user_id", "credit_type", "created_at"}},
	{Name: "idx_credit_tx_user_kind_created", Fields: []string{"user_id", "kind", "created_at"}},
}

// PlanTransactionQuery picks the index serving filter, or reports the fields
// an index would need.
func PlanTransactionQuery(filter TransactionFilter) (Index, error) {
	required := requiredFields(filter)
	for _, index := range TransactionIndexes {
		if covers(index, required) {
			return index, nil
		}
	}
	return Index{}, &QueryUnsupportedError{Fields: required}
}

func requiredFields(filter TransactionFilter) []string {
	fields := []string{"user_id"}
	if filter.CreditType != "" {
		fields = append(fields, "credit_type")
	}
	if filter.Kind != "" {
		fields = append(fields, "kind")
	}
	return append(fields, "created_at")
}

func covers(index Index, required []string) bool {
	if len(index.Fields) != len(required) {
		return false
	}
	last := len(required) - 1
	if index.Fields[last] != required[last] {
		return false
	}
	equality := map[string]bool{}
	for _, field := range index.Fields[:last] {
		equality[field] = true
	}
	for _, field := range required[:last] {
		if !equality[field] {
			return false
		}
	}
	return true
}
