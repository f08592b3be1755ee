package domain

import (
	"fmt"
	"time"
)

// Transaction is a single financial transaction submitted for decisioning.
// Fields is an open mapping of field name to scalar value (number, string,
// or boolean); rules reference fields by name and unknown fields are
// ignored. The engine never mutates or retains a transaction.
type Transaction struct {
	// Core identifiers
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	// EntityID identifies the account or customer behind the transaction.
	// Used for velocity counting; optional.
	EntityID string `json:"entityId,omitempty"`

	// Fields holds the scalar attributes rules evaluate against,
	// e.g. transaction_amount, merchant_category, is_new_device.
	Fields map[string]any `json:"fields"`

	// Temporal
	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"createdAt"`
}

// EvaluateRequest is the API request payload for transaction decisioning.
type EvaluateRequest struct {
	TransactionID string         `json:"transactionId,omitempty"`
	EntityID      string         `json:"entityId,omitempty"`
	Fields        map[string]any `json:"fields"`
}

// Validate checks that the request carries at least one field and that
// every field value is a scalar the condition evaluator understands.
func (r *EvaluateRequest) Validate() error {
	if len(r.Fields) == 0 {
		return fmt.Errorf("fields are required")
	}
	for name, value := range r.Fields {
		switch value.(type) {
		case string, bool, int, int32, int64, float32, float64:
		default:
			return fmt.Errorf("field %q: value must be a number, string, or boolean", name)
		}
	}
	return nil
}

// ToTransaction converts a request to a Transaction domain object.
func (r *EvaluateRequest) ToTransaction(tenantID string) *Transaction {
	now := time.Now().UTC()
	fields := make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		fields[k] = v
	}
	return &Transaction{
		ID:        r.TransactionID,
		TenantID:  tenantID,
		EntityID:  r.EntityID,
		Fields:    fields,
		Timestamp: now,
		CreatedAt: now,
	}
}
