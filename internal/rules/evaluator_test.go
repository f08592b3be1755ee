package rules

import (
	"errors"
	"testing"

	"github.com/opensource-finance/shrike/internal/domain"
)

func TestEvaluateCondition(t *testing.T) {
	fields := map[string]any{
		"transaction_amount":       1500.0,
		"transaction_velocity_24h": 12,
		"merchant_category":        "gambling",
		"is_new_device":            true,
		"country_mismatch":         false,
	}

	tests := []struct {
		name string
		cond domain.Condition
		want bool
	}{
		{"GreaterThanTrue", domain.Condition{Field: "transaction_amount", Operator: domain.OpGreaterThan, Value: 1000}, true},
		{"GreaterThanFalse", domain.Condition{Field: "transaction_amount", Operator: domain.OpGreaterThan, Value: 2000}, false},
		{"GreaterThanBoundary", domain.Condition{Field: "transaction_amount", Operator: domain.OpGreaterThan, Value: 1500}, false},
		{"GreaterEqualBoundary", domain.Condition{Field: "transaction_amount", Operator: domain.OpGreaterEqual, Value: 1500}, true},
		{"LessThanTrue", domain.Condition{Field: "transaction_velocity_24h", Operator: domain.OpLessThan, Value: 20}, true},
		{"LessEqualBoundary", domain.Condition{Field: "transaction_velocity_24h", Operator: domain.OpLessEqual, Value: 12}, true},
		{"IntFieldAgainstFloatValue", domain.Condition{Field: "transaction_velocity_24h", Operator: domain.OpGreaterThan, Value: 11.5}, true},
		{"EqualString", domain.Condition{Field: "merchant_category", Operator: domain.OpEqual, Value: "gambling"}, true},
		{"EqualStringCaseSensitive", domain.Condition{Field: "merchant_category", Operator: domain.OpEqual, Value: "Gambling"}, false},
		{"EqualBool", domain.Condition{Field: "is_new_device", Operator: domain.OpEqual, Value: true}, true},
		{"NotEqualBool", domain.Condition{Field: "country_mismatch", Operator: domain.OpNotEqual, Value: true}, true},
		{"EqualNumericCrossType", domain.Condition{Field: "transaction_velocity_24h", Operator: domain.OpEqual, Value: 12.0}, true},
		{"InMember", domain.Condition{Field: "merchant_category", Operator: domain.OpIn, Value: []any{"gambling", "crypto_exchange"}}, true},
		{"InNonMember", domain.Condition{Field: "merchant_category", Operator: domain.OpIn, Value: []any{"grocery", "travel"}}, false},
		{"NotInNonMember", domain.Condition{Field: "merchant_category", Operator: domain.OpNotIn, Value: []any{"grocery", "travel"}}, true},
		{"NotInMember", domain.Condition{Field: "merchant_category", Operator: domain.OpNotIn, Value: []string{"gambling"}}, false},
		{"InNumericSet", domain.Condition{Field: "transaction_velocity_24h", Operator: domain.OpIn, Value: []int{10, 11, 12}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := evaluateCondition(tt.cond, fields)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestEvaluateConditionFieldMissing(t *testing.T) {
	fields := map[string]any{"transaction_amount": 100.0}

	cond := domain.Condition{Field: "merchant_category", Operator: domain.OpEqual, Value: "grocery"}
	_, err := evaluateCondition(cond, fields)
	if !errors.Is(err, ErrFieldMissing) {
		t.Fatalf("expected ErrFieldMissing, got %v", err)
	}
}

func TestEvaluateConditionTypeMismatch(t *testing.T) {
	fields := map[string]any{
		"merchant_category": "gambling",
		"is_new_device":     true,
	}

	tests := []struct {
		name string
		cond domain.Condition
	}{
		{"ComparisonOnString", domain.Condition{Field: "merchant_category", Operator: domain.OpGreaterThan, Value: 100}},
		{"ComparisonOnBool", domain.Condition{Field: "is_new_device", Operator: domain.OpLessEqual, Value: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := evaluateCondition(tt.cond, fields)
			if !errors.Is(err, ErrTypeMismatch) {
				t.Fatalf("expected ErrTypeMismatch, got %v", err)
			}
		})
	}
}

func TestScalarEqualBoolNeverEqualsNumber(t *testing.T) {
	if scalarEqual(true, 1) {
		t.Error("true must not equal 1")
	}
	if scalarEqual(false, 0) {
		t.Error("false must not equal 0")
	}
	if scalarEqual(1, true) {
		t.Error("1 must not equal true")
	}
}

func TestScalarEqualNumbersCrossTypes(t *testing.T) {
	if !scalarEqual(12, 12.0) {
		t.Error("int 12 should equal float 12.0")
	}
	if !scalarEqual(int64(7), 7) {
		t.Error("int64 7 should equal int 7")
	}
	if scalarEqual(12, "12") {
		t.Error("number must not equal its string form")
	}
}
