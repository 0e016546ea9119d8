package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hemolab/hemo-go/contracts"
)

func orderSchema() *Schema {
	return &Schema{
		Name: "order",
		Properties: map[string]*Property{
			"orderId":  {Type: "string", Format: "uuid"},
			"customer": {Type: "string", MinLength: Int(1), MaxLength: Int(64)},
			"amount":   {Type: "number", Minimum: Float(0)},
			"currency": {Type: "string", Enum: []any{"USD", "EUR", "SEK"}},
			"lines": {
				Type: "array",
				Items: &Property{
					Type: "object",
					Properties: map[string]*Property{
						"sku": {Type: "string", Pattern: `^[A-Z]{3}-\d+$`},
						"qty": {Type: "integer", Minimum: Float(1)},
					},
					Required: []string{"sku", "qty"},
				},
			},
		},
		Required: []string{"orderId", "amount"},
	}
}

func TestSchemaValidate(t *testing.T) {
	t.Run("valid payload passes", func(t *testing.T) {
		result := orderSchema().Validate(map[string]any{
			"orderId":  "0f8fad5b-d9cb-469f-a165-70867728950e",
			"customer": "acme",
			"amount":   12.5,
			"currency": "EUR",
			"lines": []any{
				map[string]any{"sku": "ABC-1", "qty": 2},
			},
		})

		assert.True(t, result.Valid)
		assert.Empty(t, result.Errors)
	})

	t.Run("missing required fields are reported", func(t *testing.T) {
		result := orderSchema().Validate(map[string]any{"customer": "acme"})

		assert.False(t, result.Valid)
		assert.Contains(t, result.Errors, "orderId: required field is missing")
		assert.Contains(t, result.Errors, "amount: required field is missing")
	})

	t.Run("type mismatch is reported", func(t *testing.T) {
		result := orderSchema().Validate(map[string]any{
			"orderId": "0f8fad5b-d9cb-469f-a165-70867728950e",
			"amount":  "twelve",
		})

		assert.False(t, result.Valid)
		require.Len(t, result.Errors, 1)
		assert.Contains(t, result.Errors[0], "amount: expected type number")
	})

	t.Run("bounds and enums are enforced", func(t *testing.T) {
		result := orderSchema().Validate(map[string]any{
			"orderId":  "0f8fad5b-d9cb-469f-a165-70867728950e",
			"customer": "",
			"amount":   -1.0,
			"currency": "GBP",
		})

		assert.False(t, result.Valid)
		assert.Len(t, result.Errors, 3)
	})

	t.Run("nested array items are validated", func(t *testing.T) {
		result := orderSchema().Validate(map[string]any{
			"orderId": "0f8fad5b-d9cb-469f-a165-70867728950e",
			"amount":  5.0,
			"lines": []any{
				map[string]any{"sku": "bad sku", "qty": 0},
			},
		})

		assert.False(t, result.Valid)
		assert.Len(t, result.Errors, 2)
	})

	t.Run("struct payloads are normalized through JSON", func(t *testing.T) {
		type order struct {
			OrderID string  `json:"orderId"`
			Amount  float64 `json:"amount"`
		}

		result := orderSchema().Validate(order{
			OrderID: "0f8fad5b-d9cb-469f-a165-70867728950e",
			Amount:  3,
		})

		assert.True(t, result.Valid)
	})

	t.Run("scalar schema validates the payload directly", func(t *testing.T) {
		s := &Schema{Type: "string"}

		assert.True(t, s.Validate("hello").Valid)
		assert.False(t, s.Validate(42).Valid)
	})

	t.Run("bad pattern surfaces as a validation failure", func(t *testing.T) {
		s := &Schema{Properties: map[string]*Property{
			"v": {Pattern: `([`},
		}}

		result := s.Validate(map[string]any{"v": "x"})

		assert.False(t, result.Valid)
		assert.Error(t, s.Compile())
	})
}

func TestSchemaAsCellValidator(t *testing.T) {
	t.Run("rejecting schema aborts cell construction", func(t *testing.T) {
		cell, err := contracts.NewCell(map[string]any{"amount": -2.0},
			contracts.WithValidator(orderSchema()))

		assert.Nil(t, cell)
		var validationErr *contracts.ValidationError
		require.ErrorAs(t, err, &validationErr)
	})

	t.Run("accepting schema lets construction proceed", func(t *testing.T) {
		cell, err := contracts.NewCell(map[string]any{
			"orderId": "0f8fad5b-d9cb-469f-a165-70867728950e",
			"amount":  1.0,
		}, contracts.WithValidator(orderSchema()))

		require.NoError(t, err)
		assert.NotNil(t, cell)
	})
}
