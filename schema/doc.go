// Package schema provides declarative payload validation for cells.
//
// A Schema describes the expected shape of a cell payload: property types,
// required fields, length and numeric bounds, regular-expression patterns,
// formats, and enumerations. Schemas implement contracts.PayloadValidator,
// so they plug directly into cell construction:
//
//	s := &schema.Schema{
//		Properties: map[string]*schema.Property{
//			"orderId": {Type: "string", Format: "uuid"},
//			"amount":  {Type: "number", Minimum: schema.Float(0)},
//		},
//		Required: []string{"orderId", "amount"},
//	}
//	cell, err := contracts.NewCell(payload, contracts.WithValidator(s))
//
// Validation is stateless after Compile; a compiled Schema is safe for
// concurrent use from any number of components.
package schema
