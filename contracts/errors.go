package contracts

import (
	"fmt"
	"strings"
)

// ValidationResult is the outcome of validating a payload against a schema.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// PayloadValidator validates a payload value. Implementations must be
// stateless and safe for concurrent use; the schema package provides the
// standard implementation.
type PayloadValidator interface {
	Validate(value any) ValidationResult
}

// ValidationError is returned by NewCell when the supplied validator
// rejects the payload.
type ValidationError struct {
	Errors []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "contracts: payload validation failed"
	}
	return fmt.Sprintf("contracts: payload validation failed: %s", strings.Join(e.Errors, "; "))
}
