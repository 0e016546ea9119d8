package schema

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hemolab/hemo-go/contracts"
)

// Property defines the validation rules for a single payload property.
type Property struct {
	Type       string               `json:"type,omitempty"`
	Format     string               `json:"format,omitempty"`
	Pattern    string               `json:"pattern,omitempty"`
	MinLength  *int                 `json:"minLength,omitempty"`
	MaxLength  *int                 `json:"maxLength,omitempty"`
	Minimum    *float64             `json:"minimum,omitempty"`
	Maximum    *float64             `json:"maximum,omitempty"`
	Enum       []any                `json:"enum,omitempty"`
	Items      *Property            `json:"items,omitempty"`
	Properties map[string]*Property `json:"properties,omitempty"`
	Required   []string             `json:"required,omitempty"`

	compiled *regexp.Regexp
}

// Schema describes the expected shape of a cell payload. Object payloads
// are validated property by property; a schema with a Type and no
// Properties validates a scalar payload directly.
type Schema struct {
	Name       string               `json:"name,omitempty"`
	Type       string               `json:"type,omitempty"`
	Properties map[string]*Property `json:"properties,omitempty"`
	Required   []string             `json:"required,omitempty"`

	compileOnce sync.Once
	compileErr  error
}

// Int returns a pointer to an int bound, for use in Property literals.
func Int(v int) *int { return &v }

// Float returns a pointer to a float bound, for use in Property literals.
func Float(v float64) *float64 { return &v }

// Compile compiles every pattern in the schema. Validate compiles lazily
// on first use; calling Compile up front surfaces bad patterns early.
func (s *Schema) Compile() error {
	s.compileOnce.Do(func() {
		for name, prop := range s.Properties {
			if err := prop.compile(); err != nil {
				s.compileErr = fmt.Errorf("schema: property %q: %w", name, err)
				return
			}
		}
	})
	return s.compileErr
}

func (p *Property) compile() error {
	if p.Pattern != "" {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return fmt.Errorf("compile pattern: %w", err)
		}
		p.compiled = re
	}
	if p.Items != nil {
		if err := p.Items.compile(); err != nil {
			return err
		}
	}
	for _, nested := range p.Properties {
		if err := nested.compile(); err != nil {
			return err
		}
	}
	return nil
}

// Validate implements contracts.PayloadValidator.
func (s *Schema) Validate(value any) contracts.ValidationResult {
	if err := s.Compile(); err != nil {
		return contracts.ValidationResult{Valid: false, Errors: []string{err.Error()}}
	}

	var errs []string
	if len(s.Properties) > 0 {
		data, err := normalize(value)
		if err != nil {
			return contracts.ValidationResult{
				Valid:  false,
				Errors: []string{fmt.Sprintf("payload: %v", err)},
			}
		}
		errs = validateObject("", data, s.Properties, s.Required)
	} else if s.Type != "" {
		root := &Property{Type: s.Type}
		errs = root.validate("payload", normalizeScalar(value))
	}

	return contracts.ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

// normalize converts an arbitrary payload into the map form validation
// operates on, passing maps through and round-tripping structs via JSON.
func normalize(value any) (map[string]any, error) {
	if m, ok := value.(map[string]any); ok {
		return m, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("not convertible to object: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("not an object")
	}
	return m, nil
}

func normalizeScalar(value any) any {
	switch v := value.(type) {
	case int:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case float32:
		return float64(v)
	default:
		return value
	}
}

func validateObject(path string, data map[string]any, properties map[string]*Property, required []string) []string {
	var errs []string

	for _, name := range required {
		if _, ok := data[name]; !ok {
			errs = append(errs, fmt.Sprintf("%s: required field is missing", fieldPath(path, name)))
		}
	}

	for name, value := range data {
		prop, ok := properties[name]
		if !ok {
			continue
		}
		errs = append(errs, prop.validate(fieldPath(path, name), normalizeScalar(value))...)
	}

	return errs
}

func (p *Property) validate(path string, value any) []string {
	if value == nil {
		return nil
	}

	var errs []string

	if p.Type != "" && !matchesType(value, p.Type) {
		return []string{fmt.Sprintf("%s: expected type %s, got %T", path, p.Type, value)}
	}

	if str, ok := value.(string); ok {
		errs = append(errs, p.validateString(path, str)...)
	}
	if num, ok := value.(float64); ok {
		errs = append(errs, p.validateNumber(path, num)...)
	}
	if arr, ok := value.([]any); ok && p.Items != nil {
		for i, item := range arr {
			errs = append(errs, p.Items.validate(fmt.Sprintf("%s[%d]", path, i), normalizeScalar(item))...)
		}
	}
	if obj, ok := value.(map[string]any); ok && len(p.Properties) > 0 {
		errs = append(errs, validateObject(path, obj, p.Properties, p.Required)...)
	}

	if len(p.Enum) > 0 {
		errs = append(errs, p.validateEnum(path, value)...)
	}

	return errs
}

func (p *Property) validateString(path, value string) []string {
	var errs []string
	if p.MinLength != nil && len(value) < *p.MinLength {
		errs = append(errs, fmt.Sprintf("%s: length %d is less than minimum %d", path, len(value), *p.MinLength))
	}
	if p.MaxLength != nil && len(value) > *p.MaxLength {
		errs = append(errs, fmt.Sprintf("%s: length %d exceeds maximum %d", path, len(value), *p.MaxLength))
	}
	if p.compiled != nil && !p.compiled.MatchString(value) {
		errs = append(errs, fmt.Sprintf("%s: does not match pattern %s", path, p.Pattern))
	}
	if p.Format != "" {
		if msg := validateFormat(value, p.Format); msg != "" {
			errs = append(errs, fmt.Sprintf("%s: %s", path, msg))
		}
	}
	return errs
}

func (p *Property) validateNumber(path string, value float64) []string {
	var errs []string
	if p.Minimum != nil && value < *p.Minimum {
		errs = append(errs, fmt.Sprintf("%s: value %v is less than minimum %v", path, value, *p.Minimum))
	}
	if p.Maximum != nil && value > *p.Maximum {
		errs = append(errs, fmt.Sprintf("%s: value %v exceeds maximum %v", path, value, *p.Maximum))
	}
	return errs
}

func (p *Property) validateEnum(path string, value any) []string {
	for _, allowed := range p.Enum {
		if reflect.DeepEqual(value, normalizeScalar(allowed)) {
			return nil
		}
	}
	return []string{fmt.Sprintf("%s: value is not one of the allowed values", path)}
}

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

func validateFormat(value, format string) string {
	switch format {
	case "email":
		if !emailPattern.MatchString(value) {
			return "not a valid email address"
		}
	case "uuid":
		if _, err := uuid.Parse(value); err != nil {
			return "not a valid UUID"
		}
	case "date-time":
		if _, err := time.Parse(time.RFC3339, value); err != nil {
			return "not a valid RFC 3339 timestamp"
		}
	case "date":
		if _, err := time.Parse("2006-01-02", value); err != nil {
			return "not a valid date"
		}
	}
	return ""
}

func matchesType(value any, expected string) bool {
	switch expected {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		_, ok := value.(float64)
		return ok
	case "integer":
		f, ok := value.(float64)
		return ok && f == float64(int64(f))
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	default:
		// Unknown types pass validation
		return true
	}
}

func fieldPath(parent, field string) string {
	if parent == "" {
		return field
	}
	return parent + "." + field
}
