// Package validation validates decoded inbound frame payloads before they
// reach the Protocol Dispatcher's handlers.
package validation

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validator wraps a go-playground/validator instance configured with the
// protocol's custom tags.
type Validator struct {
	validator *validator.Validate
}

// New builds a Validator with the roomid/clientid tags registered.
func New() *Validator {
	v := validator.New()
	v.RegisterValidation("roomid", validateRoomID)
	v.RegisterValidation("clientid", validateClientID)

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Validator{validator: v}
}

// ValidateStruct validates s's `validate` tags, returning a FieldError
// describing every violation.
func (v *Validator) ValidateStruct(s interface{}) error {
	err := v.validator.Struct(s)
	if err == nil {
		return nil
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}

	fieldErrs := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		fieldErrs = append(fieldErrs, FieldError{Field: fe.Field(), Reason: reason(fe)})
	}
	return &ValidationError{Fields: fieldErrs}
}

// FieldError describes a single failed validation tag.
type FieldError struct {
	Field  string
	Reason string
}

// ValidationError collects every FieldError from one ValidateStruct call.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Field, f.Reason))
	}
	return strings.Join(parts, ", ")
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "roomid":
		return "is not a valid room id"
	case "clientid":
		return "is not a valid client id"
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}

// validateRoomID matches the six-char A-Z1-9 alphabet minted by the Room
// Registry, per spec.md §3 (no digit 0). Letters are matched
// case-insensitively, so lowercase ids also pass.
func validateRoomID(fl validator.FieldLevel) bool {
	return matchesAlphabet(fl.Field().String(), 6)
}

// validateClientID accepts an empty value or up to 64 characters drawn from
// ASCII letters of either case, digits (including 0), '-' and '_'. This is
// wider than the six-char A-Z1-9 alphabet the Session Manager mints ids
// from, so caller-chosen ids such as "custom-id_1" pass.
func validateClientID(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if value == "" {
		return true
	}
	if len(value) > 64 {
		return false
	}
	for _, c := range value {
		if !((c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' || c == '_') {
			return false
		}
	}
	return true
}

func matchesAlphabet(value string, length int) bool {
	if len(value) != length {
		return false
	}
	for _, c := range value {
		upper := c
		if c >= 'a' && c <= 'z' {
			upper = c - ('a' - 'A')
		}
		if !((upper >= 'A' && upper <= 'Z') || (upper >= '1' && upper <= '9')) {
			return false
		}
	}
	return true
}
