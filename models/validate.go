package models

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func instance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(field reflect.StructField) string {
			name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
			if name == "" || name == "-" {
				return field.Name
			}
			return name
		})
	})
	return validate
}

// FieldError describes one rejected input field.
type FieldError struct {
	Field string
	Tag   string
	Param string
}

func (e FieldError) String() string {
	switch e.Tag {
	case "required", "required_if", "required_unless":
		return fmt.Sprintf("field '%s' is required", e.Field)
	case "excluded_if":
		return fmt.Sprintf("field '%s' must be empty", e.Field)
	case "max":
		return fmt.Sprintf("field '%s' must be at most %s characters", e.Field, e.Param)
	case "min":
		return fmt.Sprintf("field '%s' must be at least %s characters", e.Field, e.Param)
	case "oneof":
		return fmt.Sprintf("field '%s' must be one of: %s", e.Field, e.Param)
	case "gte":
		return fmt.Sprintf("field '%s' must be greater than or equal to %s", e.Field, e.Param)
	case "lte":
		return fmt.Sprintf("field '%s' must be less than or equal to %s", e.Field, e.Param)
	case "hexcolor":
		return fmt.Sprintf("field '%s' must be a hex color", e.Field)
	default:
		return fmt.Sprintf("field '%s' validation failed on '%s' tag", e.Field, e.Tag)
	}
}

// ValidationError reports structurally invalid caller input. It is raised
// before any gateway call is made.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		msgs = append(msgs, f.String())
	}
	return "invalid input: " + strings.Join(msgs, "; ")
}

// Validate checks v against its struct tags and returns a *ValidationError
// listing every failing field.
func Validate(v any) error {
	err := instance().Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("validate input: %w", err)
	}

	out := &ValidationError{Fields: make([]FieldError, 0, len(fieldErrs))}
	for _, fe := range fieldErrs {
		out.Fields = append(out.Fields, FieldError{
			Field: fe.Field(),
			Tag:   fe.Tag(),
			Param: fe.Param(),
		})
	}
	return out
}
