package validate

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ValidationError represents a single validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var sb strings.Builder
	for i, err := range e {
		if i > 0 {
			sb.WriteString("; ")
		}
		sb.WriteString(err.Error())
	}

	return sb.String()
}

// TranslateErrors converts validator.ValidationErrors to user-friendly messages.
func TranslateErrors(err error) error {
	if err == nil {
		return nil
	}

	validationErrors, ok := err.(validator.ValidationErrors) //nolint:errorlint
	if !ok {
		return err
	}

	var errs ValidationErrors
	for _, e := range validationErrors {
		errs = append(errs, ValidationError{
			Field:   fieldPath(e),
			Message: translateFieldError(e),
		})
	}

	return errs
}

// fieldPath returns the field path without the root struct name.
func fieldPath(e validator.FieldError) string {
	ns := e.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}

	return e.Field()
}

func translateFieldError(e validator.FieldError) string {
	isList := e.Kind() == reflect.Slice || e.Kind() == reflect.Array

	switch e.Tag() {
	case "required":
		if isElement(e) {
			return "must not be empty"
		}

		return "is required"
	case "gte", "min":
		if isList {
			return fmt.Sprintf("must list at least %s item(s)", e.Param())
		}

		return fmt.Sprintf("must be at least %s", e.Param())
	case "lte", "max":
		return fmt.Sprintf("must be at most %s", e.Param())
	case "unique":
		return "must not contain duplicates"
	case tagDatabase:
		return fmt.Sprintf("%q is not a valid database name", e.Value())
	case tagCollection:
		return fmt.Sprintf("%q is not a valid collection name", e.Value())
	case tagMongoURI:
		return "must be a mongodb:// or mongodb+srv:// connection string"
	default:
		return fmt.Sprintf("failed %s validation", e.Tag())
	}
}

// isElement reports whether e is about a list item reached through dive.
func isElement(e validator.FieldError) bool {
	return strings.HasSuffix(e.Field(), "]")
}
