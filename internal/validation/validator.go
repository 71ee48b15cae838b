package validation

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"unicode"

	"github.com/MarcoPoloResearchLab/vault/internal/apperrors"
	"github.com/go-playground/validator/v10"
)

var (
	inviteCodePattern = regexp.MustCompile(`^[A-Z0-9-]+$`)
	indexPattern      = regexp.MustCompile(`\[(\d+)\]`)
)

// Validator checks request payloads declared with `validate` struct tags.
type Validator struct {
	validate *validator.Validate
}

// New constructs a Validator that reports JSON field names and knows the vault specific rules.
func New() *Validator {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		for _, tag := range []string{"json", "form"} {
			name := strings.SplitN(field.Tag.Get(tag), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name != "" {
				return name
			}
		}
		return field.Name
	})
	_ = validate.RegisterValidation("password", func(fl validator.FieldLevel) bool {
		return StrongPassword(fl.Field().String())
	})
	_ = validate.RegisterValidation("invitecode", func(fl validator.FieldLevel) bool {
		return inviteCodePattern.MatchString(fl.Field().String())
	})
	return &Validator{validate: validate}
}

// Struct validates value and returns a validation error listing messages per field path.
func (v *Validator) Struct(value any) error {
	err := v.validate.Struct(value)
	if err == nil {
		return nil
	}
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return apperrors.Validation("Invalid request")
	}
	fields := make(map[string][]string, len(fieldErrors))
	for _, fieldError := range fieldErrors {
		path := fieldPath(fieldError.Namespace())
		fields[path] = append(fields[path], message(fieldError))
	}
	return apperrors.ValidationFields("Validation failed", fields)
}

// StrongPassword requires eight characters with upper, lower, digit and special characters.
func StrongPassword(value string) bool {
	if len(value) < 8 {
		return false
	}
	var upper, lower, digit, special bool
	for _, r := range value {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			special = true
		}
	}
	return upper && lower && digit && special
}

func fieldPath(namespace string) string {
	if index := strings.Index(namespace, "."); index >= 0 {
		namespace = namespace[index+1:]
	}
	return indexPattern.ReplaceAllString(namespace, ".$1")
}

func message(fieldError validator.FieldError) string {
	param := fieldError.Param()
	kind := fieldError.Kind()
	switch fieldError.Tag() {
	case "required", "required_without", "required_if":
		return "is required"
	case "max", "lte":
		switch kind {
		case reflect.String:
			return fmt.Sprintf("must be at most %s characters", param)
		case reflect.Slice, reflect.Array, reflect.Map:
			return fmt.Sprintf("must contain at most %s items", param)
		default:
			return fmt.Sprintf("must be at most %s", param)
		}
	case "min", "gte":
		switch kind {
		case reflect.String:
			return fmt.Sprintf("must be at least %s characters", param)
		case reflect.Slice, reflect.Array, reflect.Map:
			return fmt.Sprintf("must contain at least %s items", param)
		default:
			return fmt.Sprintf("must be at least %s", param)
		}
	case "email":
		return "must be a valid email address"
	case "url", "http_url":
		return "must be a valid URL"
	case "uuid", "uuid4", "uuid7":
		return "must be a valid UUID"
	case "oneof":
		return "must be one of: " + strings.Join(strings.Fields(param), ", ")
	case "datetime":
		return "must be a valid datetime"
	case "password":
		return "must be at least 8 characters and contain upper case, lower case, a number and a special character"
	case "invitecode":
		return "must contain only upper case letters, numbers and hyphens"
	default:
		return "is invalid"
	}
}
