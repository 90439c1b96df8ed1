package validation

import (
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/knowyourmechanic/kym-api/internal/apperr"
)

var (
	once     sync.Once
	validate *validator.Validate
)

func instance() *validator.Validate {
	once.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "" || name == "-" {
				return f.Name
			}
			return name
		})
		_ = validate.RegisterValidation("phone10", func(fl validator.FieldLevel) bool {
			return IsPhone(fl.Field().String())
		})
	})
	return validate
}

// MalformedBody reports a request body that could not be decoded. The
// decoder's detail is kept for logs only.
func MalformedBody(err error) error {
	return apperr.Wrap(apperr.KindValidation, err, "invalid request body")
}

// IsPhone reports whether s is exactly ten ASCII digits.
func IsPhone(s string) bool {
	if len(s) != 10 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Struct validates v against its `validate` tags and returns a
// validation_error describing every failed field.
func Struct(v any) error {
	err := instance().Struct(v)
	if err == nil {
		return nil
	}
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return apperr.Wrap(apperr.KindInternal, err, "validate input")
	}
	messages := make([]string, 0, len(ve))
	for _, fe := range ve {
		messages = append(messages, translate(fe))
	}
	return apperr.New(apperr.KindValidation, "%s", strings.Join(messages, ", "))
}

func translate(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "phone10":
		return field + " must be a valid 10-digit phone number"
	case "gt":
		return field + " must be greater than " + fe.Param()
	case "max":
		return field + " must be at most " + fe.Param() + " characters"
	case "oneof":
		return field + " must be one of: " + fe.Param()
	case "latitude", "longitude":
		return field + " must be a valid coordinate"
	default:
		return field + " is invalid"
	}
}
