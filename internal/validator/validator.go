package validator

import (
	"errors"
	"reflect"
	"regexp"
	"strings"

	playground "github.com/go-playground/validator/v10"
)

var (
	ErrInvalidPrincipalID      = errors.New("invalid principal id")
	ErrInvalidCorrelationToken = errors.New("invalid correlation token")
)

var (
	principalIDRegex = regexp.MustCompile(`^[A-Za-z0-9_\-:.]{1,128}$`)
	tokenRegex       = regexp.MustCompile(`^[A-Za-z0-9_\-:.]{1,255}$`)
)

// ValidationError describes one rejected request field.
type ValidationError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

var validate = newValidate()

func newValidate() *playground.Validate {
	v := playground.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})
	_ = v.RegisterValidation("principal", func(fl playground.FieldLevel) bool {
		return principalIDRegex.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("token", func(fl playground.FieldLevel) bool {
		return tokenRegex.MatchString(fl.Field().String())
	})
	return v
}

// ValidateStruct checks s against its validate tags. Field names are the
// json names clients send.
func ValidateStruct(s any) []ValidationError {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrors playground.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return []ValidationError{{Field: "", Tag: "invalid", Message: err.Error()}}
	}
	out := make([]ValidationError, 0, len(fieldErrors))
	for _, fe := range fieldErrors {
		out = append(out, ValidationError{
			Field:   fe.Field(),
			Tag:     fe.Tag(),
			Message: message(fe),
		})
	}
	return out
}

func ValidatePrincipalID(id string) error {
	if !principalIDRegex.MatchString(id) {
		return ErrInvalidPrincipalID
	}
	return nil
}

func ValidateCorrelationToken(token string) error {
	if !tokenRegex.MatchString(token) {
		return ErrInvalidCorrelationToken
	}
	return nil
}

func message(fe playground.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "max":
		return fe.Field() + " must be at most " + fe.Param()
	case "min", "gte":
		return fe.Field() + " must be at least " + fe.Param()
	case "gt":
		return fe.Field() + " must be greater than " + fe.Param()
	case "len":
		return fe.Field() + " must have length " + fe.Param()
	case "oneof":
		return fe.Field() + " must be one of: " + fe.Param()
	case "principal":
		return fe.Field() + " must be a valid principal id"
	case "token":
		return fe.Field() + " must be a valid token"
	default:
		return fe.Field() + " is invalid"
	}
}
