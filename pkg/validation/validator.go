package validation

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var (
	// validate is a singleton validator instance
	validate *validator.Validate

	// MaxPayloadSize bounds a single replicated log entry
	MaxPayloadSize = 1 << 20
)

func init() {
	validate = validator.New()
}

// SubmitRequest is the admin API body for proposing a log entry.
// Payload travels base64 encoded in JSON.
type SubmitRequest struct {
	Payload []byte `json:"payload" validate:"required,min=1,max=1048576"`
	Wait    bool   `json:"wait"`
}

// ValidateSubmitRequest validates a log entry proposal
func ValidateSubmitRequest(req *SubmitRequest) error {
	if req == nil {
		return errors.New("submit request cannot be nil")
	}
	if err := validate.Struct(req); err != nil {
		return formatValidationError(err)
	}
	return nil
}

// ValidatePeerAddress checks that addr is a dialable host:port
func ValidatePeerAddress(addr string) error {
	if err := validate.Var(addr, "required,hostname_port"); err != nil {
		return fmt.Errorf("address %q: %w", addr, formatValidationError(err))
	}
	return nil
}

// Struct validates any struct carrying `validate` tags
func Struct(v any) error {
	if err := validate.Struct(v); err != nil {
		return formatValidationError(err)
	}
	return nil
}

// formatValidationError converts validator errors to a more user-friendly format
func formatValidationError(err error) error {
	if err == nil {
		return nil
	}

	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err
	}

	// Return the first validation error in a user-friendly format
	for _, e := range validationErrs {
		field := e.Field()
		param := e.Param()

		switch e.Tag() {
		case "required":
			return fmt.Errorf("%s: field is required", field)
		case "min":
			return fmt.Errorf("%s: must be at least %s", field, param)
		case "max":
			return fmt.Errorf("%s: must not exceed %s", field, param)
		case "hostname_port":
			return fmt.Errorf("%s: must be host:port", field)
		case "oneof":
			return fmt.Errorf("%s: must be one of [%s]", field, param)
		default:
			return fmt.Errorf("%s: validation failed (%s)", field, e.Tag())
		}
	}

	return err
}
