package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Error reports a missing or invalid configuration field. It is fatal at
// startup.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	if e.Field == "" {
		return "chanmux: config: " + e.Reason
	}
	return fmt.Sprintf("chanmux: config: %s: %s", e.Field, e.Reason)
}

// fromValidation converts validator failures into joined *Error values.
func fromValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &Error{Reason: err.Error()}
	}
	errs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		errs = append(errs, &Error{Field: fe.Namespace(), Reason: reason(fe)})
	}
	return errors.Join(errs...)
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_with":
		return "is required"
	case "min":
		return "must have at least " + fe.Param() + " element(s)"
	case "oneof":
		return fmt.Sprintf("%v is not one of [%s]", fe.Value(), fe.Param())
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be greater than or equal to " + fe.Param()
	case "hostname_port":
		return fmt.Sprintf("%v is not a host:port endpoint", fe.Value())
	case "nefield":
		return "must differ from " + fe.Param()
	default:
		return "failed " + fe.Tag() + " validation"
	}
}
