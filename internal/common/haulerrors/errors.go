// Package haulerrors contains generic errors used where a caller may want to tell bad input apart from a failure
// of some downstream system.
package haulerrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrInvalidArgument is a generic error to be returned on invalid argument.
// Message is optional and is omitted from the error message if not provided.
type ErrInvalidArgument struct {
	Name    string      // Name of the field referred to, e.g., "order_id"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message to include with the error message, e.g., explaining why the value is invalid
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %q is invalid for field %q", fmt.Sprint(err.Value), err.Name)
	} else {
		return fmt.Sprintf("value %q is invalid for field %q; %s", fmt.Sprint(err.Value), err.Name, err.Message)
	}
}

// ErrMissingField is returned when a required field is absent from a payload
type ErrMissingField struct {
	Name string
}

func (err *ErrMissingField) Error() string {
	return fmt.Sprintf("required field %q is missing", err.Name)
}

// IsInvalidInput returns true if err, or any error it wraps, is one of the bad input errors in this package
func IsInvalidInput(err error) bool {
	var invalidArgument *ErrInvalidArgument
	var missingField *ErrMissingField
	return errors.As(err, &invalidArgument) || errors.As(err, &missingField)
}
