package domain

import "errors"

// ValidationError rejects a mutation before any remote call is made.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// IsValidation reports whether err is a pre-flight validation rejection.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
