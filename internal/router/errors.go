package router

import "errors"

// InvalidError marks a client-side protocol violation. The HTTP layer maps
// these to 400 responses with the message verbatim.
type InvalidError struct {
	msg string
}

func (e *InvalidError) Error() string { return e.msg }

// Invalid wraps a message as a client error.
func Invalid(msg string) error { return &InvalidError{msg: msg} }

// IsInvalid reports whether err is a client error.
func IsInvalid(err error) bool {
	var ie *InvalidError
	return errors.As(err, &ie)
}
