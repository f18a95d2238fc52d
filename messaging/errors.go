package messaging

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound    = errors.New("message not found")
	ErrForbidden   = errors.New("only the receiver can mark a message as read")
	ErrPersistence = errors.New("message could not be saved")
	ErrRateLimited = errors.New("too many requests")
)

// ValidationError rejects a request before anything is persisted. Field
// names the offending request field as it appears on the wire.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// FieldOf returns the request field an error is attributed to, if any.
func FieldOf(err error) string {
	var v *ValidationError
	if errors.As(err, &v) {
		return v.Field
	}
	return ""
}
