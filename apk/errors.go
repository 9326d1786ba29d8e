package apk

import (
	"errors"
	"fmt"
)

// NotFoundError is returned when the test package or runner cannot be read from an APK.
type NotFoundError struct {
	What string // "test package" or "test runner"
	Apk  string
	Err  error
}

func (e *NotFoundError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("Error: %s not found in %s: %v", e.What, e.Apk, e.Err)
	}
	return fmt.Sprintf("Error: %s not found in %s", e.What, e.Apk)
}

func (e *NotFoundError) Unwrap() error {
	return e.Err
}

// IsNotFound checks if the error is or wraps a NotFoundError
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return err != nil && errors.As(err, &nf)
}
