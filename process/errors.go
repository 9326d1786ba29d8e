package process

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TimeoutError is returned when a supervised process outlives its timeout.
type TimeoutError struct {
	Command   []string
	Timeout   time.Duration
	Output    string
	Truncated bool // Output holds only the tail of what the process wrote
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("process %s timed out after %s waiting for exit code: %s",
		strings.Join(e.Command, " "), e.Timeout, excerpt(e.Output, e.Truncated))
}

// ExitError is returned when a supervised process exits with an unexpected code.
type ExitError struct {
	Command   []string
	ExitCode  int
	Output    string
	Truncated bool
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("process %s exited with non-zero code %d: %s",
		strings.Join(e.Command, " "), e.ExitCode, excerpt(e.Output, e.Truncated))
}

func excerpt(output string, truncated bool) string {
	if truncated {
		return "(output truncated) ..." + output
	}
	return output
}

// IsTimeout reports whether err is or wraps a TimeoutError.
func IsTimeout(err error) bool {
	var timeoutErr *TimeoutError
	return err != nil && errors.As(err, &timeoutErr)
}

// IsExitError reports whether err is or wraps an ExitError.
func IsExitError(err error) bool {
	var exitErr *ExitError
	return err != nil && errors.As(err, &exitErr)
}
