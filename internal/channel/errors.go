package channel

import (
	"errors"
	"fmt"
)

// Permanent marks an error as non-retryable.
//
// Handlers wrap validation errors or other permanent failures so the adapter
// moves the job straight to failed instead of spending its remaining attempts.
//
//	return nil, channel.Permanent(fmt.Errorf("bad payload: %w", err))
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err is wrapped with Permanent.
func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }
