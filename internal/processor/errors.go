package processor

import (
	"errors"
	"fmt"

	"jobflow/internal/channel"
)

var (
	// ErrConfiguration is returned when a processor is operated on without
	// what it needs, such as Spawn or Cron with no bound queue.
	ErrConfiguration = errors.New("processor: configuration error")

	ErrClosed = errors.New("processor: closed")
)

func configErr(msg string) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, msg)
}

// ConnectionError reports that the channel backend could not be reached.
type ConnectionError struct {
	Channel string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("processor: connect channel %q: %v", e.Channel, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProcessingError wraps a handler failure. It is handed to the channel so its
// retry policy applies.
type ProcessingError struct {
	JobID   string
	Channel string
	Err     error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("processor: job %s on %q: %v", e.JobID, e.Channel, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// DispatchError reports a failed bulk insert into one output channel.
// It never fails the job that produced the follow-ups.
type DispatchError struct {
	Channel string
	Err     error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("processor: dispatch to %q: %v", e.Channel, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Permanent marks a handler error as non-retryable.
//
//	return nil, processor.Permanent(fmt.Errorf("bad payload: %w", err))
func Permanent(err error) error { return channel.Permanent(err) }
