package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures the journal.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	// StatusRetrying marks a failed attempt the channel will run again.
	StatusRetrying = "retrying"
)

// Entry records one finished delivery of a job.
// Keep it compact and schema-stable.
type Entry struct {
	At         time.Time `json:"at"`
	Channel    string    `json:"channel"`
	JobID      string    `json:"job_id"`
	JobName    string    `json:"job_name"`
	Status     string    `json:"status"`
	Attempts   int       `json:"attempts"`
	Dispatched int       `json:"dispatched,omitempty"`
	Error      string    `json:"error,omitempty"`
	TookMS     int64     `json:"took_ms"`
}

// Journal is the persistence API used by processors and the admin route.
type Journal interface {
	Append(ctx context.Context, e Entry) error

	// Recent returns up to limit entries for channel, newest first.
	// An empty channel matches every channel.
	Recent(ctx context.Context, channel string, limit int) ([]Entry, error)

	Close() error
}
