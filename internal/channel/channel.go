package channel

import (
	"context"
	"time"
)

// ConnConfig carries backend connection parameters.
// Adapters ignore fields they do not need.
type ConnConfig struct {
	Addr     string
	Username string
	Password string
	DB       int

	// Prefix namespaces all keys written by the adapter.
	Prefix string

	DialTimeout time.Duration
}

// ConsumerOptions tunes a single consumer connection.
type ConsumerOptions struct {
	// PollInterval bounds how long Next blocks on the backend before it
	// re-checks delayed jobs and recurrence rules. 0 means adapter default.
	PollInterval time.Duration
}

// Dialer opens a new backend connection.
// Each worker dials its own connection; connections are never shared.
type Dialer func(ctx context.Context, cfg ConnConfig) (Conn, error)

// Conn is one connection to the channel backend.
type Conn interface {
	// Queue creates the named queue (or attaches to it) with the given default
	// job options. A nil defaults keeps whatever the queue already has, or
	// DefaultJobOptions for a new queue.
	Queue(ctx context.Context, name string, defaults *JobOptions) (Queue, error)

	// Consumer returns a consumer pulling from the named queue over this connection.
	Consumer(ctx context.Context, name string, opts ConsumerOptions) (Consumer, error)

	Close() error
}

// Queue is a producer/administration handle for one named channel.
type Queue interface {
	Name() string

	// Add enqueues one job. If opts.Repeat is set, a recurrence rule is
	// installed (or replaced, by key) instead and the returned job describes
	// the first scheduled injection.
	Add(ctx context.Context, name string, data any, opts *JobOptions) (*Job, error)

	// AddBulk enqueues all jobs or none.
	AddBulk(ctx context.Context, jobs []BulkJob) ([]*Job, error)

	Rules(ctx context.Context) ([]RuleInfo, error)
	RemoveRule(ctx context.Context, key string) error

	Counts(ctx context.Context) (Counts, error)

	Close() error
}

// Consumer pulls jobs from one queue.
type Consumer interface {
	// Next blocks until a job is available or ctx is done.
	// The returned job is active until Complete or Fail is called.
	Next(ctx context.Context) (*Job, error)

	Complete(ctx context.Context, j *Job) error

	// Fail records a failed attempt. The adapter decides whether the job is
	// retried (per its Attempts/Backoff options) or moved to failed.
	// Errors wrapped with Permanent skip remaining attempts.
	Fail(ctx context.Context, j *Job, cause error) error

	Close() error
}
