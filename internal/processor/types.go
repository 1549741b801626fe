package processor

import (
	"context"
	"time"

	"jobflow/internal/channel"
	"jobflow/internal/eventbus"
	rtsup "jobflow/internal/runtime/supervisor"
	"jobflow/internal/storage"
	logx "jobflow/pkg/logx"
)

// Handler transforms one job into zero or more follow-up jobs.
// Process is called concurrently, once per worker.
type Handler interface {
	Process(ctx context.Context, job *channel.Job) ([]channel.BulkJob, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *channel.Job) ([]channel.BulkJob, error)

func (f HandlerFunc) Process(ctx context.Context, job *channel.Job) ([]channel.BulkJob, error) {
	return f(ctx, job)
}

type ChannelConfig struct {
	Name string

	// Defaults are the queue's default job options.
	// nil means channel.DefaultJobOptions (keep 100 completed, 100 failed).
	Defaults *channel.JobOptions
}

// RateLimit caps how many jobs a processor starts per window, across all of
// its workers. Max <= 0 disables limiting.
type RateLimit struct {
	Max int
	Per time.Duration
}

type WorkerOptions struct {
	// PollInterval is passed to each consumer (see channel.ConsumerOptions).
	PollInterval time.Duration
	Rate         RateLimit

	// HistorySize bounds the recent-job ring in Snapshot. 0 means 200.
	HistorySize int
}

// Config is copied at construction and never mutated afterwards.
type Config struct {
	Dialer     channel.Dialer
	Connection channel.ConnConfig
	Channel    ChannelConfig

	// Queue binds an already-open queue instead of opening Channel.Name.
	// The processor takes ownership and closes it on Close.
	Queue channel.Queue

	Worker WorkerOptions

	Logger  logx.Logger
	Bus     eventbus.Bus
	Journal storage.Journal
}

// HistoryItem is one finished delivery.
type HistoryItem struct {
	JobID      string        `json:"job_id"`
	Name       string        `json:"name"`
	Worker     string        `json:"worker"`
	Started    time.Time     `json:"started"`
	Duration   time.Duration `json:"duration"`
	Attempt    int           `json:"attempt"`
	Dispatched int           `json:"dispatched,omitempty"`
	Error      string        `json:"error,omitempty"`
	Retrying   bool          `json:"retrying,omitempty"`
}

type WorkerSnapshot struct {
	Name      string    `json:"name"`
	Started   time.Time `json:"started"`
	Busy      bool      `json:"busy"`
	Processed uint64    `json:"processed"`
	Failed    uint64    `json:"failed"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Channel          string           `json:"channel"`
	Outputs          []string         `json:"outputs"`
	Workers          []WorkerSnapshot `json:"workers"`
	Processed        uint64           `json:"processed"`
	Failed           uint64           `json:"failed"`
	DispatchFailures uint64           `json:"dispatch_failures"`
	Goroutines       rtsup.Counters   `json:"goroutines"`
	History          []HistoryItem    `json:"history"`
}
