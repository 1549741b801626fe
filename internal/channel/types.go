package channel

import (
	"encoding/json"
	"errors"
	"time"
)

// DefaultRetain is how many terminal jobs a queue keeps per state when the
// caller supplies no retention policy.
const DefaultRetain = 100

// Job is one unit of work delivered by a channel.
type Job struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
	Opts JobOptions      `json:"opts"`

	// AttemptsMade counts deliveries, including the current one.
	AttemptsMade int       `json:"attempts_made"`
	Timestamp    time.Time `json:"timestamp"`

	// RepeatKey is set on marker jobs injected by a recurrence rule.
	RepeatKey    string `json:"repeat_key,omitempty"`
	FailedReason string `json:"failed_reason,omitempty"`
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	if j == nil || len(j.Data) == 0 || string(j.Data) == "null" {
		return ErrNoData
	}
	return json.Unmarshal(j.Data, v)
}

// BulkJob is a request to create a job in a destination channel.
// It has no identity until the channel accepts it.
type BulkJob struct {
	Name string      `json:"name"`
	Data any         `json:"data,omitempty"`
	Opts *JobOptions `json:"opts,omitempty"`
}

// Retention describes what happens to a job once it reaches a terminal state.
//
//   - zero value: keep forever
//   - Remove && Keep == 0: evict immediately
//   - Keep > 0: keep only the newest Keep jobs in that state
type Retention struct {
	Remove bool `json:"remove,omitempty"`
	Keep   int  `json:"keep,omitempty"`
}

// KeepLast returns a retention keeping the newest n terminal jobs.
func KeepLast(n int) Retention { return Retention{Keep: n} }

// RemoveNow evicts jobs as soon as they finish.
func RemoveNow() Retention { return Retention{Remove: true} }

func (r Retention) IsZero() bool { return !r.Remove && r.Keep == 0 }

// EvictNow reports whether the job should be deleted right away.
func (r Retention) EvictNow() bool { return r.Remove && r.Keep <= 0 }

type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

type Backoff struct {
	Type  BackoffType   `json:"type,omitempty"`
	Delay time.Duration `json:"delay,omitempty"`
}

// After returns the wait before the retry following attempt (1-based).
func (b Backoff) After(attempt int) time.Duration {
	if b.Delay <= 0 {
		return 0
	}
	if b.Type != BackoffExponential || attempt <= 1 {
		return b.Delay
	}
	d := b.Delay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > time.Hour {
			return time.Hour
		}
	}
	return d
}

// JobOptions are per-job overrides. Zero fields inherit the queue defaults.
type JobOptions struct {
	// Attempts is the total number of deliveries allowed (0 means 1).
	Attempts int           `json:"attempts,omitempty"`
	Backoff  Backoff       `json:"backoff,omitempty"`
	Delay    time.Duration `json:"delay,omitempty"`

	RemoveOnComplete Retention `json:"remove_on_complete,omitempty"`
	RemoveOnFail     Retention `json:"remove_on_fail,omitempty"`

	Repeat *Rule `json:"repeat,omitempty"`

	// JobID overrides the generated ID.
	JobID string `json:"job_id,omitempty"`
}

// DefaultJobOptions bounds storage growth: keep the newest 100 completed and
// 100 failed jobs, one attempt each.
func DefaultJobOptions() JobOptions {
	return JobOptions{
		Attempts:         1,
		RemoveOnComplete: KeepLast(DefaultRetain),
		RemoveOnFail:     KeepLast(DefaultRetain),
	}
}

// Resolve layers override on top of defaults.
func Resolve(defaults JobOptions, override *JobOptions) JobOptions {
	out := defaults
	if override != nil {
		if override.Attempts > 0 {
			out.Attempts = override.Attempts
		}
		if override.Backoff.Delay > 0 {
			out.Backoff = override.Backoff
		}
		if override.Delay > 0 {
			out.Delay = override.Delay
		}
		if !override.RemoveOnComplete.IsZero() {
			out.RemoveOnComplete = override.RemoveOnComplete
		}
		if !override.RemoveOnFail.IsZero() {
			out.RemoveOnFail = override.RemoveOnFail
		}
		out.Repeat = override.Repeat
		out.JobID = override.JobID
	} else {
		out.Repeat = nil
		out.JobID = ""
	}
	if out.Attempts <= 0 {
		out.Attempts = 1
	}
	return out
}

// RuleInfo describes a recurrence rule installed on a queue.
type RuleInfo struct {
	Key   string    `json:"key"`
	Name  string    `json:"name"`
	Rule  Rule      `json:"rule"`
	Next  time.Time `json:"next"`
	Count int       `json:"count"`
}

// Counts is a per-state snapshot of a queue.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

var (
	ErrClosed       = errors.New("channel: connection closed")
	ErrRuleNotFound = errors.New("channel: recurrence rule not found")
	ErrJobNotActive = errors.New("channel: job is not active")
	ErrNoData       = errors.New("channel: job has no payload")
)
