package processor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"jobflow/internal/channel"
	"jobflow/internal/eventbus"
	"jobflow/internal/storage"
	logx "jobflow/pkg/logx"
)

// worker is one consumer loop with its own backend connection.
type worker struct {
	p       *Processor
	name    string
	seq     int
	channel string
	log     logx.Logger
	started time.Time

	conn channel.Conn
	cons channel.Consumer

	busy      atomic.Bool
	processed atomic.Uint64
	failed    atomic.Uint64
}

// run pulls jobs until intake is cancelled. Handlers get base, which Close
// never cancels, so in-flight jobs finish.
func (w *worker) run(intake, base context.Context) error {
	for {
		if intake.Err() != nil {
			return nil
		}
		if l := w.p.limiter; l != nil {
			if err := l.Wait(intake); err != nil {
				return nil
			}
		}
		job, err := w.cons.Next(intake)
		if err != nil {
			if intake.Err() != nil || errors.Is(err, channel.ErrClosed) {
				return nil
			}
			return fmt.Errorf("next job: %w", err)
		}
		_ = w.handle(base, job)
	}
}

// handle runs one delivery: process, dispatch follow-ups, acknowledge.
// A handler error is logged once, reported to the channel and returned.
func (w *worker) handle(ctx context.Context, job *channel.Job) error {
	p := w.p
	w.busy.Store(true)
	defer w.busy.Store(false)

	start := time.Now()
	log := w.log.With(logx.JobID(job.ID), logx.String("job", job.Name))
	outputs := p.Outputs()

	follow, err := w.invoke(ctx, job)
	if err != nil {
		perr := &ProcessingError{JobID: job.ID, Channel: w.channel, Err: err}
		log.Error("job failed", logx.Err(err), logx.Int("attempt", job.AttemptsMade))
		if ferr := w.cons.Fail(ctx, job, perr); ferr != nil {
			log.Warn("report failure to channel", logx.Err(ferr))
		}
		w.failed.Add(1)
		p.failed.Add(1)
		w.finish(ctx, job, start, 0, err)
		return perr
	}

	dispatched := 0
	if len(follow) > 0 {
		dispatched = p.dispatch(ctx, w.channel, job, follow, outputs, log)
	}

	if cerr := w.cons.Complete(ctx, job); cerr != nil {
		log.Warn("acknowledge job", logx.Err(cerr))
	}
	w.processed.Add(1)
	p.processed.Add(1)
	w.finish(ctx, job, start, dispatched, nil)

	dur := time.Since(start)
	if dur >= 750*time.Millisecond {
		log.Info("job completed", logx.Duration("dur", dur), logx.Int("dispatched", dispatched))
	} else {
		log.Debug("job completed", logx.Duration("dur", dur), logx.Int("dispatched", dispatched))
	}
	return nil
}

// invoke converts handler panics into errors so one bad job cannot kill the worker.
func (w *worker) invoke(ctx context.Context, job *channel.Job) (out []channel.BulkJob, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Debug("handler panicked", logx.JobID(job.ID), logx.Stack(string(debug.Stack())))
			out, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return w.p.handler.Process(ctx, job)
}

// finish records history, publishes the lifecycle event and journals the outcome.
func (w *worker) finish(ctx context.Context, job *channel.Job, start time.Time, dispatched int, err error) {
	p := w.p
	dur := time.Since(start)
	item := HistoryItem{
		JobID:      job.ID,
		Name:       job.Name,
		Worker:     w.name,
		Started:    start,
		Duration:   dur,
		Attempt:    job.AttemptsMade,
		Dispatched: dispatched,
	}
	ev := eventbus.Event{
		Type:     eventbus.JobCompleted,
		Time:     time.Now(),
		Channel:  w.channel,
		JobID:    job.ID,
		JobName:  job.Name,
		Count:    dispatched,
		Attempts: job.AttemptsMade,
		Duration: dur,
	}
	entry := storage.Entry{
		At:         start,
		Channel:    w.channel,
		JobID:      job.ID,
		JobName:    job.Name,
		Status:     storage.StatusCompleted,
		Attempts:   job.AttemptsMade,
		Dispatched: dispatched,
		TookMS:     dur.Milliseconds(),
	}
	if err != nil {
		item.Error = err.Error()
		ev.Err = item.Error
		entry.Error = item.Error
		if willRetry(job, err) {
			item.Retrying = true
			ev.Type = eventbus.JobRetrying
			entry.Status = storage.StatusRetrying
		} else {
			ev.Type = eventbus.JobFailed
			entry.Status = storage.StatusFailed
		}
	}
	p.remember(item)
	if p.cfg.Bus != nil {
		p.cfg.Bus.Publish(ev)
	}
	if p.cfg.Journal != nil {
		if jerr := p.cfg.Journal.Append(ctx, entry); jerr != nil {
			w.log.Debug("journal append failed", logx.JobID(job.ID), logx.Err(jerr))
		}
	}
}

// willRetry mirrors the channel rule: a non-permanent failure with attempts left
// goes back to the queue.
func willRetry(job *channel.Job, err error) bool {
	return !channel.IsPermanent(err) && job.AttemptsMade < job.Opts.Attempts
}

func (w *worker) snapshot() WorkerSnapshot {
	return WorkerSnapshot{
		Name:      w.name,
		Started:   w.started,
		Busy:      w.busy.Load(),
		Processed: w.processed.Load(),
		Failed:    w.failed.Load(),
	}
}

// close releases the consumer, then the worker's connection.
func (w *worker) close() error {
	return errors.Join(w.cons.Close(), w.conn.Close())
}
