package processor

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"jobflow/internal/channel"
	"jobflow/internal/eventbus"
	logx "jobflow/pkg/logx"
)

// DispatchResult is the outcome of one bulk insert.
type DispatchResult struct {
	Channel string
	Jobs    int
	Err     error // *DispatchError
}

// Dispatch sends jobs to every output with one AddBulk call each, all in
// parallel, and waits for every call to settle. A failing output does not
// stop the others. With no jobs or no outputs it makes no calls.
func Dispatch(ctx context.Context, jobs []channel.BulkJob, outputs []channel.Queue) []DispatchResult {
	if len(jobs) == 0 || len(outputs) == 0 {
		return nil
	}
	results := make([]DispatchResult, len(outputs))
	var g errgroup.Group
	for i, q := range outputs {
		i, q := i, q
		batch := append([]channel.BulkJob(nil), jobs...)
		g.Go(func() error {
			r := DispatchResult{Channel: q.Name()}
			added, err := q.AddBulk(ctx, batch)
			if err != nil {
				r.Err = &DispatchError{Channel: r.Channel, Err: err}
			} else {
				r.Jobs = len(added)
			}
			results[i] = r
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// dispatch fans follow-ups out to outputs and returns how many of them
// accepted the batch. Failures are logged and counted only.
func (p *Processor) dispatch(ctx context.Context, from string, job *channel.Job, follow []channel.BulkJob, outputs []channel.Queue, log logx.Logger) int {
	results := Dispatch(ctx, follow, outputs)
	if len(results) == 0 {
		log.Debug("no outputs for follow-up jobs", logx.Int("jobs", len(follow)))
		return 0
	}
	ok := 0
	for _, r := range results {
		ev := eventbus.Event{
			Type:    eventbus.JobDispatched,
			Time:    time.Now(),
			Channel: from,
			JobID:   job.ID,
			JobName: job.Name,
			Target:  r.Channel,
			Count:   r.Jobs,
		}
		if r.Err != nil {
			p.dispatchFailures.Add(1)
			ev.Type = eventbus.JobDispatchFailed
			ev.Count = len(follow)
			ev.Err = r.Err.Error()
			log.Warn("dispatch failed", logx.String("target", r.Channel), logx.Int("jobs", len(follow)), logx.Err(r.Err))
		} else {
			ok++
		}
		if p.cfg.Bus != nil {
			p.cfg.Bus.Publish(ev)
		}
	}
	return ok
}
