package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"jobflow/internal/channel"
	"jobflow/internal/eventbus"
	logx "jobflow/pkg/logx"
)

// CronProcessor is a Processor that keeps at most one recurrence rule on its
// own queue. The injected marker jobs are named after the queue.
type CronProcessor struct {
	*Processor

	// cronMu serializes Cron calls on this processor. Installers in other
	// processes are not covered.
	cronMu sync.Mutex
}

func NewCron(ctx context.Context, cfg Config, handler Handler) (*CronProcessor, error) {
	p, err := New(ctx, cfg, handler)
	if err != nil {
		return nil, err
	}
	return &CronProcessor{Processor: p}, nil
}

// Cron replaces every recurrence rule on the queue with rule.
// All removals finish before the new rule is added.
func (c *CronProcessor) Cron(ctx context.Context, rule channel.Rule) (*CronProcessor, error) {
	q := c.Queue()
	if q == nil {
		return nil, configErr("process queue not found")
	}
	if err := rule.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	log := c.logger()

	c.cronMu.Lock()
	defer c.cronMu.Unlock()

	existing, err := q.Rules(ctx)
	if err != nil {
		return nil, fmt.Errorf("list recurrence rules of %q: %w", q.Name(), err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range existing {
		r := r
		g.Go(func() error {
			err := q.RemoveRule(gctx, r.Key)
			if errors.Is(err, channel.ErrRuleNotFound) {
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("remove recurrence rules of %q: %w", q.Name(), err)
	}

	marker, err := q.Add(ctx, q.Name(), nil, &channel.JobOptions{Repeat: &rule})
	if err != nil {
		return nil, fmt.Errorf("install recurrence rule on %q: %w", q.Name(), err)
	}

	log.Info("recurrence rule installed",
		logx.String("rule", rule.String()),
		logx.Int("replaced", len(existing)),
		logx.Time("next", marker.Timestamp),
	)
	if c.cfg.Bus != nil {
		c.cfg.Bus.Publish(eventbus.Event{
			Type:    eventbus.RuleInstalled,
			Time:    time.Now(),
			Channel: q.Name(),
			JobID:   marker.ID,
			JobName: marker.Name,
			Count:   len(existing),
		})
	}
	return c, nil
}

// CronString parses raw with channel.ParseRule and calls Cron.
// Accepted forms include "*/5 * * * *", "@hourly", "55m", "02:30" and "every:5s".
func (c *CronProcessor) CronString(ctx context.Context, raw string) (*CronProcessor, error) {
	rule, err := channel.ParseRule(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	return c.Cron(ctx, rule)
}
