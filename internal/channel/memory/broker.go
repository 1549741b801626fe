// Package memory implements the channel contract in-process.
//
// A Broker plays the role of the backend server: every connection dialed from
// the same Broker sees the same queues. Delayed jobs and recurrence rules are
// promoted lazily by consumers while they wait for work, so a Broker owns no
// goroutines.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"jobflow/internal/channel"
)

type Broker struct {
	mu     sync.Mutex
	queues map[string]*queueState

	dials atomic.Int64
}

type queueState struct {
	name     string
	defaults channel.JobOptions

	jobs      map[string]*channel.Job
	wait      []string
	active    map[string]struct{}
	delayed   map[string]time.Time
	completed []string // oldest first
	failed    []string
	rules     map[string]*ruleState

	// wake is closed (and replaced) whenever the queue changes.
	wake chan struct{}
}

type ruleState struct {
	info channel.RuleInfo
	data json.RawMessage
	opts channel.JobOptions
}

func NewBroker() *Broker {
	return &Broker{queues: map[string]*queueState{}}
}

// Dial opens a new connection. It satisfies channel.Dialer.
func (b *Broker) Dial(ctx context.Context, cfg channel.ConnConfig) (channel.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_ = cfg
	b.dials.Add(1)
	return &conn{b: b}, nil
}

// Dials reports how many connections were opened on this broker.
func (b *Broker) Dials() int64 { return b.dials.Load() }

// Job returns a copy of a stored job (any state).
func (b *Broker) Job(queue, id string) (*channel.Job, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	qs := b.queues[queue]
	if qs == nil {
		return nil, false
	}
	j := qs.jobs[id]
	if j == nil {
		return nil, false
	}
	cp := *j
	return &cp, true
}

func (b *Broker) queueLocked(name string) *queueState {
	qs := b.queues[name]
	if qs == nil {
		qs = &queueState{
			name:     name,
			defaults: channel.DefaultJobOptions(),
			jobs:     map[string]*channel.Job{},
			active:   map[string]struct{}{},
			delayed:  map[string]time.Time{},
			rules:    map[string]*ruleState{},
			wake:     make(chan struct{}),
		}
		b.queues[name] = qs
	}
	return qs
}

func (qs *queueState) wakeLocked() {
	close(qs.wake)
	qs.wake = make(chan struct{})
}

func (qs *queueState) addLocked(name string, data json.RawMessage, opts channel.JobOptions, repeatKey string, now time.Time) *channel.Job {
	id := strings.TrimSpace(opts.JobID)
	if id != "" {
		if existing := qs.jobs[id]; existing != nil {
			cp := *existing
			return &cp
		}
	} else {
		id = uuid.NewString()
	}
	opts.Repeat = nil
	j := &channel.Job{
		ID:        id,
		Name:      name,
		Data:      data,
		Opts:      opts,
		Timestamp: now,
		RepeatKey: repeatKey,
	}
	qs.jobs[id] = j
	if opts.Delay > 0 {
		qs.delayed[id] = now.Add(opts.Delay)
	} else {
		qs.wait = append(qs.wait, id)
	}
	qs.wakeLocked()
	cp := *j
	return &cp
}

// promoteLocked moves due delayed jobs to wait and fires due rules.
func (qs *queueState) promoteLocked(now time.Time) {
	if len(qs.delayed) > 0 {
		type due struct {
			id string
			at time.Time
		}
		var ready []due
		for id, at := range qs.delayed {
			if !at.After(now) {
				ready = append(ready, due{id: id, at: at})
			}
		}
		sort.Slice(ready, func(i, j int) bool { return ready[i].at.Before(ready[j].at) })
		for _, d := range ready {
			delete(qs.delayed, d.id)
			qs.wait = append(qs.wait, d.id)
		}
	}

	for key, rs := range qs.rules {
		if rs.info.Next.After(now) {
			continue
		}
		qs.addLocked(rs.info.Name, rs.data, rs.opts, key, now)
		rs.info.Count++
		if rs.info.Rule.Limit > 0 && rs.info.Count >= rs.info.Rule.Limit {
			delete(qs.rules, key)
			continue
		}
		next, err := rs.info.Rule.Next(now)
		if err != nil {
			delete(qs.rules, key)
			continue
		}
		rs.info.Next = next
	}
}

// nextDueLocked returns the earliest delayed job or rule fire time.
func (qs *queueState) nextDueLocked() time.Time {
	var at time.Time
	for _, t := range qs.delayed {
		if at.IsZero() || t.Before(at) {
			at = t
		}
	}
	for _, rs := range qs.rules {
		if at.IsZero() || rs.info.Next.Before(at) {
			at = rs.info.Next
		}
	}
	return at
}

func (qs *queueState) finishLocked(j *channel.Job, list *[]string, keep channel.Retention) {
	if keep.EvictNow() {
		delete(qs.jobs, j.ID)
		return
	}
	*list = append(*list, j.ID)
	if keep.Keep > 0 && len(*list) > keep.Keep {
		drop := len(*list) - keep.Keep
		for _, id := range (*list)[:drop] {
			delete(qs.jobs, id)
		}
		*list = append([]string(nil), (*list)[drop:]...)
	}
}

func (qs *queueState) counts() channel.Counts {
	return channel.Counts{
		Waiting:   int64(len(qs.wait)),
		Active:    int64(len(qs.active)),
		Delayed:   int64(len(qs.delayed)),
		Completed: int64(len(qs.completed)),
		Failed:    int64(len(qs.failed)),
	}
}

// ---- Conn ----

type conn struct {
	b      *Broker
	closed atomic.Bool
}

func (c *conn) Queue(ctx context.Context, name string, defaults *channel.JobOptions) (channel.Queue, error) {
	if c.closed.Load() {
		return nil, channel.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("memory: queue name required")
	}
	c.b.mu.Lock()
	qs := c.b.queueLocked(name)
	if defaults != nil {
		qs.defaults = channel.Resolve(*defaults, nil)
	}
	c.b.mu.Unlock()
	return &queue{c: c, name: name}, nil
}

func (c *conn) Consumer(ctx context.Context, name string, opts channel.ConsumerOptions) (channel.Consumer, error) {
	if c.closed.Load() {
		return nil, channel.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_ = opts
	c.b.mu.Lock()
	c.b.queueLocked(name)
	c.b.mu.Unlock()
	return &consumer{c: c, name: name}, nil
}

func (c *conn) Close() error {
	c.closed.Store(true)
	return nil
}

// ---- Queue ----

type queue struct {
	c      *conn
	name   string
	closed atomic.Bool
}

func (q *queue) Name() string { return q.name }

func (q *queue) usable() error {
	if q.closed.Load() || q.c.closed.Load() {
		return channel.ErrClosed
	}
	return nil
}

func (q *queue) Add(ctx context.Context, name string, data any, opts *channel.JobOptions) (*channel.Job, error) {
	if err := q.usable(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("memory: encode %q payload: %w", name, err)
	}

	b := q.c.b
	b.mu.Lock()
	defer b.mu.Unlock()
	qs := b.queueLocked(q.name)
	o := channel.Resolve(qs.defaults, opts)
	now := time.Now()

	if o.Repeat == nil {
		return qs.addLocked(name, raw, o, "", now), nil
	}

	rule := *o.Repeat
	next, err := rule.Next(now)
	if err != nil {
		return nil, err
	}
	key := channel.RuleKey(name, rule)
	o.Repeat = nil
	qs.rules[key] = &ruleState{
		info: channel.RuleInfo{Key: key, Name: name, Rule: rule, Next: next},
		data: raw,
		opts: o,
	}
	qs.wakeLocked()
	return &channel.Job{ID: "repeat:" + key, Name: name, Data: raw, Opts: o, Timestamp: next, RepeatKey: key}, nil
}

func (q *queue) AddBulk(ctx context.Context, jobs []channel.BulkJob) ([]*channel.Job, error) {
	if err := q.usable(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raws := make([]json.RawMessage, len(jobs))
	for i, bj := range jobs {
		if bj.Opts != nil && bj.Opts.Repeat != nil {
			return nil, fmt.Errorf("memory: bulk job %q: repeat is not supported in bulk", bj.Name)
		}
		raw, err := json.Marshal(bj.Data)
		if err != nil {
			return nil, fmt.Errorf("memory: encode %q payload: %w", bj.Name, err)
		}
		raws[i] = raw
	}

	b := q.c.b
	b.mu.Lock()
	defer b.mu.Unlock()
	qs := b.queueLocked(q.name)
	now := time.Now()
	out := make([]*channel.Job, 0, len(jobs))
	for i, bj := range jobs {
		out = append(out, qs.addLocked(bj.Name, raws[i], channel.Resolve(qs.defaults, bj.Opts), "", now))
	}
	return out, nil
}

func (q *queue) Rules(ctx context.Context) ([]channel.RuleInfo, error) {
	if err := q.usable(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := q.c.b
	b.mu.Lock()
	qs := b.queueLocked(q.name)
	out := make([]channel.RuleInfo, 0, len(qs.rules))
	for _, rs := range qs.rules {
		out = append(out, rs.info)
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (q *queue) RemoveRule(ctx context.Context, key string) error {
	if err := q.usable(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b := q.c.b
	b.mu.Lock()
	defer b.mu.Unlock()
	qs := b.queueLocked(q.name)
	if _, ok := qs.rules[key]; !ok {
		return fmt.Errorf("%w: %s", channel.ErrRuleNotFound, key)
	}
	delete(qs.rules, key)
	qs.wakeLocked()
	return nil
}

func (q *queue) Counts(ctx context.Context) (channel.Counts, error) {
	if err := q.usable(); err != nil {
		return channel.Counts{}, err
	}
	if err := ctx.Err(); err != nil {
		return channel.Counts{}, err
	}
	b := q.c.b
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queueLocked(q.name).counts(), nil
}

func (q *queue) Close() error {
	q.closed.Store(true)
	return nil
}

// ---- Consumer ----

type consumer struct {
	c      *conn
	name   string
	closed atomic.Bool
}

func (w *consumer) usable() error {
	if w.closed.Load() || w.c.closed.Load() {
		return channel.ErrClosed
	}
	return nil
}

func (w *consumer) Next(ctx context.Context) (*channel.Job, error) {
	b := w.c.b
	for {
		if err := w.usable(); err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		b.mu.Lock()
		qs := b.queueLocked(w.name)
		now := time.Now()
		qs.promoteLocked(now)
		if len(qs.wait) > 0 {
			id := qs.wait[0]
			qs.wait = qs.wait[1:]
			j := qs.jobs[id]
			j.AttemptsMade++
			qs.active[id] = struct{}{}
			cp := *j
			b.mu.Unlock()
			return &cp, nil
		}
		due := qs.nextDueLocked()
		wake := qs.wake
		b.mu.Unlock()

		var timer *time.Timer
		var fire <-chan time.Time
		if !due.IsZero() {
			timer = time.NewTimer(max(due.Sub(now), 0))
			fire = timer.C
		}
		select {
		case <-ctx.Done():
		case <-wake:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (w *consumer) Complete(ctx context.Context, j *channel.Job) error {
	if err := w.usable(); err != nil {
		return err
	}
	_ = ctx
	b := w.c.b
	b.mu.Lock()
	defer b.mu.Unlock()
	qs := b.queueLocked(w.name)
	stored, err := qs.takeActiveLocked(j)
	if err != nil {
		return err
	}
	qs.finishLocked(stored, &qs.completed, stored.Opts.RemoveOnComplete)
	qs.wakeLocked()
	return nil
}

func (w *consumer) Fail(ctx context.Context, j *channel.Job, cause error) error {
	if err := w.usable(); err != nil {
		return err
	}
	_ = ctx
	b := w.c.b
	b.mu.Lock()
	defer b.mu.Unlock()
	qs := b.queueLocked(w.name)
	stored, err := qs.takeActiveLocked(j)
	if err != nil {
		return err
	}
	if cause != nil {
		stored.FailedReason = cause.Error()
	}
	if !channel.IsPermanent(cause) && stored.AttemptsMade < stored.Opts.Attempts {
		if delay := stored.Opts.Backoff.After(stored.AttemptsMade); delay > 0 {
			qs.delayed[stored.ID] = time.Now().Add(delay)
		} else {
			qs.wait = append(qs.wait, stored.ID)
		}
	} else {
		qs.finishLocked(stored, &qs.failed, stored.Opts.RemoveOnFail)
	}
	qs.wakeLocked()
	return nil
}

func (qs *queueState) takeActiveLocked(j *channel.Job) (*channel.Job, error) {
	if j == nil {
		return nil, channel.ErrJobNotActive
	}
	if _, ok := qs.active[j.ID]; !ok {
		return nil, fmt.Errorf("%w: %s", channel.ErrJobNotActive, j.ID)
	}
	delete(qs.active, j.ID)
	stored := qs.jobs[j.ID]
	if stored == nil {
		return nil, fmt.Errorf("%w: %s", channel.ErrJobNotActive, j.ID)
	}
	return stored, nil
}

func (w *consumer) Close() error {
	w.closed.Store(true)
	return nil
}
