package processor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"jobflow/internal/channel"
)

// eventLog is an ordered, concurrency-safe record of calls.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) index(e string) int {
	for i, v := range l.all() {
		if v == e {
			return i
		}
	}
	return -1
}

// recordingQueue is a channel.Queue that records every call.
type recordingQueue struct {
	name string
	log  *eventLog

	mu      sync.Mutex
	bulk    [][]channel.BulkJob
	rules   map[string]channel.RuleInfo
	bulkErr error

	// bulkHook, when set, runs inside AddBulk before recording.
	bulkHook func(ctx context.Context) error
}

func newRecordingQueue(name string, log *eventLog) *recordingQueue {
	if log == nil {
		log = &eventLog{}
	}
	return &recordingQueue{name: name, log: log, rules: map[string]channel.RuleInfo{}}
}

func (q *recordingQueue) Name() string { return q.name }

func (q *recordingQueue) Add(ctx context.Context, name string, data any, opts *channel.JobOptions) (*channel.Job, error) {
	q.log.add("add:" + name)
	if opts == nil || opts.Repeat == nil {
		return &channel.Job{ID: "1", Name: name}, nil
	}
	rule := *opts.Repeat
	key := channel.RuleKey(name, rule)
	next, err := rule.Next(time.Now())
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	q.rules[key] = channel.RuleInfo{Key: key, Name: name, Rule: rule, Next: next}
	q.mu.Unlock()
	return &channel.Job{ID: "repeat:" + key, Name: name, RepeatKey: key, Timestamp: next}, nil
}

func (q *recordingQueue) AddBulk(ctx context.Context, jobs []channel.BulkJob) ([]*channel.Job, error) {
	if q.bulkHook != nil {
		if err := q.bulkHook(ctx); err != nil {
			return nil, err
		}
	}
	q.log.add("addbulk:" + q.name)
	q.mu.Lock()
	q.bulk = append(q.bulk, append([]channel.BulkJob(nil), jobs...))
	q.mu.Unlock()
	if q.bulkErr != nil {
		return nil, q.bulkErr
	}
	out := make([]*channel.Job, len(jobs))
	for i, j := range jobs {
		out[i] = &channel.Job{ID: fmt.Sprint(i), Name: j.Name}
	}
	return out, nil
}

func (q *recordingQueue) bulkCalls() [][]channel.BulkJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([][]channel.BulkJob(nil), q.bulk...)
}

func (q *recordingQueue) seedRule(name string, rule channel.Rule) {
	key := channel.RuleKey(name, rule)
	q.mu.Lock()
	q.rules[key] = channel.RuleInfo{Key: key, Name: name, Rule: rule}
	q.mu.Unlock()
}

func (q *recordingQueue) Rules(ctx context.Context) ([]channel.RuleInfo, error) {
	q.log.add("rules")
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]channel.RuleInfo, 0, len(q.rules))
	for _, r := range q.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (q *recordingQueue) RemoveRule(ctx context.Context, key string) error {
	// Give concurrent removals a chance to overlap with a premature Add.
	time.Sleep(5 * time.Millisecond)
	q.mu.Lock()
	_, ok := q.rules[key]
	delete(q.rules, key)
	q.mu.Unlock()
	q.log.add("remove")
	if !ok {
		return channel.ErrRuleNotFound
	}
	return nil
}

func (q *recordingQueue) Counts(ctx context.Context) (channel.Counts, error) {
	return channel.Counts{}, nil
}

func (q *recordingQueue) Close() error {
	q.log.add("queue.close:" + q.name)
	return nil
}

// fakeConn hands out blocking consumers and records Close.
type fakeConn struct {
	id  string
	log *eventLog
}

func (c *fakeConn) Queue(ctx context.Context, name string, defaults *channel.JobOptions) (channel.Queue, error) {
	return newRecordingQueue(name, c.log), nil
}

func (c *fakeConn) Consumer(ctx context.Context, name string, opts channel.ConsumerOptions) (channel.Consumer, error) {
	return &fakeConsumer{id: c.id, log: c.log}, nil
}

func (c *fakeConn) Close() error {
	c.log.add("conn.close:" + c.id)
	return nil
}

// fakeDialer numbers connections conn0, conn1, ...
type fakeDialer struct {
	log *eventLog
	err error

	mu    sync.Mutex
	dials int
}

func (d *fakeDialer) Dial(ctx context.Context, cfg channel.ConnConfig) (channel.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := &fakeConn{id: fmt.Sprintf("conn%d", d.dials), log: d.log}
	d.dials++
	return c, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// fakeConsumer blocks in Next and records acknowledgements.
type fakeConsumer struct {
	id  string
	log *eventLog

	mu        sync.Mutex
	completed []string
	failed    []error
}

func (c *fakeConsumer) Next(ctx context.Context) (*channel.Job, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (c *fakeConsumer) Complete(ctx context.Context, j *channel.Job) error {
	c.mu.Lock()
	c.completed = append(c.completed, j.ID)
	c.mu.Unlock()
	return nil
}

func (c *fakeConsumer) Fail(ctx context.Context, j *channel.Job, cause error) error {
	c.mu.Lock()
	c.failed = append(c.failed, cause)
	c.mu.Unlock()
	return nil
}

func (c *fakeConsumer) Close() error {
	c.log.add("consumer.close:" + c.id)
	return nil
}

func (c *fakeConsumer) results() ([]string, []error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.completed...), append([]error(nil), c.failed...)
}

var errBoom = errors.New("boom")
