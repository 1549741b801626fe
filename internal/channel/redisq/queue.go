package redisq

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"jobflow/internal/channel"
)

type queue struct {
	c        *conn
	name     string
	k        keys
	defaults channel.JobOptions
	closed   atomic.Bool
}

func (q *queue) Name() string { return q.name }

func (q *queue) usable() error {
	if q.closed.Load() || q.c.closed.Load() {
		return channel.ErrClosed
	}
	return nil
}

func newJob(name string, data json.RawMessage, opts channel.JobOptions, repeatKey string, now time.Time) *channel.Job {
	id := strings.TrimSpace(opts.JobID)
	if id == "" {
		id = uuid.NewString()
	}
	opts.Repeat = nil
	return &channel.Job{
		ID:        id,
		Name:      name,
		Data:      data,
		Opts:      opts,
		Timestamp: now,
		RepeatKey: repeatKey,
	}
}

// stageJob queues the commands creating j on pipe.
func stageJob(ctx context.Context, pipe goredis.Pipeliner, k keys, j *channel.Job, now time.Time) error {
	fields, err := jobFields(j)
	if err != nil {
		return fmt.Errorf("redisq: encode job %s: %w", j.ID, err)
	}
	pipe.HSet(ctx, k.job(j.ID), fields)
	if j.Opts.Delay > 0 {
		pipe.ZAdd(ctx, k.delayed(), goredis.Z{Score: score(now.Add(j.Opts.Delay)), Member: j.ID})
	} else {
		pipe.LPush(ctx, k.wait(), j.ID)
	}
	return nil
}

func (q *queue) Add(ctx context.Context, name string, data any, opts *channel.JobOptions) (*channel.Job, error) {
	if err := q.usable(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("redisq: encode %q payload: %w", name, err)
	}
	o := channel.Resolve(q.defaults, opts)
	now := time.Now()

	if o.Repeat != nil {
		return q.installRule(ctx, name, raw, o, now)
	}

	if id := strings.TrimSpace(o.JobID); id != "" {
		existing, err := loadJob(ctx, q.c.client, q.k, id)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	j := newJob(name, raw, o, "", now)
	pipe := q.c.client.TxPipeline()
	if err := stageJob(ctx, pipe, q.k, j, now); err != nil {
		return nil, err
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redisq: add job to %q: %w", q.name, err)
	}
	return j, nil
}

func (q *queue) installRule(ctx context.Context, name string, raw json.RawMessage, o channel.JobOptions, now time.Time) (*channel.Job, error) {
	rule := *o.Repeat
	next, err := rule.Next(now)
	if err != nil {
		return nil, err
	}
	key := channel.RuleKey(name, rule)
	o.Repeat = nil
	rec := ruleRecord{
		Info: channel.RuleInfo{Key: key, Name: name, Rule: rule, Next: next},
		Data: raw,
		Opts: o,
	}
	encoded, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("redisq: encode rule %s: %w", key, err)
	}

	pipe := q.c.client.TxPipeline()
	pipe.HSet(ctx, q.k.rules(), key, encoded)
	pipe.ZAdd(ctx, q.k.rulesNext(), goredis.Z{Score: score(next), Member: key})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redisq: install rule %s: %w", key, err)
	}
	return &channel.Job{ID: "repeat:" + key, Name: name, Data: raw, Opts: o, Timestamp: next, RepeatKey: key}, nil
}

// AddBulk writes every job inside one MULTI/EXEC. A job whose JobID already
// exists is not written again; the stored job is returned in its place.
func (q *queue) AddBulk(ctx context.Context, jobs []channel.BulkJob) ([]*channel.Job, error) {
	if err := q.usable(); err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]*channel.Job, 0, len(jobs))
	seen := map[string]*channel.Job{}
	staged := 0
	pipe := q.c.client.TxPipeline()
	for _, bj := range jobs {
		if bj.Opts != nil && bj.Opts.Repeat != nil {
			return nil, fmt.Errorf("redisq: bulk job %q: repeat is not supported in bulk", bj.Name)
		}
		raw, err := json.Marshal(bj.Data)
		if err != nil {
			return nil, fmt.Errorf("redisq: encode %q payload: %w", bj.Name, err)
		}
		o := channel.Resolve(q.defaults, bj.Opts)
		if id := strings.TrimSpace(o.JobID); id != "" {
			if prev, ok := seen[id]; ok {
				out = append(out, prev)
				continue
			}
			existing, err := loadJob(ctx, q.c.client, q.k, id)
			if err != nil {
				return nil, err
			}
			if existing != nil {
				seen[id] = existing
				out = append(out, existing)
				continue
			}
		}
		j := newJob(bj.Name, raw, o, "", now)
		if err := stageJob(ctx, pipe, q.k, j, now); err != nil {
			return nil, err
		}
		if strings.TrimSpace(o.JobID) != "" {
			seen[j.ID] = j
		}
		staged++
		out = append(out, j)
	}
	if staged == 0 {
		return out, nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redisq: add %d jobs to %q: %w", len(out), q.name, err)
	}
	return out, nil
}

func (q *queue) Rules(ctx context.Context) ([]channel.RuleInfo, error) {
	if err := q.usable(); err != nil {
		return nil, err
	}
	all, err := q.c.client.HGetAll(ctx, q.k.rules()).Result()
	if err != nil {
		return nil, fmt.Errorf("redisq: list rules of %q: %w", q.name, err)
	}
	out := make([]channel.RuleInfo, 0, len(all))
	for key, raw := range all {
		var rec ruleRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("redisq: decode rule %s: %w", key, err)
		}
		out = append(out, rec.Info)
	}
	sortRules(out)
	return out, nil
}

func (q *queue) RemoveRule(ctx context.Context, key string) error {
	if err := q.usable(); err != nil {
		return err
	}
	pipe := q.c.client.TxPipeline()
	del := pipe.HDel(ctx, q.k.rules(), key)
	pipe.ZRem(ctx, q.k.rulesNext(), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisq: remove rule %s: %w", key, err)
	}
	if del.Val() == 0 {
		return fmt.Errorf("%w: %s", channel.ErrRuleNotFound, key)
	}
	return nil
}

func (q *queue) Counts(ctx context.Context) (channel.Counts, error) {
	if err := q.usable(); err != nil {
		return channel.Counts{}, err
	}
	pipe := q.c.client.Pipeline()
	wait := pipe.LLen(ctx, q.k.wait())
	active := pipe.LLen(ctx, q.k.active())
	delayed := pipe.ZCard(ctx, q.k.delayed())
	completed := pipe.LLen(ctx, q.k.completed())
	failed := pipe.LLen(ctx, q.k.failed())
	if _, err := pipe.Exec(ctx); err != nil {
		return channel.Counts{}, fmt.Errorf("redisq: counts of %q: %w", q.name, err)
	}
	return channel.Counts{
		Waiting:   wait.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

func (q *queue) Close() error {
	q.closed.Store(true)
	return nil
}
