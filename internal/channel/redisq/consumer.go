package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"jobflow/internal/channel"
)

// markActive bumps attempts_made only while the job hash exists, so an ID
// whose job was evicted never recreates a partial hash. Returns 0 if missing.
var markActive = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
return redis.call("HINCRBY", KEYS[1], "attempts_made", 1)
`)

type consumer struct {
	c      *conn
	name   string
	k      keys
	poll   time.Duration
	closed atomic.Bool
}

func (w *consumer) usable() error {
	if w.closed.Load() || w.c.closed.Load() {
		return channel.ErrClosed
	}
	return nil
}

func (w *consumer) Next(ctx context.Context) (*channel.Job, error) {
	client := w.c.client
	for {
		if err := w.usable(); err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := w.promote(ctx, time.Now()); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}

		id, err := client.BRPopLPush(ctx, w.k.wait(), w.k.active(), w.poll).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("redisq: pop %q: %w", w.name, err)
		}

		made, err := markActive.Run(ctx, client, []string{w.k.job(id)}).Int64()
		if err != nil {
			return nil, fmt.Errorf("redisq: mark %s active: %w", id, err)
		}
		var j *channel.Job
		if made > 0 {
			if j, err = loadJob(ctx, client, w.k, id); err != nil {
				return nil, err
			}
		}
		if j == nil {
			// Evicted while waiting; drop the dangling ID.
			client.LRem(ctx, w.k.active(), 1, id)
			continue
		}
		return j, nil
	}
}

// promote moves due delayed jobs to wait and injects due rule firings.
func (w *consumer) promote(ctx context.Context, now time.Time) error {
	client := w.c.client

	ids, err := client.ZRangeByScore(ctx, w.k.delayed(), upTo(now)).Result()
	if err != nil {
		return fmt.Errorf("redisq: scan delayed: %w", err)
	}
	for _, id := range ids {
		claimed, err := client.ZRem(ctx, w.k.delayed(), id).Result()
		if err != nil {
			return fmt.Errorf("redisq: claim delayed %s: %w", id, err)
		}
		if claimed == 1 {
			if err := client.LPush(ctx, w.k.wait(), id).Err(); err != nil {
				return fmt.Errorf("redisq: promote %s: %w", id, err)
			}
		}
	}

	due, err := client.ZRangeByScore(ctx, w.k.rulesNext(), upTo(now)).Result()
	if err != nil {
		return fmt.Errorf("redisq: scan rules: %w", err)
	}
	for _, key := range due {
		claimed, err := client.ZRem(ctx, w.k.rulesNext(), key).Result()
		if err != nil {
			return fmt.Errorf("redisq: claim rule %s: %w", key, err)
		}
		if claimed != 1 {
			continue
		}
		if err := w.fire(ctx, key, now); err != nil {
			return err
		}
	}
	return nil
}

func (w *consumer) fire(ctx context.Context, key string, now time.Time) error {
	client := w.c.client
	raw, err := client.HGet(ctx, w.k.rules(), key).Result()
	if errors.Is(err, goredis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("redisq: load rule %s: %w", key, err)
	}
	var rec ruleRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return fmt.Errorf("redisq: decode rule %s: %w", key, err)
	}

	j := newJob(rec.Info.Name, rec.Data, rec.Opts, key, now)
	pipe := client.TxPipeline()
	if err := stageJob(ctx, pipe, w.k, j, now); err != nil {
		return err
	}

	rec.Info.Count++
	limited := rec.Info.Rule.Limit > 0 && rec.Info.Count >= rec.Info.Rule.Limit
	next, nextErr := rec.Info.Rule.Next(now)
	if limited || nextErr != nil {
		pipe.HDel(ctx, w.k.rules(), key)
	} else {
		rec.Info.Next = next
		encoded, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("redisq: encode rule %s: %w", key, err)
		}
		pipe.HSet(ctx, w.k.rules(), key, encoded)
		pipe.ZAdd(ctx, w.k.rulesNext(), goredis.Z{Score: score(next), Member: key})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisq: fire rule %s: %w", key, err)
	}
	return nil
}

// release removes j from the active list, failing if it was not there.
func (w *consumer) release(ctx context.Context, j *channel.Job) error {
	if j == nil {
		return channel.ErrJobNotActive
	}
	n, err := w.c.client.LRem(ctx, w.k.active(), 1, j.ID).Result()
	if err != nil {
		return fmt.Errorf("redisq: release %s: %w", j.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", channel.ErrJobNotActive, j.ID)
	}
	return nil
}

func (w *consumer) Complete(ctx context.Context, j *channel.Job) error {
	if err := w.usable(); err != nil {
		return err
	}
	if err := w.release(ctx, j); err != nil {
		return err
	}
	return w.finish(ctx, j.ID, w.k.completed(), j.Opts.RemoveOnComplete)
}

func (w *consumer) Fail(ctx context.Context, j *channel.Job, cause error) error {
	if err := w.usable(); err != nil {
		return err
	}
	if err := w.release(ctx, j); err != nil {
		return err
	}
	client := w.c.client
	if cause != nil {
		if err := client.HSet(ctx, w.k.job(j.ID), "failed_reason", cause.Error()).Err(); err != nil {
			return fmt.Errorf("redisq: record failure of %s: %w", j.ID, err)
		}
	}

	if !channel.IsPermanent(cause) && j.AttemptsMade < j.Opts.Attempts {
		var err error
		if delay := j.Opts.Backoff.After(j.AttemptsMade); delay > 0 {
			err = client.ZAdd(ctx, w.k.delayed(), goredis.Z{Score: score(time.Now().Add(delay)), Member: j.ID}).Err()
		} else {
			err = client.LPush(ctx, w.k.wait(), j.ID).Err()
		}
		if err != nil {
			return fmt.Errorf("redisq: retry %s: %w", j.ID, err)
		}
		return nil
	}
	return w.finish(ctx, j.ID, w.k.failed(), j.Opts.RemoveOnFail)
}

// finish applies a retention policy to a job reaching a terminal list.
func (w *consumer) finish(ctx context.Context, id, list string, keep channel.Retention) error {
	client := w.c.client
	if keep.EvictNow() {
		if err := client.Del(ctx, w.k.job(id)).Err(); err != nil {
			return fmt.Errorf("redisq: evict %s: %w", id, err)
		}
		return nil
	}
	if err := client.LPush(ctx, list, id).Err(); err != nil {
		return fmt.Errorf("redisq: finish %s: %w", id, err)
	}
	if keep.Keep <= 0 {
		return nil
	}

	stale, err := client.LRange(ctx, list, int64(keep.Keep), -1).Result()
	if err != nil {
		return fmt.Errorf("redisq: scan %s: %w", list, err)
	}
	if len(stale) == 0 {
		return nil
	}
	pipe := client.TxPipeline()
	for _, old := range stale {
		pipe.Del(ctx, w.k.job(old))
	}
	pipe.LTrim(ctx, list, 0, int64(keep.Keep-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisq: trim %s: %w", list, err)
	}
	return nil
}

func (w *consumer) Close() error {
	w.closed.Store(true)
	return nil
}
