// Package redisq implements the channel contract on Redis.
//
// Layout per queue (see keys.go): job Hashes, a wait List consumed with
// BRPOPLPUSH into an active List, a delayed Sorted Set, capped completed and
// failed Lists, and recurrence rules stored as a Hash plus a Sorted Set of
// next fire times. Delayed jobs and rule firings are promoted by consumers;
// a ZREM that returns 1 is the claim, so concurrent consumers never inject
// the same firing twice.
package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"jobflow/internal/channel"
)

// MinPollInterval is the smallest blocking timeout Redis accepts for BRPOPLPUSH.
const MinPollInterval = time.Second

// Dial connects to Redis and verifies the connection with PING.
// It satisfies channel.Dialer.
func Dial(ctx context.Context, cfg channel.ConnConfig) (channel.Conn, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:                  addr,
		Username:              cfg.Username,
		Password:              cfg.Password,
		DB:                    cfg.DB,
		DialTimeout:           dialTimeout,
		ContextTimeoutEnabled: true,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redisq: ping %s: %w", addr, err)
	}
	return New(client, cfg.Prefix), nil
}

// New wraps an existing client. Close on the returned Conn closes client.
func New(client *goredis.Client, prefix string) channel.Conn {
	return &conn{client: client, prefix: prefix}
}

type conn struct {
	client *goredis.Client
	prefix string
	closed atomic.Bool
}

func (c *conn) Queue(ctx context.Context, name string, defaults *channel.JobOptions) (channel.Queue, error) {
	if c.closed.Load() {
		return nil, channel.ErrClosed
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("redisq: queue name required")
	}
	k := newKeys(c.prefix, name)

	var opts channel.JobOptions
	if defaults != nil {
		opts = channel.Resolve(*defaults, nil)
		raw, err := json.Marshal(opts)
		if err != nil {
			return nil, fmt.Errorf("redisq: encode defaults: %w", err)
		}
		if err := c.client.HSet(ctx, k.meta(), "defaults", raw).Err(); err != nil {
			return nil, fmt.Errorf("redisq: store defaults for %q: %w", name, err)
		}
	} else {
		loaded, err := loadDefaults(ctx, c.client, k)
		if err != nil {
			return nil, err
		}
		opts = loaded
	}
	return &queue{c: c, name: name, k: k, defaults: opts}, nil
}

func loadDefaults(ctx context.Context, client goredis.Cmdable, k keys) (channel.JobOptions, error) {
	raw, err := client.HGet(ctx, k.meta(), "defaults").Result()
	if errors.Is(err, goredis.Nil) {
		return channel.DefaultJobOptions(), nil
	}
	if err != nil {
		return channel.JobOptions{}, fmt.Errorf("redisq: load defaults: %w", err)
	}
	var opts channel.JobOptions
	if err := json.Unmarshal([]byte(raw), &opts); err != nil {
		return channel.JobOptions{}, fmt.Errorf("redisq: decode defaults: %w", err)
	}
	return opts, nil
}

func (c *conn) Consumer(ctx context.Context, name string, opts channel.ConsumerOptions) (channel.Consumer, error) {
	if c.closed.Load() {
		return nil, channel.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	poll := opts.PollInterval
	if poll < MinPollInterval {
		poll = MinPollInterval
	}
	return &consumer{c: c, name: name, k: newKeys(c.prefix, name), poll: poll}, nil
}

func (c *conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.client.Close()
}

// ---- job encoding ----

func jobFields(j *channel.Job) (map[string]any, error) {
	opts, err := json.Marshal(j.Opts)
	if err != nil {
		return nil, err
	}
	data := string(j.Data)
	if data == "" {
		data = "null"
	}
	return map[string]any{
		"name":          j.Name,
		"data":          data,
		"opts":          string(opts),
		"attempts_made": j.AttemptsMade,
		"timestamp":     j.Timestamp.UnixMilli(),
		"repeat_key":    j.RepeatKey,
		"failed_reason": j.FailedReason,
	}, nil
}

func jobFromMap(id string, m map[string]string) (*channel.Job, error) {
	j := &channel.Job{
		ID:           id,
		Name:         m["name"],
		Data:         json.RawMessage(m["data"]),
		RepeatKey:    m["repeat_key"],
		FailedReason: m["failed_reason"],
	}
	if raw := m["opts"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &j.Opts); err != nil {
			return nil, fmt.Errorf("redisq: decode opts of %s: %w", id, err)
		}
	}
	if v := m["attempts_made"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("redisq: attempts_made of %s: %w", id, err)
		}
		j.AttemptsMade = n
	}
	if v := m["timestamp"]; v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("redisq: timestamp of %s: %w", id, err)
		}
		j.Timestamp = time.UnixMilli(ms)
	}
	return j, nil
}

func loadJob(ctx context.Context, client goredis.Cmdable, k keys, id string) (*channel.Job, error) {
	m, err := client.HGetAll(ctx, k.job(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redisq: load job %s: %w", id, err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return jobFromMap(id, m)
}

// ruleRecord is the JSON stored in the rules Hash.
type ruleRecord struct {
	Info channel.RuleInfo   `json:"info"`
	Data json.RawMessage    `json:"data"`
	Opts channel.JobOptions `json:"opts"`
}

func score(t time.Time) float64 { return float64(t.UnixMilli()) }

func upTo(t time.Time) *goredis.ZRangeBy {
	return &goredis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(t.UnixMilli(), 10)}
}

func sortRules(rs []channel.RuleInfo) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].Key < rs[j].Key })
}
