package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobflow/internal/channel"
)

func openQueue(t *testing.T, b *Broker, name string, defaults *channel.JobOptions) (channel.Conn, channel.Queue) {
	t.Helper()
	c, err := b.Dial(context.Background(), channel.ConnConfig{})
	require.NoError(t, err)
	q, err := c.Queue(context.Background(), name, defaults)
	require.NoError(t, err)
	return c, q
}

func consumerFor(t *testing.T, b *Broker, name string) channel.Consumer {
	t.Helper()
	c, err := b.Dial(context.Background(), channel.ConnConfig{})
	require.NoError(t, err)
	w, err := c.Consumer(context.Background(), name, channel.ConsumerOptions{})
	require.NoError(t, err)
	return w
}

func nextWithin(t *testing.T, w channel.Consumer, d time.Duration) *channel.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	j, err := w.Next(ctx)
	require.NoError(t, err)
	return j
}

func TestAddAndConsumeFIFO(t *testing.T) {
	t.Parallel()
	b := NewBroker()
	_, q := openQueue(t, b, "email", nil)
	w := consumerFor(t, b, "email")

	_, err := q.Add(context.Background(), "first", map[string]string{"to": "a"}, nil)
	require.NoError(t, err)
	_, err = q.AddBulk(context.Background(), []channel.BulkJob{
		{Name: "second", Data: 2},
		{Name: "third", Data: 3},
	})
	require.NoError(t, err)

	for _, want := range []string{"first", "second", "third"} {
		j := nextWithin(t, w, time.Second)
		assert.Equal(t, want, j.Name)
		assert.Equal(t, 1, j.AttemptsMade)
		require.NoError(t, w.Complete(context.Background(), j))
	}

	counts, err := q.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, channel.Counts{Completed: 3}, counts)
	assert.Equal(t, int64(2), b.Dials())
}

func TestNextBlocksUntilAdd(t *testing.T) {
	t.Parallel()
	b := NewBroker()
	_, q := openQueue(t, b, "jobs", nil)
	w := consumerFor(t, b, "jobs")

	got := make(chan *channel.Job, 1)
	go func() {
		j, err := w.Next(context.Background())
		if err == nil {
			got <- j
		}
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := q.Add(context.Background(), "late", nil, nil)
	require.NoError(t, err)

	select {
	case j := <-got:
		assert.Equal(t, "late", j.Name)
	case <-time.After(time.Second):
		t.Fatal("consumer was not woken by Add")
	}
}

func TestNextHonoursContext(t *testing.T) {
	t.Parallel()
	b := NewBroker()
	w := consumerFor(t, b, "idle")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := w.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRetentionKeepsLastN(t *testing.T) {
	t.Parallel()
	b := NewBroker()
	defaults := channel.DefaultJobOptions()
	defaults.RemoveOnComplete = channel.KeepLast(2)
	_, q := openQueue(t, b, "bounded", &defaults)
	w := consumerFor(t, b, "bounded")

	var ids []string
	for i := 0; i < 4; i++ {
		j, err := q.Add(context.Background(), "n", i, nil)
		require.NoError(t, err)
		ids = append(ids, j.ID)
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, w.Complete(context.Background(), nextWithin(t, w, time.Second)))
	}

	counts, err := q.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Completed)
	_, ok := b.Job("bounded", ids[0])
	assert.False(t, ok)
	_, ok = b.Job("bounded", ids[3])
	assert.True(t, ok)
}

func TestFailRetriesThenFails(t *testing.T) {
	t.Parallel()
	b := NewBroker()
	_, q := openQueue(t, b, "retry", nil)
	w := consumerFor(t, b, "retry")

	_, err := q.Add(context.Background(), "flaky", nil, &channel.JobOptions{Attempts: 2})
	require.NoError(t, err)

	j := nextWithin(t, w, time.Second)
	require.NoError(t, w.Fail(context.Background(), j, errors.New("boom")))

	j = nextWithin(t, w, time.Second)
	assert.Equal(t, 2, j.AttemptsMade)
	require.NoError(t, w.Fail(context.Background(), j, errors.New("boom again")))

	counts, err := q.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Failed)
	stored, ok := b.Job("retry", j.ID)
	require.True(t, ok)
	assert.Equal(t, "boom again", stored.FailedReason)
}

func TestPermanentFailureSkipsRetries(t *testing.T) {
	t.Parallel()
	b := NewBroker()
	_, q := openQueue(t, b, "perm", nil)
	w := consumerFor(t, b, "perm")

	_, err := q.Add(context.Background(), "bad", nil, &channel.JobOptions{Attempts: 5})
	require.NoError(t, err)
	j := nextWithin(t, w, time.Second)
	require.NoError(t, w.Fail(context.Background(), j, channel.Permanent(errors.New("invalid"))))

	counts, err := q.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Failed)
	assert.Zero(t, counts.Waiting)
}

func TestCompleteRequiresActiveJob(t *testing.T) {
	t.Parallel()
	b := NewBroker()
	w := consumerFor(t, b, "x")
	err := w.Complete(context.Background(), &channel.Job{ID: "ghost"})
	assert.ErrorIs(t, err, channel.ErrJobNotActive)
}

func TestDelayedJobIsPromoted(t *testing.T) {
	t.Parallel()
	b := NewBroker()
	_, q := openQueue(t, b, "later", nil)
	w := consumerFor(t, b, "later")

	start := time.Now()
	_, err := q.Add(context.Background(), "delayed", nil, &channel.JobOptions{Delay: 40 * time.Millisecond})
	require.NoError(t, err)

	counts, err := q.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Delayed)

	j := nextWithin(t, w, time.Second)
	assert.Equal(t, "delayed", j.Name)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestRepeatRuleInstallsAndFires(t *testing.T) {
	t.Parallel()
	b := NewBroker()
	_, q := openQueue(t, b, "ticks", nil)
	w := consumerFor(t, b, "ticks")

	rule := channel.Every(20 * time.Millisecond)
	placeholder, err := q.Add(context.Background(), "ticks", nil, &channel.JobOptions{Repeat: &rule})
	require.NoError(t, err)
	assert.Equal(t, channel.RuleKey("ticks", rule), placeholder.RepeatKey)

	rules, err := q.Rules(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, placeholder.RepeatKey, rules[0].Key)

	j := nextWithin(t, w, time.Second)
	assert.Equal(t, "ticks", j.Name)
	assert.Equal(t, placeholder.RepeatKey, j.RepeatKey)
	assert.JSONEq(t, "null", string(j.Data))
}

func TestRepeatRuleReplacedBySameKey(t *testing.T) {
	t.Parallel()
	b := NewBroker()
	_, q := openQueue(t, b, "dup", nil)
	rule := channel.Every(time.Hour)
	for i := 0; i < 2; i++ {
		_, err := q.Add(context.Background(), "dup", nil, &channel.JobOptions{Repeat: &rule})
		require.NoError(t, err)
	}
	rules, err := q.Rules(context.Background())
	require.NoError(t, err)
	assert.Len(t, rules, 1)
}

func TestRuleLimitRemovesRule(t *testing.T) {
	t.Parallel()
	b := NewBroker()
	_, q := openQueue(t, b, "limited", nil)
	w := consumerFor(t, b, "limited")

	rule := channel.Rule{Every: 10 * time.Millisecond, Limit: 1}
	_, err := q.Add(context.Background(), "once", nil, &channel.JobOptions{Repeat: &rule})
	require.NoError(t, err)

	j := nextWithin(t, w, time.Second)
	assert.Equal(t, "once", j.Name)

	rules, err := q.Rules(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestRemoveRule(t *testing.T) {
	t.Parallel()
	b := NewBroker()
	_, q := openQueue(t, b, "rm", nil)
	rule := channel.Pattern("0 0 * * *")
	placeholder, err := q.Add(context.Background(), "rm", nil, &channel.JobOptions{Repeat: &rule})
	require.NoError(t, err)

	require.NoError(t, q.RemoveRule(context.Background(), placeholder.RepeatKey))
	assert.ErrorIs(t, q.RemoveRule(context.Background(), placeholder.RepeatKey), channel.ErrRuleNotFound)
}

func TestJobIDDeduplicates(t *testing.T) {
	t.Parallel()
	b := NewBroker()
	_, q := openQueue(t, b, "dedupe", nil)
	a, err := q.Add(context.Background(), "x", 1, &channel.JobOptions{JobID: "same"})
	require.NoError(t, err)
	c, err := q.Add(context.Background(), "x", 2, &channel.JobOptions{JobID: "same"})
	require.NoError(t, err)
	assert.Equal(t, a.ID, c.ID)

	counts, err := q.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Waiting)
}

func TestClosedConnRejectsCalls(t *testing.T) {
	t.Parallel()
	b := NewBroker()
	c, q := openQueue(t, b, "closed", nil)
	require.NoError(t, c.Close())

	_, err := q.Add(context.Background(), "x", nil, nil)
	assert.ErrorIs(t, err, channel.ErrClosed)
	_, err = c.Queue(context.Background(), "other", nil)
	assert.ErrorIs(t, err, channel.ErrClosed)
}
