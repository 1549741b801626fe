package app

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobflow/internal/channel"
	"jobflow/internal/config"
	"jobflow/internal/processor"
	"jobflow/internal/storage"
	logx "jobflow/pkg/logx"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func counting(n *atomic.Int64, follow ...channel.BulkJob) processor.Handler {
	return processor.HandlerFunc(func(context.Context, *channel.Job) ([]channel.BulkJob, error) {
		n.Add(1)
		return follow, nil
	})
}

func TestNewRequiresHandlers(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "processors:\n  - name: email\n")
	_, err := New(path, Registry{})
	assert.ErrorIs(t, err, processor.ErrConfiguration)
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "backend: {driver: kafka}\n")
	_, err := New(path, Registry{})
	assert.Error(t, err)
}

func TestPipelineRunsEndToEnd(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeConfig(t, `
logging: {level: error}
backend: {driver: memory}
journal:
  driver: file
  path: `+filepath.Join(dir, "jobs")+`
processors:
  - name: tick
    cron: every:50ms
    outputs: [email]
  - name: email
    workers: 2
    outputs: [offers]
  - name: offers
    channel: discount-offer
`)
	var ticks, mails, offers atomic.Int64
	a, err := New(path, Registry{
		"tick":   counting(&ticks, channel.BulkJob{Name: "welcome-mail", Data: map[string]string{"to": "a@b.c"}}),
		"email":  counting(&mails, channel.BulkJob{Name: "discount-offer"}),
		"offers": counting(&offers),
	})
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	require.Eventually(t, func() bool { return offers.Load() >= 2 }, 5*time.Second, 20*time.Millisecond)
	assert.GreaterOrEqual(t, mails.Load(), int64(2))
	assert.GreaterOrEqual(t, ticks.Load(), int64(2))

	require.Len(t, a.Processors(), 3)
	assert.Equal(t, "discount-offer", a.Processor("offers").Name())
	assert.Equal(t, 2, a.Processor("email").Workers())

	rules, err := a.Processor("tick").Queue().Rules(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, 50*time.Millisecond, rules[0].Rule.Every)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopAppStop))
	assert.Empty(t, a.Processors())

	// the journal survives on disk
	j, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(dir, "jobs")}, logx.Nop())
	require.NoError(t, err)
	defer j.Close()
	recent, err := j.Recent(context.Background(), "discount-offer", 1)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestStopKeepsFollowUpOfInFlightJob(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
logging: {level: error}
processors:
  - name: email
    outputs: [offers]
  - name: offers
`)
	started := make(chan struct{})
	release := make(chan struct{})
	var offers atomic.Int64
	a, err := New(path, Registry{
		"email": processor.HandlerFunc(func(context.Context, *channel.Job) ([]channel.BulkJob, error) {
			close(started)
			<-release
			return []channel.BulkJob{{Name: "discount-offer"}}, nil
		}),
		"offers": counting(&offers),
	})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))

	email := a.Processor("email")
	_, err = email.Queue().Add(ctx, "welcome-mail", nil, nil)
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("email job never started")
	}

	stopped := make(chan error, 1)
	go func() {
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		stopped <- a.Stop(stopCtx, StopAppStop)
	}()
	time.Sleep(100 * time.Millisecond)
	close(release)
	require.NoError(t, <-stopped)

	snap := email.Snapshot()
	assert.Equal(t, uint64(1), snap.Processed)
	assert.Zero(t, snap.DispatchFailures)

	conn, err := a.dialer(ctx, a.conn)
	require.NoError(t, err)
	defer conn.Close()
	q, err := conn.Queue(ctx, "offers", nil)
	require.NoError(t, err)
	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Waiting+offers.Load(), "follow-up job must be queued or processed")
}

func TestMapJournalConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		driver  string
		path    string
		enabled bool
		wantErr bool
	}{
		{name: "unset", enabled: false},
		{name: "none", driver: "none", enabled: false},
		{name: "file", driver: "file", path: "./j", enabled: true},
		{name: "sqlite needs path", driver: "sqlite", wantErr: true},
		{name: "sqlite", driver: "SQLite", path: "./j.db", enabled: true},
		{name: "unknown", driver: "mongo", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := &config.Config{}
			cfg.Journal.Driver = tt.driver
			cfg.Journal.Path = tt.path
			_, enabled, err := mapJournalConfig(cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.enabled, enabled)
		})
	}
}
