package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobflow/internal/channel"
)

const sampleYAML = `
logging:
  level: debug
  console: true
backend:
  driver: redis
  redis:
    addr: 127.0.0.1:6379
    prefix: jobflow
admin:
  enabled: true
  addr: 127.0.0.1:3000
journal:
  driver: sqlite
  path: ./data/journal
  busy_timeout: 5s
processors:
  - name: welcome-mail-cron
    cron: every:5s
    outputs: [email]
  - name: email
    workers: 4
    outputs: [discount-offer]
    defaults:
      attempts: 3
      backoff: {type: exponential, delay: 200ms}
      remove_on_complete: {keep: 50}
    worker:
      rate: {max: 10, per: 1s}
  - name: discount-offer
    channel: offers
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, BackendRedis, cfg.Backend.Driver)
	require.Len(t, cfg.Processors, 3)
	assert.Equal(t, "every:5s", cfg.Processors[0].Cron)
	assert.Equal(t, []string{"discount-offer"}, cfg.Processors[1].Outputs)
	assert.Equal(t, "offers", cfg.Processors[2].ChannelName())
	assert.Equal(t, "email", cfg.Processors[1].ChannelName())

	opts, err := cfg.Processors[1].Defaults.JobOptions("defaults")
	require.NoError(t, err)
	assert.Equal(t, 3, opts.Attempts)
	assert.Equal(t, channel.Backoff{Type: channel.BackoffExponential, Delay: 200 * time.Millisecond}, opts.Backoff)
	assert.Equal(t, channel.KeepLast(50), opts.RemoveOnComplete)
	assert.Equal(t, channel.KeepLast(channel.DefaultRetain), opts.RemoveOnFail)
}

func TestLoadJSONIsStrict(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
	}{
		{name: "unknown top-level field", body: `{"queues": {}}`},
		{name: "unknown processor field", body: `{"processors": [{"name": "a", "concurrency": 3}]}`},
		{name: "trailing data", body: `{} {}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewManager(writeFile(t, "config.json", tt.body)).Load()
			assert.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{name: "empty", cfg: Config{}, ok: true},
		{name: "bad driver", cfg: Config{Backend: BackendConfig{Driver: "kafka"}}},
		{name: "admin without addr", cfg: Config{Admin: AdminConfig{Enabled: true}}},
		{name: "missing name", cfg: Config{Processors: []ProcessorConfig{{}}}},
		{name: "duplicate name", cfg: Config{Processors: []ProcessorConfig{{Name: "a"}, {Name: "a"}}}},
		{name: "unknown output", cfg: Config{Processors: []ProcessorConfig{{Name: "a", Outputs: []string{"b"}}}}},
		{name: "bad cron", cfg: Config{Processors: []ProcessorConfig{{Name: "a", Cron: "sometimes"}}}},
		{name: "bad backoff", cfg: Config{Processors: []ProcessorConfig{{Name: "a", Defaults: &DefaultsConfig{Backoff: BackoffConfig{Type: "linear"}}}}}},
		{name: "bad poll interval", cfg: Config{Processors: []ProcessorConfig{{Name: "a", Worker: WorkerConfig{PollInterval: "soon"}}}}},
		{name: "outputs by name", cfg: Config{Processors: []ProcessorConfig{{Name: "a", Outputs: []string{"b"}}, {Name: "b"}}}, ok: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationField("x", "")
	require.NoError(t, err)
	assert.Zero(t, d)

	d, err = ParseDurationField("x", "1500")
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, d)

	d, err = ParseDurationField("x", " 2m ")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, d)

	_, err = ParseDurationField("x", "-1s")
	assert.Error(t, err)
	_, err = ParseDurationField("x", "abc")
	assert.ErrorContains(t, err, "x: invalid duration")

	d, err = ParseDurationOrDefault("x", "", time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)
}

func TestDiff(t *testing.T) {
	t.Parallel()
	a := &Config{Logging: LoggingConfig{Level: "info"}}
	b := &Config{Logging: LoggingConfig{Level: "debug"}}

	c, _ := Diff(a, a)
	assert.Empty(t, c.Sections)
	assert.False(t, c.RestartRequired)

	c, _ = Diff(a, b)
	assert.Equal(t, []string{"logging"}, c.Sections)
	assert.True(t, c.Logging)
	assert.False(t, c.RestartRequired)

	b.Processors = []ProcessorConfig{{Name: "x"}}
	c, _ = Diff(a, b)
	assert.Equal(t, []string{"logging", "processors"}, c.Sections)
	assert.True(t, c.RestartRequired)
}

func TestWatchPublishesChanges(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.yaml", "logging: {level: info}\n")
	m := NewManager(path)
	m.debounce = 20 * time.Millisecond
	_, err := m.Load()
	require.NoError(t, err)

	updates := m.Subscribe(1)
	defer m.Unsubscribe(updates)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// the watcher may start after the first write, so keep rewriting
	var got *Config
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("logging: {level: debug}\n"), 0o644)
		select {
		case got = <-updates:
			return true
		default:
			return false
		}
	}, 5*time.Second, 100*time.Millisecond)
	assert.Equal(t, "debug", got.Logging.Level)
	assert.Equal(t, "debug", m.Get().Logging.Level)
}
