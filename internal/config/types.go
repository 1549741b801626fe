package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"jobflow/internal/channel"
	logx "jobflow/pkg/logx"
)

type Config struct {
	Logging    LoggingConfig     `json:"logging"`
	Backend    BackendConfig     `json:"backend"`
	Admin      AdminConfig       `json:"admin"`
	Journal    JournalConfig     `json:"journal"`
	Processors []ProcessorConfig `json:"processors"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path"`
	} `json:"file"`
}

// Logx converts the logging section into the logger service config.
func (c LoggingConfig) Logx() logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File: logx.FileConfig{
			Enabled: c.File.Enabled,
			Path:    c.File.Path,
		},
	}
}

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

type BackendConfig struct {
	Driver string      `json:"driver"` // memory|redis
	Redis  RedisConfig `json:"redis"`
}

type RedisConfig struct {
	Addr        string `json:"addr"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	DB          int    `json:"db"`
	Prefix      string `json:"prefix"`
	DialTimeout string `json:"dial_timeout"` // e.g. "5s"
}

type AdminConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`  // e.g. "127.0.0.1:3000"
	Route   string `json:"route"` // default "admin/queues"
	Pprof   bool   `json:"pprof"` // mount net/http/pprof under /debug/pprof
}

type JournalConfig struct {
	Driver      string `json:"driver"` // none|file|sqlite
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout"`
}

type ProcessorConfig struct {
	Name    string   `json:"name"`
	Channel string   `json:"channel"` // defaults to Name
	Workers int      `json:"workers"`
	Outputs []string `json:"outputs"`
	Cron    string   `json:"cron"`

	Defaults *DefaultsConfig `json:"defaults"`
	Worker   WorkerConfig    `json:"worker"`
}

// ChannelName is the channel the processor consumes from.
func (p ProcessorConfig) ChannelName() string {
	if s := strings.TrimSpace(p.Channel); s != "" {
		return s
	}
	return strings.TrimSpace(p.Name)
}

type DefaultsConfig struct {
	Attempts         int             `json:"attempts"`
	Backoff          BackoffConfig   `json:"backoff"`
	RemoveOnComplete RetentionConfig `json:"remove_on_complete"`
	RemoveOnFail     RetentionConfig `json:"remove_on_fail"`
}

type BackoffConfig struct {
	Type  string `json:"type"` // fixed|exponential
	Delay string `json:"delay"`
}

type RetentionConfig struct {
	Remove bool `json:"remove"`
	Keep   int  `json:"keep"`
}

type WorkerConfig struct {
	PollInterval string `json:"poll_interval"`
	Rate         struct {
		Max int    `json:"max"`
		Per string `json:"per"`
	} `json:"rate"`
}

// JobOptions builds channel defaults from the section. Unset retention keeps
// the bounded default of the channel package.
func (d DefaultsConfig) JobOptions(path string) (channel.JobOptions, error) {
	out := channel.DefaultJobOptions()
	if d.Attempts < 0 {
		return out, fmt.Errorf("%s.attempts: must be >= 0", path)
	}
	if d.Attempts > 0 {
		out.Attempts = d.Attempts
	}
	delay, err := ParseDurationField(path+".backoff.delay", d.Backoff.Delay)
	if err != nil {
		return out, err
	}
	switch t := channel.BackoffType(strings.ToLower(strings.TrimSpace(d.Backoff.Type))); t {
	case "", channel.BackoffFixed, channel.BackoffExponential:
		out.Backoff = channel.Backoff{Type: t, Delay: delay}
	default:
		return out, fmt.Errorf("%s.backoff.type: unknown %q", path, d.Backoff.Type)
	}
	if r := d.RemoveOnComplete.retention(); !r.IsZero() {
		out.RemoveOnComplete = r
	}
	if r := d.RemoveOnFail.retention(); !r.IsZero() {
		out.RemoveOnFail = r
	}
	if d.RemoveOnComplete.Keep < 0 || d.RemoveOnFail.Keep < 0 {
		return out, fmt.Errorf("%s: retention keep must be >= 0", path)
	}
	return out, nil
}

func (r RetentionConfig) retention() channel.Retention {
	return channel.Retention{Remove: r.Remove, Keep: r.Keep}
}

// UnmarshalJSON rejects unknown fields inside a processor entry as well.
func (p *ProcessorConfig) UnmarshalJSON(b []byte) error {
	type alias ProcessorConfig
	var tmp alias
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&tmp); err != nil {
		return err
	}
	*p = ProcessorConfig(tmp)
	return nil
}

// Validate checks cross-field constraints the decoder cannot express.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Backend.Driver)) {
	case "", BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("backend.driver: unknown %q", c.Backend.Driver)
	}
	if _, err := ParseDurationField("backend.redis.dial_timeout", c.Backend.Redis.DialTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("journal.busy_timeout", c.Journal.BusyTimeout); err != nil {
		return err
	}
	if c.Admin.Enabled && strings.TrimSpace(c.Admin.Addr) == "" {
		return fmt.Errorf("admin.addr: required when admin is enabled")
	}

	seen := make(map[string]bool, len(c.Processors))
	for i, p := range c.Processors {
		path := fmt.Sprintf("processors[%d]", i)
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return fmt.Errorf("%s.name: required", path)
		}
		if seen[name] {
			return fmt.Errorf("%s.name: duplicate %q", path, name)
		}
		seen[name] = true
		if p.Workers < 0 {
			return fmt.Errorf("%s.workers: must be >= 0", path)
		}
		if p.Defaults != nil {
			if _, err := p.Defaults.JobOptions(path + ".defaults"); err != nil {
				return err
			}
		}
		if strings.TrimSpace(p.Cron) != "" {
			if _, err := channel.ParseRule(p.Cron); err != nil {
				return fmt.Errorf("%s.cron: %w", path, err)
			}
		}
		if _, err := ParseDurationField(path+".worker.poll_interval", p.Worker.PollInterval); err != nil {
			return err
		}
		if p.Worker.Rate.Max < 0 {
			return fmt.Errorf("%s.worker.rate.max: must be >= 0", path)
		}
		if _, err := ParseDurationOrDefault(path+".worker.rate.per", p.Worker.Rate.Per, time.Second); err != nil {
			return err
		}
	}
	for i, p := range c.Processors {
		for _, out := range p.Outputs {
			if !seen[strings.TrimSpace(out)] {
				return fmt.Errorf("processors[%d].outputs: unknown processor %q", i, out)
			}
		}
	}
	return nil
}
