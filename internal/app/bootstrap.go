package app

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"jobflow/internal/channel"
	"jobflow/internal/channel/memory"
	"jobflow/internal/channel/redisq"
	"jobflow/internal/config"
	"jobflow/internal/processor"
)

// Registry maps the handler names used in the processors section to handlers.
type Registry map[string]processor.Handler

// Names lists the registered handler names, sorted.
func (r Registry) Names() []string {
	out := make([]string, 0, len(r))
	for n := range r {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// backend picks the dialer for cfg. A memory backend gets one broker shared
// by every connection of this app.
func backend(cfg config.BackendConfig) (channel.Dialer, channel.ConnConfig, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", config.BackendMemory:
		return memory.NewBroker().Dial, channel.ConnConfig{}, nil
	case config.BackendRedis:
		timeout, err := config.ParseDurationOrDefault("backend.redis.dial_timeout", cfg.Redis.DialTimeout, 5*time.Second)
		if err != nil {
			return nil, channel.ConnConfig{}, err
		}
		return redisq.Dial, channel.ConnConfig{
			Addr:        cfg.Redis.Addr,
			Username:    cfg.Redis.Username,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			Prefix:      cfg.Redis.Prefix,
			DialTimeout: timeout,
		}, nil
	default:
		return nil, channel.ConnConfig{}, fmt.Errorf("unknown backend.driver: %s", cfg.Driver)
	}
}

// processorSettings converts one processors entry into the channel and worker
// parts of processor.Config.
func processorSettings(i int, pc config.ProcessorConfig) (processor.ChannelConfig, processor.WorkerOptions, error) {
	path := fmt.Sprintf("processors[%d]", i)
	ch := processor.ChannelConfig{Name: pc.ChannelName()}
	if pc.Defaults != nil {
		opts, err := pc.Defaults.JobOptions(path + ".defaults")
		if err != nil {
			return ch, processor.WorkerOptions{}, err
		}
		ch.Defaults = &opts
	}
	poll, err := config.ParseDurationField(path+".worker.poll_interval", pc.Worker.PollInterval)
	if err != nil {
		return ch, processor.WorkerOptions{}, err
	}
	per, err := config.ParseDurationOrDefault(path+".worker.rate.per", pc.Worker.Rate.Per, time.Second)
	if err != nil {
		return ch, processor.WorkerOptions{}, err
	}
	wo := processor.WorkerOptions{PollInterval: poll}
	if pc.Worker.Rate.Max > 0 {
		wo.Rate = processor.RateLimit{Max: pc.Worker.Rate.Max, Per: per}
	}
	return ch, wo, nil
}
