package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"jobflow/internal/admin"
	"jobflow/internal/channel"
	"jobflow/internal/config"
	"jobflow/internal/eventbus"
	"jobflow/internal/metrics"
	"jobflow/internal/processor"
	rtsup "jobflow/internal/runtime/supervisor"
	"jobflow/internal/storage"
	logx "jobflow/pkg/logx"
)

type App struct {
	cfgm     *config.Manager
	handlers Registry

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	journal storage.Journal
	metrics *metrics.Metrics
	admin   *admin.Service

	dialer channel.Dialer
	conn   channel.ConnConfig

	sup *rtsup.Supervisor

	mu     sync.RWMutex
	procs  []*processor.Processor
	byName map[string]*processor.Processor
}

// New loads the config at cfgPath and builds everything that does not touch
// the backend yet. Every configured processor must have a handler in handlers.
func New(cfgPath string, handlers Registry) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	for i, pc := range cfg.Processors {
		if handlers[pc.Name] == nil {
			return nil, fmt.Errorf("%w: processors[%d]: no handler registered for %q (have %s)",
				processor.ErrConfiguration, i, pc.Name, strings.Join(handlers.Names(), ","))
		}
	}
	dialer, conn, err := backend(cfg.Backend)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.Logging.Logx())
	log = log.With(logx.Component("app"))

	var journal storage.Journal
	if jc, enabled, err := mapJournalConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		j, err := storage.Open(jc, log.With(logx.Component("journal")))
		if err != nil {
			return nil, err
		}
		journal = j
		log.Info("journal enabled", logx.String("driver", jc.Driver))
	}

	a := &App{
		cfgm:     cfgm,
		handlers: handlers,
		log:      log,
		logs:     logSvc,
		bus:      eventbus.New(),
		journal:  journal,
		metrics:  metrics.New(),
		dialer:   dialer,
		conn:     conn,
		byName:   map[string]*processor.Processor{},
	}
	if cfg.Admin.Enabled {
		a.admin = admin.New(admin.Config{
			Addr:  cfg.Admin.Addr,
			Route: cfg.Admin.Route,
			Pprof: cfg.Admin.Pprof,
		}, admin.SourceFunc(a.Processors), journal, a.metrics.Handler(), log)
	}
	return a, nil
}

// Processors returns the running processors in config order.
func (a *App) Processors() []*processor.Processor {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]*processor.Processor(nil), a.procs...)
}

// Processor looks a processor up by its config name.
func (a *App) Processor(name string) *processor.Processor {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.byName[name]
}

func (a *App) Metrics() *metrics.Metrics { return a.metrics }

// Done is closed when the app supervisor stops (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start builds one processor per config entry, links outputs, installs
// recurrence rules and spawns workers. On error everything already opened is
// closed again.
func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.Component("config")))

	a.sup.Go0("metrics", func(c context.Context) { a.metrics.Run(c, a.bus) })

	if err := a.startProcessors(ctx, cfg); err != nil {
		a.sup.Cancel()
		a.closeProcessors(context.Background())
		return err
	}

	if a.admin != nil {
		a.admin.Start(a.sup.Context())
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub, cfg)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Int("processors", len(cfg.Processors)))
	return nil
}

func (a *App) startProcessors(ctx context.Context, cfg *config.Config) error {
	crons := map[string]*processor.CronProcessor{}
	for i, pc := range cfg.Processors {
		ch, wo, err := processorSettings(i, pc)
		if err != nil {
			return err
		}
		pcfg := processor.Config{
			Dialer:     a.dialer,
			Connection: a.conn,
			Channel:    ch,
			Worker:     wo,
			Logger:     a.log.With(logx.String("processor", pc.Name)),
			Bus:        a.bus,
			Journal:    a.journal,
		}
		handler := a.handlers[pc.Name]

		var p *processor.Processor
		if strings.TrimSpace(pc.Cron) != "" {
			c, err := processor.NewCron(ctx, pcfg, handler)
			if err != nil {
				return err
			}
			crons[pc.Name] = c
			p = c.Processor
		} else {
			p, err = processor.New(ctx, pcfg, handler)
			if err != nil {
				return err
			}
		}
		a.mu.Lock()
		a.procs = append(a.procs, p)
		a.byName[pc.Name] = p
		a.mu.Unlock()
	}

	for _, pc := range cfg.Processors {
		outs := make([]channel.Queue, 0, len(pc.Outputs))
		for _, name := range pc.Outputs {
			outs = append(outs, a.Processor(strings.TrimSpace(name)).Queue())
		}
		a.Processor(pc.Name).SetOutputs(outs...)
	}

	for _, pc := range cfg.Processors {
		if c := crons[pc.Name]; c != nil {
			if _, err := c.CronString(ctx, pc.Cron); err != nil {
				return fmt.Errorf("processor %s: %w", pc.Name, err)
			}
		}
	}

	for _, pc := range cfg.Processors {
		n := pc.Workers
		if n <= 0 {
			n = 1
		}
		if err := a.Processor(pc.Name).Spawn(ctx, n); err != nil {
			return fmt.Errorf("processor %s: %w", pc.Name, err)
		}
		a.log.Debug("processor started",
			logx.String("processor", pc.Name),
			logx.Channel(pc.ChannelName()),
			logx.Int("workers", n),
			logx.Any("outputs", pc.Outputs),
		)
	}
	return nil
}

// reloadLoop applies logging changes live; everything else is reported as
// needing a restart.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config, applied *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// coalesce bursts
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			changes, attrs := config.Diff(applied, next)
			applied = next
			if len(changes.Sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}
			if changes.Logging {
				if err := a.logs.Apply(next.Logging.Logx()); err != nil {
					a.log.Warn("log file unavailable, writing to console", logx.Err(err))
				}
			}
			if changes.RestartRequired {
				a.log.Warn("config changed; restart required for non-logging sections", attrs...)
				continue
			}
			a.log.Info("config reloaded", attrs...)
		}
	}
}

// Stop shuts down in reverse start order. Each step is bounded so one stuck
// component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			max = min(max, time.Until(dl))
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("admin", time.Second, func(c context.Context) error {
		if a.admin != nil {
			a.admin.Stop(c)
		}
		return nil
	})
	step("processors", 10*time.Second, func(c context.Context) error { return a.closeProcessors(c) })
	step("journal", time.Second, func(context.Context) error {
		if a.journal != nil {
			return a.journal.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

// closeProcessors drains every processor in creation order before closing
// any of them, so a job still in flight upstream can dispatch into queues
// that are open. Closing then runs in reverse creation order.
func (a *App) closeProcessors(ctx context.Context) error {
	a.mu.Lock()
	procs := a.procs
	a.procs = nil
	a.byName = map[string]*processor.Processor{}
	a.mu.Unlock()

	var errs []error
	for _, p := range procs {
		if err := p.Drain(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain %s: %w", p.Name(), err))
		}
	}
	for i := len(procs) - 1; i >= 0; i-- {
		if err := procs[i].Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", procs[i].Name(), err))
		}
	}
	return errors.Join(errs...)
}
