package processor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"jobflow/internal/channel"
	rtsup "jobflow/internal/runtime/supervisor"
	logx "jobflow/pkg/logx"
)

const defaultHistorySize = 200

// Processor binds one input queue, a set of output queues and a pool of
// workers running Handler.
type Processor struct {
	cfg     Config
	handler Handler
	log     logx.Logger
	limiter *rate.Limiter

	mu      sync.Mutex
	conn    channel.Conn
	queue   channel.Queue
	outputs []channel.Queue
	sup     *rtsup.Supervisor
	workers map[string]*worker
	seq     int
	drained bool
	closed  bool

	processed        atomic.Uint64
	failed           atomic.Uint64
	dispatchFailures atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

// New dials the backend and opens (or attaches to) the configured queue.
//
// With neither Config.Queue nor Channel.Name set the processor starts unbound;
// Spawn and Cron then fail with ErrConfiguration until Bind is called.
func New(ctx context.Context, cfg Config, handler Handler) (*Processor, error) {
	if handler == nil {
		return nil, configErr("handler required")
	}
	if cfg.Logger.IsZero() {
		cfg.Logger = logx.Nop()
	}
	if cfg.Worker.HistorySize <= 0 {
		cfg.Worker.HistorySize = defaultHistorySize
	}

	p := &Processor{
		cfg:     cfg,
		handler: handler,
		log:     cfg.Logger.With(logx.Component("processor")),
		workers: map[string]*worker{},
	}
	if r := cfg.Worker.Rate; r.Max > 0 {
		per := r.Per
		if per <= 0 {
			per = time.Second
		}
		p.limiter = rate.NewLimiter(rate.Every(per/time.Duration(r.Max)), r.Max)
	}

	name := strings.TrimSpace(cfg.Channel.Name)
	switch {
	case cfg.Queue != nil:
		p.queue = cfg.Queue
	case name != "":
		if cfg.Dialer == nil {
			return nil, configErr("dialer required")
		}
		conn, err := cfg.Dialer(ctx, cfg.Connection)
		if err != nil {
			return nil, &ConnectionError{Channel: name, Err: err}
		}
		defaults := cfg.Channel.Defaults
		if defaults == nil {
			d := channel.DefaultJobOptions()
			defaults = &d
		}
		q, err := conn.Queue(ctx, name, defaults)
		if err != nil {
			_ = conn.Close()
			return nil, &ConnectionError{Channel: name, Err: err}
		}
		p.conn = conn
		p.queue = q
	}
	if p.queue != nil {
		p.log = p.log.With(logx.Channel(p.queue.Name()))
	}
	return p, nil
}

// Bind replaces the input queue. A nil q keeps the current one.
// Workers already running stay attached to the previous queue name.
func (p *Processor) Bind(q channel.Queue) *Processor {
	if q == nil {
		return p
	}
	p.mu.Lock()
	p.queue = q
	p.log = p.cfg.Logger.With(logx.Component("processor"), logx.Channel(q.Name()))
	p.mu.Unlock()
	return p
}

// Queue returns the bound input queue (nil when unbound).
func (p *Processor) Queue() channel.Queue {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue
}

// Name is the bound queue name, or the configured one.
func (p *Processor) Name() string {
	if q := p.Queue(); q != nil {
		return q.Name()
	}
	return strings.TrimSpace(p.cfg.Channel.Name)
}

func (p *Processor) logger() logx.Logger {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.log
}

// SetOutputs replaces the output queues. A job uses the set that was current
// when its delivery started.
func (p *Processor) SetOutputs(queues ...channel.Queue) {
	out := make([]channel.Queue, 0, len(queues))
	for _, q := range queues {
		if q != nil {
			out = append(out, q)
		}
	}
	p.mu.Lock()
	p.outputs = out
	p.mu.Unlock()
}

// Outputs returns a copy of the current output set.
func (p *Processor) Outputs() []channel.Queue {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]channel.Queue(nil), p.outputs...)
}

// Spawn starts n workers (n <= 0 means 1). Each worker dials its own
// connection. Either all n start or none do.
func (p *Processor) Spawn(ctx context.Context, n int) error {
	if n <= 0 {
		n = 1
	}
	p.mu.Lock()
	closed, q, log := p.closed || p.drained, p.queue, p.log
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if q == nil {
		return configErr("process queue not found")
	}
	if p.cfg.Dialer == nil {
		return configErr("dialer required to spawn workers")
	}
	name := q.Name()

	created := make([]*worker, 0, n)
	abort := func() {
		for _, w := range created {
			_ = w.close()
		}
	}
	for i := 0; i < n; i++ {
		conn, err := p.cfg.Dialer(ctx, p.cfg.Connection)
		if err != nil {
			abort()
			return &ConnectionError{Channel: name, Err: err}
		}
		cons, err := conn.Consumer(ctx, name, channel.ConsumerOptions{PollInterval: p.cfg.Worker.PollInterval})
		if err != nil {
			_ = conn.Close()
			abort()
			return &ConnectionError{Channel: name, Err: err}
		}
		created = append(created, &worker{p: p, channel: name, conn: conn, cons: cons})
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.drained {
		abort()
		return ErrClosed
	}
	if p.sup == nil {
		p.sup = rtsup.New(context.Background(), rtsup.WithLogger(log))
	}
	base := context.WithoutCancel(ctx)
	for _, w := range created {
		w := w
		p.seq++
		w.seq = p.seq
		w.name = fmt.Sprintf("%s#%d", name, p.seq)
		w.log = log.With(logx.String("worker", w.name))
		w.started = time.Now()
		p.workers[w.name] = w
		p.sup.GoRestart("worker."+w.name, func(intake context.Context) error {
			return w.run(intake, base)
		}, rtsup.WithRestartBackoff(250*time.Millisecond, 10*time.Second))
	}
	log.Info("workers spawned", logx.Int("count", n), logx.Int("total", len(p.workers)))
	return nil
}

// Workers reports how many workers are running.
func (p *Processor) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Drain stops intake on every worker and waits for in-flight jobs, including
// their dispatch to the outputs. Queues and connections stay open, so other
// processors can still add to this one's queue. Spawn fails afterwards.
func (p *Processor) Drain(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	p.drained = true
	sup, log := p.sup, p.log
	p.mu.Unlock()
	if sup == nil {
		return nil
	}
	if err := sup.Stop(ctx); err != nil {
		log.Warn("workers did not stop in time", logx.Err(err))
		return err
	}
	return nil
}

// Close stops intake on every worker, waits for in-flight jobs, releases the
// worker connections and finally the queue and the processor connection.
// It is safe to call more than once.
func (p *Processor) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	q, conn, log := p.queue, p.conn, p.log
	workers := make([]*worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.Unlock()
	sort.Slice(workers, func(i, j int) bool { return workers[i].seq < workers[j].seq })

	var errs []error
	if err := p.Drain(ctx); err != nil {
		errs = append(errs, err)
	}
	for _, w := range workers {
		if err := w.close(); err != nil {
			errs = append(errs, fmt.Errorf("close worker %s: %w", w.name, err))
		}
	}
	if q != nil {
		if err := q.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close queue: %w", err))
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}
	log.Info("processor closed", logx.Int("workers", len(workers)))
	return errors.Join(errs...)
}

// Snapshot returns counters, per-worker state and recent history.
func (p *Processor) Snapshot() Snapshot {
	s := Snapshot{
		Channel:          p.Name(),
		Processed:        p.processed.Load(),
		Failed:           p.failed.Load(),
		DispatchFailures: p.dispatchFailures.Load(),
	}
	for _, q := range p.Outputs() {
		s.Outputs = append(s.Outputs, q.Name())
	}

	p.mu.Lock()
	s.Goroutines = p.sup.Counters()
	ws := make([]*worker, 0, len(p.workers))
	for _, w := range p.workers {
		ws = append(ws, w)
	}
	p.mu.Unlock()
	sort.Slice(ws, func(i, j int) bool { return ws[i].seq < ws[j].seq })
	for _, w := range ws {
		s.Workers = append(s.Workers, w.snapshot())
	}

	p.hmu.Lock()
	s.History = append([]HistoryItem(nil), p.history...)
	p.hmu.Unlock()
	return s
}

func (p *Processor) remember(item HistoryItem) {
	p.hmu.Lock()
	p.history = append(p.history, item)
	if n := p.cfg.Worker.HistorySize; len(p.history) > n {
		p.history = p.history[len(p.history)-n:]
	}
	p.hmu.Unlock()
}
