package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by processors.
const (
	JobCompleted      = "job.completed"
	JobFailed         = "job.failed"
	JobRetrying       = "job.retrying"
	JobDispatched     = "job.dispatched"
	JobDispatchFailed = "job.dispatch_failed"
	RuleInstalled     = "rule.installed"
)

// Event is an in-memory signal about one job (or schedule) transition.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Slow subscribers drop events (bounded backpressure).
type Event struct {
	Type    string
	Time    time.Time
	Channel string
	JobID   string
	JobName string

	// Target is the destination channel for dispatch events.
	Target   string
	Count    int
	Attempts int
	Duration time.Duration
	Err      string
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A concurrent unsubscribe may close ch under us.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}
