package security

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/mwistrand/aussie-sub005/internal/logging"
	"github.com/mwistrand/aussie-sub005/internal/metrics"
)

// Handler consumes security events. Handlers run on the dispatcher
// goroutine, in priority order, and must not block for long.
type Handler interface {
	Name() string
	Priority() int
	Handle(ctx context.Context, ev Event)
}

// Dispatcher fans events out to handlers from a single consumer
// goroutine, preserving submission order. When the queue is full events
// are dropped rather than blocking the request path.
type Dispatcher struct {
	queue    chan Event
	handlers []Handler
	metrics  *metrics.Collector

	stop chan struct{}
	done sync.WaitGroup
	once sync.Once
}

// NewDispatcher creates a dispatcher with the given queue capacity.
// Handlers are sorted by descending priority once, at construction.
func NewDispatcher(queueSize int, m *metrics.Collector, handlers ...Handler) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	sorted := make([]Handler, len(handlers))
	copy(sorted, handlers)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() > sorted[j].Priority()
	})
	return &Dispatcher{
		queue:    make(chan Event, queueSize),
		handlers: sorted,
		metrics:  m,
		stop:     make(chan struct{}),
	}
}

// Start launches the consumer goroutine.
func (d *Dispatcher) Start() {
	d.done.Add(1)
	go d.run()
}

// Stop drains nothing further and waits for the consumer to exit.
func (d *Dispatcher) Stop() {
	d.once.Do(func() { close(d.stop) })
	d.done.Wait()
}

// Publish enqueues an event, dropping it when the queue is saturated.
func (d *Dispatcher) Publish(ev Event) {
	select {
	case d.queue <- ev:
	default:
		if d.metrics != nil {
			d.metrics.RecordSecurityEventDropped()
		}
		logging.Warn("security event dropped, queue saturated",
			zap.String("type", string(ev.Type)), zap.String("pattern", ev.Pattern))
	}
}

func (d *Dispatcher) run() {
	defer d.done.Done()
	ctx := context.Background()
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ctx, ev)
		case <-d.stop:
			// Drain what is already queued before exiting.
			for {
				select {
				case ev := <-d.queue:
					d.deliver(ctx, ev)
				default:
					return
				}
			}
		}
	}
}

// deliver runs every handler for one event. A panicking handler is
// isolated so the others still observe the event.
func (d *Dispatcher) deliver(ctx context.Context, ev Event) {
	for _, h := range d.handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Error("security handler panicked",
						zap.String("handler", h.Name()), zap.Any("panic", r))
				}
			}()
			h.Handle(ctx, ev)
		}()
	}
}
