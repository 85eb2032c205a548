package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rhuss/pforte/pkg/observability"
)

// DispatcherConfig controls buffering of a Dispatcher.
type DispatcherConfig struct {
	// BufferSize is the capacity of the event queue.
	BufferSize int

	// DropIfFull drops normal-priority events when the queue is full
	// instead of blocking the emitter. High-priority events always wait
	// for space (or for the caller's context to end).
	DropIfFull bool
}

// Dispatcher delivers events to a downstream sink from a single
// background goroutine so emitters never wait on sink I/O.
type Dispatcher struct {
	sink       Sink
	queue      chan Event
	dropIfFull bool

	dropped atomic.Uint64

	// mu guards closed and the queue against send-after-close.
	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewDispatcher starts a dispatcher forwarding to sink.
func NewDispatcher(cfg DispatcherConfig, sink Sink) *Dispatcher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	d := &Dispatcher{
		sink:       sink,
		queue:      make(chan Event, cfg.BufferSize),
		dropIfFull: cfg.DropIfFull,
		done:       make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for e := range d.queue {
		d.sink.Emit(context.Background(), e)
	}
}

// Emit implements Sink. Events emitted after Close are dropped.
func (d *Dispatcher) Emit(ctx context.Context, e Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(e)
		return
	}

	select {
	case d.queue <- e:
		return
	default:
	}

	if d.dropIfFull && e.Priority != PriorityHigh {
		d.drop(e)
		return
	}

	select {
	case d.queue <- e:
	case <-ctx.Done():
		d.drop(e)
	}
}

func (d *Dispatcher) drop(e Event) {
	d.dropped.Add(1)
	observability.AuditDroppedTotal.Inc()
	slog.Debug("audit event dropped", "event", string(e.Type), "priority", string(e.Priority))
}

// Dropped returns the number of events that were not delivered.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Close stops accepting events, drains the queue and waits for the
// background goroutine, or for ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
