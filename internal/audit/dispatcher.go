package audit

import (
	"context"
	"sync"
	"sync/atomic"
)

// Config controls dispatcher buffering behavior.
type Config struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// Dispatcher moves token and challenge events off the request path to a
// sink. Each event gets its ULID before it is queued, so the trail sorts
// in emission order even when the worker lags. Lost events are counted
// per event type; an operator cares more about a missing token_locked
// than a missing challenge_created.
type Dispatcher struct {
	cfg     Config
	sink    Sink
	queue   chan Event
	stop    chan struct{}
	worker  sync.WaitGroup
	stopped atomic.Bool
	once    sync.Once

	written atomic.Uint64
	lost    atomic.Uint64

	lostMu     sync.Mutex
	lostByType map[string]uint64
}

// NewDispatcher starts a dispatcher. It returns nil when auditing is
// disabled; a nil *Dispatcher accepts and ignores events.
func NewDispatcher(cfg Config, sink Sink) *Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if sink == nil {
		sink = NoOpSink{}
	}
	d := &Dispatcher{
		cfg:        cfg,
		sink:       sink,
		queue:      make(chan Event, cfg.BufferSize),
		stop:       make(chan struct{}),
		lostByType: map[string]uint64{},
	}
	d.worker.Add(1)
	go d.forward()
	return d
}

// forward writes queued events until Close, then flushes what is left.
func (d *Dispatcher) forward() {
	defer d.worker.Done()
	for {
		select {
		case event := <-d.queue:
			d.write(event)
		case <-d.stop:
			for len(d.queue) > 0 {
				d.write(<-d.queue)
			}
			return
		}
	}
}

func (d *Dispatcher) write(event Event) {
	d.sink.Emit(context.Background(), event)
	d.written.Add(1)
}

func (d *Dispatcher) lose(event Event) {
	d.lost.Add(1)
	kind := event.EventType
	if kind == "" {
		kind = "unknown"
	}
	d.lostMu.Lock()
	d.lostByType[kind]++
	d.lostMu.Unlock()
}

// Emit queues event. With DropIfFull a full buffer loses the event;
// otherwise Emit waits for room until ctx ends.
func (d *Dispatcher) Emit(ctx context.Context, event Event) {
	if d == nil || d.stopped.Load() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	Stamp(&event)

	select {
	case d.queue <- event:
		return
	case <-d.stop:
		return
	default:
	}
	if d.cfg.DropIfFull {
		d.lose(event)
		return
	}
	select {
	case d.queue <- event:
	case <-d.stop:
	case <-ctx.Done():
		d.lose(event)
	}
}

// Close flushes the queue and stops the worker.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.once.Do(func() {
		d.stopped.Store(true)
		close(d.stop)
		d.worker.Wait()
	})
}

// Dropped returns the number of events lost to a full buffer or a
// cancelled context.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.lost.Load()
}

// DroppedByType breaks Dropped down by event type.
func (d *Dispatcher) DroppedByType() map[string]uint64 {
	out := map[string]uint64{}
	if d == nil {
		return out
	}
	d.lostMu.Lock()
	defer d.lostMu.Unlock()
	for k, v := range d.lostByType {
		out[k] = v
	}
	return out
}

// Emitted returns the number of events handed to the sink.
func (d *Dispatcher) Emitted() uint64 {
	if d == nil {
		return 0
	}
	return d.written.Load()
}
