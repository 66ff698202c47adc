package logging

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time {
	return f()
}

// SystemClock reads wall time from the time package.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

type Sink interface {
	Write(Event) error
	Close(context.Context) error
}

type NamedSink struct {
	Name string
	Sink Sink
}

// Router fans published events out to every configured sink on
// background workers. Publish never blocks; events are dropped when the
// queue is saturated. Event types with a sample interval are rate-limited
// per actor before they reach the sinks.
type Router struct {
	cfg      Config
	queue    chan Event
	workers  []*sinkWorker
	clock    Clock
	fallback *log.Logger
	fields   map[string]any
	samples  map[sampleKey]*sampleWindow

	stop     chan struct{}
	stopOnce sync.Once
	done     sync.WaitGroup
	closed   atomic.Bool

	routed      atomic.Uint64
	dropped     atomic.Uint64
	suppressed  atomic.Uint64
	nextDropLog atomic.Int64

	metrics Metrics
}

type RouterStats struct {
	EventsTotal     uint64 `json:"eventsTotal"`
	DroppedTotal    uint64 `json:"droppedTotal"`
	SuppressedTotal uint64 `json:"suppressedTotal"`
}

type sampleKey struct {
	eventType EventType
	actor     string
}

type sampleWindow struct {
	until time.Time
	held  uint64
}

func NewRouter(cfg Config, clock Clock, fallback *log.Logger, namedSinks []NamedSink) (*Router, error) {
	if clock == nil {
		clock = SystemClock{}
	}
	if fallback == nil {
		fallback = log.New(os.Stderr, "[logging] ", log.LstdFlags)
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 512
	}
	r := &Router{
		cfg:      cfg,
		queue:    make(chan Event, cfg.BufferSize),
		clock:    clock,
		fallback: fallback,
		fields:   cfg.CloneFields(),
		samples:  make(map[sampleKey]*sampleWindow),
		stop:     make(chan struct{}),
	}

	backlog := min(max(cfg.BufferSize, 32), 1024)
	names := make(map[string]struct{}, len(namedSinks))
	for _, named := range namedSinks {
		if named.Sink == nil {
			continue
		}
		if _, dup := names[named.Name]; dup {
			return nil, fmt.Errorf("duplicate sink %q", named.Name)
		}
		names[named.Name] = struct{}{}
		r.workers = append(r.workers, newSinkWorker(named.Name, named.Sink, backlog, fallback))
	}

	for _, worker := range r.workers {
		r.done.Add(1)
		go func(w *sinkWorker) {
			defer r.done.Done()
			w.run()
		}(worker)
	}
	r.done.Add(1)
	go r.dispatch()
	return r, nil
}

func (r *Router) dispatch() {
	defer r.done.Done()
	defer func() {
		for _, worker := range r.workers {
			close(worker.events)
		}
	}()
	for {
		select {
		case event := <-r.queue:
			r.route(event)
		case <-r.stop:
			for {
				select {
				case event := <-r.queue:
					r.route(event)
				default:
					return
				}
			}
		}
	}
}

// route runs on the dispatch goroutine only.
func (r *Router) route(event Event) {
	if event.Severity < r.cfg.MinimumSeverity {
		return
	}
	if event.Time.IsZero() {
		event.Time = r.clock.Now()
	}
	held, forward := r.sample(event)
	if !forward {
		r.suppressed.Add(1)
		r.metrics.TelemetryAdd("logging_events_suppressed", 1)
		return
	}
	event = mergeFields(event, r.fields)
	if held > 0 {
		event = cloneEvent(event).WithExtra("suppressed", held)
	}
	r.routed.Add(1)
	r.metrics.TelemetryAdd("logging_events_"+event.Severity.String(), 1)
	for _, worker := range r.workers {
		worker.enqueue(event)
	}
}

// sample reports whether event passes its type's rate limit and how many
// events of the same kind were held back since the last one forwarded.
func (r *Router) sample(event Event) (uint64, bool) {
	interval := r.cfg.SampleInterval(event.Type)
	if interval <= 0 {
		return 0, true
	}
	key := sampleKey{eventType: event.Type, actor: event.Actor.ID}
	window, ok := r.samples[key]
	if !ok {
		r.samples[key] = &sampleWindow{until: event.Time.Add(interval)}
		return 0, true
	}
	if event.Time.Before(window.until) {
		window.held++
		return 0, false
	}
	held := window.held
	window.held = 0
	window.until = event.Time.Add(interval)
	return held, true
}

func (r *Router) Publish(_ context.Context, event Event) {
	if r == nil || event.Type == "" || r.closed.Load() {
		return
	}
	select {
	case r.queue <- event:
	default:
		r.drop(event)
	}
}

func (r *Router) drop(event Event) {
	r.dropped.Add(1)
	interval := r.cfg.DropWarnInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	now := time.Now().UnixNano()
	next := r.nextDropLog.Load()
	if now < next {
		return
	}
	if r.nextDropLog.CompareAndSwap(next, now+interval.Nanoseconds()) {
		r.fallback.Printf("router queue full, dropping event type=%s tick=%d", event.Type, event.Tick)
	}
}

// Close stops dispatch, waits for sinks to drain, and closes each sink.
func (r *Router) Close(ctx context.Context) error {
	if r == nil || !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.stopOnce.Do(func() { close(r.stop) })
	drained := make(chan struct{})
	go func() {
		r.done.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		return ctx.Err()
	}
	var firstErr error
	for _, worker := range r.workers {
		if err := worker.sink.Close(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close sink %s: %w", worker.name, err)
		}
	}
	return firstErr
}

func (r *Router) Stats() RouterStats {
	if r == nil {
		return RouterStats{}
	}
	return RouterStats{
		EventsTotal:     r.routed.Load(),
		DroppedTotal:    r.dropped.Load(),
		SuppressedTotal: r.suppressed.Load(),
	}
}

// Metrics exposes the router's counter set. Other components record into
// it so diagnostics can report a single snapshot.
func (r *Router) Metrics() *Metrics {
	if r == nil {
		return nil
	}
	return &r.metrics
}

func (r *Router) Sink(name string) Sink {
	if r == nil {
		return nil
	}
	for _, worker := range r.workers {
		if worker.name == name {
			return worker.sink
		}
	}
	return nil
}

// sinkWorker serialises writes to one sink and backs off after failures.
type sinkWorker struct {
	name     string
	sink     Sink
	events   chan Event
	fallback *log.Logger
	failures int
	retryAt  time.Time
}

func newSinkWorker(name string, sink Sink, backlog int, fallback *log.Logger) *sinkWorker {
	return &sinkWorker{
		name:     name,
		sink:     sink,
		events:   make(chan Event, backlog),
		fallback: fallback,
	}
}

func (w *sinkWorker) enqueue(event Event) {
	select {
	case w.events <- cloneEvent(event):
	default:
		w.fallback.Printf("sink %s backlog full, dropping event type=%s", w.name, event.Type)
	}
}

func (w *sinkWorker) run() {
	for event := range w.events {
		if wait := time.Until(w.retryAt); w.failures > 0 && wait > 0 {
			time.Sleep(wait)
		}
		if err := w.sink.Write(event); err != nil {
			w.failures++
			delay := time.Duration(1<<min(w.failures, 5)) * time.Second
			w.retryAt = time.Now().Add(delay)
			w.fallback.Printf("sink %s failed: %v (retry in %s)", w.name, err, delay)
			continue
		}
		w.failures = 0
	}
}
