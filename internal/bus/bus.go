// Package bus is the in-process event backbone. Every lifecycle moment
// of the runtime (component started, failed, goal satisfied, heartbeat)
// flows through here, and hot-loaded components publish through the same
// pipe. Delivery is decoupled from publishing so a slow subscriber never
// stalls the evolution loop.
package bus

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Well-known topics.
const (
	TopicComponentStarted  = "component.started"
	TopicComponentFailed   = "component.failed"
	TopicComponentStopped  = "component.stopped"
	TopicComponentModified = "component.modified"
	TopicGoalSatisfied     = "goal.satisfied"
	TopicFailureRecorded   = "failure.recorded"
	TopicCycleHeartbeat    = "cycle.heartbeat"
	TopicEvolutionComplete = "evolution.complete"
)

// Policy decides what happens when the async queue is full.
type Policy int

const (
	// DropOldest discards the oldest queued event to admit the new one.
	DropOldest Policy = iota
	// Block makes the publisher wait for queue space.
	Block
)

// Event is a single bus message. Seq is assigned at publish time and is
// strictly increasing across the bus.
type Event struct {
	Seq           uint64         `json:"seq"`
	Topic         string         `json:"topic"`
	Source        string         `json:"source"`
	CorrelationID string         `json:"correlation_id"`
	Timestamp     time.Time      `json:"timestamp"`
	Data          map[string]any `json:"data,omitempty"`
}

// Handler consumes one event. Handlers run on the bus pump goroutine
// (async path) or the publisher goroutine (sync path); they must not
// block for long.
type Handler func(Event)

// Sink receives every dispatched event for durable logging.
type Sink interface {
	Append(Event) error
	Close() error
}

// Options configures a Bus.
type Options struct {
	QueueSize  int
	Policy     Policy
	RetainLast int
	Sink       Sink
}

// Bus routes events from publishers to pattern subscribers.
type Bus struct {
	opts   Options
	logger *zap.Logger

	seq     atomic.Uint64
	dropped atomic.Uint64

	sendMu sync.RWMutex // guards ch against send-after-close
	ch     chan Event
	closed bool

	subMu   sync.RWMutex
	subs    map[int]*subscriber
	nextSub int

	dispatchMu sync.Mutex // serializes dispatch so per-topic order holds

	retMu    sync.RWMutex
	retained []Event

	discard   atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

type subscriber struct {
	pattern string
	handler Handler
}

// Subscription is a handle for unsubscribing.
type Subscription struct {
	bus  *Bus
	id   int
	once sync.Once
}

// Unsubscribe removes the handler. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.subMu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.subMu.Unlock()
	})
}

// New creates a bus and starts its pump goroutine.
func New(opts Options, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.RetainLast < 0 {
		opts.RetainLast = 0
	}
	b := &Bus{
		opts:   opts,
		logger: logger,
		ch:     make(chan Event, opts.QueueSize),
		subs:   make(map[int]*subscriber),
		done:   make(chan struct{}),
	}
	go b.pump()
	return b
}

// Subscribe registers a handler for topics matching pattern. Patterns
// are exact topics, a trailing-wildcard prefix like "component.*", or
// "*" for everything.
func (b *Bus) Subscribe(pattern string, h Handler) *Subscription {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.nextSub++
	id := b.nextSub
	b.subs[id] = &subscriber{pattern: pattern, handler: h}
	return &Subscription{bus: b, id: id}
}

// Publish enqueues an event for asynchronous delivery, applying the
// overflow policy. Publishing to a closed bus is a no-op.
func (b *Bus) Publish(e Event) {
	e = b.stamp(e)

	b.sendMu.RLock()
	defer b.sendMu.RUnlock()
	if b.closed {
		return
	}

	if b.opts.Policy == Block {
		b.ch <- e
		return
	}
	for {
		select {
		case b.ch <- e:
			return
		default:
		}
		select {
		case old := <-b.ch:
			b.dropped.Add(1)
			b.logger.Debug("bus queue full, dropped oldest event",
				zap.String("dropped_topic", old.Topic),
				zap.Uint64("dropped_seq", old.Seq))
		default:
		}
	}
}

// PublishSync delivers an event to subscribers before returning. Used
// where the caller needs the side effects observed in order, such as
// shutdown notifications.
func (b *Bus) PublishSync(e Event) {
	b.dispatch(b.stamp(e))
}

// Recent returns up to n retained events for a topic pattern, oldest
// first. An empty pattern matches everything.
func (b *Bus) Recent(pattern string, n int) []Event {
	b.retMu.RLock()
	defer b.retMu.RUnlock()

	var out []Event
	for _, e := range b.retained {
		if pattern == "" || matchTopic(pattern, e.Topic) {
			out = append(out, e)
		}
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

// Dropped returns how many events the overflow policy has discarded.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Close stops accepting publishes, drains the queue, and shuts the pump
// down. The context bounds how long the drain may take.
func (b *Bus) Close(ctx context.Context) error {
	b.closeOnce.Do(func() {
		b.sendMu.Lock()
		b.closed = true
		close(b.ch)
		b.sendMu.Unlock()
	})

	select {
	case <-b.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if b.opts.Sink != nil {
		return b.opts.Sink.Close()
	}
	return nil
}

// Stop shuts the bus down without draining: queued events that have not
// been dispatched yet are discarded. For shutdown paths where delivering
// a backlog would do more harm than dropping it.
func (b *Bus) Stop(ctx context.Context) error {
	b.discard.Store(true)
	return b.Close(ctx)
}

func (b *Bus) stamp(e Event) Event {
	e.Seq = b.seq.Add(1)
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.CorrelationID == "" {
		e.CorrelationID = uuid.NewString()
	}
	return e
}

// pump drains the queue until Close. Remaining queued events are
// delivered before the pump exits, unless Stop asked for them to be
// discarded.
func (b *Bus) pump() {
	defer close(b.done)
	for e := range b.ch {
		if b.discard.Load() {
			b.dropped.Add(1)
			continue
		}
		b.dispatch(e)
	}
}

func (b *Bus) dispatch(e Event) {
	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()

	if b.opts.RetainLast > 0 {
		b.retMu.Lock()
		b.retained = append(b.retained, e)
		if len(b.retained) > b.opts.RetainLast {
			b.retained = b.retained[len(b.retained)-b.opts.RetainLast:]
		}
		b.retMu.Unlock()
	}

	if b.opts.Sink != nil {
		if err := b.opts.Sink.Append(e); err != nil {
			b.logger.Warn("event sink append failed",
				zap.String("topic", e.Topic), zap.Error(err))
		}
	}

	b.subMu.RLock()
	matched := make([]Handler, 0, len(b.subs))
	for _, sub := range b.subs {
		if matchTopic(sub.pattern, e.Topic) {
			matched = append(matched, sub.handler)
		}
	}
	b.subMu.RUnlock()

	for _, h := range matched {
		b.deliver(h, e)
	}
}

// deliver isolates handler panics so one bad subscriber cannot take the
// pump down.
func (b *Bus) deliver(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("topic", e.Topic),
				zap.Any("panic", r))
		}
	}()
	h(e)
}

func matchTopic(pattern, topic string) bool {
	if pattern == "*" || pattern == topic {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(topic, pattern[:len(pattern)-1])
	}
	return false
}
