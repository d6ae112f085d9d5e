// Package eventbus delivers gateway broadcasts to in-process subscribers.
//
// Each subscriber owns an unbounded queue drained by its own goroutine, so
// a subscriber sees events in publish order and Publish never blocks on a
// slow handler.
package eventbus

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

type subscription struct {
	id      uint64
	all     bool
	typ     EventType
	handler Handler

	mu       sync.Mutex
	pending  []Event
	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func (s *subscription) shutdown() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

// Bus is an in-process, goroutine-safe event bus.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscription
	nextID atomic.Uint64
	logger *slog.Logger
	closed atomic.Bool
	ctx    context.Context

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	now := time.Now()
	return &Bus{
		logger:  logger,
		ctx:     context.Background(),
		entropy: ulid.Monotonic(rand.New(rand.NewSource(now.UnixNano())), 0),
	}
}

// Publish stamps the event with an id and timestamp when missing and queues
// it for every matching subscriber.
func (b *Bus) Publish(event Event) {
	if b.closed.Load() {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.ID == "" {
		event.ID = b.newID(event.Timestamp)
	}

	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.all || s.typ == event.Type {
			subs = append(subs, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range subs {
		s.mu.Lock()
		s.pending = append(s.pending, event)
		s.mu.Unlock()
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

func (b *Bus) newID(t time.Time) string {
	b.idMu.Lock()
	defer b.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), b.entropy).String()
}

// Subscribe registers a handler for one event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType EventType, handler Handler) func() {
	return b.add(&subscription{typ: eventType, handler: handler})
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler Handler) func() {
	return b.add(&subscription{all: true, handler: handler})
}

func (b *Bus) add(s *subscription) func() {
	s.id = b.nextID.Add(1)
	s.wake = make(chan struct{}, 1)
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	go b.run(s)

	return func() {
		b.mu.Lock()
		for i, x := range b.subs {
			if x.id == s.id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		s.shutdown()
	}
}

func (b *Bus) run(s *subscription) {
	defer close(s.done)
	for {
		select {
		case <-s.wake:
			b.drain(s)
		case <-s.stop:
			b.drain(s)
			return
		}
	}
}

func (b *Bus) drain(s *subscription) {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			return
		}
		e := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()
		b.deliver(s, e)
	}
}

func (b *Bus) deliver(s *subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(e.Type),
				"panic", r,
			)
		}
	}()
	s.handler(b.ctx, e)
}

// Close prevents new publishes, delivers what is already queued and waits
// for every subscriber goroutine to finish. Close is idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, s := range subs {
		s.shutdown()
	}
}
