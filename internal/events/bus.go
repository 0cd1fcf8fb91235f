package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"

	"Xinyu/server/internal/logging"
)

// Handler receives events on the subscriber's own goroutine. ctx is
// canceled once the bus is closed and drained.
type Handler func(ctx context.Context, e Event)

// Bus is a topic-based in-process broadcaster. Each subscriber has a
// buffered queue and one delivery goroutine; when the queue is full the
// event is dropped for that subscriber.
type Bus struct {
	logger *slog.Logger
	buffer int

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	closed bool
	wg     sync.WaitGroup

	nextID    atomic.Uint64
	seq       atomic.Uint64
	published atomic.Int64
	dropped   atomic.Int64
}

type subscriber struct {
	id      uint64
	topics  map[Topic]bool
	handler Handler
	queue   chan Event
}

func (s *subscriber) wants(t Topic) bool {
	return len(s.topics) == 0 || s.topics[t]
}

// Subscription is returned by Subscribe.
type Subscription struct {
	bus *Bus
	id  uint64
}

// Unsubscribe stops future deliveries. Events already queued for the
// subscriber are still handled.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.unsubscribe(s.id)
}

type BusStats struct {
	Subscribers int   `json:"subscribers"`
	Published   int64 `json:"published"`
	Dropped     int64 `json:"dropped"`
}

func NewBus(logger *slog.Logger, buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		logger: logging.OrDiscard(logger).With("component", "bus"),
		buffer: buffer,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[uint64]*subscriber),
	}
}

// Subscribe registers handler for topics, or for every topic when none
// are given. Subscribing to a closed bus returns an inert subscription.
func (b *Bus) Subscribe(handler Handler, topics ...Topic) *Subscription {
	sub := &subscriber{
		id:      b.nextID.Inc(),
		topics:  make(map[Topic]bool, len(topics)),
		handler: handler,
		queue:   make(chan Event, b.buffer),
	}
	for _, t := range topics {
		sub.topics[t] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return &Subscription{}
	}
	b.subs[sub.id] = sub
	b.wg.Add(1)
	go b.deliver(sub)

	return &Subscription{bus: b, id: sub.id}
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.queue)
	}
}

// Publish hands e to every matching subscriber without blocking.
func (b *Bus) Publish(e Event) {
	e.Seq = b.seq.Inc()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.published.Inc()

	for _, sub := range b.subs {
		if !sub.wants(e.Topic) {
			continue
		}
		select {
		case sub.queue <- e:
		default:
			b.dropped.Inc()
			b.logger.Warn("subscriber queue full, dropping event",
				"subscriber", sub.id, "topic", e.Topic, "character_id", e.CharacterID)
		}
	}
}

func (b *Bus) deliver(sub *subscriber) {
	defer b.wg.Done()
	for e := range sub.queue {
		b.handle(sub, e)
	}
}

func (b *Bus) handle(sub *subscriber, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "subscriber", sub.id, "topic", e.Topic, "panic", r)
		}
	}()
	sub.handler(b.ctx, e)
}

// Close stops accepting events, waits for queued ones to be handled and
// then cancels the handler context.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.queue)
	}
	b.mu.Unlock()

	b.wg.Wait()
	b.cancel()
}

func (b *Bus) Stats() BusStats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	return BusStats{
		Subscribers: n,
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
	}
}
