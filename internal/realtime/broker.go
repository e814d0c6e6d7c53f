package realtime

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

const defaultBufferSize = 64

// Broker fans row-change events out to subscriptions. Publish never blocks:
// a subscriber whose buffer is full misses the event, unless it subscribed
// with SubscribeQueued.
type Broker struct {
	mu         sync.RWMutex
	subs       map[uint64]*Subscription
	nextID     uint64
	bufferSize int
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{
		subs:       make(map[uint64]*Subscription),
		bufferSize: defaultBufferSize,
	}
}

// Publish delivers e to every matching subscription
func (b *Broker) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subs {
		if !s.filter.Matches(e) {
			continue
		}
		if s.queued {
			s.enqueue(e)
			continue
		}
		select {
		case s.ch <- e:
		default:
			n := s.dropped.Add(1)
			log.Warn().
				Str("component", "realtime_broker").
				Str("filter", s.filter.String()).
				Uint64("dropped_total", n).
				Msg("subscriber buffer full, dropping event")
		}
	}
}

// PublishChange builds and publishes an event. Encoding failures are logged, not returned:
// a failed notification must never fail the mutation that caused it.
func (b *Broker) PublishChange(table string, typ EventType, oldRow, newRow interface{}) {
	e, err := NewEvent(table, typ, oldRow, newRow)
	if err != nil {
		log.Error().Err(err).Str("table", table).Msg("failed to encode change event")
		return
	}
	b.Publish(e)
}

// Subscribe registers a subscription that lives until Close is called or ctx ends
func (b *Broker) Subscribe(ctx context.Context, f Filter) *Subscription {
	return b.subscribe(ctx, f, false)
}

// SubscribeQueued registers a subscription that never drops. Events the
// reader has not taken yet wait in an unbounded queue. Meant for in-process
// consumers that must see every change; client streams use Subscribe.
func (b *Broker) SubscribeQueued(ctx context.Context, f Filter) *Subscription {
	return b.subscribe(ctx, f, true)
}

func (b *Broker) subscribe(ctx context.Context, f Filter, queued bool) *Subscription {
	b.mu.Lock()
	b.nextID++
	s := &Subscription{
		id:     b.nextID,
		filter: f,
		ch:     make(chan Event, b.bufferSize),
		done:   make(chan struct{}),
		broker: b,
		queued: queued,
	}
	if queued {
		s.wake = make(chan struct{}, 1)
	}
	b.subs[s.id] = s
	b.mu.Unlock()

	if queued {
		go s.pump()
	}
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s
}

// SubscriberCount returns the number of live subscriptions
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Shutdown closes every subscription
func (b *Broker) Shutdown() {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		s.Close()
	}
}

// Subscription is a scoped stream of events. Events is closed after Close.
type Subscription struct {
	id      uint64
	filter  Filter
	ch      chan Event
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
	broker  *Broker

	queued  bool
	qmu     sync.Mutex
	pending []Event
	wake    chan struct{}
}

// Events returns the delivery channel
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Filter returns the filter the subscription was created with
func (s *Subscription) Filter() Filter {
	return s.filter
}

// Dropped returns how many events were skipped because the buffer was full
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unsubscribes; safe to call more than once and from any goroutine
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.broker.mu.Lock()
		delete(s.broker.subs, s.id)
		if !s.queued {
			close(s.ch)
		}
		s.broker.mu.Unlock()
		close(s.done)
	})
}

func (s *Subscription) enqueue(e Event) {
	s.qmu.Lock()
	s.pending = append(s.pending, e)
	s.qmu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump moves queued events into ch in order. It owns ch and closes it once
// the subscription is closed.
func (s *Subscription) pump() {
	defer close(s.ch)
	for {
		s.qmu.Lock()
		if len(s.pending) == 0 {
			s.qmu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		e := s.pending[0]
		s.pending[0] = Event{}
		s.pending = s.pending[1:]
		s.qmu.Unlock()

		select {
		case s.ch <- e:
		case <-s.done:
			return
		}
	}
}

// Listen subscribes and calls fn for each event until ctx ends.
// The subscription is released on every exit path.
func Listen(ctx context.Context, b *Broker, f Filter, fn func(Event)) {
	consume(ctx, b.Subscribe(ctx, f), fn)
}

// ListenQueued is Listen over a SubscribeQueued subscription
func ListenQueued(ctx context.Context, b *Broker, f Filter, fn func(Event)) {
	consume(ctx, b.SubscribeQueued(ctx, f), fn)
}

func consume(ctx context.Context, sub *Subscription, fn func(Event)) {
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			fn(e)
		}
	}
}
