package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultInboxSize is the bounded per-subscriber inbox capacity (§4.2).
const DefaultInboxSize = 1024

// Filter reports whether a subscriber wants to see an event.
type Filter func(Event) bool

// Handler processes one delivered event. Handlers must be idempotent:
// delivery is at-least-once (§4.2).
type Handler func(Event)

// Publisher is the narrow interface TaskConstellation and DeviceManager
// depend on, so they need not import the concrete Bus type.
type Publisher interface {
	Publish(Event)
}

// AllEvents is a Filter that accepts everything.
func AllEvents(Event) bool { return true }

// OfKind returns a Filter that accepts only events of the given Kind.
func OfKind(k Kind) Filter {
	return func(e Event) bool { return e.Kind == k }
}

type subscriber struct {
	id      string
	filter  Filter
	inbox   chan Event
	lagging atomic.Bool
	dropped atomic.Int64
	done    chan struct{}
}

// LaggingDiagnostic is invoked (if set) whenever a subscriber overflows
// and is marked lagging, letting callers route it into logging/metrics
// without the bus depending on package telemetry.
type LaggingDiagnostic func(subscriberID string, dropped int64)

// Bus is a fine-grained publish-subscribe fabric (§4.2, §5); an
// RWMutex guards only the subscriber map, and each subscriber has its
// own bounded inbox. It mirrors the teacher's WSHub register/
// unregister/broadcast channel pattern (pkg/api/websocket.go),
// generalized from a single websocket client type to typed Events and
// per-subscriber filters, with bounded inboxes instead of unbounded
// broadcast fan-out.
type Bus struct {
	mu        sync.RWMutex
	subs      map[string]*subscriber
	inboxSize int

	OnLagging LaggingDiagnostic
}

// New creates an EventBus with the default inbox size.
func New() *Bus {
	return &Bus{subs: make(map[string]*subscriber), inboxSize: DefaultInboxSize}
}

// NewWithInboxSize creates an EventBus with a custom per-subscriber
// inbox capacity, mainly for tests that want to force overflow.
func NewWithInboxSize(size int) *Bus {
	if size <= 0 {
		size = DefaultInboxSize
	}
	return &Bus{subs: make(map[string]*subscriber), inboxSize: size}
}

// Subscribe registers handler for events matching filter and returns
// an unsubscribe function. Events are delivered to handler, one
// goroutine per subscriber, in the order Publish was called by any
// single publisher.
func (b *Bus) Subscribe(filter Filter, handler Handler) (unsubscribe func()) {
	if filter == nil {
		filter = AllEvents
	}
	s := &subscriber{
		id:     uuid.NewString(),
		filter: filter,
		inbox:  make(chan Event, b.inboxSize),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[s.id] = s
	b.mu.Unlock()

	go func() {
		for {
			select {
			case e, ok := <-s.inbox:
				if !ok {
					return
				}
				handler(e)
			case <-s.done:
				return
			}
		}
	}()

	return func() {
		b.mu.Lock()
		delete(b.subs, s.id)
		b.mu.Unlock()
		close(s.done)
	}
}

// Publish enqueues event for delivery to every matching subscriber.
// Publish never blocks: a full inbox marks its subscriber lagging,
// counts the drop, and emits a subscriber_lagging diagnostic rather
// than apply unbounded queueing (§4.2 Backpressure).
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	matched := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if s.filter(e) {
			matched = append(matched, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range matched {
		select {
		case s.inbox <- e:
		default:
			s.lagging.Store(true)
			dropped := s.dropped.Add(1)
			if b.OnLagging != nil {
				b.OnLagging(s.id, dropped)
			}
			b.publishDiagnosticOnce(s.id, dropped)
		}
	}
}

// publishDiagnosticOnce delivers a subscriber_lagging DeviceEvent to
// every OTHER matching subscriber, without recursing if those
// subscribers are themselves full (a dropped diagnostic is simply
// dropped, it is not itself re-diagnosed).
func (b *Bus) publishDiagnosticOnce(laggingID string, dropped int64) {
	diag := Event{
		Kind:      KindDevice,
		SourceID:  "eventbus",
		Device:    &DevicePayload{DeviceID: laggingID, Status: SubscriberLagging, Dropped: dropped},
		Timestamp: time.Now(),
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, s := range b.subs {
		if id == laggingID {
			continue
		}
		if !s.filter(diag) {
			continue
		}
		select {
		case s.inbox <- diag:
		default:
		}
	}
}

// IsLagging reports whether a subscriber has ever overflowed. Exposed
// for tests; production code observes the subscriber_lagging event.
func (b *Bus) IsLagging(subscriberID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.subs[subscriberID]
	if !ok {
		return false
	}
	return s.lagging.Load()
}
