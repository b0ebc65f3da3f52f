// Package pushbus implements the process-wide typed event publisher
// (spec §4.2): long-lived subscriber streams, web-push endpoints, and
// mobile-push tokens all fan out from one Bus.
package pushbus

import (
    "strconv"
    "sync"
    "sync/atomic"

    "github.com/nourikan/commgateway/pkg/logger"
)

// EventType names one of the bus's typed events.
type EventType string

const (
    EventNewMessage            EventType = "new_message"
    EventMessageStatus         EventType = "message_status"
    EventIncomingCall          EventType = "incoming_call"
    EventCallEnded             EventType = "call_ended"
    EventMissedCall            EventType = "missed_call"
    EventCallHistoryUpdate     EventType = "call_history_update"
    EventProviderStatusChanged EventType = "provider_status_changed"
)

// critical events are never dropped from a subscriber's buffer; instead
// the subscriber is disconnected if its buffer is full, to preserve
// ringing semantics (spec §4.2).
func (t EventType) critical() bool {
    return t == EventIncomingCall || t == EventCallEnded
}

// Event is one published message.
type Event struct {
    Type    EventType
    Payload interface{}
}

// SubscriberKind distinguishes the three delivery mechanisms the bus
// fans out to.
type SubscriberKind int

const (
    KindStream SubscriberKind = iota
    KindWebPush
    KindMobilePush
)

// Subscriber is a single bounded-buffer event sink. Streams read off C
// directly; web-push/mobile-push subscribers are drained by their own
// dispatch loops (see webpush.go, mobilepush.go).
type Subscriber struct {
    id     string
    kind   SubscriberKind
    C      chan Event
    closed atomic.Bool

    mu     sync.Mutex
    buffer []Event // not used: the drop-oldest policy works on C directly
}

func (s *Subscriber) Close() {
    if s.closed.Swap(true) {
        return
    }
    close(s.C)
}

func (s *Subscriber) Closed() bool { return s.closed.Load() }

// Bus is the process-wide publisher. Publish preserves per-subscriber
// order (spec §4.2): each subscriber has its own buffered channel, and
// Publish writes to it directly with a non-blocking send, so a slow
// subscriber never blocks the publisher.
type Bus struct {
    mu          sync.RWMutex
    subscribers map[string]*Subscriber
    bufferSize  int

    nextID atomic.Uint64
}

func New(bufferSize int) *Bus {
    if bufferSize <= 0 {
        bufferSize = 64
    }
    return &Bus{
        subscribers: make(map[string]*Subscriber),
        bufferSize:  bufferSize,
    }
}

// Subscribe registers a new subscriber of the given kind and returns it.
// Callers read from Subscriber.C until it is closed.
func (b *Bus) Subscribe(kind SubscriberKind) *Subscriber {
    id := strconv.FormatUint(b.nextID.Add(1), 10)
    sub := &Subscriber{
        id:   id,
        kind: kind,
        C:    make(chan Event, b.bufferSize),
    }
    b.mu.Lock()
    b.subscribers[id] = sub
    b.mu.Unlock()
    return sub
}

func (b *Bus) Unsubscribe(sub *Subscriber) {
    b.mu.Lock()
    delete(b.subscribers, sub.id)
    b.mu.Unlock()
    sub.Close()
}

// Publish fans the event out to every live subscriber. Non-critical
// events are dropped (oldest-first) from a full subscriber buffer;
// critical events (incoming_call, call_ended) instead disconnect the
// slow subscriber so ringing state is never silently lost.
func (b *Bus) Publish(e Event) {
    b.mu.RLock()
    subs := make([]*Subscriber, 0, len(b.subscribers))
    for _, s := range b.subscribers {
        subs = append(subs, s)
    }
    b.mu.RUnlock()

    for _, sub := range subs {
        if sub.Closed() {
            continue
        }
        select {
        case sub.C <- e:
        default:
            if e.Type.critical() {
                logger.WithField("subscriber", sub.id).WithField("event", string(e.Type)).
                    Warn("disconnecting slow subscriber to preserve critical event ordering")
                b.Unsubscribe(sub)
                continue
            }
            b.dropOldestAndInsert(sub, e)
        }
    }
}

// dropOldestAndInsert makes room for a non-critical event by discarding
// the oldest buffered event for this subscriber.
func (b *Bus) dropOldestAndInsert(sub *Subscriber, e Event) {
    select {
    case <-sub.C:
    default:
    }
    select {
    case sub.C <- e:
    default:
        // buffer refilled concurrently; drop this event rather than block.
    }
}

// SubscriberCount reports the number of live subscribers, for metrics.
func (b *Bus) SubscriberCount() int {
    b.mu.RLock()
    defer b.mu.RUnlock()
    return len(b.subscribers)
}
