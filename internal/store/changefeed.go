package store

import (
	"context"
	"sync"
	"time"
)

// EventType tags a change-feed mutation event.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

const feedSchema = "public"

// SubscriptionKey identifies one logical change-feed subscription.
type SubscriptionKey struct {
	Table    string
	TenantID string
}

// Event is a single row-level mutation delivered on the change feed.
// New carries the row after the mutation (INSERT/UPDATE), Old the row before
// it (UPDATE/DELETE).
type Event struct {
	Type       EventType
	Schema     string
	Table      string
	TenantID   string
	New        *Record
	Old        *Record
	OccurredAt time.Time
}

// Feed fans row-level mutation events out to per-(table, tenant) subscribers.
// Delivery is best-effort per subscriber: a subscriber that cannot keep up
// drops events rather than blocking writers.
type Feed struct {
	mu          sync.RWMutex
	subscribers map[SubscriptionKey]map[int64]*feedSubscriber
	nextID      int64
	bufferSize  int
}

type feedSubscriber struct {
	id     int64
	stream chan Event
}

// NewFeed constructs an empty change-feed dispatcher.
func NewFeed() *Feed {
	return &Feed{
		subscribers: make(map[SubscriptionKey]map[int64]*feedSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers for mutation events on one (table, tenant) key. The
// returned cleanup function tears the subscription down; cancelling the
// context has the same effect.
func (f *Feed) Subscribe(ctx context.Context, key SubscriptionKey) (<-chan Event, func()) {
	if key.Table == "" || key.TenantID == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	subscriber := &feedSubscriber{
		id:     f.nextSequence(),
		stream: make(chan Event, f.bufferSize),
	}
	f.registerSubscriber(key, subscriber)
	cleanup := func() {
		f.unregisterSubscriber(key, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the event to every subscriber of its (table, tenant) key.
func (f *Feed) Publish(event Event) {
	if event.Table == "" || event.TenantID == "" || event.Type == "" {
		return
	}
	if event.Schema == "" {
		event.Schema = feedSchema
	}
	key := SubscriptionKey{Table: event.Table, TenantID: event.TenantID}
	f.mu.RLock()
	subscribers := f.subscribers[key]
	if len(subscribers) == 0 {
		f.mu.RUnlock()
		return
	}
	copies := make([]*feedSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	f.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

func (f *Feed) nextSequence() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return f.nextID
}

func (f *Feed) registerSubscriber(key SubscriptionKey, subscriber *feedSubscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subscribers[key]; !ok {
		f.subscribers[key] = make(map[int64]*feedSubscriber)
	}
	f.subscribers[key][subscriber.id] = subscriber
}

func (f *Feed) unregisterSubscriber(key SubscriptionKey, subscriberID int64) {
	f.mu.Lock()
	subscribers := f.subscribers[key]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(f.subscribers, key)
		}
	}
	f.mu.Unlock()
}
