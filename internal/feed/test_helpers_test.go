package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ticketwell/helpdesk/backend/internal/store"
)

// testConnector hands out event channels and can be told to fail a number of
// dials first.
type testConnector struct {
	mu       sync.Mutex
	failures int
	dials    int
	streams  []chan store.Event
}

func (c *testConnector) connect(ctx context.Context) (<-chan store.Event, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dials++
	if c.dials <= c.failures {
		return nil, nil, errors.New("dial refused")
	}
	stream := make(chan store.Event, 16)
	c.streams = append(c.streams, stream)
	return stream, func() {}, nil
}

func (c *testConnector) dialCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dials
}

func (c *testConnector) latestStream(t *testing.T) chan store.Event {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.streams) == 0 {
		t.Fatal("no stream established")
	}
	return c.streams[len(c.streams)-1]
}

func newTestManager(t *testing.T, connector *testConnector, maxAttempts int) *Manager {
	t.Helper()
	manager, err := NewManager(ManagerConfig{
		Key:          store.SubscriptionKey{Table: store.TableTickets, TenantID: "tenant-1"},
		Connect:      connector.connect,
		MaxAttempts:  maxAttempts,
		InitialDelay: time.Millisecond,
		RingCapacity: 16,
	})
	if err != nil {
		t.Fatalf("failed to construct manager: %v", err)
	}
	return manager
}

func waitFor(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func ticketEvent(eventType store.EventType, id string, payload string) store.Event {
	record := store.Record{
		ID:          id,
		TenantID:    "tenant-1",
		Table:       store.TableTickets,
		PayloadJSON: payload,
	}
	event := store.Event{
		Type:       eventType,
		Table:      store.TableTickets,
		TenantID:   "tenant-1",
		OccurredAt: time.Unix(1700000600, 0).UTC(),
	}
	switch eventType {
	case store.EventDelete:
		event.Old = &record
	default:
		event.New = &record
	}
	return event
}

func payloadFor(id string) string {
	return fmt.Sprintf(`{"id":%q}`, id)
}
