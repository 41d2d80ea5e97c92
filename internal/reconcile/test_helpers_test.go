package reconcile

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/ticketwell/helpdesk/backend/internal/identity"
	"github.com/ticketwell/helpdesk/backend/internal/store"
	"gorm.io/gorm"
)

type sequenceIDGenerator struct {
	prefix string
	next   int
}

func (g *sequenceIDGenerator) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("%s-%d", g.prefix, g.next), nil
}

func newTestService(t *testing.T) (*Service, *store.Client) {
	t.Helper()

	dsn := fmt.Sprintf("file:reconcile_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&store.Tenant{}, &store.User{}, &store.Ticket{}, &store.TicketResponse{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := func() time.Time { return time.Unix(1700000600, 0).UTC() }
	client, err := store.NewClient(store.ClientConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: &sequenceIDGenerator{prefix: "row"},
	})
	if err != nil {
		t.Fatalf("failed to construct store client: %v", err)
	}

	service, err := NewService(ServiceConfig{
		Store:        client,
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		Clock:        clock,
		Sleep:        func(ctx context.Context, d time.Duration) error { return nil },
	})
	if err != nil {
		t.Fatalf("failed to construct reconcile service: %v", err)
	}
	return service, client
}

func acmeIdentity() identity.Identity {
	return identity.Identity{
		Organization: identity.Organization{
			ID:          "org-acme",
			Slug:        "acme",
			DisplayName: "Acme Corp",
		},
		User: identity.User{
			ID:           "u1",
			FirstName:    "Ada",
			LastName:     "Lovelace",
			PrimaryEmail: "ada@acme.test",
			RoleClaim:    "admin",
		},
	}
}
