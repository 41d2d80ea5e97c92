package syncer

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/ticketwell/helpdesk/backend/internal/cache"
	"github.com/ticketwell/helpdesk/backend/internal/feed"
	"github.com/ticketwell/helpdesk/backend/internal/identity"
	"github.com/ticketwell/helpdesk/backend/internal/reconcile"
	"github.com/ticketwell/helpdesk/backend/internal/store"
	"gorm.io/gorm"
)

type testEnv struct {
	orchestrator *Orchestrator
	store        *store.Client
	cache        *cache.Cache
	reconciler   *reconcile.Service
}

type sequenceIDGenerator struct {
	prefix string
	next   int
}

func (g *sequenceIDGenerator) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("%s-%d", g.prefix, g.next), nil
}

func openTestDB(t *testing.T, name string, models ...interface{}) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(models...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	storeDB := openTestDB(t, "syncer_store",
		&store.Tenant{}, &store.User{}, &store.Ticket{}, &store.TicketResponse{})
	cacheDB := openTestDB(t, "syncer_cache", &cache.CachedRecord{}, &cache.Watermark{})

	client, err := store.NewClient(store.ClientConfig{
		Database:   storeDB,
		IDProvider: &sequenceIDGenerator{prefix: "row"},
	})
	if err != nil {
		t.Fatalf("failed to construct store client: %v", err)
	}

	tenantCache, err := cache.New(cache.CacheConfig{Database: cacheDB})
	if err != nil {
		t.Fatalf("failed to construct cache: %v", err)
	}

	reconciler, err := reconcile.NewService(reconcile.ServiceConfig{
		Store:        client,
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		Sleep:        func(ctx context.Context, d time.Duration) error { return nil },
	})
	if err != nil {
		t.Fatalf("failed to construct reconcile service: %v", err)
	}

	orchestrator, err := New(Config{
		Store:            client,
		Cache:            tenantCache,
		Reconciler:       reconciler,
		FeedMaxAttempts:  5,
		FeedInitialDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to construct orchestrator: %v", err)
	}

	return &testEnv{
		orchestrator: orchestrator,
		store:        client,
		cache:        tenantCache,
		reconciler:   reconciler,
	}
}

func acmeIdentity() identity.Identity {
	return identity.Identity{
		Organization: identity.Organization{ID: "org-acme", Slug: "acme", DisplayName: "Acme Corp"},
		User:         identity.User{ID: "u1", PrimaryEmail: "ada@acme.test", RoleClaim: "admin"},
	}
}

func globexIdentity() identity.Identity {
	return identity.Identity{
		Organization: identity.Organization{ID: "org-globex", Slug: "globex", DisplayName: "Globex"},
		User:         identity.User{ID: "u2", PrimaryEmail: "hank@globex.test", RoleClaim: "org:admin"},
	}
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

func (env *testEnv) connected(session *Session) func() bool {
	return func() bool {
		for _, state := range session.ConnectionStates() {
			if state.Status != feed.StatusConnected {
				return false
			}
		}
		return true
	}
}
