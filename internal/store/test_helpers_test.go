package store

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type staticIDGenerator struct {
	ids  []string
	next int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.next >= len(g.ids) {
		return "", fmt.Errorf("static id generator exhausted")
	}
	id := g.ids[g.next]
	g.next++
	return id, nil
}

func newTestClient(t *testing.T, ids []string) *Client {
	t.Helper()

	dsn := fmt.Sprintf("file:store_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Tenant{}, &User{}, &Ticket{}, &TicketResponse{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := func() time.Time { return time.Unix(1700000600, 0).UTC() }
	client, err := NewClient(ClientConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: &staticIDGenerator{ids: ids},
	})
	if err != nil {
		t.Fatalf("failed to construct store client: %v", err)
	}
	return client
}
