package cache

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/ticketwell/helpdesk/backend/internal/store"
	"gorm.io/gorm"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()

	dsn := fmt.Sprintf("file:cache_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&CachedRecord{}, &Watermark{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := func() time.Time { return time.Unix(1700000600, 0).UTC() }
	tenantCache, err := New(CacheConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct cache: %v", err)
	}
	return tenantCache
}

func mustTenantID(t *testing.T, value string) store.TenantID {
	t.Helper()
	id, err := store.NewTenantID(value)
	if err != nil {
		t.Fatalf("unexpected tenant id error: %v", err)
	}
	return id
}

func ticketRecord(tenantID, entityID string, createdAt int64) store.Record {
	return store.Record{
		ID:               entityID,
		TenantID:         tenantID,
		Table:            store.TableTickets,
		CreatedAtSeconds: createdAt,
		UpdatedAtSeconds: createdAt,
		PayloadJSON:      fmt.Sprintf(`{"id":%q,"tenant_id":%q}`, entityID, tenantID),
	}
}
