package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/ticketwell/helpdesk/backend/internal/cache"
	"github.com/ticketwell/helpdesk/backend/internal/identity"
	"github.com/ticketwell/helpdesk/backend/internal/reconcile"
	"github.com/ticketwell/helpdesk/backend/internal/store"
	"github.com/ticketwell/helpdesk/backend/internal/syncer"
	"gorm.io/gorm"
)

type stubValidator struct {
	ident identity.Identity
	err   error
}

func (v *stubValidator) ValidateRequest(r *http.Request) (identity.Identity, error) {
	if v.err != nil {
		return identity.Identity{}, v.err
	}
	return v.ident, nil
}

type routerEnv struct {
	handler      http.Handler
	validator    *stubValidator
	orchestrator *syncer.Orchestrator
	store        *store.Client
	cache        *cache.Cache
	reconciler   *reconcile.Service
}

func openRouterDB(t *testing.T, name string, models ...interface{}) *gorm.DB {
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

func newRouterEnv(t *testing.T) *routerEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	storeDB := openRouterDB(t, "router_store",
		&store.Tenant{}, &store.User{}, &store.Ticket{}, &store.TicketResponse{})
	cacheDB := openRouterDB(t, "router_cache", &cache.CachedRecord{}, &cache.Watermark{})

	client, err := store.NewClient(store.ClientConfig{Database: storeDB})
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
	orchestrator, err := syncer.New(syncer.Config{
		Store:            client,
		Cache:            tenantCache,
		Reconciler:       reconciler,
		FeedMaxAttempts:  5,
		FeedInitialDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to construct orchestrator: %v", err)
	}

	validator := &stubValidator{
		ident: identity.Identity{
			Organization: identity.Organization{ID: "org-acme", Slug: "acme", DisplayName: "Acme Corp"},
			User:         identity.User{ID: "u1", PrimaryEmail: "ada@acme.test", RoleClaim: "admin"},
		},
	}

	handler, err := NewHTTPHandler(Dependencies{
		Validator:    validator,
		Orchestrator: orchestrator,
		Cache:        tenantCache,
		Reconciler:   reconciler,
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}

	return &routerEnv{
		handler:      handler,
		validator:    validator,
		orchestrator: orchestrator,
		store:        client,
		cache:        tenantCache,
		reconciler:   reconciler,
	}
}

func (env *routerEnv) do(method, path string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(method, path, nil)
	recorder := httptest.NewRecorder()
	env.handler.ServeHTTP(recorder, request)
	return recorder
}

func TestHealthEndpoint(t *testing.T) {
	env := newRouterEnv(t)
	response := env.do(http.MethodGet, "/healthz")
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.Code)
	}
}

func TestProtectedRoutesRejectInvalidSession(t *testing.T) {
	env := newRouterEnv(t)
	env.validator.err = identity.ErrInvalidToken

	response := env.do(http.MethodGet, "/api/sync/status")
	if response.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", response.Code)
	}
}

func TestProtectedRoutesRejectMissingMembership(t *testing.T) {
	env := newRouterEnv(t)
	env.validator.err = identity.ErrNoMembership

	response := env.do(http.MethodGet, "/api/sync/status")
	if response.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", response.Code)
	}
}

func TestSyncStatusReportsNeedsSyncOnEmptyStore(t *testing.T) {
	env := newRouterEnv(t)

	response := env.do(http.MethodGet, "/api/sync/status")
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.Code)
	}
	var payload syncStatusPayload
	if err := json.Unmarshal(response.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if !payload.NeedsSync || payload.TenantExists || payload.UserExists {
		t.Fatalf("expected full sync needed, got %#v", payload)
	}
}

func TestActivateEndpointProvisionsAndReports(t *testing.T) {
	env := newRouterEnv(t)
	defer env.orchestrator.Deactivate(context.Background())

	response := env.do(http.MethodPost, "/api/session/activate")
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.Code)
	}
	var payload activateResponsePayload
	if err := json.Unmarshal(response.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if !payload.Success {
		t.Fatalf("expected success, got %#v", payload)
	}
	if payload.Subdomain != "acme" || payload.Role != "admin" {
		t.Fatalf("unexpected payload: %#v", payload)
	}
}

func TestRecordsEndpointRequiresActiveSession(t *testing.T) {
	env := newRouterEnv(t)

	response := env.do(http.MethodGet, "/api/records/tickets")
	if response.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", response.Code)
	}
}

func TestRecordsEndpointServesFromCache(t *testing.T) {
	env := newRouterEnv(t)
	ctx := context.Background()
	defer env.orchestrator.Deactivate(ctx)

	// Provision and seed one ticket before activation so priming picks it up.
	seed := env.reconciler.EnsureSync(ctx, env.validator.ident.User, env.validator.ident.Organization)
	if !seed.Success {
		t.Fatalf("seed reconciliation failed: %v", seed.Err)
	}
	tenantID, _ := store.NewTenantID(seed.Tenant.ID)
	if _, err := env.store.ForTenant(tenantID).CreateTicket(ctx, store.Ticket{Subject: "cached row"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if response := env.do(http.MethodPost, "/api/session/activate"); response.Code != http.StatusOK {
		t.Fatalf("activation failed with %d", response.Code)
	}

	response := env.do(http.MethodGet, "/api/records/tickets")
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.Code)
	}
	var payload struct {
		Records []recordPayload `json:"records"`
	}
	if err := json.Unmarshal(response.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if len(payload.Records) != 1 {
		t.Fatalf("expected one cached record, got %d", len(payload.Records))
	}
	if payload.Records[0].TenantID != tenantID.String() {
		t.Fatalf("unexpected tenant on record: %#v", payload.Records[0])
	}

	if response := env.do(http.MethodGet, "/api/records/nonsense"); response.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown table, got %d", response.Code)
	}
}

func TestConnectionStateEndpoint(t *testing.T) {
	env := newRouterEnv(t)
	ctx := context.Background()
	defer env.orchestrator.Deactivate(ctx)

	if response := env.do(http.MethodPost, "/api/session/activate"); response.Code != http.StatusOK {
		t.Fatalf("activation failed with %d", response.Code)
	}

	response := env.do(http.MethodGet, "/api/sync/connection")
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.Code)
	}
	var payload map[string]connectionStatePayload
	if err := json.Unmarshal(response.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if _, ok := payload[store.TableTickets]; !ok {
		t.Fatalf("expected tickets subscription state, got %#v", payload)
	}
}

func TestNewHTTPHandlerValidatesDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); !errors.Is(err, errMissingValidator) {
		t.Fatalf("expected errMissingValidator, got %v", err)
	}
}
