// Package syncer coordinates session activation: reconciliation first, then
// cache priming, then the live change feed, with a periodic resync timer. The
// ordering is a correctness requirement: opening the feed against an
// unreconciled tenant has undefined row-security behavior.
package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ticketwell/helpdesk/backend/internal/cache"
	"github.com/ticketwell/helpdesk/backend/internal/feed"
	"github.com/ticketwell/helpdesk/backend/internal/identity"
	"github.com/ticketwell/helpdesk/backend/internal/reconcile"
	"github.com/ticketwell/helpdesk/backend/internal/store"
	"go.uber.org/zap"
)

const (
	defaultResyncInterval = 5 * time.Minute
	defaultCheckInterval  = time.Minute
)

var (
	errMissingStore      = errors.New("syncer: store client is required")
	errMissingCache      = errors.New("syncer: cache is required")
	errMissingReconciler = errors.New("syncer: reconciliation service is required")
)

// Config describes the dependencies of the orchestrator.
type Config struct {
	Store      *store.Client
	Cache      *cache.Cache
	Reconciler *reconcile.Service
	// Tables lists the replicated tables. Defaults to tickets and responses.
	Tables           []string
	ResyncInterval   time.Duration
	CheckInterval    time.Duration
	FeedMaxAttempts  int
	FeedInitialDelay time.Duration
	Logger           *zap.Logger
	Clock            func() time.Time
}

// Orchestrator owns at most one active tenant session at a time. Activating a
// new session tears the previous one down as a unit: feed subscriptions,
// timers, and the old tenant's cache partition all go together.
type Orchestrator struct {
	cfg Config

	mu     sync.Mutex
	active *Session
}

// Session is one activated (tenant, user) sync context.
type Session struct {
	Tenant store.Tenant
	User   store.User

	tenantID store.TenantID
	managers map[string]*feed.Manager
	cancel   context.CancelFunc
	done     chan struct{}
}

// New constructs the orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Cache == nil {
		return nil, errMissingCache
	}
	if cfg.Reconciler == nil {
		return nil, errMissingReconciler
	}
	if len(cfg.Tables) == 0 {
		cfg.Tables = []string{store.TableTickets, store.TableResponses}
	}
	if cfg.ResyncInterval <= 0 {
		cfg.ResyncInterval = defaultResyncInterval
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaultCheckInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Orchestrator{cfg: cfg}, nil
}

// Activate reconciles the identity if needed, primes the cache, opens the
// change feed and starts the periodic resync timer. Any previously active
// session is deactivated first. A reconciliation failure yields a failed
// result and no session; the caller degrades to whatever it has.
func (o *Orchestrator) Activate(ctx context.Context, ident identity.Identity) (reconcile.SyncResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.active != nil {
		o.deactivateLocked(ctx)
	}

	result := o.reconcile(ctx, ident)
	if !result.Success {
		return result, nil
	}

	tenantID, err := store.NewTenantID(result.Tenant.ID)
	if err != nil {
		return reconcile.SyncResult{Err: err}, err
	}

	session := &Session{
		Tenant:   *result.Tenant,
		User:     *result.User,
		tenantID: tenantID,
		managers: make(map[string]*feed.Manager),
		done:     make(chan struct{}),
	}

	// Priming must finish before deltas are applied so the feed's
	// replace/remove no-op rule only has to cover genuinely unknown rows.
	o.prime(ctx, tenantID)

	for _, table := range o.cfg.Tables {
		manager, err := o.openFeed(tenantID, table)
		if err != nil {
			o.cfg.Logger.Error("change feed setup failed",
				zap.String("table", table),
				zap.String("tenant_id", tenantID.String()),
				zap.Error(err))
			continue
		}
		session.managers[table] = manager
		manager.Request()
	}

	sessionCtx, cancel := context.WithCancel(context.Background())
	session.cancel = cancel
	go o.resyncLoop(sessionCtx, session)

	o.active = session
	o.cfg.Logger.Info("session activated",
		zap.String("tenant_id", tenantID.String()),
		zap.String("user_id", session.User.ID))
	return result, nil
}

// Deactivate tears the active session down: the resync timer stops, every
// subscription closes with its pending reconnect timers, and the tenant's
// cache partition is cleared. The three happen as a unit.
func (o *Orchestrator) Deactivate(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deactivateLocked(ctx)
}

// ActiveSession returns the current session, or nil when none is active.
func (o *Orchestrator) ActiveSession() *Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// ConnectionStates reports the observable state of every open subscription.
func (s *Session) ConnectionStates() map[string]feed.ConnectionState {
	states := make(map[string]feed.ConnectionState, len(s.managers))
	for table, manager := range s.managers {
		states[table] = manager.State()
	}
	return states
}

// Manager returns the feed manager for one table, or nil.
func (s *Session) Manager(table string) *feed.Manager {
	return s.managers[table]
}

// TenantID returns the tenant this session is bound to.
func (s *Session) TenantID() store.TenantID {
	return s.tenantID
}

func (o *Orchestrator) reconcile(ctx context.Context, ident identity.Identity) reconcile.SyncResult {
	status, err := o.cfg.Reconciler.CheckSyncStatus(ctx, ident.User.ID, ident.Organization.Slug)
	if err != nil {
		// The cheap gate failing is itself a remote fault; fall through to
		// the full reconciliation, which carries the retry budget.
		o.cfg.Logger.Warn("sync status check failed", zap.Error(err))
		return o.cfg.Reconciler.EnsureSync(ctx, ident.User, ident.Organization)
	}
	if status.NeedsSync {
		return o.cfg.Reconciler.EnsureSync(ctx, ident.User, ident.Organization)
	}

	// Rows exist; refresh the user (role, last login) and fetch the tenant
	// without touching its identity fields.
	tenant, err := o.cfg.Reconciler.SyncTenant(ctx, ident.Organization)
	if err != nil {
		return reconcile.SyncResult{Err: err}
	}
	user, err := o.cfg.Reconciler.SyncUser(ctx, ident.User, tenant)
	if err != nil {
		return reconcile.SyncResult{Err: err, Tenant: &tenant}
	}
	return reconcile.SyncResult{Success: true, Tenant: &tenant, User: &user}
}

func (o *Orchestrator) openFeed(tenantID store.TenantID, table string) (*feed.Manager, error) {
	key := store.SubscriptionKey{Table: table, TenantID: tenantID.String()}
	return feed.NewManager(feed.ManagerConfig{
		Key:          key,
		Connect:      feed.StoreConnector(o.cfg.Store.Feed(), key),
		MaxAttempts:  o.cfg.FeedMaxAttempts,
		InitialDelay: o.cfg.FeedInitialDelay,
		OnEvent:      o.mirrorEvent(tenantID),
		Logger:       o.cfg.Logger,
		Clock:        o.cfg.Clock,
	})
}

// mirrorEvent keeps the durable cache in lockstep with the in-memory view.
// Events tagged with any other tenant are dropped: a late delivery after a
// tenant switch must never land in the new tenant's partition.
func (o *Orchestrator) mirrorEvent(tenantID store.TenantID) func(store.Event) {
	return func(event store.Event) {
		if event.TenantID != tenantID.String() {
			o.cfg.Logger.Warn("dropped cross-tenant feed event",
				zap.String("event_tenant_id", event.TenantID),
				zap.String("session_tenant_id", tenantID.String()),
				zap.String("table", event.Table))
			return
		}
		ctx := context.Background()
		switch event.Type {
		case store.EventInsert, store.EventUpdate:
			if event.New != nil {
				// Cache failures are logged inside the cache and swallowed
				// here: the replica must never block the canonical write.
				_ = o.cache().Upsert(ctx, *event.New)
			}
		case store.EventDelete:
			if event.Old != nil {
				_ = o.cache().Remove(ctx, tenantID, event.Table, event.Old.ID)
			}
		}
	}
}

func (o *Orchestrator) cache() *cache.Cache {
	return o.cfg.Cache
}

// prime replaces the cached partition contents with a fresh remote list fetch
// and stamps the watermarks. Remote failures are logged and leave the stale
// cache in place.
func (o *Orchestrator) prime(ctx context.Context, tenantID store.TenantID) {
	access := o.cfg.Store.ForTenant(tenantID)
	now := o.cfg.Clock().UTC()

	for _, table := range o.cfg.Tables {
		switch table {
		case store.TableTickets:
			tickets, err := access.ListTickets(ctx)
			if err != nil {
				o.cfg.Logger.Warn("ticket priming fetch failed",
					zap.String("tenant_id", tenantID.String()),
					zap.Error(err))
				continue
			}
			for _, ticket := range tickets {
				_ = o.cache().Upsert(ctx, store.TicketRecord(ticket))
			}
		case store.TableResponses:
			responses, err := access.ListResponses(ctx)
			if err != nil {
				o.cfg.Logger.Warn("response priming fetch failed",
					zap.String("tenant_id", tenantID.String()),
					zap.Error(err))
				continue
			}
			for _, response := range responses {
				_ = o.cache().Upsert(ctx, store.ResponseRecord(response))
			}
		default:
			o.cfg.Logger.Warn("unknown replicated table skipped", zap.String("table", table))
			continue
		}
		_ = o.cache().SetWatermark(ctx, tenantID, table, now)
	}
}

// resyncLoop periodically re-primes tables whose watermark has gone stale.
// It exits when the session is torn down.
func (o *Orchestrator) resyncLoop(ctx context.Context, session *Session) {
	defer close(session.done)
	ticker := time.NewTicker(o.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := o.cfg.Clock().UTC()
			for _, table := range o.cfg.Tables {
				mark, err := o.cache().GetWatermark(ctx, session.tenantID, table)
				if err != nil {
					continue
				}
				if now.Sub(mark) > o.cfg.ResyncInterval {
					o.cfg.Logger.Info("periodic resync due",
						zap.String("tenant_id", session.tenantID.String()),
						zap.String("table", table))
					o.prime(ctx, session.tenantID)
					break
				}
			}
		}
	}
}

func (o *Orchestrator) deactivateLocked(ctx context.Context) {
	session := o.active
	if session == nil {
		return
	}
	o.active = nil

	if session.cancel != nil {
		session.cancel()
		<-session.done
	}
	for _, manager := range session.managers {
		manager.Close()
	}
	if err := o.cache().ClearTenant(ctx, session.tenantID); err != nil {
		o.cfg.Logger.Warn("tenant cache clear failed on teardown",
			zap.String("tenant_id", session.tenantID.String()),
			zap.Error(err))
	}
	o.cfg.Logger.Info("session deactivated",
		zap.String("tenant_id", session.tenantID.String()))
}
