// Package reconcile maps external identity onto authoritative tenant and user
// rows. All of its store writes go through the privileged bypass: they run
// before any tenant context exists.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ticketwell/helpdesk/backend/internal/identity"
	"github.com/ticketwell/helpdesk/backend/internal/metrics"
	"github.com/ticketwell/helpdesk/backend/internal/retry"
	"github.com/ticketwell/helpdesk/backend/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultMaxAttempts  = 3
	defaultInitialDelay = time.Second
)

var (
	errMissingStore = errors.New("reconcile: store client is required")
	// ErrInvalidOrganization indicates the organization snapshot is unusable.
	ErrInvalidOrganization = errors.New("reconcile: invalid organization")
	// ErrInvalidUser indicates the user snapshot is unusable.
	ErrInvalidUser = errors.New("reconcile: invalid user")
)

// SyncStatus reports whether reconciliation is needed for an identity. It is
// computed on demand and never persisted.
type SyncStatus struct {
	NeedsSync    bool
	TenantExists bool
	UserExists   bool
}

// SyncResult is the structured outcome of EnsureSync. Failures are reported
// here rather than raised so callers can degrade gracefully.
type SyncResult struct {
	Success bool
	Tenant  *store.Tenant
	User    *store.User
	Err     error
}

// ServiceConfig describes the dependencies of the reconciliation service.
type ServiceConfig struct {
	Store        *store.Client
	MaxAttempts  int
	InitialDelay time.Duration
	Clock        func() time.Time
	Logger       *zap.Logger
	// Sleep is forwarded to the retry executor. Injectable for tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Service provisions and repairs tenant and user rows from external identity.
type Service struct {
	store        *store.Client
	maxAttempts  int
	initialDelay time.Duration
	clock        func() time.Time
	logger       *zap.Logger
	sleep        func(ctx context.Context, d time.Duration) error
}

// NewService constructs the reconciliation service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = defaultInitialDelay
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:        cfg.Store,
		maxAttempts:  cfg.MaxAttempts,
		initialDelay: cfg.InitialDelay,
		clock:        clock,
		logger:       logger,
		sleep:        cfg.Sleep,
	}, nil
}

// SyncTenant returns the tenant for the organization, creating it when it
// does not exist yet. An existing tenant is returned unchanged: identity
// fields are never overwritten once created, so an upstream identity hiccup
// cannot silently rename a live tenant.
func (s *Service) SyncTenant(ctx context.Context, org identity.Organization) (store.Tenant, error) {
	subdomain, err := store.NewSubdomain(org.Slug)
	if err != nil {
		return store.Tenant{}, fmt.Errorf("%w: %v", ErrInvalidOrganization, err)
	}

	privileged := s.store.Privileged()

	tenant, err := privileged.TenantBySubdomain(ctx, subdomain)
	if err == nil {
		return tenant, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return store.Tenant{}, fmt.Errorf("reconcile: tenant lookup failed: %w", err)
	}

	name := strings.TrimSpace(org.DisplayName)
	if name == "" {
		name = subdomain.String()
	}
	created, err := privileged.CreateTenant(ctx, store.Tenant{
		Name:         name,
		Subdomain:    subdomain.String(),
		Status:       store.TenantStatusActive,
		SettingsJSON: store.DefaultTenantSettingsJSON,
	})
	if err != nil {
		// A concurrent caller may have won the insert; a unique-constraint
		// failure means the tenant now exists, so re-fetch instead of failing.
		existing, fetchErr := privileged.TenantBySubdomain(ctx, subdomain)
		if fetchErr == nil {
			return existing, nil
		}
		return store.Tenant{}, fmt.Errorf("reconcile: tenant create failed: %w", err)
	}
	return created, nil
}

// SyncUser returns the user row for the external identity, creating it when
// absent and refreshing email, names, role and last-login when present. The
// role is always recomputed from the external claim; a stale local value is
// never preserved.
func (s *Service) SyncUser(ctx context.Context, usr identity.User, tenant store.Tenant) (store.User, error) {
	externalID := strings.TrimSpace(usr.ID)
	if externalID == "" {
		return store.User{}, fmt.Errorf("%w: empty external id", ErrInvalidUser)
	}
	if tenant.ID == "" {
		return store.User{}, fmt.Errorf("%w: tenant id missing", ErrInvalidUser)
	}

	privileged := s.store.Privileged()
	role := roleFromClaim(usr.RoleClaim)
	now := s.clock().UTC().Unix()

	existing, err := privileged.UserByExternalID(ctx, externalID)
	if err == nil {
		updates := map[string]interface{}{
			"role":            role,
			"last_login_at_s": now,
		}
		if email := strings.TrimSpace(usr.PrimaryEmail); email != "" && email != existing.Email {
			updates["email"] = email
		}
		if first := strings.TrimSpace(usr.FirstName); first != "" && first != existing.FirstName {
			updates["first_name"] = first
		}
		if last := strings.TrimSpace(usr.LastName); last != "" && last != existing.LastName {
			updates["last_name"] = last
		}
		updated, err := privileged.UpdateUser(ctx, externalID, updates)
		if err != nil {
			return store.User{}, fmt.Errorf("reconcile: user update failed: %w", err)
		}
		return updated, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return store.User{}, fmt.Errorf("reconcile: user lookup failed: %w", err)
	}

	created, err := privileged.CreateUser(ctx, store.User{
		ExternalID:         externalID,
		Email:              strings.TrimSpace(usr.PrimaryEmail),
		FirstName:          strings.TrimSpace(usr.FirstName),
		LastName:           strings.TrimSpace(usr.LastName),
		Role:               role,
		Status:             store.UserStatusActive,
		TenantID:           tenant.ID,
		LastLoginAtSeconds: now,
	})
	if err != nil {
		// Concurrent provisioning of the same user: the unique external id
		// means the row now exists, so re-fetch and refresh instead.
		if refetched, fetchErr := privileged.UserByExternalID(ctx, externalID); fetchErr == nil {
			return refetched, nil
		}
		return store.User{}, fmt.Errorf("reconcile: user create failed: %w", err)
	}
	return created, nil
}

// CheckSyncStatus runs the tenant-existence and user-existence checks
// concurrently and returns the combined flags. It is the cheap gate callers
// consult before paying for a full reconciliation.
func (s *Service) CheckSyncStatus(ctx context.Context, externalUserID, tenantSlug string) (SyncStatus, error) {
	subdomain, err := store.NewSubdomain(tenantSlug)
	if err != nil {
		return SyncStatus{}, fmt.Errorf("%w: %v", ErrInvalidOrganization, err)
	}
	externalID := strings.TrimSpace(externalUserID)
	if externalID == "" {
		return SyncStatus{}, fmt.Errorf("%w: empty external id", ErrInvalidUser)
	}

	privileged := s.store.Privileged()

	var (
		wg           sync.WaitGroup
		tenantExists bool
		userExists   bool
		tenantErr    error
		userErr      error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := privileged.TenantBySubdomain(ctx, subdomain)
		if err == nil {
			tenantExists = true
			return
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			tenantErr = err
		}
	}()
	go func() {
		defer wg.Done()
		_, err := privileged.UserByExternalID(ctx, externalID)
		if err == nil {
			userExists = true
			return
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			userErr = err
		}
	}()
	wg.Wait()

	if tenantErr != nil {
		return SyncStatus{}, fmt.Errorf("reconcile: tenant status check failed: %w", tenantErr)
	}
	if userErr != nil {
		return SyncStatus{}, fmt.Errorf("reconcile: user status check failed: %w", userErr)
	}

	return SyncStatus{
		NeedsSync:    !tenantExists || !userExists,
		TenantExists: tenantExists,
		UserExists:   userExists,
	}, nil
}

// EnsureSync provisions the tenant, then the user, each wrapped by the retry
// executor. The tenant must exist before the user insert runs: user rows carry
// a hard foreign-key dependency on the tenant id. Exhausted retries surface as
// a failed result, never a panic, so callers can fall back to a degraded mode.
func (s *Service) EnsureSync(ctx context.Context, usr identity.User, org identity.Organization) SyncResult {
	metrics.ReconcileAttemptsCounter.Inc()

	retryCfg := retry.Config{
		MaxAttempts:  s.maxAttempts,
		InitialDelay: s.initialDelay,
		Logger:       s.logger,
		Sleep:        s.sleep,
	}

	tenant, err := retry.Do(ctx, retryCfg, func(ctx context.Context) (store.Tenant, error) {
		return s.SyncTenant(ctx, org)
	})
	if err != nil {
		metrics.ReconcileFailuresCounter.Inc()
		s.logger.Error("tenant reconciliation failed",
			zap.String("org_slug", org.Slug),
			zap.Error(err))
		return SyncResult{Err: err}
	}

	user, err := retry.Do(ctx, retryCfg, func(ctx context.Context) (store.User, error) {
		return s.SyncUser(ctx, usr, tenant)
	})
	if err != nil {
		metrics.ReconcileFailuresCounter.Inc()
		s.logger.Error("user reconciliation failed",
			zap.String("org_slug", org.Slug),
			zap.String("external_id", usr.ID),
			zap.Error(err))
		return SyncResult{Err: err, Tenant: &tenant}
	}

	s.logger.Info("identity reconciled",
		zap.String("tenant_id", tenant.ID),
		zap.String("user_id", user.ID),
		zap.String("role", string(user.Role)))

	return SyncResult{Success: true, Tenant: &tenant, User: &user}
}
