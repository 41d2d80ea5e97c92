package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/ticketwell/helpdesk/backend/internal/store"
)

func TestEnsureSyncProvisionsTenantAndUser(t *testing.T) {
	service, _ := newTestService(t)
	ident := acmeIdentity()

	result := service.EnsureSync(context.Background(), ident.User, ident.Organization)
	if !result.Success {
		t.Fatalf("expected success, got error %v", result.Err)
	}
	if result.Tenant == nil || result.Tenant.Subdomain != "acme" {
		t.Fatalf("expected acme tenant, got %#v", result.Tenant)
	}
	if result.Tenant.Status != store.TenantStatusActive {
		t.Fatalf("expected active tenant, got %s", result.Tenant.Status)
	}
	if result.User == nil || result.User.Role != store.RoleAdmin {
		t.Fatalf("expected admin user, got %#v", result.User)
	}
	if result.User.ExternalID != "u1" {
		t.Fatalf("expected external id u1, got %q", result.User.ExternalID)
	}
}

func TestEnsureSyncIsIdempotent(t *testing.T) {
	service, _ := newTestService(t)
	ident := acmeIdentity()

	first := service.EnsureSync(context.Background(), ident.User, ident.Organization)
	second := service.EnsureSync(context.Background(), ident.User, ident.Organization)

	if !first.Success || !second.Success {
		t.Fatalf("expected both syncs to succeed: %v, %v", first.Err, second.Err)
	}
	if first.Tenant.ID != second.Tenant.ID {
		t.Fatalf("expected stable tenant id, got %q and %q", first.Tenant.ID, second.Tenant.ID)
	}
	if first.User.ID != second.User.ID {
		t.Fatalf("expected stable user id, got %q and %q", first.User.ID, second.User.ID)
	}
}

func TestSyncTenantNeverRewritesIdentityFields(t *testing.T) {
	service, _ := newTestService(t)
	ident := acmeIdentity()
	ctx := context.Background()

	created, err := service.SyncTenant(ctx, ident.Organization)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	renamed := ident.Organization
	renamed.DisplayName = "Acme Renamed Inc"
	refetched, err := service.SyncTenant(ctx, renamed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if refetched.ID != created.ID {
		t.Fatalf("expected same tenant id, got %q and %q", created.ID, refetched.ID)
	}
	if refetched.Name != "Acme Corp" {
		t.Fatalf("expected original name preserved, got %q", refetched.Name)
	}
}

func TestSyncUserRecomputesRoleOnEveryReconciliation(t *testing.T) {
	service, _ := newTestService(t)
	ident := acmeIdentity()
	ctx := context.Background()

	tenant, err := service.SyncTenant(ctx, ident.Organization)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first, err := service.SyncUser(ctx, ident.User, tenant)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Role != store.RoleAdmin {
		t.Fatalf("expected admin, got %s", first.Role)
	}

	demoted := ident.User
	demoted.RoleClaim = "agent"
	second, err := service.SyncUser(ctx, demoted, tenant)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected stable user id")
	}
	if second.Role != store.RoleAgent {
		t.Fatalf("expected role recomputed to agent, got %s", second.Role)
	}
}

func TestCheckSyncStatusReportsCombinedFlags(t *testing.T) {
	service, _ := newTestService(t)
	ident := acmeIdentity()
	ctx := context.Background()

	status, err := service.CheckSyncStatus(ctx, "u1", "acme")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !status.NeedsSync || status.TenantExists || status.UserExists {
		t.Fatalf("expected full sync needed on empty store, got %#v", status)
	}

	tenant, err := service.SyncTenant(ctx, ident.Organization)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	status, err = service.CheckSyncStatus(ctx, "u1", "acme")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !status.NeedsSync || !status.TenantExists || status.UserExists {
		t.Fatalf("expected user-only sync needed, got %#v", status)
	}

	if _, err := service.SyncUser(ctx, ident.User, tenant); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	status, err = service.CheckSyncStatus(ctx, "u1", "acme")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.NeedsSync || !status.TenantExists || !status.UserExists {
		t.Fatalf("expected no sync needed, got %#v", status)
	}
}

func TestEnsureSyncReportsFailureAsResult(t *testing.T) {
	service, _ := newTestService(t)
	ident := acmeIdentity()
	ident.Organization.Slug = "   "

	result := service.EnsureSync(context.Background(), ident.User, ident.Organization)
	if result.Success {
		t.Fatalf("expected failure for malformed organization")
	}
	if !errors.Is(result.Err, ErrInvalidOrganization) {
		t.Fatalf("expected ErrInvalidOrganization, got %v", result.Err)
	}
}

func TestRoleMappingTable(t *testing.T) {
	cases := []struct {
		claim string
		want  store.UserRole
	}{
		{"org:admin", store.RoleSuperAdmin},
		{"admin", store.RoleAdmin},
		{"agent", store.RoleAgent},
		{"member", store.RoleUser},
		{"user", store.RoleUser},
		{"", store.RoleUser},
		{"owner", store.RoleUser},
		{" Admin ", store.RoleAdmin},
	}
	for _, tc := range cases {
		if got := roleFromClaim(tc.claim); got != tc.want {
			t.Fatalf("claim %q: expected %s, got %s", tc.claim, tc.want, got)
		}
	}
}
