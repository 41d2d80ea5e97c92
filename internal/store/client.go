package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("store: database handle is required")
	// ErrPrivilegedRequired indicates an operation that only the privileged
	// bypass mode may perform was attempted through a tenant-scoped handle.
	ErrPrivilegedRequired = errors.New("store: privileged access required")
	// ErrTenantScopeRequired indicates a tenant-scoped operation was attempted
	// through the privileged handle.
	ErrTenantScopeRequired = errors.New("store: tenant scope required")
	// ErrCrossTenantWrite indicates a row tagged with a different tenant was
	// handed to a tenant-scoped write.
	ErrCrossTenantWrite = errors.New("store: cross-tenant write rejected")
	// ErrNotFound wraps the underlying record-not-found condition.
	ErrNotFound = gorm.ErrRecordNotFound
)

// ClientConfig describes the dependencies of the remote store client.
type ClientConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Client wraps the system-of-record database. All data access goes through
// either a tenant-scoped handle (row security applied on every query) or the
// privileged handle used exclusively by identity provisioning.
type Client struct {
	db     *gorm.DB
	clock  func() time.Time
	ids    IDProvider
	feed   *Feed
	logger *zap.Logger
}

// NewClient constructs the store client and its change-feed dispatcher.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		db:     cfg.Database,
		clock:  clock,
		ids:    ids,
		feed:   NewFeed(),
		logger: logger,
	}, nil
}

// Feed exposes the live change feed for this store.
func (c *Client) Feed() *Feed {
	return c.feed
}

// Privileged returns a handle that bypasses per-tenant row security. It is
// intended only for the identity-provisioning writes, where no tenant context
// exists yet.
func (c *Client) Privileged() *Access {
	return &Access{client: c, privileged: true}
}

// ForTenant returns a handle whose every query is scoped to the given tenant.
func (c *Client) ForTenant(tenantID TenantID) *Access {
	return &Access{client: c, tenantID: tenantID.String()}
}

// Access is a scoped view of the store: either privileged (no row filter) or
// bound to exactly one tenant.
type Access struct {
	client     *Client
	tenantID   string
	privileged bool
}

func (a *Access) scoped(db *gorm.DB) *gorm.DB {
	if a.privileged {
		return db
	}
	return db.Where("tenant_id = ?", a.tenantID)
}

// TenantBySubdomain looks a tenant up by its unique subdomain. Available in
// privileged mode only: the lookup happens before any tenant context exists.
func (a *Access) TenantBySubdomain(ctx context.Context, subdomain Subdomain) (Tenant, error) {
	if !a.privileged {
		return Tenant{}, ErrPrivilegedRequired
	}
	var tenant Tenant
	err := a.client.db.WithContext(ctx).
		Where("subdomain = ?", subdomain.String()).
		First(&tenant).
		Error
	if err != nil {
		return Tenant{}, err
	}
	return tenant, nil
}

// CreateTenant inserts a new tenant row. Privileged mode only.
func (a *Access) CreateTenant(ctx context.Context, tenant Tenant) (Tenant, error) {
	if !a.privileged {
		return Tenant{}, ErrPrivilegedRequired
	}
	if tenant.ID == "" {
		id, err := a.client.ids.NewID()
		if err != nil {
			return Tenant{}, fmt.Errorf("store: tenant id generation failed: %w", err)
		}
		tenant.ID = id
	}
	if tenant.Status == "" {
		tenant.Status = TenantStatusActive
	}
	if tenant.SettingsJSON == "" {
		tenant.SettingsJSON = DefaultTenantSettingsJSON
	}
	if tenant.CreatedAtSeconds == 0 {
		tenant.CreatedAtSeconds = a.client.clock().UTC().Unix()
	}
	if err := a.client.db.WithContext(ctx).Create(&tenant).Error; err != nil {
		return Tenant{}, err
	}
	a.client.logger.Info("tenant created",
		zap.String("tenant_id", tenant.ID),
		zap.String("subdomain", tenant.Subdomain))
	return tenant, nil
}

// UserByExternalID looks a user up by the immutable external identity key.
// Privileged mode only: reconciliation runs before tenant context is set.
func (a *Access) UserByExternalID(ctx context.Context, externalID string) (User, error) {
	if !a.privileged {
		return User{}, ErrPrivilegedRequired
	}
	var user User
	err := a.client.db.WithContext(ctx).
		Where("external_id = ?", externalID).
		First(&user).
		Error
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// CreateUser inserts a new user row. Privileged mode only: a brand-new user
// has no tenant-scoped permissions yet.
func (a *Access) CreateUser(ctx context.Context, user User) (User, error) {
	if !a.privileged {
		return User{}, ErrPrivilegedRequired
	}
	if user.ID == "" {
		id, err := a.client.ids.NewID()
		if err != nil {
			return User{}, fmt.Errorf("store: user id generation failed: %w", err)
		}
		user.ID = id
	}
	if user.Status == "" {
		user.Status = UserStatusActive
	}
	if user.CreatedAtSeconds == 0 {
		user.CreatedAtSeconds = a.client.clock().UTC().Unix()
	}
	if err := a.client.db.WithContext(ctx).Create(&user).Error; err != nil {
		return User{}, err
	}
	a.client.logger.Info("user created",
		zap.String("user_id", user.ID),
		zap.String("tenant_id", user.TenantID),
		zap.String("role", string(user.Role)))
	a.client.feed.Publish(a.client.userEvent(EventInsert, user, nil))
	return user, nil
}

// UpdateUser applies the given column updates to the user identified by
// external id and returns the refreshed row. Privileged mode only.
func (a *Access) UpdateUser(ctx context.Context, externalID string, updates map[string]interface{}) (User, error) {
	if !a.privileged {
		return User{}, ErrPrivilegedRequired
	}
	previous, err := a.UserByExternalID(ctx, externalID)
	if err != nil {
		return User{}, err
	}
	if len(updates) > 0 {
		err := a.client.db.WithContext(ctx).
			Model(&User{}).
			Where("external_id = ?", externalID).
			Updates(updates).
			Error
		if err != nil {
			return User{}, err
		}
	}
	updated, err := a.UserByExternalID(ctx, externalID)
	if err != nil {
		return User{}, err
	}
	a.client.feed.Publish(a.client.userEvent(EventUpdate, updated, &previous))
	return updated, nil
}

// ListTickets returns the tenant's tickets ordered by creation time descending.
func (a *Access) ListTickets(ctx context.Context) ([]Ticket, error) {
	if a.privileged {
		return nil, ErrTenantScopeRequired
	}
	var tickets []Ticket
	err := a.scoped(a.client.db.WithContext(ctx)).
		Order("created_at_s DESC").
		Find(&tickets).
		Error
	if err != nil {
		return nil, err
	}
	return tickets, nil
}

// ListResponses returns the tenant's ticket responses ordered by creation time
// descending.
func (a *Access) ListResponses(ctx context.Context) ([]TicketResponse, error) {
	if a.privileged {
		return nil, ErrTenantScopeRequired
	}
	var responses []TicketResponse
	err := a.scoped(a.client.db.WithContext(ctx)).
		Order("created_at_s DESC").
		Find(&responses).
		Error
	if err != nil {
		return nil, err
	}
	return responses, nil
}

// CreateTicket inserts a ticket for the bound tenant and publishes the
// corresponding change-feed event.
func (a *Access) CreateTicket(ctx context.Context, ticket Ticket) (Ticket, error) {
	if a.privileged {
		return Ticket{}, ErrTenantScopeRequired
	}
	if ticket.TenantID == "" {
		ticket.TenantID = a.tenantID
	}
	if ticket.TenantID != a.tenantID {
		return Ticket{}, ErrCrossTenantWrite
	}
	if ticket.ID == "" {
		id, err := a.client.ids.NewID()
		if err != nil {
			return Ticket{}, fmt.Errorf("store: ticket id generation failed: %w", err)
		}
		ticket.ID = id
	}
	if ticket.Status == "" {
		ticket.Status = TicketStatusOpen
	}
	now := a.client.clock().UTC().Unix()
	if ticket.CreatedAtSeconds == 0 {
		ticket.CreatedAtSeconds = now
	}
	ticket.UpdatedAtSeconds = now
	if err := a.client.db.WithContext(ctx).Create(&ticket).Error; err != nil {
		return Ticket{}, err
	}
	record := TicketRecord(ticket)
	a.client.feed.Publish(Event{
		Type:       EventInsert,
		Table:      TableTickets,
		TenantID:   ticket.TenantID,
		New:        &record,
		OccurredAt: a.client.clock().UTC(),
	})
	return ticket, nil
}

// UpdateTicket saves the ticket row and publishes an UPDATE event carrying
// both the previous and the new payloads.
func (a *Access) UpdateTicket(ctx context.Context, ticket Ticket) (Ticket, error) {
	if a.privileged {
		return Ticket{}, ErrTenantScopeRequired
	}
	if ticket.TenantID != a.tenantID {
		return Ticket{}, ErrCrossTenantWrite
	}
	var previous Ticket
	err := a.scoped(a.client.db.WithContext(ctx)).
		Where("id = ?", ticket.ID).
		First(&previous).
		Error
	if err != nil {
		return Ticket{}, err
	}
	ticket.CreatedAtSeconds = previous.CreatedAtSeconds
	ticket.UpdatedAtSeconds = a.client.clock().UTC().Unix()
	if err := a.client.db.WithContext(ctx).Save(&ticket).Error; err != nil {
		return Ticket{}, err
	}
	newRecord := TicketRecord(ticket)
	oldRecord := TicketRecord(previous)
	a.client.feed.Publish(Event{
		Type:       EventUpdate,
		Table:      TableTickets,
		TenantID:   ticket.TenantID,
		New:        &newRecord,
		Old:        &oldRecord,
		OccurredAt: a.client.clock().UTC(),
	})
	return ticket, nil
}

// DeleteTicket removes the ticket row and publishes a DELETE event carrying
// the previous payload.
func (a *Access) DeleteTicket(ctx context.Context, ticketID string) error {
	if a.privileged {
		return ErrTenantScopeRequired
	}
	var previous Ticket
	err := a.scoped(a.client.db.WithContext(ctx)).
		Where("id = ?", ticketID).
		First(&previous).
		Error
	if err != nil {
		return err
	}
	err = a.scoped(a.client.db.WithContext(ctx)).
		Where("id = ?", ticketID).
		Delete(&Ticket{}).
		Error
	if err != nil {
		return err
	}
	oldRecord := TicketRecord(previous)
	a.client.feed.Publish(Event{
		Type:       EventDelete,
		Table:      TableTickets,
		TenantID:   previous.TenantID,
		Old:        &oldRecord,
		OccurredAt: a.client.clock().UTC(),
	})
	return nil
}

// CreateResponse inserts a ticket response for the bound tenant and publishes
// the corresponding change-feed event.
func (a *Access) CreateResponse(ctx context.Context, response TicketResponse) (TicketResponse, error) {
	if a.privileged {
		return TicketResponse{}, ErrTenantScopeRequired
	}
	if response.TenantID == "" {
		response.TenantID = a.tenantID
	}
	if response.TenantID != a.tenantID {
		return TicketResponse{}, ErrCrossTenantWrite
	}
	if response.ID == "" {
		id, err := a.client.ids.NewID()
		if err != nil {
			return TicketResponse{}, fmt.Errorf("store: response id generation failed: %w", err)
		}
		response.ID = id
	}
	if response.CreatedAtSeconds == 0 {
		response.CreatedAtSeconds = a.client.clock().UTC().Unix()
	}
	if err := a.client.db.WithContext(ctx).Create(&response).Error; err != nil {
		return TicketResponse{}, err
	}
	record := ResponseRecord(response)
	a.client.feed.Publish(Event{
		Type:       EventInsert,
		Table:      TableResponses,
		TenantID:   response.TenantID,
		New:        &record,
		OccurredAt: a.client.clock().UTC(),
	})
	return response, nil
}

func (c *Client) userEvent(eventType EventType, user User, old *User) Event {
	record := UserRecord(user)
	event := Event{
		Type:       eventType,
		Table:      TableUsers,
		TenantID:   user.TenantID,
		New:        &record,
		OccurredAt: c.clock().UTC(),
	}
	if old != nil {
		oldRecord := UserRecord(*old)
		event.Old = &oldRecord
	}
	return event
}
