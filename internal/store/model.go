package store

import (
	"errors"
	"fmt"
	"strings"
)

// TenantStatus enumerates the lifecycle states of a tenant.
type TenantStatus string

const (
	TenantStatusActive    TenantStatus = "active"
	TenantStatusSuspended TenantStatus = "suspended"
)

// UserRole enumerates the internal roles a user can hold within a tenant.
type UserRole string

const (
	RoleUser       UserRole = "user"
	RoleAgent      UserRole = "agent"
	RoleAdmin      UserRole = "admin"
	RoleSuperAdmin UserRole = "super_admin"
)

// UserStatus enumerates the lifecycle states of a user.
type UserStatus string

const (
	UserStatusActive    UserStatus = "active"
	UserStatusSuspended UserStatus = "suspended"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidTenantID indicates a tenant identifier is empty or exceeds storage bounds.
	ErrInvalidTenantID = errors.New("store: invalid tenant id")
	// ErrInvalidSubdomain indicates a subdomain is empty or exceeds storage bounds.
	ErrInvalidSubdomain = errors.New("store: invalid subdomain")
)

// TenantID represents a validated tenant identifier.
type TenantID string

// NewTenantID validates raw input and returns a TenantID.
func NewTenantID(rawInput string) (TenantID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTenantID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidTenantID, maxIdentifierLength)
	}
	return TenantID(trimmed), nil
}

// String returns the underlying string identifier.
func (id TenantID) String() string {
	return string(id)
}

// Subdomain represents a validated tenant subdomain. It maps 1:1 to the
// organization slug reported by the identity provider.
type Subdomain string

// NewSubdomain validates raw input and returns a Subdomain.
func NewSubdomain(rawInput string) (Subdomain, error) {
	trimmed := strings.ToLower(strings.TrimSpace(rawInput))
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidSubdomain)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidSubdomain, maxIdentifierLength)
	}
	return Subdomain(trimmed), nil
}

// String returns the underlying subdomain value.
func (s Subdomain) String() string {
	return string(s)
}

// Tenant is the authoritative tenant row. Identity fields are written once at
// provisioning time and never overwritten afterwards; only settings may change.
type Tenant struct {
	ID               string       `gorm:"column:id;primaryKey;size:190;not null"`
	Name             string       `gorm:"column:name;size:320;not null"`
	Subdomain        string       `gorm:"column:subdomain;size:190;not null;uniqueIndex:idx_tenants_subdomain"`
	Status           TenantStatus `gorm:"column:status;size:32;not null;default:'active'"`
	SettingsJSON     string       `gorm:"column:settings_json;type:text;not null;default:''"`
	CreatedAtSeconds int64        `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Tenant) TableName() string {
	return "tenants"
}

// User is the authoritative user row. ExternalID is unique and immutable once
// assigned; Role is recomputed from the identity provider on every reconciliation.
type User struct {
	ID                 string     `gorm:"column:id;primaryKey;size:190;not null"`
	ExternalID         string     `gorm:"column:external_id;size:190;not null;uniqueIndex:idx_users_external_id"`
	Email              string     `gorm:"column:email;size:320;not null"`
	FirstName          string     `gorm:"column:first_name;size:190;not null;default:''"`
	LastName           string     `gorm:"column:last_name;size:190;not null;default:''"`
	Role               UserRole   `gorm:"column:role;size:32;not null;default:'user'"`
	Status             UserStatus `gorm:"column:status;size:32;not null;default:'active'"`
	TenantID           string     `gorm:"column:tenant_id;size:190;not null;index:idx_users_tenant"`
	CreatedAtSeconds   int64      `gorm:"column:created_at_s;not null"`
	LastLoginAtSeconds int64      `gorm:"column:last_login_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (User) TableName() string {
	return "users"
}

// TicketStatus enumerates the workflow states of a ticket.
type TicketStatus string

const (
	TicketStatusOpen    TicketStatus = "open"
	TicketStatusPending TicketStatus = "pending"
	TicketStatusClosed  TicketStatus = "closed"
)

// Ticket is a support ticket scoped to one tenant.
type Ticket struct {
	ID               string       `gorm:"column:id;primaryKey;size:190;not null"`
	TenantID         string       `gorm:"column:tenant_id;size:190;not null;index:idx_tickets_tenant_created,priority:1"`
	Subject          string       `gorm:"column:subject;size:512;not null"`
	Body             string       `gorm:"column:body;type:text;not null;default:''"`
	Status           TicketStatus `gorm:"column:status;size:32;not null;default:'open'"`
	Priority         string       `gorm:"column:priority;size:32;not null;default:'normal'"`
	RequesterID      string       `gorm:"column:requester_id;size:190;not null;default:''"`
	AssigneeID       string       `gorm:"column:assignee_id;size:190;not null;default:''"`
	CreatedAtSeconds int64        `gorm:"column:created_at_s;not null;index:idx_tickets_tenant_created,priority:2"`
	UpdatedAtSeconds int64        `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Ticket) TableName() string {
	return "tickets"
}

// TicketResponse is a single reply on a ticket, scoped to the ticket's tenant.
type TicketResponse struct {
	ID               string `gorm:"column:id;primaryKey;size:190;not null"`
	TenantID         string `gorm:"column:tenant_id;size:190;not null;index:idx_responses_tenant"`
	TicketID         string `gorm:"column:ticket_id;size:190;not null;index:idx_responses_ticket"`
	AuthorID         string `gorm:"column:author_id;size:190;not null;default:''"`
	Body             string `gorm:"column:body;type:text;not null"`
	Internal         bool   `gorm:"column:internal;not null;default:false"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (TicketResponse) TableName() string {
	return "ticket_responses"
}

// DefaultTenantSettingsJSON is the settings document applied to a tenant at
// provisioning time.
const DefaultTenantSettingsJSON = `{"features":["tickets","responses","reports"],"branding":{"primary_color":"#2563eb","logo_url":""}}`
