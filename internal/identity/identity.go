package identity

import "time"

// Organization is the read-only snapshot of an organization as the identity
// provider reports it. The provider owns these fields; nothing in this system
// ever writes them back.
type Organization struct {
	ID          string
	Slug        string
	DisplayName string
	ImageURL    string
	CreatedAt   time.Time
	MemberCount int
}

// User is the read-only snapshot of a member of an organization.
type User struct {
	ID           string
	FirstName    string
	LastName     string
	PrimaryEmail string
	ImageURL     string
	CreatedAt    time.Time
	RoleClaim    string
}

// Identity pairs the organization and user halves of one provider session.
// A reconciliation attempt always works from a single Identity snapshot.
type Identity struct {
	Organization Organization
	User         User
}
