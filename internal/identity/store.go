package identity

import "context"

// Store describes persistence operations required by the identity subsystem.
type Store interface {
	Users(ctx context.Context) UserStore
	Organizations(ctx context.Context) OrganizationStore
	Roles(ctx context.Context) RoleStore
	PasswordHistory(ctx context.Context) PasswordHistoryStore
	ResetTokens(ctx context.Context) ResetTokenStore
}

// UserStore manages user records and role memberships.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByUsername(ctx context.Context, username string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	List(ctx context.Context) ([]*User, error)
	ListByOrg(ctx context.Context, orgID string) ([]*User, error)
	UpdateUsername(ctx context.Context, userID, username string) error
	UpdatePasswordHash(ctx context.Context, userID, passwordHash string) error
	SetActive(ctx context.Context, userID string, active bool) error
	RolesOf(ctx context.Context, userID string) ([]Role, error)
}

// OrganizationStore manages organizations.
type OrganizationStore interface {
	Create(ctx context.Context, org *Organization) error
	Find(ctx context.Context, id string) (*Organization, error)
	FindByDatabaseName(ctx context.Context, databaseName string) (*Organization, error)
	List(ctx context.Context) ([]*Organization, error)
	Update(ctx context.Context, org *Organization) error
	Delete(ctx context.Context, id string) error
}

// RoleStore manages the role catalog and user assignments.
type RoleStore interface {
	EnsureByName(ctx context.Context, name string) (Role, error)
	List(ctx context.Context) ([]Role, error)
	Assign(ctx context.Context, userID, roleID string) error
}

// PasswordHistoryStore is the append-only per-user password log. HistoryFor
// returns entries newest first; the store must make a history read and the
// subsequent append of a successful change effectively serializable per user.
type PasswordHistoryStore interface {
	HistoryFor(ctx context.Context, userID string) ([]PasswordHistoryEntry, error)
	Append(ctx context.Context, entry PasswordHistoryEntry) error
}

// ResetTokenStore manages single-use password reset tokens.
type ResetTokenStore interface {
	Create(ctx context.Context, tok *ResetToken) error
	Find(ctx context.Context, id string) (*ResetToken, error)
	Consume(ctx context.Context, id string) error
}
