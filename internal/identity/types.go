package identity

import "time"

// User is an account managed by the identity provider. The password hash is
// always a bcrypt hash produced by HashPassword.
type User struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	Email        string `json:"email"`
	Active       bool   `json:"active"`
	PasswordHash string `json:"-"`
	// GlobalUserID is the stable cross-system identifier (UUID); it never
	// changes even when the username does.
	GlobalUserID   string     `json:"global_user_id"`
	OrganizationID string     `json:"organization_id"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastLogin      *time.Time `json:"last_login,omitempty"`
}

// Organization enriches token claims; this package never mutates it during
// token exchange.
type Organization struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	DatabaseName string    `json:"database_name"`
	Description  string    `json:"description,omitempty"`
	OrgURL       string    `json:"org_url"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Role names a role a user may hold. Membership is many-to-many.
type Role struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// PasswordHistoryEntry is one record in a user's append-only password log.
// Entries are immutable once written; the newest entry's ChangedAt is the
// "last changed" time used by the expiry policy.
type PasswordHistoryEntry struct {
	UserID       string
	PasswordHash string
	ChangedAt    time.Time
}

// Claim is a typed fact about the authenticated subject, tagged with the
// token types it propagates into.
type Claim struct {
	Type         string
	Value        string
	Destinations []string
}

// TokenResponse is the signed outcome of a successful password grant,
// shaped like the wire-level token endpoint response.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	IDToken     string `json:"id_token,omitempty"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope"`
}

// ResetToken is a single-use, time-limited password reset credential. Only
// the SHA-256 hash of the secret half is stored.
type ResetToken struct {
	ID         string
	UserID     string
	TokenHash  string
	ExpiresAt  time.Time
	CreatedAt  time.Time
	ConsumedAt *time.Time
}

// Registration bundles the organization and first user created together
// when an account registers.
type Registration struct {
	Username                 string
	Email                    string
	Password                 string
	GlobalUserID             string
	OrganizationName         string
	OrganizationDatabaseName string
	OrganizationDescription  string
	OrganizationURL          string
	Roles                    []string
}
