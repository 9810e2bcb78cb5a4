package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"ifmis.org/internal/ids"
)

const (
	defaultResetTokenTTL = 30 * time.Minute
	minPasswordLength    = 8
)

// TokenSigner turns an assembled claim set into a signed token response.
// Signing keys live entirely behind this interface; the service never
// touches them.
type TokenSigner interface {
	Sign(ctx context.Context, claims []Claim, scopes []string) (TokenResponse, error)
}

// Service sequences credential verification, rotation policy and claims
// assembly into the grant-handling flow. It holds no mutable state of its
// own; all shared state lives behind Store.
type Service struct {
	store     Store
	signer    TokenSigner
	policy    Policy
	audiences []string
	resetTTL  time.Duration
	now       func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithPolicy overrides the default password rotation policy.
func WithPolicy(p Policy) ServiceOption {
	return func(s *Service) error {
		if p.MaxPasswordAge <= 0 {
			return errors.New("identity: max password age must be positive")
		}
		if p.ReuseWindow < 0 {
			return errors.New("identity: reuse window must not be negative")
		}
		s.policy = p
		return nil
	}
}

// WithAudiences sets the deployment-level audience list embedded into every
// issued token.
func WithAudiences(audiences []string) ServiceOption {
	return func(s *Service) error {
		trimmed := make([]string, 0, len(audiences))
		for _, aud := range audiences {
			aud = strings.TrimSpace(aud)
			if aud == "" {
				continue
			}
			trimmed = append(trimmed, aud)
		}
		s.audiences = trimmed
		return nil
	}
}

// WithResetTokenTTL configures the password reset token lifetime.
func WithResetTokenTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.resetTTL = ttl
		}
		return nil
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs a Service with optional configuration.
func NewService(store Store, signer TokenSigner, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("identity: store is required")
	}
	if signer == nil {
		return nil, errors.New("identity: signer is required")
	}
	svc := &Service{
		store:    store,
		signer:   signer,
		policy:   DefaultPolicy(),
		resetTTL: defaultResetTokenTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// Policy returns the rotation policy the service enforces.
func (s *Service) Policy() Policy { return s.policy }

// ExchangePasswordGrant handles the OAuth2 password grant: it verifies the
// submitted credentials, enforces account and password-age policy, assembles
// the principal's claims and hands them to the signer.
//
// Rejections are terminal for the request and carry one of the sentinel
// errors in errors.go. Store failures are propagated as-is, never downgraded
// to a rejection or a success.
func (s *Service) ExchangePasswordGrant(ctx context.Context, username, password string) (TokenResponse, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return TokenResponse{}, ErrInvalidCredentials
	}

	user, err := s.store.Users(ctx).FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Same rejection as a wrong password; do not leak which
			// one failed.
			return TokenResponse{}, ErrInvalidCredentials
		}
		return TokenResponse{}, fmt.Errorf("find user: %w", err)
	}
	if !VerifyPassword(user.PasswordHash, password) {
		return TokenResponse{}, ErrInvalidCredentials
	}
	if !user.Active {
		return TokenResponse{}, ErrAccountInactive
	}

	history, err := s.store.PasswordHistory(ctx).HistoryFor(ctx, user.ID)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("load password history: %w", err)
	}
	if s.policy.CheckExpiry(history, s.now()) == DecisionExpired {
		return TokenResponse{}, ErrPasswordExpired
	}

	claims, err := s.assembleClaims(ctx, user)
	if err != nil {
		return TokenResponse{}, err
	}
	resp, err := s.signer.Sign(ctx, claims, GrantScopes)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("sign token: %w", err)
	}
	return resp, nil
}

func (s *Service) assembleClaims(ctx context.Context, user *User) ([]Claim, error) {
	var org *Organization
	if user.OrganizationID != "" {
		found, err := s.store.Organizations(ctx).Find(ctx, user.OrganizationID)
		switch {
		case err == nil:
			org = found
		case errors.Is(err, ErrNotFound):
			// Unresolved organization: omit its claims entirely.
		default:
			return nil, fmt.Errorf("find organization: %w", err)
		}
	}
	roles, err := s.store.Users(ctx).RolesOf(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("load roles: %w", err)
	}
	return AssembleClaims(user, org, roles, s.audiences), nil
}

// ApplyPasswordChange verifies the user's current password, runs the reuse
// check over the rotation history and, if allowed, commits the new hash and
// appends a history entry.
func (s *Service) ApplyPasswordChange(ctx context.Context, userID, currentPassword, newPassword string) error {
	user, err := s.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidCredentials
		}
		return fmt.Errorf("find user: %w", err)
	}
	if !VerifyPassword(user.PasswordHash, currentPassword) {
		return ErrInvalidCredentials
	}
	return s.commitNewPassword(ctx, user, newPassword)
}

// commitNewPassword runs the reuse check and persists the rotation. The
// store guarantees the history read and the append are not interleaved with
// another successful change for the same user.
func (s *Service) commitNewPassword(ctx context.Context, user *User, newPassword string) error {
	if len(newPassword) < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLength)
	}

	history, err := s.store.PasswordHistory(ctx).HistoryFor(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("load password history: %w", err)
	}
	if s.policy.CheckReuse(history, newPassword) == DecisionReused {
		return ErrPasswordReused
	}

	hash, err := HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.store.Users(ctx).UpdatePasswordHash(ctx, user.ID, hash); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	entry := PasswordHistoryEntry{
		UserID:       user.ID,
		PasswordHash: hash,
		ChangedAt:    s.now().UTC(),
	}
	if err := s.store.PasswordHistory(ctx).Append(ctx, entry); err != nil {
		return fmt.Errorf("append password history: %w", err)
	}
	return nil
}

// BeginPasswordReset issues a single-use reset token for the account behind
// the given email and returns the plaintext token for delivery. Only the
// hash of the secret half is persisted.
func (s *Service) BeginPasswordReset(ctx context.Context, email string) (string, *User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return "", nil, fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	user, err := s.store.Users(ctx).FindByEmail(ctx, email)
	if err != nil {
		return "", nil, err
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", nil, err
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	sum := sha256.Sum256([]byte(secret))
	now := s.now().UTC()
	rec := &ResetToken{
		ID:        ids.New(),
		UserID:    user.ID,
		TokenHash: hex.EncodeToString(sum[:]),
		ExpiresAt: now.Add(s.resetTTL),
		CreatedAt: now,
	}
	if err := s.store.ResetTokens(ctx).Create(ctx, rec); err != nil {
		return "", nil, fmt.Errorf("store reset token: %w", err)
	}
	return rec.ID + "." + secret, user, nil
}

// ResetPassword redeems a reset token and commits the new password, subject
// to the same reuse check as a regular change. The token is consumed on
// success.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	tokenID, secret, err := splitResetToken(token)
	if err != nil {
		return ErrInvalidResetToken
	}
	tokens := s.store.ResetTokens(ctx)
	rec, err := tokens.Find(ctx, tokenID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidResetToken
		}
		return fmt.Errorf("find reset token: %w", err)
	}
	if rec.ConsumedAt != nil || s.now().After(rec.ExpiresAt) {
		return ErrInvalidResetToken
	}
	if !secureCompareHash(rec.TokenHash, secret) {
		return ErrInvalidResetToken
	}

	user, err := s.store.Users(ctx).Find(ctx, rec.UserID)
	if err != nil {
		return fmt.Errorf("find user: %w", err)
	}
	if err := s.commitNewPassword(ctx, user, newPassword); err != nil {
		return err
	}
	if err := tokens.Consume(ctx, rec.ID); err != nil {
		return fmt.Errorf("consume reset token: %w", err)
	}
	return nil
}

// RegisterAccount creates an organization together with its first user and
// role memberships. The initial password seeds the rotation history so the
// expiry clock starts at registration.
func (s *Service) RegisterAccount(ctx context.Context, reg Registration) (*User, *Organization, error) {
	reg.Username = strings.TrimSpace(reg.Username)
	reg.Email = strings.TrimSpace(strings.ToLower(reg.Email))
	if reg.Username == "" || reg.Email == "" {
		return nil, nil, fmt.Errorf("%w: username and email are required", ErrInvalidInput)
	}
	if len(reg.Password) < minPasswordLength {
		return nil, nil, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLength)
	}
	if strings.TrimSpace(reg.OrganizationDatabaseName) == "" {
		return nil, nil, fmt.Errorf("%w: organization database name is required", ErrInvalidInput)
	}

	orgs := s.store.Organizations(ctx)
	if _, err := orgs.FindByDatabaseName(ctx, reg.OrganizationDatabaseName); err == nil {
		return nil, nil, ErrConflict
	} else if !errors.Is(err, ErrNotFound) {
		return nil, nil, fmt.Errorf("check organization: %w", err)
	}

	org := &Organization{
		Name:         reg.OrganizationName,
		DatabaseName: reg.OrganizationDatabaseName,
		Description:  reg.OrganizationDescription,
		OrgURL:       reg.OrganizationURL,
	}
	if err := orgs.Create(ctx, org); err != nil {
		return nil, nil, fmt.Errorf("create organization: %w", err)
	}

	hash, err := HashPassword(reg.Password)
	if err != nil {
		return nil, nil, fmt.Errorf("hash password: %w", err)
	}
	globalID := strings.TrimSpace(reg.GlobalUserID)
	if globalID == "" {
		globalID = uuid.NewString()
	}
	user := &User{
		Username:       reg.Username,
		Email:          reg.Email,
		Active:         true,
		PasswordHash:   hash,
		GlobalUserID:   globalID,
		OrganizationID: org.ID,
	}
	if err := s.store.Users(ctx).Create(ctx, user); err != nil {
		return nil, nil, fmt.Errorf("create user: %w", err)
	}

	roleNames := reg.Roles
	if len(roleNames) == 0 {
		roleNames = []string{"USER"}
	}
	roleStore := s.store.Roles(ctx)
	for _, name := range roleNames {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		role, err := roleStore.EnsureByName(ctx, name)
		if err != nil {
			return nil, nil, fmt.Errorf("ensure role %q: %w", name, err)
		}
		if err := roleStore.Assign(ctx, user.ID, role.ID); err != nil {
			return nil, nil, fmt.Errorf("assign role %q: %w", name, err)
		}
	}

	entry := PasswordHistoryEntry{
		UserID:       user.ID,
		PasswordHash: hash,
		ChangedAt:    s.now().UTC(),
	}
	if err := s.store.PasswordHistory(ctx).Append(ctx, entry); err != nil {
		return nil, nil, fmt.Errorf("append password history: %w", err)
	}
	return user, org, nil
}

func splitResetToken(raw string) (id, secret string, err error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("invalid reset token format")
	}
	return parts[0], parts[1], nil
}

func secureCompareHash(expectedHash, secret string) bool {
	sum := sha256.Sum256([]byte(secret))
	actual := hex.EncodeToString(sum[:])
	if len(expectedHash) != len(actual) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expectedHash), []byte(actual)) == 1
}
