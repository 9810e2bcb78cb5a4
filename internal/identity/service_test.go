package identity

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"
)

// memStore is an in-memory Store for service tests. Error fields let tests
// inject failures on specific paths.
type memStore struct {
	users     map[string]*User
	orgs      map[string]*Organization
	roles     map[string]Role
	userRoles map[string][]string
	history   map[string][]PasswordHistoryEntry
	resets    map[string]*ResetToken
	seq       int

	historyErr error
	userErr    error
	orgErr     error
}

func newMemStore() *memStore {
	return &memStore{
		users:     make(map[string]*User),
		orgs:      make(map[string]*Organization),
		roles:     make(map[string]Role),
		userRoles: make(map[string][]string),
		history:   make(map[string][]PasswordHistoryEntry),
		resets:    make(map[string]*ResetToken),
	}
}

func (s *memStore) nextID(prefix string) string {
	s.seq++
	return prefix + "-" + strconv.Itoa(s.seq)
}

func (s *memStore) Users(context.Context) UserStore { return memUsers{s} }

func (s *memStore) Organizations(context.Context) OrganizationStore { return memOrgs{s} }

func (s *memStore) Roles(context.Context) RoleStore { return memRoles{s} }

func (s *memStore) PasswordHistory(context.Context) PasswordHistoryStore { return memHistory{s} }

func (s *memStore) ResetTokens(context.Context) ResetTokenStore { return memResets{s} }

type memUsers struct{ s *memStore }

func (m memUsers) Create(_ context.Context, u *User) error {
	if u.ID == "" {
		u.ID = m.s.nextID("user")
	}
	m.s.users[u.ID] = u
	return nil
}

func (m memUsers) Find(_ context.Context, id string) (*User, error) {
	if m.s.userErr != nil {
		return nil, m.s.userErr
	}
	u, ok := m.s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m memUsers) FindByUsername(_ context.Context, username string) (*User, error) {
	if m.s.userErr != nil {
		return nil, m.s.userErr
	}
	for _, u := range m.s.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m memUsers) FindByEmail(_ context.Context, email string) (*User, error) {
	for _, u := range m.s.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m memUsers) List(context.Context) ([]*User, error) {
	out := make([]*User, 0, len(m.s.users))
	for _, u := range m.s.users {
		cp := *u
		out = append(out, &cp)
	}
	return out, nil
}

func (m memUsers) ListByOrg(_ context.Context, orgID string) ([]*User, error) {
	var out []*User
	for _, u := range m.s.users {
		if u.OrganizationID == orgID {
			cp := *u
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m memUsers) UpdateUsername(_ context.Context, userID, username string) error {
	u, ok := m.s.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.Username = username
	return nil
}

func (m memUsers) UpdatePasswordHash(_ context.Context, userID, passwordHash string) error {
	u, ok := m.s.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = passwordHash
	return nil
}

func (m memUsers) SetActive(_ context.Context, userID string, active bool) error {
	u, ok := m.s.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.Active = active
	return nil
}

func (m memUsers) RolesOf(_ context.Context, userID string) ([]Role, error) {
	var out []Role
	for _, roleID := range m.s.userRoles[userID] {
		out = append(out, m.s.roles[roleID])
	}
	return out, nil
}

type memOrgs struct{ s *memStore }

func (m memOrgs) Create(_ context.Context, org *Organization) error {
	if org.ID == "" {
		org.ID = m.s.nextID("org")
	}
	m.s.orgs[org.ID] = org
	return nil
}

func (m memOrgs) Find(_ context.Context, id string) (*Organization, error) {
	if m.s.orgErr != nil {
		return nil, m.s.orgErr
	}
	org, ok := m.s.orgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *org
	return &cp, nil
}

func (m memOrgs) FindByDatabaseName(_ context.Context, databaseName string) (*Organization, error) {
	for _, org := range m.s.orgs {
		if org.DatabaseName == databaseName {
			cp := *org
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m memOrgs) List(context.Context) ([]*Organization, error) {
	out := make([]*Organization, 0, len(m.s.orgs))
	for _, org := range m.s.orgs {
		cp := *org
		out = append(out, &cp)
	}
	return out, nil
}

func (m memOrgs) Update(_ context.Context, org *Organization) error {
	if _, ok := m.s.orgs[org.ID]; !ok {
		return ErrNotFound
	}
	m.s.orgs[org.ID] = org
	return nil
}

func (m memOrgs) Delete(_ context.Context, id string) error {
	if _, ok := m.s.orgs[id]; !ok {
		return ErrNotFound
	}
	delete(m.s.orgs, id)
	return nil
}

type memRoles struct{ s *memStore }

func (m memRoles) EnsureByName(_ context.Context, name string) (Role, error) {
	for _, role := range m.s.roles {
		if role.Name == name {
			return role, nil
		}
	}
	role := Role{ID: m.s.nextID("role"), Name: name}
	m.s.roles[role.ID] = role
	return role, nil
}

func (m memRoles) List(context.Context) ([]Role, error) {
	out := make([]Role, 0, len(m.s.roles))
	for _, role := range m.s.roles {
		out = append(out, role)
	}
	return out, nil
}

func (m memRoles) Assign(_ context.Context, userID, roleID string) error {
	m.s.userRoles[userID] = append(m.s.userRoles[userID], roleID)
	return nil
}

type memHistory struct{ s *memStore }

func (m memHistory) HistoryFor(_ context.Context, userID string) ([]PasswordHistoryEntry, error) {
	if m.s.historyErr != nil {
		return nil, m.s.historyErr
	}
	entries := m.s.history[userID]
	out := make([]PasswordHistoryEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (m memHistory) Append(_ context.Context, entry PasswordHistoryEntry) error {
	// Newest first, matching the postgres store's ordering.
	m.s.history[entry.UserID] = append([]PasswordHistoryEntry{entry}, m.s.history[entry.UserID]...)
	return nil
}

type memResets struct{ s *memStore }

func (m memResets) Create(_ context.Context, tok *ResetToken) error {
	cp := *tok
	m.s.resets[tok.ID] = &cp
	return nil
}

func (m memResets) Find(_ context.Context, id string) (*ResetToken, error) {
	tok, ok := m.s.resets[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *tok
	return &cp, nil
}

func (m memResets) Consume(_ context.Context, id string) error {
	tok, ok := m.s.resets[id]
	if !ok || tok.ConsumedAt != nil {
		return ErrNotFound
	}
	now := time.Now().UTC()
	tok.ConsumedAt = &now
	return nil
}

// stubSigner records what it was asked to sign.
type stubSigner struct {
	claims []Claim
	scopes []string
	err    error
}

func (s *stubSigner) Sign(_ context.Context, claims []Claim, scopes []string) (TokenResponse, error) {
	if s.err != nil {
		return TokenResponse{}, s.err
	}
	s.claims = claims
	s.scopes = scopes
	return TokenResponse{
		AccessToken: "stub-access",
		IDToken:     "stub-id",
		TokenType:   "Bearer",
		ExpiresIn:   900,
		Scope:       strings.Join(scopes, " "),
	}, nil
}

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func seedUser(t *testing.T, store *memStore, username, password string, changedAt time.Time) *User {
	t.Helper()
	hash, err := HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	user := &User{
		Username:     username,
		Email:        username + "@example.org",
		Active:       true,
		PasswordHash: hash,
		GlobalUserID: "global-" + username,
	}
	if err := (memUsers{store}).Create(context.Background(), user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	entry := PasswordHistoryEntry{UserID: user.ID, PasswordHash: hash, ChangedAt: changedAt}
	if err := (memHistory{store}).Append(context.Background(), entry); err != nil {
		t.Fatalf("append history: %v", err)
	}
	return user
}

func newTestService(t *testing.T, store *memStore, signer TokenSigner, opts ...ServiceOption) *Service {
	t.Helper()
	opts = append([]ServiceOption{WithClock(func() time.Time { return testNow })}, opts...)
	svc, err := NewService(store, signer, opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestExchangePasswordGrantIssuesToken(t *testing.T) {
	store := newMemStore()
	signer := &stubSigner{}
	svc := newTestService(t, store, signer, WithAudiences([]string{"budget-api"}))

	org := &Organization{Name: "Treasury", DatabaseName: "treasury_db", OrgURL: "https://t.example.org"}
	if err := (memOrgs{store}).Create(context.Background(), org); err != nil {
		t.Fatalf("create org: %v", err)
	}
	user := seedUser(t, store, "alice", "alice-password", testNow.Add(-50*24*time.Hour))
	store.users[user.ID].OrganizationID = org.ID
	role, _ := (memRoles{store}).EnsureByName(context.Background(), "USER")
	_ = (memRoles{store}).Assign(context.Background(), user.ID, role.ID)

	resp, err := svc.ExchangePasswordGrant(context.Background(), "alice", "alice-password")
	if err != nil {
		t.Fatalf("ExchangePasswordGrant: %v", err)
	}
	if resp.AccessToken == "" || resp.TokenType != "Bearer" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Scope != "openid profile email roles" {
		t.Fatalf("scope = %q", resp.Scope)
	}

	set := make(map[string][]string)
	for _, c := range signer.claims {
		set[c.Type] = append(set[c.Type], c.Value)
	}
	if got := set[ClaimSubject]; len(got) != 1 || got[0] != user.ID {
		t.Fatalf("sub claim = %v", got)
	}
	if got := set[ClaimOrgDatabase]; len(got) != 1 || got[0] != "treasury_db" {
		t.Fatalf("M_1 claim = %v", got)
	}
	if got := set[ClaimAudience]; len(got) != 1 || got[0] != "budget-api" {
		t.Fatalf("aud claim = %v", got)
	}
	if got := set[ClaimRole]; len(got) != 1 || got[0] != "USER" {
		t.Fatalf("role claim = %v", got)
	}
}

func TestExchangePasswordGrantTrimsUsername(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store, &stubSigner{})
	seedUser(t, store, "alice", "alice-password", testNow.Add(-time.Hour))

	if _, err := svc.ExchangePasswordGrant(context.Background(), "  alice  ", "alice-password"); err != nil {
		t.Fatalf("ExchangePasswordGrant with padded username: %v", err)
	}
}

func TestExchangePasswordGrantRejections(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store, &stubSigner{})

	seedUser(t, store, "alice", "alice-password", testNow.Add(-time.Hour))
	seedUser(t, store, "bob", "bob-password", testNow.Add(-150*24*time.Hour))
	inactive := seedUser(t, store, "carol", "carol-password", testNow.Add(-time.Hour))
	store.users[inactive.ID].Active = false

	cases := []struct {
		name     string
		username string
		password string
		want     error
	}{
		{"unknown user", "nobody", "whatever", ErrInvalidCredentials},
		{"wrong password", "alice", "not-the-password", ErrInvalidCredentials},
		{"blank username", "", "x", ErrInvalidCredentials},
		{"blank password", "alice", "", ErrInvalidCredentials},
		{"expired password", "bob", "bob-password", ErrPasswordExpired},
		{"inactive account", "carol", "carol-password", ErrAccountInactive},
		{"wrong password on inactive account", "carol", "bad", ErrInvalidCredentials},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.ExchangePasswordGrant(context.Background(), tc.username, tc.password)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestExchangePasswordGrantEmptyHistoryNeverExpires(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store, &stubSigner{})

	hash, err := HashPassword("seed-password")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	user := &User{Username: "seeded", Active: true, PasswordHash: hash, GlobalUserID: "g"}
	_ = (memUsers{store}).Create(context.Background(), user)

	if _, err := svc.ExchangePasswordGrant(context.Background(), "seeded", "seed-password"); err != nil {
		t.Fatalf("ExchangePasswordGrant: %v", err)
	}
}

func TestExchangePasswordGrantPropagatesStoreFailure(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store, &stubSigner{})
	seedUser(t, store, "alice", "alice-password", testNow.Add(-time.Hour))

	boom := errors.New("connection reset")
	store.historyErr = boom

	_, err := svc.ExchangePasswordGrant(context.Background(), "alice", "alice-password")
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped %v", err, boom)
	}
	for _, sentinel := range []error{ErrInvalidCredentials, ErrAccountInactive, ErrPasswordExpired} {
		if errors.Is(err, sentinel) {
			t.Fatalf("store failure downgraded to %v", sentinel)
		}
	}
}

func TestExchangePasswordGrantOmitsUnresolvedOrganization(t *testing.T) {
	store := newMemStore()
	signer := &stubSigner{}
	svc := newTestService(t, store, signer)

	user := seedUser(t, store, "alice", "alice-password", testNow.Add(-time.Hour))
	store.users[user.ID].OrganizationID = "org-gone"

	if _, err := svc.ExchangePasswordGrant(context.Background(), "alice", "alice-password"); err != nil {
		t.Fatalf("ExchangePasswordGrant: %v", err)
	}
	for _, c := range signer.claims {
		switch c.Type {
		case ClaimOrgDatabase, ClaimOrgID, ClaimOrgName, ClaimOrgURL:
			t.Fatalf("unexpected organization claim %s=%q", c.Type, c.Value)
		}
	}
}

func TestApplyPasswordChange(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store, &stubSigner{})
	user := seedUser(t, store, "alice", "old-password", testNow.Add(-90*24*time.Hour))

	if err := svc.ApplyPasswordChange(context.Background(), user.ID, "old-password", "brand-new-password"); err != nil {
		t.Fatalf("ApplyPasswordChange: %v", err)
	}

	if !VerifyPassword(store.users[user.ID].PasswordHash, "brand-new-password") {
		t.Fatal("stored hash does not match the new password")
	}
	history := store.history[user.ID]
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if !history[0].ChangedAt.Equal(testNow) {
		t.Fatalf("newest entry ChangedAt = %v, want %v", history[0].ChangedAt, testNow)
	}

	// The previously expired credential now works again.
	if _, err := svc.ExchangePasswordGrant(context.Background(), "alice", "brand-new-password"); err != nil {
		t.Fatalf("exchange after change: %v", err)
	}
}

func TestApplyPasswordChangeRejectsReuse(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store, &stubSigner{})
	user := seedUser(t, store, "alice", "password-one", testNow.Add(-3*time.Hour))

	// Rotate twice so the window holds three hashes.
	if err := svc.ApplyPasswordChange(context.Background(), user.ID, "password-one", "password-two"); err != nil {
		t.Fatalf("first change: %v", err)
	}
	if err := svc.ApplyPasswordChange(context.Background(), user.ID, "password-two", "password-three"); err != nil {
		t.Fatalf("second change: %v", err)
	}

	before := store.users[user.ID].PasswordHash
	historyLen := len(store.history[user.ID])

	err := svc.ApplyPasswordChange(context.Background(), user.ID, "password-three", "password-one")
	if !errors.Is(err, ErrPasswordReused) {
		t.Fatalf("err = %v, want %v", err, ErrPasswordReused)
	}

	// A rejected change must leave no trace.
	if store.users[user.ID].PasswordHash != before {
		t.Fatal("password hash changed after a rejected reuse")
	}
	if len(store.history[user.ID]) != historyLen {
		t.Fatal("history grew after a rejected reuse")
	}
}

func TestApplyPasswordChangeValidation(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store, &stubSigner{})
	user := seedUser(t, store, "alice", "old-password", testNow.Add(-time.Hour))

	if err := svc.ApplyPasswordChange(context.Background(), user.ID, "wrong", "brand-new-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong current password: err = %v", err)
	}
	if err := svc.ApplyPasswordChange(context.Background(), user.ID, "old-password", "short"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("short password: err = %v", err)
	}
	if err := svc.ApplyPasswordChange(context.Background(), "missing-user", "x", "brand-new-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown user: err = %v", err)
	}
}

func TestPasswordResetFlow(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store, &stubSigner{})
	user := seedUser(t, store, "alice", "old-password", testNow.Add(-time.Hour))

	token, resetUser, err := svc.BeginPasswordReset(context.Background(), "ALICE@example.org")
	if err != nil {
		t.Fatalf("BeginPasswordReset: %v", err)
	}
	if resetUser.ID != user.ID {
		t.Fatalf("reset user = %s, want %s", resetUser.ID, user.ID)
	}
	if !strings.Contains(token, ".") {
		t.Fatalf("token %q missing id.secret separator", token)
	}
	for _, rec := range store.resets {
		if strings.Contains(token, rec.TokenHash) {
			t.Fatal("plaintext token must not contain the stored hash")
		}
	}

	if err := svc.ResetPassword(context.Background(), token, "fresh-password"); err != nil {
		t.Fatalf("ResetPassword: %v", err)
	}
	if !VerifyPassword(store.users[user.ID].PasswordHash, "fresh-password") {
		t.Fatal("password not updated")
	}

	// Single use.
	if err := svc.ResetPassword(context.Background(), token, "another-password"); !errors.Is(err, ErrInvalidResetToken) {
		t.Fatalf("second redemption: err = %v", err)
	}
}

func TestResetPasswordRejectsBadTokens(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store, &stubSigner{}, WithResetTokenTTL(10*time.Minute))
	seedUser(t, store, "alice", "old-password", testNow.Add(-time.Hour))

	token, _, err := svc.BeginPasswordReset(context.Background(), "alice@example.org")
	if err != nil {
		t.Fatalf("BeginPasswordReset: %v", err)
	}
	tokenID := strings.SplitN(token, ".", 2)[0]

	cases := []struct {
		name  string
		token string
	}{
		{"malformed", "no-separator"},
		{"unknown id", "missing." + strings.SplitN(token, ".", 2)[1]},
		{"wrong secret", tokenID + ".wrong-secret"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := svc.ResetPassword(context.Background(), tc.token, "fresh-password"); !errors.Is(err, ErrInvalidResetToken) {
				t.Fatalf("err = %v, want %v", err, ErrInvalidResetToken)
			}
		})
	}

	t.Run("expired", func(t *testing.T) {
		store.resets[tokenID].ExpiresAt = testNow.Add(-time.Minute)
		if err := svc.ResetPassword(context.Background(), token, "fresh-password"); !errors.Is(err, ErrInvalidResetToken) {
			t.Fatalf("err = %v, want %v", err, ErrInvalidResetToken)
		}
	})
}

func TestRegisterAccount(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store, &stubSigner{})

	user, org, err := svc.RegisterAccount(context.Background(), Registration{
		Username:                 "alice",
		Email:                    "Alice@Example.org",
		Password:                 "alice-password",
		OrganizationName:         "Treasury",
		OrganizationDatabaseName: "treasury_db",
		Roles:                    []string{"ADMIN"},
	})
	if err != nil {
		t.Fatalf("RegisterAccount: %v", err)
	}
	if user.Email != "alice@example.org" {
		t.Fatalf("email = %q, want lowercased", user.Email)
	}
	if user.GlobalUserID == "" {
		t.Fatal("blank GlobalUserID must be generated")
	}
	if user.OrganizationID != org.ID {
		t.Fatalf("user org = %s, want %s", user.OrganizationID, org.ID)
	}
	roles, _ := (memUsers{store}).RolesOf(context.Background(), user.ID)
	if len(roles) != 1 || roles[0].Name != "ADMIN" {
		t.Fatalf("roles = %v", roles)
	}
	if len(store.history[user.ID]) != 1 {
		t.Fatal("registration must seed the password history")
	}

	// The fresh account can sign in immediately.
	if _, err := svc.ExchangePasswordGrant(context.Background(), "alice", "alice-password"); err != nil {
		t.Fatalf("exchange after registration: %v", err)
	}

	// Duplicate organization database name conflicts.
	_, _, err = svc.RegisterAccount(context.Background(), Registration{
		Username:                 "bob",
		Email:                    "bob@example.org",
		Password:                 "bob-password",
		OrganizationName:         "Other",
		OrganizationDatabaseName: "treasury_db",
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate database name: err = %v", err)
	}
}

func TestRegisterAccountDefaultsRole(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store, &stubSigner{})

	user, _, err := svc.RegisterAccount(context.Background(), Registration{
		Username:                 "bob",
		Email:                    "bob@example.org",
		Password:                 "bob-password",
		OrganizationName:         "Dept",
		OrganizationDatabaseName: "dept_db",
	})
	if err != nil {
		t.Fatalf("RegisterAccount: %v", err)
	}
	roles, _ := (memUsers{store}).RolesOf(context.Background(), user.ID)
	if len(roles) != 1 || roles[0].Name != "USER" {
		t.Fatalf("roles = %v, want default USER", roles)
	}
}

func TestRegisterAccountValidation(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store, &stubSigner{})

	cases := []struct {
		name string
		reg  Registration
	}{
		{"missing username", Registration{Email: "a@b.c", Password: "long-enough", OrganizationDatabaseName: "db"}},
		{"missing email", Registration{Username: "a", Password: "long-enough", OrganizationDatabaseName: "db"}},
		{"short password", Registration{Username: "a", Email: "a@b.c", Password: "short", OrganizationDatabaseName: "db"}},
		{"missing database name", Registration{Username: "a", Email: "a@b.c", Password: "long-enough"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := svc.RegisterAccount(context.Background(), tc.reg); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("err = %v, want %v", err, ErrInvalidInput)
			}
		})
	}
}
