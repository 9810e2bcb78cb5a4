package identity

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"ifmis.org/internal/ids"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Users(context.Context) UserStore { return &userStore{db: s.db} }
func (s *PGStore) Organizations(context.Context) OrganizationStore {
	return &orgStore{db: s.db}
}
func (s *PGStore) Roles(context.Context) RoleStore { return &roleStore{db: s.db} }
func (s *PGStore) PasswordHistory(context.Context) PasswordHistoryStore {
	return &historyStore{db: s.db}
}
func (s *PGStore) ResetTokens(context.Context) ResetTokenStore {
	return &resetTokenStore{db: s.db}
}

// User store ---------------------------------------------------------------
type userStore struct{ db *sql.DB }

const userColumns = `id, username, email, active, password_hash, global_user_id, organization_id, created_at, updated_at, last_login`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var (
		u         User
		lastLogin sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.Active, &u.PasswordHash,
		&u.GlobalUserID, &u.OrganizationID, &u.CreatedAt, &u.UpdatedAt, &lastLogin)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLogin = &t
	}
	return &u, nil
}

func (s *userStore) Create(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into users(id, username, email, active, password_hash, global_user_id, organization_id)
		 values($1,$2,$3,$4,$5,$6,$7)`,
		u.ID, u.Username, u.Email, u.Active, u.PasswordHash, u.GlobalUserID, u.OrganizationID,
	)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return ErrConflict
	}
	return err
}

func (s *userStore) Find(ctx context.Context, id string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where id=$1`, id))
}

func (s *userStore) FindByUsername(ctx context.Context, username string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where username=$1`, username))
}

func (s *userStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where email=$1`, email))
}

func (s *userStore) List(ctx context.Context) ([]*User, error) {
	return s.listWhere(ctx, `select `+userColumns+` from users order by created_at`)
}

func (s *userStore) ListByOrg(ctx context.Context, orgID string) ([]*User, error) {
	return s.listWhere(ctx,
		`select `+userColumns+` from users where organization_id=$1 order by created_at`, orgID)
}

func (s *userStore) listWhere(ctx context.Context, query string, args ...any) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *userStore) UpdateUsername(ctx context.Context, userID, username string) error {
	res, err := s.db.ExecContext(ctx,
		`update users set username=$2, updated_at=now() where id=$1`, userID, username)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return ErrConflict
	}
	return requireRow(res, err)
}

func (s *userStore) UpdatePasswordHash(ctx context.Context, userID, passwordHash string) error {
	res, err := s.db.ExecContext(ctx,
		`update users set password_hash=$2, updated_at=now() where id=$1`, userID, passwordHash)
	return requireRow(res, err)
}

func (s *userStore) SetActive(ctx context.Context, userID string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`update users set active=$2, updated_at=now() where id=$1`, userID, active)
	return requireRow(res, err)
}

func (s *userStore) RolesOf(ctx context.Context, userID string) ([]Role, error) {
	rows, err := s.db.QueryContext(ctx,
		`select r.id, r.name, r.created_at from roles r
		 join user_roles ur on ur.role_id=r.id where ur.user_id=$1 order by r.name`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.CreatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// Organization store -------------------------------------------------------
type orgStore struct{ db *sql.DB }

const orgColumns = `id, name, database_name, description, org_url, created_at, updated_at`

func scanOrg(row interface{ Scan(...any) error }) (*Organization, error) {
	var org Organization
	err := row.Scan(&org.ID, &org.Name, &org.DatabaseName, &org.Description,
		&org.OrgURL, &org.CreatedAt, &org.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &org, nil
}

func (s *orgStore) Create(ctx context.Context, org *Organization) error {
	if org.ID == "" {
		org.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into organizations(id, name, database_name, description, org_url)
		 values($1,$2,$3,$4,$5)`,
		org.ID, org.Name, org.DatabaseName, org.Description, org.OrgURL,
	)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return ErrConflict
	}
	return err
}

func (s *orgStore) Find(ctx context.Context, id string) (*Organization, error) {
	return scanOrg(s.db.QueryRowContext(ctx,
		`select `+orgColumns+` from organizations where id=$1`, id))
}

func (s *orgStore) FindByDatabaseName(ctx context.Context, databaseName string) (*Organization, error) {
	return scanOrg(s.db.QueryRowContext(ctx,
		`select `+orgColumns+` from organizations where database_name=$1`, databaseName))
}

func (s *orgStore) List(ctx context.Context) ([]*Organization, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+orgColumns+` from organizations order by created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orgs []*Organization
	for rows.Next() {
		org, err := scanOrg(rows)
		if err != nil {
			return nil, err
		}
		orgs = append(orgs, org)
	}
	return orgs, rows.Err()
}

func (s *orgStore) Update(ctx context.Context, org *Organization) error {
	res, err := s.db.ExecContext(ctx,
		`update organizations set name=$2, database_name=$3, description=$4, org_url=$5, updated_at=now()
		 where id=$1`,
		org.ID, org.Name, org.DatabaseName, org.Description, org.OrgURL,
	)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return ErrConflict
	}
	return requireRow(res, err)
}

func (s *orgStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from organizations where id=$1`, id)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
		return ErrConflict
	}
	return requireRow(res, err)
}

// Role store ---------------------------------------------------------------
type roleStore struct{ db *sql.DB }

func (s *roleStore) EnsureByName(ctx context.Context, name string) (Role, error) {
	var role Role
	err := s.db.QueryRowContext(ctx,
		`insert into roles(id, name) values($1,$2)
		 on conflict (name) do update set name=excluded.name
		 returning id, name, created_at`,
		ids.New(), name,
	).Scan(&role.ID, &role.Name, &role.CreatedAt)
	return role, err
}

func (s *roleStore) List(ctx context.Context) ([]Role, error) {
	rows, err := s.db.QueryContext(ctx, `select id, name, created_at from roles order by name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.CreatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (s *roleStore) Assign(ctx context.Context, userID, roleID string) error {
	_, err := s.db.ExecContext(ctx,
		`insert into user_roles(user_id, role_id) values($1,$2) on conflict do nothing`,
		userID, roleID,
	)
	return err
}

// Password history store -----------------------------------------------------
//
// Append-only: rows are inserted, never updated or deleted here. An external
// retention job may prune old entries.
type historyStore struct{ db *sql.DB }

func (s *historyStore) HistoryFor(ctx context.Context, userID string) ([]PasswordHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`select user_id, password_hash, changed_at from password_history
		 where user_id=$1 order by changed_at desc, id desc`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []PasswordHistoryEntry
	for rows.Next() {
		var e PasswordHistoryEntry
		if err := rows.Scan(&e.UserID, &e.PasswordHash, &e.ChangedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *historyStore) Append(ctx context.Context, entry PasswordHistoryEntry) error {
	changedAt := entry.ChangedAt
	if changedAt.IsZero() {
		changedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into password_history(id, user_id, password_hash, changed_at) values($1,$2,$3,$4)`,
		ids.New(), entry.UserID, entry.PasswordHash, changedAt,
	)
	return err
}

// Reset token store ----------------------------------------------------------
type resetTokenStore struct{ db *sql.DB }

func (s *resetTokenStore) Create(ctx context.Context, tok *ResetToken) error {
	_, err := s.db.ExecContext(ctx,
		`insert into reset_tokens(id, user_id, token_hash, expires_at, created_at)
		 values($1,$2,$3,$4,$5)`,
		tok.ID, tok.UserID, tok.TokenHash, tok.ExpiresAt, tok.CreatedAt,
	)
	return err
}

func (s *resetTokenStore) Find(ctx context.Context, id string) (*ResetToken, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, user_id, token_hash, expires_at, created_at, consumed_at
		 from reset_tokens where id=$1`, id)
	var (
		tok      ResetToken
		consumed sql.NullTime
	)
	if err := row.Scan(&tok.ID, &tok.UserID, &tok.TokenHash, &tok.ExpiresAt, &tok.CreatedAt, &consumed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if consumed.Valid {
		t := consumed.Time
		tok.ConsumedAt = &t
	}
	return &tok, nil
}

func (s *resetTokenStore) Consume(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`update reset_tokens set consumed_at=now() where id=$1 and consumed_at is null`, id)
	return requireRow(res, err)
}

// helpers --------------------------------------------------------------------

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func requireRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
