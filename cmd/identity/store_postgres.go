package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements the user registry over PostgreSQL.
//
// Design notes:
// - The pgx pool is owned by the caller; this store must NOT close it.
// - Schema/table identifiers are safely quoted to avoid SQL injection via identifiers.
// - Errors are mapped to identity sentinel kinds where appropriate.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema used by the user registry (default "robot").
// The schema name is validated to be a legal PostgreSQL identifier.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("identity: empty schema")
		}
		if !pgIdentIsValid(schema) {
			return fmt.Errorf("identity: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore with secure defaults.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "robot",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("identity: nil pool")
	}
	return st, nil
}

// CreateUser inserts a new user row.
// A concurrent insert of the same QQ number surfaces as ConflictError;
// callers resolve the race by re-fetching.
func (s *PostgresStore) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	const op = "identity.CreateUser"

	if s == nil || s.pool == nil {
		return User{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	userID := NormalizeUserID(in.UserID)
	if userID == "" {
		return User{}, pgInvalid(op, "missing user_id")
	}

	nickname := NormalizeNickname(in.Nickname)
	if nickname == "" {
		nickname = userID
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	users := pgIdent(s.schema, "users")

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+users+` (
		     user_id, nickname, is_active, is_banned, current_context_id, metadata, created_at, last_active
		   ) VALUES ($1, $2, true, false, NULL, '{}'::jsonb, $3, $3)`,
		userID, nickname, now,
	)
	if err != nil {
		if field, ok := pgClassifyUniqueViolation(err); ok {
			return User{}, ConflictError{Op: op, Field: field}
		}
		return User{}, err
	}

	return User{
		ID:         userID,
		Nickname:   nickname,
		IsActive:   true,
		CreatedAt:  now,
		LastActive: now,
	}, nil
}

// GetUser fetches a user by QQ number.
func (s *PostgresStore) GetUser(ctx context.Context, userID string) (User, error) {
	const op = "identity.GetUser"

	if s == nil || s.pool == nil {
		return User{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}
	userID = NormalizeUserID(userID)
	if userID == "" {
		return User{}, pgInvalid(op, "missing user_id")
	}

	users := pgIdent(s.schema, "users")

	var (
		out       User
		contextID *string
		metadata  map[string]string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, nickname, is_active, is_banned, current_context_id, metadata, created_at, last_active
		   FROM `+users+`
		  WHERE user_id = $1`,
		userID,
	).Scan(
		&out.ID,
		&out.Nickname,
		&out.IsActive,
		&out.IsBanned,
		&contextID,
		&metadata,
		&out.CreatedAt,
		&out.LastActive,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, NotFoundError{Op: op, Resource: "user"}
		}
		return User{}, err
	}

	out.CurrentContextID = contextID
	out.Metadata = metadata
	return out, nil
}

// UpdateNickname sets the nickname and touches last_active.
func (s *PostgresStore) UpdateNickname(ctx context.Context, userID, nickname string, now time.Time) error {
	const op = "identity.UpdateNickname"

	userID = NormalizeUserID(userID)
	if userID == "" {
		return pgInvalid(op, "missing user_id")
	}
	nickname = NormalizeNickname(nickname)
	if nickname == "" {
		return pgInvalid(op, "missing nickname")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	users := pgIdent(s.schema, "users")

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+users+` SET nickname = $2, last_active = $3 WHERE user_id = $1`,
		userID, nickname, now,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return NotFoundError{Op: op, Resource: "user"}
	}
	return nil
}

// SetBanned flips the ban flag.
func (s *PostgresStore) SetBanned(ctx context.Context, userID string, banned bool) error {
	const op = "identity.SetBanned"

	userID = NormalizeUserID(userID)
	if userID == "" {
		return pgInvalid(op, "missing user_id")
	}

	users := pgIdent(s.schema, "users")

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+users+` SET is_banned = $2 WHERE user_id = $1`,
		userID, banned,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return NotFoundError{Op: op, Resource: "user"}
	}
	return nil
}

// SetCurrentContext binds or unbinds the user's private session.
func (s *PostgresStore) SetCurrentContext(ctx context.Context, userID string, contextID *string) error {
	const op = "identity.SetCurrentContext"

	userID = NormalizeUserID(userID)
	if userID == "" {
		return pgInvalid(op, "missing user_id")
	}
	contextID = pgTrimPtr(contextID)

	users := pgIdent(s.schema, "users")

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+users+` SET current_context_id = $2 WHERE user_id = $1`,
		userID, contextID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return NotFoundError{Op: op, Resource: "user"}
	}
	return nil
}

// TouchLastActive bumps last_active for an existing user.
func (s *PostgresStore) TouchLastActive(ctx context.Context, userID string, now time.Time) error {
	const op = "identity.TouchLastActive"

	userID = NormalizeUserID(userID)
	if userID == "" {
		return pgInvalid(op, "missing user_id")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	users := pgIdent(s.schema, "users")

	// Zero rows can mean "missing user" or "clock went backwards"; both are
	// harmless for an activity timestamp.
	_, err := s.pool.Exec(ctx,
		`UPDATE `+users+` SET last_active = $2 WHERE user_id = $1 AND last_active < $2`,
		userID, now,
	)
	return err
}

// ListActiveUsers returns active users ordered by most recent activity.
func (s *PostgresStore) ListActiveUsers(ctx context.Context, limit int) ([]User, error) {
	const op = "identity.ListActiveUsers"

	if s == nil || s.pool == nil {
		return nil, OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}
	if limit <= 0 {
		limit = 100
	}

	users := pgIdent(s.schema, "users")

	rows, err := s.pool.Query(ctx,
		`SELECT user_id, nickname, is_active, is_banned, current_context_id, metadata, created_at, last_active
		   FROM `+users+`
		  WHERE is_active
		  ORDER BY last_active DESC
		  LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var (
			u         User
			contextID *string
			metadata  map[string]string
		)
		if err := rows.Scan(
			&u.ID, &u.Nickname, &u.IsActive, &u.IsBanned,
			&contextID, &metadata, &u.CreatedAt, &u.LastActive,
		); err != nil {
			return nil, err
		}
		u.CurrentContextID = contextID
		u.Metadata = metadata
		out = append(out, u)
	}
	return out, rows.Err()
}

// CountActiveUsers counts users with is_active set.
func (s *PostgresStore) CountActiveUsers(ctx context.Context) (int, error) {
	users := pgIdent(s.schema, "users")

	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM `+users+` WHERE is_active`).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// ---- helpers ----

// pgTrimPtr trims a string pointer, returning nil if result is empty.
func pgTrimPtr(p *string) *string {
	if p == nil {
		return nil
	}
	s := strings.TrimSpace(*p)
	if s == "" {
		return nil
	}
	return &s
}

// pgInvalid standardizes invalid input errors.
func pgInvalid(op, msg string) error {
	return OpError{Op: op, Kind: ErrInvalidInput, Msg: msg}
}

// pgIdentIsValid checks if a string is a safe Postgres identifier.
func pgIdentIsValid(s string) bool {
	return pgIdentRe.MatchString(s)
}

// pgIdent safely quotes a schema-qualified identifier: "schema"."name".
func pgIdent(schema, name string) string {
	return pgx.Identifier{schema, name}.Sanitize()
}

func pgClassifyUniqueViolation(err error) (field string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	if pgErr.Code != "23505" { // unique_violation
		return "", false
	}

	// Prefer stable schema constraint names; fall back to heuristic substring
	// matching for ad-hoc test schemas.
	c := strings.ToLower(strings.TrimSpace(pgErr.ConstraintName))

	switch c {
	case "users_pkey", "uq_users_user_id":
		return "user_id", true
	default:
		if strings.Contains(c, "user") {
			return "user_id", true
		}
		return "unique", true
	}
}
