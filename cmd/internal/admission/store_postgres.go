package admission

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

// PostgresStore implements quota and ban persistence over PostgreSQL.
//
// Design notes:
// - The pgx pool is owned by the caller; this store must NOT close it.
// - Schema/table identifiers are safely quoted to avoid SQL injection via identifiers.
// - The minute log is stored as a timestamptz[] column and replaced whole on update.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema used by the store (default "robot").
// The schema name is validated to be a legal PostgreSQL identifier.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("admission: empty schema")
		}
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("admission: invalid schema identifier")
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
		return nil, fmt.Errorf("admission: nil pool")
	}
	return st, nil
}

var _ Store = (*PostgresStore)(nil)

// GetQuota fetches a user's quota row.
func (s *PostgresStore) GetQuota(ctx context.Context, userID string) (*Quota, error) {
	const op = "admission.GetQuota"

	if s == nil || s.pool == nil {
		return nil, OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, pgInvalid(op, "missing user_id")
	}

	quotas := pgIdent(s.schema, "token_quotas")

	var q Quota
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, total_quota, used, daily_limit, daily_used, daily_reset_at,
		        minute_limit, minute_log, updated_at
		   FROM `+quotas+`
		  WHERE user_id = $1`,
		userID,
	).Scan(
		&q.UserID,
		&q.TotalQuota,
		&q.Used,
		&q.DailyLimit,
		&q.DailyUsed,
		&q.DailyResetAt,
		&q.MinuteLimit,
		&q.MinuteLog,
		&q.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, NotFoundError{Op: op, Resource: "quota"}
		}
		return nil, err
	}
	return &q, nil
}

// CreateQuota inserts a fresh quota row.
// A concurrent insert for the same user surfaces as ConflictError; callers
// resolve the race by re-fetching.
func (s *PostgresStore) CreateQuota(ctx context.Context, q *Quota) (*Quota, error) {
	const op = "admission.CreateQuota"

	if s == nil || s.pool == nil {
		return nil, OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}
	if q == nil || strings.TrimSpace(q.UserID) == "" {
		return nil, pgInvalid(op, "missing user_id")
	}

	quotas := pgIdent(s.schema, "token_quotas")

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+quotas+` (
		     user_id, total_quota, used, daily_limit, daily_used, daily_reset_at,
		     minute_limit, minute_log, updated_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		q.UserID, q.TotalQuota, q.Used, q.DailyLimit, q.DailyUsed, q.DailyResetAt,
		q.MinuteLimit, minuteLogArg(q.MinuteLog), q.UpdatedAt,
	)
	if err != nil {
		if field, ok := pgClassifyUniqueViolation(err); ok {
			return nil, ConflictError{Op: op, Field: field}
		}
		return nil, err
	}
	return copyQuota(q), nil
}

// UpdateQuota replaces the stored quota row, minute log included.
func (s *PostgresStore) UpdateQuota(ctx context.Context, q *Quota) (*Quota, error) {
	const op = "admission.UpdateQuota"

	if s == nil || s.pool == nil {
		return nil, OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}
	if q == nil || strings.TrimSpace(q.UserID) == "" {
		return nil, pgInvalid(op, "missing user_id")
	}

	quotas := pgIdent(s.schema, "token_quotas")

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+quotas+`
		    SET total_quota = $2, used = $3, daily_limit = $4, daily_used = $5,
		        daily_reset_at = $6, minute_limit = $7, minute_log = $8, updated_at = $9
		  WHERE user_id = $1`,
		q.UserID, q.TotalQuota, q.Used, q.DailyLimit, q.DailyUsed,
		q.DailyResetAt, q.MinuteLimit, minuteLogArg(q.MinuteLog), q.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, NotFoundError{Op: op, Resource: "quota"}
	}
	return copyQuota(q), nil
}

// CreateBan appends a ban record.
func (s *PostgresStore) CreateBan(ctx context.Context, rec *BanRecord) (*BanRecord, error) {
	const op = "admission.CreateBan"

	if s == nil || s.pool == nil {
		return nil, OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}
	if rec == nil || strings.TrimSpace(rec.ID) == "" || strings.TrimSpace(rec.UserID) == "" {
		return nil, pgInvalid(op, "missing id or user_id")
	}

	bans := pgIdent(s.schema, "ban_records")

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+bans+` (id, user_id, reason, ban_type, started_at, expires_at, details)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.UserID, string(rec.Reason), string(rec.Type),
		rec.StartedAt, rec.ExpiresAt, rec.Details,
	)
	if err != nil {
		if field, ok := pgClassifyUniqueViolation(err); ok {
			return nil, ConflictError{Op: op, Field: field}
		}
		return nil, err
	}
	return copyBan(rec), nil
}

// UpdateBan rewrites an existing ban record.
func (s *PostgresStore) UpdateBan(ctx context.Context, rec *BanRecord) (*BanRecord, error) {
	const op = "admission.UpdateBan"

	if s == nil || s.pool == nil {
		return nil, OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}
	if rec == nil || strings.TrimSpace(rec.ID) == "" {
		return nil, pgInvalid(op, "missing id")
	}

	bans := pgIdent(s.schema, "ban_records")

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+bans+`
		    SET reason = $2, ban_type = $3, started_at = $4, expires_at = $5, details = $6
		  WHERE id = $1`,
		rec.ID, string(rec.Reason), string(rec.Type), rec.StartedAt, rec.ExpiresAt, rec.Details,
	)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, NotFoundError{Op: op, Resource: "ban_record"}
	}
	return copyBan(rec), nil
}

// ActiveBan returns the newest ban still in force for userID at now.
func (s *PostgresStore) ActiveBan(ctx context.Context, userID string, now time.Time) (*BanRecord, error) {
	const op = "admission.ActiveBan"

	if s == nil || s.pool == nil {
		return nil, OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, pgInvalid(op, "missing user_id")
	}

	bans := pgIdent(s.schema, "ban_records")

	rec, err := scanBan(s.pool.QueryRow(ctx,
		`SELECT id, user_id, reason, ban_type, started_at, expires_at, details
		   FROM `+bans+`
		  WHERE user_id = $1 AND (ban_type = $2 OR expires_at > $3)
		  ORDER BY started_at DESC, id DESC
		  LIMIT 1`,
		userID, string(BanPermanent), now,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, NotFoundError{Op: op, Resource: "ban_record"}
		}
		return nil, err
	}
	return rec, nil
}

// ListBans returns a user's records, newest first.
func (s *PostgresStore) ListBans(ctx context.Context, userID string, limit int) ([]BanRecord, error) {
	const op = "admission.ListBans"

	if s == nil || s.pool == nil {
		return nil, OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, pgInvalid(op, "missing user_id")
	}
	if limit <= 0 {
		limit = 10
	}

	bans := pgIdent(s.schema, "ban_records")

	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, reason, ban_type, started_at, expires_at, details
		   FROM `+bans+`
		  WHERE user_id = $1
		  ORDER BY started_at DESC, id DESC
		  LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBans(rows)
}

// ListActiveBans returns every record still in force at now, newest first.
func (s *PostgresStore) ListActiveBans(ctx context.Context, now time.Time) ([]BanRecord, error) {
	if s == nil || s.pool == nil {
		return nil, OpError{Op: "admission.ListActiveBans", Kind: ErrInvalidInput, Msg: "nil store"}
	}

	bans := pgIdent(s.schema, "ban_records")

	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, reason, ban_type, started_at, expires_at, details
		   FROM `+bans+`
		  WHERE ban_type = $1 OR expires_at > $2
		  ORDER BY started_at DESC, id DESC`,
		string(BanPermanent), now,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBans(rows)
}

// ---- helpers ----

// minuteLogArg keeps the array column NOT NULL friendly: pgx encodes a nil
// slice as NULL, so hand it an empty one instead.
func minuteLogArg(log []time.Time) []time.Time {
	if log == nil {
		return []time.Time{}
	}
	return log
}

func scanBan(row pgx.Row) (*BanRecord, error) {
	var (
		rec     BanRecord
		reason  string
		banType string
	)
	err := row.Scan(&rec.ID, &rec.UserID, &reason, &banType, &rec.StartedAt, &rec.ExpiresAt, &rec.Details)
	if err != nil {
		return nil, err
	}
	rec.Reason = BanReason(reason)
	rec.Type = BanType(banType)
	return &rec, nil
}

func collectBans(rows pgx.Rows) ([]BanRecord, error) {
	var out []BanRecord
	for rows.Next() {
		rec, err := scanBan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// pgInvalid standardizes invalid input errors.
func pgInvalid(op, msg string) error {
	return OpError{Op: op, Kind: ErrInvalidInput, Msg: msg}
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

	c := strings.ToLower(strings.TrimSpace(pgErr.ConstraintName))
	switch {
	case strings.Contains(c, "quota"):
		return "user_id", true
	case strings.Contains(c, "ban"):
		return "id", true
	default:
		return "unique", true
	}
}
