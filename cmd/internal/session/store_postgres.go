package session

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the durable side of the hybrid store.
//
// Design notes:
// - The pgx pool is owned by the caller; this store must NOT close it.
// - Participants map to TEXT[], history and metadata to JSONB.
// - Save is a full-row upsert so hybrid writes stay idempotent.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema used by the session store (default "robot").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("session: empty schema")
		}
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("session: invalid schema identifier")
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
		return nil, fmt.Errorf("session: nil pool")
	}
	return st, nil
}

const sessionColumns = `context_id, ctx_type, name, creator_id, participants, messages,
	max_messages, status, metadata, created_at, updated_at, expires_at`

// Get fetches a session row by id, soft-deleted rows included.
func (s *PostgresStore) Get(ctx context.Context, id string) (Session, error) {
	const op = "session.Get"

	if s == nil || s.pool == nil {
		return Session{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return Session{}, pgInvalid(op, "missing context_id")
	}

	contexts := pgIdent(s.schema, "contexts")

	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM `+contexts+` WHERE context_id = $1`, id)
	out, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, NotFoundError{Op: op, Resource: "session " + id}
		}
		return Session{}, err
	}
	return out, nil
}

// Save inserts or fully replaces the session row.
func (s *PostgresStore) Save(ctx context.Context, sess Session) error {
	const op = "session.Save"

	if s == nil || s.pool == nil {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}
	if strings.TrimSpace(sess.ID) == "" {
		return pgInvalid(op, "missing context_id")
	}
	if sess.MaxMessages <= 0 {
		sess.MaxMessages = DefaultMaxMessages
	}

	contexts := pgIdent(s.schema, "contexts")

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+contexts+` (`+sessionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (context_id) DO UPDATE SET
		   ctx_type = EXCLUDED.ctx_type,
		   name = EXCLUDED.name,
		   creator_id = EXCLUDED.creator_id,
		   participants = EXCLUDED.participants,
		   messages = EXCLUDED.messages,
		   max_messages = EXCLUDED.max_messages,
		   status = EXCLUDED.status,
		   metadata = EXCLUDED.metadata,
		   updated_at = EXCLUDED.updated_at,
		   expires_at = EXCLUDED.expires_at`,
		sess.ID,
		string(sess.Type),
		sess.Name,
		sess.CreatorID,
		participantsArg(sess.Participants),
		messagesArg(sess.Messages),
		sess.MaxMessages,
		string(sess.Status),
		metadataArg(sess.Metadata),
		sess.CreatedAt,
		sess.UpdatedAt,
		sess.ExpiresAt,
	)
	return err
}

// SoftDelete flips the row to deleted without removing history.
func (s *PostgresStore) SoftDelete(ctx context.Context, id string, now time.Time) error {
	const op = "session.SoftDelete"

	if s == nil || s.pool == nil {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return pgInvalid(op, "missing context_id")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	contexts := pgIdent(s.schema, "contexts")

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+contexts+` SET status = $2, updated_at = $3 WHERE context_id = $1`,
		id, string(StatusDeleted), now,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return NotFoundError{Op: op, Resource: "session " + id}
	}
	return nil
}

// ListActive returns active sessions, most recently updated first.
func (s *PostgresStore) ListActive(ctx context.Context, userID string) ([]Session, error) {
	const op = "session.ListActive"

	if s == nil || s.pool == nil {
		return nil, OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}

	contexts := pgIdent(s.schema, "contexts")
	userID = strings.TrimSpace(userID)

	var (
		rows pgx.Rows
		err  error
	)
	if userID == "" {
		rows, err = s.pool.Query(ctx,
			`SELECT `+sessionColumns+` FROM `+contexts+`
			  WHERE status = $1
			  ORDER BY updated_at DESC, context_id`,
			string(StatusActive),
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+sessionColumns+` FROM `+contexts+`
			  WHERE status = $1 AND $2 = ANY(participants)
			  ORDER BY updated_at DESC, context_id`,
			string(StatusActive), userID,
		)
	}
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

// ListExpired returns active sessions whose deadline passed as of now.
func (s *PostgresStore) ListExpired(ctx context.Context, now time.Time) ([]Session, error) {
	const op = "session.ListExpired"

	if s == nil || s.pool == nil {
		return nil, OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	contexts := pgIdent(s.schema, "contexts")

	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM `+contexts+`
		  WHERE status = $1 AND expires_at IS NOT NULL AND expires_at <= $2
		  ORDER BY context_id`,
		string(StatusActive), now,
	)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

// ---- helpers ----

func scanSession(row pgx.Row) (Session, error) {
	var (
		out       Session
		ctxType   string
		status    string
		expiresAt *time.Time
	)
	err := row.Scan(
		&out.ID,
		&ctxType,
		&out.Name,
		&out.CreatorID,
		&out.Participants,
		&out.Messages,
		&out.MaxMessages,
		&status,
		&out.Metadata,
		&out.CreatedAt,
		&out.UpdatedAt,
		&expiresAt,
	)
	if err != nil {
		return Session{}, err
	}
	out.Type = Type(ctxType)
	out.Status = Status(status)
	out.ExpiresAt = expiresAt
	return out, nil
}

func collectSessions(rows pgx.Rows) ([]Session, error) {
	defer rows.Close()
	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// participantsArg keeps the TEXT[] column non-null; pgx encodes a nil
// slice as SQL NULL.
func participantsArg(p []string) []string {
	if p == nil {
		return []string{}
	}
	return p
}

// messagesArg keeps the JSONB history an array rather than JSON null.
func messagesArg(m []Message) []Message {
	if m == nil {
		return []Message{}
	}
	return m
}

// metadataArg keeps the JSONB metadata an object rather than JSON null.
func metadataArg(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// pgInvalid standardizes invalid input errors.
func pgInvalid(op, msg string) error {
	return OpError{Op: op, Kind: ErrInvalidInput, Msg: msg}
}

// pgIdent safely quotes a schema-qualified identifier: "schema"."name".
func pgIdent(schema, name string) string {
	return pgx.Identifier{schema, name}.Sanitize()
}
