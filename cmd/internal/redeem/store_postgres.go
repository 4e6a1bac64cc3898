package redeem

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists redeem codes in PostgreSQL.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by the store (default: "robot").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return ErrInvalidInput
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "robot"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, ErrInvalidInput
	}
	return st, nil
}

var _ Store = (*PostgresStore)(nil)

// Create inserts a new code record.
func (s *PostgresStore) Create(ctx context.Context, in CreateRecord) (Code, error) {
	if s == nil || s.pool == nil {
		return Code{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Code{}, err
	}
	if strings.TrimSpace(in.ID) == "" || strings.TrimSpace(in.CodeHash) == "" {
		return Code{}, ErrInvalidInput
	}
	if in.Amount <= 0 || in.MaxUses <= 0 {
		return Code{}, ErrInvalidInput
	}
	if in.Note != nil && len(strings.TrimSpace(*in.Note)) > maxNoteLen {
		return Code{}, ErrInvalidInput
	}
	codes := pgIdent(s.schema, "redeem_codes")

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+codes+` (
		     id, code_hash, amount, created_by, created_at, expires_at, max_uses, used_count, revoked_at, note, consumed_at, consumed_by
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		in.ID,
		in.CodeHash,
		in.Amount,
		in.CreatedBy,
		in.CreatedAt,
		in.ExpiresAt,
		in.MaxUses,
		in.UsedCount,
		in.RevokedAt,
		in.Note,
		in.ConsumedAt,
		in.ConsumedBy,
	)
	if err != nil {
		return Code{}, err
	}

	return Code{
		ID:         in.ID,
		Amount:     in.Amount,
		CreatedBy:  in.CreatedBy,
		CreatedAt:  in.CreatedAt,
		ExpiresAt:  in.ExpiresAt,
		MaxUses:    in.MaxUses,
		UsedCount:  in.UsedCount,
		RevokedAt:  in.RevokedAt,
		Note:       in.Note,
		ConsumedAt: in.ConsumedAt,
		ConsumedBy: in.ConsumedBy,
	}, nil
}

// GetByCodeHash fetches a code by its hash.
func (s *PostgresStore) GetByCodeHash(ctx context.Context, codeHash string) (Code, error) {
	if s == nil || s.pool == nil {
		return Code{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Code{}, err
	}
	codeHash = strings.TrimSpace(codeHash)
	if codeHash == "" {
		return Code{}, ErrInvalidInput
	}

	codes := pgIdent(s.schema, "redeem_codes")
	var out Code
	err := s.pool.QueryRow(ctx,
		`SELECT id, amount, created_by, created_at, expires_at, max_uses, used_count, revoked_at, note, consumed_at, consumed_by
		   FROM `+codes+`
		  WHERE code_hash = $1`,
		codeHash,
	).Scan(
		&out.ID,
		&out.Amount,
		&out.CreatedBy,
		&out.CreatedAt,
		&out.ExpiresAt,
		&out.MaxUses,
		&out.UsedCount,
		&out.RevokedAt,
		&out.Note,
		&out.ConsumedAt,
		&out.ConsumedBy,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Code{}, ErrNotFound
		}
		return Code{}, err
	}
	return out, nil
}

// Consume increments used_count and marks the latest redemption. The
// WHERE clause carries all the activity guards, so a concurrent double
// redeem of a single-use code can only succeed once.
func (s *PostgresStore) Consume(ctx context.Context, in ConsumeRecord) (Code, error) {
	if s == nil || s.pool == nil {
		return Code{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Code{}, err
	}
	if strings.TrimSpace(in.CodeHash) == "" || strings.TrimSpace(in.UserID) == "" {
		return Code{}, ErrInvalidInput
	}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}

	codes := pgIdent(s.schema, "redeem_codes")
	var out Code
	err := s.pool.QueryRow(ctx,
		`UPDATE `+codes+`
		    SET used_count = used_count + 1,
		        consumed_at = $1,
		        consumed_by = $2
		  WHERE code_hash = $3
		    AND revoked_at IS NULL
		    AND expires_at > $1
		    AND used_count < max_uses
		RETURNING id, amount, created_by, created_at, expires_at, max_uses, used_count, revoked_at, note, consumed_at, consumed_by`,
		in.Now,
		in.UserID,
		in.CodeHash,
	).Scan(
		&out.ID,
		&out.Amount,
		&out.CreatedBy,
		&out.CreatedAt,
		&out.ExpiresAt,
		&out.MaxUses,
		&out.UsedCount,
		&out.RevokedAt,
		&out.Note,
		&out.ConsumedAt,
		&out.ConsumedBy,
	)
	if err == nil {
		return out, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Code{}, err
	}

	// Distinguish not-found vs not-active.
	_, selErr := s.GetByCodeHash(ctx, in.CodeHash)
	if selErr != nil {
		if errors.Is(selErr, ErrNotFound) {
			return Code{}, ErrNotFound
		}
		return Code{}, selErr
	}
	return Code{}, ErrNotActive
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
