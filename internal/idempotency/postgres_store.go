package idempotency

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresStore keeps keys in the idempotency_keys table.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresStore creates a store over db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// An expired row (finished or abandoned) is taken over in place.
const reserveSQL = `INSERT INTO idempotency_keys (key, fingerprint, state, created_at, updated_at, expires_at)
	VALUES ($1, $2, 'in_progress', $3, $3, $4)
	ON CONFLICT (key) DO UPDATE SET
		fingerprint = EXCLUDED.fingerprint,
		state = 'in_progress',
		result = NULL,
		created_at = EXCLUDED.created_at,
		updated_at = EXCLUDED.updated_at,
		expires_at = EXCLUDED.expires_at
	WHERE idempotency_keys.expires_at <= $3
	RETURNING key`

func (s *PostgresStore) Reserve(ctx context.Context, key, fingerprint string, lockTTL time.Duration) (*Record, bool, error) {
	now := s.now().UTC()
	var got string
	err := s.db.QueryRowContext(ctx, reserveSQL, key, fingerprint, now, now.Add(lockTTL)).Scan(&got)
	if err == nil {
		return nil, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("reserve idempotency key: %w", err)
	}
	rec, err := s.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return rec, false, nil
}

func (s *PostgresStore) Complete(ctx context.Context, key string, result json.RawMessage, ttl time.Duration) error {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE idempotency_keys SET state = 'completed', result = $2, updated_at = $3, expires_at = $4
		 WHERE key = $1 AND state = 'in_progress'`,
		key, []byte(result), now, now.Add(ttl))
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Release(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE key = $1 AND state = 'in_progress'`, key)
	if err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	var (
		rec    Record
		state  string
		result []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT key, fingerprint, state, result, created_at, updated_at, expires_at
		 FROM idempotency_keys WHERE key = $1 AND expires_at > $2`,
		key, s.now().UTC(),
	).Scan(&rec.Key, &rec.Fingerprint, &state, &result, &rec.CreatedAt, &rec.UpdatedAt, &rec.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency key: %w", err)
	}
	rec.State = State(state)
	if len(result) > 0 {
		rec.Result = json.RawMessage(result)
	}
	return &rec, nil
}

// PurgeExpired deletes rows past their expiry and returns how many went.
func (s *PostgresStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= $1`, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", err)
	}
	return res.RowsAffected()
}
