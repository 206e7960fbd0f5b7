package balancecache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// LogRetention is how long logged invalidations are kept for replay.
const LogRetention = 24 * time.Hour

// PostgresBus records invalidations in cache_invalidation_log and announces
// them with NOTIFY. Listeners that lose their connection replay the log from
// the last id they saw.
type PostgresBus struct {
	db      *sql.DB
	connStr string
	channel string
	logger  *slog.Logger
}

// NewPostgresBus creates a bus. connStr is used for the dedicated LISTEN connection.
func NewPostgresBus(db *sql.DB, connStr string, logger *slog.Logger) *PostgresBus {
	return &PostgresBus{db: db, connStr: connStr, channel: DefaultChannel, logger: logger}
}

func (b *PostgresBus) Publish(ctx context.Context, inv Invalidation) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.QueryRowContext(ctx,
		`INSERT INTO cache_invalidation_log (user_id, prefixes, origin, created_at)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		inv.UserID, pq.Array(inv.Prefixes), inv.Origin, inv.At.UTC(),
	).Scan(&inv.Seq); err != nil {
		return fmt.Errorf("insert invalidation: %w", err)
	}

	payload, err := json.Marshal(inv)
	if err != nil {
		return err
	}
	// NOTIFY is delivered on commit.
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, b.channel, string(payload)); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return tx.Commit()
}

func (b *PostgresBus) Subscribe(ctx context.Context, h Handler) error {
	listener := pq.NewListener(b.connStr, 10*time.Second, time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				b.logger.Warn("invalidation listener event", "event", ev, "error", err)
			}
		})
	defer func() { _ = listener.Close() }()

	if err := listener.Listen(b.channel); err != nil {
		return fmt.Errorf("listen %s: %w", b.channel, err)
	}

	lastSeq, err := b.latestSeq(ctx)
	if err != nil {
		return err
	}

	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-listener.Notify:
			if n == nil {
				// Reconnected: notifications sent while down are lost.
				lastSeq = b.replay(ctx, lastSeq, h)
				continue
			}
			var inv Invalidation
			if err := json.Unmarshal([]byte(n.Extra), &inv); err != nil {
				b.logger.Warn("dropping malformed invalidation", "error", err)
				continue
			}
			if inv.Seq > lastSeq {
				lastSeq = inv.Seq
			}
			h(inv)
		case <-ping.C:
			go func() { _ = listener.Ping() }()
		}
	}
}

func (b *PostgresBus) latestSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := b.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM cache_invalidation_log`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("latest invalidation: %w", err)
	}
	return seq, nil
}

// replay delivers logged invalidations after seq and returns the new high mark.
func (b *PostgresBus) replay(ctx context.Context, seq int64, h Handler) int64 {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, user_id, prefixes, origin, created_at FROM cache_invalidation_log
		 WHERE id > $1 ORDER BY id LIMIT 10000`, seq)
	if err != nil {
		b.logger.Warn("invalidation replay failed", "after", seq, "error", err)
		return seq
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var inv Invalidation
		if err := rows.Scan(&inv.Seq, &inv.UserID, pq.Array(&inv.Prefixes), &inv.Origin, &inv.At); err != nil {
			b.logger.Warn("invalidation replay scan failed", "error", err)
			return seq
		}
		seq = inv.Seq
		h(inv)
	}
	return seq
}

// PurgeBefore deletes log rows older than cutoff.
func (b *PostgresBus) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM cache_invalidation_log WHERE created_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge invalidation log: %w", err)
	}
	return res.RowsAffected()
}

// PurgeExpired deletes log rows older than LogRetention.
func (b *PostgresBus) PurgeExpired(ctx context.Context) (int64, error) {
	return b.PurgeBefore(ctx, time.Now().Add(-LogRetention))
}

// Close is a no-op; the pool is owned by the caller.
func (b *PostgresBus) Close() error { return nil }
