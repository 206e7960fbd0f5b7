// Package idempotency makes a transfer intent execute at most once.
//
// A caller names an intent with a key. The Guard reserves the key before the
// ledger is called, stores the result once the call succeeds, and replays that
// result for any later request with the same key. A different payload under a
// used key is rejected, as is a second request while the first is in flight.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mbd888/giftescrow/internal/failure"
	"github.com/mbd888/giftescrow/internal/metrics"
	"github.com/mbd888/giftescrow/internal/syncutil"
)

// State of a stored key.
type State string

const (
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
)

// ErrNotFound is returned by Store.Get for unknown or expired keys.
var ErrNotFound = errors.New("idempotency: key not found")

const (
	// DefaultTTL is how long a completed result is replayable.
	DefaultTTL = 24 * time.Hour
	// DefaultLockTTL bounds how long an in-progress reservation survives a
	// crashed holder. It must exceed the per-transfer timeout.
	DefaultLockTTL = 2 * time.Minute
)

// Record is one stored key.
type Record struct {
	Key         string          `json:"key"`
	Fingerprint string          `json:"fingerprint"`
	State       State           `json:"state"`
	Result      json.RawMessage `json:"result,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// Store persists keys.
type Store interface {
	// Reserve creates an in-progress record for key unless a live record
	// exists. When it does not reserve, it returns the existing record.
	Reserve(ctx context.Context, key, fingerprint string, lockTTL time.Duration) (existing *Record, reserved bool, err error)
	// Complete stores the result and keeps the record for ttl.
	Complete(ctx context.Context, key string, result json.RawMessage, ttl time.Duration) error
	// Release drops an in-progress reservation so the key can be retried.
	Release(ctx context.Context, key string) error
	Get(ctx context.Context, key string) (*Record, error)
}

// NewKey returns a fresh key for one user intent.
func NewKey() string {
	return uuid.NewString()
}

// ValidKey reports whether a client-supplied key is usable.
func ValidKey(key string) bool {
	return len(key) >= 8 && len(key) <= 128 && strings.TrimSpace(key) == key
}

// Scoped qualifies a client key with its owner so two users who pick the
// same key never share a record.
func Scoped(owner, key string) string {
	return owner + ":" + key
}

// Fingerprint hashes the logical request so key reuse with a different
// payload can be detected.
func Fingerprint(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0x1f})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Guard runs functions at most once per key.
type Guard struct {
	store   Store
	locks   *syncutil.KeyLock
	ttl     time.Duration
	lockTTL time.Duration
	logger  *slog.Logger
}

// NewGuard creates a guard over store. A non-positive ttl uses DefaultTTL.
func NewGuard(store Store, ttl time.Duration, logger *slog.Logger) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		store:   store,
		locks:   syncutil.NewKeyLock(),
		ttl:     ttl,
		lockTTL: DefaultLockTTL,
		logger:  logger,
	}
}

// WithLockTTL overrides how long an in-progress reservation lives.
func (g *Guard) WithLockTTL(d time.Duration) *Guard {
	if d > 0 {
		g.lockTTL = d
	}
	return g
}

// Run executes fn once for key. It returns the stored result and
// replayed=true when the key already completed with the same fingerprint.
func (g *Guard) Run(ctx context.Context, key, fingerprint string, fn func(ctx context.Context) (json.RawMessage, error)) (json.RawMessage, bool, error) {
	if key == "" {
		return nil, false, failure.Validation("An idempotency key is required.")
	}

	unlock, err := g.locks.Lock(ctx, key)
	if err != nil {
		return nil, false, failure.IdempotencyConflict(key)
	}
	defer unlock()

	existing, reserved, err := g.store.Reserve(ctx, key, fingerprint, g.lockTTL)
	if err != nil {
		return nil, false, failure.New(failure.KindInternal, failure.GenericMessage, fmt.Errorf("reserve idempotency key: %w", err))
	}
	if !reserved {
		return g.existing(key, fingerprint, existing)
	}

	result, err := fn(ctx)
	if err != nil {
		// Use a fresh context: the caller's may already be done.
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if relErr := g.store.Release(relCtx, key); relErr != nil {
			g.logger.Warn("failed to release idempotency key", "key", key, "error", relErr)
		}
		return nil, false, err
	}

	compCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := g.store.Complete(compCtx, key, result, g.ttl); err != nil {
		// The ledger already moved funds; the ledger's own key dedup covers
		// a retry even though the replay record is missing.
		g.logger.Warn("failed to store idempotent result", "key", key, "error", err)
	}
	return result, false, nil
}

func (g *Guard) existing(key, fingerprint string, rec *Record) (json.RawMessage, bool, error) {
	if rec == nil {
		return nil, false, failure.IdempotencyConflict(key)
	}
	if rec.Fingerprint != fingerprint {
		return nil, false, failure.Validation("This idempotency key was already used for a different gift.")
	}
	if rec.State == StateCompleted {
		metrics.IdempotentReplaysTotal.Inc()
		return rec.Result, true, nil
	}
	return nil, false, failure.IdempotencyConflict(key)
}

// Do is Run for a typed result encoded as JSON.
func Do[T any](ctx context.Context, g *Guard, key, fingerprint string, fn func(ctx context.Context) (T, error)) (T, bool, error) {
	var zero T
	raw, replayed, err := g.Run(ctx, key, fingerprint, func(ctx context.Context) (json.RawMessage, error) {
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})
	if err != nil {
		return zero, false, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, false, failure.New(failure.KindInternal, failure.GenericMessage, fmt.Errorf("decode idempotent result: %w", err))
	}
	return out, replayed, nil
}
