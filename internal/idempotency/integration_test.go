package idempotency

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mbd888/giftescrow/internal/failure"
	"github.com/mbd888/giftescrow/internal/logging"
	"github.com/mbd888/giftescrow/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseStore runs the guard contract against a real backend.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	g := NewGuard(store, time.Hour, logging.Discard())
	calls := 0

	fn := func(context.Context) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"escrow_id":"esc_1"}`), nil
	}

	_, replayed, err := g.Run(ctx, "int-key-0001", "fp", fn)
	require.NoError(t, err)
	assert.False(t, replayed)

	got, replayed, err := g.Run(ctx, "int-key-0001", "fp", fn)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.JSONEq(t, `{"escrow_id":"esc_1"}`, string(got))
	assert.Equal(t, 1, calls)

	_, _, err = g.Run(ctx, "int-key-0001", "other", fn)
	assert.True(t, failure.IsKind(err, failure.KindValidation))

	_, reserved, err := store.Reserve(ctx, "int-key-0002", "fp", time.Minute)
	require.NoError(t, err)
	require.True(t, reserved)
	_, _, err = g.Run(ctx, "int-key-0002", "fp", fn)
	assert.True(t, failure.IsKind(err, failure.KindIdempotencyConflict))

	require.NoError(t, store.Release(ctx, "int-key-0002"))
	_, err = store.Get(ctx, "int-key-0002")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_Integration(t *testing.T) {
	client := testutil.RedisTest(t)
	exerciseStore(t, NewRedisStore(client))
}

func TestPostgresStore_Integration(t *testing.T) {
	db := testutil.PGTest(t)
	exerciseStore(t, NewPostgresStore(db))
}
