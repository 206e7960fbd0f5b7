package balancecache

import (
	"context"
	"testing"
	"time"

	"github.com/mbd888/giftescrow/internal/logging"
	"github.com/mbd888/giftescrow/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisStoreAndBus(t *testing.T) {
	client := testutil.RedisTest(t)
	ctx := context.Background()

	store := NewRedisStore(client)
	c := New(store, time.Minute, logging.Discard())
	seed(t, c, "alice")

	_, err := store.Get(ctx, Key(PrefixWallet, "alice"))
	require.NoError(t, err)

	bus := NewRedisBus(client, "", logging.Discard())
	got := make(chan Invalidation, 1)
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = bus.Subscribe(subCtx, func(inv Invalidation) { got <- inv }) }()

	// PUBLISH before SUBSCRIBE completes is dropped; keep publishing until seen.
	require.Eventually(t, func() bool {
		_ = bus.Publish(ctx, Invalidation{UserID: "alice", Origin: "node-a"})
		select {
		case inv := <-got:
			return inv.UserID == "alice"
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Evict(ctx, "alice"))
	_, err = store.Get(ctx, Key(PrefixWallet, "alice"))
	assert.ErrorIs(t, err, ErrMiss)
}

func TestPostgresBus_RoundTrip(t *testing.T) {
	db := testutil.PGTest(t)
	ctx := context.Background()

	bus := NewPostgresBus(db, "", logging.Discard())
	require.NoError(t, bus.Publish(ctx, Invalidation{UserID: "alice", Prefixes: []string{"wallet"}, Origin: "node-a", At: time.Now()}))

	var got []Invalidation
	last := bus.replay(ctx, 0, func(inv Invalidation) { got = append(got, inv) })
	require.Len(t, got, 1)
	assert.Equal(t, "alice", got[0].UserID)
	assert.Positive(t, last)
}
