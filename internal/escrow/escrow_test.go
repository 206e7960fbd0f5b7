package escrow

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/giftescrow/internal/failure"
	"github.com/mbd888/giftescrow/internal/ledgerrpc"
	"github.com/mbd888/giftescrow/internal/retry"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingInvalidator struct {
	mu    sync.Mutex
	users []string
}

func (r *recordingInvalidator) InvalidateAll(_ context.Context, ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append(r.users, ids...)
}

func (r *recordingInvalidator) invalidated() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]string(nil), r.users...)
	sort.Strings(out)
	return out
}

func noSleep(context.Context, time.Duration) error { return nil }

func setup(t *testing.T) (*Service, *ledgerrpc.MemoryLedger, *recordingInvalidator) {
	t.Helper()
	ledger := ledgerrpc.NewMemoryLedger("USD")
	ledger.Fund("alice", decimal.NewFromInt(500))
	inv := &recordingInvalidator{}
	svc := NewService(ledger, retry.Policy{MaxRetries: 3, BaseDelay: time.Second}).
		WithInvalidator(inv).
		WithRetryOptions(retry.WithSleep(noSleep))
	return svc, ledger, inv
}

func hold(t *testing.T, ledger *ledgerrpc.MemoryLedger, amount int64) string {
	t.Helper()
	res, err := ledger.CreateEscrowTransaction(context.Background(), ledgerrpc.CreateEscrowParams{
		SenderID: "alice", RecipientID: "bob", Amount: decimal.NewFromInt(amount),
		Currency: "USD", ReleaseCondition: ledgerrpc.ReleaseConditionProofVerified,
	})
	require.NoError(t, err)
	return res.EscrowID
}

func TestRelease_InvalidatesBothParties(t *testing.T) {
	svc, ledger, inv := setup(t)
	id := hold(t, ledger, 150)

	require.NoError(t, svc.Release(context.Background(), id, "alice"))

	rec, _ := ledger.Escrow(id)
	assert.Equal(t, string(StatusReleased), rec.Status)
	assert.Equal(t, []string{"alice", "bob"}, inv.invalidated())

	bob, _ := ledger.GetBalance(context.Background(), "bob")
	assert.Equal(t, "150", bob.Available.String())
}

func TestResolve_NotifiesOnlyOnSuccess(t *testing.T) {
	svc, ledger, _ := setup(t)
	type note struct {
		id      string
		status  Status
		parties []string
	}
	var got []note
	svc.OnResolved(func(id string, status Status, parties []string) {
		got = append(got, note{id, status, parties})
	})

	refunded := hold(t, ledger, 100)
	require.NoError(t, svc.Refund(context.Background(), refunded, "changed mind", "alice"))

	terminal := hold(t, ledger, 50)
	ledger.SetEscrowStatus(terminal, string(StatusExpired))
	require.Error(t, svc.Release(context.Background(), terminal, "alice"))

	require.Len(t, got, 1)
	assert.Equal(t, note{refunded, StatusRefunded, []string{"alice", "bob"}}, got[0])
}

func TestRefund_TerminalEscrowNotModifiable(t *testing.T) {
	svc, ledger, inv := setup(t)
	id := hold(t, ledger, 150)
	ledger.SetEscrowStatus(id, string(StatusExpired))

	err := svc.Refund(context.Background(), id, "changed mind", "alice")
	assert.True(t, failure.IsKind(err, failure.KindEscrowNotModifiable))
	assert.Equal(t, 1, ledger.Calls(ledgerrpc.RPCRefundEscrow), "permanent rejection must not be retried")
	assert.Empty(t, inv.invalidated())
}

func TestRelease_RetriesTransientFailures(t *testing.T) {
	svc, ledger, _ := setup(t)
	id := hold(t, ledger, 150)
	ledger.FailNext(ledgerrpc.RPCReleaseEscrow,
		failure.Transient(errors.New("reset")), failure.Transient(errors.New("reset")))

	require.NoError(t, svc.Release(context.Background(), id, "alice"))
	assert.Equal(t, 3, ledger.Calls(ledgerrpc.RPCReleaseEscrow))
}

// lostResponseLedger applies a release but reports a transient failure, as if
// the response was lost on the way back.
type lostResponseLedger struct {
	*ledgerrpc.MemoryLedger
	once sync.Once
}

func (l *lostResponseLedger) ReleaseEscrow(ctx context.Context, id string) error {
	err := l.MemoryLedger.ReleaseEscrow(ctx, id)
	lost := false
	l.once.Do(func() { lost = true })
	if lost && err == nil {
		return failure.Transient(errors.New("connection reset after commit"))
	}
	return err
}

func TestRelease_LostResponseIsConfirmed(t *testing.T) {
	mem := ledgerrpc.NewMemoryLedger("USD")
	mem.Fund("alice", decimal.NewFromInt(500))
	ledger := &lostResponseLedger{MemoryLedger: mem}
	svc := NewService(ledger, retry.Policy{MaxRetries: 3, BaseDelay: time.Second}).
		WithRetryOptions(retry.WithSleep(noSleep))
	id := hold(t, mem, 150)

	assert.NoError(t, svc.Release(context.Background(), id, "alice"))
}

func TestResolve_OutsiderSeesNotFound(t *testing.T) {
	svc, ledger, inv := setup(t)
	id := hold(t, ledger, 150)

	for name, resolve := range map[string]func() error{
		"release":         func() error { return svc.Release(context.Background(), id, "mallory") },
		"refund":          func() error { return svc.Refund(context.Background(), id, "", "mallory") },
		"unknown release": func() error { return svc.Release(context.Background(), "esc_missing", "alice") },
	} {
		err := resolve()
		assert.True(t, failure.IsKind(err, failure.KindNotFound), name)
	}

	rec, _ := ledger.Escrow(id)
	assert.Equal(t, string(StatusPending), rec.Status)
	assert.Zero(t, ledger.Calls(ledgerrpc.RPCReleaseEscrow))
	assert.Zero(t, ledger.Calls(ledgerrpc.RPCRefundEscrow))
	assert.Empty(t, inv.invalidated())
}

func TestRelease_RecipientIsForbidden(t *testing.T) {
	svc, ledger, inv := setup(t)
	id := hold(t, ledger, 150)

	err := svc.Release(context.Background(), id, "bob")
	assert.True(t, failure.IsKind(err, failure.KindForbidden))
	assert.Zero(t, ledger.Calls(ledgerrpc.RPCReleaseEscrow))
	assert.Empty(t, inv.invalidated())

	// Declining is the recipient's way out.
	require.NoError(t, svc.Refund(context.Background(), id, "not for me", "bob"))
	rec, _ := ledger.Escrow(id)
	assert.Equal(t, string(StatusRefunded), rec.Status)
	assert.Equal(t, []string{"alice", "bob"}, inv.invalidated())
}

func TestListOpen_ReadsEveryPage(t *testing.T) {
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	svc, ledger, inv := setup(t)
	ledger.WithClock(func() time.Time { return now })

	res, err := ledger.CreateEscrowTransaction(context.Background(), ledgerrpc.CreateEscrowParams{
		SenderID: "alice", RecipientID: "carol", Amount: decimal.NewFromInt(1),
		Currency: "USD", ReleaseCondition: ledgerrpc.ReleaseConditionProofVerified,
	})
	require.NoError(t, err)
	oldest := res.EscrowID
	for range ledgerrpc.DefaultListLimit {
		now = now.Add(time.Second)
		hold(t, ledger, 1)
	}

	open, err := svc.ListOpen(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, open, ledgerrpc.DefaultListLimit+1)
	assert.Equal(t, oldest, open[len(open)-1].ID)
	assert.Equal(t, 2, ledger.Calls(ledgerrpc.RPCListEscrows))

	require.NoError(t, svc.Release(context.Background(), oldest, "alice"))
	assert.Equal(t, []string{"alice", "carol"}, inv.invalidated())
}

func TestResolve_RequiresSession(t *testing.T) {
	svc, _, _ := setup(t)
	err := svc.Release(context.Background(), "esc_1", "")
	assert.True(t, failure.IsKind(err, failure.KindUnauthenticated))
}

func TestListOpen_PendingOnlyNewestFirst(t *testing.T) {
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	svc, ledger, _ := setup(t)
	ledger.WithClock(func() time.Time { return now })

	first := hold(t, ledger, 100)
	now = now.Add(time.Minute)
	second := hold(t, ledger, 120)
	now = now.Add(time.Minute)
	released := hold(t, ledger, 130)
	require.NoError(t, ledger.ReleaseEscrow(context.Background(), released))

	for _, user := range []string{"alice", "bob"} {
		open, err := svc.ListOpen(context.Background(), user)
		require.NoError(t, err)
		require.Len(t, open, 2)
		assert.Equal(t, second, open[0].ID)
		assert.Equal(t, first, open[1].ID)
		assert.True(t, open[0].IsModifiable())
	}

	open, err := svc.ListOpen(context.Background(), "carol")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestGet(t *testing.T) {
	svc, ledger, _ := setup(t)
	id := hold(t, ledger, 150)

	txn, err := svc.Get(context.Background(), id, "bob")
	require.NoError(t, err)
	assert.Equal(t, "alice", txn.SenderID)
	assert.True(t, txn.Involves("bob"))

	_, err = svc.Get(context.Background(), id, "carol")
	assert.True(t, failure.IsKind(err, failure.KindNotFound))
}
