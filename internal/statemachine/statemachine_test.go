package statemachine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/BoltzExchange/hold/internal/eventbus"
	"github.com/BoltzExchange/hold/internal/holddb"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/stretchr/testify/require"
)

func newTestMachine(t *testing.T) (*StateMachine, *holddb.Repo, *eventbus.Bus) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "statemachine-test.db")
	store, err := holddb.NewSqliteStore(&holddb.SqliteConfig{DatabaseFileName: dbPath})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	repo := holddb.NewRepo(store.BaseDB)
	bus := eventbus.New()
	testClock := clock.NewTestClock(time.Unix(1_700_000_000, 0))

	return New(repo, bus, testClock), repo, bus
}

func testHash(b byte) lntypes.Hash {
	var h lntypes.Hash
	h[31] = b
	return h
}

func TestApplyInvoiceTransitionHappyPath(t *testing.T) {
	m, repo, bus := newTestMachine(t)
	ctx := context.Background()
	hash := testHash(1)

	id, err := repo.InsertInvoice(ctx, hash, "lnbc1...", 1000, 10, time.Now())
	require.NoError(t, err)

	sub := bus.Subscribe(hash)
	defer sub.Cancel()

	require.NoError(t, m.ApplyInvoiceTransition(
		ctx, id, holddb.InvoiceStateAccepted, nil,
	))

	e := <-sub.Events
	require.Equal(t, "ACCEPTED", e.State)

	preimage := lntypes.Preimage{0xaa}
	require.NoError(t, m.ApplyInvoiceTransition(
		ctx, id, holddb.InvoiceStatePaid, &preimage,
	))

	e = <-sub.Events
	require.Equal(t, "PAID", e.State)

	inv, err := repo.GetInvoiceByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, preimage, *inv.Preimage)
	require.NotNil(t, inv.SettledAt)
}

func TestApplyInvoiceTransitionIllegal(t *testing.T) {
	m, repo, _ := newTestMachine(t)
	ctx := context.Background()
	hash := testHash(2)

	id, err := repo.InsertInvoice(ctx, hash, "lnbc1...", 1000, 10, time.Now())
	require.NoError(t, err)

	// Unpaid -> Paid skips the required Accepted step.
	err = m.ApplyInvoiceTransition(ctx, id, holddb.InvoiceStatePaid, nil)
	require.ErrorIs(t, err, ErrIllegalTransition)
}

func TestApplyInvoiceTransitionDuplicateTerminalIsNoop(t *testing.T) {
	m, repo, _ := newTestMachine(t)
	ctx := context.Background()
	hash := testHash(3)

	id, err := repo.InsertInvoice(ctx, hash, "lnbc1...", 1000, 10, time.Now())
	require.NoError(t, err)

	require.NoError(t, m.ApplyInvoiceTransition(
		ctx, id, holddb.InvoiceStateCancelled, nil,
	))

	// Requesting Cancelled again must be a silent no-op, not an error.
	require.NoError(t, m.ApplyInvoiceTransition(
		ctx, id, holddb.InvoiceStateCancelled, nil,
	))
}

func TestApplyHTLCTransitionHappyPath(t *testing.T) {
	m, repo, bus := newTestMachine(t)
	ctx := context.Background()
	hash := testHash(4)

	invID, err := repo.InsertInvoice(ctx, hash, "lnbc1...", 1000, 10, time.Now())
	require.NoError(t, err)

	htlcID, err := repo.InsertHTLC(ctx, invID, 1, 42, 7, 1000, 500, time.Now())
	require.NoError(t, err)

	sub := bus.Subscribe(hash)
	defer sub.Cancel()

	require.NoError(t, m.ApplyHTLCTransition(
		ctx, htlcID, hash, invID, holddb.HtlcStateSettled,
	))

	e := <-sub.Events
	require.True(t, e.IsHTLCEvent)
	require.Equal(t, "SETTLED", e.State)
}

func TestApplyHTLCTransitionIllegal(t *testing.T) {
	m, repo, _ := newTestMachine(t)
	ctx := context.Background()
	hash := testHash(5)

	invID, err := repo.InsertInvoice(ctx, hash, "lnbc1...", 1000, 10, time.Now())
	require.NoError(t, err)

	htlcID, err := repo.InsertHTLC(ctx, invID, 1, 42, 8, 1000, 500, time.Now())
	require.NoError(t, err)

	require.NoError(t, m.ApplyHTLCTransition(
		ctx, htlcID, hash, invID, holddb.HtlcStateSettled,
	))

	// Settled is terminal: a second transition request is illegal.
	err = m.ApplyHTLCTransition(ctx, htlcID, hash, invID, holddb.HtlcStateCancelled)
	require.ErrorIs(t, err, ErrIllegalTransition)
}
