package holddb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) *Repo {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "hold-test.db")
	store, err := NewSqliteStore(&SqliteConfig{DatabaseFileName: dbPath})
	require.NoError(t, err)

	t.Cleanup(func() { store.Close() })

	return NewRepo(store.BaseDB)
}

func testHash(b byte) lntypes.Hash {
	var h lntypes.Hash
	h[31] = b
	return h
}

func TestInsertAndGetInvoice(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	hash := testHash(1)
	id, err := repo.InsertInvoice(ctx, hash, "lnbc1...", 10_000, 10, now)
	require.NoError(t, err)
	require.NotZero(t, id)

	inv, err := repo.GetInvoiceByHash(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, hash, inv.PaymentHash)
	require.Equal(t, InvoiceStateUnpaid, inv.State)
	require.Equal(t, lnwire.MilliSatoshi(10_000), inv.AmountMsat)
	require.Nil(t, inv.Preimage)
	require.Nil(t, inv.SettledAt)
}

func TestInsertInvoiceDuplicateHash(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	hash := testHash(2)
	_, err := repo.InsertInvoice(ctx, hash, "lnbc1...", 1000, 10, now)
	require.NoError(t, err)

	_, err = repo.InsertInvoice(ctx, hash, "lnbc2...", 2000, 10, now)
	require.ErrorIs(t, err, ErrDuplicatePaymentHash)
}

func TestGetInvoiceNotFound(t *testing.T) {
	repo := newTestRepo(t)

	_, err := repo.GetInvoiceByHash(context.Background(), testHash(3))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSetInvoiceStateConditional(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	hash := testHash(4)
	id, err := repo.InsertInvoice(ctx, hash, "lnbc1...", 1000, 10, now)
	require.NoError(t, err)

	// Moving from Unpaid to Accepted should match.
	ok, err := repo.SetInvoiceState(
		ctx, id, InvoiceStateUnpaid, InvoiceStateAccepted, nil, nil,
	)
	require.NoError(t, err)
	require.True(t, ok)

	// Trying the same conditional update again (as if a concurrent
	// writer already won the race and moved it onward) should report a
	// lost race rather than an error.
	ok, err = repo.SetInvoiceState(
		ctx, id, InvoiceStateUnpaid, InvoiceStateAccepted, nil, nil,
	)
	require.NoError(t, err)
	require.False(t, ok)

	// Settling stores the preimage and settled_at together.
	preimage := lntypes.Preimage{0xaa}
	settledAt := now.Add(time.Minute)
	ok, err = repo.SetInvoiceState(
		ctx, id, InvoiceStateAccepted, InvoiceStatePaid, &preimage,
		&settledAt,
	)
	require.NoError(t, err)
	require.True(t, ok)

	inv, err := repo.GetInvoiceByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, InvoiceStatePaid, inv.State)
	require.NotNil(t, inv.Preimage)
	require.Equal(t, preimage, *inv.Preimage)
	require.NotNil(t, inv.SettledAt)
}

func TestHTLCDuplicateGuard(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	hash := testHash(5)
	invID, err := repo.InsertInvoice(ctx, hash, "lnbc1...", 1000, 10, now)
	require.NoError(t, err)

	htlcID, err := repo.InsertHTLC(ctx, invID, 1, 42, 7, 1000, 500, now)
	require.NoError(t, err)
	require.NotZero(t, htlcID)

	// Same (channel_id, htlc_index) pair must be rejected.
	_, err = repo.InsertHTLC(ctx, invID, 1, 42, 7, 1000, 500, now)
	require.Error(t, err)

	existing, err := repo.GetHTLCByChannelAndIndex(ctx, 42, 7)
	require.NoError(t, err)
	require.Equal(t, htlcID, existing.ID)
}

func TestDeleteCancelledOlderThan(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	hash := testHash(6)
	id, err := repo.InsertInvoice(ctx, hash, "lnbc1...", 1000, 10, now)
	require.NoError(t, err)

	old := now.Add(-48 * time.Hour)
	ok, err := repo.SetInvoiceState(
		ctx, id, InvoiceStateUnpaid, InvoiceStateCancelled, nil, &old,
	)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := repo.DeleteCancelledOlderThan(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	_, err = repo.GetInvoiceByID(ctx, id)
	require.ErrorIs(t, err, ErrNotFound)
}
