package htlc

import (
	"context"
	"crypto/sha256"
	"path/filepath"
	"testing"
	"time"

	"github.com/BoltzExchange/hold/internal/blockheight"
	"github.com/BoltzExchange/hold/internal/eventbus"
	"github.com/BoltzExchange/hold/internal/holddb"
	"github.com/BoltzExchange/hold/internal/settler"
	"github.com/BoltzExchange/hold/internal/statemachine"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/stretchr/testify/require"
)

type testHarness struct {
	repo    *holddb.Repo
	sm      *statemachine.StateMachine
	bus     *eventbus.Bus
	settler *settler.Settler
	heights *blockheight.Tracker
	clock   *clock.TestClock
	handler *Handler
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "htlc-test.db")
	store, err := holddb.NewSqliteStore(&holddb.SqliteConfig{DatabaseFileName: dbPath})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	repo := holddb.NewRepo(store.BaseDB)
	bus := eventbus.New()
	testClock := clock.NewTestClock(time.Unix(1_700_000_000, 0))
	sm := statemachine.New(repo, bus, testClock)
	st := settler.New()
	heights := blockheight.New()

	h := New(repo, sm, bus, st, heights, testClock, Config{
		MPPTimeout:       60 * time.Second,
		CLTVSafetyBlocks: 14,
	})

	return &testHarness{
		repo: repo, sm: sm, bus: bus, settler: st, heights: heights,
		clock: testClock, handler: h,
	}
}

func testPreimage(b byte) lntypes.Preimage {
	var p lntypes.Preimage
	p[31] = b
	return p
}

func collectStates(t *testing.T, sub *eventbus.Subscription, n int) []string {
	t.Helper()

	var out []string
	for i := 0; i < n; i++ {
		select {
		case e := <-sub.Events:
			out = append(out, e.State)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d/%d", i+1, n)
		}
	}
	return out
}

// Scenario 1: happy single-shard.
func TestScenarioHappySingleShard(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	preimage := testPreimage(1)
	hash := lntypes.Hash(sha256.Sum256(preimage[:]))

	_, err := h.repo.InsertInvoice(ctx, hash, "lnbc1...", 10_000, 10, h.clock.Now())
	require.NoError(t, err)

	sub := h.bus.Subscribe(hash)
	defer sub.Cancel()

	resultCh := make(chan Verdict, 1)
	go func() {
		v, err := h.handler.Handle(ctx, Request{
			PaymentHash:   hash,
			AmountMsat:    10_000,
			CltvExpiry:    300,
			ChannelID:     1,
			HtlcIndex:     1,
			CurrentHeight: 100,
		})
		require.NoError(t, err)
		resultCh <- v
	}()

	require.Eventually(t, func() bool {
		inv, err := h.repo.GetInvoiceByHash(ctx, hash)
		return err == nil && inv.State == holddb.InvoiceStateAccepted
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, h.handler.Settle(ctx, preimage))

	v := <-resultCh
	require.True(t, v.Continue)
	require.Equal(t, preimage, v.Preimage)

	inv, err := h.repo.GetInvoiceByHash(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, holddb.InvoiceStatePaid, inv.State)

	require.Equal(t, []string{"ACCEPTED", "PAID"}, collectStates(t, sub, 2))
}

// Scenario 2: MPP timeout.
func TestScenarioMPPTimeout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	hash := lntypes.Hash{2}

	_, err := h.repo.InsertInvoice(ctx, hash, "lnbc1...", 20_000, 10, h.clock.Now())
	require.NoError(t, err)

	sub := h.bus.Subscribe(hash)
	defer sub.Cancel()

	resultCh := make(chan Verdict, 1)
	go func() {
		v, err := h.handler.Handle(ctx, Request{
			PaymentHash:   hash,
			AmountMsat:    10_000,
			CltvExpiry:    300,
			ChannelID:     1,
			HtlcIndex:     1,
			CurrentHeight: 100,
		})
		require.NoError(t, err)
		resultCh <- v
	}()

	require.Eventually(t, func() bool {
		inv, err := h.repo.GetInvoiceByHash(ctx, hash)
		return err == nil && inv.State == holddb.InvoiceStateAccepted
	}, time.Second, 10*time.Millisecond)

	h.clock.SetTime(h.clock.Now().Add(61 * time.Second))

	v := <-resultCh
	require.False(t, v.Continue)
	require.Equal(t, lnwire.CodeMPPTimeout, v.FailCode)

	inv, err := h.repo.GetInvoiceByHash(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, holddb.InvoiceStateCancelled, inv.State)

	require.Equal(t, []string{"ACCEPTED", "CANCELLED"}, collectStates(t, sub, 2))
}

// Scenario 3: operator cancel while held.
func TestScenarioOperatorCancelWhileHeld(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	hash := lntypes.Hash{3}

	_, err := h.repo.InsertInvoice(ctx, hash, "lnbc1...", 10_000, 10, h.clock.Now())
	require.NoError(t, err)

	resultCh := make(chan Verdict, 1)
	go func() {
		v, err := h.handler.Handle(ctx, Request{
			PaymentHash:   hash,
			AmountMsat:    10_000,
			CltvExpiry:    300,
			ChannelID:     1,
			HtlcIndex:     1,
			CurrentHeight: 100,
		})
		require.NoError(t, err)
		resultCh <- v
	}()

	require.Eventually(t, func() bool {
		inv, err := h.repo.GetInvoiceByHash(ctx, hash)
		return err == nil && inv.State == holddb.InvoiceStateAccepted
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, h.handler.Cancel(ctx, hash, "operator request"))

	v := <-resultCh
	require.False(t, v.Continue)
	require.Equal(t, lnwire.CodeIncorrectOrUnknownPaymentDetails, v.FailCode)

	inv, err := h.repo.GetInvoiceByHash(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, holddb.InvoiceStateCancelled, inv.State)
}

// Scenario 4: CLTV proximity.
func TestScenarioCLTVProximity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	hash := lntypes.Hash{4}

	_, err := h.repo.InsertInvoice(ctx, hash, "lnbc1...", 10_000, 10, h.clock.Now())
	require.NoError(t, err)

	v, err := h.handler.Handle(ctx, Request{
		PaymentHash:   hash,
		AmountMsat:    10_000,
		CltvExpiry:    112,
		ChannelID:     1,
		HtlcIndex:     1,
		CurrentHeight: 100,
	})
	require.NoError(t, err)
	require.False(t, v.Continue)
	require.Equal(t, lnwire.CodeIncorrectOrUnknownPaymentDetails, v.FailCode)
}

// Scenario 5: pre-settled.
func TestScenarioPreSettled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	preimage := testPreimage(5)
	hash := lntypes.Hash(sha256.Sum256(preimage[:]))

	_, err := h.repo.InsertInvoice(ctx, hash, "lnbc1...", 10_000, 10, h.clock.Now())
	require.NoError(t, err)

	require.NoError(t, h.handler.Settle(ctx, preimage))

	done := make(chan struct{})
	var v Verdict
	go func() {
		var err error
		v, err = h.handler.Handle(ctx, Request{
			PaymentHash:   hash,
			AmountMsat:    10_000,
			CltvExpiry:    300,
			ChannelID:     1,
			HtlcIndex:     1,
			CurrentHeight: 100,
		})
		require.NoError(t, err)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pre-settled HTLC should resolve immediately")
	}

	require.True(t, v.Continue)
	require.Equal(t, preimage, v.Preimage)
}

// Scenario 6: restart replay.
func TestScenarioRestartReplay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	preimage := testPreimage(6)
	hash := lntypes.Hash(sha256.Sum256(preimage[:]))

	invID, err := h.repo.InsertInvoice(ctx, hash, "lnbc1...", 20_000, 10, h.clock.Now())
	require.NoError(t, err)

	_, err = h.repo.InsertHTLC(ctx, invID, 1, 1, 1, 10_000, 300, h.clock.Now())
	require.NoError(t, err)
	_, err = h.repo.InsertHTLC(ctx, invID, 1, 2, 1, 10_000, 300, h.clock.Now())
	require.NoError(t, err)

	ok, err := h.repo.SetInvoiceState(
		ctx, invID, holddb.InvoiceStateUnpaid, holddb.InvoiceStateAccepted,
		nil, nil,
	)
	require.NoError(t, err)
	require.True(t, ok)

	result1 := make(chan Verdict, 1)
	result2 := make(chan Verdict, 1)

	go func() {
		v, err := h.handler.Handle(ctx, Request{
			PaymentHash:   hash,
			AmountMsat:    10_000,
			CltvExpiry:    300,
			ChannelID:     1,
			HtlcIndex:     1,
			CurrentHeight: 100,
		})
		require.NoError(t, err)
		result1 <- v
	}()
	go func() {
		v, err := h.handler.Handle(ctx, Request{
			PaymentHash:   hash,
			AmountMsat:    10_000,
			CltvExpiry:    300,
			ChannelID:     2,
			HtlcIndex:     1,
			CurrentHeight: 100,
		})
		require.NoError(t, err)
		result2 <- v
	}()

	time.Sleep(50 * time.Millisecond)

	require.NoError(t, h.handler.Settle(ctx, preimage))

	v1 := <-result1
	v2 := <-result2
	require.True(t, v1.Continue)
	require.True(t, v2.Continue)
	require.Equal(t, preimage, v1.Preimage)
	require.Equal(t, preimage, v2.Preimage)

	inv, err := h.repo.GetInvoiceByID(ctx, invID)
	require.NoError(t, err)
	require.Equal(t, holddb.InvoiceStatePaid, inv.State)
}
