package settler

import (
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/stretchr/testify/require"
)

func testPreimage(b byte) lntypes.Preimage {
	var p lntypes.Preimage
	p[31] = b
	return p
}

func TestRegisterThenSettle(t *testing.T) {
	s := New()
	preimage := testPreimage(1)
	hash := lntypes.Hash(sha256.Sum256(preimage[:]))

	h := s.Register(hash)

	require.NoError(t, s.Settle(hash, preimage))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	d, err := h.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, preimage, d.Preimage)
	require.False(t, d.Cancelled)
}

func TestSettlePreimageMismatch(t *testing.T) {
	s := New()
	preimage := testPreimage(2)
	wrongHash := lntypes.Hash{0xff}

	err := s.Settle(wrongHash, preimage)
	require.ErrorIs(t, err, ErrPreimageMismatch)
}

func TestPreSettleBeforeRegister(t *testing.T) {
	s := New()
	preimage := testPreimage(3)
	hash := lntypes.Hash(sha256.Sum256(preimage[:]))

	// The operator settles before any HTLC registered interest.
	require.NoError(t, s.Settle(hash, preimage))

	h := s.Register(hash)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	d, err := h.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, preimage, d.Preimage)
}

func TestCancelResolvesAllRegisteredHandles(t *testing.T) {
	s := New()
	hash := lntypes.Hash{9}

	h1 := s.Register(hash)
	h2 := s.Register(hash)

	s.Cancel(hash, "mpp timeout")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	d1, err := h1.Wait(ctx)
	require.NoError(t, err)
	require.True(t, d1.Cancelled)
	require.Equal(t, "mpp timeout", d1.Reason)

	d2, err := h2.Wait(ctx)
	require.NoError(t, err)
	require.True(t, d2.Cancelled)
}

func TestReleaseRemovesHandleWithoutResolving(t *testing.T) {
	s := New()
	hash := lntypes.Hash{10}

	h := s.Register(hash)
	h.Release()

	require.Empty(t, s.pending[hash])
}

func TestForgetClearsResolvedDecision(t *testing.T) {
	s := New()
	preimage := testPreimage(4)
	hash := lntypes.Hash(sha256.Sum256(preimage[:]))

	require.NoError(t, s.Settle(hash, preimage))
	s.Forget(hash)

	// A handle registered after Forget should block rather than
	// immediately resolve, since the remembered decision is gone.
	h := s.Register(hash)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := h.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
