package blockheight

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func waitHeight(t *testing.T, ch <-chan interface{}) uint32 {
	t.Helper()

	select {
	case v := <-ch:
		return v.(uint32)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for height")
		return 0
	}
}

func TestSubscribeReceivesHeightUpdates(t *testing.T) {
	tracker := New()

	sub := tracker.Subscribe()
	defer sub.Cancel()

	tracker.UpdateHeight(100)
	require.Equal(t, uint32(100), waitHeight(t, sub.Heights))
	require.Equal(t, uint32(100), tracker.Height())
}

func TestOutOfOrderHeightIgnored(t *testing.T) {
	tracker := New()
	tracker.UpdateHeight(200)

	sub := tracker.Subscribe()
	defer sub.Cancel()

	tracker.UpdateHeight(150)

	select {
	case <-sub.Heights:
		t.Fatal("stale height should not be delivered")
	case <-time.After(50 * time.Millisecond):
	}

	require.Equal(t, uint32(200), tracker.Height())
}

func TestCancelStopsSubscriber(t *testing.T) {
	tracker := New()

	sub := tracker.Subscribe()
	sub.Cancel()

	tracker.UpdateHeight(1)

	select {
	case _, ok := <-sub.Heights:
		if ok {
			t.Fatal("cancelled subscriber should not receive heights")
		}
	case <-time.After(50 * time.Millisecond):
	}
}
