package eventbus

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestBus() *Bus {
	return New(slog.Default())
}

func TestEmitDeliversInCallOrder(t *testing.T) {
	b := newTestBus()
	var mu sync.Mutex
	var seen []int

	b.Subscribe(DownloadProgress, func(payload any) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, payload.(int))
	})

	for i := 0; i < 5; i++ {
		b.Emit(DownloadProgress, i)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{0, 1, 2, 3, 4}, seen)
}

var namedHandlerCalls int

func namedHandler(any) { namedHandlerCalls++ }

func TestSubscribeDedupesSameHandler(t *testing.T) {
	b := newTestBus()
	namedHandlerCalls = 0

	id1 := b.Subscribe(DownloadStarted, namedHandler)
	id2 := b.Subscribe(DownloadStarted, namedHandler)

	require.Equal(t, id1, id2)
	require.Equal(t, 1, b.SubscriberCount(DownloadStarted))

	b.Emit(DownloadStarted, nil)
	require.Equal(t, 1, namedHandlerCalls)

	// The same handler under a different event name is a distinct pair.
	id3 := b.Subscribe(DownloadCompleted, namedHandler)
	require.NotEqual(t, id1, id3)
	require.Equal(t, 1, b.SubscriberCount(DownloadCompleted))
}

func TestSubscribeKeepsDistinctHandlersApart(t *testing.T) {
	b := newTestBus()
	var first, second int

	b.Subscribe(QueueChanged, func(any) { first++ })
	b.Subscribe(QueueChanged, func(any) { second++ })
	require.Equal(t, 2, b.SubscriberCount(QueueChanged))

	b.Emit(QueueChanged, nil)
	require.Equal(t, 1, first)
	require.Equal(t, 1, second)
}

func TestPanickingHandlerDoesNotBlockOthers(t *testing.T) {
	b := newTestBus()
	var secondCalled bool

	b.Subscribe(DownloadFailed, func(any) { panic("boom") })
	b.Subscribe(DownloadFailed, func(any) { secondCalled = true })

	require.NotPanics(t, func() { b.Emit(DownloadFailed, nil) })
	require.True(t, secondCalled)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus()
	calls := 0
	id := b.Subscribe(DownloadStarted, func(any) { calls++ })

	b.Emit(DownloadStarted, nil)
	b.Unsubscribe(DownloadStarted, id)
	b.Emit(DownloadStarted, nil)

	require.Equal(t, 1, calls)
}

func TestEmitAsyncDoesNotBlockCaller(t *testing.T) {
	b := newTestBus()
	done := make(chan struct{})
	b.Subscribe(QueueChanged, func(any) {
		time.Sleep(20 * time.Millisecond)
		close(done)
	})

	start := time.Now()
	b.EmitAsync(QueueChanged, nil)
	require.Less(t, time.Since(start), 20*time.Millisecond)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("async handler never ran")
	}
}

func TestClearRemovesSubscribers(t *testing.T) {
	b := newTestBus()
	b.Subscribe(HistoryAdded, func(any) {})
	require.Equal(t, 1, b.SubscriberCount(HistoryAdded))
	b.Clear(HistoryAdded)
	require.Equal(t, 0, b.SubscriberCount(HistoryAdded))
}
