package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asinwatch/harvester/internal/channel"
)

func req(url string) channel.PageRequest {
	return channel.PageRequest{URL: url, Page: 1}
}

func TestQueueDedupesByURL(t *testing.T) {
	q := newPageQueue()
	assert.Equal(t, 2, q.Push(req("https://a"), req("https://b"), req("https://a")))
	assert.Equal(t, 0, q.Push(req("https://b")))
}

func TestQueueVisitedCountsCompletedPages(t *testing.T) {
	q := newPageQueue()
	q.Push(req("https://a"), req("https://b"), req("https://c"))
	assert.Equal(t, 0, q.Visited(), "enqueued pages are not visited yet")

	ctx := context.Background()
	_, ok := q.Pop(ctx)
	require.True(t, ok)
	assert.Equal(t, 0, q.Visited(), "in-flight pages are not visited yet")
	q.Done()
	assert.Equal(t, 1, q.Visited())

	// Abandoning the rest leaves them uncounted.
	q.Close()
	assert.Equal(t, 1, q.Visited())
}

func TestQueueDrainsWhenAllOutstandingDone(t *testing.T) {
	q := newPageQueue()
	q.Push(req("https://a"))
	ctx := context.Background()

	got, ok := q.Pop(ctx)
	require.True(t, ok)
	assert.Equal(t, "https://a", got.URL)

	// Child discovered while the parent is still in flight.
	q.Push(req("https://a/2"))
	q.Done()

	_, ok = q.Pop(ctx)
	require.True(t, ok)
	q.Done()

	_, ok = q.Pop(ctx)
	assert.False(t, ok, "traversal is complete once nothing is outstanding")
}

func TestQueuePopBlocksUntilWork(t *testing.T) {
	q := newPageQueue()
	q.Push(req("https://a"))

	ctx := context.Background()
	_, ok := q.Pop(ctx)
	require.True(t, ok)

	var wg sync.WaitGroup
	results := make(chan bool, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, ok := q.Pop(ctx)
		results <- ok
	}()

	// The second worker is parked until the first publishes a child.
	time.Sleep(30 * time.Millisecond)
	q.Push(req("https://a/2"))
	q.Done()

	wg.Wait()
	assert.True(t, <-results)
	q.Done()
}

func TestQueuePopHonoursCancellation(t *testing.T) {
	q := newPageQueue()
	q.Push(req("https://a"))
	_, ok := q.Pop(context.Background())
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Pop(ctx)
		done <- ok
	}()
	cancel()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Pop did not return after cancellation")
	}
}
