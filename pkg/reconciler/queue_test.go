package reconciler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueDeduplicates(t *testing.T) {
	q := NewQueue()
	item := Item{Kind: KindClaim, ID: "c1"}

	q.Add(item)
	q.Add(item)
	q.Add(Item{Kind: KindVolume, ID: "v1"})

	assert.Equal(t, 2, q.Len())
}

func TestQueueFIFO(t *testing.T) {
	q := NewQueue()
	q.Add(Item{Kind: KindClaim, ID: "c1"})
	q.Add(Item{Kind: KindClaim, ID: "c2"})

	first, ok := q.Get()
	require.True(t, ok)
	assert.Equal(t, "c1", first.ID)

	second, ok := q.Get()
	require.True(t, ok)
	assert.Equal(t, "c2", second.ID)
}

func TestQueueReaddAfterGet(t *testing.T) {
	q := NewQueue()
	item := Item{Kind: KindClaim, ID: "c1"}

	q.Add(item)
	got, ok := q.Get()
	require.True(t, ok)
	assert.Equal(t, item, got)

	// Once dequeued, the same item may be queued again
	q.Add(item)
	assert.Equal(t, 1, q.Len())
}

func TestQueueCloseUnblocksGet(t *testing.T) {
	q := NewQueue()

	done := make(chan bool, 1)
	go func() {
		_, ok := q.Get()
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Get did not unblock on Close")
	}
}

func TestQueueDrainsAfterClose(t *testing.T) {
	q := NewQueue()
	q.Add(Item{Kind: KindClaim, ID: "c1"})
	q.Close()

	got, ok := q.Get()
	require.True(t, ok)
	assert.Equal(t, "c1", got.ID)

	_, ok = q.Get()
	assert.False(t, ok)
}

func TestBusySetExclusion(t *testing.T) {
	busy := newBusySet()
	item := Item{Kind: KindVolume, ID: "v1"}
	other := Item{Kind: KindVolume, ID: "v2"}

	require.True(t, busy.tryAcquire(item))
	assert.False(t, busy.tryAcquire(item))
	// Distinct entities are independent
	assert.True(t, busy.tryAcquire(other))

	busy.release(item)
	assert.True(t, busy.tryAcquire(item))
}

func TestBackoffGrowsAndClears(t *testing.T) {
	b := NewBackoff()
	item := Item{Kind: KindClaim, ID: "c1"}

	d1, n1 := b.Next(item)
	assert.Equal(t, 1, n1)
	assert.GreaterOrEqual(t, d1, time.Duration(0))

	var dLast time.Duration
	for i := 0; i < 5; i++ {
		dLast, _ = b.Next(item)
	}
	assert.Equal(t, 6, b.Attempts(item))
	assert.LessOrEqual(t, dLast, DefaultMaxDelay)

	b.Clear(item)
	assert.Zero(t, b.Attempts(item))
}
