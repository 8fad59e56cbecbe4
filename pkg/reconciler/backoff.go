package reconciler

import (
	"sync"
	"time"

	"github.com/juju/retry"
)

const (
	// DefaultBaseDelay is the first retry delay for an entity
	DefaultBaseDelay = 500 * time.Millisecond

	// DefaultMaxDelay caps the exponential growth
	DefaultMaxDelay = 2 * time.Minute
)

// Backoff tracks per-entity retry attempts and computes the next
// delay on an exponential curve with jitter. Clearing an entity, on
// success or terminal failure, resets its curve.
type Backoff struct {
	strategy func(time.Duration, int) time.Duration
	base     time.Duration

	mu       sync.Mutex
	attempts map[Item]int
}

// NewBackoff creates a backoff policy with the default exponential
// curve.
func NewBackoff() *Backoff {
	return &Backoff{
		strategy: retry.ExpBackoff(DefaultBaseDelay, DefaultMaxDelay, 2.0, true),
		base:     DefaultBaseDelay,
		attempts: make(map[Item]int),
	}
}

// Next records another failed attempt for the item and returns the
// delay before the next try along with the attempt count.
func (b *Backoff) Next(item Item) (time.Duration, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts[item]++
	n := b.attempts[item]
	return b.strategy(b.base, n), n
}

// Attempts returns the item's consecutive failure count.
func (b *Backoff) Attempts(item Item) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts[item]
}

// Clear resets the item's curve.
func (b *Backoff) Clear(item Item) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.attempts, item)
}
