package executor

import "sync"

// blockThreshold is the number of consecutive failures after which a script
// fingerprint is rejected at submission.
const blockThreshold = 5

// Breaker tracks consecutive failures per script fingerprint. A success
// resets the counter.
type Breaker struct {
	mu       sync.Mutex
	failures map[string]int
}

func NewBreaker() *Breaker {
	return &Breaker{failures: make(map[string]int)}
}

// Allow reports whether submissions with this fingerprint are accepted.
func (b *Breaker) Allow(fingerprint string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures[fingerprint] < blockThreshold
}

func (b *Breaker) RecordFailure(fingerprint string) {
	b.mu.Lock()
	b.failures[fingerprint]++
	b.mu.Unlock()
}

func (b *Breaker) RecordSuccess(fingerprint string) {
	b.mu.Lock()
	delete(b.failures, fingerprint)
	b.mu.Unlock()
}

// Failures returns the current consecutive-failure count for a fingerprint.
func (b *Breaker) Failures(fingerprint string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures[fingerprint]
}
