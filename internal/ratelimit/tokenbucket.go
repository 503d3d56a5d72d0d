// Package ratelimit caps how fast new redemption requests may be issued,
// independent of how many are in flight.
package ratelimit

import (
	"sync"
	"time"
)

// TokenJar refills tokensPerRefill tokens every refill interval up to
// maxTokens. Tokens are accrued lazily on each call so an idle jar costs
// nothing.
type TokenJar struct {
	refill          time.Duration
	tokensPerRefill int
	maxTokens       int

	mu     sync.Mutex
	tokens int
	last   time.Time
	now    func() time.Time
}

// NewTokenJar allows targetRPS requests per second with bursts of up to
// burstLimit. The jar starts full. targetRPS <= 0 returns nil, which
// allows everything.
func NewTokenJar(targetRPS float64, burstLimit int) *TokenJar {
	return newTokenJar(targetRPS, burstLimit, time.Now)
}

func newTokenJar(targetRPS float64, burstLimit int, now func() time.Time) *TokenJar {
	if targetRPS <= 0 {
		return nil
	}

	tokensPerRefill := 1
	refill := time.Duration(float64(time.Second) / targetRPS)
	if refill < time.Millisecond {
		// Sub-millisecond tickets are batched.
		tokensPerRefill = int(targetRPS / 1000)
		refill = time.Duration(float64(tokensPerRefill) * float64(time.Second) / targetRPS)
	}

	if burstLimit <= 0 {
		burstLimit = int(targetRPS)
	}
	if burstLimit < tokensPerRefill {
		burstLimit = tokensPerRefill
	}

	return &TokenJar{
		refill:          refill,
		tokensPerRefill: tokensPerRefill,
		maxTokens:       burstLimit,
		tokens:          burstLimit,
		last:            now(),
		now:             now,
	}
}

func (tj *TokenJar) accrue() {
	elapsed := tj.now().Sub(tj.last)
	if elapsed < tj.refill {
		return
	}
	n := int(elapsed / tj.refill)
	tj.tokens += n * tj.tokensPerRefill
	if tj.tokens > tj.maxTokens {
		tj.tokens = tj.maxTokens
	}
	tj.last = tj.last.Add(time.Duration(n) * tj.refill)
}

// TryTake takes a token if one is available. A nil jar always succeeds.
func (tj *TokenJar) TryTake() bool {
	if tj == nil {
		return true
	}
	tj.mu.Lock()
	defer tj.mu.Unlock()
	tj.accrue()
	if tj.tokens > 0 {
		tj.tokens--
		return true
	}
	return false
}
