package retry

import (
	"math"
	"sync"
	"time"

	"fleet-tracker/internal/models"

	"github.com/rs/zerolog/log"
)

// ClassNone is the error class recorded for successful deliveries
const ClassNone = "none"

// Adjustment bounds
const (
	minSamples        = 10
	lowSuccessRate    = 20.0
	highSuccessRate   = 80.0
	maxRetriesCeiling = 10
	maxRetriesFloor   = 3
	factorCeiling     = 4.0
	factorFloor       = 1.5
)

// Stats is the rolling outcome record for one error class
type Stats struct {
	Count       int     `json:"count"`
	SuccessRate float64 `json:"success_rate"` // percent
}

// Policy adapts retry strategies per error class from observed outcomes.
// Strategies are returned by value; callers cannot mutate them.
type Policy struct {
	mu         sync.Mutex
	defaults   models.RetryStrategy
	strategies map[string]models.RetryStrategy
	stats      map[string]Stats
}

// NewPolicy creates a policy whose unseen classes use defaults
func NewPolicy(defaults models.RetryStrategy) *Policy {
	return &Policy{
		defaults:   defaults,
		strategies: make(map[string]models.RetryStrategy),
		stats:      make(map[string]Stats),
	}
}

// RecordOutcome updates the success rate of class and, once enough samples
// have been seen, widens or narrows its strategy.
func (p *Policy) RecordOutcome(class string, success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.stats[class]
	s.Count++
	outcome := 0.0
	if success {
		outcome = 100
	}
	s.SuccessRate = (s.SuccessRate*float64(s.Count-1) + outcome) / float64(s.Count)
	p.stats[class] = s

	if s.Count < minSamples {
		return
	}

	strategy := p.strategyLocked(class)
	before := strategy
	switch {
	case s.SuccessRate < lowSuccessRate:
		strategy.MaxRetries = min(strategy.MaxRetries+2, maxRetriesCeiling)
		strategy.Factor = math.Min(strategy.Factor+0.5, factorCeiling)
	case s.SuccessRate > highSuccessRate:
		strategy.MaxRetries = max(strategy.MaxRetries-1, maxRetriesFloor)
		strategy.Factor = math.Max(strategy.Factor-0.25, factorFloor)
	}
	p.strategies[class] = strategy

	if strategy != before {
		log.Debug().
			Str("class", class).
			Float64("success_rate", s.SuccessRate).
			Int("max_retries", strategy.MaxRetries).
			Float64("factor", strategy.Factor).
			Msg("[RETRY] Strategy adjusted")
	}
}

// Strategy returns the current strategy for class
func (p *Policy) Strategy(class string) models.RetryStrategy {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.strategyLocked(class)
}

// Delay returns baseDelay * factor^retryCount clamped to maxDelay.
func (p *Policy) Delay(class string, retryCount int) time.Duration {
	return DelayFor(p.Strategy(class), retryCount)
}

// ShouldRetry reports whether another attempt is allowed after retryCount
// previous retries.
func (p *Policy) ShouldRetry(class string, retryCount int) bool {
	return retryCount < p.Strategy(class).MaxRetries
}

// Stats returns the outcome record for class
func (p *Policy) Stats(class string) Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats[class]
}

// Reset forgets every observation and adjusted strategy
func (p *Policy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.strategies = make(map[string]models.RetryStrategy)
	p.stats = make(map[string]Stats)
}

func (p *Policy) strategyLocked(class string) models.RetryStrategy {
	if s, ok := p.strategies[class]; ok {
		return s
	}
	return p.defaults
}

// DelayFor computes the backoff of a strategy for the given retry count.
func DelayFor(s models.RetryStrategy, retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	delay := float64(s.BaseDelay) * math.Pow(s.Factor, float64(retryCount))
	if math.IsInf(delay, 0) || delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	return time.Duration(delay)
}
