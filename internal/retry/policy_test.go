package retry

import (
	"testing"
	"time"

	"fleet-tracker/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestDefaultStrategyForUnseenClass(t *testing.T) {
	p := NewPolicy(models.DefaultRetryStrategy())
	assert.Equal(t, models.DefaultRetryStrategy(), p.Strategy("network"))
	assert.True(t, p.ShouldRetry("network", 4))
	assert.False(t, p.ShouldRetry("network", 5))
}

func TestDelayGrowsMonotonicallyUntilMax(t *testing.T) {
	p := NewPolicy(models.DefaultRetryStrategy())

	assert.Equal(t, time.Second, p.Delay("network", 0))
	assert.Equal(t, 2*time.Second, p.Delay("network", 1))
	assert.Equal(t, 32*time.Second, p.Delay("network", 5))

	prev := time.Duration(0)
	reachedMax := false
	for n := 0; n < 64; n++ {
		d := p.Delay("network", n)
		assert.GreaterOrEqual(t, d, prev, "retry %d", n)
		if reachedMax {
			assert.Equal(t, 60*time.Second, d)
		}
		if d == 60*time.Second {
			reachedMax = true
		}
		prev = d
	}
	assert.True(t, reachedMax)
}

func TestDelayHugeRetryCountClamps(t *testing.T) {
	assert.Equal(t, 60*time.Second, DelayFor(models.DefaultRetryStrategy(), 5000))
	assert.Equal(t, time.Second, DelayFor(models.DefaultRetryStrategy(), -3))
}

func TestNoAdjustmentBelowMinimumSamples(t *testing.T) {
	p := NewPolicy(models.DefaultRetryStrategy())
	for i := 0; i < 9; i++ {
		p.RecordOutcome("network", false)
	}
	assert.Equal(t, models.DefaultRetryStrategy(), p.Strategy("network"))
	assert.Equal(t, 9, p.Stats("network").Count)
}

func TestLowSuccessRateWidensStrategy(t *testing.T) {
	p := NewPolicy(models.DefaultRetryStrategy())
	for i := 0; i < 10; i++ {
		p.RecordOutcome("network", false)
	}
	s := p.Strategy("network")
	assert.Equal(t, 7, s.MaxRetries)
	assert.Equal(t, 2.5, s.Factor)

	for i := 0; i < 10; i++ {
		p.RecordOutcome("network", false)
	}
	s = p.Strategy("network")
	assert.Equal(t, 10, s.MaxRetries)
	assert.Equal(t, 4.0, s.Factor)
}

func TestHighSuccessRateNarrowsStrategy(t *testing.T) {
	p := NewPolicy(models.DefaultRetryStrategy())
	for i := 0; i < 10; i++ {
		p.RecordOutcome("timeout", true)
	}
	s := p.Strategy("timeout")
	assert.Equal(t, 4, s.MaxRetries)
	assert.Equal(t, 1.75, s.Factor)

	for i := 0; i < 10; i++ {
		p.RecordOutcome("timeout", true)
	}
	s = p.Strategy("timeout")
	assert.Equal(t, 3, s.MaxRetries)
	assert.Equal(t, 1.5, s.Factor)
}

func TestMiddlingSuccessRateLeavesStrategy(t *testing.T) {
	p := NewPolicy(models.DefaultRetryStrategy())
	for i := 0; i < 20; i++ {
		p.RecordOutcome("http_status", i%2 == 0)
	}
	assert.InDelta(t, 50, p.Stats("http_status").SuccessRate, 0.001)
	assert.Equal(t, models.DefaultRetryStrategy(), p.Strategy("http_status"))
}

func TestClassesAreIndependent(t *testing.T) {
	p := NewPolicy(models.DefaultRetryStrategy())
	for i := 0; i < 10; i++ {
		p.RecordOutcome("network", false)
	}
	assert.Equal(t, models.DefaultRetryStrategy(), p.Strategy("timeout"))

	p.Reset()
	assert.Equal(t, models.DefaultRetryStrategy(), p.Strategy("network"))
	assert.Zero(t, p.Stats("network").Count)
}

func TestReturnedStrategyIsACopy(t *testing.T) {
	p := NewPolicy(models.DefaultRetryStrategy())
	s := p.Strategy("network")
	s.MaxRetries = 99
	assert.Equal(t, 5, p.Strategy("network").MaxRetries)
}
