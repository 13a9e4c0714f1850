package dispatch

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"github.com/ifuryst/crosspost/internal/config"
)

func TestNewRetryPolicy_FromConfig(t *testing.T) {
	p := NewRetryPolicy(config.RetryConfig{MaxRetryCount: 3, BaseDelaySeconds: 2, MaxDelayMinutes: 1})
	assert.Equal(t, 3, p.MaxRetryCount)
	assert.Equal(t, 2*time.Second, p.BaseDelay)
	assert.Equal(t, time.Minute, p.MaxDelay)
}

func TestBackoff_Values(t *testing.T) {
	p := RetryPolicy{MaxRetryCount: 3, BaseDelay: 2 * time.Second, MaxDelay: time.Minute}

	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{5, 32 * time.Second},
		{6, time.Minute},
		{1000, time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Backoff(tt.retryCount), "retryCount=%d", tt.retryCount)
	}
}

func TestBackoff_ZeroPolicy(t *testing.T) {
	assert.Zero(t, RetryPolicy{}.Backoff(3))
}

func TestExhausted(t *testing.T) {
	p := RetryPolicy{MaxRetryCount: 3}
	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))
	assert.True(t, p.Exhausted(4))
}

func TestBackoff_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	policy := func(baseMs, maxSec int) RetryPolicy {
		return RetryPolicy{
			MaxRetryCount: 3,
			BaseDelay:     time.Duration(baseMs) * time.Millisecond,
			MaxDelay:      time.Duration(maxSec) * time.Second,
		}
	}

	properties.Property("backoff is non-decreasing in retry count", prop.ForAll(
		func(baseMs, maxSec, r int) bool {
			p := policy(baseMs, maxSec)
			return p.Backoff(r) <= p.Backoff(r+1)
		},
		gen.IntRange(1, 10_000),
		gen.IntRange(1, 3_600),
		gen.IntRange(0, 200),
	))

	properties.Property("backoff never exceeds the max delay", prop.ForAll(
		func(baseMs, maxSec, r int) bool {
			p := policy(baseMs, maxSec)
			return p.Backoff(r) <= p.MaxDelay
		},
		gen.IntRange(1, 10_000_000),
		gen.IntRange(1, 3_600),
		gen.IntRange(-5, 10_000),
	))

	properties.TestingRun(t)
}
