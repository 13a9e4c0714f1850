package dispatch

import (
	"time"

	"github.com/ifuryst/crosspost/internal/config"
)

// RetryMode decides what a transient failure does to a target.
type RetryMode string

const (
	// RetryOnTransient re-arms the target for a later tick until MaxRetryCount is reached.
	RetryOnTransient RetryMode = "retry"
	// FailFast marks the target Failed on the first transient failure.
	FailFast RetryMode = "fail_fast"
)

const MsgMaxRetriesExceeded = "maximum retry count exceeded"

type RetryPolicy struct {
	MaxRetryCount int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
}

func NewRetryPolicy(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxRetryCount: cfg.MaxRetryCount,
		BaseDelay:     time.Duration(cfg.BaseDelaySeconds) * time.Second,
		MaxDelay:      time.Duration(cfg.MaxDelayMinutes) * time.Minute,
	}
}

// Backoff returns min(BaseDelay * 2^(retryCount-1), MaxDelay). Counts below 1 are treated as 1.
func (p RetryPolicy) Backoff(retryCount int) time.Duration {
	if p.BaseDelay <= 0 || p.MaxDelay <= 0 {
		return 0
	}
	if retryCount < 1 {
		retryCount = 1
	}

	delay := p.BaseDelay
	for i := 1; i < retryCount; i++ {
		if delay >= p.MaxDelay {
			break
		}
		delay *= 2
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Exhausted reports whether a target with retryCount may not be attempted again.
func (p RetryPolicy) Exhausted(retryCount int) bool {
	return retryCount >= p.MaxRetryCount
}
