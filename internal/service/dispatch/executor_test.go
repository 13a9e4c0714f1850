package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ifuryst/crosspost/internal/models"
	"github.com/ifuryst/crosspost/internal/service/publisher"
)

func TestApplyResult(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	policy := RetryPolicy{MaxRetryCount: 3, BaseDelay: 2 * time.Second, MaxDelay: time.Minute}

	tests := []struct {
		name       string
		retryCount int
		result     publisher.PublishResult
		mode       RetryMode
		wantStatus models.TargetStatus
		wantRetry  int
		wantError  string
		wantNext   time.Duration
	}{
		{
			name:       "success",
			retryCount: 1,
			result:     publisher.Succeeded("msg-1", nil),
			mode:       RetryOnTransient,
			wantStatus: models.TargetStatusPublished,
			wantRetry:  1,
		},
		{
			name:       "permanent keeps retry count",
			result:     publisher.PermanentFailure("forbidden"),
			mode:       RetryOnTransient,
			wantStatus: models.TargetStatusFailed,
			wantError:  "forbidden",
		},
		{
			name:       "transient re-arms with backoff",
			retryCount: 1,
			result:     publisher.TransientFailure("rate limited"),
			mode:       RetryOnTransient,
			wantStatus: models.TargetStatusScheduled,
			wantRetry:  2,
			wantError:  "rate limited",
			wantNext:   4 * time.Second,
		},
		{
			name:       "transient on last attempt fails",
			retryCount: 2,
			result:     publisher.TransientFailure("rate limited"),
			mode:       RetryOnTransient,
			wantStatus: models.TargetStatusFailed,
			wantRetry:  3,
			wantError:  MsgMaxRetriesExceeded,
		},
		{
			name:       "fail fast",
			result:     publisher.TransientFailure("bad gateway"),
			mode:       FailFast,
			wantStatus: models.TargetStatusFailed,
			wantRetry:  1,
			wantError:  "bad gateway",
		},
		{
			name:       "empty message",
			result:     publisher.PublishResult{},
			mode:       RetryOnTransient,
			wantStatus: models.TargetStatusScheduled,
			wantRetry:  1,
			wantError:  "unknown error",
			wantNext:   2 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := &models.PublicationTarget{
				ID:         1,
				Status:     models.TargetStatusPublishing,
				RetryCount: tt.retryCount,
				LastError:  "previous",
			}
			applyResult(target, tt.result, policy, tt.mode, now)

			assert.Equal(t, tt.wantStatus, target.Status)
			assert.Equal(t, tt.wantRetry, target.RetryCount)
			assert.Equal(t, tt.wantError, target.LastError)

			if tt.wantNext > 0 {
				require.NotNil(t, target.NextAttemptAt)
				assert.Equal(t, now.Add(tt.wantNext), *target.NextAttemptAt)
			} else {
				assert.Nil(t, target.NextAttemptAt)
			}
			if tt.wantStatus == models.TargetStatusPublished {
				require.NotNil(t, target.PublishedAt)
				assert.Equal(t, "msg-1", target.ExternalID)
			}
		})
	}
}

func TestAwaitResult(t *testing.T) {
	ended, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 100; i++ {
		done := make(chan publisher.PublishResult, 1)
		done <- publisher.Succeeded("9", nil)
		result, ok := awaitResult(ended, done)
		require.True(t, ok)
		assert.Equal(t, "9", result.PublishID)
	}

	failed := make(chan publisher.PublishResult, 1)
	failed <- publisher.TransientFailure("context canceled")
	_, ok := awaitResult(ended, failed)
	assert.False(t, ok)

	_, ok = awaitResult(ended, make(chan publisher.PublishResult))
	assert.False(t, ok)

	pending := make(chan publisher.PublishResult, 1)
	pending <- publisher.PermanentFailure("forbidden")
	result, ok := awaitResult(context.Background(), pending)
	require.True(t, ok)
	assert.True(t, result.IsPermanentError)
}
