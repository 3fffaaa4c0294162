package syncq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_BackoffDoublesUpToCap(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10, BaseBackoff: time.Second, MaxBackoff: 10 * time.Second}

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 0},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{40, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Backoff(tt.attempts), "attempts=%d", tt.attempts)
	}
}

func TestRetryPolicy_Exhausted(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3}
	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))

	unbounded := RetryPolicy{}
	assert.False(t, unbounded.Exhausted(1000))
}
