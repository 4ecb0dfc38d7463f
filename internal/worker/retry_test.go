package worker_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/notifyhub/mailpipe/internal/worker"
)

func TestRetryPolicy_Delay(t *testing.T) {
	p := worker.DefaultRetryPolicy()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{5, 32 * time.Second},
		{9, 5 * time.Minute},
		{5000, 5 * time.Minute},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, p.Delay(tc.attempt), "attempt %d", tc.attempt)
	}
}

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	p := worker.DefaultRetryPolicy()
	assert.True(t, p.ShouldRetry(1))
	assert.True(t, p.ShouldRetry(5))
	assert.False(t, p.ShouldRetry(6))

	none := worker.RetryPolicy{MaxRetries: 0}
	assert.False(t, none.ShouldRetry(1))
}
