package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryConfig_BackoffDoublesUntilCap(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts: 10,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      false,
	}

	assert.Equal(t, time.Second, cfg.Backoff(0))
	assert.Equal(t, 2*time.Second, cfg.Backoff(1))
	assert.Equal(t, 4*time.Second, cfg.Backoff(2))
	assert.Equal(t, 16*time.Second, cfg.Backoff(4))

	// Strictly increasing until the cap, then flat at the cap.
	for attempt := 0; attempt < 4; attempt++ {
		assert.Greater(t, cfg.Backoff(attempt+1), cfg.Backoff(attempt))
	}
	assert.Equal(t, 30*time.Second, cfg.Backoff(5))
	assert.Equal(t, 30*time.Second, cfg.Backoff(8))
}

func TestRetryConfig_JitterStaysWithinBand(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      true,
	}

	for i := 0; i < 100; i++ {
		delay := cfg.Backoff(2)
		assert.GreaterOrEqual(t, delay, 3400*time.Millisecond)
		assert.LessOrEqual(t, delay, 4600*time.Millisecond)
	}
}
