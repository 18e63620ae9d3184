package retrytax

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var fixedNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestNext_FinalNeverRetries(t *testing.T) {
	cfg := DefaultConfig()
	for _, n := range []uint32{0, 1, 7, 100} {
		d := Next(cfg, n, Final, nil, fixedNow)
		assert.False(t, d.Ok, "retry_count=%d", n)
	}
}

func TestNext_RateLimitedWithRetryAfter(t *testing.T) {
	cfg := DefaultConfig()
	after := 300 * time.Second
	for _, n := range []uint32{0, 5, 7} {
		d := Next(cfg, n, RateLimited, &after, fixedNow)
		assert.True(t, d.Ok)
		assert.Equal(t, fixedNow.Add(300*time.Second), d.NextRetryAt)
	}
}

func TestNext_RateLimitedWithoutRetryAfterFallsBackToBackoff(t *testing.T) {
	cfg := DefaultConfig()
	d := Next(cfg, 0, RateLimited, nil, fixedNow)
	assert.True(t, d.Ok)
	assert.Equal(t, fixedNow.Add(60*time.Second), d.NextRetryAt)
}

func TestNext_RetryableExhaustsAtMaxAttempts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAttempts = 3
	// retry_count + 1 >= max_attempts => none
	d := Next(cfg, 2, Retryable, nil, fixedNow)
	assert.False(t, d.Ok)

	d = Next(cfg, 1, Retryable, nil, fixedNow)
	assert.True(t, d.Ok)
}

func TestNext_BackoffMonotoneAndCapped(t *testing.T) {
	cfg := DefaultConfig() // initial 60, max 3600, mult 2.0, max_attempts 8
	var prev time.Duration
	for n := uint32(0); n < cfg.MaxAttempts-1; n++ {
		d := Next(cfg, n, Retryable, nil, fixedNow)
		assert.True(t, d.Ok)
		delay := d.NextRetryAt.Sub(fixedNow)
		assert.GreaterOrEqual(t, delay, prev)
		assert.LessOrEqual(t, delay, 3600*time.Second)
		prev = delay
	}
}

func TestNext_BackoffReachesMax(t *testing.T) {
	cfg := DefaultConfig()
	// 60 * 2^6 = 3840 > 3600, should be capped
	d := Next(cfg, 6, Retryable, nil, fixedNow)
	assert.True(t, d.Ok)
	assert.Equal(t, 3600*time.Second, d.NextRetryAt.Sub(fixedNow))
}

func TestNext_ExactDelayFormula(t *testing.T) {
	cfg := DefaultConfig()
	cases := []struct {
		retryCount uint32
		wantSecs   float64
	}{
		{0, 60},
		{1, 120},
		{2, 240},
		{3, 480},
		{4, 960},
		{5, 1920},
	}
	for _, c := range cases {
		d := Next(cfg, c.retryCount, Retryable, nil, fixedNow)
		assert.True(t, d.Ok)
		assert.Equal(t, c.wantSecs, d.NextRetryAt.Sub(fixedNow).Seconds(), "retry_count=%d", c.retryCount)
	}
}

func TestClass_StringRoundTrip(t *testing.T) {
	for _, c := range []Class{Final, Retryable, RateLimited} {
		parsed, ok := ParseClass(c.String())
		assert.True(t, ok)
		assert.Equal(t, c, parsed)
	}
	_, ok := ParseClass("bogus")
	assert.False(t, ok)
}
