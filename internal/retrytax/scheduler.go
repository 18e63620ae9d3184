package retrytax

import (
	"math"
	"time"
)

// Config holds the retry scheduler's tunables (spec §4.2, §6 config file
// section retry.*). Zero value is invalid; use DefaultConfig.
type Config struct {
	MaxAttempts         uint32
	InitialBackoffSecs  uint64
	MaxBackoffSecs      uint64
	BackoffMultiplier   float64
}

// DefaultConfig matches the defaults enumerated in spec §4.2.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       8,
		InitialBackoffSecs: 60,
		MaxBackoffSecs:     3600,
		BackoffMultiplier:  2.0,
	}
}

// Decision is the outcome of Next: either a scheduled retry point or a
// permanent failure (Ok == false).
type Decision struct {
	NextRetryAt time.Time
	Ok          bool
}

// Next implements the decision function from spec §4.2. retryCount is the
// number of already-completed attempts (the count before this failure);
// now is injected for testability.
func Next(cfg Config, retryCount uint32, class Class, retryAfter *time.Duration, now time.Time) Decision {
	switch class {
	case Final:
		return Decision{Ok: false}
	case RateLimited:
		if retryAfter != nil {
			return Decision{Ok: true, NextRetryAt: now.Add(*retryAfter)}
		}
		fallthrough
	case Retryable:
		if uint64(retryCount)+1 >= uint64(cfg.MaxAttempts) {
			return Decision{Ok: false}
		}
		delay := backoffDelay(cfg, retryCount)
		return Decision{Ok: true, NextRetryAt: now.Add(delay)}
	default:
		return Decision{Ok: false}
	}
}

// backoffDelay computes min(initial * multiplier^retryCount, max), seconds
// truncated to an integer before conversion (spec §4.2 edge cases).
func backoffDelay(cfg Config, retryCount uint32) time.Duration {
	raw := float64(cfg.InitialBackoffSecs) * math.Pow(cfg.BackoffMultiplier, float64(retryCount))
	secs := math.Trunc(raw)
	if secs > float64(cfg.MaxBackoffSecs) {
		secs = float64(cfg.MaxBackoffSecs)
	}
	return time.Duration(secs) * time.Second
}
