// Package retry contains the backoff policy applied when a download attempt
// fails. All functions are pure (save for the jitter source) and perform no I/O.
package retry

import (
	"math/rand/v2"
	"time"
)

const (
	BaseDelay  = time.Second
	MaxDelay   = 60 * time.Second
	MaxRetries = 5

	// MaxJitter is the upper bound of the additional random delay,
	// expressed as a fraction of the un-jittered delay.
	MaxJitter = 0.3
)

// Delay returns the backoff to wait before the retry following the
// given number of previous retries: min(BaseDelay * 2^retryCount, MaxDelay).
func Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}

	// 2^6 already exceeds the maximum; avoid shifting in to overflow
	if retryCount >= 6 {
		return MaxDelay
	}

	delay := BaseDelay << uint(retryCount)
	if delay > MaxDelay {
		return MaxDelay
	}

	return delay
}

// DelayWithJitter returns Delay(retryCount) plus a uniformly random
// extra of between 0 and 30% of that delay.
func DelayWithJitter(retryCount int) time.Duration {
	return delayWithJitter(retryCount, rand.Float64)
}

func delayWithJitter(retryCount int, random func() float64) time.Duration {
	delay := Delay(retryCount)
	return delay + time.Duration(float64(delay)*MaxJitter*random())
}

// ShouldRetry returns true if another attempt is permitted
// after the given number of retries.
func ShouldRetry(retryCount int) bool {
	return retryCount < MaxRetries
}
