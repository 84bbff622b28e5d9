package billing

import "time"

// RetryPolicy bounds settlement retries.
type RetryPolicy struct {
	MaxAttempts int           // total charge attempts, including the first
	BaseDelay   time.Duration // delay after the first failed attempt
	MaxDelay    time.Duration // cap on any single delay
}

// DefaultRetryPolicy retries after 1m, 2m, 4m, 8m and then gives up.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 5,
	BaseDelay:   time.Minute,
	MaxDelay:    time.Hour,
}

// Exhausted reports whether attempt (1-based) was the last one allowed.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// NextRetry returns when to try again after failed attempt (1-based),
// doubling from BaseDelay and capped at MaxDelay.
// This is a PURE function.
func (p RetryPolicy) NextRetry(attempt int, now time.Time) time.Time {
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return now.Add(delay)
}
