package queue

import "time"

// Backoff maps the retry count of a failed action to the delay before a
// scheduled retry may fire.
type Backoff func(retryCount int) time.Duration

// DefaultBackoffSteps are the delays after the first, second and third failure.
var DefaultBackoffSteps = []time.Duration{time.Second, 5 * time.Second, 15 * time.Second}

// StepBackoff returns a Backoff that indexes steps by attempt. Counts past
// the end reuse the last step; a count below 1 yields no delay.
func StepBackoff(steps []time.Duration) Backoff {
	if len(steps) == 0 {
		steps = DefaultBackoffSteps
	}
	steps = append([]time.Duration(nil), steps...)
	return func(retryCount int) time.Duration {
		if retryCount < 1 {
			return 0
		}
		if retryCount > len(steps) {
			return steps[len(steps)-1]
		}
		return steps[retryCount-1]
	}
}

// ExponentialBackoff doubles base per attempt, capped at max.
func ExponentialBackoff(base, max time.Duration) Backoff {
	return func(retryCount int) time.Duration {
		if retryCount < 1 {
			return 0
		}
		d := base
		for i := 1; i < retryCount; i++ {
			d *= 2
			if d >= max {
				return max
			}
		}
		if d > max {
			return max
		}
		return d
	}
}
