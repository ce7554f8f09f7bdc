package dispatch

import "time"

// backoff is the retry state of one delivery: the number of delays handed out
// and the next delay, doubling up to max.
type backoff struct {
	initial time.Duration
	max     time.Duration
	next    time.Duration
	retries int
}

func newBackoff(initial, max time.Duration) *backoff {
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	if max < initial {
		max = initial
	}
	return &backoff{initial: initial, max: max, next: initial}
}

// Next returns the delay before the next attempt and advances the state.
func (b *backoff) Next() time.Duration {
	d := b.next
	b.retries++
	if b.next < b.max {
		b.next *= 2
		if b.next > b.max {
			b.next = b.max
		}
	}
	return d
}

// Reset returns the state to the first delay.
func (b *backoff) Reset() {
	b.next = b.initial
	b.retries = 0
}
