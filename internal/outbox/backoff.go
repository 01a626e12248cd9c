package outbox

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff shapes the delay before a failed message is attempted again.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64 // randomization factor in [0, 1]
}

// DefaultBackoff is 2s doubling up to 5m with 50% jitter.
var DefaultBackoff = Backoff{
	Initial:    2 * time.Second,
	Max:        5 * time.Minute,
	Multiplier: 2,
	Jitter:     0.5,
}

// Delay returns the wait before attempt number retry (1-based).
func (b Backoff) Delay(retry int) time.Duration {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.Initial
	eb.MaxInterval = b.Max
	eb.Multiplier = b.Multiplier
	eb.RandomizationFactor = b.Jitter
	eb.MaxElapsedTime = 0
	eb.Reset()

	var d time.Duration
	for range max(retry, 1) {
		d = eb.NextBackOff()
	}
	return d
}

func (b Backoff) withDefaults() Backoff {
	if b.Initial <= 0 {
		b.Initial = DefaultBackoff.Initial
	}
	if b.Max <= 0 {
		b.Max = DefaultBackoff.Max
	}
	if b.Multiplier < 1 {
		b.Multiplier = DefaultBackoff.Multiplier
	}
	if b.Jitter < 0 || b.Jitter > 1 {
		b.Jitter = DefaultBackoff.Jitter
	}
	return b
}
