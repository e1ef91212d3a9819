// Package retry runs an operation with bounded exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds a retry loop.
type Policy struct {
	// Attempts is the total number of tries including the first (default: 5)
	Attempts int

	// Initial is the wait before the second try (default: 200ms)
	Initial time.Duration

	// Max caps the wait between tries (default: 5s)
	Max time.Duration
}

// DefaultPolicy returns 5 attempts backing off from 200ms to 5s.
func DefaultPolicy() Policy {
	return Policy{Attempts: 5, Initial: 200 * time.Millisecond, Max: 5 * time.Second}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.Attempts <= 0 {
		p.Attempts = d.Attempts
	}
	if p.Initial <= 0 {
		p.Initial = d.Initial
	}
	if p.Max <= 0 {
		p.Max = d.Max
	}
	return p
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do calls op until it succeeds, returns a Permanent error, the attempts run
// out or ctx is done. notify (optional) is called before every wait.
func (p Policy) Do(ctx context.Context, op func() error, notify func(err error, wait time.Duration)) error {
	p = p.withDefaults()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Initial
	eb.MaxInterval = p.Max
	eb.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.Attempts-1)), ctx)

	return backoff.RetryNotify(op, b, notify)
}
