package queue

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/seantiz/launchpad/internal/jobset"
	"github.com/seantiz/launchpad/internal/model"
)

// RetryPolicy bounds an exponential-backoff retry.
type RetryPolicy struct {
	Attempts        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultAckPolicy is used for acknowledgements when none is configured.
var DefaultAckPolicy = RetryPolicy{
	Attempts:        5,
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     10 * time.Second,
}

// BackOff builds the exponential backoff described by p.
func (p RetryPolicy) BackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	return b
}

// Options returns the retry options for backoff.Retry.
func (p RetryPolicy) Options(notify backoff.Notify) []backoff.RetryOption {
	attempts := p.Attempts
	if attempts == 0 {
		attempts = 1
	}
	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.BackOff()),
		backoff.WithMaxTries(attempts),
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(notify))
	}
	return opts
}

// AckWithRetry acknowledges itemID, retrying transient failures under policy.
// A conflict means the queue no longer considers the item ours and is not retried.
func AckWithRetry(ctx context.Context, d Driver, itemID, runID string, policy RetryPolicy, notify backoff.Notify) (model.AckResult, error) {
	return backoff.Retry(ctx, func() (model.AckResult, error) {
		res, err := d.Ack(ctx, itemID, runID)
		if err != nil && errors.Is(err, jobset.ErrConflict) {
			return model.AckResult{}, backoff.Permanent(err)
		}
		return res, err
	}, policy.Options(notify)...)
}
