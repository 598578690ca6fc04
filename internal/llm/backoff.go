package llm

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// fixedSchedule implements backoff.BackOff with an exact two-step
// schedule for provider errors: 250ms, then 1s, then give up. This is
// deliberately not exponential-with-jitter.
type fixedSchedule struct {
	delays []time.Duration
	next   int
}

func (f *fixedSchedule) NextBackOff() time.Duration {
	if f.next >= len(f.delays) {
		return backoff.Stop
	}
	d := f.delays[f.next]
	f.next++
	return d
}

func (f *fixedSchedule) Reset() { f.next = 0 }

// CompleteWithRetry calls adapter.Complete, retrying up to twice (after
// 250ms, then after 1s) on a transient provider error (network or 5xx/429).
// Validation-shaped errors from the tool loop are not retried here — only
// the provider call itself.
func CompleteWithRetry(ctx context.Context, adapter Adapter, messages []Message, tools []ToolDecl) (Action, error) {
	sched := &fixedSchedule{delays: []time.Duration{250 * time.Millisecond, 1 * time.Second}}

	var action Action
	var lastErr error
	op := func() error {
		a, err := adapter.Complete(ctx, messages, tools)
		if err != nil {
			lastErr = err
			var rl *RateLimitedError
			if errors.As(err, &rl) {
				return err // retryable
			}
			var te *RetryableError
			if errors.As(err, &te) {
				return err // retryable
			}
			return backoff.Permanent(err)
		}
		action = a
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(sched, ctx))
	if err != nil {
		return Action{}, lastErr
	}
	return action, nil
}
