package task

import (
	"errors"
	"time"

	"github.com/ingalless/durabletask/retry"
)

// withRetry wraps the task produced by schedule in a retry loop realized
// inside the deterministic model. On rejection, if attempts remain, it
// awaits a durable backoff timer and re-issues the action with an
// incremented attempt counter. Retries are never hidden from the replay
// log: replaying reproduces the same attempts by re-reading the same timer
// and completion events.
func (octx *OrchestrationContext) withRetry(policy *retry.Policy, firstAttempt time.Time, attempt int, schedule func(attempt int) Task) Task {
	delegate := schedule(attempt)
	return &taskWrapper{
		delegate: delegate,
		onAwaitResult: func(v any, err error) error {
			if err == nil {
				return nil
			}
			if errors.Is(err, ErrTaskCanceled) {
				return err
			}

			var tfe *TaskFailedError
			if errors.As(err, &tfe) && tfe.Details.NonRetryable {
				return err
			}
			if !policy.ShouldRetry(attempt, err) {
				return err
			}
			if policy.Expired(firstAttempt, octx.CurrentUTC) {
				return err
			}

			delay := policy.NextDelay(attempt)
			if timerErr := octx.CreateTimer(delay).Await(nil); timerErr != nil {
				return errors.Join(timerErr, err)
			}

			return octx.withRetry(policy, firstAttempt, attempt+1, schedule).Await(v)
		},
	}
}
