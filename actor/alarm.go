package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/italypaleale/actorfx/internal/scheduler"
)

// Maximum number of attempts to list scheduled actions in each alarm cycle
const alarmListAttempts = 5

// alarmLoop processes the due scheduled actions every time the timer fires, until ctx is canceled.
// When a cycle leaves due actions behind because of a storage error, it's retried with exponential backoff.
func (r *Runtime) alarmLoop(ctx context.Context, wakeups <-chan struct{}) {
	bo := backoff.NewExponentialBackOff()
	var retry <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-wakeups:
		case <-retry:
		}
		retry = nil

		incomplete, err := r.consumeAlarm(ctx)
		if err != nil {
			r.log.ErrorContext(ctx, "Error processing scheduled actions", slog.Any("error", err))
			if r.onAlarmError != nil {
				r.onAlarmError(err)
			}
		}

		if !incomplete || ctx.Err() != nil {
			bo.Reset()
			continue
		}

		// The timer may already be armed at the due time of the actions left behind, so it won't fire again for them
		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			delay = bo.MaxInterval
		}
		r.log.DebugContext(ctx, "Retrying scheduled actions", slog.Duration("delay", delay))
		retry = r.clock.After(delay)
	}
}

// consumeAlarm runs all scheduled actions that are due, in order, then deletes them and re-arms the timer.
// A failing action doesn't prevent the others from running; all errors are returned together.
// incomplete is true when due actions could not be processed because of storage errors and must be retried.
func (r *Runtime) consumeAlarm(ctx context.Context) (incomplete bool, err error) {
	now := r.clock.Now()

	list, err := backoff.Retry(ctx,
		func() ([]ScheduledAction, error) {
			return r.sched.List(ctx)
		},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(alarmListAttempts),
	)
	if err != nil {
		return true, fmt.Errorf("failed to list scheduled actions: %w", err)
	}

	var (
		errs  []error
		fired []string
	)
	for _, sa := range list {
		// The list is sorted by trigger time
		if sa.TriggerAt.After(now) {
			break
		}

		_, err = r.runAction(ctx, sa.Action, sa.Args, func(ctx context.Context) error {
			// An action that ran before this one could have canceled it
			_, err := r.sched.Get(ctx, sa.ID)
			return err
		})
		var actionErr *ActionError
		switch {
		case err == nil, errors.As(err, &actionErr), errors.Is(err, ErrUnknownAction):
			// The action was attempted
		case errors.Is(err, scheduler.ErrNotFound):
			continue
		case errors.Is(err, ErrNotRunning) || ctx.Err() != nil:
			// Shutting down: the actions that didn't run stay scheduled and fire when the actor starts again
			r.log.DebugContext(ctx, "Stopped processing scheduled actions because the actor is shutting down")
			errs = append(errs, r.finishAlarm(ctx, fired))
			return false, errors.Join(errs...)
		default:
			// Could not check if the action is still scheduled: leave it for the next cycle
			incomplete = true
			errs = append(errs, fmt.Errorf("failed to load scheduled action '%s': %w", sa.ID, err))
			continue
		}

		fired = append(fired, sa.ID)
		r.metrics.ScheduledActionFired(r.actorType, sa.Action, err == nil)
		if err != nil {
			r.log.WarnContext(ctx, "Scheduled action failed",
				slog.String("id", sa.ID),
				slog.String("action", sa.Action),
				slog.Any("error", err),
			)
			errs = append(errs, fmt.Errorf("scheduled action '%s' (%s) failed: %w", sa.ID, sa.Action, err))
		}
	}

	r.metrics.AlarmProcessed(r.actorType, len(fired))
	finishErr := r.finishAlarm(ctx, fired)
	if finishErr != nil {
		// Fired actions that were not deleted, or a timer that was not re-armed
		incomplete = true
		errs = append(errs, finishErr)
	}
	return incomplete, errors.Join(errs...)
}

// finishAlarm deletes the fired actions and re-arms the timer with what's left, including actions that were scheduled during the cycle.
func (r *Runtime) finishAlarm(ctx context.Context, fired []string) error {
	// Fired actions must be removed even if the actor is shutting down, or they'd run again
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.commitTimeout)
	defer cancel()

	err := r.sched.DeleteBatch(ctx, fired)
	if err != nil {
		return err
	}

	err = r.sched.Reconcile(ctx)
	if err != nil {
		return err
	}

	if len(fired) > 0 {
		r.log.DebugContext(ctx, "Processed scheduled actions", slog.Int("fired", len(fired)))
	}
	return nil
}
