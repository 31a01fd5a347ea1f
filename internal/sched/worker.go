package sched

import (
	"context"
	"errors"
	"fmt"
	"time"

	"msgfleet/internal/eventbus"
	"msgfleet/internal/store"
	"msgfleet/pkg/logx"
)

func (s *Scheduler) workerLoop(q chan job) func(ctx context.Context) {
	return func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case j := <-q:
				s.runJob(ctx, j)
			}
		}
	}
}

func (s *Scheduler) runJob(ctx context.Context, j job) {
	// The cancel func is registered before the task becomes running, so a
	// CancelTask landing between the transition and the handler start still
	// reaches this run's context.
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancels[j.taskID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.cancels, j.taskID)
		s.mu.Unlock()
		cancel()
	}()

	if s.isCancelled(j.taskID) {
		s.finalizeCancelled(ctx, j.taskID)
		return
	}
	if err := s.store.TransitionTask(ctx, j.taskID, store.TaskRunning, store.TaskQueued); err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			// Cancelled or finished elsewhere; drop the stale mark if any.
			s.clearCancelled(j.taskID)
			return
		}
		s.log.Error("run transition failed", logx.String("task", j.taskID), logx.Err(err))
		return
	}
	t, err := s.store.GetTask(ctx, j.taskID)
	if err != nil {
		s.log.Error("task load failed", logx.String("task", j.taskID), logx.Err(err))
		return
	}

	s.mu.Lock()
	h := s.handlers[j.taskType]
	s.mu.Unlock()
	if h == nil {
		s.log.Error("no handler at run time", logx.String("task", j.taskID), logx.String("type", j.taskType))
		return
	}

	err = runHandler(runCtx, h, t)

	switch {
	case s.isCancelled(j.taskID) || errors.Is(err, context.Canceled):
		s.finalizeCancelled(ctx, j.taskID)
	case err == nil:
		terr := s.store.TransitionTask(ctx, j.taskID, store.TaskCompleted, store.TaskRunning)
		if terr != nil && !errors.Is(terr, store.ErrStatusConflict) {
			s.log.Error("complete transition failed", logx.String("task", j.taskID), logx.Err(terr))
			return
		}
		s.log.Info("task completed", logx.String("task", j.taskID), logx.Int("attempt", j.attempt+1))
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskCompleted, Data: j.taskID})
	default:
		s.retryOrFail(ctx, j, t, err)
	}
}

// runHandler isolates handler panics so one bad task cannot take a worker
// down.
func runHandler(ctx context.Context, h Handler, t store.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, t)
}

// retryOrFail either schedules the next attempt with exponential backoff or
// marks the task failed once the attempt budget is spent. The budget is total
// attempts: retry_times 3 means three runs, then failed.
func (s *Scheduler) retryOrFail(ctx context.Context, j job, t store.Task, cause error) {
	maxAttempts := s.opts.RetryMax
	if t.Config.Limits.RetryTimes > 0 {
		maxAttempts = t.Config.Limits.RetryTimes
	}
	attempt := j.attempt + 1

	if attempt >= maxAttempts {
		if err := s.store.SetTaskError(ctx, j.taskID, cause.Error()); err != nil {
			s.log.Error("error record failed", logx.String("task", j.taskID), logx.Err(err))
		}
		terr := s.store.TransitionTask(ctx, j.taskID, store.TaskFailed, store.TaskRunning)
		if terr != nil && !errors.Is(terr, store.ErrStatusConflict) {
			s.log.Error("fail transition failed", logx.String("task", j.taskID), logx.Err(terr))
			return
		}
		s.log.Error("task failed", logx.String("task", j.taskID),
			logx.Int("attempts", attempt), logx.Err(cause))
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskFailed, Data: j.taskID})
		return
	}

	if err := s.store.TransitionTask(ctx, j.taskID, store.TaskQueued, store.TaskRunning); err != nil {
		if !errors.Is(err, store.ErrStatusConflict) {
			s.log.Error("requeue transition failed", logx.String("task", j.taskID), logx.Err(err))
		}
		return
	}
	delay := backoffDelay(s.opts.RetryBase, s.opts.RetryMaxDelay, attempt)
	s.log.Warn("task retrying", logx.String("task", j.taskID),
		logx.Int("attempt", attempt), logx.Duration("backoff", delay), logx.Err(cause))

	next := job{taskID: j.taskID, taskType: j.taskType, attempt: attempt}
	timer := time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, next.taskID)
		s.mu.Unlock()
		if s.isCancelled(next.taskID) {
			fctx, fcancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer fcancel()
			s.finalizeCancelled(fctx, next.taskID)
			return
		}
		s.enqueue(next)
	})
	s.mu.Lock()
	s.timers[j.taskID] = timer
	s.mu.Unlock()
}

// backoffDelay doubles per attempt starting at base, capped at max.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
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

// finalizeCancelled records the cancelled status for a task whose run was
// interrupted, then forgets the in-memory cancel mark.
func (s *Scheduler) finalizeCancelled(ctx context.Context, taskID string) {
	err := s.store.TransitionTask(ctx, taskID, store.TaskCancelled,
		store.TaskPending, store.TaskQueued, store.TaskRunning)
	if err != nil && !errors.Is(err, store.ErrStatusConflict) {
		s.log.Error("cancel transition failed", logx.String("task", taskID), logx.Err(err))
		return
	}
	if err == nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskCancelled, Data: taskID})
	}
	s.clearCancelled(taskID)
}
