package sched

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"msgfleet/internal/store"
	"msgfleet/pkg/logx"
)

func validateSchedule(sc store.Schedule) error {
	switch sc.Kind {
	case "", store.ScheduleImmediate:
		return nil
	case store.ScheduleDelayed:
		if sc.At.IsZero() {
			return fmt.Errorf("%w: delayed schedule needs a timestamp", ErrInvalidSchedule)
		}
		return nil
	case store.ScheduleRecurring:
		if sc.Cron == "" {
			return fmt.Errorf("%w: recurring schedule needs a cron expression", ErrInvalidSchedule)
		}
		if _, err := cron.ParseStandard(cronSpec(sc)); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidSchedule, sc.Kind)
	}
}

// cronSpec folds the per-task timezone into the expression the way robfig
// cron expects it.
func cronSpec(sc store.Schedule) string {
	if sc.Timezone != "" {
		return "CRON_TZ=" + sc.Timezone + " " + sc.Cron
	}
	return sc.Cron
}

// armDelayed schedules a one-shot fire at the task's timestamp. A timestamp
// already in the past queues immediately.
func (s *Scheduler) armDelayed(ctx context.Context, t store.Task) error {
	delay := time.Until(t.Config.Schedule.At)
	if delay <= 0 {
		return s.markQueued(ctx, t.ID, t.Type)
	}
	timer := time.AfterFunc(delay, func() { s.fireDelayed(t.ID, t.Type) })
	s.mu.Lock()
	s.timers[t.ID] = timer
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) fireDelayed(taskID, taskType string) {
	s.mu.Lock()
	delete(s.timers, taskID)
	s.mu.Unlock()
	if s.isCancelled(taskID) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.markQueued(ctx, taskID, taskType); err != nil {
		s.log.Error("delayed fire failed", logx.String("task", taskID), logx.Err(err))
	}
}

// armRecurring registers exactly one cron entry per task; re-arming the same
// task replaces the previous entry. The parent record stays queued and each
// fire spawns an independent run task, so finished runs never violate the
// terminal-status rule.
func (s *Scheduler) armRecurring(ctx context.Context, t store.Task) error {
	s.mu.Lock()
	if prev, ok := s.cronIDs[t.ID]; ok {
		s.cron.Remove(prev)
		delete(s.cronIDs, t.ID)
	}
	s.mu.Unlock()

	entryID, err := s.cron.AddFunc(cronSpec(t.Config.Schedule), func() { s.fireRecurring(t.ID) })
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	s.mu.Lock()
	s.cronIDs[t.ID] = entryID
	s.mu.Unlock()

	err = s.store.TransitionTask(ctx, t.ID, store.TaskQueued, store.TaskPending)
	if err != nil && !errors.Is(err, store.ErrStatusConflict) {
		return err
	}
	return nil
}

// fireRecurring clones the parent into an immediate run task and queues it.
func (s *Scheduler) fireRecurring(parentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	parent, err := s.store.GetTask(ctx, parentID)
	if err != nil {
		s.log.Error("recurring fire: parent lookup failed", logx.String("task", parentID), logx.Err(err))
		return
	}
	if parent.Status.Terminal() || s.isCancelled(parentID) {
		return
	}

	run := store.Task{
		ID:       "tsk_" + uuid.NewString(),
		Type:     parent.Type,
		OwnerID:  parent.OwnerID,
		ParentID: parent.ID,
		Config:   parent.Config,
		Status:   store.TaskPending,
	}
	run.Config.Schedule = store.Schedule{Kind: store.ScheduleImmediate}
	if err := s.store.CreateTask(ctx, &run); err != nil {
		s.log.Error("recurring fire: run create failed", logx.String("task", parentID), logx.Err(err))
		return
	}
	// The parent may have been cancelled while this fire was in flight. Its
	// cancel sweep only sees runs that exist, so re-check before queueing.
	if p, err := s.store.GetTask(ctx, parentID); err != nil || p.Status.Terminal() {
		_ = s.store.TransitionTask(ctx, run.ID, store.TaskCancelled, store.TaskPending)
		return
	}
	if err := s.markQueued(ctx, run.ID, run.Type); err != nil {
		s.log.Error("recurring fire: queue failed", logx.String("task", run.ID), logx.Err(err))
		return
	}
	s.log.Info("recurring task fired", logx.String("task", parentID), logx.String("run", run.ID))
}
