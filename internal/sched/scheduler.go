// Package sched runs typed task queues with retries, delayed execution, and
// cron recurrence on top of the durable task store.
//
// Delivery is at-least-once: a task found queued or running at startup is
// re-enqueued, so handlers must tolerate a second run.
package sched

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"msgfleet/internal/eventbus"
	"msgfleet/internal/runtime/supervisor"
	"msgfleet/internal/store"
	"msgfleet/pkg/logx"
)

var (
	ErrTaskNotFound = store.ErrTaskNotFound

	// ErrInvalidSchedule covers malformed cron expressions, unknown timezones
	// and delayed schedules without a timestamp.
	ErrInvalidSchedule = errors.New("invalid schedule")

	// ErrNoHandler means a task was created for a type nothing consumes.
	ErrNoHandler = errors.New("no handler registered for task type")
)

// Handler executes one task run. Returning nil completes the task; returning
// an error retries it up to the retry budget. A handler that observes ctx
// cancellation should return ctx.Err() so the run is recorded as cancelled,
// not failed.
type Handler func(ctx context.Context, task store.Task) error

// Options tunes queue and retry behavior. Zero fields get defaults.
type Options struct {
	WorkersPerQueue int
	QueueSize       int
	// RetryMax is the default total attempt budget when a task does not carry
	// its own retry_times limit.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	Location      *time.Location
}

func (o *Options) setDefaults() {
	if o.WorkersPerQueue <= 0 {
		o.WorkersPerQueue = 2
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 3
	}
	if o.RetryBase <= 0 {
		o.RetryBase = time.Second
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = time.Minute
	}
	if o.Location == nil {
		o.Location = time.Local
	}
}

type job struct {
	taskID   string
	taskType string
	attempt  int
}

type Scheduler struct {
	store store.Store
	bus   eventbus.Bus
	log   logx.Logger
	opts  Options

	cron *cron.Cron
	sup  *supervisor.Supervisor

	mu        sync.Mutex
	handlers  map[string]Handler
	queues    map[string]chan job
	cronIDs   map[string]cron.EntryID
	timers    map[string]*time.Timer
	cancels   map[string]context.CancelFunc
	cancelled map[string]bool
	stopCh    chan struct{}
}

func New(st store.Store, bus eventbus.Bus, log logx.Logger, opts Options) *Scheduler {
	opts.setDefaults()
	return &Scheduler{
		store:     st,
		bus:       bus,
		log:       log,
		opts:      opts,
		cron:      cron.New(cron.WithLocation(opts.Location)),
		handlers:  map[string]Handler{},
		queues:    map[string]chan job{},
		cronIDs:   map[string]cron.EntryID{},
		timers:    map[string]*time.Timer{},
		cancels:   map[string]context.CancelFunc{},
		cancelled: map[string]bool{},
		stopCh:    make(chan struct{}),
	}
}

// RegisterHandler binds a task type to its handler and allocates the type's
// queue. Must be called before Start.
func (s *Scheduler) RegisterHandler(taskType string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[taskType] = h
	if _, ok := s.queues[taskType]; !ok {
		s.queues[taskType] = make(chan job, s.opts.QueueSize)
	}
}

// Start launches queue workers and the cron runner, then re-arms tasks the
// previous process left behind.
func (s *Scheduler) Start(ctx context.Context) error {
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))

	s.mu.Lock()
	for taskType, q := range s.queues {
		for i := 0; i < s.opts.WorkersPerQueue; i++ {
			name := fmt.Sprintf("sched.%s.worker%d", taskType, i)
			s.sup.Go0(name, s.workerLoop(q))
		}
	}
	s.mu.Unlock()

	s.cron.Start()
	if err := s.recover(ctx); err != nil {
		return err
	}
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	cronCtx := s.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-ctx.Done():
	}
	if s.sup == nil {
		return nil
	}
	return s.sup.Stop(ctx)
}

// CreateTask validates the schedule, persists the task and arms it. Immediate
// tasks are queued right away, delayed tasks fire once at their timestamp,
// and recurring tasks get exactly one cron registration firing run tasks.
func (s *Scheduler) CreateTask(ctx context.Context, ownerID, taskType string, cfg store.TaskConfig) (store.Task, error) {
	s.mu.Lock()
	_, ok := s.handlers[taskType]
	s.mu.Unlock()
	if !ok {
		return store.Task{}, fmt.Errorf("%w: %s", ErrNoHandler, taskType)
	}
	if err := validateSchedule(cfg.Schedule); err != nil {
		return store.Task{}, err
	}

	t := store.Task{
		ID:      "tsk_" + uuid.NewString(),
		Type:    taskType,
		OwnerID: ownerID,
		Config:  cfg,
		Status:  store.TaskPending,
	}
	if err := s.store.CreateTask(ctx, &t); err != nil {
		return store.Task{}, err
	}

	var err error
	switch cfg.Schedule.Kind {
	case store.ScheduleDelayed:
		err = s.armDelayed(ctx, t)
	case store.ScheduleRecurring:
		err = s.armRecurring(ctx, t)
	default:
		err = s.markQueued(ctx, t.ID, t.Type)
	}
	if err != nil {
		return store.Task{}, err
	}

	s.log.Info("task created", logx.String("task", t.ID), logx.String("type", taskType),
		logx.String("schedule", string(cfg.Schedule.Kind)))
	return s.store.GetTask(ctx, t.ID)
}

// markQueued transitions the task and pushes it onto its type's queue.
func (s *Scheduler) markQueued(ctx context.Context, taskID, taskType string) error {
	err := s.store.TransitionTask(ctx, taskID, store.TaskQueued, store.TaskPending, store.TaskRunning)
	if err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			return nil // cancelled or finished before it could queue
		}
		return err
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TaskQueued, Data: taskID})
	s.enqueue(job{taskID: taskID, taskType: taskType})
	return nil
}

func (s *Scheduler) enqueue(j job) {
	s.mu.Lock()
	q, ok := s.queues[j.taskType]
	s.mu.Unlock()
	if !ok {
		s.log.Error("enqueue for unregistered type", logx.String("type", j.taskType))
		return
	}
	select {
	case q <- j:
	case <-s.stopCh:
	}
}

// CancelTask stops a task wherever it is: pending timers and cron entries are
// disarmed, queued runs are skipped, and a running handler sees its context
// cancelled at the next checkpoint. Cancelling a recurring task also cancels
// occurrence runs it already spawned that are still waiting or running.
// Cancelling a finished task is a no-op.
func (s *Scheduler) CancelTask(ctx context.Context, taskID string) error {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return nil
	}
	if err := s.cancelOne(ctx, t); err != nil {
		return err
	}

	if t.Config.Schedule.Kind == store.ScheduleRecurring {
		live, err := s.store.ListTasks(ctx,
			store.TaskPending, store.TaskQueued, store.TaskRunning)
		if err != nil {
			return err
		}
		for _, run := range live {
			if run.ParentID != t.ID {
				continue
			}
			if cerr := s.cancelOne(ctx, run); cerr != nil {
				s.log.Error("occurrence cancel failed",
					logx.String("task", run.ID), logx.Err(cerr))
			}
		}
	}
	s.log.Info("task cancelled", logx.String("task", taskID))
	return nil
}

func (s *Scheduler) cancelOne(ctx context.Context, t store.Task) error {
	s.mu.Lock()
	s.cancelled[t.ID] = true
	if timer, ok := s.timers[t.ID]; ok {
		timer.Stop()
		delete(s.timers, t.ID)
	}
	if entryID, ok := s.cronIDs[t.ID]; ok {
		s.cron.Remove(entryID)
		delete(s.cronIDs, t.ID)
	}
	cancel := s.cancels[t.ID]
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	// Running tasks finalize their own status once the handler observes the
	// cancellation; here only idle states flip directly.
	err := s.store.TransitionTask(ctx, t.ID, store.TaskCancelled, store.TaskPending, store.TaskQueued)
	if err != nil && !errors.Is(err, store.ErrStatusConflict) {
		return err
	}
	if err == nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskCancelled, Data: t.ID})
		// Pending and recurring tasks have no queued job left to observe the
		// mark, so drop it now. Queued jobs clear it when they drain.
		if t.Status == store.TaskPending || t.Config.Schedule.Kind == store.ScheduleRecurring {
			s.clearCancelled(t.ID)
		}
	}
	return nil
}

// Task and Tasks expose the durable records to callers (API, bots).
func (s *Scheduler) Task(ctx context.Context, taskID string) (store.Task, error) {
	return s.store.GetTask(ctx, taskID)
}

func (s *Scheduler) Tasks(ctx context.Context, statuses ...store.TaskStatus) ([]store.Task, error) {
	return s.store.ListTasks(ctx, statuses...)
}

func (s *Scheduler) Results(ctx context.Context, taskID string) ([]store.TargetResult, error) {
	return s.store.ListResults(ctx, taskID)
}

// QueueStat is a point-in-time snapshot of one typed queue. Depth and Workers
// describe the in-memory channel; the counters come from the durable store, so
// they survive restarts.
type QueueStat struct {
	Depth     int `json:"depth"`
	Workers   int `json:"workers"`
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

func (s *Scheduler) Stats(ctx context.Context) (map[string]QueueStat, error) {
	counts, err := s.store.TaskStatusCounts(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]QueueStat, len(s.queues))
	for taskType, q := range s.queues {
		c := counts[taskType]
		out[taskType] = QueueStat{
			Depth:     len(q),
			Workers:   s.opts.WorkersPerQueue,
			Waiting:   c[store.TaskPending] + c[store.TaskQueued],
			Active:    c[store.TaskRunning],
			Completed: c[store.TaskCompleted],
			Failed:    c[store.TaskFailed],
		}
	}
	return out, nil
}

// recover re-arms tasks from the durable store after a restart: queued and
// running tasks are re-enqueued, pending delayed tasks get fresh timers, and
// recurring tasks are re-registered with cron.
func (s *Scheduler) recover(ctx context.Context) error {
	tasks, err := s.store.ListTasks(ctx,
		store.TaskPending, store.TaskQueued, store.TaskRunning)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		s.mu.Lock()
		_, known := s.handlers[t.Type]
		s.mu.Unlock()
		if !known {
			s.log.Warn("skipping task with unknown type",
				logx.String("task", t.ID), logx.String("type", t.Type))
			continue
		}

		switch {
		case t.Config.Schedule.Kind == store.ScheduleRecurring:
			if err := s.armRecurring(ctx, t); err != nil {
				s.log.Error("recurring re-arm failed", logx.String("task", t.ID), logx.Err(err))
			}
		case t.Status == store.TaskPending:
			if err := s.armDelayed(ctx, t); err != nil {
				s.log.Error("delayed re-arm failed", logx.String("task", t.ID), logx.Err(err))
			}
		default:
			// Queued or interrupted mid-run; run it again from attempt zero.
			if t.Status == store.TaskRunning {
				if err := s.store.TransitionTask(ctx, t.ID, store.TaskQueued, store.TaskRunning); err != nil {
					s.log.Error("requeue failed", logx.String("task", t.ID), logx.Err(err))
					continue
				}
			}
			s.enqueue(job{taskID: t.ID, taskType: t.Type})
		}
	}
	return nil
}

func (s *Scheduler) isCancelled(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled[taskID]
}

func (s *Scheduler) clearCancelled(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cancelled, taskID)
}
