package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"msgfleet/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "fleet.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestAccountLifecycle(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	a := &Account{
		ID:       "acc_1",
		OwnerID:  "user_1",
		Platform: PlatformWhatsApp,
		Config:   AccountConfig{Enabled: true, AutoReconnect: true, HourlyLimit: 50, SendDelay: 2 * time.Second},
	}
	if err := st.CreateAccount(ctx, a); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	got, err := st.GetAccount(ctx, "acc_1")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if got.Status != AccountPending {
		t.Fatalf("Status = %q, want pending", got.Status)
	}
	if got.Config.SendDelay != 2*time.Second {
		t.Fatalf("SendDelay = %v", got.Config.SendDelay)
	}

	if err := st.TransitionAccount(ctx, "acc_1", AccountProvisioning, AccountPending); err != nil {
		t.Fatalf("TransitionAccount: %v", err)
	}
	// Conditional write: transition from a status the account is not in.
	err = st.TransitionAccount(ctx, "acc_1", AccountConnected, AccountStopped)
	if !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("TransitionAccount = %v, want ErrStatusConflict", err)
	}

	if err := st.Heartbeat(ctx, "acc_1", time.Now()); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	got, _ = st.GetAccount(ctx, "acc_1")
	if got.Health.LastHeartbeat.IsZero() {
		t.Fatal("heartbeat not recorded")
	}

	if err := st.DeleteAccount(ctx, "acc_1"); err != nil {
		t.Fatalf("DeleteAccount: %v", err)
	}
	if _, err := st.GetAccount(ctx, "acc_1"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("GetAccount after delete = %v", err)
	}
	// Idempotent delete.
	if err := st.DeleteAccount(ctx, "acc_1"); err != nil {
		t.Fatalf("second DeleteAccount: %v", err)
	}
}

func TestAccountNotFound(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	err := st.TransitionAccount(context.Background(), "nope", AccountConnected)
	if !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("TransitionAccount = %v, want ErrAccountNotFound", err)
	}
}

func TestTaskProgressBounds(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	task := &Task{ID: "tsk_1", Type: "bulk_message", OwnerID: "user_1",
		Config: TaskConfig{Targets: []string{"a", "b", "c"}}}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := st.SetTaskTotal(ctx, "tsk_1", 3); err != nil {
		t.Fatalf("SetTaskTotal: %v", err)
	}

	if err := st.IncProgress(ctx, "tsk_1", 2, 1); err != nil {
		t.Fatalf("IncProgress: %v", err)
	}
	// completed+failed already equals total; further increments must be rejected.
	err := st.IncProgress(ctx, "tsk_1", 1, 0)
	if !errors.Is(err, ErrProgressOverflow) {
		t.Fatalf("IncProgress = %v, want ErrProgressOverflow", err)
	}

	got, err := st.GetTask(ctx, "tsk_1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Progress.Completed != 2 || got.Progress.Failed != 1 || got.Progress.Total != 3 {
		t.Fatalf("Progress = %+v", got.Progress)
	}
}

func TestTaskTerminalStatusSticks(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	task := &Task{ID: "tsk_2", Type: "bulk_message", OwnerID: "user_1"}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	for _, to := range []TaskStatus{TaskQueued, TaskRunning, TaskCancelled} {
		if err := st.TransitionTask(ctx, "tsk_2", to); err != nil {
			t.Fatalf("TransitionTask(%s): %v", to, err)
		}
	}

	// A cancelled task never re-enters queued/running when transitions are
	// guarded by the non-terminal from-set.
	err := st.TransitionTask(ctx, "tsk_2", TaskQueued, TaskPending, TaskQueued, TaskRunning)
	if !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("TransitionTask = %v, want ErrStatusConflict", err)
	}

	got, _ := st.GetTask(ctx, "tsk_2")
	if got.Status != TaskCancelled {
		t.Fatalf("Status = %q, want cancelled", got.Status)
	}
	if got.FinishedAt.IsZero() || got.QueuedAt.IsZero() || got.StartedAt.IsZero() {
		t.Fatal("status timestamps not stamped")
	}
}

func TestTaskResults(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	task := &Task{ID: "tsk_3", Type: "bulk_message", OwnerID: "user_1"}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	for i, outcome := range []string{OutcomeSent, OutcomeRateLimited, OutcomeFailed} {
		r := TargetResult{Target: string(rune('a' + i)), AccountID: "acc_1", Outcome: outcome}
		if err := st.AppendResult(ctx, "tsk_3", r); err != nil {
			t.Fatalf("AppendResult: %v", err)
		}
	}

	rs, err := st.ListResults(ctx, "tsk_3")
	if err != nil {
		t.Fatalf("ListResults: %v", err)
	}
	if len(rs) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(rs))
	}
	if rs[1].Outcome != OutcomeRateLimited {
		t.Fatalf("results out of order: %+v", rs)
	}

	tasks, err := st.ListTasks(ctx, TaskPending)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "tsk_3" {
		t.Fatalf("ListTasks = %+v", tasks)
	}
}
