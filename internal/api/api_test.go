package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"msgfleet/internal/command"
	"msgfleet/internal/eventbus"
	"msgfleet/internal/fleet"
	"msgfleet/internal/sched"
	"msgfleet/internal/store"
	"msgfleet/pkg/logx"
)

// stubRuntime fakes the instance backend so lifecycle routes can be exercised
// without child processes.
type stubRuntime struct {
	mu    sync.Mutex
	seq   int
	procs map[string]fleet.RuntimeStatus
}

func (r *stubRuntime) Create(_ context.Context, _ fleet.InstanceSpec) (fleet.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.procs == nil {
		r.procs = map[string]fleet.RuntimeStatus{}
	}
	r.seq++
	id := fmt.Sprintf("stub_%d", r.seq)
	r.procs[id] = fleet.RuntimeStarting
	return fleet.Handle{ID: id}, nil
}

func (r *stubRuntime) Start(_ context.Context, h fleet.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[h.ID] = fleet.RuntimeRunning
	return nil
}

func (r *stubRuntime) Stop(_ context.Context, h fleet.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[h.ID] = fleet.RuntimeExited
	return nil
}

func (r *stubRuntime) Remove(_ context.Context, h fleet.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.procs, h.ID)
	return nil
}

func (r *stubRuntime) Inspect(_ context.Context, h fleet.Handle) (fleet.RuntimeStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.procs[h.ID]
	if !ok {
		return fleet.RuntimeDead, nil
	}
	return st, nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "api.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bus := eventbus.New()
	orc := fleet.NewOrchestrator(st, &stubRuntime{}, bus, command.NewMemory(bus), logx.Nop(), fleet.Options{})
	if err := orc.Start(context.Background()); err != nil {
		t.Fatalf("orchestrator start: %v", err)
	}
	schd := sched.New(st, bus, logx.Nop(), sched.Options{})
	schd.RegisterHandler("noop", func(ctx context.Context, task store.Task) error { return nil })
	if err := schd.Start(context.Background()); err != nil {
		t.Fatalf("scheduler start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = schd.Stop(ctx)
		_ = orc.Stop(ctx)
	})

	srv := New("127.0.0.1:0", orc, schd, st, logx.Nop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestAccountLifecycleOverHTTP(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/accounts", createAccountReq{
		OwnerID: "own_1", Platform: store.PlatformTelegram,
		Config: store.AccountConfig{Enabled: true},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	acc := decode[store.Account](t, resp)
	if acc.Status != store.AccountPending {
		t.Fatalf("new account status = %q", acc.Status)
	}

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/accounts/"+acc.ID+"/start", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("start status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/accounts/"+acc.ID, nil)
	status := decode[fleet.Status](t, resp)
	if status.Account.Status != store.AccountConnected || !status.Healthy {
		t.Fatalf("status = %+v, want connected and healthy", status)
	}

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/accounts/"+acc.ID+"/heartbeat", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("heartbeat status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/accounts/"+acc.ID+"/stop", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("stop status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/accounts/"+acc.ID, nil)
	status = decode[fleet.Status](t, resp)
	if status.Account.Status != store.AccountStopped {
		t.Fatalf("status after stop = %q", status.Account.Status)
	}
}

func TestUnknownAccountIs404(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/accounts/acc_missing", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestTaskRoutes(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/tasks", createTaskReq{
		OwnerID: "own_1", Type: "noop", Config: store.TaskConfig{},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	task := decode[store.Task](t, resp)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp = doJSON(t, http.MethodGet, ts.URL+"/api/tasks/"+task.ID, nil)
		got := decode[store.Task](t, resp)
		if got.Status == store.TaskCompleted {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("task never completed")
}

func TestInvalidScheduleIs400(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/tasks", createTaskReq{
		OwnerID: "own_1", Type: "noop",
		Config: store.TaskConfig{
			Schedule: store.Schedule{Kind: store.ScheduleRecurring, Cron: "bad"},
		},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestUnknownTaskTypeIs400(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/tasks", createTaskReq{
		OwnerID: "own_1", Type: "ghost",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestQueueStatsRoute(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/queues", nil)
	stats := decode[map[string]sched.QueueStat](t, resp)
	if _, ok := stats["noop"]; !ok {
		t.Fatalf("stats = %+v, want noop queue", stats)
	}
}
