package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"msgfleet/internal/command"
	"msgfleet/internal/eventbus"
	"msgfleet/internal/store"
	"msgfleet/pkg/logx"
)

type fakeRuntime struct {
	mu         sync.Mutex
	seq        int
	procs      map[string]*fakeProc
	creates    int
	failCreate bool
	failStart  bool
}

type fakeProc struct {
	spec   InstanceSpec
	status RuntimeStatus
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{procs: map[string]*fakeProc{}}
}

func (f *fakeRuntime) Create(_ context.Context, spec InstanceSpec) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate {
		return Handle{}, errors.New("create refused")
	}
	f.seq++
	f.creates++
	id := fmt.Sprintf("fake_%d", f.seq)
	f.procs[id] = &fakeProc{spec: spec, status: RuntimeStarting}
	return Handle{ID: id, Port: spec.Port}, nil
}

func (f *fakeRuntime) Start(_ context.Context, h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStart {
		return errors.New("start refused")
	}
	p, ok := f.procs[h.ID]
	if !ok {
		return errors.New("unknown handle")
	}
	p.status = RuntimeRunning
	return nil
}

func (f *fakeRuntime) Stop(_ context.Context, h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.procs[h.ID]; ok {
		p.status = RuntimeExited
	}
	return nil
}

func (f *fakeRuntime) Remove(_ context.Context, h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.procs, h.ID)
	return nil
}

func (f *fakeRuntime) Inspect(_ context.Context, h Handle) (RuntimeStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.procs[h.ID]
	if !ok {
		return RuntimeDead, nil
	}
	return p.status, nil
}

// kill simulates the instance process dying underneath the orchestrator.
func (f *fakeRuntime) kill(accountID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	println("DBG kill", accountID, "procs:", len(f.procs))
	for id, p := range f.procs {
		println("DBG proc", id, p.spec.AccountID, string(p.status))
		if p.spec.AccountID == accountID {
			p.status = RuntimeExited
		}
	}
}

func (f *fakeRuntime) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

type fleetFixture struct {
	orc    *Orchestrator
	store  store.Store
	rt     *fakeRuntime
	broker command.Broker
}

func newFixture(t *testing.T) *fleetFixture {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "fleet.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bus := eventbus.New()
	broker := command.NewMemory(bus)
	rt := newFakeRuntime()
	orc := NewOrchestrator(st, rt, bus, broker, logx.Nop(), Options{
		MonitorInterval: 20 * time.Millisecond,
		InspectTimeout:  time.Second,
		RestartSettle:   10 * time.Millisecond,
		BasePort:        40000,
	})
	if err := orc.Start(context.Background()); err != nil {
		t.Fatalf("orchestrator start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orc.Stop(ctx)
	})
	return &fleetFixture{orc: orc, store: st, rt: rt, broker: broker}
}

func (fx *fleetFixture) createAccount(t *testing.T, cfg store.AccountConfig) store.Account {
	t.Helper()
	a, err := fx.orc.CreateAccount(context.Background(), "own_1", store.PlatformTelegram, cfg)
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	return a
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (fx *fleetFixture) accountStatus(t *testing.T, id string) store.AccountStatus {
	t.Helper()
	a, err := fx.store.GetAccount(context.Background(), id)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	return a.Status
}

func TestStartAccountIdempotent(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	a := fx.createAccount(t, store.AccountConfig{Enabled: true})

	if err := fx.orc.StartAccount(context.Background(), a.ID); err != nil {
		t.Fatalf("StartAccount: %v", err)
	}
	if err := fx.orc.StartAccount(context.Background(), a.ID); err != nil {
		t.Fatalf("second StartAccount: %v", err)
	}
	if n := fx.rt.createCount(); n != 1 {
		t.Fatalf("creates = %d, want 1 (second start must reuse the instance)", n)
	}
	if got := fx.accountStatus(t, a.ID); got != store.AccountConnected {
		t.Fatalf("status = %q, want connected", got)
	}
}

func TestStartFailureLeavesError(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.rt.failStart = true
	a := fx.createAccount(t, store.AccountConfig{Enabled: true})

	err := fx.orc.StartAccount(context.Background(), a.ID)
	if !errors.Is(err, ErrProvision) {
		t.Fatalf("err = %v, want ErrProvision", err)
	}
	if got := fx.accountStatus(t, a.ID); got != store.AccountError {
		t.Fatalf("status = %q, want error", got)
	}
}

func TestProcessDeathEvictsInstance(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	a := fx.createAccount(t, store.AccountConfig{Enabled: true})
	if err := fx.orc.StartAccount(context.Background(), a.ID); err != nil {
		t.Fatalf("StartAccount: %v", err)
	}

	fx.rt.kill(a.ID)
	waitFor(t, 3*time.Second, "eviction", func() bool {
		return fx.accountStatus(t, a.ID) == store.AccountStopped
	})
	if _, ok := fx.orc.reg.Get(a.ID); ok {
		t.Fatal("evicted instance still registered")
	}
}

func TestAutoReconnectRestartsEvicted(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	a := fx.createAccount(t, store.AccountConfig{Enabled: true, AutoReconnect: true})
	if err := fx.orc.StartAccount(context.Background(), a.ID); err != nil {
		t.Fatalf("StartAccount: %v", err)
	}

	fx.rt.kill(a.ID)
	waitFor(t, 3*time.Second, "reconnect", func() bool {
		return fx.rt.createCount() >= 2 && fx.accountStatus(t, a.ID) == store.AccountConnected
	})
}

func TestStaleHeartbeatDegradesAndRecovers(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	a := fx.createAccount(t, store.AccountConfig{Enabled: true})
	ctx := context.Background()
	if err := fx.orc.StartAccount(ctx, a.ID); err != nil {
		t.Fatalf("StartAccount: %v", err)
	}

	// Process keeps running but the session stops reporting.
	err := fx.store.UpdateAccountHealth(ctx, a.ID, store.AccountHealth{
		LastHeartbeat: time.Now().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("UpdateAccountHealth: %v", err)
	}
	waitFor(t, 3*time.Second, "degraded", func() bool {
		return fx.accountStatus(t, a.ID) == store.AccountDegraded
	})

	if err := fx.orc.Heartbeat(ctx, a.ID); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	waitFor(t, 3*time.Second, "recovery", func() bool {
		return fx.accountStatus(t, a.ID) == store.AccountConnected
	})
}

func TestStopWithoutInstanceIsNoop(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	a := fx.createAccount(t, store.AccountConfig{Enabled: true})

	if err := fx.orc.StopAccount(context.Background(), a.ID); err != nil {
		t.Fatalf("StopAccount: %v", err)
	}
	if got := fx.accountStatus(t, a.ID); got != store.AccountPending {
		t.Fatalf("status = %q, want pending untouched", got)
	}
}

func TestBannedIsTerminal(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	a := fx.createAccount(t, store.AccountConfig{Enabled: true})
	ctx := context.Background()
	if err := fx.orc.StartAccount(ctx, a.ID); err != nil {
		t.Fatalf("StartAccount: %v", err)
	}

	if err := fx.orc.SetBanned(ctx, a.ID); err != nil {
		t.Fatalf("SetBanned: %v", err)
	}
	if err := fx.orc.StartAccount(ctx, a.ID); !errors.Is(err, ErrAccountBanned) {
		t.Fatalf("StartAccount after ban = %v, want ErrAccountBanned", err)
	}
	if got := fx.accountStatus(t, a.ID); got != store.AccountBanned {
		t.Fatalf("status = %q, want banned", got)
	}
}

func TestUpdateConfigPushesCommand(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	a := fx.createAccount(t, store.AccountConfig{Enabled: true})

	got := make(chan command.Envelope, 1)
	unsub, err := fx.broker.Subscribe(a.ID, func(env command.Envelope) { got <- env })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()

	cfg := store.AccountConfig{Enabled: true, HourlyLimit: 9}
	if err := fx.orc.UpdateConfig(context.Background(), a.ID, cfg); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}

	select {
	case env := <-got:
		if env.Command != command.UpdateConfig {
			t.Fatalf("command = %q", env.Command)
		}
		var pushed store.AccountConfig
		if err := json.Unmarshal(env.Payload, &pushed); err != nil {
			t.Fatalf("payload: %v", err)
		}
		if pushed.HourlyLimit != 9 {
			t.Fatalf("pushed hourly_limit = %d, want 9", pushed.HourlyLimit)
		}
	case <-time.After(time.Second):
		t.Fatal("config push not delivered")
	}

	stored, err := fx.store.GetAccount(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if stored.Config.HourlyLimit != 9 {
		t.Fatalf("stored hourly_limit = %d, want 9", stored.Config.HourlyLimit)
	}
}

func TestHealthyAccountsFiltering(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := context.Background()

	good := fx.createAccount(t, store.AccountConfig{Enabled: true})
	stale := fx.createAccount(t, store.AccountConfig{Enabled: true})
	for _, a := range []store.Account{good, stale} {
		if err := fx.orc.StartAccount(ctx, a.ID); err != nil {
			t.Fatalf("StartAccount: %v", err)
		}
	}
	if err := fx.orc.Heartbeat(ctx, good.ID); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	err := fx.store.UpdateAccountHealth(ctx, stale.ID, store.AccountHealth{
		LastHeartbeat: time.Now().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("UpdateAccountHealth: %v", err)
	}

	healthy, err := fx.orc.HealthyAccounts(ctx, []string{good.ID, stale.ID, "acc_missing"})
	if err != nil {
		t.Fatalf("HealthyAccounts: %v", err)
	}
	if len(healthy) != 1 || healthy[0].ID != good.ID {
		t.Fatalf("healthy = %+v, want only %s", healthy, good.ID)
	}
}

func TestDeleteAccountStopsInstance(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	a := fx.createAccount(t, store.AccountConfig{Enabled: true})
	ctx := context.Background()
	if err := fx.orc.StartAccount(ctx, a.ID); err != nil {
		t.Fatalf("StartAccount: %v", err)
	}

	if err := fx.orc.DeleteAccount(ctx, a.ID); err != nil {
		t.Fatalf("DeleteAccount: %v", err)
	}
	if _, err := fx.store.GetAccount(ctx, a.ID); !errors.Is(err, store.ErrAccountNotFound) {
		t.Fatalf("GetAccount after delete = %v, want not found", err)
	}
	if _, ok := fx.orc.reg.Get(a.ID); ok {
		t.Fatal("deleted account still has a live instance")
	}
}
