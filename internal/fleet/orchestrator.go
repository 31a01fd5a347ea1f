// Package fleet manages the lifecycle of per-account messaging instances:
// provisioning, health monitoring, command push, and eviction.
//
// The durable account record in the store is authoritative; the in-memory
// registry and runtime handles are rebuildable caches over it.
package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"msgfleet/internal/command"
	"msgfleet/internal/eventbus"
	"msgfleet/internal/runtime/supervisor"
	"msgfleet/internal/store"
	"msgfleet/pkg/logx"
)

// Options tunes provisioning and monitoring. Zero fields get defaults.
type Options struct {
	MonitorInterval time.Duration
	InspectTimeout  time.Duration
	HeartbeatMaxAge time.Duration
	ErrorThreshold  int
	RestartSettle   time.Duration
	BasePort        int

	// CallbackAddr, when set, is exported to each instance so it knows where
	// to report heartbeats.
	CallbackAddr string
}

func (o *Options) setDefaults() {
	if o.MonitorInterval <= 0 {
		o.MonitorInterval = 30 * time.Second
	}
	if o.InspectTimeout <= 0 {
		o.InspectTimeout = 5 * time.Second
	}
	if o.HeartbeatMaxAge <= 0 {
		o.HeartbeatMaxAge = 5 * time.Minute
	}
	if o.ErrorThreshold <= 0 {
		o.ErrorThreshold = 5
	}
	if o.RestartSettle <= 0 {
		o.RestartSettle = 2 * time.Second
	}
	if o.BasePort <= 0 {
		o.BasePort = 38000
	}
}

// readyTimeout bounds how long StartAccount waits for a fresh instance to
// come up before declaring the provision failed.
const readyTimeout = 10 * time.Second

// Status is the composite view returned by GetStatus/HealthCheck.
type Status struct {
	Account store.Account `json:"account"`
	// Runtime is RuntimeDead when the account has no live instance and
	// RuntimeUnknown when inspection failed.
	Runtime RuntimeStatus `json:"runtime"`
	Healthy bool          `json:"healthy"`
}

// Orchestrator is the account lifecycle facade. All mutating operations
// serialize per account; operations on different accounts run concurrently.
type Orchestrator struct {
	store   store.Store
	runtime Runtime
	bus     eventbus.Bus
	broker  command.Broker
	log     logx.Logger
	opts    Options

	reg *Registry
	sup *supervisor.Supervisor

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewOrchestrator(st store.Store, rt Runtime, bus eventbus.Bus, broker command.Broker, log logx.Logger, opts Options) *Orchestrator {
	opts.setDefaults()
	return &Orchestrator{
		store:   st,
		runtime: rt,
		bus:     bus,
		broker:  broker,
		log:     log,
		opts:    opts,
		reg:     NewRegistry(),
		locks:   map[string]*sync.Mutex{},
	}
}

// Start launches the reconnect watcher and resumes accounts that were live
// when the previous process exited.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.sup = supervisor.New(ctx, supervisor.WithLogger(o.log))
	o.sup.GoRestart("fleet.reconnect", o.reconnectLoop)
	o.sup.Go0("fleet.resume", o.resumeAccounts)
	return nil
}

// Stop tears down all live instances without changing durable statuses, so a
// later Start can resume them.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.log.Info("stopping instances", logx.Int("count", o.reg.Len()))
	for _, inst := range o.reg.List() {
		if _, ok := o.reg.Remove(inst.AccountID); !ok {
			continue
		}
		sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_ = inst.sup.Stop(sctx)
		if err := o.runtime.Stop(sctx, inst.Handle); err != nil {
			o.log.Warn("instance stop failed", logx.String("account", inst.AccountID), logx.Err(err))
		}
		_ = o.runtime.Remove(sctx, inst.Handle)
		cancel()
	}
	if o.sup == nil {
		return nil
	}
	return o.sup.Stop(ctx)
}

// resumeAccounts restarts instances for accounts the durable store says were
// live. Runs once at startup; individual failures land the account in error
// without blocking the rest.
func (o *Orchestrator) resumeAccounts(ctx context.Context) {
	accounts, err := o.store.ListAccounts(ctx)
	if err != nil {
		o.log.Error("resume scan failed", logx.Err(err))
		return
	}
	for _, a := range accounts {
		switch a.Status {
		case store.AccountProvisioning, store.AccountConnected, store.AccountDegraded:
		default:
			continue
		}
		if !a.Config.Enabled {
			continue
		}
		if err := o.StartAccount(ctx, a.ID); err != nil {
			o.log.Error("resume failed", logx.String("account", a.ID), logx.Err(err))
		}
	}
}

// CreateAccount registers a new account in pending state. No instance is
// provisioned until StartAccount.
func (o *Orchestrator) CreateAccount(ctx context.Context, ownerID string, platform store.Platform, cfg store.AccountConfig) (store.Account, error) {
	switch platform {
	case store.PlatformWhatsApp, store.PlatformTelegram:
	default:
		return store.Account{}, fmt.Errorf("unsupported platform %q", platform)
	}
	a := store.Account{
		ID:       "acc_" + uuid.NewString(),
		OwnerID:  ownerID,
		Platform: platform,
		Status:   store.AccountPending,
		Config:   cfg,
	}
	if err := o.store.CreateAccount(ctx, &a); err != nil {
		return store.Account{}, err
	}
	o.log.Info("account created", logx.String("account", a.ID),
		logx.String("platform", string(platform)), logx.String("owner", ownerID))
	return a, nil
}

// StartAccount provisions and starts the account's instance. Idempotent: a
// second call while the instance is running returns nil without touching it.
func (o *Orchestrator) StartAccount(ctx context.Context, accountID string) error {
	mu := o.lockFor(accountID)
	mu.Lock()
	defer mu.Unlock()

	a, err := o.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if a.Status == store.AccountBanned {
		return ErrAccountBanned
	}

	if inst, ok := o.reg.Get(accountID); ok {
		st, ierr := o.runtime.Inspect(ctx, inst.Handle)
		if ierr == nil && (st == RuntimeRunning || st == RuntimeStarting) {
			return nil
		}
		// Stale entry for a dead process; tear it down and start fresh.
		o.reg.Remove(accountID)
		inst.sup.Cancel()
		_ = o.runtime.Remove(ctx, inst.Handle)
	}

	err = o.store.TransitionAccount(ctx, accountID, store.AccountProvisioning,
		store.AccountPending, store.AccountProvisioning, store.AccountConnected,
		store.AccountDegraded, store.AccountStopped, store.AccountError)
	if err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			return ErrAccountBanned
		}
		return err
	}

	port := o.reg.AllocPort(o.opts.BasePort)
	spec := InstanceSpec{
		AccountID: accountID,
		Platform:  a.Platform,
		Port:      port,
		Env:       map[string]string{},
	}
	if o.opts.CallbackAddr != "" {
		spec.Env["MSGFLEET_CALLBACK"] = o.opts.CallbackAddr
	}

	handle, err := o.runtime.Create(ctx, spec)
	if err != nil {
		o.reg.ReleasePort(port)
		return o.failProvision(ctx, accountID, fmt.Errorf("create: %w", err))
	}
	if err := o.runtime.Start(ctx, handle); err != nil {
		_ = o.runtime.Remove(ctx, handle)
		o.reg.ReleasePort(port)
		return o.failProvision(ctx, accountID, fmt.Errorf("start: %w", err))
	}
	err = o.store.UpdateAccountRuntime(ctx, accountID, store.AccountRuntime{
		Port: port, HandleID: handle.ID, CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		o.log.Warn("runtime record update failed", logx.String("account", accountID), logx.Err(err))
	}

	if err := o.waitReady(ctx, handle); err != nil {
		_ = o.runtime.Remove(ctx, handle)
		o.reg.ReleasePort(port)
		return o.failProvision(ctx, accountID, err)
	}

	inst := &Instance{
		AccountID: accountID,
		Handle:    handle,
		Port:      port,
		StartedAt: time.Now(),
		sup:       supervisor.New(o.supContext(), supervisor.WithLogger(o.log)),
	}
	o.reg.Put(inst)
	inst.sup.Go("fleet.monitor."+accountID, o.monitorLoop(inst))

	// Fresh instance, fresh health. Heartbeat freshness falls back to the
	// runtime creation time until the first report arrives.
	if err := o.store.UpdateAccountHealth(ctx, accountID, store.AccountHealth{}); err != nil {
		o.log.Warn("health reset failed", logx.String("account", accountID), logx.Err(err))
	}
	err = o.store.TransitionAccount(ctx, accountID, store.AccountConnected, store.AccountProvisioning)
	if err != nil && !errors.Is(err, store.ErrStatusConflict) {
		return err
	}

	o.log.Info("account started", logx.String("account", accountID),
		logx.String("handle", handle.ID), logx.Int("port", port))
	o.bus.Publish(eventbus.Event{Type: eventbus.AccountStarted, Data: accountID})
	return nil
}

func (o *Orchestrator) failProvision(ctx context.Context, accountID string, cause error) error {
	if err := o.store.TransitionAccount(ctx, accountID, store.AccountError); err != nil {
		o.log.Error("error transition failed", logx.String("account", accountID), logx.Err(err))
	}
	o.log.Error("provision failed", logx.String("account", accountID), logx.Err(cause))
	return fmt.Errorf("%w: %v", ErrProvision, cause)
}

func (o *Orchestrator) waitReady(ctx context.Context, h Handle) error {
	deadline := time.Now().Add(readyTimeout)
	for {
		st, err := o.runtime.Inspect(ctx, h)
		if err == nil {
			switch st {
			case RuntimeRunning:
				return nil
			case RuntimeExited, RuntimeDead:
				return errors.New("instance exited during startup")
			}
		}
		if time.Now().After(deadline) {
			return errors.New("instance not ready before deadline")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// StopAccount stops the account's instance and records the stopped status.
// Stopping an account with no live instance is a no-op success.
func (o *Orchestrator) StopAccount(ctx context.Context, accountID string) error {
	mu := o.lockFor(accountID)
	mu.Lock()
	defer mu.Unlock()

	if _, err := o.store.GetAccount(ctx, accountID); err != nil {
		return err
	}
	o.teardown(ctx, accountID)

	err := o.store.TransitionAccount(ctx, accountID, store.AccountStopped,
		store.AccountProvisioning, store.AccountConnected, store.AccountDegraded)
	if err != nil && !errors.Is(err, store.ErrStatusConflict) {
		return err
	}
	o.log.Info("account stopped", logx.String("account", accountID))
	o.bus.Publish(eventbus.Event{Type: eventbus.AccountStopped, Data: accountID})
	return nil
}

// teardown removes the live instance if any. Caller holds the account lock.
func (o *Orchestrator) teardown(ctx context.Context, accountID string) {
	inst, ok := o.reg.Remove(accountID)
	if !ok {
		return
	}
	inst.sup.Cancel()
	if err := o.runtime.Stop(ctx, inst.Handle); err != nil {
		o.log.Warn("instance stop failed", logx.String("account", accountID), logx.Err(err))
	}
	_ = o.runtime.Remove(ctx, inst.Handle)
}

// RestartAccount stops the instance, waits a settle period, and starts it
// again. A failed start leaves the account in error.
func (o *Orchestrator) RestartAccount(ctx context.Context, accountID string) error {
	if err := o.StopAccount(ctx, accountID); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(o.opts.RestartSettle):
	}
	return o.StartAccount(ctx, accountID)
}

// UpdateConfig persists the new config and pushes it to the running instance
// over the command channel. The push is best effort: a missed delivery is
// repaired on the instance's next restart, which re-reads the record.
func (o *Orchestrator) UpdateConfig(ctx context.Context, accountID string, cfg store.AccountConfig) error {
	mu := o.lockFor(accountID)
	mu.Lock()
	defer mu.Unlock()

	if _, err := o.store.GetAccount(ctx, accountID); err != nil {
		return err
	}
	if err := o.store.UpdateAccountConfig(ctx, accountID, cfg); err != nil {
		return err
	}

	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	err = o.broker.Publish(ctx, accountID, command.Envelope{
		Command: command.UpdateConfig,
		Payload: payload,
	})
	if err != nil {
		o.log.Warn("config push failed", logx.String("account", accountID), logx.Err(err))
	}
	return nil
}

// DeleteAccount stops the instance if one is live and removes the durable
// record. Idempotent.
func (o *Orchestrator) DeleteAccount(ctx context.Context, accountID string) error {
	mu := o.lockFor(accountID)
	mu.Lock()
	defer mu.Unlock()

	o.teardown(ctx, accountID)
	if err := o.store.DeleteAccount(ctx, accountID); err != nil {
		return err
	}
	o.log.Info("account deleted", logx.String("account", accountID))

	o.mu.Lock()
	delete(o.locks, accountID)
	o.mu.Unlock()
	return nil
}

// SetBanned marks the account banned and tears down its instance. Banned is
// terminal; only an external platform signal should drive this.
func (o *Orchestrator) SetBanned(ctx context.Context, accountID string) error {
	mu := o.lockFor(accountID)
	mu.Lock()
	defer mu.Unlock()

	if _, err := o.store.GetAccount(ctx, accountID); err != nil {
		return err
	}
	o.teardown(ctx, accountID)
	if err := o.store.TransitionAccount(ctx, accountID, store.AccountBanned); err != nil {
		return err
	}
	o.log.Warn("account banned", logx.String("account", accountID))
	return nil
}

// GetStatus returns the durable record joined with a live runtime inspection.
// Read-only; never mutates state.
func (o *Orchestrator) GetStatus(ctx context.Context, accountID string) (Status, error) {
	a, err := o.store.GetAccount(ctx, accountID)
	if err != nil {
		return Status{}, err
	}
	return o.statusOf(ctx, a), nil
}

func (o *Orchestrator) statusOf(ctx context.Context, a store.Account) Status {
	s := Status{Account: a, Runtime: RuntimeDead}
	if inst, ok := o.reg.Get(a.ID); ok {
		ictx, cancel := context.WithTimeout(ctx, o.opts.InspectTimeout)
		st, err := o.runtime.Inspect(ictx, inst.Handle)
		cancel()
		if err != nil {
			st = RuntimeUnknown
		}
		s.Runtime = st
	}
	s.Healthy = a.Status == store.AccountConnected && s.Runtime == RuntimeRunning && o.heartbeatFresh(a)
	return s
}

// HealthCheck inspects every account concurrently and returns the composite
// statuses. Inspection failures degrade to RuntimeUnknown rather than failing
// the sweep.
func (o *Orchestrator) HealthCheck(ctx context.Context) ([]Status, error) {
	accounts, err := o.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Status, len(accounts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, a := range accounts {
		i, a := i, a
		g.Go(func() error {
			out[i] = o.statusOf(gctx, a)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// HealthyAccounts filters ids down to accounts currently usable for sending:
// connected, fresh heartbeat, error count under threshold. Unknown ids are
// skipped, not errors.
func (o *Orchestrator) HealthyAccounts(ctx context.Context, ids []string) ([]store.Account, error) {
	out := make([]store.Account, 0, len(ids))
	for _, id := range ids {
		a, err := o.store.GetAccount(ctx, id)
		if errors.Is(err, store.ErrAccountNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if a.Status == store.AccountConnected && o.heartbeatFresh(a) {
			out = append(out, a)
		}
	}
	return out, nil
}

// Heartbeat records a liveness report from an instance.
func (o *Orchestrator) Heartbeat(ctx context.Context, accountID string) error {
	return o.store.Heartbeat(ctx, accountID, time.Now().UTC())
}

// ReportError increments the account's error count. Crossing the threshold
// degrades the account on the next monitor tick.
func (o *Orchestrator) ReportError(ctx context.Context, accountID string) error {
	mu := o.lockFor(accountID)
	mu.Lock()
	defer mu.Unlock()

	a, err := o.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	h := a.Health
	h.ErrorCount++
	return o.store.UpdateAccountHealth(ctx, accountID, h)
}

// heartbeatFresh reports whether the account's session looks alive: a recent
// heartbeat (or a recently provisioned instance that has not reported yet)
// and an error count under threshold.
func (o *Orchestrator) heartbeatFresh(a store.Account) bool {
	if a.Health.ErrorCount >= o.opts.ErrorThreshold {
		return false
	}
	last := a.Health.LastHeartbeat
	if last.IsZero() {
		last = a.Runtime.CreatedAt
	}
	if last.IsZero() {
		return false
	}
	return time.Since(last) < o.opts.HeartbeatMaxAge
}

func (o *Orchestrator) supContext() context.Context {
	if o.sup != nil {
		return o.sup.Context()
	}
	return context.Background()
}

func (o *Orchestrator) lockFor(accountID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	mu, ok := o.locks[accountID]
	if !ok {
		mu = &sync.Mutex{}
		o.locks[accountID] = mu
	}
	return mu
}
