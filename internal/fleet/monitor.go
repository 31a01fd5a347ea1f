package fleet

import (
	"context"
	"errors"
	"time"

	"msgfleet/internal/eventbus"
	"msgfleet/internal/store"
	"msgfleet/pkg/logx"
)

// monitorLoop polls one instance's runtime state and reconciles the durable
// status. It runs under the instance supervisor, so StopAccount/DeleteAccount
// cancel it deterministically.
//
// Liveness is two signals: the runtime inspection (is the process up) and the
// heartbeat the instance reports (is the session actually working). A process
// can be running with a wedged session; that is degraded, not evicted.
func (o *Orchestrator) monitorLoop(inst *Instance) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(o.opts.MonitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}

			ictx, cancel := context.WithTimeout(ctx, o.opts.InspectTimeout)
			st, err := o.runtime.Inspect(ictx, inst.Handle)
			cancel()
			println("DBG inspect", inst.AccountID, string(st), err != nil)
			if err != nil || st == RuntimeUnknown {
				// Unreachable runtime is not evidence the instance is gone.
				o.log.Warn("instance inspect failed",
					logx.String("account", inst.AccountID), logx.Err(err))
				continue
			}

			switch st {
			case RuntimeExited, RuntimeDead:
				o.evict(inst)
				return nil
			case RuntimeRunning:
				o.reconcileHealth(ctx, inst.AccountID)
			}
		}
	}
}

// reconcileHealth moves connected<->degraded from the recorded heartbeat and
// error count. Conditional writes: a concurrent stop/ban wins and the
// conflict is dropped.
func (o *Orchestrator) reconcileHealth(ctx context.Context, accountID string) {
	a, err := o.store.GetAccount(ctx, accountID)
	if err != nil {
		return
	}
	fresh := o.heartbeatFresh(a)
	switch {
	case a.Status == store.AccountConnected && !fresh:
		err = o.store.TransitionAccount(ctx, accountID, store.AccountDegraded, store.AccountConnected)
		if err == nil {
			o.log.Warn("account degraded",
				logx.String("account", accountID),
				logx.Time("last_heartbeat", a.Health.LastHeartbeat),
				logx.Int("error_count", a.Health.ErrorCount))
		}
	case a.Status == store.AccountDegraded && fresh:
		err = o.store.TransitionAccount(ctx, accountID, store.AccountConnected, store.AccountDegraded)
		if err == nil {
			o.log.Info("account recovered", logx.String("account", accountID))
		}
	}
	if err != nil && !errors.Is(err, store.ErrStatusConflict) {
		o.log.Warn("health transition failed", logx.String("account", accountID), logx.Err(err))
	}
}

// evict tears down an instance whose process died underneath us. The durable
// record goes to stopped and an eviction event is published; whether the
// account comes back is auto-reconnect's call, not the monitor's.
func (o *Orchestrator) evict(inst *Instance) {
	println("DBG evict enter", inst.AccountID)
	mu := o.lockFor(inst.AccountID)
	mu.Lock()
	defer mu.Unlock()

	if _, ok := o.reg.Remove(inst.AccountID); !ok {
		// A concurrent stop already tore this instance down.
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.opts.InspectTimeout)
	defer cancel()
	_ = o.runtime.Remove(ctx, inst.Handle)

	err := o.store.TransitionAccount(ctx, inst.AccountID, store.AccountStopped,
		store.AccountConnected, store.AccountDegraded, store.AccountProvisioning)
	if err != nil && !errors.Is(err, store.ErrStatusConflict) {
		o.log.Error("evict transition failed", logx.String("account", inst.AccountID), logx.Err(err))
	}

	o.log.Warn("instance evicted", logx.String("account", inst.AccountID),
		logx.String("handle", inst.Handle.ID))
	println("DBG evict publishing", inst.AccountID)
	o.bus.Publish(eventbus.Event{Type: eventbus.AccountEvicted, Data: inst.AccountID})
	println("DBG evict done", inst.AccountID)
	inst.sup.Cancel()
}

// reconnectLoop watches eviction events and restarts accounts that opted in.
// Runs under the orchestrator root supervisor with restart-on-error.
func (o *Orchestrator) reconnectLoop(ctx context.Context) error {
	events, unsub := o.bus.Subscribe(32)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if e.Type != eventbus.AccountEvicted {
				continue
			}
			accountID, _ := e.Data.(string)
			if accountID == "" {
				continue
			}
			o.tryReconnect(ctx, accountID)
		}
	}
}

func (o *Orchestrator) tryReconnect(ctx context.Context, accountID string) {
	a, err := o.store.GetAccount(ctx, accountID)
	if err != nil || !a.Config.Enabled || !a.Config.AutoReconnect {
		return
	}
	if a.Status == store.AccountBanned || a.Status == store.AccountError {
		return
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(o.opts.RestartSettle):
	}
	o.log.Info("auto-reconnecting account", logx.String("account", accountID))
	if err := o.StartAccount(ctx, accountID); err != nil {
		o.log.Error("auto-reconnect failed", logx.String("account", accountID), logx.Err(err))
	}
}
