// Package dispatch is the bulk-message task processor: it fans a message out
// to many targets through the tenant's healthy accounts, honoring per-account
// rate budgets and pacing, and records a durable per-target result as it goes.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"msgfleet/internal/fleet"
	"msgfleet/internal/platform"
	"msgfleet/internal/store"
	"msgfleet/pkg/logx"
)

// TaskType is the queue this processor consumes.
const TaskType = "bulk_message"

// ErrNoHealthyAccounts fails the run fast when none of the task's accounts
// can send. The scheduler's retry budget decides whether it runs again.
var ErrNoHealthyAccounts = fmt.Errorf("%w: no healthy accounts for task", fleet.ErrAccountUnhealthy)

// AccountSource narrows the orchestrator to what dispatch needs.
type AccountSource interface {
	HealthyAccounts(ctx context.Context, ids []string) ([]store.Account, error)
}

// SenderRegistry resolves the send primitive for a platform.
type SenderRegistry interface {
	Lookup(p store.Platform) (platform.Sender, error)
}

type Processor struct {
	store    store.Store
	accounts AccountSource
	senders  SenderRegistry
	counters *Counters
	pace     *pacer
	log      logx.Logger
}

func NewProcessor(st store.Store, accounts AccountSource, senders SenderRegistry, counters *Counters, log logx.Logger) *Processor {
	if counters == nil {
		counters = NewCounters()
	}
	return &Processor{
		store:    st,
		accounts: accounts,
		senders:  senders,
		counters: counters,
		pace:     newPacer(),
		log:      log,
	}
}

// Handle runs one bulk-message task. Re-runs are safe: targets that already
// have a recorded result are skipped, so a retry only touches the remainder.
//
// Between every send is a cancellation checkpoint; a cancelled run keeps the
// results and progress written so far.
func (p *Processor) Handle(ctx context.Context, task store.Task) error {
	targets := task.Config.Targets
	if len(targets) == 0 {
		return errors.New("bulk message task has no targets")
	}
	if task.Config.Content == "" {
		return errors.New("bulk message task has no content")
	}
	if err := p.store.SetTaskTotal(ctx, task.ID, len(targets)); err != nil {
		return err
	}

	done, err := p.doneTargets(ctx, task.ID)
	if err != nil {
		return err
	}

	accounts, err := p.accounts.HealthyAccounts(ctx, task.Config.Accounts)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		return ErrNoHealthyAccounts
	}

	p.log.Info("bulk send starting", logx.String("task", task.ID),
		logx.Int("targets", len(targets)-len(done)), logx.Int("accounts", len(accounts)))

	rr := 0
	for _, target := range targets {
		if done[target] {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		acct, ok := p.pickAccount(accounts, &rr)
		if !ok {
			// Every account is over budget. Skip the target rather than
			// stalling the queue; the record says why it was not sent.
			p.record(ctx, task, target, "", store.OutcomeRateLimited, "all accounts over rate limit")
			continue
		}

		if err := p.sendOne(ctx, task, acct, target); err != nil {
			return err
		}
	}

	p.log.Info("bulk send finished", logx.String("task", task.ID))
	return nil
}

// pickAccount round-robins across the healthy set, skipping accounts whose
// rolling hourly/daily budget is spent.
func (p *Processor) pickAccount(accounts []store.Account, rr *int) (store.Account, bool) {
	for i := 0; i < len(accounts); i++ {
		a := accounts[(*rr+i)%len(accounts)]
		if p.counters.Allow(a.ID, a.Config.HourlyLimit, a.Config.DailyLimit) {
			*rr = (*rr + i + 1) % len(accounts)
			return a, true
		}
	}
	return store.Account{}, false
}

func (p *Processor) sendOne(ctx context.Context, task store.Task, acct store.Account, target string) error {
	sender, err := p.senders.Lookup(acct.Platform)
	if err != nil {
		p.record(ctx, task, target, acct.ID, store.OutcomeFailed, err.Error())
		return nil
	}

	delay := task.Config.Limits.SendDelay
	if delay <= 0 {
		delay = acct.Config.SendDelay
	}
	if err := p.pace.limiter(acct.ID, delay).Wait(ctx); err != nil {
		return err
	}

	if err := sender.Send(ctx, acct.ID, target, task.Config.Content); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		p.log.Warn("send failed", logx.String("task", task.ID),
			logx.String("account", acct.ID), logx.String("target", target), logx.Err(err))
		p.record(ctx, task, target, acct.ID, store.OutcomeFailed, err.Error())
		return nil
	}

	p.counters.Record(acct.ID)
	p.record(ctx, task, target, acct.ID, store.OutcomeSent, "")
	return nil
}

// record writes the per-target result and bumps progress. The progress guard
// in the store keeps completed+failed within total even on double runs.
// Detached from cancellation: a send that happened must be recorded even when
// the task is being cancelled.
func (p *Processor) record(ctx context.Context, task store.Task, target, accountID, outcome, msg string) {
	ctx = context.WithoutCancel(ctx)
	err := p.store.AppendResult(ctx, task.ID, store.TargetResult{
		Target:    target,
		AccountID: accountID,
		Outcome:   outcome,
		Message:   msg,
		At:        time.Now().UTC(),
	})
	if err != nil {
		p.log.Error("result write failed", logx.String("task", task.ID),
			logx.String("target", target), logx.Err(err))
	}

	completed, failed := 0, 1
	if outcome == store.OutcomeSent {
		completed, failed = 1, 0
	}
	err = p.store.IncProgress(ctx, task.ID, completed, failed)
	if err != nil && !errors.Is(err, store.ErrProgressOverflow) {
		p.log.Error("progress write failed", logx.String("task", task.ID), logx.Err(err))
	}
}

func (p *Processor) doneTargets(ctx context.Context, taskID string) (map[string]bool, error) {
	results, err := p.store.ListResults(ctx, taskID)
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool, len(results))
	for _, r := range results {
		done[r.Target] = true
	}
	return done, nil
}
