package dispatch

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Counters tracks per-account send volume over rolling one-hour and one-day
// windows. Shared across all tasks so concurrent bulk sends cannot overrun an
// account's budget together.
type Counters struct {
	mu    sync.Mutex
	sends map[string][]time.Time
}

func NewCounters() *Counters {
	return &Counters{sends: map[string][]time.Time{}}
}

// Allow reports whether one more send fits the account's limits right now.
// A zero limit means unlimited on that window.
func (c *Counters) Allow(accountID string, hourly, daily int) bool {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(accountID, now)

	var hourCount int
	hourAgo := now.Add(-time.Hour)
	for _, ts := range c.sends[accountID] {
		if ts.After(hourAgo) {
			hourCount++
		}
	}
	if hourly > 0 && hourCount >= hourly {
		return false
	}
	if daily > 0 && len(c.sends[accountID]) >= daily {
		return false
	}
	return true
}

func (c *Counters) Record(accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sends[accountID] = append(c.sends[accountID], time.Now())
}

// pruneLocked drops timestamps older than the daily window.
func (c *Counters) pruneLocked(accountID string, now time.Time) {
	dayAgo := now.Add(-24 * time.Hour)
	kept := c.sends[accountID][:0]
	for _, ts := range c.sends[accountID] {
		if ts.After(dayAgo) {
			kept = append(kept, ts)
		}
	}
	if len(kept) == 0 {
		delete(c.sends, accountID)
		return
	}
	c.sends[accountID] = kept
}

// pacer hands out one rate.Limiter per account, rebuilt when the account's
// send delay changes.
type pacer struct {
	mu       sync.Mutex
	limiters map[string]*accountPacer
}

type accountPacer struct {
	delay   time.Duration
	limiter *rate.Limiter
}

func newPacer() *pacer {
	return &pacer{limiters: map[string]*accountPacer{}}
}

func (p *pacer) limiter(accountID string, delay time.Duration) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	ap, ok := p.limiters[accountID]
	if !ok || ap.delay != delay {
		limit := rate.Inf
		if delay > 0 {
			limit = rate.Every(delay)
		}
		ap = &accountPacer{delay: delay, limiter: rate.NewLimiter(limit, 1)}
		p.limiters[accountID] = ap
	}
	return ap.limiter
}
