package healing

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	LimitsMemory = "memory"
	LimitsStore  = "store"
)

// UsageSource reports a rule's recorded executions. It backs the limiter
// when limits must survive restarts.
type UsageSource interface {
	CountHealingExecutionsSince(ctx context.Context, ruleID string, since time.Time) (int, error)
	LastHealingExecutionStart(ctx context.Context, ruleID string) (time.Time, bool, error)
}

// Limiter enforces the hourly cap and cooldown of each rule. State is
// partitioned per rule, so checks for different rules never contend.
type Limiter struct {
	usage UsageSource

	mu    sync.Mutex
	rules map[string]*ruleUsage
}

type ruleUsage struct {
	mu     sync.Mutex
	starts []time.Time
	last   time.Time
	seen   bool
}

// NewLimiter keeps counters in memory when usage is nil and otherwise reads
// them from usage on every check.
func NewLimiter(usage UsageSource) *Limiter {
	return &Limiter{usage: usage, rules: map[string]*ruleUsage{}}
}

// Acquire checks the rule's limits at now. On success the caller holds the
// rule until release is called, and passes whether the execution was
// recorded. Only recorded executions count when usage is kept in memory.
func (l *Limiter) Acquire(ctx context.Context, rule Rule, now time.Time) (release func(recorded bool), err error) {
	u := l.ruleUsage(rule.ID)
	u.mu.Lock()
	count, last, seen, err := l.read(ctx, u, rule.ID, now)
	if err != nil {
		u.mu.Unlock()
		return nil, fmt.Errorf("read usage for rule %s: %w", rule.ID, err)
	}
	if count >= rule.MaxExecutionsPerHour {
		u.mu.Unlock()
		return nil, ErrRateLimited
	}
	if seen && now.Sub(last) < rule.CooldownPeriod.Std() {
		u.mu.Unlock()
		return nil, ErrCoolingDown
	}
	return func(recorded bool) {
		if recorded && l.usage == nil {
			u.starts = append(u.starts, now)
			u.last, u.seen = now, true
		}
		u.mu.Unlock()
	}, nil
}

// Forget drops in-memory state for a deleted rule.
func (l *Limiter) Forget(ruleID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.rules, ruleID)
}

func (l *Limiter) ruleUsage(ruleID string) *ruleUsage {
	l.mu.Lock()
	defer l.mu.Unlock()
	u, ok := l.rules[ruleID]
	if !ok {
		u = &ruleUsage{}
		l.rules[ruleID] = u
	}
	return u
}

func (l *Limiter) read(ctx context.Context, u *ruleUsage, ruleID string, now time.Time) (int, time.Time, bool, error) {
	since := now.Add(-time.Hour)
	if l.usage != nil {
		count, err := l.usage.CountHealingExecutionsSince(ctx, ruleID, since)
		if err != nil {
			return 0, time.Time{}, false, err
		}
		last, seen, err := l.usage.LastHealingExecutionStart(ctx, ruleID)
		return count, last, seen, err
	}
	kept := u.starts[:0]
	for _, t := range u.starts {
		// a start exactly one hour old still counts, as in the stores
		if !t.Before(since) {
			kept = append(kept, t)
		}
	}
	u.starts = kept
	return len(u.starts), u.last, u.seen, nil
}
