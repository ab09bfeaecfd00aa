// Package ratelimit implements fixed-window request counters keyed by user
// id. A Limiter lives for the life of the process and is owned by the
// gateway; nothing is persisted.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Budget names one class of operations sharing a request allowance.
type Budget string

const (
	// BudgetCombat covers the high-frequency combat path (damage, turns, saves).
	BudgetCombat Budget = "combat"
	// BudgetStandard covers reads and ordinary writes.
	BudgetStandard Budget = "standard"
	// BudgetStrict covers rare destructive operations such as undo.
	BudgetStrict Budget = "strict"
)

// Window is the allowance of one budget.
type Window struct {
	MaxRequests int
	Period      time.Duration
}

// DefaultWindows are used for any budget missing from Options.
var DefaultWindows = map[Budget]Window{
	BudgetCombat:   {MaxRequests: 100, Period: time.Minute},
	BudgetStandard: {MaxRequests: 60, Period: time.Minute},
	BudgetStrict:   {MaxRequests: 10, Period: time.Minute},
}

// DefaultPruneThreshold is the counter count past which expired windows are
// swept on the next request.
const DefaultPruneThreshold = 10000

// Options configures a Limiter.
type Options struct {
	Windows        map[Budget]Window
	PruneThreshold int
	Clock          func() time.Time
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

type counterKey struct {
	budget Budget
	userID string
}

type counter struct {
	count   int
	resetAt time.Time
}

// Limiter counts requests per (budget, user) in fixed windows.
type Limiter struct {
	mu             sync.Mutex
	windows        map[Budget]Window
	counters       map[counterKey]*counter
	pruneThreshold int
	clock          func() time.Time
	logger         *zap.Logger
}

// New creates a limiter. Unknown budgets passed to Allow are an error.
func New(logger *zap.Logger, opts Options) (*Limiter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	windows := make(map[Budget]Window, len(DefaultWindows))
	for b, w := range DefaultWindows {
		windows[b] = w
	}
	for b, w := range opts.Windows {
		if w.MaxRequests <= 0 || w.Period <= 0 {
			return nil, fmt.Errorf("rate limit budget %s: max requests and period must be positive", b)
		}
		windows[b] = w
	}
	if opts.PruneThreshold <= 0 {
		opts.PruneThreshold = DefaultPruneThreshold
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Limiter{
		windows:        windows,
		counters:       make(map[counterKey]*counter),
		pruneThreshold: opts.PruneThreshold,
		clock:          opts.Clock,
		logger:         logger,
	}, nil
}

// Allow records one request by userID against budget.
func (l *Limiter) Allow(budget Budget, userID string) (Decision, error) {
	w, ok := l.windows[budget]
	if !ok {
		return Decision{}, fmt.Errorf("unknown rate limit budget %q", budget)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if len(l.counters) > l.pruneThreshold {
		l.pruneLocked(now)
	}

	key := counterKey{budget: budget, userID: userID}
	c, ok := l.counters[key]
	if !ok || !now.Before(c.resetAt) {
		c = &counter{resetAt: now.Add(w.Period)}
		l.counters[key] = c
	}

	if c.count >= w.MaxRequests {
		retry := c.resetAt.Sub(now)
		l.logger.Debug("rate limited",
			zap.String("user_id", userID),
			zap.String("budget", string(budget)),
			zap.Duration("retry_after", retry),
		)
		return Decision{ResetAt: c.resetAt, RetryAfter: retry}, nil
	}
	c.count++
	return Decision{Allowed: true, Remaining: w.MaxRequests - c.count, ResetAt: c.resetAt}, nil
}

// Size returns the number of live counters.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.counters)
}

func (l *Limiter) pruneLocked(now time.Time) {
	before := len(l.counters)
	for key, c := range l.counters {
		if !now.Before(c.resetAt) {
			delete(l.counters, key)
		}
	}
	l.logger.Debug("pruned rate limit counters",
		zap.Int("before", before),
		zap.Int("after", len(l.counters)),
	)
}
