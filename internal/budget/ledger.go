// Package budget enforces per-tenant daily run and token quotas, a
// per-minute ingestion rate limit, and a circuit breaker protecting against
// cascading model-API failure.
//
// Budget days are UTC calendar dates. All counters, and the breaker, reset
// at the UTC day boundary; a cron tick sweeps stale per-tenant state at
// midnight and day rollover is additionally applied lazily on access so
// correctness never depends on the tick.
package budget

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/JET1478/Claude-B2B-Implementation/internal/domain"
)

// Limits are a tenant's configured quotas, passed per call so the ledger
// never caches tenant config.
type Limits struct {
	MaxRunsPerDay     int64
	MaxTokensPerDay   int64
	MaxItemsPerMinute int64
}

// Config is the breaker policy shared by all tenants.
type Config struct {
	FailureThreshold int
	Cooldown         time.Duration
	MaxCooldown      time.Duration
}

// StateStore persists budget snapshots for the admin surface. Saves are
// best-effort; the in-memory ledger is authoritative within a day.
type StateStore interface {
	SaveBudgetState(ctx context.Context, state *domain.BudgetState) error
}

// Ledger tracks consumption per tenant. Each tenant has its own state
// record and lock, so one tenant's reservation never waits on another's
// counters.
type Ledger struct {
	mu      sync.RWMutex
	tenants map[string]*tenantState

	cfg    Config
	store  StateStore
	cron   *cron.Cron
	logger *slog.Logger
	now    func() time.Time
}

// tenantState is the arena record for one tenant. Counters are atomic so a
// commit is a plain increment; the mutex covers breaker transitions and
// day/minute rollover only.
type tenantState struct {
	mu sync.Mutex

	day        string
	runsUsed   atomic.Int64
	tokensUsed atomic.Int64

	minute      string
	minuteCount atomic.Int64

	breaker breaker
}

// Option configures the ledger.
type Option func(*Ledger)

// WithStore enables budget snapshot persistence.
func WithStore(s StateStore) Option {
	return func(l *Ledger) { l.store = s }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates a ledger with the given breaker policy.
func NewLedger(cfg Config, opts ...Option) *Ledger {
	l := &Ledger{
		tenants: make(map[string]*tenantState),
		cfg:     cfg,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// StartRollover schedules the UTC-midnight sweep of stale tenant state.
func (l *Ledger) StartRollover() {
	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc("0 0 * * *", l.sweep); err != nil {
		l.logger.Error("schedule budget rollover", slog.String("error", err.Error()))
		return
	}
	c.Start()
	l.cron = c
}

// Close stops the rollover scheduler.
func (l *Ledger) Close() {
	if l.cron != nil {
		l.cron.Stop()
	}
}

func (l *Ledger) sweep() {
	today := l.today()
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, st := range l.tenants {
		st.mu.Lock()
		stale := st.day != today
		st.mu.Unlock()
		if stale {
			delete(l.tenants, id)
		}
	}
	l.logger.Info("budget day rollover", slog.String("day", today))
}

func (l *Ledger) today() string {
	return l.now().UTC().Format("2006-01-02")
}

func (l *Ledger) minuteKey() string {
	return l.now().UTC().Format("200601021504")
}

func (l *Ledger) state(tenantID string) *tenantState {
	l.mu.RLock()
	st, ok := l.tenants[tenantID]
	l.mu.RUnlock()
	if ok {
		return st
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok = l.tenants[tenantID]; ok {
		return st
	}
	st = &tenantState{day: l.today(), minute: l.minuteKey(), breaker: newBreaker()}
	l.tenants[tenantID] = st
	return st
}

// rollover resets counters when the UTC day or minute has moved on.
// Caller holds st.mu.
func (l *Ledger) rollover(st *tenantState) {
	if today := l.today(); st.day != today {
		st.day = today
		st.runsUsed.Store(0)
		st.tokensUsed.Store(0)
		st.breaker = newBreaker()
	}
	if minute := l.minuteKey(); st.minute != minute {
		st.minute = minute
		st.minuteCount.Store(0)
	}
}

// AdmitRun gates run creation at ingestion: breaker, per-minute rate, and
// daily run quota. On success the run and rate counters are consumed.
func (l *Ledger) AdmitRun(tenantID string, limits Limits) error {
	st := l.state(tenantID)
	st.mu.Lock()
	defer st.mu.Unlock()
	l.rollover(st)

	if st.breaker.blocked(l.now()) {
		return domain.NewError(domain.ErrorTypeBudgetExceeded,
			"circuit breaker open for tenant %s, retry after %s", tenantID, st.breaker.cooldown).
			WithReason(domain.ReasonCircuitOpen)
	}
	if limits.MaxItemsPerMinute > 0 && st.minuteCount.Load() >= limits.MaxItemsPerMinute {
		return domain.NewError(domain.ErrorTypeBudgetExceeded,
			"rate limit exceeded: %d/%d items this minute", st.minuteCount.Load(), limits.MaxItemsPerMinute).
			WithReason(domain.ReasonRateLimited)
	}
	if limits.MaxRunsPerDay > 0 && st.runsUsed.Load() >= limits.MaxRunsPerDay {
		return domain.NewError(domain.ErrorTypeBudgetExceeded,
			"daily run limit exceeded: %d/%d", st.runsUsed.Load(), limits.MaxRunsPerDay).
			WithReason(domain.ReasonBudgetExceeded)
	}

	st.runsUsed.Add(1)
	st.minuteCount.Add(1)
	l.persist(tenantID, st)
	return nil
}

// Reserve checks whether a model call estimated at estTokens may proceed.
// Denied when the breaker is open, the daily run quota is exhausted, or the
// token quota would be exceeded. The reservation is advisory: tokens are
// only counted at Commit.
//
// In half-open state exactly one reservation is admitted as the trial call;
// its Commit settles the breaker.
func (l *Ledger) Reserve(tenantID string, limits Limits, estTokens int64) error {
	st := l.state(tenantID)
	st.mu.Lock()
	defer st.mu.Unlock()
	l.rollover(st)

	if limits.MaxRunsPerDay > 0 && st.runsUsed.Load() > limits.MaxRunsPerDay {
		return domain.NewError(domain.ErrorTypeBudgetExceeded,
			"daily run limit exceeded: %d/%d", st.runsUsed.Load(), limits.MaxRunsPerDay).
			WithReason(domain.ReasonBudgetExceeded)
	}
	if limits.MaxTokensPerDay > 0 && st.tokensUsed.Load()+estTokens > limits.MaxTokensPerDay {
		return domain.NewError(domain.ErrorTypeBudgetExceeded,
			"daily token limit would be exceeded: %d+%d/%d", st.tokensUsed.Load(), estTokens, limits.MaxTokensPerDay).
			WithReason(domain.ReasonBudgetExceeded)
	}
	if !st.breaker.allow(l.now()) {
		return domain.NewError(domain.ErrorTypeBudgetExceeded,
			"circuit breaker open for tenant %s, retry after %s", tenantID, st.breaker.cooldown).
			WithReason(domain.ReasonCircuitOpen)
	}
	return nil
}

// Commit records the actual consumption of a model call, success or failure,
// and feeds the breaker streak. The token update is a monotonic increment,
// safe under concurrent commits for the same tenant.
func (l *Ledger) Commit(tenantID string, actualTokens int64, success bool) {
	st := l.state(tenantID)

	// Counter first: a plain atomic add, no lock needed.
	if actualTokens > 0 {
		st.tokensUsed.Add(actualTokens)
	}

	st.mu.Lock()
	l.rollover(st)
	if success {
		st.breaker.onSuccess()
	} else {
		st.breaker.onFailure(l.now(), l.cfg)
		if st.breaker.state == domain.BreakerOpen {
			l.logger.Warn("circuit breaker open",
				slog.String("tenant_id", tenantID),
				slog.Int("failures", st.breaker.failures),
				slog.Duration("cooldown", st.breaker.cooldown))
		}
	}
	l.persist(tenantID, st)
	st.mu.Unlock()
}

// Snapshot returns the tenant's current budget state for the admin surface.
func (l *Ledger) Snapshot(tenantID string) *domain.BudgetState {
	st := l.state(tenantID)
	st.mu.Lock()
	defer st.mu.Unlock()
	l.rollover(st)
	return l.snapshotLocked(tenantID, st)
}

// snapshotLocked builds a BudgetState. Caller holds st.mu.
func (l *Ledger) snapshotLocked(tenantID string, st *tenantState) *domain.BudgetState {
	snap := &domain.BudgetState{
		TenantID:            tenantID,
		Day:                 st.day,
		RunsUsed:            st.runsUsed.Load(),
		TokensUsed:          st.tokensUsed.Load(),
		Breaker:             st.breaker.state,
		ConsecutiveFailures: st.breaker.failures,
		Cooldown:            st.breaker.cooldown,
	}
	if !st.breaker.trippedAt.IsZero() {
		tripped := st.breaker.trippedAt
		snap.TrippedAt = &tripped
	}
	return snap
}

func (l *Ledger) persist(tenantID string, st *tenantState) {
	if l.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.store.SaveBudgetState(ctx, l.snapshotLocked(tenantID, st)); err != nil {
		l.logger.Error("persist budget state",
			slog.String("tenant_id", tenantID),
			slog.String("error", err.Error()))
	}
}
