// Package limiter enforces the orchestrator's spend budget: one process-wide USD ledger
// tracked across rolling daily and monthly windows behind a single mutex. Windows roll
// lazily - each observation checks whether the wall clock crossed midnight or the 1st
// since the last one - so there is no background timer to manage.
package limiter

import (
	"sync"
	"time"
)

// Budget tracks cumulative spend against daily, monthly, and per-agent limits.
//
//nolint:govet // logical field grouping preferred
type Budget struct {
	mu sync.Mutex

	dailyLimitUSD    float64
	monthlyLimitUSD  float64
	perAgentLimitUSD float64
	warnPct          float64

	dailySpendUSD   float64
	monthlySpendUSD float64

	dayStart   time.Time
	monthStart time.Time

	now func() time.Time
}

// Snapshot is a defensive, read-only copy of the current budget state.
type Snapshot struct {
	DailySpendUSD    float64
	MonthlySpendUSD  float64
	DailyLimitUSD    float64
	MonthlyLimitUSD  float64
	PerAgentLimitUSD float64
	WarnAtPercent    float64
	Exhausted        bool
	WarnLevel        bool
}

// New creates a Budget using the given limits. A zero limit means "no limit" for that
// window; spend exhausts the budget once it reaches any nonzero limit.
func New(dailyLimitUSD, monthlyLimitUSD, perAgentLimitUSD, warnPct float64) *Budget {
	now := time.Now()
	return &Budget{
		dailyLimitUSD:    dailyLimitUSD,
		monthlyLimitUSD:  monthlyLimitUSD,
		perAgentLimitUSD: perAgentLimitUSD,
		warnPct:          warnPct,
		dayStart:         startOfDay(now),
		monthStart:       startOfMonth(now),
		now:              time.Now,
	}
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func startOfMonth(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, t.Location())
}

// Seed restores persisted spend totals after a restart, so a crash mid-day does not
// silently reset the daily window.
func (b *Budget) Seed(dailySpendUSD, monthlySpendUSD float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dailySpendUSD = dailySpendUSD
	b.monthlySpendUSD = monthlySpendUSD
}

// Add records additional spend, rolling the daily/monthly windows forward first if the
// wall clock has crossed a boundary since the last call.
func (b *Budget) Add(usd float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollWindowsLocked()
	if usd <= 0 {
		return
	}
	b.dailySpendUSD += usd
	b.monthlySpendUSD += usd
}

// PerAgentLimitUSD returns the configured per-agent cost ceiling (0 means unlimited).
func (b *Budget) PerAgentLimitUSD() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.perAgentLimitUSD
}

// Exhausted reports whether spend has reached or exceeded any configured nonzero limit.
func (b *Budget) Exhausted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollWindowsLocked()
	return b.exhaustedLocked()
}

func (b *Budget) exhaustedLocked() bool {
	if b.dailyLimitUSD > 0 && b.dailySpendUSD >= b.dailyLimitUSD {
		return true
	}
	if b.monthlyLimitUSD > 0 && b.monthlySpendUSD >= b.monthlyLimitUSD {
		return true
	}
	return false
}

// Snapshot returns a defensive copy of the current budget state for AppState/dashboard use.
func (b *Budget) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollWindowsLocked()

	warn := false
	if b.dailyLimitUSD > 0 && b.warnPct > 0 {
		warn = warn || (b.dailySpendUSD/b.dailyLimitUSD*100 >= b.warnPct)
	}
	if b.monthlyLimitUSD > 0 && b.warnPct > 0 {
		warn = warn || (b.monthlySpendUSD/b.monthlyLimitUSD*100 >= b.warnPct)
	}

	return Snapshot{
		DailySpendUSD:    b.dailySpendUSD,
		MonthlySpendUSD:  b.monthlySpendUSD,
		DailyLimitUSD:    b.dailyLimitUSD,
		MonthlyLimitUSD:  b.monthlyLimitUSD,
		PerAgentLimitUSD: b.perAgentLimitUSD,
		WarnAtPercent:    b.warnPct,
		Exhausted:        b.exhaustedLocked(),
		WarnLevel:        warn,
	}
}

// rollWindowsLocked resets the daily/monthly counters when the wall clock has crossed
// midnight / the 1st of the month since the last observation. Caller must hold b.mu.
func (b *Budget) rollWindowsLocked() {
	now := b.now()

	today := startOfDay(now)
	if today.After(b.dayStart) {
		b.dailySpendUSD = 0
		b.dayStart = today
	}

	month := startOfMonth(now)
	if month.After(b.monthStart) {
		b.monthlySpendUSD = 0
		b.monthStart = month
	}
}
