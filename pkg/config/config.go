// Package config loads and validates the orchestrator's project configuration file,
// ".claude-autopilot.yml": defaults are built first, the file is deep-merged on top, and
// the merged result is validated as a whole.
package config

import "fmt"

// LinearStates maps the orchestrator's logical issue states onto the Tracker's actual
// workflow state names, which vary per team.
type LinearStates struct {
	Triage     string `yaml:"triage"`
	Ready      string `yaml:"ready"`
	InProgress string `yaml:"in_progress"`
	InReview   string `yaml:"in_review"`
	Done       string `yaml:"done"`
	Blocked    string `yaml:"blocked"`
}

// LinearConfig configures the Tracker integration.
type LinearConfig struct {
	Team   string       `yaml:"team"`
	States LinearStates `yaml:"states"`
}

// ExecutorConfig configures the bounded-parallel coding agent pool.
type ExecutorConfig struct {
	Parallel                  int     `yaml:"parallel"`
	TimeoutMinutes            float64 `yaml:"timeout_minutes"`
	FixerTimeoutMinutes       float64 `yaml:"fixer_timeout_minutes"`
	MaxFixerAttempts          int     `yaml:"max_fixer_attempts"`
	MaxRetries                int     `yaml:"max_retries"`
	InactivityTimeoutMinutes  float64 `yaml:"inactivity_timeout_minutes"`
	PollIntervalMinutes       float64 `yaml:"poll_interval_minutes"`
}

// PlannerSchedule enumerates when the Planner gate is allowed to fire.
type PlannerSchedule string

// Planner schedule values.
const (
	PlannerWhenIdle PlannerSchedule = "when_idle"
	PlannerDaily    PlannerSchedule = "daily"
	PlannerManual   PlannerSchedule = "manual"
)

// PlannerConfig configures the backlog-replenishment planner.
type PlannerConfig struct {
	Schedule          PlannerSchedule `yaml:"schedule"`
	MinReadyThreshold int             `yaml:"min_ready_threshold"`
	MinIntervalMin    float64         `yaml:"min_interval_minutes"`
	MaxIssuesPerRun   int             `yaml:"max_issues_per_run"`
	TimeoutMinutes    float64         `yaml:"timeout_minutes"`
}

// MonitorConfig configures PR-monitoring behavior.
type MonitorConfig struct {
	RespondToReviews bool `yaml:"respond_to_reviews"`
}

// BudgetConfig configures spend limits enforced by pkg/limiter.
type BudgetConfig struct {
	DailyLimitUSD   float64 `yaml:"daily_limit_usd"`
	MonthlyLimitUSD float64 `yaml:"monthly_limit_usd"`
	PerAgentLimitUSD float64 `yaml:"per_agent_limit_usd"`
	WarnAtPercent   float64 `yaml:"warn_at_percent"`
}

// HostConfig configures the code-host (forge) integration.
type HostConfig struct {
	Provider string `yaml:"provider"` // "github" or "gitea"
	BaseURL  string `yaml:"base_url"` // required for gitea
}

// Config is the root of ".claude-autopilot.yml".
//
//nolint:govet // logical field grouping preferred over memory layout
type Config struct {
	Linear    LinearConfig    `yaml:"linear"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Planner   PlannerConfig   `yaml:"planner"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Budget    BudgetConfig    `yaml:"budget"`
	Host      HostConfig      `yaml:"host"`
}

// Defaults returns a Config populated with every documented default value.
func Defaults() *Config {
	return &Config{
		Linear: LinearConfig{
			States: LinearStates{
				Triage:     "Triage",
				Ready:      "Ready",
				InProgress: "In Progress",
				InReview:   "In Review",
				Done:       "Done",
				Blocked:    "Blocked",
			},
		},
		Executor: ExecutorConfig{
			Parallel:                 3,
			TimeoutMinutes:           30,
			FixerTimeoutMinutes:      20,
			MaxFixerAttempts:         3,
			MaxRetries:               3,
			InactivityTimeoutMinutes: 10,
			PollIntervalMinutes:      5,
		},
		Planner: PlannerConfig{
			Schedule:          PlannerWhenIdle,
			MinReadyThreshold: 5,
			MinIntervalMin:    60,
			MaxIssuesPerRun:   5,
			TimeoutMinutes:    90,
		},
		Monitor: MonitorConfig{
			RespondToReviews: false,
		},
		Budget: BudgetConfig{
			WarnAtPercent: 80,
		},
		Host: HostConfig{
			Provider: "github",
		},
	}
}

// violation records one validation failure; Validate collects all of them before
// returning so the operator sees every problem at once.
type violation struct {
	field  string
	reason string
}

func (v violation) Error() string {
	return fmt.Sprintf("%s: %s", v.field, v.reason)
}

// Validate checks every field against its documented valid range and returns a combined
// error naming every violation found, or nil if the config is valid.
func (c *Config) Validate() error {
	var violations []violation

	if len(c.Linear.Team) == 0 || len(c.Linear.Team) > 200 {
		violations = append(violations, violation{"linear.team", "must be non-empty and at most 200 chars"})
	}
	for _, s := range []struct {
		name, val string
	}{
		{"linear.states.triage", c.Linear.States.Triage},
		{"linear.states.ready", c.Linear.States.Ready},
		{"linear.states.in_progress", c.Linear.States.InProgress},
		{"linear.states.in_review", c.Linear.States.InReview},
		{"linear.states.done", c.Linear.States.Done},
		{"linear.states.blocked", c.Linear.States.Blocked},
	} {
		if len(s.val) == 0 || len(s.val) > 200 {
			violations = append(violations, violation{s.name, "must be non-empty and at most 200 chars"})
		}
	}

	if c.Executor.Parallel < 1 || c.Executor.Parallel > 50 {
		violations = append(violations, violation{"executor.parallel", "must be in 1..50"})
	}
	if c.Executor.TimeoutMinutes < 1 || c.Executor.TimeoutMinutes > 480 {
		violations = append(violations, violation{"executor.timeout_minutes", "must be in 1..480"})
	}
	if c.Executor.FixerTimeoutMinutes < 1 || c.Executor.FixerTimeoutMinutes > 120 {
		violations = append(violations, violation{"executor.fixer_timeout_minutes", "must be in 1..120"})
	}
	if c.Executor.MaxFixerAttempts < 1 || c.Executor.MaxFixerAttempts > 10 {
		violations = append(violations, violation{"executor.max_fixer_attempts", "must be in 1..10"})
	}
	if c.Executor.MaxRetries < 0 || c.Executor.MaxRetries > 20 {
		violations = append(violations, violation{"executor.max_retries", "must be in 0..20"})
	}
	if c.Executor.InactivityTimeoutMinutes < 1 || c.Executor.InactivityTimeoutMinutes > 120 {
		violations = append(violations, violation{"executor.inactivity_timeout_minutes", "must be in 1..120"})
	}
	if c.Executor.PollIntervalMinutes < 0.5 || c.Executor.PollIntervalMinutes > 60 {
		violations = append(violations, violation{"executor.poll_interval_minutes", "must be in 0.5..60"})
	}

	switch c.Planner.Schedule {
	case PlannerWhenIdle, PlannerDaily, PlannerManual:
	default:
		violations = append(violations, violation{"planner.schedule", "must be one of when_idle, daily, manual"})
	}
	if c.Planner.MinReadyThreshold < 0 || c.Planner.MinReadyThreshold > 1000 {
		violations = append(violations, violation{"planner.min_ready_threshold", "must be in 0..1000"})
	}
	if c.Planner.MinIntervalMin < 0 || c.Planner.MinIntervalMin > 1440 {
		violations = append(violations, violation{"planner.min_interval_minutes", "must be in 0..1440"})
	}
	if c.Planner.MaxIssuesPerRun < 1 || c.Planner.MaxIssuesPerRun > 50 {
		violations = append(violations, violation{"planner.max_issues_per_run", "must be in 1..50"})
	}
	if c.Planner.TimeoutMinutes < 1 || c.Planner.TimeoutMinutes > 480 {
		violations = append(violations, violation{"planner.timeout_minutes", "must be in 1..480"})
	}

	if c.Budget.DailyLimitUSD < 0 {
		violations = append(violations, violation{"budget.daily_limit_usd", "must be >= 0"})
	}
	if c.Budget.MonthlyLimitUSD < 0 {
		violations = append(violations, violation{"budget.monthly_limit_usd", "must be >= 0"})
	}
	if c.Budget.PerAgentLimitUSD < 0 {
		violations = append(violations, violation{"budget.per_agent_limit_usd", "must be >= 0"})
	}
	if c.Budget.WarnAtPercent < 0 || c.Budget.WarnAtPercent > 100 {
		violations = append(violations, violation{"budget.warn_at_percent", "must be in 0..100"})
	}

	switch c.Host.Provider {
	case "github", "gitea":
	default:
		violations = append(violations, violation{"host.provider", "must be one of github, gitea"})
	}
	if c.Host.Provider == "gitea" && c.Host.BaseURL == "" {
		violations = append(violations, violation{"host.base_url", "required when host.provider is gitea"})
	}

	if len(violations) == 0 {
		return nil
	}

	msg := fmt.Sprintf("%d config validation error(s):", len(violations))
	for _, v := range violations {
		msg += "\n  - " + v.Error()
	}
	return fmt.Errorf("%s", msg)
}
