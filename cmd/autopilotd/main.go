// autopilotd is the orchestrator daemon. `autopilotd start <project-path>` loads the
// project's .claude-autopilot.yml, wires the tracker, host, agent runner, persistence,
// and dashboard together, and runs the main loop until SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"orchestrator/internal/orchestrator"
	"orchestrator/pkg/agentrunner"
	"orchestrator/pkg/config"
	"orchestrator/pkg/dashboard"
	"orchestrator/pkg/forge"
	_ "orchestrator/pkg/forge/gitea"  // registers the gitea host factory
	_ "orchestrator/pkg/forge/github" // registers the github host factory
	"orchestrator/pkg/limiter"
	"orchestrator/pkg/logx"
	"orchestrator/pkg/metrics"
	"orchestrator/pkg/persistence"
	"orchestrator/pkg/state"
	"orchestrator/pkg/tracker"
	"orchestrator/pkg/tracker/linear"
)

var log = logx.NewLogger("autopilotd")

const (
	defaultPort = 7890
	defaultHost = "127.0.0.1"

	// dbFilename sits next to the config file in the project root.
	dbFilename = ".claude-autopilot.db"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: autopilotd start <project-path> [--port N] [--host H]\n")
}

func run(args []string) int {
	if len(args) < 1 || args[0] != "start" {
		usage()
		return 1
	}

	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	port := fs.Int("port", defaultPort, "dashboard listen port")
	host := fs.String("host", defaultHost, "dashboard listen host")

	rest := args[1:]
	if len(rest) == 0 || strings.HasPrefix(rest[0], "-") {
		usage()
		return 1
	}
	projectPath := rest[0]
	if err := fs.Parse(rest[1:]); err != nil {
		return 1
	}

	if err := start(projectPath, *host, *port); err != nil {
		log.Error("%v", err)
		return 1
	}
	return 0
}

func start(projectPath, host string, port int) error {
	abs, err := filepath.Abs(projectPath)
	if err != nil {
		return fmt.Errorf("resolve project path: %w", err)
	}
	projectPath = abs
	if info, err := os.Stat(projectPath); err != nil || !info.IsDir() {
		return fmt.Errorf("project path %s is not a directory", projectPath)
	}

	dashToken := os.Getenv("AUTOPILOT_DASHBOARD_TOKEN")
	if !isLoopback(host) && dashToken == "" {
		return fmt.Errorf("AUTOPILOT_DASHBOARD_TOKEN is required when --host is not loopback")
	}

	linearKey := os.Getenv("LINEAR_API_KEY")
	if linearKey == "" {
		return fmt.Errorf("LINEAR_API_KEY environment variable is not set")
	}
	if !hasAgentRuntimeCredentials() {
		log.Warn("no agent runtime credentials found (ANTHROPIC_API_KEY / CLAUDE_API_KEY / CLAUDE_CODE_USE_BEDROCK / CLAUDE_CODE_USE_VERTEX); agents may fail to start")
	}

	cfg, err := config.Load(projectPath)
	if err != nil {
		return err
	}

	if term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Printf("autopilot: project=%s parallel=%d poll=%gm dashboard=http://%s:%d\n",
			projectPath, cfg.Executor.Parallel, cfg.Executor.PollIntervalMinutes, host, port)
	}

	store, err := persistence.Open(filepath.Join(projectPath, dbFilename))
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	budget := limiter.New(
		cfg.Budget.DailyLimitUSD,
		cfg.Budget.MonthlyLimitUSD,
		cfg.Budget.PerAgentLimitUSD,
		cfg.Budget.WarnAtPercent,
	)
	appState := state.New(budget)

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStartup()
	if err := seedFromStore(startupCtx, store, budget, appState); err != nil {
		return err
	}
	installHooks(store, budget, appState)

	tr, err := buildTracker(startupCtx, linearKey, cfg)
	if err != nil {
		return err
	}

	hostClient, err := forge.NewClient(cfg)
	if err != nil {
		return err
	}

	m := metrics.NewOrchestrator()

	orch := &orchestrator.Orchestrator{
		Config:        *cfg,
		Tracker:       tr,
		Host:          hostClient,
		Runner:        agentrunner.NewProcess(agentCommand()),
		State:         appState,
		ProjectPath:   projectPath,
		ExecutorModel: os.Getenv("AUTOPILOT_EXECUTOR_MODEL"),
		PlannerModel:  os.Getenv("AUTOPILOT_PLANNER_MODEL"),
		Metrics:       m,
	}

	srv := startDashboard(appState, store, tr, orch, dashToken, host, port)
	orch.DashboardStop = srv.Shutdown

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return orch.Run(ctx)
}

// seedFromStore restores the durable subset of state: history rows for the dashboard,
// fixer attempt counts, and the budget ledger so a mid-day restart keeps its spend window.
func seedFromStore(ctx context.Context, store *persistence.Store, budget *limiter.Budget, appState *state.AppState) error {
	history, err := store.RecentHistory(ctx, 200)
	if err != nil {
		return err
	}
	// RecentHistory returns newest first; the ring wants oldest first.
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}
	appState.SeedHistory(history)

	attempts, err := store.FixerAttemptCounts(ctx)
	if err != nil {
		return err
	}
	appState.SeedFixerAttempts(attempts, time.Now())

	daily, monthly, asOf, ok, err := store.LoadBudgetSpend(ctx)
	if err != nil {
		return err
	}
	if ok && sameDay(asOf, time.Now()) {
		budget.Seed(daily, monthly)
	} else if ok && sameMonth(asOf, time.Now()) {
		budget.Seed(0, monthly)
	}
	return nil
}

// installHooks persists state transitions as they happen. Persistence failures are logged
// and dropped: the in-memory state is authoritative for the current process, and losing a
// row only costs dashboard history after the next restart.
func installHooks(store *persistence.Store, budget *limiter.Budget, appState *state.AppState) {
	appState.SetHooks(
		func(e state.HistoryEntry) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := store.RecordHistory(ctx, e); err != nil {
				log.Warn("persist history for %s: %v", e.AgentID, err)
			}
			snap := budget.Snapshot()
			if err := store.SaveBudgetSpend(ctx, snap.DailySpendUSD, snap.MonthlySpendUSD, time.Now()); err != nil {
				log.Warn("persist budget ledger: %v", err)
			}
		},
		func(issueUUID string, seenAt time.Time) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := store.IncrementFixerAttempt(ctx, issueUUID, seenAt); err != nil {
				log.Warn("persist fixer attempt for %s: %v", issueUUID, err)
			}
		},
		func(issueUUID string) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := store.PruneFixerAttempt(ctx, issueUUID); err != nil {
				log.Warn("prune fixer attempt for %s: %v", issueUUID, err)
			}
		},
	)
}

// buildTracker constructs the Linear client and verifies the configured team and state
// names exist before the loop starts; a typo'd team or state name is fatal, not
// something to retry.
func buildTracker(ctx context.Context, apiKey string, cfg *config.Config) (tracker.Tracker, error) {
	stateNames := map[tracker.IssueState]string{
		tracker.StateTriage:     cfg.Linear.States.Triage,
		tracker.StateReady:      cfg.Linear.States.Ready,
		tracker.StateInProgress: cfg.Linear.States.InProgress,
		tracker.StateInReview:   cfg.Linear.States.InReview,
		tracker.StateDone:       cfg.Linear.States.Done,
		tracker.StateBlocked:    cfg.Linear.States.Blocked,
	}

	client := linear.NewClient(apiKey, cfg.Linear.Team, stateNames)

	actual, err := client.TeamStates(ctx, cfg.Linear.Team)
	if err != nil {
		return nil, fmt.Errorf("verify linear team %q: %w", cfg.Linear.Team, err)
	}
	var missing []string
	for logical, name := range stateNames {
		if _, ok := actual[logical]; !ok {
			missing = append(missing, fmt.Sprintf("%s (%s)", name, logical))
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("linear team %q has no workflow state(s): %s", cfg.Linear.Team, strings.Join(missing, ", "))
	}
	return client, nil
}

func startDashboard(appState *state.AppState, store *persistence.Store, tr tracker.Tracker, orch *orchestrator.Orchestrator, token, host string, port int) *http.Server {
	dash := dashboard.NewServer(dashboard.Deps{
		State:           appState,
		Store:           store,
		Tracker:         tr,
		Token:           token,
		TriggerPlanning: orch.TriggerPlanning,
		StartedAt:       time.Now(),
	})
	mux := http.NewServeMux()
	dash.RegisterRoutes(mux)

	srv := &http.Server{
		Addr:              net.JoinHostPort(host, fmt.Sprint(port)),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("dashboard server: %v", err)
		}
	}()
	return srv
}

// agentCommand is the argv used to spawn each coding agent, overridable for deployments
// that wrap the agent CLI in their own launcher script.
func agentCommand() []string {
	if custom := os.Getenv("AUTOPILOT_AGENT_CMD"); custom != "" {
		return strings.Fields(custom)
	}
	return []string{"claude", "--print", "--output-format", "stream-json"}
}

func hasAgentRuntimeCredentials() bool {
	for _, v := range []string{"ANTHROPIC_API_KEY", "CLAUDE_API_KEY", "CLAUDE_CODE_USE_BEDROCK", "CLAUDE_CODE_USE_VERTEX"} {
		if os.Getenv(v) != "" {
			return true
		}
	}
	return false
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func sameMonth(a, b time.Time) bool {
	ay, am, _ := a.Date()
	by, bm, _ := b.Date()
	return ay == by && am == bm
}
