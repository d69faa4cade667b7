package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"orchestrator/pkg/state"
)

// RecordHistory appends one completed-agent snapshot to the history table. Called once
// per terminal agent, right after AppState.CompleteAgent.
func (s *Store) RecordHistory(ctx context.Context, e state.HistoryEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO history (
			agent_id, kind, issue_uuid, identifier, status,
			started_at, finished_at, duration_ms, cost_usd, num_turns,
			error, summary, pr_number
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.AgentID, string(e.Kind), e.IssueUUID, e.Identifier, string(e.Status),
		e.StartedAt, e.FinishedAt, e.DurationMs, e.CostUSD, e.NumTurns,
		e.Error, e.Summary, e.PRNumber,
	)
	if err != nil {
		return fmt.Errorf("record history: %w", err)
	}
	return nil
}

// RecentHistory returns up to limit history rows, most recently finished first. Used both
// by the dashboard's /api/status and to reseed AppState's in-memory history ring on
// restart so the dashboard doesn't show an empty history immediately after a process
// restart.
func (s *Store) RecentHistory(ctx context.Context, limit int) ([]state.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, kind, issue_uuid, identifier, status,
		       started_at, finished_at, duration_ms, cost_usd, num_turns,
		       error, summary, pr_number
		FROM history
		ORDER BY finished_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []state.HistoryEntry
	for rows.Next() {
		var e state.HistoryEntry
		var kind, status string
		if err := rows.Scan(
			&e.ID, &e.AgentID, &kind, &e.IssueUUID, &e.Identifier, &status,
			&e.StartedAt, &e.FinishedAt, &e.DurationMs, &e.CostUSD, &e.NumTurns,
			&e.Error, &e.Summary, &e.PRNumber,
		); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		e.Kind = state.AgentKind(kind)
		e.Status = state.AgentStatus(status)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	return out, nil
}

// HistoryByID looks up a single history row by ID, used by the dashboard's
// POST /api/retry/:historyId to validate the row exists and find its issue before
// reverting the Tracker issue to Ready.
func (s *Store) HistoryByID(ctx context.Context, id int64) (state.HistoryEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, kind, issue_uuid, identifier, status,
		       started_at, finished_at, duration_ms, cost_usd, num_turns,
		       error, summary, pr_number
		FROM history WHERE id = ?`, id)

	var e state.HistoryEntry
	var kind, status string
	err := row.Scan(
		&e.ID, &e.AgentID, &kind, &e.IssueUUID, &e.Identifier, &status,
		&e.StartedAt, &e.FinishedAt, &e.DurationMs, &e.CostUSD, &e.NumTurns,
		&e.Error, &e.Summary, &e.PRNumber,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return state.HistoryEntry{}, fmt.Errorf("history id %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return state.HistoryEntry{}, fmt.Errorf("query history id %d: %w", id, err)
	}
	e.Kind = state.AgentKind(kind)
	e.Status = state.AgentStatus(status)
	return e, nil
}

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("not found")

// IncrementFixerAttempt upserts issueUUID's attempt counter, matching AppState's in-memory
// RecordFixerAttempt.
func (s *Store) IncrementFixerAttempt(ctx context.Context, issueUUID string, seenAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fixer_attempts (issue_uuid, attempt_count, last_seen_in_view)
		VALUES (?, 1, ?)
		ON CONFLICT(issue_uuid) DO UPDATE SET
			attempt_count = attempt_count + 1,
			last_seen_in_view = excluded.last_seen_in_view`,
		issueUUID, seenAt,
	)
	if err != nil {
		return fmt.Errorf("increment fixer attempt for %s: %w", issueUUID, err)
	}
	return nil
}

// FixerAttemptCounts returns every issue's current attempt count, used to reseed
// AppState.fixerAttempts on restart so an issue that already exhausted its retries before a
// restart doesn't get a fresh budget.
func (s *Store) FixerAttemptCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT issue_uuid, attempt_count FROM fixer_attempts`)
	if err != nil {
		return nil, fmt.Errorf("query fixer attempts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var uuid string
		var count int
		if err := rows.Scan(&uuid, &count); err != nil {
			return nil, fmt.Errorf("scan fixer attempt row: %w", err)
		}
		out[uuid] = count
	}
	return out, rows.Err()
}

// PruneFixerAttempt deletes issueUUID's counter, mirroring AppState.PruneFixerAttempts
//.
func (s *Store) PruneFixerAttempt(ctx context.Context, issueUUID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM fixer_attempts WHERE issue_uuid = ?`, issueUUID); err != nil {
		return fmt.Errorf("prune fixer attempt for %s: %w", issueUUID, err)
	}
	return nil
}

// SaveBudgetSpend persists the current daily/monthly spend totals so a mid-day or mid-month
// restart doesn't reset either window. It is a single-row upsert: the
// ledger only ever needs the latest snapshot, not a full history of every spend event.
func (s *Store) SaveBudgetSpend(ctx context.Context, dailySpendUSD, monthlySpendUSD float64, asOf time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO budget_ledger (id, daily_spend_usd, monthly_spend_usd, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			daily_spend_usd = excluded.daily_spend_usd,
			monthly_spend_usd = excluded.monthly_spend_usd,
			updated_at = excluded.updated_at`,
		dailySpendUSD, monthlySpendUSD, asOf,
	)
	if err != nil {
		return fmt.Errorf("save budget ledger: %w", err)
	}
	return nil
}

// LoadBudgetSpend returns the last saved daily/monthly spend and the time it was saved. A
// database with no ledger row yet (first run) returns zero values and ok=false, so the
// caller knows to start both windows fresh rather than seed them with zeros as if a prior
// run genuinely spent nothing.
func (s *Store) LoadBudgetSpend(ctx context.Context) (dailySpendUSD, monthlySpendUSD float64, asOf time.Time, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT daily_spend_usd, monthly_spend_usd, updated_at FROM budget_ledger WHERE id = 1`)
	err = row.Scan(&dailySpendUSD, &monthlySpendUSD, &asOf)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, time.Time{}, false, nil
	}
	if err != nil {
		return 0, 0, time.Time{}, false, fmt.Errorf("load budget ledger: %w", err)
	}
	return dailySpendUSD, monthlySpendUSD, asOf, true, nil
}
