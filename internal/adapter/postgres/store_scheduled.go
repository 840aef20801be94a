package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Strob0t/curator/internal/domain/scheduled"
)

const scheduledColumns = `id, user_id, name, schedule, target, is_active, execution_count, success_count,
	failure_count, last_executed_at, last_result, created_at, updated_at`

func (s *Store) CreateScheduledAgent(ctx context.Context, sa *scheduled.ScheduledAgent) error {
	scheduleJSON, err := json.Marshal(sa.Schedule)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}
	targetJSON, err := json.Marshal(sa.Target)
	if err != nil {
		return fmt.Errorf("marshal target: %w", err)
	}

	err = s.pool.QueryRow(ctx,
		`INSERT INTO scheduled_agents (user_id, name, schedule, target, is_active)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at, updated_at`,
		sa.UserID, sa.Name, scheduleJSON, targetJSON, sa.IsActive,
	).Scan(&sa.ID, &sa.CreatedAt, &sa.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create scheduled agent: %w", err)
	}
	return nil
}

func (s *Store) GetScheduledAgent(ctx context.Context, id string) (*scheduled.ScheduledAgent, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+scheduledColumns+` FROM scheduled_agents WHERE id = $1`, id)
	sa, err := scanScheduledAgent(row)
	if err != nil {
		return nil, notFoundWrap(err, "get scheduled agent %s", id)
	}
	return &sa, nil
}

func (s *Store) ListScheduledAgents(ctx context.Context, userID string) ([]scheduled.ScheduledAgent, error) {
	return s.queryScheduled(ctx, "list scheduled agents",
		`SELECT `+scheduledColumns+` FROM scheduled_agents WHERE ($1 = '' OR user_id = $1) ORDER BY created_at`, userID)
}

func (s *Store) ListActiveScheduledAgents(ctx context.Context) ([]scheduled.ScheduledAgent, error) {
	return s.queryScheduled(ctx, "list active scheduled agents",
		`SELECT `+scheduledColumns+` FROM scheduled_agents WHERE is_active ORDER BY created_at`)
}

func (s *Store) SetScheduledAgentActive(ctx context.Context, id string, active bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE scheduled_agents SET is_active = $2, updated_at = now() WHERE id = $1`, id, active)
	return execExpectOne(tag, err, "set scheduled agent active %s", id)
}

func (s *Store) DeleteScheduledAgent(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM scheduled_agents WHERE id = $1`, id)
	return execExpectOne(tag, err, "delete scheduled agent %s", id)
}

func (s *Store) RecordScheduledExecution(ctx context.Context, id string, at time.Time, result scheduled.Result) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	success, failure := 0, 1
	if result.Status == scheduled.OutcomeSuccess {
		success, failure = 1, 0
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE scheduled_agents SET
		    execution_count = execution_count + 1,
		    success_count = success_count + $2,
		    failure_count = failure_count + $3,
		    last_executed_at = $4,
		    last_result = $5,
		    updated_at = now()
		 WHERE id = $1`, id, success, failure, at, resultJSON)
	return execExpectOne(tag, err, "record scheduled execution %s", id)
}

func (s *Store) queryScheduled(ctx context.Context, op, query string, args ...any) ([]scheduled.ScheduledAgent, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []scheduled.ScheduledAgent
	for rows.Next() {
		sa, err := scanScheduledAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, sa)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return orEmpty(out), nil
}

func scanScheduledAgent(row scannable) (scheduled.ScheduledAgent, error) {
	var (
		sa                                   scheduled.ScheduledAgent
		scheduleJSON, targetJSON, resultJSON []byte
	)
	err := row.Scan(
		&sa.ID, &sa.UserID, &sa.Name, &scheduleJSON, &targetJSON, &sa.IsActive,
		&sa.ExecutionCount, &sa.SuccessCount, &sa.FailureCount, &sa.LastExecutedAt, &resultJSON,
		&sa.CreatedAt, &sa.UpdatedAt,
	)
	if err != nil {
		return sa, err
	}
	if err := json.Unmarshal(scheduleJSON, &sa.Schedule); err != nil {
		return sa, fmt.Errorf("unmarshal schedule: %w", err)
	}
	if err := json.Unmarshal(targetJSON, &sa.Target); err != nil {
		return sa, fmt.Errorf("unmarshal target: %w", err)
	}
	if resultJSON != nil {
		var r scheduled.Result
		if err := json.Unmarshal(resultJSON, &r); err != nil {
			return sa, fmt.Errorf("unmarshal last result: %w", err)
		}
		sa.LastResult = &r
	}
	return sa, nil
}
