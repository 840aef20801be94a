package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/curator/internal/domain"
	"github.com/Strob0t/curator/internal/domain/run"
)

const runColumns = `id, agent_id, user_id, status, start_time, end_time, duration_ms,
	items_processed, items_added, logs, errors, results`

func (s *Store) CreateRun(ctx context.Context, r *run.Run) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("create run %s: %w: %w", r.ID, domain.ErrValidation, err)
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	logsJSON, err := json.Marshal(orEmpty(r.Logs))
	if err != nil {
		return fmt.Errorf("marshal logs: %w", err)
	}
	resultsJSON, err := marshalNullable(r.Results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO agent_runs (id, agent_id, user_id, status, start_time, end_time, duration_ms,
		    items_processed, items_added, logs, errors, results)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID, r.AgentID, r.UserID, string(r.Status), r.StartTime, nullTime(r.EndTime), r.Duration,
		r.ItemsProcessed, r.ItemsAdded, logsJSON, pgTextArray(r.Errors), resultsJSON)
	if err != nil {
		return fmt.Errorf("create run %s: %w", r.ID, err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*run.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM agent_runs WHERE id = $1`, id)
	r, err := scanRun(row)
	if err != nil {
		return nil, notFoundWrap(err, "get run %s", id)
	}
	return &r, nil
}

func (s *Store) ListRunsByAgent(ctx context.Context, agentID string, limit int) ([]run.Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM agent_runs WHERE agent_id = $1 ORDER BY start_time DESC LIMIT $2`,
		agentID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []run.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return orEmpty(runs), nil
}

func (s *Store) AppendRunLog(ctx context.Context, runID string, entry run.LogEntry) error {
	entryJSON, err := json.Marshal([]run.LogEntry{entry})
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE agent_runs SET logs = logs || $2::jsonb WHERE id = $1`, runID, entryJSON)
	return execExpectOne(tag, err, "append run log %s", runID)
}

func (s *Store) FinishRun(ctx context.Context, r *run.Run) error {
	if err := r.ValidateFinished(); err != nil {
		return fmt.Errorf("finish run %s: %w: %w", r.ID, domain.ErrValidation, err)
	}
	logsJSON, err := json.Marshal(orEmpty(r.Logs))
	if err != nil {
		return fmt.Errorf("marshal logs: %w", err)
	}
	resultsJSON, err := marshalNullable(r.Results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE agent_runs SET status = $2, end_time = $3, duration_ms = $4, items_processed = $5,
		    items_added = $6, logs = $7, errors = $8, results = $9
		 WHERE id = $1 AND status = 'running'`,
		r.ID, string(r.Status), nullTime(r.EndTime), r.Duration, r.ItemsProcessed, r.ItemsAdded,
		logsJSON, pgTextArray(r.Errors), resultsJSON)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", r.ID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM agent_runs WHERE id = $1)`, r.ID).Scan(&exists); err != nil {
			return fmt.Errorf("finish run %s: %w", r.ID, err)
		}
		if !exists {
			return fmt.Errorf("finish run %s: %w", r.ID, domain.ErrNotFound)
		}
		return fmt.Errorf("finish run %s: %w", r.ID, domain.ErrConflict)
	}
	return nil
}

func (s *Store) FailOrphanedRuns(ctx context.Context, agentID string, at time.Time, reason string) (int, error) {
	// Both updates run in one statement so the agent counters always match
	// the number of runs failed here.
	var n int
	err := s.pool.QueryRow(ctx,
		`WITH failed AS (
		    UPDATE agent_runs SET
		        status = 'failed',
		        end_time = GREATEST($2, start_time),
		        duration_ms = (EXTRACT(EPOCH FROM (GREATEST($2, start_time) - start_time)) * 1000)::bigint,
		        errors = array_append(errors, $3)
		     WHERE agent_id = $1 AND status = 'running'
		     RETURNING id
		 ), counted AS (
		    UPDATE agents SET
		        total_runs = total_runs + (SELECT count(*) FROM failed),
		        failed_runs = failed_runs + (SELECT count(*) FROM failed),
		        version = version + 1,
		        updated_at = now()
		     WHERE id = $1 AND EXISTS (SELECT 1 FROM failed)
		 )
		 SELECT count(*) FROM failed`, agentID, at, reason).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("fail orphaned runs %s: %w", agentID, err)
	}
	return n, nil
}

func marshalNullable(v map[string]any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func scanRun(row scannable) (run.Run, error) {
	var (
		r           run.Run
		logsJSON    []byte
		resultsJSON []byte
	)
	err := row.Scan(
		&r.ID, &r.AgentID, &r.UserID, &r.Status, &r.StartTime, &r.EndTime, &r.Duration,
		&r.ItemsProcessed, &r.ItemsAdded, &logsJSON, &r.Errors, &resultsJSON,
	)
	if err != nil {
		return r, err
	}
	if logsJSON != nil {
		if err := json.Unmarshal(logsJSON, &r.Logs); err != nil {
			return r, fmt.Errorf("unmarshal run logs: %w", err)
		}
	}
	r.Logs = orEmpty(r.Logs)
	if resultsJSON != nil {
		if err := json.Unmarshal(resultsJSON, &r.Results); err != nil {
			return r, fmt.Errorf("unmarshal run results: %w", err)
		}
	}
	return r, nil
}
