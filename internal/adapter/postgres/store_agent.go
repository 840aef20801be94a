package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Strob0t/curator/internal/domain"
	"github.com/Strob0t/curator/internal/domain/agent"
)

const agentColumns = `id, user_id, name, description, type, configuration, is_active, status, error_message,
	last_run, next_run, total_runs, successful_runs, failed_runs, items_processed, items_added,
	scheduled_agent_id, version, created_at, updated_at`

func (s *Store) CreateAgent(ctx context.Context, req agent.CreateRequest) (*agent.Agent, error) {
	configJSON, err := json.Marshal(req.Configuration)
	if err != nil {
		return nil, fmt.Errorf("marshal configuration: %w", err)
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO agents (user_id, name, description, type, configuration, scheduled_agent_id)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+agentColumns,
		req.UserID, req.Name, req.Description, string(req.Type), configJSON, nullIfEmpty(req.ScheduledAgentID))

	a, err := scanAgent(row)
	if err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	}
	return &a, nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*agent.Agent, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	a, err := scanAgent(row)
	if err != nil {
		return nil, notFoundWrap(err, "get agent %s", id)
	}
	return &a, nil
}

func (s *Store) ListAgents(ctx context.Context, userID string) ([]agent.Agent, error) {
	return s.queryAgents(ctx, "list agents",
		`SELECT `+agentColumns+` FROM agents WHERE ($1 = '' OR user_id = $1) ORDER BY created_at`, userID)
}

func (s *Store) FindAgentByScheduledID(ctx context.Context, scheduledID string) (*agent.Agent, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE scheduled_agent_id = $1`, scheduledID)
	a, err := scanAgent(row)
	if err != nil {
		return nil, notFoundWrap(err, "find agent for scheduled agent %s", scheduledID)
	}
	return &a, nil
}

func (s *Store) UpdateAgent(ctx context.Context, a *agent.Agent) error {
	configJSON, err := json.Marshal(a.Configuration)
	if err != nil {
		return fmt.Errorf("marshal configuration: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET name = $2, description = $3, configuration = $4, version = version + 1, updated_at = now()
		 WHERE id = $1 AND version = $5`,
		a.ID, a.Name, a.Description, configJSON, a.Version)
	if err != nil {
		return fmt.Errorf("update agent %s: %w", a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		if err := s.agentExists(ctx, a.ID); err != nil {
			return fmt.Errorf("update agent %s: %w", a.ID, err)
		}
		return fmt.Errorf("update agent %s: %w", a.ID, domain.ErrConflict)
	}
	a.Version++
	return nil
}

func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM agents WHERE id = $1`, id)
	return execExpectOne(tag, err, "delete agent %s", id)
}

func (s *Store) ClaimAgent(ctx context.Context, id string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET status = 'running', last_run = $2, version = version + 1, updated_at = now()
		 WHERE id = $1 AND is_active AND status <> 'running'`, id, now)
	if err != nil {
		return false, fmt.Errorf("claim agent %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if err := s.agentExists(ctx, id); err != nil {
			return false, fmt.Errorf("claim agent %s: %w", id, err)
		}
		return false, nil
	}
	return true, nil
}

func (s *Store) ReleaseAgent(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE agents SET status = 'idle', version = version + 1, updated_at = now()
		 WHERE id = $1 AND status = 'running'`, id)
	if err != nil {
		return fmt.Errorf("release agent %s: %w", id, err)
	}
	if err := s.agentExists(ctx, id); err != nil {
		return fmt.Errorf("release agent %s: %w", id, err)
	}
	return nil
}

func (s *Store) ResetStuckAgent(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET status = 'idle', error_message = '', version = version + 1, updated_at = now()
		 WHERE id = $1 AND status = 'running' AND (last_run IS NULL OR last_run < $2)`, id, cutoff)
	if err != nil {
		return false, fmt.Errorf("reset agent %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) FinishAgentRun(ctx context.Context, id string, o agent.RunOutcome) error {
	succeeded, failed := 0, 1
	if o.Succeeded {
		succeeded, failed = 1, 0
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET
		    total_runs = total_runs + 1,
		    successful_runs = successful_runs + $2,
		    failed_runs = failed_runs + $3,
		    items_processed = items_processed + $4,
		    items_added = items_added + $5,
		    status = $6,
		    error_message = $7,
		    next_run = COALESCE($8, next_run),
		    version = version + 1,
		    updated_at = now()
		 WHERE id = $1`,
		id, succeeded, failed, o.ItemsProcessed, o.ItemsAdded, string(o.Status), o.ErrorMessage, nullTime(o.NextRun))
	return execExpectOne(tag, err, "finish agent run %s", id)
}

func (s *Store) DeactivateAgent(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET is_active = FALSE, version = version + 1, updated_at = now() WHERE id = $1`, id)
	return execExpectOne(tag, err, "deactivate agent %s", id)
}

func (s *Store) PauseAgent(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET is_active = FALSE, status = 'paused', version = version + 1, updated_at = now()
		 WHERE id = $1 AND status <> 'running'`, id)
	if err != nil {
		return fmt.Errorf("pause agent %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if err := s.agentExists(ctx, id); err != nil {
			return fmt.Errorf("pause agent %s: %w", id, err)
		}
		return fmt.Errorf("pause agent %s: %w", id, domain.ErrConflict)
	}
	return nil
}

func (s *Store) ResumeAgent(ctx context.Context, id string, nextRun time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET is_active = TRUE, status = 'idle', error_message = '', next_run = $2,
		    version = version + 1, updated_at = now()
		 WHERE id = $1 AND status <> 'running'`, id, nextRun)
	if err != nil {
		return fmt.Errorf("resume agent %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if err := s.agentExists(ctx, id); err != nil {
			return fmt.Errorf("resume agent %s: %w", id, err)
		}
		return fmt.Errorf("resume agent %s: %w", id, domain.ErrConflict)
	}
	return nil
}

func (s *Store) ListDueAgents(ctx context.Context, now, stuckBefore time.Time) ([]agent.Agent, error) {
	return s.queryAgents(ctx, "list due agents",
		`SELECT `+agentColumns+` FROM agents
		 WHERE is_active
		   AND scheduled_agent_id IS NULL
		   AND status NOT IN ('error', 'paused')
		   AND (next_run IS NULL OR next_run <= $1)
		   AND (status <> 'running' OR last_run IS NULL OR last_run < $2)
		 ORDER BY created_at`, now, stuckBefore)
}

func (s *Store) queryAgents(ctx context.Context, op, query string, args ...any) ([]agent.Agent, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var agents []agent.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return orEmpty(agents), nil
}

// agentExists returns domain.ErrNotFound when no agent has the given id.
func (s *Store) agentExists(ctx context.Context, id string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM agents WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return domain.ErrNotFound
	}
	return nil
}

func scanAgent(row scannable) (agent.Agent, error) {
	var (
		a           agent.Agent
		configJSON  []byte
		scheduledID *string
	)
	err := row.Scan(
		&a.ID, &a.UserID, &a.Name, &a.Description, &a.Type, &configJSON, &a.IsActive, &a.Status, &a.ErrorMessage,
		&a.LastRun, &a.NextRun,
		&a.Statistics.TotalRuns, &a.Statistics.SuccessfulRuns, &a.Statistics.FailedRuns,
		&a.Statistics.ItemsProcessed, &a.Statistics.ItemsAdded,
		&scheduledID, &a.Version, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return a, err
	}
	if scheduledID != nil {
		a.ScheduledAgentID = *scheduledID
	}
	if configJSON != nil {
		if err := json.Unmarshal(configJSON, &a.Configuration); err != nil {
			return a, fmt.Errorf("unmarshal agent configuration: %w", err)
		}
	}
	return a, nil
}
