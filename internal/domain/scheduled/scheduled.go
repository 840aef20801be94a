// Package scheduled defines the ScheduledAgent entity: a persisted job
// definition fired by the cron registry rather than the polling scheduler.
package scheduled

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Strob0t/curator/internal/domain"
	"github.com/Strob0t/curator/internal/domain/agent"
)

// ErrInvalidCron is returned for cron expressions that do not parse.
var ErrInvalidCron = errors.New("invalid cron expression")

// ScheduleType selects how a job is triggered.
type ScheduleType string

const (
	ScheduleCron     ScheduleType = "cron"
	ScheduleInterval ScheduleType = "interval"
)

// Outcome labels of an execution.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeTimeout = "timeout"
)

// Schedule describes when a ScheduledAgent fires.
type Schedule struct {
	Type            ScheduleType `json:"type"`
	Expression      string       `json:"expression,omitempty"`
	Timezone        string       `json:"timezone,omitempty"`
	IntervalMinutes int          `json:"interval_minutes,omitempty"`
}

// Target describes the agent materialized on each fire.
type Target struct {
	Type          agent.Type          `json:"type"`
	Configuration agent.Configuration `json:"configuration"`
}

// Result is the outcome of the most recent execution.
type Result struct {
	Status     string `json:"status"`
	RunID      string `json:"run_id,omitempty"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// ScheduledAgent is a cron- or interval-driven job definition.
type ScheduledAgent struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	Name           string     `json:"name"`
	Schedule       Schedule   `json:"schedule"`
	Target         Target     `json:"target"`
	IsActive       bool       `json:"is_active"`
	ExecutionCount int64      `json:"execution_count"`
	SuccessCount   int64      `json:"success_count"`
	FailureCount   int64      `json:"failure_count"`
	LastExecutedAt *time.Time `json:"last_executed_at,omitempty"`
	LastResult     *Result    `json:"last_result,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// CronSpec returns the robfig/cron spec for a cron schedule, including the
// CRON_TZ prefix when a timezone is set.
func (s Schedule) CronSpec() string {
	if s.Timezone == "" {
		return s.Expression
	}
	return "CRON_TZ=" + s.Timezone + " " + s.Expression
}

// Parse validates the schedule and returns it as a cron.Schedule.
func (s Schedule) Parse() (cron.Schedule, error) {
	switch s.Type {
	case ScheduleCron:
		if strings.TrimSpace(s.Expression) == "" {
			return nil, fmt.Errorf("%w: %w: expression is empty", domain.ErrValidation, ErrInvalidCron)
		}
		if s.Timezone != "" {
			if _, err := time.LoadLocation(s.Timezone); err != nil {
				return nil, fmt.Errorf("%w: unknown timezone %q", domain.ErrValidation, s.Timezone)
			}
		}
		sched, err := cronParser.Parse(s.CronSpec())
		if err != nil {
			return nil, fmt.Errorf("%w: %w: %q: %v", domain.ErrValidation, ErrInvalidCron, s.Expression, err)
		}
		return sched, nil
	case ScheduleInterval:
		if s.IntervalMinutes < 1 {
			return nil, fmt.Errorf("%w: interval_minutes must be >= 1", domain.ErrValidation)
		}
		return cron.Every(time.Duration(s.IntervalMinutes) * time.Minute), nil
	default:
		return nil, fmt.Errorf("%w: unknown schedule type %q", domain.ErrValidation, s.Type)
	}
}

// Validate checks the definition.
func (sa *ScheduledAgent) Validate() error {
	sa.Name = strings.TrimSpace(sa.Name)
	if sa.Name == "" {
		return fmt.Errorf("%w: name is required", domain.ErrValidation)
	}
	if sa.UserID == "" {
		return fmt.Errorf("%w: user id is required", domain.ErrValidation)
	}
	if !sa.Target.Type.Valid() {
		return fmt.Errorf("%w: unknown agent type %q", domain.ErrValidation, sa.Target.Type)
	}
	if _, err := sa.Schedule.Parse(); err != nil {
		return err
	}
	return nil
}

// AgentName is the name of the agent materialized for this job.
func (sa *ScheduledAgent) AgentName() string {
	return "[scheduled] " + sa.Name
}
