package service

import (
	"errors"
	"fmt"
	"strings"
	"syscall"

	"github.com/Strob0t/curator/internal/domain"
	"github.com/Strob0t/curator/internal/domain/agent"
	"github.com/Strob0t/curator/internal/domain/scheduled"
	"github.com/Strob0t/curator/internal/port/executor"
	"github.com/Strob0t/curator/internal/resilience"
)

// Engine and scheduling sentinels.
var (
	ErrAgentNotFound         = fmt.Errorf("agent %w", domain.ErrNotFound)
	ErrAgentInactive         = errors.New("agent is not active")
	ErrAgentAlreadyRunning   = errors.New("agent is already running")
	ErrNoExecutorRegistered  = errors.New("no executor registered for agent type")
	ErrInvalidCronExpression = scheduled.ErrInvalidCron
	ErrEngineShuttingDown    = errors.New("engine is shutting down")
	ErrRunNotInFlight        = fmt.Errorf("run is not in flight: %w", domain.ErrConflict)
)

// TransientErrorMessage is stored on the agent after a transient failure.
const TransientErrorMessage = "Service temporarily unavailable"

// AgentInactiveError is returned when executing a deactivated agent.
type AgentInactiveError struct {
	AgentID string
	Status  agent.Status
}

func (e *AgentInactiveError) Error() string {
	return fmt.Sprintf("agent %s is not active (status %s)", e.AgentID, e.Status)
}

// Unwrap makes errors.Is(err, ErrAgentInactive) hold.
func (e *AgentInactiveError) Unwrap() error { return ErrAgentInactive }

// NoExecutorError is returned when no executor is registered for an agent's type.
type NoExecutorError struct {
	Type      agent.Type
	Available []string
}

func (e *NoExecutorError) Error() string {
	return fmt.Sprintf("no executor registered for agent type %q (available: %s)", e.Type, strings.Join(e.Available, ", "))
}

// Unwrap makes errors.Is(err, ErrNoExecutorRegistered) hold.
func (e *NoExecutorError) Unwrap() error { return ErrNoExecutorRegistered }

var transientMarkers = []string{
	"service is unavailable",
	"service unavailable",
	"econnrefused",
	"connection refused",
}

// IsTransient reports whether err indicates a temporarily unavailable
// upstream. Transient failures leave the agent idle so the scheduler retries.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, executor.ErrServiceUnavailable) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, resilience.ErrCircuitOpen) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
