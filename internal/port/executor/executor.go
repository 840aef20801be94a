// Package executor defines the executor port: the per-agent-type unit of work
// the engine invokes for each run, plus the registry that maps agent types to
// executors.
package executor

import (
	"context"
	"errors"

	"github.com/Strob0t/curator/internal/domain/agent"
)

// ErrServiceUnavailable marks a failure caused by an upstream dependency that
// is temporarily unreachable. The engine treats it as transient.
var ErrServiceUnavailable = errors.New("service unavailable")

// Executor performs one run of an agent. It reports progress through the
// Context's run handle and returns a non-nil error on failure.
type Executor interface {
	Execute(ctx context.Context, ec *Context) error
}

// Func adapts a plain function to the Executor interface.
type Func func(ctx context.Context, ec *Context) error

// Execute calls f.
func (f Func) Execute(ctx context.Context, ec *Context) error { return f(ctx, ec) }

// Context is the input handed to an executor.
type Context struct {
	Agent  *agent.Agent
	Run    *RunHandle
	UserID string
}

// Parameter returns the named configuration parameter of the agent.
func (c *Context) Parameter(name string) (any, bool) {
	if c.Agent == nil || c.Agent.Configuration.Parameters == nil {
		return nil, false
	}
	v, ok := c.Agent.Configuration.Parameters[name]
	return v, ok
}

// StringsParameter returns a string list parameter. Both []string and []any
// of strings are accepted, as is a single string.
func (c *Context) StringsParameter(name string) []string {
	v, ok := c.Parameter(name)
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	default:
		return nil
	}
}

// MaxItems is the per-run item ceiling; zero means the executor default.
func (c *Context) MaxItems(def int) int {
	if c.Agent != nil && c.Agent.Configuration.MaxItemsPerRun > 0 {
		return c.Agent.Configuration.MaxItemsPerRun
	}
	return def
}
