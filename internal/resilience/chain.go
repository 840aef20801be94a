package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllProvidersFailed is returned by Chain when no attempt succeeded.
var ErrAllProvidersFailed = errors.New("all providers failed")

// Attempt is one provider in a fallback chain.
type Attempt[T any] struct {
	Name string
	Fn   func(ctx context.Context) (T, error)
}

// Chain tries each attempt in order and returns the first success together
// with the name of the provider that produced it.
func Chain[T any](ctx context.Context, attempts ...Attempt[T]) (T, string, error) {
	var zero T
	errs := make([]error, 0, len(attempts)+1)
	errs = append(errs, ErrAllProvidersFailed)

	for _, a := range attempts {
		if err := ctx.Err(); err != nil {
			return zero, "", err
		}
		v, err := a.Fn(ctx)
		if err == nil {
			return v, a.Name, nil
		}
		slog.WarnContext(ctx, "provider failed, trying next", "provider", a.Name, "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", a.Name, err))
	}
	return zero, "", errors.Join(errs...)
}
