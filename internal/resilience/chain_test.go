package resilience

import (
	"context"
	"errors"
	"testing"
)

func TestChainFirstSuccessWins(t *testing.T) {
	secondCalled := false
	v, name, err := Chain(context.Background(),
		Attempt[int]{Name: "primary", Fn: func(context.Context) (int, error) { return 1, nil }},
		Attempt[int]{Name: "secondary", Fn: func(context.Context) (int, error) {
			secondCalled = true
			return 2, nil
		}},
	)
	if err != nil || v != 1 || name != "primary" {
		t.Fatalf("expected primary=1, got %s=%d err=%v", name, v, err)
	}
	if secondCalled {
		t.Fatal("secondary must not be called after a success")
	}
}

func TestChainFallsBack(t *testing.T) {
	v, name, err := Chain(context.Background(),
		Attempt[string]{Name: "a", Fn: func(context.Context) (string, error) { return "", errors.New("a down") }},
		Attempt[string]{Name: "b", Fn: func(context.Context) (string, error) { return "from b", nil }},
	)
	if err != nil || v != "from b" || name != "b" {
		t.Fatalf("expected b, got %s=%q err=%v", name, v, err)
	}
}

func TestChainAllFail(t *testing.T) {
	errA := errors.New("a down")
	errB := errors.New("b down")
	_, _, err := Chain(context.Background(),
		Attempt[int]{Name: "a", Fn: func(context.Context) (int, error) { return 0, errA }},
		Attempt[int]{Name: "b", Fn: func(context.Context) (int, error) { return 0, errB }},
	)
	if !errors.Is(err, ErrAllProvidersFailed) {
		t.Fatalf("expected ErrAllProvidersFailed, got %v", err)
	}
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Fatalf("expected joined provider errors, got %v", err)
	}
}
