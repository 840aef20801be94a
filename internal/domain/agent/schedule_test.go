package agent

import (
	"testing"
	"time"
)

func TestCalculateNextRun(t *testing.T) {
	base := time.Date(2025, 1, 1, 10, 30, 0, 0, time.UTC) // Wednesday

	tests := []struct {
		name string
		expr string
		now  time.Time
		want time.Time
	}{
		{
			name: "every N hours from now",
			expr: "0 */4 * * *",
			now:  base,
			want: base.Add(4 * time.Hour),
		},
		{
			name: "daily later today",
			expr: "45 11 * * *",
			now:  base,
			want: time.Date(2025, 1, 1, 11, 45, 0, 0, time.UTC),
		},
		{
			name: "daily already passed rolls to tomorrow",
			expr: "0 9 * * *",
			now:  base,
			want: time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC),
		},
		{
			name: "daily exactly now rolls to tomorrow",
			expr: "30 10 * * *",
			now:  base,
			want: time.Date(2025, 1, 2, 10, 30, 0, 0, time.UTC),
		},
		{
			name: "general cron minute step",
			expr: "*/15 * * * *",
			now:  base.Add(7 * time.Minute),
			want: time.Date(2025, 1, 1, 10, 45, 0, 0, time.UTC),
		},
		{
			name: "general cron weekday",
			expr: "0 9 * * 1",
			now:  base,
			want: time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC),
		},
		{
			name: "unparseable falls back to six hours",
			expr: "not a schedule",
			now:  base,
			want: base.Add(6 * time.Hour),
		},
		{
			name: "empty falls back to six hours",
			expr: "",
			now:  base,
			want: base.Add(6 * time.Hour),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CalculateNextRun(tt.expr, tt.now)
			if !got.Equal(tt.want) {
				t.Errorf("CalculateNextRun(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestCalculateNextRunAlwaysAfterNow(t *testing.T) {
	now := time.Date(2025, 6, 15, 23, 59, 30, 0, time.UTC)
	for _, expr := range []string{"0 */1 * * *", "59 23 * * *", "0 0 1 1 *", "garbage"} {
		if got := CalculateNextRun(expr, now); !got.After(now) {
			t.Errorf("CalculateNextRun(%q) = %v, not after %v", expr, got, now)
		}
	}
}

func TestIsStuck(t *testing.T) {
	now := time.Now()
	old := now.Add(-11 * time.Minute)
	recent := now.Add(-time.Minute)

	tests := []struct {
		name  string
		agent Agent
		want  bool
	}{
		{"idle never stuck", Agent{Status: StatusIdle, LastRun: &old}, false},
		{"running recent", Agent{Status: StatusRunning, LastRun: &recent}, false},
		{"running old", Agent{Status: StatusRunning, LastRun: &old}, true},
		{"running without last run", Agent{Status: StatusRunning}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.agent.IsStuck(now, 10*time.Minute); got != tt.want {
				t.Errorf("IsStuck = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCreateRequestValidate(t *testing.T) {
	req := CreateRequest{UserID: "u1", Name: "  news  ", Type: TypeNews}
	if err := req.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Name != "news" {
		t.Errorf("expected trimmed name, got %q", req.Name)
	}
	if req.Configuration.Schedule != DefaultSchedule {
		t.Errorf("expected default schedule, got %q", req.Configuration.Schedule)
	}

	bad := CreateRequest{UserID: "u1", Name: "x", Type: "myspace"}
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for unknown type")
	}
}
