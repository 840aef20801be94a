package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/Strob0t/curator/internal/adapter/postgres"
	"github.com/Strob0t/curator/internal/config"
)

// runAdmin dispatches admin subcommands.
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "migrate":
		return runAdminMigrate(args[1:])
	case "rollback":
		return runAdminRollback(args[1:])
	case "version":
		return runAdminVersion(args[1:])
	case "agents":
		return runAdminAgents(args[1:])
	case "runs":
		return runAdminRuns(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: curator admin <command> [options]

Commands:
  migrate          Apply pending database migrations
  rollback         Roll back database migrations
  version          Print the current migration version
  agents           List agents
  runs             List recent runs of an agent
  help             Show this help message

Examples:
  curator admin migrate
  curator admin rollback --steps 1
  curator admin agents --user u1
  curator admin runs --agent 3f1c... --limit 5 --json
`)
}

func adminConfig(fs *flag.FlagSet, args []string) (*config.Config, error) {
	configPath := fs.String("config", "", "path to YAML config")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *configPath != "" {
		return config.LoadFrom(*configPath)
	}
	return config.Load()
}

func runAdminMigrate(args []string) error {
	cfg, err := adminConfig(flag.NewFlagSet("migrate", flag.ContinueOnError), args)
	if err != nil {
		return err
	}
	ctx := context.Background()
	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	v, err := postgres.MigrationVersion(ctx, cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Migrations applied, version %d\n", v)
	return nil
}

func runAdminRollback(args []string) error {
	fs := flag.NewFlagSet("rollback", flag.ContinueOnError)
	steps := fs.Int("steps", 1, "number of migrations to roll back")
	cfg, err := adminConfig(fs, args)
	if err != nil {
		return err
	}
	if *steps < 1 {
		return fmt.Errorf("--steps must be >= 1")
	}
	ctx := context.Background()
	if err := postgres.RollbackMigrations(ctx, cfg.Postgres.DSN, *steps); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	v, err := postgres.MigrationVersion(ctx, cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Rolled back %d migration(s), version %d\n", *steps, v)
	return nil
}

func runAdminVersion(args []string) error {
	cfg, err := adminConfig(flag.NewFlagSet("version", flag.ContinueOnError), args)
	if err != nil {
		return err
	}
	v, err := postgres.MigrationVersion(context.Background(), cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	fmt.Println(v)
	return nil
}

func openAdminStore(ctx context.Context, cfg *config.Config) (*postgres.Store, func(), error) {
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	return postgres.NewStore(pool), pool.Close, nil
}

func runAdminAgents(args []string) error {
	fs := flag.NewFlagSet("agents", flag.ContinueOnError)
	user := fs.String("user", "", "only agents of this user")
	asJSON := fs.Bool("json", false, "print JSON instead of a table")
	cfg, err := adminConfig(fs, args)
	if err != nil {
		return err
	}

	ctx := context.Background()
	store, cleanup, err := openAdminStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	agents, err := store.ListAgents(ctx, *user)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	if *asJSON || !term.IsTerminal(int(os.Stdout.Fd())) {
		return printJSON(agents)
	}
	if len(agents) == 0 {
		fmt.Println("No agents found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tUSER\tNAME\tTYPE\tSTATUS\tACTIVE\tNEXT_RUN\tRUNS\tFAILED")
	for i := range agents {
		a := &agents[i]
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\t%s\t%d\t%d\n",
			a.ID, a.UserID, a.Name, a.Type, a.Status, a.IsActive, formatTime(a.NextRun),
			a.Statistics.TotalRuns, a.Statistics.FailedRuns)
	}
	return w.Flush()
}

func runAdminRuns(args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	agentID := fs.String("agent", "", "agent ID (required)")
	limit := fs.Int("limit", 20, "maximum number of runs")
	asJSON := fs.Bool("json", false, "print JSON instead of a table")
	cfg, err := adminConfig(fs, args)
	if err != nil {
		return err
	}
	if *agentID == "" {
		return fmt.Errorf("--agent is required")
	}

	ctx := context.Background()
	store, cleanup, err := openAdminStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	runs, err := store.ListRunsByAgent(ctx, *agentID, *limit)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	if *asJSON || !term.IsTerminal(int(os.Stdout.Fd())) {
		return printJSON(runs)
	}
	if len(runs) == 0 {
		fmt.Println("No runs found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tSTARTED\tDURATION\tPROCESSED\tADDED\tERRORS")
	for i := range runs {
		r := &runs[i]
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
			r.ID, r.Status, r.StartTime.Format(time.RFC3339),
			time.Duration(r.Duration)*time.Millisecond, r.ItemsProcessed, r.ItemsAdded, len(r.Errors))
	}
	return w.Flush()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}
