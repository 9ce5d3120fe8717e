package main

import (
	"context"
	"flag"
	"io"

	"github.com/leeyeon3724/IDC-WeatherAlertBot/internal/logging"
	"github.com/leeyeon3724/IDC-WeatherAlertBot/internal/redact"
	"github.com/leeyeon3724/IDC-WeatherAlertBot/internal/state"
)

// runCleanupCommand is the one-shot `cleanup-state` subcommand.
func runCleanupCommand(stderr io.Writer, args []string) int {
	fs := flag.NewFlagSet("cleanup-state", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfigPath, "path to the TOML config file")
	days := fs.Int("days", 0, "retention in days (default from config)")
	includeUnsent := fs.Bool("include-unsent", false, "also delete unsent records")
	dryRun := fs.Bool("dry-run", false, "report what would be deleted without deleting")
	backend := fs.String("state-repository-type", "", `"file" or "sqlite" (default from config)`)
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	cfg, log, ok := loadOrExit(stderr, *configPath)
	if !ok {
		return exitConfig
	}
	red := redact.New(cfg.ServiceKey, cfg.WebhookURL)

	retention := cfg.CleanupRetentionDays
	if *days > 0 {
		retention = *days
	}
	include := cfg.CleanupIncludeUnsent || *includeUnsent
	chosen := cfg.StateBackend
	if *backend != "" {
		chosen = *backend
	}

	store, err := openStateStore(chosen, cfg, log)
	if err != nil {
		logging.Error(log, "state.cleanup.failed", "error", red.Error(err))
		return exitRuntime
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	olderThan := clockNow().AddDate(0, 0, -retention)

	if *dryRun {
		records, err := store.ListAll(ctx)
		if err != nil {
			logging.Error(log, "state.cleanup.failed", "error", red.Error(err))
			return exitRuntime
		}
		would := 0
		for _, rec := range records {
			if rec.UpdatedAt.Before(olderThan) && (rec.Sent || include) {
				would++
			}
		}
		logging.Info(log, "state.cleanup.complete",
			"dry_run", true,
			"would_delete", would,
			"retention_days", retention,
			"include_unsent", include,
		)
		return exitOK
	}

	deleted, err := store.CleanupStale(ctx, olderThan, include)
	if err != nil {
		logging.Error(log, "state.cleanup.failed", "error", red.Error(err))
		return exitRuntime
	}
	logging.Info(log, "state.cleanup.complete",
		"deleted", deleted,
		"retention_days", retention,
		"include_unsent", include,
	)
	return exitOK
}

// runMigrateCommand copies file-backend state into the sqlite backend,
// preserving timestamps and the sent flag exactly.
func runMigrateCommand(stderr io.Writer, args []string) int {
	fs := flag.NewFlagSet("migrate-state", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfigPath, "path to the TOML config file")
	jsonPath := fs.String("json-state-file", "", "source state file (default from config)")
	sqlitePath := fs.String("sqlite-state-file", "", "destination database (default from config)")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	cfg, log, ok := loadOrExit(stderr, *configPath)
	if !ok {
		return exitConfig
	}
	red := redact.New(cfg.ServiceKey, cfg.WebhookURL)
	if *jsonPath == "" {
		*jsonPath = cfg.StateFilePath
	}
	if *sqlitePath == "" {
		*sqlitePath = cfg.StateDBPath
	}

	from, err := state.NewFileStore(*jsonPath, log)
	if err != nil {
		logging.Error(log, "state.migration.failed", "error", red.Error(err))
		return exitRuntime
	}
	to, err := state.NewSQLiteStore(*sqlitePath, log)
	if err != nil {
		logging.Error(log, "state.migration.failed", "error", red.Error(err))
		return exitRuntime
	}
	defer func() { _ = to.Close() }()

	migrated, err := state.Migrate(context.Background(), from, to)
	if err != nil {
		logging.Error(log, "state.migration.failed", "error", red.Error(err))
		return exitRuntime
	}
	logging.Info(log, "state.migration.complete",
		"migrated", migrated,
		"json_state_file", *jsonPath,
		"sqlite_state_file", *sqlitePath,
	)
	return exitOK
}

// runVerifyCommand compares the two backends row by row.
func runVerifyCommand(stderr io.Writer, args []string) int {
	fs := flag.NewFlagSet("verify-state", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfigPath, "path to the TOML config file")
	jsonPath := fs.String("json-state-file", "", "state file (default from config)")
	sqlitePath := fs.String("sqlite-state-file", "", "database (default from config)")
	strict := fs.Bool("strict", false, "treat any drift as a failure")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	cfg, log, ok := loadOrExit(stderr, *configPath)
	if !ok {
		return exitConfig
	}
	red := redact.New(cfg.ServiceKey, cfg.WebhookURL)
	if *jsonPath == "" {
		*jsonPath = cfg.StateFilePath
	}
	if *sqlitePath == "" {
		*sqlitePath = cfg.StateDBPath
	}

	file, err := state.NewFileStore(*jsonPath, log)
	if err != nil {
		logging.Error(log, "state.verify.failed", "error", red.Error(err))
		return exitRuntime
	}
	db, err := state.NewSQLiteStore(*sqlitePath, log)
	if err != nil {
		logging.Error(log, "state.verify.failed", "error", red.Error(err))
		return exitRuntime
	}
	defer func() { _ = db.Close() }()

	summary, err := state.VerifyIntegrity(context.Background(), file, db)
	if err != nil {
		logging.Error(log, "state.verify.failed", "error", red.Error(err))
		return exitRuntime
	}

	logging.Info(log, "state.verify.complete",
		"file_count", summary.FileCount,
		"sqlite_count", summary.SQLiteCount,
		"compared", summary.Compared,
		"errors", len(summary.Errors),
		"warnings", len(summary.Warnings),
		"strict", *strict,
	)
	if !summary.Ok(*strict) {
		for _, msg := range summary.Errors {
			logging.Error(log, "state.verify.failed", "mismatch", msg)
		}
		if *strict {
			for _, msg := range summary.Warnings {
				logging.Error(log, "state.verify.failed", "mismatch", msg)
			}
		}
		return exitRuntime
	}
	return exitOK
}
