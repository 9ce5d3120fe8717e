package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/leeyeon3724/IDC-WeatherAlertBot/internal/config"
	"github.com/leeyeon3724/IDC-WeatherAlertBot/internal/logging"
	"github.com/leeyeon3724/IDC-WeatherAlertBot/internal/state"
)

// buildVersion is injected by release workflows via -ldflags.
var buildVersion = "dev"

// clockNow is a seam for the one-shot maintenance commands.
var clockNow = time.Now

// Exit codes: 0 success, 1 runtime failure, 2 invalid configuration.
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

const defaultConfigPath = "config.toml"

func writef(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}

func runCLI(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		return runServe(stderr, defaultConfigPath)
	}

	switch args[0] {
	case "-v", "--version", "version":
		writef(stdout, "weatheralertbot version %s\n", buildVersion)
		return exitOK
	case "run":
		return runRunCommand(stderr, args[1:])
	case "cleanup-state":
		return runCleanupCommand(stderr, args[1:])
	case "migrate-state":
		return runMigrateCommand(stderr, args[1:])
	case "verify-state":
		return runVerifyCommand(stderr, args[1:])
	case "help", "-h", "--help":
		printRootHelp(stdout)
		return exitOK
	default:
		if strings.HasPrefix(args[0], "-") {
			return runRunCommand(stderr, args)
		}
		writef(stderr, "unknown command: %s\n\n", args[0])
		printRootHelp(stderr)
		return exitConfig
	}
}

func runRunCommand(stderr io.Writer, args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfigPath, "path to the TOML config file")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	return runServe(stderr, *configPath)
}

// loadOrExit loads configuration, emitting startup.invalid_config and
// returning a nil logger on failure.
func loadOrExit(stderr io.Writer, configPath string) (config.Config, *slog.Logger, bool) {
	cfg, err := config.Load(configPath)
	if err != nil {
		boot := logging.Setup(stderr, "info")
		logging.Error(boot, "startup.invalid_config", "error", err.Error())
		return config.Config{}, nil, false
	}
	return cfg, logging.Setup(stderr, cfg.LogLevel), true
}

// openStateStore opens the configured backend.
func openStateStore(backend string, cfg config.Config, log *slog.Logger) (state.Store, error) {
	switch backend {
	case "sqlite":
		return state.NewSQLiteStore(cfg.StateDBPath, log)
	default:
		return state.NewFileStore(cfg.StateFilePath, log)
	}
}

func printRootHelp(w io.Writer) {
	writef(w, `weatheralertbot: KMA special-report to Dooray webhook bridge

Usage:
  weatheralertbot [run] [--config PATH]      start the service loop
  weatheralertbot cleanup-state [flags]      one-shot stale-state cleanup
  weatheralertbot migrate-state [flags]      copy file state into sqlite
  weatheralertbot verify-state [flags]       compare the two state backends
  weatheralertbot version                    print version
  weatheralertbot help                       show this help

Cleanup flags:
  --days N                     retention in days (default from config)
  --include-unsent             also delete unsent records
  --dry-run                    report what would be deleted
  --state-repository-type T    "file" or "sqlite" (default from config)

Migrate flags:
  --json-state-file PATH       source state file
  --sqlite-state-file PATH     destination database

Verify flags:
  --strict                     treat any drift as a failure
`)
}
