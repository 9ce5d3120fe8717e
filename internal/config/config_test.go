package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// setMinimalEnv provides the three values without defaults.
func setMinimalEnv(t *testing.T) {
	t.Helper()
	t.Setenv("WAB_SERVICE_KEY", "raw-key-value")
	t.Setenv("WAB_WEBHOOK_URL", "https://hook.dooray.com/services/1/2/token")
	t.Setenv("WAB_AREA_CODES", "L1010100,L1020100")
}

func TestLoadMinimal(t *testing.T) {
	setMinimalEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.AreaCodes) != 2 {
		t.Fatalf("AreaCodes = %v", cfg.AreaCodes)
	}
	if cfg.CycleInterval != 5*time.Minute {
		t.Fatalf("default cycle interval = %v", cfg.CycleInterval)
	}
	if cfg.StateBackend != "file" {
		t.Fatalf("default backend = %q", cfg.StateBackend)
	}
	if cfg.DryRun || cfg.RunOnce {
		t.Fatal("operational switches must default off")
	}
}

func TestLoadRejectsEncodedServiceKey(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("WAB_SERVICE_KEY", "abc%2Bdef")

	if _, err := Load(""); !errors.Is(err, ErrInvalid) {
		t.Fatalf("encoded key accepted: %v", err)
	}
}

func TestLoadRequiresTLSWebhook(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("WAB_WEBHOOK_URL", "http://hook.dooray.com/services/1/2/token")

	if _, err := Load(""); !errors.Is(err, ErrInvalid) {
		t.Fatalf("plain-http webhook accepted: %v", err)
	}
}

func TestLoadEnforcesAPIAllowlist(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("WAB_API_BASE_URL", "https://evil.example.com/1360000/WthrWrnInfoService/getWthrWrnList")

	if _, err := Load(""); !errors.Is(err, ErrInvalid) {
		t.Fatalf("non-allowlisted host accepted: %v", err)
	}

	t.Setenv("WAB_API_BASE_URL", "https://apis.data.go.kr/other/path")
	if _, err := Load(""); !errors.Is(err, ErrInvalid) {
		t.Fatalf("non-allowlisted path accepted: %v", err)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("WAB_MAX_WORKERS", "4")
	t.Setenv("WAB_CYCLE_INTERVAL", "90s")
	t.Setenv("WAB_API_RATE_LIMIT", "0")
	t.Setenv("WAB_STATE_BACKEND", "sqlite")
	t.Setenv("DRY_RUN", "1")
	t.Setenv("RUN_ONCE", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxWorkers != 4 {
		t.Fatalf("MaxWorkers = %d", cfg.MaxWorkers)
	}
	if cfg.CycleInterval != 90*time.Second {
		t.Fatalf("CycleInterval = %v", cfg.CycleInterval)
	}
	if cfg.APIRateLimit != 0 {
		t.Fatalf("APIRateLimit = %v", cfg.APIRateLimit)
	}
	if cfg.StateBackend != "sqlite" {
		t.Fatalf("StateBackend = %q", cfg.StateBackend)
	}
	if !cfg.DryRun || !cfg.RunOnce {
		t.Fatal("DRY_RUN / RUN_ONCE not honored")
	}
}

func TestLoadConfigFileWithEnvPrecedence(t *testing.T) {
	setMinimalEnv(t)

	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
bot_name = "file-bot"
max_workers = 8
cycle_interval = "10m"
area_codes = ["L9"]
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	// Env still overrides the file.
	t.Setenv("WAB_MAX_WORKERS", "2")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BotName != "file-bot" {
		t.Fatalf("BotName = %q", cfg.BotName)
	}
	if cfg.CycleInterval != 10*time.Minute {
		t.Fatalf("CycleInterval = %v", cfg.CycleInterval)
	}
	if cfg.MaxWorkers != 2 {
		t.Fatalf("env should override file, MaxWorkers = %d", cfg.MaxWorkers)
	}
	// Env area codes beat the file's.
	if len(cfg.AreaCodes) != 2 {
		t.Fatalf("AreaCodes = %v", cfg.AreaCodes)
	}
}

func TestLoadMissingConfigFileIsFine(t *testing.T) {
	setMinimalEnv(t)

	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err != nil {
		t.Fatalf("missing optional config file should not fail: %v", err)
	}
}

func TestLoadInvalidThresholds(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("WAB_OUTAGE_FAIL_RATIO", "1.5")

	if _, err := Load(""); !errors.Is(err, ErrInvalid) {
		t.Fatalf("fail ratio above 1 accepted: %v", err)
	}
}
