// Package config loads and validates the immutable service configuration.
//
// Precedence is config file (TOML, optional) then environment variables.
// The returned Config is never mutated after Load; all runtime state lives
// in the state stores and the health monitor.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// ErrInvalid marks configuration errors. The CLI maps it to exit code 2.
var ErrInvalid = errors.New("invalid configuration")

// HealthThresholds groups the outage/recovery detector knobs.
type HealthThresholds struct {
	OutageWindow              time.Duration
	OutageMinFailedCycles     int
	OutageConsecutiveFailures int
	OutageFailRatio           float64

	RecoveryWindow               time.Duration
	RecoveryMaxFailRatio         float64
	RecoveryConsecutiveSuccesses int

	HeartbeatInterval time.Duration
	BackoffMax        time.Duration
}

// Config is the frozen runtime configuration.
type Config struct {
	APIBaseURL             string
	APIAllowedHosts        []string
	APIAllowedPathPrefixes []string
	ServiceKey             string
	PageSize               int

	WebhookURL string
	BotName    string

	AreaCodes []string
	AreaNames map[string]string

	LookbackDays  int
	CycleInterval time.Duration
	AreaInterval  time.Duration
	MaxWorkers    int

	APITimeout     time.Duration
	WebhookTimeout time.Duration

	APIMaxRetries     int
	APIRetryDelay     time.Duration
	WebhookMaxRetries int
	WebhookRetryDelay time.Duration

	APIRateLimit     float64
	WebhookRateLimit float64

	BreakerEnabled  bool
	BreakerFailures int
	BreakerOpenFor  time.Duration

	MaxAttemptsPerCycle int

	CleanupEnabled       bool
	CleanupRetentionDays int
	CleanupIncludeUnsent bool

	StateBackend    string // "file" or "sqlite"
	StateFilePath   string
	StateDBPath     string
	HealthStatePath string

	Health HealthThresholds

	BackfillMaxDays     int
	BackfillWindowDays  int
	BackfillMaxPerCycle int

	ShutdownGrace time.Duration

	DryRun  bool
	RunOnce bool

	LogLevel string
}

// fileConfig mirrors Config for TOML decoding; durations are strings.
type fileConfig struct {
	APIBaseURL             string            `toml:"api_base_url"`
	APIAllowedHosts        []string          `toml:"api_allowed_hosts"`
	APIAllowedPathPrefixes []string          `toml:"api_allowed_path_prefixes"`
	ServiceKey             string            `toml:"service_key"`
	PageSize               int               `toml:"page_size"`
	WebhookURL             string            `toml:"webhook_url"`
	BotName                string            `toml:"bot_name"`
	AreaCodes              []string          `toml:"area_codes"`
	AreaNames              map[string]string `toml:"area_names"`
	LookbackDays           int               `toml:"lookback_days"`
	CycleInterval          string            `toml:"cycle_interval"`
	AreaInterval           string            `toml:"area_interval"`
	MaxWorkers             int               `toml:"max_workers"`
	APITimeout             string            `toml:"api_timeout"`
	WebhookTimeout         string            `toml:"webhook_timeout"`
	APIMaxRetries          *int              `toml:"api_max_retries"`
	APIRetryDelay          string            `toml:"api_retry_delay"`
	WebhookMaxRetries      *int              `toml:"webhook_max_retries"`
	WebhookRetryDelay      string            `toml:"webhook_retry_delay"`
	APIRateLimit           *float64          `toml:"api_rate_limit"`
	WebhookRateLimit       *float64          `toml:"webhook_rate_limit"`
	BreakerEnabled         *bool             `toml:"breaker_enabled"`
	BreakerFailures        int               `toml:"breaker_failures"`
	BreakerOpenFor         string            `toml:"breaker_open_for"`
	MaxAttemptsPerCycle    int               `toml:"max_attempts_per_cycle"`
	CleanupEnabled         *bool             `toml:"cleanup_enabled"`
	CleanupRetentionDays   int               `toml:"cleanup_retention_days"`
	CleanupIncludeUnsent   *bool             `toml:"cleanup_include_unsent"`
	StateBackend           string            `toml:"state_backend"`
	StateFilePath          string            `toml:"state_file_path"`
	StateDBPath            string            `toml:"state_db_path"`
	HealthStatePath        string            `toml:"health_state_path"`
	OutageWindow           string            `toml:"outage_window"`
	OutageMinFailedCycles  int               `toml:"outage_min_failed_cycles"`
	OutageConsecutive      int               `toml:"outage_consecutive_failures"`
	OutageFailRatio        *float64          `toml:"outage_fail_ratio"`
	RecoveryWindow         string            `toml:"recovery_window"`
	RecoveryMaxFailRatio   *float64          `toml:"recovery_max_fail_ratio"`
	RecoveryConsecutive    int               `toml:"recovery_consecutive_successes"`
	HeartbeatInterval      string            `toml:"heartbeat_interval"`
	BackoffMax             string            `toml:"backoff_max"`
	BackfillMaxDays        int               `toml:"backfill_max_days"`
	BackfillWindowDays     int               `toml:"backfill_window_days"`
	BackfillMaxPerCycle    int               `toml:"backfill_max_windows_per_cycle"`
	ShutdownGrace          string            `toml:"shutdown_grace"`
	LogLevel               string            `toml:"log_level"`
}

func defaults() Config {
	return Config{
		APIBaseURL:             "https://apis.data.go.kr/1360000/WthrWrnInfoService/getWthrWrnList",
		APIAllowedHosts:        []string{"apis.data.go.kr"},
		APIAllowedPathPrefixes: []string{"/1360000/WthrWrnInfoService"},
		PageSize:               100,
		BotName:                "기상특보 알림",
		LookbackDays:           1,
		CycleInterval:          5 * time.Minute,
		AreaInterval:           time.Second,
		MaxWorkers:             1,
		APITimeout:             10 * time.Second,
		WebhookTimeout:         10 * time.Second,
		APIMaxRetries:          3,
		APIRetryDelay:          time.Second,
		WebhookMaxRetries:      3,
		WebhookRetryDelay:      time.Second,
		APIRateLimit:           5,
		WebhookRateLimit:       1,
		BreakerEnabled:         true,
		BreakerFailures:        5,
		BreakerOpenFor:         time.Minute,
		MaxAttemptsPerCycle:    30,
		CleanupEnabled:         true,
		CleanupRetentionDays:   30,
		CleanupIncludeUnsent:   false,
		StateBackend:           "file",
		StateFilePath:          "data/sent_messages.json",
		StateDBPath:            "data/sent_messages.db",
		HealthStatePath:        "data/health_state.json",
		Health: HealthThresholds{
			OutageWindow:              10 * time.Minute,
			OutageMinFailedCycles:     3,
			OutageConsecutiveFailures: 3,
			OutageFailRatio:           0.5,

			RecoveryWindow:               10 * time.Minute,
			RecoveryMaxFailRatio:         0.2,
			RecoveryConsecutiveSuccesses: 3,

			HeartbeatInterval: 30 * time.Minute,
			BackoffMax:        30 * time.Minute,
		},
		BackfillMaxDays:     7,
		BackfillWindowDays:  1,
		BackfillMaxPerCycle: 2,
		ShutdownGrace:       10 * time.Second,
		LogLevel:            "info",
	}
}

// Load reads the optional config file at path (empty means skip), applies
// environment overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		var fc fileConfig
		if _, err := toml.DecodeFile(path, &fc); err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("%w: decode %s: %v", ErrInvalid, path, err)
			}
		} else if err := applyFile(&cfg, fc); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := validate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, fc fileConfig) error {
	setStr(&cfg.APIBaseURL, fc.APIBaseURL)
	if len(fc.APIAllowedHosts) > 0 {
		cfg.APIAllowedHosts = fc.APIAllowedHosts
	}
	if len(fc.APIAllowedPathPrefixes) > 0 {
		cfg.APIAllowedPathPrefixes = fc.APIAllowedPathPrefixes
	}
	setStr(&cfg.ServiceKey, fc.ServiceKey)
	setInt(&cfg.PageSize, fc.PageSize)
	setStr(&cfg.WebhookURL, fc.WebhookURL)
	setStr(&cfg.BotName, fc.BotName)
	if len(fc.AreaCodes) > 0 {
		cfg.AreaCodes = fc.AreaCodes
	}
	if len(fc.AreaNames) > 0 {
		cfg.AreaNames = fc.AreaNames
	}
	setInt(&cfg.LookbackDays, fc.LookbackDays)
	setInt(&cfg.MaxWorkers, fc.MaxWorkers)
	setInt(&cfg.BreakerFailures, fc.BreakerFailures)
	setInt(&cfg.MaxAttemptsPerCycle, fc.MaxAttemptsPerCycle)
	setInt(&cfg.CleanupRetentionDays, fc.CleanupRetentionDays)
	setStr(&cfg.StateBackend, fc.StateBackend)
	setStr(&cfg.StateFilePath, fc.StateFilePath)
	setStr(&cfg.StateDBPath, fc.StateDBPath)
	setStr(&cfg.HealthStatePath, fc.HealthStatePath)
	setInt(&cfg.Health.OutageMinFailedCycles, fc.OutageMinFailedCycles)
	setInt(&cfg.Health.OutageConsecutiveFailures, fc.OutageConsecutive)
	setInt(&cfg.Health.RecoveryConsecutiveSuccesses, fc.RecoveryConsecutive)
	setInt(&cfg.BackfillMaxDays, fc.BackfillMaxDays)
	setInt(&cfg.BackfillWindowDays, fc.BackfillWindowDays)
	setInt(&cfg.BackfillMaxPerCycle, fc.BackfillMaxPerCycle)
	setStr(&cfg.LogLevel, fc.LogLevel)
	if fc.APIMaxRetries != nil {
		cfg.APIMaxRetries = *fc.APIMaxRetries
	}
	if fc.WebhookMaxRetries != nil {
		cfg.WebhookMaxRetries = *fc.WebhookMaxRetries
	}
	if fc.APIRateLimit != nil {
		cfg.APIRateLimit = *fc.APIRateLimit
	}
	if fc.WebhookRateLimit != nil {
		cfg.WebhookRateLimit = *fc.WebhookRateLimit
	}
	if fc.BreakerEnabled != nil {
		cfg.BreakerEnabled = *fc.BreakerEnabled
	}
	if fc.CleanupEnabled != nil {
		cfg.CleanupEnabled = *fc.CleanupEnabled
	}
	if fc.CleanupIncludeUnsent != nil {
		cfg.CleanupIncludeUnsent = *fc.CleanupIncludeUnsent
	}
	if fc.OutageFailRatio != nil {
		cfg.Health.OutageFailRatio = *fc.OutageFailRatio
	}
	if fc.RecoveryMaxFailRatio != nil {
		cfg.Health.RecoveryMaxFailRatio = *fc.RecoveryMaxFailRatio
	}

	durs := []struct {
		raw string
		dst *time.Duration
		key string
	}{
		{fc.CycleInterval, &cfg.CycleInterval, "cycle_interval"},
		{fc.AreaInterval, &cfg.AreaInterval, "area_interval"},
		{fc.APITimeout, &cfg.APITimeout, "api_timeout"},
		{fc.WebhookTimeout, &cfg.WebhookTimeout, "webhook_timeout"},
		{fc.APIRetryDelay, &cfg.APIRetryDelay, "api_retry_delay"},
		{fc.WebhookRetryDelay, &cfg.WebhookRetryDelay, "webhook_retry_delay"},
		{fc.BreakerOpenFor, &cfg.BreakerOpenFor, "breaker_open_for"},
		{fc.OutageWindow, &cfg.Health.OutageWindow, "outage_window"},
		{fc.RecoveryWindow, &cfg.Health.RecoveryWindow, "recovery_window"},
		{fc.HeartbeatInterval, &cfg.Health.HeartbeatInterval, "heartbeat_interval"},
		{fc.BackoffMax, &cfg.Health.BackoffMax, "backoff_max"},
		{fc.ShutdownGrace, &cfg.ShutdownGrace, "shutdown_grace"},
	}
	for _, d := range durs {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, d.key, err)
		}
		*d.dst = v
	}
	return nil
}

func setStr(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

const envPrefix = "WAB_"

func applyEnv(cfg *Config) error {
	var err error
	envStr("API_BASE_URL", &cfg.APIBaseURL)
	envList("API_ALLOWED_HOSTS", &cfg.APIAllowedHosts)
	envList("API_ALLOWED_PATH_PREFIXES", &cfg.APIAllowedPathPrefixes)
	envStr("SERVICE_KEY", &cfg.ServiceKey)
	envStr("WEBHOOK_URL", &cfg.WebhookURL)
	envStr("BOT_NAME", &cfg.BotName)
	envList("AREA_CODES", &cfg.AreaCodes)
	envStr("STATE_BACKEND", &cfg.StateBackend)
	envStr("STATE_FILE_PATH", &cfg.StateFilePath)
	envStr("STATE_DB_PATH", &cfg.StateDBPath)
	envStr("HEALTH_STATE_PATH", &cfg.HealthStatePath)
	envStr("LOG_LEVEL", &cfg.LogLevel)

	if raw, ok := lookup("AREA_NAMES"); ok {
		names := map[string]string{}
		for _, pair := range strings.Split(raw, ",") {
			k, v, found := strings.Cut(strings.TrimSpace(pair), "=")
			if !found || k == "" {
				return fmt.Errorf("%w: %sAREA_NAMES: want code=name pairs", ErrInvalid, envPrefix)
			}
			names[k] = v
		}
		cfg.AreaNames = names
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"PAGE_SIZE", &cfg.PageSize},
		{"LOOKBACK_DAYS", &cfg.LookbackDays},
		{"MAX_WORKERS", &cfg.MaxWorkers},
		{"API_MAX_RETRIES", &cfg.APIMaxRetries},
		{"WEBHOOK_MAX_RETRIES", &cfg.WebhookMaxRetries},
		{"BREAKER_FAILURES", &cfg.BreakerFailures},
		{"MAX_ATTEMPTS_PER_CYCLE", &cfg.MaxAttemptsPerCycle},
		{"CLEANUP_RETENTION_DAYS", &cfg.CleanupRetentionDays},
		{"OUTAGE_MIN_FAILED_CYCLES", &cfg.Health.OutageMinFailedCycles},
		{"OUTAGE_CONSECUTIVE_FAILURES", &cfg.Health.OutageConsecutiveFailures},
		{"RECOVERY_CONSECUTIVE_SUCCESSES", &cfg.Health.RecoveryConsecutiveSuccesses},
		{"BACKFILL_MAX_DAYS", &cfg.BackfillMaxDays},
		{"BACKFILL_WINDOW_DAYS", &cfg.BackfillWindowDays},
		{"BACKFILL_MAX_WINDOWS_PER_CYCLE", &cfg.BackfillMaxPerCycle},
	}
	for _, e := range ints {
		if err = envInt(e.key, e.dst); err != nil {
			return err
		}
	}

	floats := []struct {
		key string
		dst *float64
	}{
		{"API_RATE_LIMIT", &cfg.APIRateLimit},
		{"WEBHOOK_RATE_LIMIT", &cfg.WebhookRateLimit},
		{"OUTAGE_FAIL_RATIO", &cfg.Health.OutageFailRatio},
		{"RECOVERY_MAX_FAIL_RATIO", &cfg.Health.RecoveryMaxFailRatio},
	}
	for _, e := range floats {
		if err = envFloat(e.key, e.dst); err != nil {
			return err
		}
	}

	durs := []struct {
		key string
		dst *time.Duration
	}{
		{"CYCLE_INTERVAL", &cfg.CycleInterval},
		{"AREA_INTERVAL", &cfg.AreaInterval},
		{"API_TIMEOUT", &cfg.APITimeout},
		{"WEBHOOK_TIMEOUT", &cfg.WebhookTimeout},
		{"API_RETRY_DELAY", &cfg.APIRetryDelay},
		{"WEBHOOK_RETRY_DELAY", &cfg.WebhookRetryDelay},
		{"BREAKER_OPEN_FOR", &cfg.BreakerOpenFor},
		{"OUTAGE_WINDOW", &cfg.Health.OutageWindow},
		{"RECOVERY_WINDOW", &cfg.Health.RecoveryWindow},
		{"HEARTBEAT_INTERVAL", &cfg.Health.HeartbeatInterval},
		{"BACKOFF_MAX", &cfg.Health.BackoffMax},
		{"SHUTDOWN_GRACE", &cfg.ShutdownGrace},
	}
	for _, e := range durs {
		if err = envDur(e.key, e.dst); err != nil {
			return err
		}
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"BREAKER_ENABLED", &cfg.BreakerEnabled},
		{"CLEANUP_ENABLED", &cfg.CleanupEnabled},
		{"CLEANUP_INCLUDE_UNSENT", &cfg.CleanupIncludeUnsent},
	}
	for _, e := range bools {
		if err = envBool(e.key, e.dst); err != nil {
			return err
		}
	}

	// Documented operational switches, intentionally unprefixed.
	cfg.DryRun = truthy(os.Getenv("DRY_RUN"))
	cfg.RunOnce = truthy(os.Getenv("RUN_ONCE"))
	return nil
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + key)
	return v, ok && strings.TrimSpace(v) != ""
}

func envStr(key string, dst *string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

func envList(key string, dst *[]string) {
	if v, ok := lookup(key); ok {
		var out []string
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		*dst = out
	}
}

func envInt(key string, dst *int) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%w: %s%s: %v", ErrInvalid, envPrefix, key, err)
	}
	*dst = n
	return nil
}

func envFloat(key string, dst *float64) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return fmt.Errorf("%w: %s%s: %v", ErrInvalid, envPrefix, key, err)
	}
	*dst = f
	return nil
}

func envDur(key string, dst *time.Duration) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%w: %s%s: %v", ErrInvalid, envPrefix, key, err)
	}
	*dst = d
	return nil
}

func envBool(key string, dst *bool) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%w: %s%s: %v", ErrInvalid, envPrefix, key, err)
	}
	*dst = b
	return nil
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func validate(cfg *Config) error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
	}

	if cfg.ServiceKey == "" {
		return fail("service key is required")
	}
	// data.go.kr distributes both raw and URL-encoded keys; the client
	// encodes on send, so a pre-encoded key would be double-encoded.
	if strings.Contains(cfg.ServiceKey, "%") {
		return fail("service key appears URL-encoded; provide the raw (decoded) key")
	}

	u, err := url.Parse(cfg.APIBaseURL)
	if err != nil || u.Host == "" {
		return fail("api_base_url %q is not an absolute URL", cfg.APIBaseURL)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fail("api_base_url scheme %q not supported", u.Scheme)
	}
	if !hostAllowed(u.Hostname(), cfg.APIAllowedHosts) {
		return fail("api_base_url host %q is not allowlisted", u.Hostname())
	}
	if !prefixAllowed(u.Path, cfg.APIAllowedPathPrefixes) {
		return fail("api_base_url path %q does not match an allowlisted prefix", u.Path)
	}

	if cfg.WebhookURL == "" {
		return fail("webhook URL is required")
	}
	wu, err := url.Parse(cfg.WebhookURL)
	if err != nil || wu.Host == "" {
		return fail("webhook_url %q is not an absolute URL", cfg.WebhookURL)
	}
	if wu.Scheme != "https" {
		return fail("webhook_url must use https")
	}

	if len(cfg.AreaCodes) == 0 {
		return fail("at least one area code is required")
	}
	if cfg.LookbackDays < 0 {
		return fail("lookback_days must be >= 0")
	}
	if cfg.CycleInterval <= 0 {
		return fail("cycle_interval must be positive")
	}
	if cfg.MaxWorkers < 1 {
		return fail("max_workers must be >= 1")
	}
	if cfg.PageSize < 1 {
		return fail("page_size must be >= 1")
	}
	if cfg.APIMaxRetries < 0 || cfg.WebhookMaxRetries < 0 {
		return fail("retry counts must be >= 0")
	}
	if cfg.APIRetryDelay < 0 || cfg.WebhookRetryDelay < 0 {
		return fail("retry delays must be >= 0")
	}
	if cfg.APIRateLimit < 0 || cfg.WebhookRateLimit < 0 {
		return fail("rate limits must be >= 0")
	}
	if cfg.BreakerEnabled && (cfg.BreakerFailures < 1 || cfg.BreakerOpenFor <= 0) {
		return fail("breaker thresholds must be positive when the breaker is enabled")
	}
	if cfg.MaxAttemptsPerCycle < 1 {
		return fail("max_attempts_per_cycle must be >= 1")
	}
	if cfg.CleanupRetentionDays < 1 {
		return fail("cleanup_retention_days must be >= 1")
	}
	switch cfg.StateBackend {
	case "file", "sqlite":
	default:
		return fail("state_backend must be \"file\" or \"sqlite\", got %q", cfg.StateBackend)
	}
	h := cfg.Health
	if h.OutageWindow <= 0 || h.RecoveryWindow <= 0 || h.HeartbeatInterval <= 0 || h.BackoffMax <= 0 {
		return fail("health windows and intervals must be positive")
	}
	if h.OutageFailRatio <= 0 || h.OutageFailRatio > 1 {
		return fail("outage_fail_ratio must be in (0, 1]")
	}
	if h.RecoveryMaxFailRatio < 0 || h.RecoveryMaxFailRatio >= 1 {
		return fail("recovery_max_fail_ratio must be in [0, 1)")
	}
	if h.OutageMinFailedCycles < 1 || h.OutageConsecutiveFailures < 1 || h.RecoveryConsecutiveSuccesses < 1 {
		return fail("health cycle thresholds must be >= 1")
	}
	if cfg.BackfillMaxDays < 1 || cfg.BackfillWindowDays < 1 || cfg.BackfillMaxPerCycle < 1 {
		return fail("backfill knobs must be >= 1")
	}
	if cfg.ShutdownGrace <= 0 {
		return fail("shutdown_grace must be positive")
	}
	return nil
}

func hostAllowed(host string, allowed []string) bool {
	for _, a := range allowed {
		if strings.EqualFold(host, a) {
			return true
		}
	}
	return false
}

func prefixAllowed(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
