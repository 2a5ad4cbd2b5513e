package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/tokligence/tokligence-credits/internal/hooks"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/credits.ini"
	dotEnvFile       = ".env"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// Config describes runtime options for the daemon and the CLI.
type Config struct {
	Environment string
	HTTPAddress string
	LogFile     string
	LogLevel    string

	// LedgerBackend is sqlite or postgres.
	LedgerBackend  string
	LedgerPath     string
	LedgerDSN      string
	LedgerPGDriver string
	// Postgres pool settings.
	LedgerMaxOpenConns    int
	LedgerMaxIdleConns    int
	LedgerConnMaxLifetime time.Duration
	LedgerConnMaxIdleTime time.Duration

	AuthSecret   string
	AuthDisabled bool
	TokenTTL     time.Duration

	// Exempt accounts come from a static list, an environment variable read
	// on every debit, and an optional YAML file.
	ExemptAccounts     []string
	ExemptAccountsEnv  string
	ExemptAccountsFile string

	GenerationProvider  string
	GenerationModel     string
	GenerationCost      int64
	GenerationTimeout   time.Duration
	CompensationTimeout time.Duration
	OpenAIAPIKey        string
	OpenAIBaseURL       string
	OpenAIOrg           string

	// RateLimitRPS limits metered requests per user; zero disables it.
	RateLimitRPS   float64
	RateLimitBurst float64

	Hooks hooks.Config
}

// Load resolves configuration under root: .env, then config/setting.ini,
// then config/<env>/credits.ini, with TOKLIGENCE_* variables taking
// precedence over file values.
func Load(root string) (Config, error) {
	if root == "" {
		root = "."
	}
	if err := godotenv.Load(filepath.Join(root, dotEnvFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", dotEnvFile, err)
	}
	s, err := loadSettings(root)
	if err != nil {
		return Config{}, err
	}
	s.Environment = firstNonEmpty(os.Getenv("TOKLIGENCE_ENVIRONMENT"), s.Environment)

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return Config{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}
	get := func(key string, fallback ...string) string {
		vals := append([]string{os.Getenv("TOKLIGENCE_" + strings.ToUpper(key)), merged[key]}, fallback...)
		return strings.TrimSpace(firstNonEmpty(vals...))
	}

	cfg := Config{
		Environment:        s.Environment,
		HTTPAddress:        get("http_address", ":8081"),
		LogFile:            get("log_file"),
		LogLevel:           get("log_level", "info"),
		LedgerBackend:      strings.ToLower(get("ledger_backend", "sqlite")),
		LedgerPath:         get("ledger_path", DefaultLedgerPath()),
		LedgerDSN:          get("ledger_dsn"),
		LedgerPGDriver:     strings.ToLower(get("ledger_pg_driver", "pgx")),
		LedgerMaxOpenConns: parseOptionalInt(get("ledger_max_open_conns"), 25),
		LedgerMaxIdleConns: parseOptionalInt(get("ledger_max_idle_conns"), 5),
		AuthSecret:         get("auth_secret", "tokligence-dev-secret"),
		AuthDisabled:       parseOptionalBool(get("auth_disabled"), false),
		ExemptAccounts:     parseCSV(get("exempt_accounts")),
		ExemptAccountsEnv:  get("exempt_accounts_env", "TOKLIGENCE_EXEMPT_ACCOUNTS_LIVE"),
		ExemptAccountsFile: get("exempt_accounts_file"),
		GenerationProvider: strings.ToLower(get("generation_provider", "loopback")),
		GenerationModel:    get("generation_model"),
		OpenAIAPIKey:       get("openai_api_key"),
		OpenAIBaseURL:      get("openai_base_url"),
		OpenAIOrg:          get("openai_org"),
	}

	switch cfg.LedgerBackend {
	case "sqlite", "postgres":
	default:
		return Config{}, fmt.Errorf("invalid ledger_backend %q", cfg.LedgerBackend)
	}
	if cfg.LedgerBackend == "postgres" && cfg.LedgerDSN == "" {
		return Config{}, errors.New("ledger_dsn required for postgres backend")
	}
	switch cfg.LedgerPGDriver {
	case "pgx", "postgres":
	default:
		return Config{}, fmt.Errorf("invalid ledger_pg_driver %q", cfg.LedgerPGDriver)
	}
	switch cfg.GenerationProvider {
	case "loopback", "openai":
	default:
		return Config{}, fmt.Errorf("invalid generation_provider %q", cfg.GenerationProvider)
	}

	if v := get("generation_cost", "1"); v != "" {
		cost, err := strconv.ParseInt(v, 10, 64)
		if err != nil || cost < 0 {
			return Config{}, fmt.Errorf("invalid generation_cost %q", v)
		}
		cfg.GenerationCost = cost
	}

	floats := []struct {
		key string
		dst *float64
	}{
		{"rate_limit_rps", &cfg.RateLimitRPS},
		{"rate_limit_burst", &cfg.RateLimitBurst},
	}
	for _, f := range floats {
		v := get(f.key, "0")
		n, err := strconv.ParseFloat(v, 64)
		if err != nil || n < 0 {
			return Config{}, fmt.Errorf("invalid %s %q", f.key, v)
		}
		*f.dst = n
	}

	durations := []struct {
		key      string
		fallback string
		dst      *time.Duration
	}{
		{"ledger_conn_max_lifetime", "60m", &cfg.LedgerConnMaxLifetime},
		{"ledger_conn_max_idle_time", "10m", &cfg.LedgerConnMaxIdleTime},
		{"token_ttl", "24h", &cfg.TokenTTL},
		{"generation_timeout", "60s", &cfg.GenerationTimeout},
		{"compensation_timeout", "10s", &cfg.CompensationTimeout},
	}
	for _, d := range durations {
		v := get(d.key, d.fallback)
		dur, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", d.key, v, err)
		}
		*d.dst = dur
	}

	hookArgs := firstNonEmpty(os.Getenv("TOKLIGENCE_HOOK_SCRIPT_ARGS"), merged["hooks_script_args"])
	hookEnv := firstNonEmpty(os.Getenv("TOKLIGENCE_HOOK_SCRIPT_ENV"), merged["hooks_script_env"])
	cfg.Hooks = hooks.Config{
		Enabled:    parseBool(firstNonEmpty(os.Getenv("TOKLIGENCE_HOOKS_ENABLED"), merged["hooks_enabled"])),
		ScriptPath: firstNonEmpty(os.Getenv("TOKLIGENCE_HOOK_SCRIPT"), merged["hooks_script_path"]),
		ScriptArgs: parseCSV(hookArgs),
		Env:        parseMap(hookEnv),
	}
	if v := firstNonEmpty(os.Getenv("TOKLIGENCE_HOOK_TIMEOUT"), merged["hooks_timeout"]); v != "" {
		dur, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid hooks_timeout %q: %w", v, err)
		}
		cfg.Hooks.Timeout = dur
	}
	if err := cfg.Hooks.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: defaultEnv, Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := values["environment"]
	if env == "" {
		env = defaultEnv
	}
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") || strings.HasPrefix(line, "[") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = strings.TrimSpace(val)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalBool(v string, fallback bool) bool {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return parseBool(v)
}

func parseOptionalInt(v string, fallback int) int {
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseCSV(input string) []string {
	var out []string
	for _, part := range strings.Split(input, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseMap(input string) map[string]string {
	result := make(map[string]string)
	for _, entry := range strings.Split(input, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			continue
		}
		if key = strings.TrimSpace(key); key != "" {
			result[key] = strings.TrimSpace(value)
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

// DefaultLedgerPath returns the fallback SQLite ledger location.
func DefaultLedgerPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "credits.db"
	}
	return filepath.Join(home, ".tokligence", "credits.db")
}
