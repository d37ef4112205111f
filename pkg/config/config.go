// Package config loads the downloader configuration from defaults, an
// optional YAML file, the environment and command-line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/valgresultat/downloader/pkg/entity"
	"github.com/valgresultat/downloader/pkg/retention"
)

// Keys of the configuration file. Each is bound to one environment variable.
const (
	KeyAPIBaseURL       = "api_base_url"
	KeyDataPath         = "data_path"
	KeyElectionYears    = "election_years"
	KeyElectionMonths   = "election_months"
	KeyCheckInterval    = "check_interval_seconds"
	KeyFetchTimeout     = "fetch_timeout_seconds"
	KeyFetchMaxAttempts = "fetch_max_attempts"
	KeyFetchConcurrency = "fetch_concurrency"
	KeyLatestMode       = "latest_mode"
	KeyDatabaseType     = "database_type"
	KeyDatabaseDSN      = "database_dsn"
	KeyOpsListen        = "ops_listen"
	KeyCacheSize        = "cache_size"
	KeyRunRetentionDays = "run_retention_days"
	KeyIntervals        = "intervals"
	KeyRetention        = "retention"
)

// EnvConfigFile names a YAML file to read when no file is passed explicitly.
const EnvConfigFile = "VALG_CONFIG_FILE"

var envNames = map[string]string{
	KeyAPIBaseURL:       "API_BASE_URL",
	KeyDataPath:         "DATA_PATH",
	KeyElectionYears:    "ELECTION_YEARS",
	KeyElectionMonths:   "VALG_ELECTION_MONTHS",
	KeyCheckInterval:    "VALG_CHECK_INTERVAL_SECONDS",
	KeyFetchTimeout:     "VALG_FETCH_TIMEOUT_SECONDS",
	KeyFetchMaxAttempts: "VALG_FETCH_MAX_ATTEMPTS",
	KeyFetchConcurrency: "VALG_FETCH_CONCURRENCY",
	KeyLatestMode:       "VALG_LATEST_MODE",
	KeyDatabaseType:     "VALG_DATABASE_TYPE",
	KeyDatabaseDSN:      "VALG_DATABASE_DSN",
	KeyOpsListen:        "VALG_OPS_LISTEN",
	KeyCacheSize:        "VALG_CACHE_SIZE",
	KeyRunRetentionDays: "VALG_RUN_RETENTION_DAYS",
}

const maxFetchAttempts = 20

// Flag names bound by BindFlags.
var flagKeys = map[string]string{
	"api-base-url": KeyAPIBaseURL,
	"data-path":    KeyDataPath,
	"years":        KeyElectionYears,
	"latest-mode":  KeyLatestMode,
	"ops-listen":   KeyOpsListen,
}

// Config is the resolved configuration.
type Config struct {
	APIBaseURL    string
	DataPath      string
	ElectionYears []string
	// ElectionWindow is the month range in which an election is active.
	ElectionWindow   retention.Window
	CheckInterval    time.Duration
	FetchTimeout     time.Duration
	FetchMaxAttempts int
	// FetchConcurrency bounds parallel fetches within a tier. 1 is sequential.
	FetchConcurrency int
	LatestMode       string
	DatabaseType     string
	// DatabaseDSN is a file path for sqlite and a connection string otherwise.
	DatabaseDSN string
	// OpsListen is the ops server address. Empty disables the server.
	OpsListen        string
	CacheSize        int
	RunRetentionDays int
	Intervals        map[entity.Tier]time.Duration
	Policies         retention.Policies
}

// RegistryPath is the location of the entity registry file.
func (c *Config) RegistryPath() string {
	return filepath.Join(c.DataPath, "config", "entities.json")
}

// BindFlags registers the overridable flags on fs.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a YAML config file (env "+EnvConfigFile+")")
	fs.String("api-base-url", "", "election API base URL (env API_BASE_URL)")
	fs.String("data-path", "", "data directory (env DATA_PATH)")
	fs.String("years", "", "comma-separated election years (env ELECTION_YEARS)")
	fs.String("latest-mode", "", "latest pointer mode: symlink or copy (env VALG_LATEST_MODE)")
	fs.String("ops-listen", "", "ops server address, empty to disable (env VALG_OPS_LISTEN)")
}

// Load resolves the configuration. fs may be nil; flags registered with
// BindFlags override the environment when set.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	for key, env := range envNames {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	file := os.Getenv(EnvConfigFile)
	if fs != nil {
		if f := fs.Lookup("config"); f != nil && f.Changed {
			file = f.Value.String()
		}
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}
	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	}
	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyAPIBaseURL, "https://valgresultat.no/api")
	v.SetDefault(KeyDataPath, "./data")
	v.SetDefault(KeyElectionYears, "2021,2025,2029")
	v.SetDefault(KeyElectionMonths, retention.DefaultWindow.String())
	v.SetDefault(KeyCheckInterval, 60)
	v.SetDefault(KeyFetchTimeout, 30)
	v.SetDefault(KeyFetchMaxAttempts, 5)
	v.SetDefault(KeyFetchConcurrency, 1)
	v.SetDefault(KeyLatestMode, "symlink")
	v.SetDefault(KeyDatabaseType, "sqlite")
	v.SetDefault(KeyDatabaseDSN, "")
	v.SetDefault(KeyOpsListen, ":9090")
	v.SetDefault(KeyCacheSize, 4096)
	v.SetDefault(KeyRunRetentionDays, 7)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		APIBaseURL:       strings.TrimSpace(v.GetString(KeyAPIBaseURL)),
		DataPath:         v.GetString(KeyDataPath),
		ElectionYears:    parseYears(v.Get(KeyElectionYears)),
		CheckInterval:    time.Duration(v.GetInt(KeyCheckInterval)) * time.Second,
		FetchTimeout:     time.Duration(v.GetInt(KeyFetchTimeout)) * time.Second,
		FetchMaxAttempts: v.GetInt(KeyFetchMaxAttempts),
		FetchConcurrency: v.GetInt(KeyFetchConcurrency),
		LatestMode:       strings.ToLower(v.GetString(KeyLatestMode)),
		DatabaseType:     strings.ToLower(v.GetString(KeyDatabaseType)),
		DatabaseDSN:      v.GetString(KeyDatabaseDSN),
		OpsListen:        v.GetString(KeyOpsListen),
		CacheSize:        v.GetInt(KeyCacheSize),
		RunRetentionDays: v.GetInt(KeyRunRetentionDays),
		Intervals:        map[entity.Tier]time.Duration{},
		Policies:         retention.DefaultPolicies(),
	}

	w, err := retention.ParseWindow(v.GetString(KeyElectionMonths))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", KeyElectionMonths, err)
	}
	cfg.ElectionWindow = w

	if cfg.DatabaseDSN == "" && cfg.DatabaseType == "sqlite" {
		cfg.DatabaseDSN = filepath.Join(cfg.DataPath, "config", "state.db")
	}

	for name, raw := range v.GetStringMapString(KeyIntervals) {
		tier, err := entity.ParseTier(name)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", KeyIntervals, err)
		}
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("%s.%s: invalid duration %q", KeyIntervals, name, raw)
		}
		cfg.Intervals[tier] = d
	}

	for _, section := range []struct {
		key  string
		into map[entity.Tier]retention.Policy
	}{
		{KeyRetention + ".active", cfg.Policies.Active},
		{KeyRetention + ".inactive", cfg.Policies.Inactive},
	} {
		for name, raw := range v.GetStringMapString(section.key) {
			tier, err := entity.ParseTier(name)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", section.key, err)
			}
			p, err := retention.ParsePolicy(raw)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", section.key, name, err)
			}
			section.into[tier] = p
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseYears accepts a comma or space separated string or a YAML list.
func parseYears(raw any) []string {
	var parts []string
	switch val := raw.(type) {
	case string:
		parts = strings.FieldsFunc(val, func(r rune) bool { return r == ',' || r == ' ' })
	case []string:
		parts = val
	case []any:
		for _, p := range val {
			parts = append(parts, fmt.Sprint(p))
		}
	case int:
		parts = []string{strconv.Itoa(val)}
	}
	var years []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			years = append(years, p)
		}
	}
	return years
}

// Validate checks the configuration for values the components cannot use.
func (c *Config) Validate() error {
	var errs []error
	if c.APIBaseURL == "" {
		errs = append(errs, errors.New("api base URL is empty"))
	}
	if c.DataPath == "" {
		errs = append(errs, errors.New("data path is empty"))
	}
	if len(c.ElectionYears) == 0 {
		errs = append(errs, errors.New("no election years configured"))
	}
	for _, y := range c.ElectionYears {
		if _, err := strconv.Atoi(y); err != nil || len(y) != 4 {
			errs = append(errs, fmt.Errorf("election year %q is not a four-digit year", y))
		}
	}
	if c.CheckInterval <= 0 {
		errs = append(errs, errors.New("check interval must be positive"))
	}
	if c.FetchTimeout <= 0 {
		errs = append(errs, errors.New("fetch timeout must be positive"))
	}
	if c.FetchMaxAttempts < 1 || c.FetchMaxAttempts > maxFetchAttempts {
		errs = append(errs, fmt.Errorf("fetch max attempts must be between 1 and %d", maxFetchAttempts))
	}
	if c.FetchConcurrency < 1 {
		errs = append(errs, errors.New("fetch concurrency must be at least 1"))
	}
	switch c.LatestMode {
	case "symlink", "copy":
	default:
		errs = append(errs, fmt.Errorf("unknown latest mode %q (expected symlink or copy)", c.LatestMode))
	}
	switch c.DatabaseType {
	case "sqlite", "postgres", "mysql":
		if c.DatabaseDSN == "" {
			errs = append(errs, fmt.Errorf("%s requires a database DSN", c.DatabaseType))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown database type %q (expected sqlite, postgres or mysql)", c.DatabaseType))
	}
	if c.CacheSize < 0 {
		errs = append(errs, errors.New("cache size must not be negative"))
	}
	return errors.Join(errs...)
}
