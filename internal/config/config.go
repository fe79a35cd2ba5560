package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Providers and state backends understood by the rest of the program.
const (
	ProviderGoogle = "google"
	ProviderICS    = "ics"

	BackendFile     = "file"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

const (
	defaultListen       = "127.0.0.1:8080"
	defaultSchedule     = "@every 1h"
	defaultHorizonDays  = 10
	defaultMaxResults   = 10
	defaultExpectedDays = 31
	defaultFetchTimeout = 30 * time.Second
	defaultStateDir     = "/var/lib/calnotify/state"
	defaultICSCacheDir  = "/var/lib/calnotify/ics-cache"
	defaultRedisPrefix  = "calnotify:state:"
)

// CalendarConfig describes one watched calendar. Each calendar owns an
// independent notified set keyed by Name.
type CalendarConfig struct {
	// Name keys persisted state and labels logs/metrics. Defaults to CalendarID.
	Name string `yaml:"name" json:"name"`

	// Provider is "google" (Calendar API v3) or "ics" (subscription URL).
	Provider string `yaml:"provider" json:"provider"`

	// CalendarID is the Google calendar id, or the ICS URL for provider ics.
	CalendarID string `yaml:"calendar_id" json:"calendar_id"`

	// HorizonDays is how far ahead events are fetched.
	HorizonDays int `yaml:"horizon_days" json:"horizon_days"`

	// MaxResults caps the number of events per fetch. Zero means provider default.
	MaxResults int `yaml:"max_results" json:"max_results"`

	// ExpectedReceivePeriodDays is the longest expected gap between
	// notifications before the calendar is reported as not working.
	ExpectedReceivePeriodDays int `yaml:"expected_receive_period_days" json:"expected_receive_period_days"`

	// CredentialsFile points at a Google service account JSON key.
	CredentialsFile string `yaml:"credentials_file,omitempty" json:"credentials_file,omitempty"`
	// Credentials holds the service account JSON inline. Takes precedence over CredentialsFile.
	Credentials string `yaml:"credentials,omitempty" json:"-"`
}

// StateConfig selects where notified sets are persisted.
type StateConfig struct {
	Backend     string `yaml:"backend" json:"backend"`
	Dir         string `yaml:"dir" json:"dir"`
	RedisURL    string `yaml:"redis_url,omitempty" json:"-"`
	RedisPrefix string `yaml:"redis_prefix" json:"redis_prefix"`
	PostgresURL string `yaml:"postgres_url,omitempty" json:"-"`
}

// SinkConfig lists notification destinations. Every enabled sink receives
// every notification.
type SinkConfig struct {
	Log          bool   `yaml:"log" json:"log"`
	WebhookURL   string `yaml:"webhook_url,omitempty" json:"webhook_url,omitempty"`
	RedisURL     string `yaml:"redis_url,omitempty" json:"-"`
	RedisChannel string `yaml:"redis_channel,omitempty" json:"redis_channel,omitempty"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the status API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the status API and metrics.
	Listen string `yaml:"listen" json:"listen"`

	// Schedule is a robfig/cron spec ("@every 1h", "0 * * * *").
	Schedule string `yaml:"schedule" json:"schedule"`

	// Debug turns on verbose per-event logging.
	Debug bool `yaml:"debug" json:"debug"`

	// LogLevel is used when Debug is false.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// Timezone is an IANA name used to render ICS occurrence times.
	// Empty means UTC.
	Timezone string `yaml:"timezone" json:"timezone"`

	// FetchTimeout bounds a single calendar fetch.
	FetchTimeout time.Duration `yaml:"fetch_timeout" json:"fetch_timeout"`

	// ICSCacheDir stores ETag/Last-Modified metadata and bodies for ICS feeds.
	ICSCacheDir string `yaml:"ics_cache_dir" json:"ics_cache_dir"`

	State StateConfig `yaml:"state" json:"state"`
	Sinks SinkConfig  `yaml:"sinks" json:"sinks"`

	Calendars []CalendarConfig `yaml:"calendars" json:"calendars"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	cfg := &Config{
		Listen:       defaultListen,
		Schedule:     defaultSchedule,
		LogLevel:     "info",
		FetchTimeout: defaultFetchTimeout,
		ICSCacheDir:  defaultICSCacheDir,
		State: StateConfig{
			Backend:     BackendFile,
			Dir:         defaultStateDir,
			RedisPrefix: defaultRedisPrefix,
		},
		Sinks:     SinkConfig{Log: true},
		Calendars: []CalendarConfig{},
	}
	return cfg
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Schedule == "" {
		c.Schedule = defaultSchedule
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = defaultFetchTimeout
	}
	if c.ICSCacheDir == "" {
		c.ICSCacheDir = defaultICSCacheDir
	}
	if c.State.Backend == "" {
		c.State.Backend = BackendFile
	}
	c.State.Backend = strings.ToLower(c.State.Backend)
	if c.State.Dir == "" {
		c.State.Dir = defaultStateDir
	}
	if c.State.RedisPrefix == "" {
		c.State.RedisPrefix = defaultRedisPrefix
	}
	if c.Calendars == nil {
		c.Calendars = []CalendarConfig{}
	}
	for i := range c.Calendars {
		c.Calendars[i].normalize()
	}
}

func (cc *CalendarConfig) normalize() {
	cc.CalendarID = strings.TrimSpace(cc.CalendarID)
	cc.Provider = strings.ToLower(strings.TrimSpace(cc.Provider))
	if cc.Provider == "" {
		cc.Provider = ProviderGoogle
	}
	if cc.Name == "" {
		cc.Name = cc.CalendarID
	}
	// Zero means "not set"; negative values are left for Validate to reject.
	if cc.HorizonDays == 0 {
		cc.HorizonDays = defaultHorizonDays
	}
	if cc.MaxResults == 0 && cc.Provider == ProviderGoogle {
		cc.MaxResults = defaultMaxResults
	}
	if cc.ExpectedReceivePeriodDays == 0 {
		cc.ExpectedReceivePeriodDays = defaultExpectedDays
	}
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	if _, err := cron.ParseStandard(c.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("schedule %q: %w", c.Schedule, err))
	}

	switch c.State.Backend {
	case BackendFile:
		if c.State.Dir == "" {
			errs = append(errs, errors.New("state.dir is required for the file backend"))
		}
	case BackendRedis:
		if c.State.RedisURL == "" {
			errs = append(errs, errors.New("state.redis_url is required for the redis backend"))
		}
	case BackendPostgres:
		if c.State.PostgresURL == "" {
			errs = append(errs, errors.New("state.postgres_url is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown state backend %q", c.State.Backend))
	}

	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}

	if !c.Sinks.Log && c.Sinks.WebhookURL == "" && c.Sinks.RedisChannel == "" {
		errs = append(errs, errors.New("no sinks enabled: set sinks.log, sinks.webhook_url or sinks.redis_channel"))
	}

	if c.Sinks.RedisChannel != "" && c.Sinks.RedisURL == "" && c.State.RedisURL == "" {
		errs = append(errs, errors.New("sinks.redis_channel needs sinks.redis_url or state.redis_url"))
	}

	if len(c.Calendars) == 0 {
		errs = append(errs, errors.New("no calendars configured"))
	}

	seen := make(map[string]bool, len(c.Calendars))
	for i, cc := range c.Calendars {
		if err := cc.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("calendars[%d]: %w", i, err))
		}
		if cc.Name != "" && seen[cc.Name] {
			errs = append(errs, fmt.Errorf("calendars[%d]: duplicate name %q", i, cc.Name))
		}
		seen[cc.Name] = true
	}

	return errors.Join(errs...)
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Validate checks a single calendar entry.
func (cc CalendarConfig) Validate() error {
	var errs []error
	if cc.CalendarID == "" {
		errs = append(errs, errors.New("calendar_id is a required field"))
	}
	if cc.HorizonDays <= 0 {
		errs = append(errs, fmt.Errorf("horizon_days must be a positive integer, got %d", cc.HorizonDays))
	}
	if cc.MaxResults < 0 {
		errs = append(errs, fmt.Errorf("max_results must not be negative, got %d", cc.MaxResults))
	}
	if cc.ExpectedReceivePeriodDays <= 0 {
		errs = append(errs, errors.New("expected_receive_period_days must be a positive integer"))
	}
	switch cc.Provider {
	case ProviderGoogle:
		if cc.Credentials == "" && cc.CredentialsFile == "" {
			errs = append(errs, errors.New("credentials or credentials_file is required for the google provider"))
		}
	case ProviderICS:
		if !strings.HasPrefix(cc.CalendarID, "http://") && !strings.HasPrefix(cc.CalendarID, "https://") {
			errs = append(errs, errors.New("calendar_id must be an http(s) URL for the ics provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q", cc.Provider))
	}
	return errors.Join(errs...)
}

// ExpectedReceivePeriod returns ExpectedReceivePeriodDays as a duration.
func (cc CalendarConfig) ExpectedReceivePeriod() time.Duration {
	return time.Duration(cc.ExpectedReceivePeriodDays) * 24 * time.Hour
}

// CredentialsJSON returns the inline credentials or reads CredentialsFile.
func (cc CalendarConfig) CredentialsJSON() ([]byte, error) {
	if cc.Credentials != "" {
		return []byte(cc.Credentials), nil
	}
	if cc.CredentialsFile == "" {
		return nil, errors.New("no credentials configured")
	}
	data, err := os.ReadFile(cc.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("reading credentials file: %w", err)
	}
	return data, nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
//
// Load does not validate; callers run Validate before starting work.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.Normalize()

	return cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data)
}

// WriteFileAtomic writes data to path via a temp file in the same directory,
// then renames it into place with 0600 permissions.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".calnotify-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	// Flush and close before chmod/rename.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}
