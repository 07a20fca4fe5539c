// Package config loads and validates fetchgate configuration via Viper.
package config

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/fetchgate/internal/backend/headless"
	"github.com/JakeFAU/fetchgate/internal/challenge"
	"github.com/JakeFAU/fetchgate/internal/fetch"
	"github.com/JakeFAU/fetchgate/internal/logging"
	"github.com/JakeFAU/fetchgate/internal/pacing"
	"github.com/JakeFAU/fetchgate/internal/pool"
	"github.com/JakeFAU/fetchgate/internal/retry"
)

// EnvPrefix prefixes every environment override, e.g. FETCHGATE_FETCH_MAX_CONCURRENT.
const EnvPrefix = "FETCHGATE"

// Supported browser backends.
const (
	BackendChromedp = "chromedp"
	BackendColly    = "colly"
	BackendStub     = "stub"
)

// Supported payload archive backends.
const (
	StorageNone  = "none"
	StorageLocal = "local"
	StorageGCS   = "gcs"
)

// DefaultUserAgents are desktop Chrome strings used when none are configured.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Challenge ChallengeConfig `mapstructure:"challenge"`
	Classify  ClassifyConfig  `mapstructure:"classify"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Shutdown  ShutdownConfig  `mapstructure:"shutdown"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Targets   []string        `mapstructure:"targets"`
}

// FetchConfig bounds concurrency and pacing.
type FetchConfig struct {
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	RequestDelay  DelayRange    `mapstructure:"request_delay"`
	PerHostRPS    float64       `mapstructure:"per_host_rps"`
	NavTimeout    time.Duration `mapstructure:"nav_timeout"`
}

// DelayRange is an inclusive duration interval.
type DelayRange struct {
	Min time.Duration `mapstructure:"min"`
	Max time.Duration `mapstructure:"max"`
}

// RetryConfig controls attempt budgets and backoff.
type RetryConfig struct {
	MaxAttempts   int           `mapstructure:"max_attempts"`
	BackoffFactor float64       `mapstructure:"backoff_factor"`
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
}

// ChallengeConfig describes what a block page looks like.
type ChallengeConfig struct {
	Cap             int      `mapstructure:"cap"`
	Markers         []string `mapstructure:"markers"`
	TitleMarkers    []string `mapstructure:"title_markers"`
	Selectors       []string `mapstructure:"selectors"`
	RedirectMarkers []string `mapstructure:"redirect_markers"`
	Statuses        []int    `mapstructure:"statuses"`
}

// ClassifyConfig lists statuses with a fixed verdict.
type ClassifyConfig struct {
	TerminalStatuses  []int `mapstructure:"terminal_statuses"`
	RetryableStatuses []int `mapstructure:"retryable_statuses"`
}

// BrowserConfig selects the backend and the identities it presents.
type BrowserConfig struct {
	Backend        string         `mapstructure:"backend"`
	Headless       bool           `mapstructure:"headless"`
	ExecPath       string         `mapstructure:"exec_path"`
	SettleDelay    time.Duration  `mapstructure:"settle_delay"`
	UserAgents     []string       `mapstructure:"user_agents"`
	UserAgentsFile string         `mapstructure:"user_agents_file"`
	StealthScript  string         `mapstructure:"stealth_script"`
	BlockResources []string       `mapstructure:"block_resources"`
	Locale         string         `mapstructure:"locale"`
	Timezone       string         `mapstructure:"timezone"`
	Viewport       ViewportConfig `mapstructure:"viewport"`

	// StealthSource is the content of StealthScript, read by Load.
	StealthSource string `mapstructure:"-"`
}

// ViewportConfig is the emulated window size.
type ViewportConfig struct {
	Width  int `mapstructure:"width"`
	Height int `mapstructure:"height"`
}

// ShutdownConfig bounds how long in-flight attempts may finish.
type ShutdownConfig struct {
	GracePeriod time.Duration `mapstructure:"grace_period"`
}

// LoggingConfig selects the zap encoder, level and outputs.
type LoggingConfig struct {
	Development bool     `mapstructure:"development"`
	Level       string   `mapstructure:"level"`
	Outputs     []string `mapstructure:"outputs"`
}

// ServerConfig controls the ops HTTP listener. An empty Addr disables it.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// StorageConfig selects where successful payloads are archived.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	Dir       string `mapstructure:"dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls outcome persistence. An empty DSN disables it.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds the outcome notification topic.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Load builds a Config from defaults, an optional file and the environment,
// reads the referenced user agent and script files, and validates the result.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.loadFiles(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	rules := challenge.DefaultRules()
	retryDefaults := retry.DefaultConfig()

	v.SetDefault("fetch.max_concurrent", 3)
	v.SetDefault("fetch.request_delay.min", time.Second)
	v.SetDefault("fetch.request_delay.max", 3*time.Second)
	v.SetDefault("fetch.per_host_rps", 0.0)
	v.SetDefault("fetch.nav_timeout", 30*time.Second)
	v.SetDefault("retry.max_attempts", retryDefaults.MaxAttempts)
	v.SetDefault("retry.backoff_factor", retryDefaults.BackoffFactor)
	v.SetDefault("retry.base_delay", retryDefaults.BaseDelay)
	v.SetDefault("retry.max_delay", retryDefaults.MaxDelay)
	v.SetDefault("challenge.cap", retryDefaults.ChallengeCap)
	v.SetDefault("challenge.markers", rules.Markers)
	v.SetDefault("challenge.title_markers", rules.TitleMarkers)
	v.SetDefault("challenge.selectors", rules.Selectors)
	v.SetDefault("challenge.redirect_markers", rules.RedirectMarkers)
	v.SetDefault("challenge.statuses", rules.ChallengeStatuses)
	v.SetDefault("classify.terminal_statuses", rules.TerminalStatuses)
	v.SetDefault("classify.retryable_statuses", rules.RetryableStatuses)
	v.SetDefault("browser.backend", BackendChromedp)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.settle_delay", 3*time.Second)
	v.SetDefault("browser.user_agents", DefaultUserAgents)
	v.SetDefault("browser.user_agents_file", "")
	v.SetDefault("browser.stealth_script", "")
	v.SetDefault("browser.block_resources", []string{"image", "font", "media"})
	v.SetDefault("browser.locale", "en-US")
	v.SetDefault("browser.timezone", "UTC")
	v.SetDefault("browser.viewport.width", 1366)
	v.SetDefault("browser.viewport.height", 768)
	v.SetDefault("shutdown.grace_period", 30*time.Second)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.outputs", []string{"stderr"})
	v.SetDefault("server.addr", "")
	v.SetDefault("storage.backend", StorageNone)
	v.SetDefault("storage.dir", "data/payloads")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "payloads")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "fetch_outcomes")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.max_conn_lifetime", 30*time.Minute)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("targets", []string{})
}

// loadFiles resolves the user agent list file and the stealth script.
func (c *Config) loadFiles() error {
	if c.Browser.UserAgentsFile != "" {
		agents, err := ReadUserAgents(c.Browser.UserAgentsFile)
		if err != nil {
			return err
		}
		c.Browser.UserAgents = agents
	}
	if c.Browser.StealthScript != "" {
		data, err := os.ReadFile(c.Browser.StealthScript)
		if err != nil {
			return fetch.NewConfigError("browser.stealth_script", "cannot read %s: %v", c.Browser.StealthScript, err)
		}
		c.Browser.StealthSource = string(data)
	}
	return nil
}

// ReadUserAgents reads one user agent per line. Blank lines and lines
// starting with '#' are skipped.
func ReadUserAgents(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fetch.NewConfigError("browser.user_agents_file", "cannot read %s: %v", path, err)
	}
	var agents []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		agents = append(agents, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fetch.NewConfigError("browser.user_agents_file", "scan %s: %v", path, err)
	}
	if len(agents) == 0 {
		return nil, fetch.NewConfigError("browser.user_agents_file", "%s lists no user agents", path)
	}
	return agents, nil
}

// Validate enforces required values and reasonable limits. Every failure is
// a *fetch.ConfigError.
func (c Config) Validate() error {
	if err := c.PacingConfig().Validate(); err != nil {
		return err
	}
	if err := c.RetryPolicyConfig().Validate(); err != nil {
		return err
	}
	if err := c.PoolConfig().Validate(); err != nil {
		return err
	}
	if c.Fetch.NavTimeout <= 0 {
		return fetch.NewConfigError("fetch.nav_timeout", "must be > 0, got %s", c.Fetch.NavTimeout)
	}
	if err := validateStatuses("challenge.statuses", c.Challenge.Statuses); err != nil {
		return err
	}
	if err := validateStatuses("classify.terminal_statuses", c.Classify.TerminalStatuses); err != nil {
		return err
	}
	if err := validateStatuses("classify.retryable_statuses", c.Classify.RetryableStatuses); err != nil {
		return err
	}
	if err := c.validateBrowser(); err != nil {
		return err
	}
	if err := c.LoggingOptions().Validate(); err != nil {
		return err
	}
	if c.Shutdown.GracePeriod < 0 {
		return fetch.NewConfigError("shutdown.grace_period", "must be >= 0, got %s", c.Shutdown.GracePeriod)
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if c.DB.DSN != "" && !identifierPattern.MatchString(c.DB.Table) {
		return fetch.NewConfigError("db.table", "%q is not a valid table name", c.DB.Table)
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.Topic == "") {
		return fetch.NewConfigError("pubsub", "project_id and topic must be set together")
	}
	for _, target := range c.Targets {
		if err := validateTarget(target); err != nil {
			return err
		}
	}
	return nil
}

func (c Config) validateBrowser() error {
	switch c.Browser.Backend {
	case BackendChromedp, BackendColly, BackendStub:
	default:
		return fetch.NewConfigError("browser.backend", "must be one of %s, %s, %s; got %q",
			BackendChromedp, BackendColly, BackendStub, c.Browser.Backend)
	}
	if _, err := headless.ParseResourceTypes(c.Browser.BlockResources); err != nil {
		return err
	}
	if c.Browser.Viewport.Width <= 0 || c.Browser.Viewport.Height <= 0 {
		return fetch.NewConfigError("browser.viewport", "width and height must be > 0, got %dx%d",
			c.Browser.Viewport.Width, c.Browser.Viewport.Height)
	}
	if c.Browser.SettleDelay < 0 {
		return fetch.NewConfigError("browser.settle_delay", "must be >= 0, got %s", c.Browser.SettleDelay)
	}
	for _, ua := range c.Browser.UserAgents {
		if strings.TrimSpace(ua) == "" {
			return fetch.NewConfigError("browser.user_agents", "must not contain blank entries")
		}
	}
	return nil
}

func (c Config) validateStorage() error {
	switch c.Storage.Backend {
	case StorageNone, "":
	case StorageLocal:
		if strings.TrimSpace(c.Storage.Dir) == "" {
			return fetch.NewConfigError("storage.dir", "required for the local backend")
		}
	case StorageGCS:
		if strings.TrimSpace(c.Storage.GCSBucket) == "" {
			return fetch.NewConfigError("storage.gcs_bucket", "required for the gcs backend")
		}
	default:
		return fetch.NewConfigError("storage.backend", "must be one of %s, %s, %s; got %q",
			StorageNone, StorageLocal, StorageGCS, c.Storage.Backend)
	}
	return nil
}

func validateStatuses(field string, codes []int) error {
	for _, code := range codes {
		if code < 100 || code > 599 {
			return fetch.NewConfigError(field, "status %d outside 100-599", code)
		}
	}
	return nil
}

func validateTarget(target string) error {
	u, err := url.Parse(target)
	if err != nil {
		return fetch.NewConfigError("targets", "invalid url %q: %v", target, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fetch.NewConfigError("targets", "%q must be an absolute http(s) url", target)
	}
	return nil
}

// PacingConfig maps fetch settings onto the pacing controller.
func (c Config) PacingConfig() pacing.Config {
	return pacing.Config{
		Min:        c.Fetch.RequestDelay.Min,
		Max:        c.Fetch.RequestDelay.Max,
		PerHostRPS: c.Fetch.PerHostRPS,
	}
}

// RetryPolicyConfig maps retry and challenge settings onto the retry policy.
func (c Config) RetryPolicyConfig() retry.Config {
	return retry.Config{
		MaxAttempts:   c.Retry.MaxAttempts,
		BaseDelay:     c.Retry.BaseDelay,
		BackoffFactor: c.Retry.BackoffFactor,
		MaxDelay:      c.Retry.MaxDelay,
		ChallengeCap:  c.Challenge.Cap,
	}
}

// ChallengeRules maps challenge and classify settings onto detector rules.
func (c Config) ChallengeRules() challenge.Rules {
	return challenge.Rules{
		Markers:           c.Challenge.Markers,
		TitleMarkers:      c.Challenge.TitleMarkers,
		Selectors:         c.Challenge.Selectors,
		RedirectMarkers:   c.Challenge.RedirectMarkers,
		ChallengeStatuses: c.Challenge.Statuses,
		TerminalStatuses:  c.Classify.TerminalStatuses,
		RetryableStatuses: c.Classify.RetryableStatuses,
	}
}

// LoggingOptions maps the logging section onto logging.Options.
func (c Config) LoggingOptions() logging.Options {
	return logging.Options{
		Development: c.Logging.Development,
		Level:       c.Logging.Level,
		Outputs:     c.Logging.Outputs,
	}
}

// PoolConfig maps browser settings onto the execution context pool.
func (c Config) PoolConfig() pool.Config {
	return pool.Config{
		Size:           c.Fetch.MaxConcurrent,
		UserAgents:     c.Browser.UserAgents,
		Script:         c.Browser.StealthSource,
		BlockResources: c.Browser.BlockResources,
		Locale:         c.Browser.Locale,
		Timezone:       c.Browser.Timezone,
		Viewport: fetch.Viewport{
			Width:  c.Browser.Viewport.Width,
			Height: c.Browser.Viewport.Height,
		},
	}
}

// IsConfigError reports whether err stems from invalid configuration.
func IsConfigError(err error) bool {
	return errors.Is(err, fetch.ErrConfiguration)
}
