// Package config loads the agent configuration from a YAML file with
// environment variable overrides. A missing file yields the defaults, so the
// agent can start against a plain AWS credential chain with nothing else
// configured.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/lelandg/Heimdallr/internal/action"
)

// AWSConfig holds the AWS connection settings. Credentials come from the
// default chain (environment, shared config, IAM role).
type AWSConfig struct {
	Region            string  `yaml:"region"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// AmplifyApp is a monitored Amplify app. An empty log group defaults to
// /aws/amplify/<app_id>.
type AmplifyApp struct {
	AppID    string `yaml:"app_id"`
	Name     string `yaml:"name"`
	LogGroup string `yaml:"log_group"`
}

// EC2Instance is a monitored EC2 instance.
type EC2Instance struct {
	InstanceID string   `yaml:"instance_id"`
	Name       string   `yaml:"name"`
	Services   []string `yaml:"services"`
}

// MonitoringConfig selects what to monitor and how often.
type MonitoringConfig struct {
	AmplifyApps          []AmplifyApp  `yaml:"amplify_apps"`
	EC2Instances         []EC2Instance `yaml:"ec2_instances"`
	LogPollIntervalS     int           `yaml:"log_poll_interval_s"`
	HealthCheckIntervalS int           `yaml:"health_check_interval_s"`
	ErrorLookbackMinutes int           `yaml:"error_lookback_minutes"`
	DedupWindowMinutes   int           `yaml:"dedup_window_minutes"`
}

// LogPollInterval returns the log poll interval as a duration.
func (c MonitoringConfig) LogPollInterval() time.Duration {
	return time.Duration(c.LogPollIntervalS) * time.Second
}

// HealthCheckInterval returns the health check interval as a duration.
func (c MonitoringConfig) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalS) * time.Second
}

// ErrorLookback returns the error lookback window as a duration.
func (c MonitoringConfig) ErrorLookback() time.Duration {
	return time.Duration(c.ErrorLookbackMinutes) * time.Minute
}

// DedupWindow returns the fingerprint dedup window as a duration.
func (c MonitoringConfig) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowMinutes) * time.Minute
}

// LLMConfig holds the triage model settings. The endpoint is any
// OpenAI-compatible chat completions API.
type LLMConfig struct {
	BaseURL        string   `yaml:"base_url"`
	APIKey         string   `yaml:"api_key"`
	PrimaryModel   string   `yaml:"primary_model"`
	AnalysisModel  string   `yaml:"analysis_model"`
	FallbackModels []string `yaml:"fallback_models"`
	TimeoutS       int      `yaml:"timeout_s"`
	MaxTokens      int      `yaml:"max_tokens"`
	Temperature    float64  `yaml:"temperature"`
}

// ActionsConfig holds the operator limits for automated remediation.
type ActionsConfig struct {
	AllowRestart       bool     `yaml:"allow_restart"`
	AllowRedeploy      bool     `yaml:"allow_redeploy"`
	MaxRestartsPerHour int      `yaml:"max_restarts_per_hour"`
	CooldownMinutes    int      `yaml:"cooldown_minutes"`
	RequireApprovalFor []string `yaml:"require_approval_for"`
}

// Settings converts the section into the action package's settings type.
func (c ActionsConfig) Settings() action.Settings {
	return action.Settings{
		AllowRestart:       c.AllowRestart,
		AllowRedeploy:      c.AllowRedeploy,
		MaxRestartsPerHour: c.MaxRestartsPerHour,
		CooldownMinutes:    c.CooldownMinutes,
		RequireApprovalFor: c.RequireApprovalFor,
	}
}

// NotificationsConfig holds the notification channel settings.
type NotificationsConfig struct {
	EmailEnabled    bool     `yaml:"email_enabled"`
	EmailFrom       string   `yaml:"email_from"`
	EmailRecipients []string `yaml:"email_recipients"`

	SlackEnabled    bool   `yaml:"slack_enabled"`
	SlackWebhookURL string `yaml:"slack_webhook_url"`

	DiscordEnabled    bool   `yaml:"discord_enabled"`
	DiscordWebhookURL string `yaml:"discord_webhook_url"`
}

// ApprovalConfig selects the pending-approval store backend.
type ApprovalConfig struct {
	Backend       string `yaml:"backend"` // "memory" or "redis"
	RedisAddress  string `yaml:"redis_address"`
	RedisPassword string `yaml:"redis_password"`
	RedisDatabase int    `yaml:"redis_database"`
}

// AuditPostgres holds the optional Postgres audit backend settings.
type AuditPostgres struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
}

// AuditConfig selects the durable audit backends. The in-memory ring is
// always on; file and postgres are additive.
type AuditConfig struct {
	Dir          string        `yaml:"dir"`
	FileEnabled  bool          `yaml:"file_enabled"`
	FileMaxBytes int64         `yaml:"file_max_bytes"`
	FileBackups  int           `yaml:"file_backups"`
	Postgres     bool          `yaml:"postgres_enabled"`
	PostgresConn AuditPostgres `yaml:"postgres"`
}

// APIConfig holds the admin HTTP surface settings. With no keys configured
// the API is open; with keys, writes always require one and reads require
// one unless AllowAnonymousRead is set.
type APIConfig struct {
	Addr               string   `yaml:"addr"`
	APIKeys            []string `yaml:"api_keys"`
	AllowAnonymousRead bool     `yaml:"allow_anonymous_read"`
}

// LoggingConfig holds the structured logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// Config is the root agent configuration.
type Config struct {
	AWS           AWSConfig           `yaml:"aws"`
	Monitoring    MonitoringConfig    `yaml:"monitoring"`
	LLM           LLMConfig           `yaml:"llm"`
	Actions       ActionsConfig       `yaml:"actions"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Approval      ApprovalConfig      `yaml:"approval"`
	Audit         AuditConfig         `yaml:"audit"`
	API           APIConfig           `yaml:"api"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// Default returns the built-in configuration: conservative action limits,
// memory-backed approvals, JSONL audit under ./logs, API on :8000.
func Default() *Config {
	return &Config{
		AWS: AWSConfig{
			Region:            "us-east-1",
			RequestsPerSecond: 10,
			Burst:             20,
		},
		Monitoring: MonitoringConfig{
			LogPollIntervalS:     30,
			HealthCheckIntervalS: 60,
			ErrorLookbackMinutes: 5,
			DedupWindowMinutes:   30,
		},
		LLM: LLMConfig{
			BaseURL:        "https://api.openai.com/v1",
			PrimaryModel:   "openai/gpt-5-mini",
			AnalysisModel:  "anthropic/claude-opus-4-5-20251101",
			FallbackModels: []string{"google/gemini-2.5-flash", "openai/gpt-5"},
			TimeoutS:       30,
			MaxTokens:      4096,
			Temperature:    0.3,
		},
		Actions: ActionsConfig{
			AllowRestart:       true,
			AllowRedeploy:      false,
			MaxRestartsPerHour: 3,
			CooldownMinutes:    10,
			RequireApprovalFor: []string{"redeploy", "terminate"},
		},
		Notifications: NotificationsConfig{
			EmailEnabled: true,
			EmailFrom:    "monitor@yourdomain.com",
		},
		Approval: ApprovalConfig{
			Backend: "memory",
		},
		Audit: AuditConfig{
			Dir:          "logs",
			FileEnabled:  true,
			FileMaxBytes: 10_000_000,
			FileBackups:  5,
		},
		API: APIConfig{
			Addr:               ":8000",
			AllowAnonymousRead: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the config file at path, applies environment overrides, fills
// defaults, and validates. A missing file is not an error; the defaults plus
// environment are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// fall through to defaults
		case err != nil:
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays well-known environment variables onto the config.
func (c *Config) applyEnv() {
	c.AWS.Region = getEnv("AWS_REGION", c.AWS.Region)
	c.LLM.APIKey = getEnv("OPENAI_API_KEY", c.LLM.APIKey)
	c.LLM.BaseURL = getEnv("OPENAI_BASE_URL", c.LLM.BaseURL)
	c.Approval.RedisAddress = getEnv("REDIS_ADDR", c.Approval.RedisAddress)
	c.Approval.RedisPassword = getEnv("REDIS_PASSWORD", c.Approval.RedisPassword)
	c.Notifications.SlackWebhookURL = getEnv("SLACK_WEBHOOK_URL", c.Notifications.SlackWebhookURL)
	c.Notifications.DiscordWebhookURL = getEnv("DISCORD_WEBHOOK_URL", c.Notifications.DiscordWebhookURL)
	c.API.Addr = getEnv("HEIMDALLR_API_ADDR", c.API.Addr)
	c.Logging.Level = getEnv("HEIMDALLR_LOG_LEVEL", c.Logging.Level)

	if key := os.Getenv("HEIMDALLR_API_KEY"); key != "" {
		c.API.APIKeys = append(c.API.APIKeys, key)
	}
	if v := os.Getenv("HEIMDALLR_MAX_RESTARTS_PER_HOUR"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Actions.MaxRestartsPerHour = n
		}
	}
}

// applyDefaults fills holes a partial config file leaves behind.
func (c *Config) applyDefaults() {
	def := Default()
	if c.AWS.Region == "" {
		c.AWS.Region = def.AWS.Region
	}
	if c.AWS.RequestsPerSecond <= 0 {
		c.AWS.RequestsPerSecond = def.AWS.RequestsPerSecond
	}
	if c.AWS.Burst <= 0 {
		c.AWS.Burst = def.AWS.Burst
	}
	if c.Monitoring.LogPollIntervalS <= 0 {
		c.Monitoring.LogPollIntervalS = def.Monitoring.LogPollIntervalS
	}
	if c.Monitoring.HealthCheckIntervalS <= 0 {
		c.Monitoring.HealthCheckIntervalS = def.Monitoring.HealthCheckIntervalS
	}
	if c.Monitoring.ErrorLookbackMinutes <= 0 {
		c.Monitoring.ErrorLookbackMinutes = def.Monitoring.ErrorLookbackMinutes
	}
	if c.Monitoring.DedupWindowMinutes <= 0 {
		c.Monitoring.DedupWindowMinutes = def.Monitoring.DedupWindowMinutes
	}
	for i := range c.Monitoring.AmplifyApps {
		app := &c.Monitoring.AmplifyApps[i]
		if app.LogGroup == "" {
			app.LogGroup = "/aws/amplify/" + app.AppID
		}
	}
	if c.LLM.TimeoutS <= 0 {
		c.LLM.TimeoutS = def.LLM.TimeoutS
	}
	if c.LLM.MaxTokens <= 0 {
		c.LLM.MaxTokens = def.LLM.MaxTokens
	}
	if c.Actions.MaxRestartsPerHour <= 0 {
		c.Actions.MaxRestartsPerHour = def.Actions.MaxRestartsPerHour
	}
	if c.Actions.CooldownMinutes <= 0 {
		c.Actions.CooldownMinutes = def.Actions.CooldownMinutes
	}
	if c.Approval.Backend == "" {
		c.Approval.Backend = "memory"
	}
	if c.Audit.Dir == "" {
		c.Audit.Dir = def.Audit.Dir
	}
	if c.Audit.FileMaxBytes <= 0 {
		c.Audit.FileMaxBytes = def.Audit.FileMaxBytes
	}
	if c.Audit.FileBackups <= 0 {
		c.Audit.FileBackups = def.Audit.FileBackups
	}
	if c.API.Addr == "" {
		c.API.Addr = def.API.Addr
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = def.Logging.Format
	}
}

// Validate rejects configurations the agent cannot run with.
func (c *Config) Validate() error {
	for i, app := range c.Monitoring.AmplifyApps {
		if app.AppID == "" {
			return fmt.Errorf("monitoring.amplify_apps[%d]: app_id is required", i)
		}
	}
	for i, inst := range c.Monitoring.EC2Instances {
		if inst.InstanceID == "" {
			return fmt.Errorf("monitoring.ec2_instances[%d]: instance_id is required", i)
		}
	}
	switch c.Approval.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("approval.backend: unknown backend %q", c.Approval.Backend)
	}
	if c.Approval.Backend == "redis" && c.Approval.RedisAddress == "" {
		return fmt.Errorf("approval.backend is redis but no redis_address configured")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format: must be json or text, got %q", c.Logging.Format)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
