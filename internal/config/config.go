// Root configuration for the session monitor. Values come from defaults,
// an optional YAML file, SESSIONTAP_* environment variables, and CLI flags,
// merged in that order by viper.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration structure for the entire application.
type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger"`
	Session SessionConfig `mapstructure:"session"`
	Browser BrowserConfig `mapstructure:"browser"`
	Persona PersonaConfig `mapstructure:"persona"`
	Capture CaptureConfig `mapstructure:"capture"`
	Output  OutputConfig  `mapstructure:"output"`
	Replay  ReplayConfig  `mapstructure:"replay"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" json:"level" yaml:"level"`
	Format      string `mapstructure:"format" json:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" json:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" json:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" json:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" json:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" json:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" json:"compress" yaml:"compress"`
	Colors      bool   `mapstructure:"colors" json:"colors" yaml:"colors"`
}

// SessionConfig holds settings for the monitored session itself.
type SessionConfig struct {
	TargetURL string `mapstructure:"target_url"`
}

// BrowserConfig holds settings for launching and closing the browser.
type BrowserConfig struct {
	Engine            string        `mapstructure:"engine"`
	Headless          bool          `mapstructure:"headless"`
	IgnoreTLSErrors   bool          `mapstructure:"ignore_tls_errors"`
	ExecutablePath    string        `mapstructure:"executable_path"`
	Args              []string      `mapstructure:"args"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	CloseTimeout      time.Duration `mapstructure:"close_timeout"`
	RemoteDebugPort   int           `mapstructure:"remote_debug_port"`
}

// PersonaConfig describes the identity the browser presents to the target:
// user agent, language, timezone and screen metrics.
type PersonaConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	AcceptLanguage string `mapstructure:"accept_language"`
	Platform       string `mapstructure:"platform"`
	Locale         string `mapstructure:"locale"`
	Timezone       string `mapstructure:"timezone"`
	ViewportWidth  int    `mapstructure:"viewport_width"`
	ViewportHeight int    `mapstructure:"viewport_height"`
}

// CaptureConfig bounds the capture pipeline: queue depth, body budgets and
// the grace periods used during shutdown.
type CaptureConfig struct {
	QueueSize         int           `mapstructure:"queue_size"`
	PreviewChars      int           `mapstructure:"preview_chars"`
	RequestBodyLimit  int           `mapstructure:"request_body_limit"`
	ResponseBodyLimit int           `mapstructure:"response_body_limit"`
	BodyFetchTimeout  time.Duration `mapstructure:"body_fetch_timeout"`
	DrainGrace        time.Duration `mapstructure:"drain_grace"`
}

// OutputConfig controls where session artifacts land.
type OutputConfig struct {
	Dir       string `mapstructure:"dir"`
	TokenFile string `mapstructure:"token_file"`
}

// ReplayConfig holds settings for the replay probe client.
type ReplayConfig struct {
	Timeout            time.Duration `mapstructure:"timeout"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
}

// SetDefaults seeds v with the complete default configuration. Every key
// the application reads has a default here, so a bare invocation works.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "sessiontap")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 10)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 7)
	v.SetDefault("logger.compress", false)
	v.SetDefault("logger.colors", true)

	v.SetDefault("session.target_url", "https://app.plaud.ai")

	v.SetDefault("browser.engine", "desktop-chrome")
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.executable_path", "")
	v.SetDefault("browser.args", []string{})
	v.SetDefault("browser.navigation_timeout", 30*time.Second)
	v.SetDefault("browser.close_timeout", 10*time.Second)
	v.SetDefault("browser.remote_debug_port", 9222)

	v.SetDefault("persona.user_agent",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	v.SetDefault("persona.accept_language", "en-US,en;q=0.9")
	v.SetDefault("persona.platform", "MacIntel")
	v.SetDefault("persona.locale", "en-US")
	v.SetDefault("persona.timezone", "America/New_York")
	v.SetDefault("persona.viewport_width", 1920)
	v.SetDefault("persona.viewport_height", 1080)

	v.SetDefault("capture.queue_size", 4096)
	v.SetDefault("capture.preview_chars", 1000)
	v.SetDefault("capture.request_body_limit", 65536)
	v.SetDefault("capture.response_body_limit", 102400)
	v.SetDefault("capture.body_fetch_timeout", 15*time.Second)
	v.SetDefault("capture.drain_grace", time.Second)

	v.SetDefault("output.dir", "logs")
	v.SetDefault("output.token_file", "")

	v.SetDefault("replay.timeout", 30*time.Second)
	v.SetDefault("replay.insecure_skip_verify", false)
}

// Load unmarshals the merged viper state into a Config and validates it.
// Callers own the returned instance; there is no package-level state.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the pipeline cannot operate with. Engine names
// are validated later, at resolution time, so the error can carry the
// full launch context.
func (c *Config) Validate() error {
	if c.Capture.PreviewChars <= 0 {
		return fmt.Errorf("capture.preview_chars must be positive, got %d", c.Capture.PreviewChars)
	}
	if c.Capture.QueueSize <= 0 {
		return fmt.Errorf("capture.queue_size must be positive, got %d", c.Capture.QueueSize)
	}
	if c.Capture.RequestBodyLimit <= 0 {
		return fmt.Errorf("capture.request_body_limit must be positive, got %d", c.Capture.RequestBodyLimit)
	}
	if c.Capture.ResponseBodyLimit <= 0 {
		return fmt.Errorf("capture.response_body_limit must be positive, got %d", c.Capture.ResponseBodyLimit)
	}
	if c.Output.Dir == "" {
		return fmt.Errorf("output.dir must not be empty")
	}
	return nil
}
