package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/san-kum/eyeq/server/attention"
	"github.com/san-kum/eyeq/server/models"
	"github.com/san-kum/eyeq/server/session"
)

const EnvPrefix = "EYEQ"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	ML        MLConfig        `mapstructure:"ml"`
	Security  SecurityConfig  `mapstructure:"security"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Attention AttentionConfig `mapstructure:"attention"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	Environment  string        `mapstructure:"environment"`
}

type MLConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	BaseURL             string        `mapstructure:"base_url"`
	Timeout             time.Duration `mapstructure:"timeout"`
	MaxRetries          int           `mapstructure:"max_retries"`
	RetryDelay          time.Duration `mapstructure:"retry_delay"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
}

type SecurityConfig struct {
	JWTSecretKey   string        `mapstructure:"jwt_secret_key"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	RateLimitRPS   int           `mapstructure:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	MaxRequestSize int64         `mapstructure:"max_request_size"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	EnableHTTPS    bool          `mapstructure:"enable_https"`
	CertFile       string        `mapstructure:"cert_file"`
	KeyFile        string        `mapstructure:"key_file"`

	// SessionTokens requires a session-scoped or operator token on the
	// routes that drive one session.
	SessionTokens     bool          `mapstructure:"session_tokens"`
	SessionTokenTTL   time.Duration `mapstructure:"session_token_ttl"`
	SessionInputRPS   float64       `mapstructure:"session_input_rps"`
	SessionInputBurst int           `mapstructure:"session_input_burst"`
}

type CacheConfig struct {
	MaxSize int           `mapstructure:"max_size"`
	TTL     time.Duration `mapstructure:"ttl"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AttentionConfig drives the scoring engine and the inference pipeline.
type AttentionConfig struct {
	TickInterval   time.Duration `mapstructure:"tick_interval"`
	ClockInterval  time.Duration `mapstructure:"clock_interval"`
	DisplayRefresh time.Duration `mapstructure:"display_refresh"`
	Smoothing      string        `mapstructure:"smoothing"`
	ReadingProfile string        `mapstructure:"reading_profile"`
	DefaultMode    string        `mapstructure:"default_mode"`
	MaxSessions    int           `mapstructure:"max_sessions"`
	FrameQueueSize int           `mapstructure:"frame_queue_size"`
	FrameWorkers   int           `mapstructure:"frame_workers"`
}

func (a AttentionConfig) Session() session.Config {
	return session.Config{
		TickInterval:  a.TickInterval,
		ClockInterval: a.ClockInterval,
		DefaultMode:   models.FocusMode(a.DefaultMode),
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.environment", "development")

	v.SetDefault("ml.enabled", false)
	v.SetDefault("ml.base_url", "http://localhost:5000")
	v.SetDefault("ml.timeout", 10*time.Second)
	v.SetDefault("ml.max_retries", 3)
	v.SetDefault("ml.retry_delay", 500*time.Millisecond)
	v.SetDefault("ml.health_check_interval", 30*time.Second)

	v.SetDefault("security.jwt_secret_key", "")
	v.SetDefault("security.allowed_origins", []string{"*"})
	v.SetDefault("security.rate_limit_rps", 100)
	v.SetDefault("security.rate_limit_burst", 200)
	v.SetDefault("security.max_request_size", 10*1024*1024)
	v.SetDefault("security.request_timeout", 30*time.Second)
	v.SetDefault("security.enable_https", false)
	v.SetDefault("security.cert_file", "")
	v.SetDefault("security.key_file", "")
	v.SetDefault("security.session_tokens", true)
	v.SetDefault("security.session_token_ttl", 12*time.Hour)
	v.SetDefault("security.session_input_rps", 30)
	v.SetDefault("security.session_input_burst", 60)

	v.SetDefault("cache.max_size", 256)
	v.SetDefault("cache.ttl", 2*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("attention.tick_interval", 200*time.Millisecond)
	v.SetDefault("attention.clock_interval", time.Second)
	v.SetDefault("attention.display_refresh", 100*time.Millisecond)
	v.SetDefault("attention.smoothing", string(attention.SmoothingExponential))
	v.SetDefault("attention.reading_profile", attention.DefaultWeights.Name)
	v.SetDefault("attention.default_mode", string(models.ModeScreen))
	v.SetDefault("attention.max_sessions", 64)
	v.SetDefault("attention.frame_queue_size", 32)
	v.SetDefault("attention.frame_workers", 2)
}

// LoadConfig reads defaults, then the optional config file, then EYEQ_*
// environment variables. An explicit path must exist; the search paths may not.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("eyeq")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/eyeq")
		v.AddConfigPath("/etc/eyeq/")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// ValidateConfig reports every problem at once.
func (c *Config) ValidateConfig(logger *zap.Logger) error {
	var err error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		err = multierr.Append(err, errors.New("server port must be between 1 and 65535"))
	}

	if c.ML.Enabled && c.ML.BaseURL == "" {
		err = multierr.Append(err, errors.New("ML base URL is required when ML is enabled"))
	}
	if c.ML.MaxRetries < 0 {
		err = multierr.Append(err, errors.New("ML max retries must not be negative"))
	}

	if c.Security.JWTSecretKey == "" {
		logger.Warn("JWT secret key not set, admin routes will reject every token")
	}
	if c.Security.MaxRequestSize <= 0 {
		err = multierr.Append(err, errors.New("max request size must be positive"))
	}
	if c.Security.SessionTokens && c.Security.SessionTokenTTL <= 0 {
		err = multierr.Append(err, errors.New("session token TTL must be positive"))
	}
	if c.Security.SessionInputRPS <= 0 || c.Security.SessionInputBurst < 1 {
		err = multierr.Append(err, errors.New("session input rate limit must be positive"))
	}
	if c.Security.EnableHTTPS && (c.Security.CertFile == "" || c.Security.KeyFile == "") {
		err = multierr.Append(err, errors.New("cert and key files are required when HTTPS is enabled"))
	}

	if c.Cache.MaxSize <= 0 {
		err = multierr.Append(err, errors.New("cache max size must be positive"))
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		err = multierr.Append(err, fmt.Errorf("unknown log format %q", c.Logging.Format))
	}
	if _, lerr := zap.ParseAtomicLevel(c.Logging.Level); lerr != nil {
		err = multierr.Append(err, fmt.Errorf("invalid log level: %w", lerr))
	}

	a := c.Attention
	if a.TickInterval <= 0 {
		err = multierr.Append(err, errors.New("attention tick interval must be positive"))
	}
	if a.ClockInterval <= 0 {
		err = multierr.Append(err, errors.New("attention clock interval must be positive"))
	}
	if a.DisplayRefresh <= 0 {
		err = multierr.Append(err, errors.New("attention display refresh must be positive"))
	}
	if _, perr := attention.ParseSmoothingPolicy(a.Smoothing); perr != nil {
		err = multierr.Append(err, perr)
	}
	if _, ok := attention.LookupWeights(a.ReadingProfile); !ok {
		err = multierr.Append(err, fmt.Errorf("unknown reading profile %q", a.ReadingProfile))
	}
	if _, merr := models.ParseFocusMode(a.DefaultMode); merr != nil {
		err = multierr.Append(err, merr)
	}
	if a.FrameWorkers < 1 {
		err = multierr.Append(err, errors.New("frame workers must be at least 1"))
	}
	if a.FrameQueueSize < 1 {
		err = multierr.Append(err, errors.New("frame queue size must be at least 1"))
	}
	if a.MaxSessions == 0 {
		logger.Warn("Session limit disabled")
	}

	if err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}
