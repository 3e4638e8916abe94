package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envConfigPath = "MEDCHAT_CONFIG"
	envPrefix     = "MEDCHAT"

	defaultConfigPath = "config.json"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `mapstructure:"basic_config"`
	Databases   map[string]DatabaseConfig `mapstructure:"databases"`
	Redis       RedisConfig               `mapstructure:"redis"`
	Provider    ProviderConfig            `mapstructure:"provider"`
}

type BasicConfig struct {
	ServerAddress        string `mapstructure:"server_address"`
	FrontendURL          string `mapstructure:"frontend_url"`
	UploadDir            string `mapstructure:"upload_dir"`
	JWTSecret            string `mapstructure:"jwt_secret"`
	TokenTTLMinutes      int    `mapstructure:"token_ttl_minutes"`
	MinWorkers           int    `mapstructure:"min_workers"`
	MaxWorkers           int    `mapstructure:"max_workers"`
	QueueSize            int    `mapstructure:"queue_size"`
	WorkerIdleTimeout    int    `mapstructure:"worker_idle_timeout_seconds"`
	HistoryLimit         int    `mapstructure:"history_limit"`
	MaxResponseBytes     int    `mapstructure:"max_response_bytes"`
	StreamTimeoutSeconds int    `mapstructure:"stream_timeout_seconds"`
	RateLimitQPS         int    `mapstructure:"rate_limit_qps"`
	UploadRetentionHours int    `mapstructure:"upload_retention_hours"`
}

type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
	Params   string `mapstructure:"params"`
}

type RedisConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Username        string `mapstructure:"username"`
	Password        string `mapstructure:"password"`
	DB              int    `mapstructure:"db"`
	CacheTTLMinutes int    `mapstructure:"cache_ttl_minutes"`
}

// ProviderConfig selects the single AI backend used by the process.
type ProviderConfig struct {
	Name    string `mapstructure:"name"`
	Model   string `mapstructure:"model"`
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

// providerKeyEnv maps provider names to the conventional API key variable.
var providerKeyEnv = map[string]string{
	"gemini": "GOOGLE_API_KEY",
	"openai": "OPENAI_API_KEY",
	"claude": "ANTHROPIC_API_KEY",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("basic_config.server_address", ":5001")
	v.SetDefault("basic_config.frontend_url", "")
	v.SetDefault("basic_config.upload_dir", "./uploads")
	v.SetDefault("basic_config.jwt_secret", "")
	v.SetDefault("basic_config.token_ttl_minutes", 60)
	v.SetDefault("basic_config.min_workers", 4)
	v.SetDefault("basic_config.max_workers", 64)
	v.SetDefault("basic_config.queue_size", 128)
	v.SetDefault("basic_config.worker_idle_timeout_seconds", 30)
	v.SetDefault("basic_config.history_limit", 20)
	v.SetDefault("basic_config.max_response_bytes", 1<<20)
	v.SetDefault("basic_config.stream_timeout_seconds", 300)
	v.SetDefault("basic_config.rate_limit_qps", 2)
	v.SetDefault("basic_config.upload_retention_hours", 0)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.username", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.cache_ttl_minutes", 30)
	v.SetDefault("provider.name", "gemini")
	v.SetDefault("provider.model", "gemini-1.5-flash")
	v.SetDefault("provider.api_key", "")
	v.SetDefault("provider.base_url", "")
}

// Load reads configuration from the provided path (defaults to $MEDCHAT_CONFIG
// or config.json). A .env file in the working directory is applied first.
// The default file may be absent; an explicitly named one may not.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("load .env failed", "err", err)
	}

	explicit := true
	if path == "" {
		path = os.Getenv(envConfigPath)
	}
	if path == "" {
		path = defaultConfigPath
		explicit = false
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if _, statErr := os.Stat(absPath); statErr == nil {
		v.SetConfigFile(absPath)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", absPath, err)
		}
	} else if explicit || !errors.Is(statErr, fs.ErrNotExist) {
		return nil, fmt.Errorf("open config %s: %w", absPath, statErr)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.resolvePaths(filepath.Dir(absPath))
	cfg.applyProviderKey()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required values and logs warnings for degraded features.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.BasicConfig.JWTSecret) == "" {
		return errors.New("basic_config.jwt_secret must be configured")
	}
	if c.Provider.APIKey == "" {
		slog.Warn("provider api key not set, AI model will be unavailable", "provider", c.Provider.Name)
	}
	if !c.Redis.Enabled {
		slog.Warn("redis disabled, history cache, rate limiting and token revocation are off")
	}
	return nil
}

func (c *Config) resolvePaths(baseDir string) {
	if c.Databases == nil {
		c.Databases = make(map[string]DatabaseConfig)
	}
	for name, dbCfg := range c.Databases {
		if isSQLite(name) && isRelativeFilePath(dbCfg.DSN) {
			dbCfg.DSN = filepath.Join(baseDir, dbCfg.DSN)
			c.Databases[name] = dbCfg
		}
	}
	if _, ok := c.Databases["sqlite3"]; !ok {
		c.Databases["sqlite3"] = DatabaseConfig{DSN: filepath.Join(baseDir, "instance", "medchat.db")}
	}
	if c.BasicConfig.UploadDir != "" && !filepath.IsAbs(c.BasicConfig.UploadDir) {
		c.BasicConfig.UploadDir = filepath.Join(baseDir, c.BasicConfig.UploadDir)
	}
}

func (c *Config) applyProviderKey() {
	if c.Provider.APIKey != "" {
		return
	}
	if env, ok := providerKeyEnv[strings.ToLower(c.Provider.Name)]; ok {
		c.Provider.APIKey = strings.TrimSpace(os.Getenv(env))
	}
}

// TokenTTL is the lifetime of issued access tokens.
func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.BasicConfig.TokenTTLMinutes) * time.Minute
}

func (c *Config) StreamTimeout() time.Duration {
	return time.Duration(c.BasicConfig.StreamTimeoutSeconds) * time.Second
}

func (c *Config) WorkerIdleTimeout() time.Duration {
	return time.Duration(c.BasicConfig.WorkerIdleTimeout) * time.Second
}

func (c *Config) UploadRetention() time.Duration {
	return time.Duration(c.BasicConfig.UploadRetentionHours) * time.Hour
}

func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Redis.CacheTTLMinutes) * time.Minute
}

func isSQLite(driver string) bool {
	d := strings.ToLower(driver)
	return d == "sqlite" || d == "sqlite3"
}

func isRelativeFilePath(dsn string) bool {
	if dsn == "" || dsn == ":memory:" || strings.HasPrefix(dsn, "file:") {
		return false
	}
	return !filepath.IsAbs(dsn)
}
