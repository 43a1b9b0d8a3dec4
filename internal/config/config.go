package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvConfigPath     = "CONFIG_PATH"
	EnvDBConnection   = "DB_CONNECTION"
	EnvJWTSecret      = "JWT_SECRET"
	EnvJWTExpiry      = "JWT_EXPIRY"
	EnvUpstreamAPIKey = "UPSTREAM_API_KEY"
)

// AppConfig holds resolved application configuration values.
type AppConfig struct {
	ConfigPath string
}

// LoadFromEnv loads app config from environment variables.
func LoadFromEnv() (AppConfig, error) {
	return AppConfig{ConfigPath: ResolveConfigPath(os.Getenv(EnvConfigPath))}, nil
}

// ResolveConfigPath normalizes the config path and applies defaults.
func ResolveConfigPath(p string) string {
	trimmed := strings.TrimSpace(p)
	if trimmed == "" {
		trimmed = "./config.yaml"
	}
	if abs, err := filepath.Abs(trimmed); err == nil {
		return abs
	}
	return trimmed
}

// ErrMissingDatabaseDSN indicates no database DSN is present in the config file.
var ErrMissingDatabaseDSN = errors.New("missing database dsn (set `database-dsn` or `database.dsn` in config file)")

// ErrMissingUpstreamKey indicates no upstream provider API key is configured.
var ErrMissingUpstreamKey = errors.New("missing upstream api key (set `upstream.api-key` in config file or UPSTREAM_API_KEY)")

// JWTConfig holds JWT secret and expiry settings.
type JWTConfig struct {
	Secret string        `yaml:"secret"`
	Expiry time.Duration `yaml:"expiry"`
}

// UpstreamConfig holds provider endpoint settings for the relay.
type UpstreamConfig struct {
	RPCURL      string `yaml:"rpc-url"`      // JSON-RPC endpoint, %s expands to the API key.
	APIKey      string `yaml:"api-key"`      // Provider API key.
	NFTMetadata string `yaml:"nft-metadata"` // NFT metadata base URL.
}

// RedisConfig holds optional Redis settings for the rate limiter.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// AdminConfig holds the seeded operator credentials.
type AdminConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ServerConfig holds the full server configuration file contents.
type ServerConfig struct {
	Port          int            `yaml:"port"`
	DatabaseDSN   string         `yaml:"database-dsn"`
	JWT           JWTConfig      `yaml:"jwt"`
	Admin         AdminConfig    `yaml:"admin"`
	Upstream      UpstreamConfig `yaml:"upstream"`
	Redis         RedisConfig    `yaml:"redis"`
	RateLimit     int            `yaml:"rate-limit"`     // Requests per second per account, 0 disables.
	ResetSchedule string         `yaml:"reset-schedule"` // Cron expression for the usage reset job.
}

const (
	defaultUpstreamRPCURL     = "https://eth-mainnet.alchemyapi.io/v2/%s"
	defaultNFTMetadataBaseURL = "https://api.opensea.io/api/v1/asset"
	defaultRateLimitPerSecond = 10
	defaultResetScheduleDaily = "0 0 * * *"
)

// LoadServerConfig reads the full server configuration from the YAML file and
// applies environment overrides plus defaults.
func LoadServerConfig(configPath string) (ServerConfig, error) {
	var cfg ServerConfig

	data, errRead := os.ReadFile(configPath)
	if errRead == nil {
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
			return ServerConfig{}, fmt.Errorf("config: parse config file: %w", errUnmarshal)
		}
	}

	if dsn := strings.TrimSpace(os.Getenv(EnvDBConnection)); dsn != "" {
		cfg.DatabaseDSN = dsn
	}
	if key := strings.TrimSpace(os.Getenv(EnvUpstreamAPIKey)); key != "" {
		cfg.Upstream.APIKey = key
	}
	if secret := strings.TrimSpace(os.Getenv(EnvJWTSecret)); secret != "" {
		cfg.JWT.Secret = secret
	}
	if expiryRaw := strings.TrimSpace(os.Getenv(EnvJWTExpiry)); expiryRaw != "" {
		if expiry, errParse := time.ParseDuration(expiryRaw); errParse == nil && expiry > 0 {
			cfg.JWT.Expiry = expiry
		}
	}

	if strings.TrimSpace(cfg.Upstream.RPCURL) == "" {
		cfg.Upstream.RPCURL = defaultUpstreamRPCURL
	}
	if strings.TrimSpace(cfg.Upstream.NFTMetadata) == "" {
		cfg.Upstream.NFTMetadata = defaultNFTMetadataBaseURL
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimitPerSecond
	}
	if strings.TrimSpace(cfg.ResetSchedule) == "" {
		cfg.ResetSchedule = defaultResetScheduleDaily
	}
	if cfg.JWT.Expiry <= 0 {
		cfg.JWT.Expiry = defaultJWTExpiry
	}

	if strings.TrimSpace(cfg.DatabaseDSN) == "" {
		return ServerConfig{}, ErrMissingDatabaseDSN
	}
	if strings.TrimSpace(cfg.Upstream.APIKey) == "" {
		return ServerConfig{}, ErrMissingUpstreamKey
	}
	return cfg, nil
}

// LoadDatabaseDSN reads the database DSN from the YAML config file.
func LoadDatabaseDSN(configPath string) (string, error) {
	if dsn := strings.TrimSpace(os.Getenv(EnvDBConnection)); dsn != "" {
		return dsn, nil
	}

	// fileConfig maps the YAML fields needed for DSN resolution.
	type fileConfig struct {
		DatabaseDSN string `yaml:"database-dsn"`
		Database    struct {
			DSN string `yaml:"dsn"`
		} `yaml:"database"`
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return "", fmt.Errorf("config: read config file: %w", err)
	}

	var cfg fileConfig
	if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
		return "", fmt.Errorf("config: parse config file: %w", errUnmarshal)
	}

	if dsn := strings.TrimSpace(cfg.DatabaseDSN); dsn != "" {
		return dsn, nil
	}
	if dsn := strings.TrimSpace(cfg.Database.DSN); dsn != "" {
		return dsn, nil
	}
	return "", ErrMissingDatabaseDSN
}

// defaultJWTExpiry is used when the config omits or invalidates JWT expiry.
const defaultJWTExpiry = 30 * 24 * time.Hour
