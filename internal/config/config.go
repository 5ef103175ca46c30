// Package config loads service configuration from defaults, an optional YAML
// file, a .env file and the process environment, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"

	minProductionSecretLen = 32
)

// Config is the root configuration structure.
type Config struct {
	Env       string          `yaml:"env"`
	HTTP      HTTPConfig      `yaml:"http"`
	GRPC      GRPCConfig      `yaml:"grpc"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`
	Kafka     KafkaConfig     `yaml:"kafka"`
}

// HTTPConfig configures the public HTTP listener.
type HTTPConfig struct {
	Port           int    `yaml:"port"`
	FrontendURL    string `yaml:"frontend_url"`
	BodyLimitBytes int64  `yaml:"body_limit_bytes"`

	// TrustedProxies lists peer IPs or CIDRs whose X-Forwarded-For is honoured.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// GRPCConfig configures the gRPC health listener. Port 0 disables it.
type GRPCConfig struct {
	Port int `yaml:"port"`
}

// DatabaseConfig holds connection settings and pool bounds.
type DatabaseConfig struct {
	URL            string   `yaml:"url"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	Name           string   `yaml:"name"`
	User           string   `yaml:"user"`
	Password       string   `yaml:"password"`
	SSL            bool     `yaml:"ssl"`
	MaxConns       int32    `yaml:"max_conns"`
	MinConns       int32    `yaml:"min_conns"`
	IdleTimeout    Duration `yaml:"idle_timeout"`
	ConnectTimeout Duration `yaml:"connect_timeout"`
	MaxUses        int64    `yaml:"max_uses"`
}

// AuthConfig holds token secrets, lifetimes and the password work factor.
type AuthConfig struct {
	AccessSecret  string   `yaml:"access_secret"`
	RefreshSecret string   `yaml:"refresh_secret"`
	AccessTTL     Duration `yaml:"access_ttl"`
	RefreshTTL    Duration `yaml:"refresh_ttl"`
	BcryptCost    int      `yaml:"bcrypt_cost"`
}

// RateLimitConfig bounds requests per client IP per window on /api.
type RateLimitConfig struct {
	Window Duration `yaml:"window"`
	Max    int      `yaml:"max"`
}

// LoggingConfig selects the minimum log level.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// KafkaConfig enables the auth event stream when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Default returns a Config with the built-in defaults.
func Default() *Config {
	return &Config{
		Env: EnvDevelopment,
		HTTP: HTTPConfig{
			Port:           5000,
			FrontendURL:    "http://localhost:3000",
			BodyLimitBytes: 10 << 20,
		},
		GRPC: GRPCConfig{Port: 9090},
		Database: DatabaseConfig{
			Host:           "localhost",
			Port:           5432,
			Name:           "fertyflow_db",
			User:           "postgres",
			MaxConns:       20,
			MinConns:       5,
			IdleTimeout:    Duration(30 * time.Second),
			ConnectTimeout: Duration(2 * time.Second),
			MaxUses:        7500,
		},
		Auth: AuthConfig{
			AccessTTL:  Duration(24 * time.Hour),
			RefreshTTL: Duration(7 * 24 * time.Hour),
			BcryptCost: 12,
		},
		RateLimit: RateLimitConfig{
			Window: Duration(15 * time.Minute),
			Max:    100,
		},
		Logging: LoggingConfig{Level: "info"},
		Kafka:   KafkaConfig{Topic: "fertyflow.auth"},
	}
}

// Load reads CONFIG_FILE (optional) and ./.env (optional), then applies
// environment overrides and validates the result.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv("CONFIG_FILE"), ".env")
}

// LoadFrom is Load with explicit file locations. Empty paths are skipped.
func LoadFrom(yamlPath, envPath string) (*Config, error) {
	cfg := Default()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if envPath != "" {
		// godotenv never overrides variables already set in the process.
		if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", envPath, err)
		}
	}

	if err := applyEnvOverrides(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// IsProduction reports whether the service runs in production mode.
func (c *Config) IsProduction() bool { return c.Env == EnvProduction }

// IsDevelopment reports whether the service runs in development mode.
func (c *Config) IsDevelopment() bool { return c.Env == EnvDevelopment }

// HTTPAddress returns the host:port pair for the HTTP server to bind to.
func (c *Config) HTTPAddress() string { return fmt.Sprintf(":%d", c.HTTP.Port) }

// GRPCAddress returns the gRPC bind address, or "" when disabled.
func (c *Config) GRPCAddress() string {
	if c.GRPC.Port <= 0 {
		return ""
	}
	return fmt.Sprintf(":%d", c.GRPC.Port)
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:   "/" + d.Name,
	}
	if d.Password != "" {
		u.User = url.UserPassword(d.User, d.Password)
	} else if d.User != "" {
		u.User = url.User(d.User)
	}
	q := url.Values{}
	if d.SSL {
		q.Set("sslmode", "require")
	} else {
		q.Set("sslmode", "disable")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Validate checks required settings and cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	switch c.Env {
	case EnvDevelopment, EnvProduction, EnvTest:
	default:
		errs = append(errs, fmt.Errorf("unknown environment %q", c.Env))
	}
	if c.Auth.AccessSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.Auth.RefreshSecret == "" {
		errs = append(errs, errors.New("JWT_REFRESH_SECRET is required"))
	}
	if c.Auth.AccessSecret != "" && c.Auth.AccessSecret == c.Auth.RefreshSecret {
		errs = append(errs, errors.New("JWT_SECRET and JWT_REFRESH_SECRET must differ"))
	}
	if c.IsProduction() && (len(c.Auth.AccessSecret) < minProductionSecretLen || len(c.Auth.RefreshSecret) < minProductionSecretLen) {
		errs = append(errs, fmt.Errorf("JWT secrets must be at least %d bytes in production", minProductionSecretLen))
	}
	if c.Auth.AccessTTL <= 0 || c.Auth.RefreshTTL <= 0 {
		errs = append(errs, errors.New("token lifetimes must be positive"))
	}
	if c.Auth.BcryptCost < 4 || c.Auth.BcryptCost > 31 {
		errs = append(errs, fmt.Errorf("BCRYPT_ROUNDS %d outside [4,31]", c.Auth.BcryptCost))
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid http port %d", c.HTTP.Port))
	}
	if c.Database.MaxConns <= 0 || c.Database.MinConns < 0 || c.Database.MinConns > c.Database.MaxConns {
		errs = append(errs, fmt.Errorf("invalid pool bounds min=%d max=%d", c.Database.MinConns, c.Database.MaxConns))
	}
	for _, p := range c.HTTP.TrustedProxies {
		if _, _, err := net.ParseCIDR(p); err != nil && net.ParseIP(p) == nil {
			errs = append(errs, fmt.Errorf("TRUSTED_PROXIES: %q is neither an IP nor a CIDR", p))
		}
	}
	if c.RateLimit.Max <= 0 || c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("rate limit window and max must be positive"))
	}
	return errors.Join(errs...)
}

type lookupFunc func(string) (string, bool)

func applyEnvOverrides(cfg *Config, lookup lookupFunc) error {
	get := func(keys ...string) (string, bool) {
		for _, k := range keys {
			if v, ok := lookup(k); ok && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v), true
			}
		}
		return "", false
	}
	var errs []error
	setInt := func(dst *int, keys ...string) {
		if v, ok := get(keys...); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", keys[0], err))
				return
			}
			*dst = n
		}
	}
	setDuration := func(dst *Duration, unit time.Duration, keys ...string) {
		if v, ok := get(keys...); ok {
			d, err := parseDuration(v, unit)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", keys[0], err))
				return
			}
			*dst = Duration(d)
		}
	}

	if v, ok := get("APP_ENV", "NODE_ENV"); ok {
		cfg.Env = strings.ToLower(v)
	}
	setInt(&cfg.HTTP.Port, "PORT")
	setInt(&cfg.GRPC.Port, "GRPC_PORT")
	if v, ok := get("FRONTEND_URL"); ok {
		cfg.HTTP.FrontendURL = v
	}
	if v, ok := get("TRUSTED_PROXIES"); ok {
		cfg.HTTP.TrustedProxies = parseCSV(v)
	}
	if v, ok := get("BODY_LIMIT_BYTES"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("BODY_LIMIT_BYTES: %w", err))
		} else {
			cfg.HTTP.BodyLimitBytes = n
		}
	}

	if v, ok := get("DATABASE_URL"); ok {
		cfg.Database.URL = v
	}
	if v, ok := get("DB_HOST"); ok {
		cfg.Database.Host = v
	}
	setInt(&cfg.Database.Port, "DB_PORT")
	if v, ok := get("DB_NAME"); ok {
		cfg.Database.Name = v
	}
	if v, ok := get("DB_USER"); ok {
		cfg.Database.User = v
	}
	if v, ok := lookup("DB_PASSWORD"); ok {
		cfg.Database.Password = v
	}
	if v, ok := get("DB_SSL"); ok {
		cfg.Database.SSL = v == "true" || v == "1"
	}
	var maxConns, minConns int = int(cfg.Database.MaxConns), int(cfg.Database.MinConns)
	setInt(&maxConns, "DB_POOL_MAX")
	setInt(&minConns, "DB_POOL_MIN")
	cfg.Database.MaxConns, cfg.Database.MinConns = int32(maxConns), int32(minConns)

	if v, ok := get("JWT_SECRET"); ok {
		cfg.Auth.AccessSecret = v
	}
	if v, ok := get("JWT_REFRESH_SECRET"); ok {
		cfg.Auth.RefreshSecret = v
	}
	setDuration(&cfg.Auth.AccessTTL, time.Second, "JWT_EXPIRES_IN")
	setDuration(&cfg.Auth.RefreshTTL, time.Second, "JWT_REFRESH_EXPIRES_IN")
	setInt(&cfg.Auth.BcryptCost, "BCRYPT_ROUNDS")

	setDuration(&cfg.RateLimit.Window, time.Minute, "RATE_LIMIT_WINDOW")
	setInt(&cfg.RateLimit.Max, "RATE_LIMIT_MAX")

	if v, ok := get("LOG_LEVEL"); ok {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v, ok := get("KAFKA_BROKERS"); ok {
		cfg.Kafka.Brokers = parseCSV(v)
	}
	if v, ok := get("KAFKA_AUTH_TOPIC"); ok {
		cfg.Kafka.Topic = v
	}
	return errors.Join(errs...)
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
