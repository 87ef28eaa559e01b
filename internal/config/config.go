// Package config loads process configuration from the environment, after
// reading an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// DefaultInstances is used when SERVER_INSTANCES is unset.
const DefaultInstances = "5400,5401,5402"

type Redis struct {
	Host      string `env:"REDIS_HOST,default=localhost"`
	Port      int    `env:"REDIS_PORT,default=6379"`
	Password  string `env:"REDIS_PASSWORD"`
	DB        int    `env:"REDIS_DB,default=0"`
	KeyPrefix string `env:"REDIS_KEY_PREFIX,default=chat:"`
}

// Addr is host:port.
func (r Redis) Addr() string { return net.JoinHostPort(r.Host, strconv.Itoa(r.Port)) }

type Worker struct {
	ServerID string `env:"SERVER_ID"`
	Port     int    `env:"PORT,default=5400"`
	// Origins is a comma separated list.
	Origins       string `env:"CORS_ALLOWED_ORIGINS"`
	JWTSecret     string `env:"JWT_SECRET"`
	JWTIssuer     string `env:"JWT_ISSUER"`
	JWKSURL       string `env:"JWKS_URL"`
	OIDCIssuer    string `env:"OIDC_ISSUER"`
	JWTAudience   string `env:"JWT_AUDIENCE"`
	DatabaseURL   string `env:"DATABASE_URL"`
	WebhookURL    string `env:"PUSH_WEBHOOK_URL"`
	RunJobWorkers bool   `env:"RUN_JOB_WORKERS,default=true"`
}

type Jobs struct {
	Concurrency  int           `env:"JOB_CONCURRENCY,default=4"`
	Lease        time.Duration `env:"JOB_LEASE,default=30s"`
	PollInterval time.Duration `env:"JOB_POLL_INTERVAL,default=500ms"`
	Attempts     int           `env:"JOB_ATTEMPTS,default=3"`
	Backoff      time.Duration `env:"JOB_BACKOFF,default=2s"`
}

type Balancer struct {
	Port int `env:"LOAD_BALANCER_PORT,default=3000"`
	// Instances is a comma separated list of ports or URLs.
	Instances    string        `env:"SERVER_INSTANCES"`
	Interval     time.Duration `env:"HEALTH_CHECK_INTERVAL,default=30s"`
	Timeout      time.Duration `env:"HEALTH_CHECK_TIMEOUT,default=5s"`
	BackendsFile string        `env:"BACKENDS_FILE"`
}

type Supervisor struct {
	// Workers of zero means min(NumCPU, 4).
	Workers int `env:"CLUSTER_WORKERS,default=0"`
}

type Config struct {
	Env            string `env:"APP_ENV,default=development"`
	Backend        string `env:"BACKEND,default=redis"`
	LogLevel       string `env:"LOG_LEVEL,default=info"`
	MetricsEnabled bool   `env:"METRICS_ENABLED,default=true"`

	Redis      Redis
	Worker     Worker
	Jobs       Jobs
	Balancer   Balancer
	Supervisor Supervisor
}

// Load reads files (default ".env") into the environment without
// overriding variables already set, then decodes Config. Missing files are
// ignored.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if cfg.Worker.ServerID == "" {
		cfg.Worker.ServerID = fmt.Sprintf("pid-%d", os.Getpid())
	}
	if cfg.Balancer.Instances == "" {
		cfg.Balancer.Instances = DefaultInstances
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values no process can run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Env {
	case EnvDevelopment, EnvProduction:
	default:
		errs = append(errs, fmt.Errorf("APP_ENV: unknown environment %q", c.Env))
	}
	switch c.Backend {
	case BackendRedis, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("BACKEND: unknown driver %q", c.Backend))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	if c.Jobs.Concurrency <= 0 {
		errs = append(errs, errors.New("JOB_CONCURRENCY: must be positive"))
	}
	if c.Jobs.Attempts <= 0 {
		errs = append(errs, errors.New("JOB_ATTEMPTS: must be positive"))
	}
	if c.Worker.JWKSURL != "" && c.Worker.JWTIssuer == "" {
		errs = append(errs, errors.New("JWT_ISSUER: required with JWKS_URL"))
	}
	return errors.Join(errs...)
}

// Development reports whether APP_ENV is development.
func (c *Config) Development() bool { return c.Env == EnvDevelopment }

// Level parses LOG_LEVEL.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(c.LogLevel))
	return l, err
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS. In development an empty list
// allows every origin.
func (c *Config) AllowedOrigins() []string {
	out := splitList(c.Worker.Origins)
	if len(out) == 0 && c.Development() {
		return []string{"*"}
	}
	return out
}

// Instances splits SERVER_INSTANCES.
func (c *Config) Instances() []string { return splitList(c.Balancer.Instances) }

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
