/*
Package config loads the leave engine's runtime configuration.

SOURCES (later wins):
  1. Built-in defaults (setDefaults)
  2. YAML file, from the explicit path or ./config.yaml, ./config/config.yaml
  3. .env in the working directory (loaded into the process environment)
  4. Environment variables, prefixed LEAVE_ with dots replaced by
     underscores: LEAVE_DATABASE_PATH, LEAVE_AUTH_JWT_SECRET, ...

Durations accept Go syntax ("6h", "90m"). Lists accept YAML sequences or
comma-separated environment values.
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/ulule/limiter/v3"
	"github.com/warp/leave-engine/escalation"
	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/routing"
)

const envPrefix = "LEAVE"

type Config struct {
	Env        string           `mapstructure:"env"`
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Log        LogConfig        `mapstructure:"log"`
	Routing    RoutingConfig    `mapstructure:"routing"`
	Escalation EscalationConfig `mapstructure:"escalation"`
	YearEnd    YearEndConfig    `mapstructure:"yearend"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Seed       SeedConfig       `mapstructure:"seed"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	// RateLimit uses the limiter format "<limit>-<period>", e.g. "300-M".
	RateLimit string `mapstructure:"rate_limit"`
}

type DatabaseConfig struct {
	// Path of the SQLite file, ":memory:" for a throwaway database.
	Path string `mapstructure:"path"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or text
}

type RoutingConfig struct {
	// SecondLevelRoles lists requester roles that always get a level-2 approval.
	SecondLevelRoles []string `mapstructure:"second_level_roles"`
}

type EscalationConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	// Level thresholds seed the persisted settings on first sweep only.
	Level1Threshold time.Duration `mapstructure:"level1_threshold"`
	Level2Threshold time.Duration `mapstructure:"level2_threshold"`
	MaxEscalations  int           `mapstructure:"max_escalations"`
}

type YearEndConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

type NotifyConfig struct {
	KafkaBrokers []string      `mapstructure:"kafka_brokers"`
	KafkaTopic   string        `mapstructure:"kafka_topic"`
	RecordsTopic string        `mapstructure:"records_topic"`
	RedisAddr    string        `mapstructure:"redis_addr"`
	DedupeTTL    time.Duration `mapstructure:"dedupe_ttl"`
}

type SeedConfig struct {
	Path string `mapstructure:"path"`
}

// Load reads configuration from path (optional), .env and the environment,
// then validates it.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.cors_origins", []string{"http://localhost:5173", "http://localhost:8080"})
	v.SetDefault("server.rate_limit", "300-M")

	v.SetDefault("database.path", "leave.db")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("routing.second_level_roles", []string{string(generic.RoleManager)})

	v.SetDefault("escalation.enabled", true)
	v.SetDefault("escalation.interval", 6*time.Hour)
	v.SetDefault("escalation.level1_threshold", 48*time.Hour)
	v.SetDefault("escalation.level2_threshold", 72*time.Hour)
	v.SetDefault("escalation.max_escalations", 3)

	v.SetDefault("yearend.enabled", true)
	v.SetDefault("yearend.interval", 24*time.Hour)

	v.SetDefault("notify.kafka_brokers", []string{})
	v.SetDefault("notify.kafka_topic", "leave.notifications")
	v.SetDefault("notify.records_topic", "leave.approved")
	v.SetDefault("notify.redis_addr", "")
	v.SetDefault("notify.dedupe_ttl", 7*24*time.Hour)

	v.SetDefault("seed.path", "")
}

// Validate reports every invalid value at once.
func (c *Config) Validate() error {
	var errs *multierror.Error
	if c.Database.Path == "" {
		errs = multierror.Append(errs, errors.New("database.path is required"))
	}
	if c.Auth.JWTSecret == "" {
		errs = multierror.Append(errs, errors.New("auth.jwt_secret is required"))
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = multierror.Append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}
	if _, err := limiter.NewRateFromFormatted(c.Server.RateLimit); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("server.rate_limit: %w", err))
	}
	for _, r := range c.Routing.SecondLevelRoles {
		if !generic.Role(r).Valid() {
			errs = multierror.Append(errs, fmt.Errorf("routing.second_level_roles: unknown role %q", r))
		}
	}
	if c.Escalation.Enabled && c.Escalation.Interval <= 0 {
		errs = multierror.Append(errs, errors.New("escalation.interval must be positive"))
	}
	for _, s := range c.Escalation.Settings() {
		if err := s.Validate(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if c.YearEnd.Enabled && c.YearEnd.Interval <= 0 {
		errs = multierror.Append(errs, errors.New("yearend.interval must be positive"))
	}
	if len(c.Notify.KafkaBrokers) > 0 && c.Notify.KafkaTopic == "" {
		errs = multierror.Append(errs, errors.New("notify.kafka_topic is required with kafka_brokers"))
	}
	if err := errs.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %v", generic.ErrConfiguration, err)
	}
	return nil
}

// Settings turns the configured thresholds into the default escalation
// settings: level 1 reassigns, level 2 notifies.
func (e EscalationConfig) Settings() []escalation.Setting {
	return []escalation.Setting{
		{Level: 1, Threshold: e.Level1Threshold, Action: escalation.ActionReassign, MaxEscalations: e.MaxEscalations, Enabled: true},
		{Level: 2, Threshold: e.Level2Threshold, Action: escalation.ActionNotify, MaxEscalations: e.MaxEscalations, Enabled: true},
	}
}

func (r RoutingConfig) Policy() routing.Policy {
	p := routing.Policy{SecondLevelRoles: make([]generic.Role, 0, len(r.SecondLevelRoles))}
	for _, role := range r.SecondLevelRoles {
		p.SecondLevelRoles = append(p.SecondLevelRoles, generic.Role(role))
	}
	return p
}

func (c *Config) IsProduction() bool { return c.Env == "production" }
