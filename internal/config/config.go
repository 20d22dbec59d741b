package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/example/retina-check/internal/normalizer"
)

// Config holds the service configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Log       LogConfig       `mapstructure:"log"`
	Predictor PredictorConfig `mapstructure:"predictor"`
	Analysis  AnalysisConfig  `mapstructure:"analysis"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxUploadBytes  int64         `mapstructure:"max_upload_bytes"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type JWTConfig struct {
	Secret   string        `mapstructure:"secret"`
	Audience string        `mapstructure:"audience"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// EndpointTarget locates one upstream prediction model. GRPCAddr, when set,
// takes precedence over URL.
type EndpointTarget struct {
	URL      string `mapstructure:"url"`
	GRPCAddr string `mapstructure:"grpc_addr"`
}

type PredictorConfig struct {
	EndpointA EndpointTarget `mapstructure:"endpoint_a"`
	EndpointB EndpointTarget `mapstructure:"endpoint_b"`
	Timeout   time.Duration  `mapstructure:"timeout"`
	RateLimit float64        `mapstructure:"rate_limit"` // requests per second per endpoint
}

type AnalysisConfig struct {
	DefaultEndpoint string `mapstructure:"default_endpoint"`
	Rounding        string `mapstructure:"rounding"`
	OutOfRange      string `mapstructure:"out_of_range"`
	TimestampLayout string `mapstructure:"timestamp_layout"`
	Timezone        string `mapstructure:"timezone"`
}

// Load reads defaults, then the optional YAML file at path, then RETINA_*
// environment variables (RETINA_DATABASE_DSN overrides database.dsn).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("RETINA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.max_upload_bytes", 10<<20)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("database.dsn", "host=postgres user=postgres password=postgres dbname=retinacheck port=5432 sslmode=disable")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)

	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("jwt.secret", "dev-secret")
	v.SetDefault("jwt.audience", "")
	v.SetDefault("jwt.token_ttl", 24*time.Hour)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("predictor.endpoint_a.url", "http://retina-model:8000/predict")
	v.SetDefault("predictor.endpoint_a.grpc_addr", "")
	v.SetDefault("predictor.endpoint_b.url", "http://eye-model:8000/predict")
	v.SetDefault("predictor.endpoint_b.grpc_addr", "")
	v.SetDefault("predictor.timeout", 30*time.Second)
	v.SetDefault("predictor.rate_limit", 5.0)

	v.SetDefault("analysis.default_endpoint", string(normalizer.EndpointA))
	v.SetDefault("analysis.rounding", string(normalizer.RoundWhole))
	v.SetDefault("analysis.out_of_range", string(normalizer.RejectOutOfRange))
	v.SetDefault("analysis.timestamp_layout", normalizer.DefaultTimestampLayout)
	v.SetDefault("analysis.timezone", "Local")
}

// Validate checks cross-field constraints that defaults cannot guarantee.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("server.max_upload_bytes must be positive"))
	}
	for _, origin := range c.Server.CORSOrigins {
		if origin != "*" && !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
			errs = append(errs, fmt.Errorf("server.cors_origins: %q must be * or an http(s) origin", origin))
		}
	}
	if strings.TrimSpace(c.JWT.Secret) == "" {
		errs = append(errs, errors.New("jwt.secret is required"))
	}
	if _, err := normalizer.ParseEndpoint(c.Analysis.DefaultEndpoint); err != nil {
		errs = append(errs, fmt.Errorf("analysis.default_endpoint: %w", err))
	}
	switch normalizer.Rounding(c.Analysis.Rounding) {
	case normalizer.RoundWhole, normalizer.RoundHundredths:
	default:
		errs = append(errs, fmt.Errorf("analysis.rounding: unknown mode %q", c.Analysis.Rounding))
	}
	switch normalizer.OutOfRange(c.Analysis.OutOfRange) {
	case normalizer.RejectOutOfRange, normalizer.ClampOutOfRange:
	default:
		errs = append(errs, fmt.Errorf("analysis.out_of_range: unknown policy %q", c.Analysis.OutOfRange))
	}
	if _, err := c.Analysis.Location(); err != nil {
		errs = append(errs, fmt.Errorf("analysis.timezone: %w", err))
	}
	for name, target := range map[string]EndpointTarget{"endpoint_a": c.Predictor.EndpointA, "endpoint_b": c.Predictor.EndpointB} {
		if target.URL == "" && target.GRPCAddr == "" {
			errs = append(errs, fmt.Errorf("predictor.%s: url or grpc_addr is required", name))
		}
	}
	return errors.Join(errs...)
}

// Location resolves the configured display timezone.
func (a AnalysisConfig) Location() (*time.Location, error) {
	if a.Timezone == "" || a.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(a.Timezone)
}
