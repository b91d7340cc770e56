package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	StorageDriver  string   `mapstructure:"STORAGE_DRIVER"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	SQLitePath     string   `mapstructure:"SQLITE_PATH"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir  string   `mapstructure:"MIGRATIONS_DIR"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`

	ThresholdsFile string        `mapstructure:"THRESHOLDS_FILE"`
	RuleCacheSize  int           `mapstructure:"RULE_CACHE_SIZE"`
	RuleCacheTTL   time.Duration `mapstructure:"RULE_CACHE_TTL"`

	ActorIdleTimeout time.Duration `mapstructure:"ACTOR_IDLE_TIMEOUT"`
	ActorQueueSize   int           `mapstructure:"ACTOR_QUEUE_SIZE"`
	FanoutQueueSize  int           `mapstructure:"FANOUT_QUEUE_SIZE"`
	ClockSkew        time.Duration `mapstructure:"CLOCK_SKEW"`

	MLLPAddr string `mapstructure:"MLLP_ADDR"`

	MQTTBroker   string `mapstructure:"MQTT_BROKER"`
	MQTTClientID string `mapstructure:"MQTT_CLIENT_ID"`
	MQTTTopic    string `mapstructure:"MQTT_TOPIC"`
	MQTTUsername string `mapstructure:"MQTT_USERNAME"`
	MQTTPassword string `mapstructure:"MQTT_PASSWORD"`

	KafkaBrokers []string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic   string   `mapstructure:"KAFKA_TOPIC"`
	KafkaGroupID string   `mapstructure:"KAFKA_GROUP_ID"`

	RedisAddr         string `mapstructure:"REDIS_ADDR"`
	RedisPassword     string `mapstructure:"REDIS_PASSWORD"`
	RedisDB           int    `mapstructure:"REDIS_DB"`
	RedisStream       string `mapstructure:"REDIS_STREAM"`
	RedisStreamMaxLen int64  `mapstructure:"REDIS_STREAM_MAXLEN"`
}

var defaults = map[string]interface{}{
	"PORT":                "8000",
	"ENV":                 "development",
	"STORAGE_DRIVER":      DriverPostgres,
	"SQLITE_PATH":         "carewatch.db",
	"DB_MAX_CONNS":        20,
	"DB_MIN_CONNS":        5,
	"CORS_ORIGINS":        "http://localhost:3000",
	"RATE_LIMIT_RPS":      100,
	"RATE_LIMIT_BURST":    200,
	"THRESHOLDS_FILE":     "./config/thresholds.yaml",
	"RULE_CACHE_SIZE":     4096,
	"RULE_CACHE_TTL":      "1m",
	"ACTOR_IDLE_TIMEOUT":  "2m",
	"ACTOR_QUEUE_SIZE":    64,
	"FANOUT_QUEUE_SIZE":   256,
	"CLOCK_SKEW":          "5m",
	"MQTT_CLIENT_ID":      "carewatch",
	"MQTT_TOPIC":          "carewatch/vitals/+",
	"KAFKA_TOPIC":         "vitals",
	"KAFKA_GROUP_ID":      "carewatch",
	"REDIS_DB":            0,
	"REDIS_STREAM":        "carewatch:events",
	"REDIS_STREAM_MAXLEN": 10000,
}

var envKeys = []string{
	"PORT", "ENV", "STORAGE_DRIVER", "DATABASE_URL", "SQLITE_PATH", "DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_DIR",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE", "CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"THRESHOLDS_FILE", "RULE_CACHE_SIZE", "RULE_CACHE_TTL",
	"ACTOR_IDLE_TIMEOUT", "ACTOR_QUEUE_SIZE", "FANOUT_QUEUE_SIZE", "CLOCK_SKEW",
	"MLLP_ADDR",
	"MQTT_BROKER", "MQTT_CLIENT_ID", "MQTT_TOPIC", "MQTT_USERNAME", "MQTT_PASSWORD",
	"KAFKA_BROKERS", "KAFKA_TOPIC", "KAFKA_GROUP_ID",
	"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB", "REDIS_STREAM", "REDIS_STREAM_MAXLEN",
}

// Load reads .env (when present) and the environment. It does not validate;
// call Validate before starting services.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers, v.GetString("KAFKA_BROKERS"))
	return cfg, nil
}

// splitList normalises comma separated values that viper may hand over as a
// single element.
func splitList(parsed []string, raw string) []string {
	if len(parsed) == 0 && raw != "" {
		parsed = []string{raw}
	}
	var out []string
	for _, item := range parsed {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development
// a JWT signing key of at least 32 bytes is required.
func (c *Config) Validate() error {
	switch c.StorageDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORAGE_DRIVER is %q", DriverPostgres)
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORAGE_DRIVER is %q", DriverSQLite)
		}
	default:
		return fmt.Errorf("STORAGE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.StorageDriver)
	}

	if !c.IsDev() && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY of at least 32 bytes is required when ENV=%q", c.Env)
	}

	if c.DBMaxConns < c.DBMinConns {
		return fmt.Errorf("DB_MAX_CONNS (%d) must not be below DB_MIN_CONNS (%d)", c.DBMaxConns, c.DBMinConns)
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	for name, n := range map[string]int{
		"RULE_CACHE_SIZE":   c.RuleCacheSize,
		"ACTOR_QUEUE_SIZE":  c.ActorQueueSize,
		"FANOUT_QUEUE_SIZE": c.FanoutQueueSize,
	} {
		if n <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, n)
		}
	}
	if c.RuleCacheTTL <= 0 || c.ActorIdleTimeout <= 0 {
		return fmt.Errorf("RULE_CACHE_TTL and ACTOR_IDLE_TIMEOUT must be positive")
	}
	if c.ClockSkew < 0 {
		return fmt.Errorf("CLOCK_SKEW must not be negative")
	}

	if c.MQTTBroker != "" && c.MQTTTopic == "" {
		return fmt.Errorf("MQTT_TOPIC is required when MQTT_BROKER is set")
	}
	if len(c.KafkaBrokers) > 0 && (c.KafkaTopic == "" || c.KafkaGroupID == "") {
		return fmt.Errorf("KAFKA_TOPIC and KAFKA_GROUP_ID are required when KAFKA_BROKERS is set")
	}
	if c.RedisAddr != "" && c.RedisStream == "" {
		return fmt.Errorf("REDIS_STREAM is required when REDIS_ADDR is set")
	}
	return nil
}
