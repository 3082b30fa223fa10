// Package config loads quarry configuration from environment variables and,
// optionally, a YAML file. Precedence is defaults, then file, then
// environment. Every key has a QUARRY_ environment variable named after its
// path, e.g. transport.idle_timeout is QUARRY_TRANSPORT_IDLE_TIMEOUT.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "QUARRY"

// Template feed sources.
const (
	FeedKafka = "kafka"
	FeedZMQ   = "zmq"
	FeedNone  = "none"
)

// Config holds the configuration for poold and miner.
type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	Log       LogConfig       `mapstructure:"log"`
	Transport TransportConfig `mapstructure:"transport"`
	Client    ClientConfig    `mapstructure:"client"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Influx    InfluxConfig    `mapstructure:"influx"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Pool      PoolConfig      `mapstructure:"pool"`
}

// ServiceConfig identifies the running service.
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// LogConfig selects level and format ("json" or "text").
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TransportConfig tunes the QUIC endpoint shared by both sides.
type TransportConfig struct {
	ListenAddr       string        `mapstructure:"listen_addr"`
	CertFile         string        `mapstructure:"cert_file"`
	KeyFile          string        `mapstructure:"key_file"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	KeepAlive        time.Duration `mapstructure:"keep_alive"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
}

// ClientConfig configures the miner.
type ClientConfig struct {
	ServerAddr    string        `mapstructure:"server_addr"`
	ServerName    string        `mapstructure:"server_name"`
	LocalAddr     string        `mapstructure:"local_addr"`
	Insecure      bool          `mapstructure:"insecure"`
	MiningKey     string        `mapstructure:"mining_key"`
	AccountToken  string        `mapstructure:"account_token"`
	APIURL        string        `mapstructure:"api_url"`
	KeyDir        string        `mapstructure:"key_dir"`
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	BackoffMax    time.Duration `mapstructure:"backoff_max"`
	UnwindTimeout time.Duration `mapstructure:"unwind_timeout"`
	Threads       int           `mapstructure:"threads"`
	NetworkOnly   bool          `mapstructure:"network_only"`
}

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Database     string        `mapstructure:"database"`
	User         string        `mapstructure:"user"`
	Password     string        `mapstructure:"password"`
	SSLMode      string        `mapstructure:"ssl_mode"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	MaxIdleConns int           `mapstructure:"max_idle_conns"`
	MaxLifetime  time.Duration `mapstructure:"max_lifetime"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// KafkaConfig holds Kafka settings.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	GroupID string   `mapstructure:"group_id"`
}

// InfluxConfig holds InfluxDB settings. An empty URL disables metrics.
type InfluxConfig struct {
	URL    string `mapstructure:"url"`
	Token  string `mapstructure:"token"`
	Org    string `mapstructure:"org"`
	Bucket string `mapstructure:"bucket"`
}

// FeedConfig selects where templates come from.
type FeedConfig struct {
	Source      string `mapstructure:"source"`
	ZMQEndpoint string `mapstructure:"zmq_endpoint"`
	Window      int    `mapstructure:"window"`
}

// PoolConfig holds submission policy.
type PoolConfig struct {
	ShareTTL     time.Duration `mapstructure:"share_ttl"`
	SubmitLimit  int64         `mapstructure:"submit_limit"`
	SubmitWindow time.Duration `mapstructure:"submit_window"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{Name: "quarry", Version: "dev", Environment: "development"},
		Log:     LogConfig{Level: "info", Format: "json"},
		Transport: TransportConfig{
			ListenAddr:       "0.0.0.0:4433",
			IdleTimeout:      5 * time.Second,
			KeepAlive:        2 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			ShutdownTimeout:  10 * time.Second,
		},
		Client: ClientConfig{
			ServerAddr:    "localhost:4433",
			ServerName:    "quarry",
			LocalAddr:     "0.0.0.0:0",
			APIURL:        "http://localhost:8080",
			BackoffBase:   100 * time.Millisecond,
			BackoffMax:    30 * time.Second,
			UnwindTimeout: 5 * time.Second,
		},
		Postgres: PostgresConfig{
			Host: "localhost", Port: 5432, Database: "quarry", User: "quarry", SSLMode: "disable",
			MaxOpenConns: 20, MaxIdleConns: 5, MaxLifetime: 30 * time.Minute,
		},
		Redis:  RedisConfig{Addr: "localhost:6379", PoolSize: 20},
		Kafka:  KafkaConfig{Brokers: []string{"localhost:9092"}, GroupID: "quarry"},
		Influx: InfluxConfig{Org: "quarry", Bucket: "mining"},
		Feed:   FeedConfig{Source: FeedKafka, ZMQEndpoint: "tcp://localhost:28332", Window: 8},
		Pool:   PoolConfig{ShareTTL: 30 * time.Minute, SubmitWindow: time.Second},
	}
}

// Load builds the configuration from defaults and the environment.
func Load() (*Config, error) {
	cfg := Default()
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadFile layers the YAML file at path between the defaults and the
// environment. An empty path behaves like Load.
func LoadFile(path string) (*Config, error) {
	if path == "" {
		return Load()
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// applyEnv overrides every field whose environment variable is set.
func (c *Config) applyEnv() {
	c.Service.Name = getEnv("SERVICE_NAME", c.Service.Name)
	c.Service.Version = getEnv("SERVICE_VERSION", c.Service.Version)
	c.Service.Environment = getEnv("SERVICE_ENVIRONMENT", c.Service.Environment)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)

	c.Transport.ListenAddr = getEnv("TRANSPORT_LISTEN_ADDR", c.Transport.ListenAddr)
	c.Transport.CertFile = getEnv("TRANSPORT_CERT_FILE", c.Transport.CertFile)
	c.Transport.KeyFile = getEnv("TRANSPORT_KEY_FILE", c.Transport.KeyFile)
	c.Transport.IdleTimeout = getEnvDuration("TRANSPORT_IDLE_TIMEOUT", c.Transport.IdleTimeout)
	c.Transport.KeepAlive = getEnvDuration("TRANSPORT_KEEP_ALIVE", c.Transport.KeepAlive)
	c.Transport.HandshakeTimeout = getEnvDuration("TRANSPORT_HANDSHAKE_TIMEOUT", c.Transport.HandshakeTimeout)
	c.Transport.ShutdownTimeout = getEnvDuration("TRANSPORT_SHUTDOWN_TIMEOUT", c.Transport.ShutdownTimeout)

	c.Client.ServerAddr = getEnv("CLIENT_SERVER_ADDR", c.Client.ServerAddr)
	c.Client.ServerName = getEnv("CLIENT_SERVER_NAME", c.Client.ServerName)
	c.Client.LocalAddr = getEnv("CLIENT_LOCAL_ADDR", c.Client.LocalAddr)
	c.Client.Insecure = getEnvBool("CLIENT_INSECURE", c.Client.Insecure)
	c.Client.MiningKey = getEnv("CLIENT_MINING_KEY", c.Client.MiningKey)
	c.Client.AccountToken = getEnv("CLIENT_ACCOUNT_TOKEN", c.Client.AccountToken)
	c.Client.APIURL = getEnv("CLIENT_API_URL", c.Client.APIURL)
	c.Client.KeyDir = getEnv("CLIENT_KEY_DIR", c.Client.KeyDir)
	c.Client.BackoffBase = getEnvDuration("CLIENT_BACKOFF_BASE", c.Client.BackoffBase)
	c.Client.BackoffMax = getEnvDuration("CLIENT_BACKOFF_MAX", c.Client.BackoffMax)
	c.Client.UnwindTimeout = getEnvDuration("CLIENT_UNWIND_TIMEOUT", c.Client.UnwindTimeout)
	c.Client.Threads = getEnvInt("CLIENT_THREADS", c.Client.Threads)
	c.Client.NetworkOnly = getEnvBool("CLIENT_NETWORK_ONLY", c.Client.NetworkOnly)

	c.Postgres.Host = getEnv("POSTGRES_HOST", c.Postgres.Host)
	c.Postgres.Port = getEnvInt("POSTGRES_PORT", c.Postgres.Port)
	c.Postgres.Database = getEnv("POSTGRES_DATABASE", c.Postgres.Database)
	c.Postgres.User = getEnv("POSTGRES_USER", c.Postgres.User)
	c.Postgres.Password = getEnv("POSTGRES_PASSWORD", c.Postgres.Password)
	c.Postgres.SSLMode = getEnv("POSTGRES_SSL_MODE", c.Postgres.SSLMode)
	c.Postgres.MaxOpenConns = getEnvInt("POSTGRES_MAX_OPEN_CONNS", c.Postgres.MaxOpenConns)
	c.Postgres.MaxIdleConns = getEnvInt("POSTGRES_MAX_IDLE_CONNS", c.Postgres.MaxIdleConns)
	c.Postgres.MaxLifetime = getEnvDuration("POSTGRES_MAX_LIFETIME", c.Postgres.MaxLifetime)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvInt("REDIS_DB", c.Redis.DB)
	c.Redis.PoolSize = getEnvInt("REDIS_POOL_SIZE", c.Redis.PoolSize)

	c.Kafka.Brokers = getEnvSlice("KAFKA_BROKERS", c.Kafka.Brokers)
	c.Kafka.GroupID = getEnv("KAFKA_GROUP_ID", c.Kafka.GroupID)

	c.Influx.URL = getEnv("INFLUX_URL", c.Influx.URL)
	c.Influx.Token = getEnv("INFLUX_TOKEN", c.Influx.Token)
	c.Influx.Org = getEnv("INFLUX_ORG", c.Influx.Org)
	c.Influx.Bucket = getEnv("INFLUX_BUCKET", c.Influx.Bucket)

	c.Feed.Source = getEnv("FEED_SOURCE", c.Feed.Source)
	c.Feed.ZMQEndpoint = getEnv("FEED_ZMQ_ENDPOINT", c.Feed.ZMQEndpoint)
	c.Feed.Window = getEnvInt("FEED_WINDOW", c.Feed.Window)

	c.Pool.ShareTTL = getEnvDuration("POOL_SHARE_TTL", c.Pool.ShareTTL)
	c.Pool.SubmitLimit = int64(getEnvInt("POOL_SUBMIT_LIMIT", int(c.Pool.SubmitLimit)))
	c.Pool.SubmitWindow = getEnvDuration("POOL_SUBMIT_WINDOW", c.Pool.SubmitWindow)
}

// validate performs basic validation of configuration values
func (c *Config) validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("service name cannot be empty")
	}

	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log format must be json or text, got %q", c.Log.Format)
	}

	if c.Transport.IdleTimeout <= 0 {
		return fmt.Errorf("idle timeout must be positive")
	}
	if c.Transport.KeepAlive <= 0 || c.Transport.KeepAlive >= c.Transport.IdleTimeout {
		return fmt.Errorf("keep-alive (%s) must be positive and shorter than the idle timeout (%s)",
			c.Transport.KeepAlive, c.Transport.IdleTimeout)
	}
	if c.Transport.HandshakeTimeout <= 0 {
		return fmt.Errorf("handshake timeout must be positive")
	}

	if c.Client.BackoffBase <= 0 {
		return fmt.Errorf("backoff base must be positive")
	}
	if c.Client.BackoffBase > c.Client.BackoffMax {
		return fmt.Errorf("backoff base (%s) exceeds backoff max (%s)", c.Client.BackoffBase, c.Client.BackoffMax)
	}
	if c.Client.Threads < 0 {
		return fmt.Errorf("threads cannot be negative")
	}

	if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
		return fmt.Errorf("postgres port must be between 1 and 65535")
	}

	switch c.Feed.Source {
	case FeedKafka, FeedZMQ, FeedNone:
	default:
		return fmt.Errorf("feed source must be kafka, zmq or none, got %q", c.Feed.Source)
	}
	if c.Feed.Window <= 0 {
		return fmt.Errorf("feed window must be positive")
	}
	if c.Pool.SubmitLimit < 0 {
		return fmt.Errorf("submit limit cannot be negative")
	}

	return nil
}

// Helper functions for environment variable parsing. Keys are given
// without the prefix.

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(EnvPrefix + "_" + key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := getEnv(key, ""); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := getEnv(key, ""); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := getEnv(key, ""); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
