package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"roomchat/internal/logger"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Auth      AuthConfig
	Redis     RedisConfig
	NATS      NATSConfig `mapstructure:"nats"`
	Broker    BrokerConfig
	WebSocket WebSocketConfig
	Chat      ChatConfig
	Log       logger.Config
}

type ServerConfig struct {
	Addr            string
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	DSN             string
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	SeedRooms       bool          `mapstructure:"seed_rooms"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	Issuer    string        `mapstructure:"issuer"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key and channel this service touches.
	Prefix string
}

type NATSConfig struct {
	URL string
}

// BrokerConfig selects the medium room events travel through.
// "memory" only works for a single process.
type BrokerConfig struct {
	Kind string
}

type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

type ChatConfig struct {
	HistoryLimit    int           `mapstructure:"history_limit"`
	HistoryCache    bool          `mapstructure:"history_cache"`
	HistoryCacheTTL time.Duration `mapstructure:"history_cache_ttl"`
	PersistTimeout  time.Duration `mapstructure:"persist_timeout"`
}

const (
	BrokerMemory = "memory"
	BrokerRedis  = "redis"
	BrokerNATS   = "nats"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("database.seed_rooms", true)
	v.SetDefault("auth.issuer", "roomchat")
	v.SetDefault("auth.token_ttl", "24h")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "chat")
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("broker.kind", BrokerRedis)
	v.SetDefault("websocket.ping_interval", "54s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.max_message_size", 16384)
	v.SetDefault("websocket.send_buffer", 256)
	v.SetDefault("websocket.allowed_origins", []string{})
	v.SetDefault("chat.history_limit", 50)
	v.SetDefault("chat.history_cache", true)
	v.SetDefault("chat.history_cache_ttl", "10m")
	v.SetDefault("chat.persist_timeout", "5s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.service", "roomchat")
}

func bindEnv(v *viper.Viper) {
	v.BindEnv("server.addr", "ADDR")
	v.BindEnv("database.dsn", "DB_DSN")
	v.BindEnv("auth.jwt_secret", "JWT_SECRET")
	v.BindEnv("redis.addr", "REDIS_ADDR")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("nats.url", "NATS_URL")
	v.BindEnv("broker.kind", "BROKER")
	v.BindEnv("log.level", "LOG_LEVEL")
	v.BindEnv("log.pretty", "LOG_PRETTY")
}

// Load reads config.yaml from dir (or ./config, or the working directory)
// and overlays environment variables. A missing file is not an error.
func Load(dir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if dir != "" {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every missing or inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("DB_DSN is not set"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is not set"))
	}
	switch c.Broker.Kind {
	case BrokerMemory, BrokerRedis, BrokerNATS:
	default:
		errs = append(errs, fmt.Errorf("unknown broker kind %q", c.Broker.Kind))
	}
	if c.Chat.HistoryLimit <= 0 {
		errs = append(errs, errors.New("chat.history_limit must be positive"))
	}
	if c.WebSocket.PingInterval >= c.WebSocket.PongWait {
		errs = append(errs, errors.New("websocket.ping_interval must be shorter than websocket.pong_wait"))
	}
	return errors.Join(errs...)
}

// NeedsRedis reports whether any enabled component talks to Redis. Every
// multi-process broker keeps its online counts there.
func (c *Config) NeedsRedis() bool {
	return c.Broker.Kind != BrokerMemory || c.Chat.HistoryCache
}
