package config

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Auth      AuthConfig
	Transport TransportConfig
	Rooms     RoomsConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	RabbitMQ  RabbitMQConfig `mapstructure:"rabbitmq"`
	Log       LogConfig
}

type ServerConfig struct {
	Address        string
	AllowedOrigins []string `mapstructure:"allowedOrigins"`
}

type AuthConfig struct {
	// JWTSecret verifies tokens issued by the hosted auth service. Empty
	// disables token checks and trusts ?userId=.
	JWTSecret string `mapstructure:"jwtSecret"`
	Required  bool
}

type TransportConfig struct {
	WriteWait      time.Duration `mapstructure:"writeWait"`
	PongWait       time.Duration `mapstructure:"pongWait"`
	MaxMessageSize int64         `mapstructure:"maxMessageSize"`
	SendBuffer     int           `mapstructure:"sendBuffer"`
}

type RoomsConfig struct {
	SweepInterval time.Duration `mapstructure:"sweepInterval"`
}

type DatabaseConfig struct {
	DSN string
}

type RedisConfig struct {
	Addr    string
	Channel string
	// KeyPrefix namespaces the shared ride, message and request keys.
	KeyPrefix string `mapstructure:"keyPrefix"`
}

type RabbitMQConfig struct {
	URL      string
	Exchange string
}

type LogConfig struct {
	Level string
}

// Load reads configuration from a file and environment variables.
// Environment keys use the RELAY_ prefix, e.g. RELAY_REDIS_ADDR.
func Load(logger *slog.Logger, fileName string) (*Config, error) {
	v := viper.New()

	// 1. Set default values
	v.SetDefault("server.address", ":3001")
	v.SetDefault("server.allowedOrigins", []string{"*"})
	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.required", false)
	v.SetDefault("transport.writeWait", "10s")
	v.SetDefault("transport.pongWait", "60s")
	v.SetDefault("transport.maxMessageSize", 4096)
	v.SetDefault("transport.sendBuffer", 256)
	v.SetDefault("rooms.sweepInterval", "1m")
	v.SetDefault("database.dsn", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.channel", "ride-relay")
	v.SetDefault("redis.keyPrefix", "relay")
	v.SetDefault("rabbitmq.url", "")
	v.SetDefault("rabbitmq.exchange", "notifications")
	v.SetDefault("log.level", "INFO")

	// 2. Set config file details
	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// 3. Set up environment variable handling
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 4. Read the configuration file
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		logger.Warn("Config file not found, relying on defaults and env vars", slog.String("file", fileName))
	}

	// 5. Unmarshal the configuration into our struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return errors.New("server.address is required")
	}
	if c.Transport.PongWait <= 0 || c.Transport.WriteWait <= 0 {
		return errors.New("transport.pongWait and transport.writeWait must be positive")
	}
	if c.Auth.Required && c.Auth.JWTSecret == "" {
		return errors.New("auth.required needs auth.jwtSecret")
	}
	return nil
}
