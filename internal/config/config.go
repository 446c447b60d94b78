package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"

	"github.com/obligohq/notifier/internal/email"
	"github.com/obligohq/notifier/internal/ratelimit"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	SMTP       email.SMTPConfig `mapstructure:"smtp"`
	Auth       AuthConfig       `mapstructure:"auth"`
	RateLimit  ratelimit.Config `mapstructure:"rate_limit"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Log        LogConfig        `mapstructure:"log"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type DispatcherConfig struct {
	BatchSize    int           `mapstructure:"batch_size"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type LogConfig struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
}

func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.AutomaticEnv()

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("dispatcher.batch_size", 50)
	viper.SetDefault("dispatcher.poll_interval", time.Minute)
	viper.SetDefault("rate_limit.limit", 100)
	viper.SetDefault("rate_limit.window", time.Hour)
	viper.SetDefault("log.level", "info")

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

// WorkerEnv carries environment-only overrides for the dispatcher worker,
// used in container deployments where no config file is mounted.
type WorkerEnv struct {
	BatchSize    int           `envconfig:"DISPATCHER_BATCH_SIZE"`
	PollInterval time.Duration `envconfig:"DISPATCHER_POLL_INTERVAL"`
	HealthPort   int           `envconfig:"WORKER_HEALTH_PORT" default:"8081"`
}

// LoadWorkerEnv reads worker overrides from the environment.
func LoadWorkerEnv() (*WorkerEnv, error) {
	var env WorkerEnv
	if err := envconfig.Process("", &env); err != nil {
		return nil, fmt.Errorf("failed to process worker env: %w", err)
	}
	return &env, nil
}
