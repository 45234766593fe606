package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "2s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	if parsed < 0 {
		return fmt.Errorf("duration must be >= 0, got %q", raw)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type ServerConfig struct {
	Port string `yaml:"port"`
}

type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type MQConfig struct {
	URL string `yaml:"url"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type QueueConfig struct {
	// Driver selects the delay queue backend: "amqp" (Redis scheduled
	// set + RabbitMQ work queue) or "memory" (single-node dev profile).
	Driver string `yaml:"driver"`
}

type SchedulerConfig struct {
	WorkerConcurrency      int      `yaml:"worker_concurrency"`
	MinDelayBetweenSends   Duration `yaml:"min_delay_between_sends"`
	GlobalHourlyCap        int64    `yaml:"global_hourly_cap"`
	SenderHourlyCap        int64    `yaml:"sender_hourly_cap"`
	RateLimitRetryInterval Duration `yaml:"rate_limit_retry_interval"`
	MaxDeliveryAttempts    int      `yaml:"max_delivery_attempts"`
	RetryBackoffBase       Duration `yaml:"retry_backoff_base"`
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	DB        DBConfig        `yaml:"db"`
	Redis     RedisConfig     `yaml:"redis"`
	MQ        MQConfig        `yaml:"mq"`
	SMTP      SMTPConfig      `yaml:"smtp"`
	Queue     QueueConfig     `yaml:"queue"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// Load reads the YAML config at path, then applies environment variable
// overrides. Missing scheduler values fall back to defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{Port: "4000"},
		Queue:  QueueConfig{Driver: "amqp"},
		Scheduler: SchedulerConfig{
			WorkerConcurrency:      5,
			MinDelayBetweenSends:   Duration(2 * time.Second),
			GlobalHourlyCap:        200,
			SenderHourlyCap:        50,
			RateLimitRetryInterval: Duration(5 * time.Minute),
			MaxDeliveryAttempts:    10,
			RetryBackoffBase:       Duration(time.Minute),
		},
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	overrideFromEnv(cfg)
	return cfg, nil
}

func overrideFromEnv(cfg *Config) {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Server.Port = port
	}
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DB.Host = host
	}
	if port := os.Getenv("DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.DB.Port = p
		}
	}
	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DB.User = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DB.Password = password
	}
	if name := os.Getenv("DB_NAME"); name != "" {
		cfg.DB.Name = name
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}
	if url := os.Getenv("MQ_URL"); url != "" {
		cfg.MQ.URL = url
	}
	if host := os.Getenv("SMTP_HOST"); host != "" {
		cfg.SMTP.Host = host
	}
	if port := os.Getenv("SMTP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.SMTP.Port = p
		}
	}
	if user := os.Getenv("SMTP_USER"); user != "" {
		cfg.SMTP.Username = user
	}
	if password := os.Getenv("SMTP_PASSWORD"); password != "" {
		cfg.SMTP.Password = password
	}
	if driver := os.Getenv("QUEUE_DRIVER"); driver != "" {
		cfg.Queue.Driver = driver
	}
}
