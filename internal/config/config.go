// Package config загружает конфигурацию сервисов Conveyor.
//
// Источники в порядке приоритета: переменные окружения, файл
// conveyor.yaml (если есть), значения по умолчанию.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config — конфигурация всех бинарников.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Service  ServiceConfig  `mapstructure:"service"`
	DB       DBConfig       `mapstructure:"db"`
	Redis    RedisConfig    `mapstructure:"redis"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Modules  ModulesConfig  `mapstructure:"modules"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Remote   RemoteConfig   `mapstructure:"remote"`
	Reaper   ReaperConfig   `mapstructure:"reaper"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// HTTPConfig — порты HTTP серверов.
type HTTPConfig struct {
	APIPort        int           `mapstructure:"api_port"`
	DispatcherPort int           `mapstructure:"dispatcher_port"`
	ReaperPort     int           `mapstructure:"reaper_port"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace"`
}

// ServiceConfig — адрес этого сервиса для самовызовов через очередь.
type ServiceConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

// DBConfig — хранилище конфигураций pipelines.
type DBConfig struct {
	// ConfigStore — "postgres" или "memory".
	ConfigStore string `mapstructure:"config_store"`
	URL         string `mapstructure:"url"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type RabbitMQConfig struct {
	URL string `mapstructure:"url"`
}

// QueueConfig — очередь единиц работы.
type QueueConfig struct {
	// Backend — "local" (in-process) или "amqp".
	Backend string `mapstructure:"backend"`

	// Names — очереди, которые обслуживает dispatcher.
	Names []string `mapstructure:"names"`

	Workers  int `mapstructure:"workers"`
	Prefetch int `mapstructure:"prefetch"`
}

// NotifyConfig — webhooks уведомлений о run.
type NotifyConfig struct {
	StartedURL   string `mapstructure:"started_url"`
	CompletedURL string `mapstructure:"completed_url"`
	Queue        string `mapstructure:"queue"`
}

// AuthConfig — входящая проверка токенов и исходящие токены.
type AuthConfig struct {
	Disabled bool   `mapstructure:"disabled"`
	Issuer   string `mapstructure:"issuer"`
	Audience string `mapstructure:"audience"`

	StaticToken  string `mapstructure:"static_token"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	TokenURL     string `mapstructure:"token_url"`
}

type ModulesConfig struct {
	DocumentsDir string `mapstructure:"documents_dir"`
}

type LLMConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// RemoteConfig — circuit breaker внешних вызовов.
type RemoteConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
}

// ReaperConfig — поиск зависших runs.
type ReaperConfig struct {
	Schedule   string        `mapstructure:"schedule"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
	BatchSize  int           `mapstructure:"batch_size"`
	LockTTL    time.Duration `mapstructure:"lock_ttl"`
}

// envBindings — ключи конфигурации и переменные окружения.
var envBindings = map[string]string{
	"log.level":                "LOG_LEVEL",
	"log.format":               "LOG_FORMAT",
	"http.api_port":            "API_PORT",
	"http.dispatcher_port":     "DISPATCHER_PORT",
	"http.reaper_port":         "REAPER_PORT",
	"service.base_url":         "SERVICE_BASE_URL",
	"db.config_store":          "CONFIG_STORE",
	"db.url":                   "DB_URL",
	"redis.addr":               "REDIS_ADDR",
	"redis.password":           "REDIS_PASSWORD",
	"redis.db":                 "REDIS_DB",
	"rabbitmq.url":             "RABBITMQ_URL",
	"queue.backend":            "QUEUE_BACKEND",
	"queue.names":              "QUEUE_NAMES",
	"queue.workers":            "QUEUE_WORKERS",
	"notify.started_url":       "NOTIFY_STARTED_URL",
	"notify.completed_url":     "NOTIFY_COMPLETED_URL",
	"auth.disabled":            "AUTH_DISABLED",
	"auth.issuer":              "AUTH_ISSUER",
	"auth.audience":            "AUTH_AUDIENCE",
	"auth.static_token":        "AUTH_STATIC_TOKEN",
	"auth.client_id":           "AUTH_CLIENT_ID",
	"auth.client_secret":       "AUTH_CLIENT_SECRET",
	"auth.token_url":           "AUTH_TOKEN_URL",
	"modules.documents_dir":    "DOCUMENTS_DIR",
	"llm.url":                  "LLM_GATEWAY_URL",
	"reaper.schedule":          "REAPER_SCHEDULE",
	"reaper.stale_after":       "REAPER_STALE_AFTER",
	"remote.failure_threshold": "REMOTE_FAILURE_THRESHOLD",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "INFO")
	v.SetDefault("log.format", "json")

	v.SetDefault("http.api_port", 8080)
	v.SetDefault("http.dispatcher_port", 8081)
	v.SetDefault("http.reaper_port", 8082)
	v.SetDefault("http.shutdown_grace", 10*time.Second)

	v.SetDefault("service.base_url", "http://localhost:8080")

	v.SetDefault("db.config_store", "postgres")
	v.SetDefault("db.url", "")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("rabbitmq.url", "")

	v.SetDefault("queue.backend", "local")
	v.SetDefault("queue.names", []string{"default"})
	v.SetDefault("queue.workers", 4)
	v.SetDefault("queue.prefetch", 10)

	v.SetDefault("notify.started_url", "")
	v.SetDefault("notify.completed_url", "")
	v.SetDefault("notify.queue", "notifications")

	v.SetDefault("auth.disabled", false)
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.audience", "")
	v.SetDefault("auth.static_token", "")
	v.SetDefault("auth.client_id", "")
	v.SetDefault("auth.client_secret", "")
	v.SetDefault("auth.token_url", "")

	v.SetDefault("modules.documents_dir", "./documents")

	v.SetDefault("llm.url", "")
	v.SetDefault("llm.timeout", 2*time.Minute)

	v.SetDefault("remote.failure_threshold", 5)
	v.SetDefault("remote.open_timeout", 30*time.Second)

	v.SetDefault("reaper.schedule", "@every 5m")
	v.SetDefault("reaper.stale_after", time.Hour)
	v.SetDefault("reaper.batch_size", 100)
	v.SetDefault("reaper.lock_ttl", 4*time.Minute)
}

// Load читает конфигурацию. Пустой path — поиск conveyor.yaml в
// текущем каталоге и /etc/conveyor; отсутствие файла не ошибка.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("conveyor")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/conveyor")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
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

// Validate проверяет значения, которые нельзя исправить значением по умолчанию.
func (c *Config) Validate() error {
	switch c.Queue.Backend {
	case "local", "amqp":
	default:
		return fmt.Errorf("queue.backend must be local or amqp, got %q", c.Queue.Backend)
	}
	switch c.DB.ConfigStore {
	case "postgres", "memory":
	default:
		return fmt.Errorf("db.config_store must be postgres or memory, got %q", c.DB.ConfigStore)
	}
	if c.Service.BaseURL == "" {
		return errors.New("service.base_url is required")
	}
	if !c.Auth.Disabled && c.Auth.Issuer == "" {
		return errors.New("auth.issuer is required unless auth.disabled is set")
	}
	return nil
}
