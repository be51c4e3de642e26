package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации движка.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	GRPC     GRPCConfig     `mapstructure:"grpc"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Database DatabaseConfig `mapstructure:"database"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера (Console API).
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type GRPCConfig struct {
	Port int `mapstructure:"port"`
	// ConnectorAddr — адрес удаленного коннектора инструментов, пусто — только mock
	ConnectorAddr string `mapstructure:"connector_addr"`
	// InferenceAddr — адрес Inference Engine (Plan/Next/Synthesize)
	InferenceAddr    string        `mapstructure:"inference_addr"`
	InferenceTimeout time.Duration `mapstructure:"inference_timeout"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// DatabaseConfig описывает подключение к PostgreSQL.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// StorageConfig выбирает реализацию хранилища: postgres | memory.
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub сигналы Control Plane).
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит пути к RSA ключам и настройки JWT.
type AuthConfig struct {
	PublicKeyPath  string        `mapstructure:"public_key_path"`
	PrivateKeyPath string        `mapstructure:"private_key_path"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	BcryptCost     int           `mapstructure:"bcrypt_cost"`
	// Bootstrap — админ платформы, заводится при старте, если его еще нет
	BootstrapAdmin    string `mapstructure:"bootstrap_admin"`
	BootstrapPassword string `mapstructure:"bootstrap_password"`
	PublicKey         []byte
	PrivateKey        []byte
}

// EngineConfig — настройки рантайма инстансов.
type EngineConfig struct {
	AuditBufferSize    int           `mapstructure:"audit_buffer_size"`
	AuditFlushInterval time.Duration `mapstructure:"audit_flush_interval"`

	// Дефолты, если политики не задали свои таймауты
	ApprovalTimeout  time.Duration `mapstructure:"approval_timeout"`
	InstanceTimeout  time.Duration `mapstructure:"instance_timeout"`
	ToolCallTimeout  time.Duration `mapstructure:"tool_call_timeout"`
	ToolRateLimit    float64       `mapstructure:"tool_rate_limit"`
	ToolRateBurst    int           `mapstructure:"tool_rate_burst"`
	ToolRetryBackoff time.Duration `mapstructure:"tool_retry_backoff"`

	// Аренда инстансов между репликами. Пустой replica_id: hostname + суффикс
	ReplicaID string        `mapstructure:"replica_id"`
	LeaseTTL  time.Duration `mapstructure:"lease_ttl"`

	// Настройки Circuit Breaker для исполнителей инструментов
	CBMaxRequests int           `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
}

type SandboxConfig struct {
	// Root — каталог, внутри которого создаются корни инстансов
	Root string `mapstructure:"root"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// 2. ENV перекрывает файл: SERVER_PORT=9000 перекроет server.port
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Установка дефолтных значений
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. Ключи из ENV (Docker/K8s) или из файла
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	cfg.Auth.PrivateKey = loadKeyResource(cfg.Auth.PrivateKeyPath, "AUTH_PRIVATE_KEY_DATA")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Пустые дефолты регистрируют ключи, иначе Unmarshal не увидит их ENV
	for _, key := range []string{
		"database.url", "grpc.connector_addr", "grpc.inference_addr",
		"auth.public_key_path", "auth.private_key_path",
		"auth.bootstrap_admin", "auth.bootstrap_password",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("grpc.port", 50052)
	v.SetDefault("grpc.inference_timeout", 60*time.Second)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("storage.driver", "postgres")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("auth.bcrypt_cost", 12)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("engine.audit_buffer_size", 10000)
	v.SetDefault("engine.audit_flush_interval", 500*time.Millisecond)
	v.SetDefault("engine.approval_timeout", 120*time.Second)
	v.SetDefault("engine.instance_timeout", 10*time.Minute)
	v.SetDefault("engine.tool_call_timeout", 30*time.Second)
	v.SetDefault("engine.tool_rate_limit", 100)
	v.SetDefault("engine.tool_rate_burst", 20)
	v.SetDefault("engine.tool_retry_backoff", 200*time.Millisecond)
	v.SetDefault("engine.replica_id", "")
	v.SetDefault("engine.lease_ttl", 30*time.Second)
	v.SetDefault("engine.cb_max_requests", 3)
	v.SetDefault("engine.cb_interval", 5*time.Second)
	v.SetDefault("engine.cb_timeout", 30*time.Second)
	v.SetDefault("sandbox.root", "/var/lib/spaceai/sandbox")
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Database.URL == "" {
			return errors.New("config: database.url is required for postgres storage")
		}
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}
	if c.GRPC.InferenceAddr == "" {
		return errors.New("config: grpc.inference_addr is required")
	}
	if c.Engine.ApprovalTimeout <= 0 || c.Engine.InstanceTimeout <= 0 {
		return errors.New("config: engine timeouts must be positive")
	}
	if c.Engine.LeaseTTL <= 0 {
		return errors.New("config: engine.lease_ttl must be positive")
	}
	return nil
}

// loadKeyResource — PEM из ENV или из файла по пути
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
