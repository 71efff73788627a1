// Package config loads the ambient deployment configuration: database,
// queue, object storage, cache, and judge process settings. This is
// distinct from internal/registry, which loads the problem/language
// document mandated by the external interface.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	MinIO    MinIOConfig    `yaml:"minio"`
	Valkey   ValkeyConfig   `yaml:"valkey"`
	Judge    JudgeConfig    `yaml:"judge"`
	Auth     AuthConfig     `yaml:"auth"`
}

type ServerConfig struct {
	Port         string        `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type RabbitMQConfig struct {
	URL           string `yaml:"url"`
	QueueName     string `yaml:"queue_name"`
	PrefetchCount int    `yaml:"prefetch_count"`
}

type MinIOConfig struct {
	Endpoint   string `yaml:"endpoint"`
	AccessKey  string `yaml:"access_key"`
	SecretKey  string `yaml:"secret_key"`
	BucketName string `yaml:"bucket_name"`
	UseSSL     bool   `yaml:"use_ssl"`
}

type ValkeyConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type JudgeConfig struct {
	WorkerCount      int           `yaml:"worker_count"`
	WorkerTimeout    time.Duration `yaml:"worker_timeout"`
	MaxQueueSize     int           `yaml:"max_queue_size"`
	CompileGraceTime time.Duration `yaml:"compile_grace_time"`
}

type AuthConfig struct {
	JWTSecret       string `yaml:"jwt_secret"`
	CasbinModelPath string `yaml:"casbin_model_path"`
	CasbinPolicyCSV string `yaml:"casbin_policy_csv"`
}

// Load reads config.yaml if present, then applies environment overrides
// and hardcoded defaults on top.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := loadFromYAML(cfg); err != nil {
		return nil, err
	}
	loadFromEnv(cfg)

	return cfg, nil
}

func loadFromYAML(cfg *Config) error {
	const configFile = "config.yaml"
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		return fmt.Errorf("config: reading config.yaml: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parsing config.yaml: %w", err)
	}

	return nil
}

func loadFromEnv(cfg *Config) {
	if v := os.Getenv("SERVICE_PORT"); v != "" {
		cfg.Server.Port = v
	}
	if cfg.Server.Port == "" {
		cfg.Server.Port = "12345"
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}

	if v := os.Getenv("RABBITMQ_URL"); v != "" {
		cfg.RabbitMQ.URL = v
	}
	if v := os.Getenv("RABBITMQ_QUEUE_NAME"); v != "" {
		cfg.RabbitMQ.QueueName = v
	}
	if cfg.RabbitMQ.QueueName == "" {
		cfg.RabbitMQ.QueueName = "judger"
	}
	if v := os.Getenv("RABBITMQ_PREFETCH_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RabbitMQ.PrefetchCount = n
		}
	}
	if cfg.RabbitMQ.PrefetchCount == 0 {
		cfg.RabbitMQ.PrefetchCount = 1
	}

	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinIO.Endpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinIO.AccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinIO.SecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET_NAME"); v != "" {
		cfg.MinIO.BucketName = v
	}
	if cfg.MinIO.BucketName == "" {
		cfg.MinIO.BucketName = "testcases"
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if ssl, err := strconv.ParseBool(v); err == nil {
			cfg.MinIO.UseSSL = ssl
		}
	}

	if v := os.Getenv("VALKEY_URL"); v != "" {
		cfg.Valkey.URL = v
	}
	if v := os.Getenv("VALKEY_PASSWORD"); v != "" {
		cfg.Valkey.Password = v
	}

	if v := os.Getenv("WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Judge.WorkerCount = n
		}
	}
	if cfg.Judge.WorkerCount == 0 {
		cfg.Judge.WorkerCount = 4
	}
	if cfg.Judge.CompileGraceTime == 0 {
		cfg.Judge.CompileGraceTime = 30 * time.Second
	}

	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if cfg.Auth.CasbinModelPath == "" {
		cfg.Auth.CasbinModelPath = "rbac_model.conf"
	}
	if cfg.Auth.CasbinPolicyCSV == "" {
		cfg.Auth.CasbinPolicyCSV = "rbac_policy.csv"
	}
}
