package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config aggregates application settings that may be sourced from files or environment variables.
type Config struct {
	API      APIConfig      `mapstructure:"api"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	MinIO    MinIOConfig    `mapstructure:"minio"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Auth     AuthConfig     `mapstructure:"auth"`
}

// APIConfig contains HTTP server settings.
type APIConfig struct {
	Port int `mapstructure:"port"`
	// InternalSecret 保护 AI 回调等内部端点。
	InternalSecret string `mapstructure:"internal_secret"`
	ClamdAddr      string `mapstructure:"clamd_addr"`
	// AllowedOrigins 限定允许发起 WebSocket 连接的来源；为空时只允许同源。
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DatabaseConfig contains connection options for PostgreSQL.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
}

// RedisConfig 包含 Redis 连接配置。
type RedisConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// MinIOConfig contains connection options for MinIO/S3-compatible storage.
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	Bucket          string `mapstructure:"bucket"`
}

// IngestConfig 控制简历摄取管线的行为。
type IngestConfig struct {
	// ScoreQueue 是 AI 打分任务投递的队列名。
	ScoreQueue string `mapstructure:"score_queue"`
	// TenantConcurrency 是单租户同时在途上传数上限。
	TenantConcurrency int `mapstructure:"tenant_concurrency"`
	// MaxBatchFiles 是批量上传单次允许的最大文件数。
	MaxBatchFiles int `mapstructure:"max_batch_files"`
	// UploadRetries 是对象存储上传的最大尝试次数。
	UploadRetries int `mapstructure:"upload_retries"`
	// PendingTTL 之后仍处于 Pending 的记录会被清扫为超时。
	PendingTTL time.Duration `mapstructure:"pending_ttl"`
}

// AuthConfig 包含访问令牌校验所需的公钥。
type AuthConfig struct {
	PublicKeyPEM string `mapstructure:"public_key_pem"`
}

// DSN builds a lib/pq compatible connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host,
		d.Port,
		d.User,
		d.Password,
		d.Name,
		d.SSLMode,
	)
}

// Addr 返回 host:port 形式的 Redis 地址。
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Load reads configuration solely from environment variables (with optional defaults).
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if err := bindEnv(v); err != nil {
		return nil, fmt.Errorf("bind env: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// MustLoad wraps Load and panics on failure.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.port", 8080)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "talentgate")
	v.SetDefault("database.user", "talentgate")
	v.SetDefault("database.password", "talentgate")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("minio.endpoint", "localhost:9000")
	v.SetDefault("minio.use_ssl", false)
	v.SetDefault("minio.bucket", "resumes")
	v.SetDefault("ingest.score_queue", "resume_scoring")
	v.SetDefault("ingest.tenant_concurrency", 10)
	v.SetDefault("ingest.max_batch_files", 100)
	v.SetDefault("ingest.upload_retries", 3)
	v.SetDefault("ingest.pending_ttl", 2*time.Minute)
}

func bindEnv(v *viper.Viper) error {
	mappings := map[string]string{
		"api.port":                  "API_PORT",
		"api.internal_secret":       "INTERNAL_API_SECRET",
		"api.clamd_addr":            "CLAMD_ADDR",
		"api.allowed_origins":       "API_ALLOWED_ORIGINS",
		"database.host":             "DATABASE_HOST",
		"database.port":             "DATABASE_PORT",
		"database.name":             "POSTGRES_DB",
		"database.user":             "POSTGRES_USER",
		"database.password":         "POSTGRES_PASSWORD",
		"database.sslmode":          "DATABASE_SSLMODE",
		"redis.host":                "REDIS_HOST",
		"redis.port":                "REDIS_PORT",
		"minio.endpoint":            "MINIO_ENDPOINT",
		"minio.access_key_id":       "MINIO_ACCESS_KEY_ID",
		"minio.secret_access_key":   "MINIO_SECRET_ACCESS_KEY",
		"minio.use_ssl":             "MINIO_USE_SSL",
		"minio.bucket":              "MINIO_BUCKET",
		"ingest.score_queue":        "INGEST_SCORE_QUEUE",
		"ingest.tenant_concurrency": "INGEST_TENANT_CONCURRENCY",
		"ingest.max_batch_files":    "INGEST_MAX_BATCH_FILES",
		"ingest.upload_retries":     "INGEST_UPLOAD_RETRIES",
		"ingest.pending_ttl":        "INGEST_PENDING_TTL",
		"auth.public_key_pem":       "AUTH_PUBLIC_KEY_PEM",
	}

	for key, env := range mappings {
		if err := v.BindEnv(key, env); err != nil {
			return fmt.Errorf("bind %s to %s: %w", key, env, err)
		}
	}

	return nil
}

func validate(cfg Config) error {
	if cfg.API.Port <= 0 {
		return errors.New("api port must be positive")
	}
	if cfg.Database.Host == "" {
		return errors.New("database host is required")
	}
	if cfg.Database.Port <= 0 {
		return errors.New("database port must be positive")
	}
	if cfg.Database.Name == "" {
		return errors.New("database name is required")
	}
	if cfg.Database.User == "" {
		return errors.New("database user is required")
	}
	if cfg.Database.Password == "" {
		return errors.New("database password is required")
	}
	if cfg.Database.SSLMode == "" {
		return errors.New("database sslmode is required")
	}
	if cfg.Redis.Host == "" {
		return errors.New("redis host is required")
	}
	if cfg.Redis.Port <= 0 {
		return errors.New("redis port must be positive")
	}
	if cfg.MinIO.Endpoint == "" {
		return errors.New("minio endpoint is required")
	}
	if cfg.MinIO.AccessKeyID == "" {
		return errors.New("minio access key id is required")
	}
	if cfg.MinIO.SecretAccessKey == "" {
		return errors.New("minio secret access key is required")
	}
	if cfg.MinIO.Bucket == "" {
		return errors.New("minio bucket is required")
	}
	if cfg.Ingest.ScoreQueue == "" {
		return errors.New("ingest score queue is required")
	}
	if cfg.Ingest.TenantConcurrency <= 0 {
		return errors.New("ingest tenant concurrency must be positive")
	}
	if cfg.Ingest.MaxBatchFiles <= 0 {
		return errors.New("ingest max batch files must be positive")
	}
	if cfg.Ingest.UploadRetries <= 0 {
		return errors.New("ingest upload retries must be positive")
	}
	if cfg.Ingest.PendingTTL <= 0 {
		return errors.New("ingest pending ttl must be positive")
	}
	return nil
}
