// Package config 统一配置加载，支持 YAML 文件 + 环境变量覆盖。
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("KNOWBASE").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
package config

import "time"

// Config 知识库服务的完整配置结构
type Config struct {
	// Server HTTP 服务配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Database 文档存储配置
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Redis 改写缓存配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Embedding 向量化服务配置
	Embedding EmbeddingConfig `yaml:"embedding" env:"EMBEDDING"`

	// Rerank 交叉编码器重排配置
	Rerank RerankConfig `yaml:"rerank" env:"RERANK"`

	// Retrieval 检索编排配置
	Retrieval RetrievalConfig `yaml:"retrieval" env:"RETRIEVAL"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// DatabaseConfig 文档存储配置
type DatabaseConfig struct {
	// DSN 连接串
	DSN string `yaml:"dsn" env:"DSN"`
	// 最大空闲连接数
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 最大打开连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 连接最大存活时间
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	// 健康检查间隔
	HealthCheckInterval time.Duration `yaml:"health_check_interval" env:"HEALTH_CHECK_INTERVAL"`
}

// RedisConfig 改写缓存配置
type RedisConfig struct {
	// 是否启用缓存
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 改写结果过期时间
	RewriteTTL time.Duration `yaml:"rewrite_ttl" env:"REWRITE_TTL"`
}

// EmbeddingConfig 向量化服务配置
type EmbeddingConfig struct {
	// 服务地址
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// API 密钥
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// 模型名称
	Model string `yaml:"model" env:"MODEL"`
	// 向量维度
	Dimensions int `yaml:"dimensions" env:"DIMENSIONS"`
	// 请求超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// RerankConfig 交叉编码器重排配置
type RerankConfig struct {
	// 是否启用重排
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 服务地址
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// API 密钥
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// 模型名称
	Model string `yaml:"model" env:"MODEL"`
	// 请求超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 单篇文档送入重排的最大字符数
	MaxDocChars int `yaml:"max_doc_chars" env:"MAX_DOC_CHARS"`
	// 每秒请求数限制，0 表示不限
	RatePerSec float64 `yaml:"rate_per_sec" env:"RATE_PER_SEC"`
}

// RetrievalConfig 检索编排配置
type RetrievalConfig struct {
	// RRF 平滑常数
	RRFK int `yaml:"rrf_k" env:"RRF_K"`
	// 粗召回宽度倍数
	CoarseMultiplier int `yaml:"coarse_multiplier" env:"COARSE_MULTIPLIER"`
	// 默认返回条数
	DefaultTopK int `yaml:"default_top_k" env:"DEFAULT_TOP_K"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			MetricsPort:     9091,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			DSN:                 "host=localhost user=knowbase dbname=knowbase sslmode=disable",
			MaxIdleConns:        5,
			MaxOpenConns:        10,
			ConnMaxLifetime:     time.Hour,
			HealthCheckInterval: 30 * time.Second,
		},
		Redis: RedisConfig{
			Enabled:    false,
			Addr:       "localhost:6379",
			DB:         0,
			RewriteTTL: 30 * time.Minute,
		},
		Embedding: EmbeddingConfig{
			BaseURL:    "http://localhost:8001",
			Model:      "text-embedding-3-small",
			Dimensions: 1536,
			Timeout:    10 * time.Second,
		},
		Rerank: RerankConfig{
			Enabled:     false,
			Model:       "bge-reranker-v2-m3",
			Timeout:     15 * time.Second,
			MaxDocChars: 1500,
		},
		Retrieval: RetrievalConfig{
			RRFK:             60,
			CoarseMultiplier: 4,
			DefaultTopK:      5,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
