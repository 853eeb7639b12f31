// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
	Upload   UploadConfig   `mapstructure:"upload"`
	Analysis AnalysisConfig `mapstructure:"analysis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	MinIO    MinIOConfig    `mapstructure:"minio"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig 存储 Redis 的配置。Addr 为空时报告缓存被禁用。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// UploadConfig 存储文件上传相关的配置。
type UploadConfig struct {
	// Folder 是上传文件的落盘目录，所有文件平铺存放，无子目录。
	Folder string `mapstructure:"folder"`
	// MaxFileSize 是允许上传的最大字节数。
	MaxFileSize int64 `mapstructure:"max_file_size"`
	// AllowedOrigins 是 CORS 允许的来源列表。
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// AnalysisConfig 存储 CSV 分析相关的配置。
type AnalysisConfig struct {
	// ChunkSize 是分析器每个分块处理的数据行数。
	ChunkSize int `mapstructure:"chunk_size"`
	// DefaultUpdateInterval 是 SSE 进度事件的默认合并窗口（秒）。
	DefaultUpdateInterval float64 `mapstructure:"default_update_interval"`
}

// KafkaConfig 存储 Kafka 相关的配置。Enabled 为 false 时不产生审计消息。
type KafkaConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。Enabled 为 false 时不做归档镜像。
type MinIOConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
// 部署相关的三个键支持环境变量覆盖：MAX_FILE_SIZE、UPLOAD_FOLDER、ALLOWED_ORIGINS。
func Init(configPath string) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("读取配置文件失败: %w", err))
	}

	// 环境变量覆盖（与原部署平台保持一致的键名）
	_ = viper.BindEnv("upload.max_file_size", "MAX_FILE_SIZE")
	_ = viper.BindEnv("upload.folder", "UPLOAD_FOLDER")
	_ = viper.BindEnv("upload.allowed_origins", "ALLOWED_ORIGINS")

	if err := viper.Unmarshal(&Conf); err != nil {
		panic(fmt.Errorf("无法将配置解析到结构体中: %w", err))
	}

	// ALLOWED_ORIGINS 环境变量是逗号分隔的单字符串，拆分成列表
	if len(Conf.Upload.AllowedOrigins) == 1 && strings.Contains(Conf.Upload.AllowedOrigins[0], ",") {
		Conf.Upload.AllowedOrigins = strings.Split(Conf.Upload.AllowedOrigins[0], ",")
	}

	// 缺省值与原实现保持一致
	if Conf.Upload.MaxFileSize <= 0 {
		Conf.Upload.MaxFileSize = 10 * 1024 * 1024
	}
	if Conf.Upload.Folder == "" {
		Conf.Upload.Folder = "uploads"
	}
	if Conf.Analysis.ChunkSize <= 0 {
		Conf.Analysis.ChunkSize = 100_000
	}
	if Conf.Analysis.DefaultUpdateInterval <= 0 {
		Conf.Analysis.DefaultUpdateInterval = 0.5
	}
}
