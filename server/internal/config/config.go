package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 全局配置
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	API        APIConfig        `yaml:"api"`
	Storage    StorageConfig    `yaml:"storage"`
	Cloudinary CloudinaryConfig `yaml:"cloudinary"`
	Stream     StreamConfig     `yaml:"stream"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig 本地 UI 桥接服务
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// Addr 返回监听地址。
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// APIConfig 外部 REST 后端
type APIConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// StorageConfig 凭证持久化
type StorageConfig struct {
	// Driver 决定实现：memory | file | sqlite
	Driver       string        `yaml:"driver"`
	Path         string        `yaml:"path"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Debounce     time.Duration `yaml:"debounce"`
}

// CloudinaryConfig 图片托管
type CloudinaryConfig struct {
	CloudName string `yaml:"cloud_name"`
	APIKey    string `yaml:"api_key"`
	UploadURL string `yaml:"upload_url"`
}

// StreamConfig WebSocket 推送
type StreamConfig struct {
	ClientBuffer int           `yaml:"client_buffer"`
	PingInterval time.Duration `yaml:"ping_interval"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default 返回不依赖配置文件即可运行的默认配置。
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           8787,
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   15 * time.Second,
			AllowedOrigins: []string{"http://localhost:3001", "http://127.0.0.1:3001"},
		},
		API: APIConfig{
			BaseURL: "http://localhost:3000",
			Timeout: 15 * time.Second,
		},
		Storage: StorageConfig{
			Driver:       "file",
			Path:         "pinboard-auth.json",
			PollInterval: time.Second,
			Debounce:     100 * time.Millisecond,
		},
		Cloudinary: CloudinaryConfig{
			UploadURL: "https://api.cloudinary.com/v1_1",
		},
		Stream: StreamConfig{
			ClientBuffer: 64,
			PingInterval: 30 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load 从文件加载配置；path 为空时只用默认值与环境变量。
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// applyEnv 用环境变量覆盖地址与密钥。
// NEXT_PUBLIC_* 保留给与前端共用同一份 .env 的部署。
func (c *Config) applyEnv() {
	for _, key := range []string{"PINBOARD_API_BASE_URL", "NEXT_PUBLIC_API_BASE_URL", "NEXT_PUBLIC_API_URL"} {
		if v := os.Getenv(key); v != "" {
			c.API.BaseURL = v
			break
		}
	}
	c.API.BaseURL = strings.TrimRight(c.API.BaseURL, "/")

	if v := firstEnv("CLOUDINARY_CLOUD_NAME", "NEXT_PUBLIC_CLOUDINARY_CLOUD_NAME"); v != "" {
		c.Cloudinary.CloudName = v
	}
	if v := firstEnv("CLOUDINARY_API_KEY", "NEXT_PUBLIC_CLOUDINARY_API_KEY"); v != "" {
		c.Cloudinary.APIKey = v
	}
	if v := os.Getenv("PINBOARD_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("PINBOARD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api base url is required (set PINBOARD_API_BASE_URL or api.base_url)")
	}
	switch c.Storage.Driver {
	case "memory":
	case "file", "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage path is required for driver %q", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("unsupported storage driver: %s", c.Storage.Driver)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Stream.ClientBuffer <= 0 {
		return fmt.Errorf("stream client_buffer must be positive")
	}
	return nil
}
