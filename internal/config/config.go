package config

import (
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Config 应用配置
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Target    TargetConfig    `yaml:"target"`
	Assets    AssetsConfig    `yaml:"assets"`
	Fetch     FetchConfig     `yaml:"fetch"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Database  DatabaseConfig  `yaml:"database"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// UpstreamConfig 模型后端配置
type UpstreamConfig struct {
	BaseURL      string `yaml:"base_url"`
	APIToken     string `yaml:"api_token"`  // 平台托管凭证（managed 路径）
	AccountID    string `yaml:"account_id"` // 平台账户 ID
	DefaultModel string `yaml:"default_model"`
}

// TargetConfig 目标站点配置
type TargetConfig struct {
	DefaultHost string `yaml:"default_host"` // 空路径 MCP 请求的默认目标
	HomeURL     string `yaml:"home_url"`     // GET 重定向的规范首页
}

// AssetsConfig 静态资源源站配置
type AssetsConfig struct {
	BaseURL string `yaml:"base_url"`
}

// FetchConfig 页面抓取配置
type FetchConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
	ChatMaxChars   int `yaml:"chat_max_chars"`
	ToolMaxChars   int `yaml:"tool_max_chars"`
}

// RateLimitConfig 配额配置
type RateLimitConfig struct {
	PerClient   int `yaml:"per_client"`
	Global      int `yaml:"global"`
	WindowHours int `yaml:"window_hours"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level         string `yaml:"level"`
	RetentionDays int    `yaml:"retention_days"`
}

var (
	globalConfig *Config
	configMu     sync.RWMutex
)

// Load 从文件加载配置
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// 设置默认值
	setDefaults(cfg)

	configMu.Lock()
	globalConfig = cfg
	configMu.Unlock()

	return cfg, nil
}

// Get 获取全局配置
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}

// setDefaults 设置默认值
func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 18090
	}
	if cfg.Upstream.BaseURL == "" {
		cfg.Upstream.BaseURL = "https://api.cloudflare.com/client/v4"
	}
	if cfg.Upstream.DefaultModel == "" {
		cfg.Upstream.DefaultModel = "@cf/meta/llama-3.1-8b-instruct"
	}
	if cfg.Target.DefaultHost == "" {
		cfg.Target.DefaultHost = "example.com"
	}
	if cfg.Target.HomeURL == "" {
		cfg.Target.HomeURL = "https://mdgate.dev"
	}
	if cfg.Fetch.TimeoutSeconds == 0 {
		cfg.Fetch.TimeoutSeconds = 15
	}
	if cfg.Fetch.ChatMaxChars == 0 {
		cfg.Fetch.ChatMaxChars = 30000
	}
	if cfg.Fetch.ToolMaxChars == 0 {
		cfg.Fetch.ToolMaxChars = 50000
	}
	if cfg.RateLimit.PerClient == 0 {
		cfg.RateLimit.PerClient = 5
	}
	if cfg.RateLimit.Global == 0 {
		cfg.RateLimit.Global = 200
	}
	if cfg.RateLimit.WindowHours == 0 {
		cfg.RateLimit.WindowHours = 24
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./data/mdgate.db"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.RetentionDays == 0 {
		cfg.Logging.RetentionDays = 7
	}
}

// Save 保存配置到文件
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
