package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// StatusCodePair 训练后端的(HTTP状态码, 业务错误码)组合
type StatusCodePair struct {
	HTTPStatus int `yaml:"http_status"`
	Code       int `yaml:"code"`
}

// ServerConfig 服务端配置
type ServerConfig struct {
	// 服务器配置
	Server struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"server"`

	// 微调训练后端配置
	Finetune struct {
		Endpoint       string   `yaml:"endpoint"`        // 训练后端基地址
		RequestTimeout Duration `yaml:"request_timeout"` // 单次调用超时
		ModelsPath     string   `yaml:"models_path"`     // 本地模型权重目录
		// 后端把"任务不存在"混在普通错误码里返回的组合，按404处理
		JobGoneCodes []StatusCodePair `yaml:"job_gone_codes"`
		// 取消对账重试间隔
		CancelRetryDelays []Duration `yaml:"cancel_retry_delays"`
	} `yaml:"finetune"`

	// 认证配置
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`

	// 日志配置
	Log struct {
		Debug bool   `yaml:"debug"`
		File  string `yaml:"file"`
	} `yaml:"log"`

	// 存储配置
	Storage struct {
		Type   string `yaml:"type"`
		SQLite struct {
			Path string `yaml:"path"`
		} `yaml:"sqlite"`
		Postgres struct {
			Host     string `yaml:"host"`
			Port     int    `yaml:"port"`
			User     string `yaml:"user"`
			Password string `yaml:"password"`
			DBName   string `yaml:"dbname"`
			SSLMode  string `yaml:"sslmode"`
		} `yaml:"postgres"`
	} `yaml:"storage"`
}

// LoadServerConfig 加载服务端配置
func LoadServerConfig(path string, workspaceRoot string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := LoadConfig(path, cfg); err != nil {
		return nil, err
	}

	// 处理相对路径
	if err := cfg.resolveRelativePaths(workspaceRoot); err != nil {
		return nil, fmt.Errorf("resolving paths: %w", err)
	}

	return cfg, nil
}

// Validate 实现Config接口
func (c *ServerConfig) Validate() error {
	if c.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("invalid server.port: %d", c.Server.Port)
	}
	if c.Finetune.Endpoint == "" {
		return fmt.Errorf("finetune.endpoint is required")
	}
	if c.Finetune.RequestTimeout <= 0 {
		return fmt.Errorf("invalid finetune.request_timeout: %s", c.Finetune.RequestTimeout)
	}
	if len(c.Finetune.CancelRetryDelays) == 0 {
		return fmt.Errorf("finetune.cancel_retry_delays is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Storage.Type == "" {
		return fmt.Errorf("storage.type is required")
	}
	return nil
}

// resolveRelativePaths 处理相对路径
func (c *ServerConfig) resolveRelativePaths(baseDir string) error {
	// 处理日志文件路径
	if c.Log.File != "" && !filepath.IsAbs(c.Log.File) {
		c.Log.File = filepath.Join(baseDir, c.Log.File)
	}

	// 处理模型权重目录
	if c.Finetune.ModelsPath != "" && !filepath.IsAbs(c.Finetune.ModelsPath) {
		c.Finetune.ModelsPath = filepath.Join(baseDir, c.Finetune.ModelsPath)
	}

	// 处理SQLite数据库路径
	if c.Storage.Type == "sqlite" && !filepath.IsAbs(c.Storage.SQLite.Path) {
		c.Storage.SQLite.Path = filepath.Join(baseDir, c.Storage.SQLite.Path)
		// 确保数据库目录存在
		if err := os.MkdirAll(filepath.Dir(c.Storage.SQLite.Path), 0755); err != nil {
			return fmt.Errorf("creating sqlite directory: %w", err)
		}
	}

	return nil
}

// DefaultServerConfig 返回默认服务端配置
func DefaultServerConfig() *ServerConfig {
	cfg := &ServerConfig{}

	// 服务器配置
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 8080

	// 训练后端配置
	cfg.Finetune.Endpoint = "http://127.0.0.1:8090"
	cfg.Finetune.RequestTimeout = Duration(15 * time.Second)
	cfg.Finetune.ModelsPath = "data/models"
	// 后端把任务不存在包装成 500/13 和 400/3 返回，待后端错误目录确认
	cfg.Finetune.JobGoneCodes = []StatusCodePair{
		{HTTPStatus: 500, Code: 13},
		{HTTPStatus: 400, Code: 3},
	}
	cfg.Finetune.CancelRetryDelays = []Duration{
		Duration(10 * time.Second),
		Duration(20 * time.Second),
		Duration(30 * time.Second),
	}

	// 日志配置
	cfg.Log.Debug = false
	cfg.Log.File = "data/finetune-server.log"

	// 存储配置
	cfg.Storage.Type = "sqlite"
	cfg.Storage.SQLite.Path = "data/finetune.db"

	return cfg
}
