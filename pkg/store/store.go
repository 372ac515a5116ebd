package store

import (
	"context"
	"errors"
	"fmt"

	"finetune-backend/pkg/types"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("record not found")

// Store 定义存储接口
type Store interface {
	// Task operations
	CreateTask(ctx context.Context, task *types.FinetuneTask) error
	GetTask(ctx context.Context, taskID uint) (*types.FinetuneTask, error)
	SaveTask(ctx context.Context, task *types.FinetuneTask) error
	ListTasks(ctx context.Context, filter TaskFilter) ([]*types.FinetuneTask, error)
	CountTasksByName(ctx context.Context, tenantID uint, name string) (int64, error)
	UsedBaseModelKeys(ctx context.Context) ([]string, error)

	// Account / Tenant operations
	CreateAccount(ctx context.Context, account *types.Account) error
	GetAccount(ctx context.Context, accountID uint) (*types.Account, error)
	GetAccountByUsername(ctx context.Context, username string) (*types.Account, error)
	CreateTenant(ctx context.Context, tenant *types.Tenant) error
	GetTenant(ctx context.Context, tenantID uint) (*types.Tenant, error)

	// GPU quota ledger
	IncrementGPUUsage(ctx context.Context, tenantID uint, numGPUs int) error
	DecrementGPUUsage(ctx context.Context, tenantID uint, numGPUs int) error

	// Custom param operations
	CreateCustomParam(ctx context.Context, param *types.CustomParam) error
	ListCustomParams(ctx context.Context, tenantID, createdBy uint) ([]*types.CustomParam, error)
	CountCustomParamsByName(ctx context.Context, createdBy uint, name string) (int64, error)
	DeleteCustomParam(ctx context.Context, createdBy, paramID uint) error

	// Model catalog operations
	CreateModel(ctx context.Context, model *types.Model) error
	ListModelsByKeys(ctx context.Context, keys []string) ([]*types.Model, error)
	CountModelsByName(ctx context.Context, tenantID uint, name string) (int64, error)

	Close() error
}

// TaskFilter 定义任务过滤条件
type TaskFilter struct {
	TenantID         *uint
	CreatedBy        *uint
	ExcludeCreatedBy *uint
	Statuses         []types.TaskStatus
	SearchName       string
	Limit            int
	Offset           int
}

// Config 存储配置
type Config struct {
	Type     string         `json:"type"`     // 存储类型：sqlite, postgres
	SQLite   SQLiteConfig   `json:"sqlite"`   // SQLite配置
	Postgres PostgresConfig `json:"postgres"` // PostgreSQL配置
}

// SQLiteConfig SQLite配置
type SQLiteConfig struct {
	Path string `json:"path"` // 数据库文件路径
}

// PostgresConfig PostgreSQL配置
type PostgresConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	SSLMode  string `json:"sslmode"`
}

// NewStore 创建存储实例
func NewStore(cfg *Config) (Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	switch cfg.Type {
	case "sqlite":
		return NewSQLiteStore(cfg.SQLite)
	case "postgres":
		return NewPostgreStore(cfg.Postgres)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
