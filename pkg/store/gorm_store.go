package store

import (
	"context"
	"errors"
	"fmt"

	"finetune-backend/pkg/types"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// GormStore 通用GORM存储实现
type GormStore struct {
	db *gorm.DB
}

// NewGormStore 创建GORM存储实例
func NewGormStore(dialector gorm.Dialector) (*GormStore, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})

	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	store := &GormStore{db: db}

	if err := store.initialize(); err != nil {
		return nil, fmt.Errorf("initializing database: %w", err)
	}

	return store, nil
}

// initialize 初始化数据库
func (s *GormStore) initialize() error {
	err := s.db.AutoMigrate(
		&types.FinetuneTask{},
		&types.Tenant{},
		&types.Account{},
		&types.CustomParam{},
		&types.Model{},
	)
	if err != nil {
		return fmt.Errorf("auto migrating tables: %w", err)
	}
	return nil
}

// Close 关闭数据库连接
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting sql db: %w", err)
	}
	return sqlDB.Close()
}

// CreateTask 创建任务
func (s *GormStore) CreateTask(ctx context.Context, task *types.FinetuneTask) error {
	result := s.db.WithContext(ctx).Create(task)
	if result.Error != nil {
		return fmt.Errorf("inserting task: %w", result.Error)
	}
	return nil
}

// GetTask 获取任务（含已软删除的记录，删除后仍需远端清理）
func (s *GormStore) GetTask(ctx context.Context, taskID uint) (*types.FinetuneTask, error) {
	var task types.FinetuneTask
	result := s.db.WithContext(ctx).First(&task, taskID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying task: %w", result.Error)
	}
	return &task, nil
}

// SaveTask 保存任务的全部字段
func (s *GormStore) SaveTask(ctx context.Context, task *types.FinetuneTask) error {
	result := s.db.WithContext(ctx).Save(task)
	if result.Error != nil {
		return fmt.Errorf("saving task: %w", result.Error)
	}
	return nil
}

// ListTasks 列出任务，不包含已软删除的记录
func (s *GormStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*types.FinetuneTask, error) {
	query := s.db.WithContext(ctx).Model(&types.FinetuneTask{}).Where("deleted_flag = 0")
	if filter.TenantID != nil {
		query = query.Where("tenant_id = ?", *filter.TenantID)
	}
	if filter.CreatedBy != nil {
		query = query.Where("created_by = ?", *filter.CreatedBy)
	}
	if filter.ExcludeCreatedBy != nil {
		query = query.Where("created_by != ?", *filter.ExcludeCreatedBy)
	}
	if len(filter.Statuses) > 0 {
		query = query.Where("status IN ?", filter.Statuses)
	}
	if filter.SearchName != "" {
		query = query.Where("name LIKE ?", "%"+filter.SearchName+"%")
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var tasks []*types.FinetuneTask
	result := query.Order("created_at DESC").Find(&tasks)
	if result.Error != nil {
		return nil, fmt.Errorf("querying tasks: %w", result.Error)
	}
	return tasks, nil
}

// CountTasksByName 统计租户内的同名任务数
func (s *GormStore) CountTasksByName(ctx context.Context, tenantID uint, name string) (int64, error) {
	var count int64
	result := s.db.WithContext(ctx).Model(&types.FinetuneTask{}).
		Where("tenant_id = ? AND name = ? AND deleted_flag = 0", tenantID, name).
		Count(&count)
	if result.Error != nil {
		return 0, fmt.Errorf("counting tasks: %w", result.Error)
	}
	return count, nil
}

// UsedBaseModelKeys 列出仍被任务引用的基础模型
func (s *GormStore) UsedBaseModelKeys(ctx context.Context) ([]string, error) {
	var keys []string
	result := s.db.WithContext(ctx).Model(&types.FinetuneTask{}).
		Where("base_model_key != '' AND deleted_flag = 0").
		Distinct("base_model_key").
		Pluck("base_model_key", &keys)
	if result.Error != nil {
		return nil, fmt.Errorf("querying base model keys: %w", result.Error)
	}
	return keys, nil
}

// CreateAccount 创建账户
func (s *GormStore) CreateAccount(ctx context.Context, account *types.Account) error {
	result := s.db.WithContext(ctx).Create(account)
	if result.Error != nil {
		return fmt.Errorf("inserting account: %w", result.Error)
	}
	return nil
}

// GetAccount 获取账户
func (s *GormStore) GetAccount(ctx context.Context, accountID uint) (*types.Account, error) {
	var account types.Account
	result := s.db.WithContext(ctx).First(&account, accountID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying account: %w", result.Error)
	}
	return &account, nil
}

// GetAccountByUsername 按用户名获取账户
func (s *GormStore) GetAccountByUsername(ctx context.Context, username string) (*types.Account, error) {
	var account types.Account
	result := s.db.WithContext(ctx).Where("username = ?", username).First(&account)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying account: %w", result.Error)
	}
	return &account, nil
}

// CreateTenant 创建租户
func (s *GormStore) CreateTenant(ctx context.Context, tenant *types.Tenant) error {
	result := s.db.WithContext(ctx).Create(tenant)
	if result.Error != nil {
		return fmt.Errorf("inserting tenant: %w", result.Error)
	}
	return nil
}

// GetTenant 获取租户
func (s *GormStore) GetTenant(ctx context.Context, tenantID uint) (*types.Tenant, error) {
	var tenant types.Tenant
	result := s.db.WithContext(ctx).First(&tenant, tenantID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying tenant: %w", result.Error)
	}
	return &tenant, nil
}

// IncrementGPUUsage 在事务内占用租户的GPU额度，超额时拒绝
func (s *GormStore) IncrementGPUUsage(ctx context.Context, tenantID uint, numGPUs int) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var tenant types.Tenant
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&tenant, tenantID).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("querying tenant for update: %w", err)
		}

		// quota为nil表示不限额
		if tenant.GPUQuota != nil {
			quota := *tenant.GPUQuota
			if quota == 0 {
				return fmt.Errorf("tenant %d has no gpu quota left (%d in use): %w",
					tenantID, tenant.GPUUsed, types.ErrQuotaExhausted)
			}
			if tenant.GPUUsed+numGPUs > quota {
				return fmt.Errorf("tenant %d needs %d gpus but only %d of %d available: %w",
					tenantID, numGPUs, quota-tenant.GPUUsed, quota, types.ErrQuotaExhausted)
			}
		}

		result := tx.Model(&types.Tenant{}).Where("id = ?", tenantID).
			Update("gpu_used", tenant.GPUUsed+numGPUs)
		if result.Error != nil {
			return fmt.Errorf("updating gpu usage: %w", result.Error)
		}
		return nil
	})
}

// DecrementGPUUsage 在事务内释放租户的GPU额度，下限为0
func (s *GormStore) DecrementGPUUsage(ctx context.Context, tenantID uint, numGPUs int) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var tenant types.Tenant
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&tenant, tenantID).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("querying tenant for update: %w", err)
		}

		used := tenant.GPUUsed - numGPUs
		if used < 0 {
			used = 0
		}

		result := tx.Model(&types.Tenant{}).Where("id = ?", tenantID).
			Update("gpu_used", used)
		if result.Error != nil {
			return fmt.Errorf("updating gpu usage: %w", result.Error)
		}
		return nil
	})
}

// CreateCustomParam 创建自定义参数预设
func (s *GormStore) CreateCustomParam(ctx context.Context, param *types.CustomParam) error {
	result := s.db.WithContext(ctx).Create(param)
	if result.Error != nil {
		return fmt.Errorf("inserting custom param: %w", result.Error)
	}
	return nil
}

// ListCustomParams 列出用户的自定义参数预设
func (s *GormStore) ListCustomParams(ctx context.Context, tenantID, createdBy uint) ([]*types.CustomParam, error) {
	var params []*types.CustomParam
	result := s.db.WithContext(ctx).
		Where("tenant_id = ? AND created_by = ? AND deleted_flag = 0", tenantID, createdBy).
		Order("created_at").
		Find(&params)
	if result.Error != nil {
		return nil, fmt.Errorf("querying custom params: %w", result.Error)
	}
	return params, nil
}

// CountCustomParamsByName 统计用户的同名预设数
func (s *GormStore) CountCustomParamsByName(ctx context.Context, createdBy uint, name string) (int64, error) {
	var count int64
	result := s.db.WithContext(ctx).Model(&types.CustomParam{}).
		Where("created_by = ? AND name = ? AND deleted_flag = 0", createdBy, name).
		Count(&count)
	if result.Error != nil {
		return 0, fmt.Errorf("counting custom params: %w", result.Error)
	}
	return count, nil
}

// DeleteCustomParam 软删除自定义参数预设
func (s *GormStore) DeleteCustomParam(ctx context.Context, createdBy, paramID uint) error {
	result := s.db.WithContext(ctx).Model(&types.CustomParam{}).
		Where("id = ? AND created_by = ? AND deleted_flag = 0", paramID, createdBy).
		Update("deleted_flag", 1)
	if result.Error != nil {
		return fmt.Errorf("deleting custom param: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateModel 创建模型目录记录
func (s *GormStore) CreateModel(ctx context.Context, model *types.Model) error {
	result := s.db.WithContext(ctx).Create(model)
	if result.Error != nil {
		return fmt.Errorf("inserting model: %w", result.Error)
	}
	return nil
}

// ListModelsByKeys 按模型key批量查询目录记录
func (s *GormStore) ListModelsByKeys(ctx context.Context, keys []string) ([]*types.Model, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	var models []*types.Model
	result := s.db.WithContext(ctx).
		Where("model_key IN ? AND deleted_flag = 0", keys).
		Find(&models)
	if result.Error != nil {
		return nil, fmt.Errorf("querying models: %w", result.Error)
	}
	return models, nil
}

// CountModelsByName 统计租户内的同名模型数
func (s *GormStore) CountModelsByName(ctx context.Context, tenantID uint, name string) (int64, error) {
	var count int64
	result := s.db.WithContext(ctx).Model(&types.Model{}).
		Where("tenant_id = ? AND model_name = ? AND deleted_flag = 0", tenantID, name).
		Count(&count)
	if result.Error != nil {
		return 0, fmt.Errorf("counting models: %w", result.Error)
	}
	return count, nil
}
