package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"finetune-backend/pkg/store"
	"finetune-backend/pkg/types"

	"github.com/rs/zerolog"
)

// Catalog 基础模型目录，负责可微调模型的查询和本地权重检查
type Catalog struct {
	modelsPath string
	store      store.Store
	logger     zerolog.Logger
}

// New 创建模型目录实例
func New(modelsPath string, store store.Store, logger zerolog.Logger) *Catalog {
	return &Catalog{
		modelsPath: modelsPath,
		store:      store,
		logger:     logger.With().Str("component", "catalog").Logger(),
	}
}

// FinetuneModel 可微调模型条目
type FinetuneModel struct {
	ModelKey    string `json:"model"`
	Builtin     bool   `json:"builtin"`
	NeedConfirm bool   `json:"need_confirm"`
}

// HasModel 判断模型key是否在目录中
func (c *Catalog) HasModel(ctx context.Context, modelKey string) (bool, error) {
	models, err := c.store.ListModelsByKeys(ctx, []string{modelKey})
	if err != nil {
		return false, fmt.Errorf("querying catalog: %w", err)
	}
	return len(models) > 0, nil
}

// ListFinetuneModels 列出已下载、可用于微调的模型。
// need_confirm对非内置且未被任何任务使用过的模型置位
func (c *Catalog) ListFinetuneModels(ctx context.Context) ([]*FinetuneModel, error) {
	usedKeys, err := c.store.UsedBaseModelKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("querying used model keys: %w", err)
	}
	used := make(map[string]bool, len(usedKeys))
	for _, key := range usedKeys {
		used[key] = true
	}

	rows, err := c.store.ListModelsByKeys(ctx, c.allKeys(ctx))
	if err != nil {
		return nil, fmt.Errorf("querying catalog: %w", err)
	}

	var result []*FinetuneModel
	for _, row := range rows {
		// 只保留已下载的模型
		if row.Status != types.ModelStatusDownloaded {
			continue
		}
		result = append(result, &FinetuneModel{
			ModelKey:    row.ModelKey,
			Builtin:     row.Builtin,
			NeedConfirm: !row.Builtin && !used[row.ModelKey],
		})
	}
	return result, nil
}

// allKeys 列出目录中全部模型key
func (c *Catalog) allKeys(ctx context.Context) []string {
	entries, err := os.ReadDir(c.modelsPath)
	if err != nil {
		c.logger.Warn().Err(err).Str("path", c.modelsPath).Msg("Cannot read models directory")
		return nil
	}
	var keys []string
	for _, entry := range entries {
		if entry.IsDir() {
			keys = append(keys, entry.Name())
		}
	}
	return keys
}

// WeightsPresent 检查模型权重目录存在且非空。
// 提交前检查可以避免后端开始拉取权重后任务无法取消
func (c *Catalog) WeightsPresent(modelKey string) bool {
	dir := filepath.Join(c.modelsPath, modelKey)

	entries, err := os.ReadDir(dir)
	if err != nil {
		c.logger.Info().Str("model", modelKey).Str("dir", dir).Msg("Model directory not found")
		return false
	}
	if len(entries) == 0 {
		c.logger.Warn().Str("model", modelKey).Str("dir", dir).Msg("Model directory is empty")
		return false
	}
	return true
}
