package services

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"finetune-backend/pkg/config"
	"finetune-backend/pkg/server/middleware"
	"finetune-backend/pkg/store"
	"finetune-backend/pkg/types"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// ParamService 自定义微调参数预设服务
type ParamService struct {
	config *config.ServerConfig
	logger zerolog.Logger
	store  store.Store
}

// NewParamService 创建参数预设服务实例
func NewParamService(cfg *config.ServerConfig, logger zerolog.Logger, store store.Store) *ParamService {
	return &ParamService{
		config: cfg,
		logger: logger.With().Str("service", "param").Logger(),
		store:  store,
	}
}

// RegisterRoutes 注册路由
func (s *ParamService) RegisterRoutes(r *gin.Engine, auth *middleware.Authenticator) {
	params := r.Group("/api/finetune/params", auth.AccountAuth())
	{
		params.POST("", s.HandleCreateParam)
		params.GET("", s.HandleListParams)
		params.DELETE("/:id", s.HandleDeleteParam)
	}
}

// builtinPresets 内置参数预设，不入库
func builtinPresets() []paramEntry {
	base := map[string]any{
		"training_type":     "SFT",
		"val_size":          0.1,
		"num_epochs":        100,
		"learning_rate":     0.01,
		"lr_scheduler_type": "linear",
		"cutoff_len":        1024,
		"lora_r":            8,
		"lora_rate":         10,
		"lora_alpha":        8,
		"num_gpus":          1,
	}
	lora := map[string]any{"batch_size": 4}
	qlora := map[string]any{"batch_size": 10}
	for k, v := range base {
		lora[k] = v
		qlora[k] = v
	}
	return []paramEntry{
		{ID: "l0", Name: "LoRA默认参数", IsDefault: true, FinetuneConfig: lora},
		{ID: "l1", Name: "QLoRA默认参数", IsDefault: true, FinetuneConfig: qlora},
	}
}

// paramEntry 对外返回的预设条目，内置预设的ID是字符串
type paramEntry struct {
	ID             any            `json:"id"`
	Name           string         `json:"name"`
	IsDefault      bool           `json:"is_default"`
	FinetuneConfig map[string]any `json:"finetune_config"`
}

// HandleCreateParam 处理保存参数预设请求
func (s *ParamService) HandleCreateParam(c *gin.Context) {
	account := middleware.AccountFrom(c)

	var req struct {
		Name           string         `json:"name" binding:"required"`
		FinetuneConfig map[string]any `json:"finetune_config" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	// batch_size需要能被显卡数整除
	numGPUs := numGPUsFrom(req.FinetuneConfig)
	batchSize := 1
	if v, ok := req.FinetuneConfig["batch_size"].(float64); ok {
		batchSize = int(v)
	}
	if numGPUs > 0 && batchSize%numGPUs != 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "batch_size must be divisible by num_gpus"})
		return
	}

	// 同一用户下预设名唯一
	count, err := s.store.CountCustomParamsByName(c.Request.Context(), account.ID, req.Name)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to check param name")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	if count > 0 {
		c.JSON(http.StatusConflict, gin.H{"error": "Param name already exists"})
		return
	}

	configData, err := json.Marshal(req.FinetuneConfig)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid finetune config"})
		return
	}

	param := &types.CustomParam{
		Name:           req.Name,
		TenantID:       account.TenantID,
		CreatedBy:      account.ID,
		FinetuneConfig: string(configData),
	}
	if err := s.store.CreateCustomParam(c.Request.Context(), param); err != nil {
		s.logger.Error().Err(err).Msg("Failed to create param")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":   param.ID,
		"name": param.Name,
	})
}

// HandleListParams 处理参数预设列表请求
func (s *ParamService) HandleListParams(c *gin.Context) {
	account := middleware.AccountFrom(c)

	params, err := s.store.ListCustomParams(c.Request.Context(), account.TenantID, account.ID)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list params")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	// 内置预设排在最前
	entries := builtinPresets()
	for _, p := range params {
		config := p.ConfigDict()
		if _, ok := config["num_gpus"]; !ok {
			config["num_gpus"] = 1
		}
		entries = append(entries, paramEntry{
			ID:             p.ID,
			Name:           p.Name,
			FinetuneConfig: config,
		})
	}

	c.JSON(http.StatusOK, gin.H{"params": entries})
}

// HandleDeleteParam 处理删除参数预设请求
func (s *ParamService) HandleDeleteParam(c *gin.Context) {
	account := middleware.AccountFrom(c)

	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid param id"})
		return
	}

	if err := s.store.DeleteCustomParam(c.Request.Context(), account.ID, uint(id)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Param not found"})
			return
		}
		s.logger.Error().Err(err).Msg("Failed to delete param")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Param deleted"})
}
