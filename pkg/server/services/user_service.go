package services

import (
	"errors"
	"net/http"

	"finetune-backend/pkg/config"
	"finetune-backend/pkg/server/middleware"
	"finetune-backend/pkg/store"
	"finetune-backend/pkg/types"
	"finetune-backend/pkg/utils/password"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// UserService 账户服务
type UserService struct {
	config *config.ServerConfig
	logger zerolog.Logger
	store  store.Store
	auth   *middleware.Authenticator
}

// NewUserService 创建账户服务实例
func NewUserService(cfg *config.ServerConfig, logger zerolog.Logger, store store.Store, auth *middleware.Authenticator) *UserService {
	return &UserService{
		config: cfg,
		logger: logger.With().Str("service", "user").Logger(),
		store:  store,
		auth:   auth,
	}
}

// RegisterRoutes 注册路由
func (s *UserService) RegisterRoutes(r *gin.Engine) {
	auth := r.Group("/auth")
	{
		auth.POST("/register", s.HandleRegister)
		auth.POST("/login", s.HandleLogin)
	}
}

// HandleRegister 处理账户注册。每个账户挂在自己的租户下，
// 注册时可以指定租户的GPU配额，不传表示不限额
func (s *UserService) HandleRegister(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
		GPUQuota *int   `json:"gpu_quota"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if req.GPUQuota != nil && *req.GPUQuota < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "gpu_quota cannot be negative"})
		return
	}

	// 检查用户名是否已存在
	if _, err := s.store.GetAccountByUsername(c.Request.Context(), req.Username); err == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "Username already exists"})
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		s.logger.Error().Err(err).Msg("Failed to check account existence")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	// 使用 Argon2id 哈希密码
	hashedPassword, err := password.HashPassword(req.Password)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to hash password")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	tenant := &types.Tenant{
		Name:     req.Username,
		GPUQuota: req.GPUQuota,
	}
	if err := s.store.CreateTenant(c.Request.Context(), tenant); err != nil {
		s.logger.Error().Err(err).Msg("Failed to create tenant")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	account := &types.Account{
		Username: req.Username,
		Password: hashedPassword,
		TenantID: tenant.ID,
	}
	if err := s.store.CreateAccount(c.Request.Context(), account); err != nil {
		s.logger.Error().Err(err).Msg("Failed to create account")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"message": "Account registered successfully",
		"account": gin.H{
			"id":        account.ID,
			"username":  account.Username,
			"tenant_id": account.TenantID,
		},
	})
}

// HandleLogin 处理账户登录
func (s *UserService) HandleLogin(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	account, err := s.store.GetAccountByUsername(c.Request.Context(), req.Username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid username or password"})
			return
		}
		s.logger.Error().Err(err).Msg("Failed to get account")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	// 验证密码
	valid, err := password.VerifyPassword(req.Password, account.Password)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to verify password")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	if !valid {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid username or password"})
		return
	}

	token, err := s.auth.GenerateToken(account)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to generate token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token": token,
		"account": gin.H{
			"id":        account.ID,
			"username":  account.Username,
			"tenant_id": account.TenantID,
		},
	})
}
