package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"finetune-backend/pkg/catalog"
	"finetune-backend/pkg/config"
	"finetune-backend/pkg/dispatch"
	"finetune-backend/pkg/ftclient"
	"finetune-backend/pkg/server/middleware"
	"finetune-backend/pkg/server/services"
	"finetune-backend/pkg/store"
)

// Server 服务器结构
type Server struct {
	config *config.ServerConfig
	logger zerolog.Logger
	store  store.Store

	// 服务实例
	finetuneService *services.FinetuneService
	userService     *services.UserService
	paramService    *services.ParamService
	statusService   *services.StatusService

	dispatcher *dispatch.Dispatcher
	httpServer *http.Server
}

// New 创建服务器实例
func New(cfg *config.ServerConfig, logger zerolog.Logger) (*Server, error) {
	// 创建存储实例
	store, err := store.NewStore(&store.Config{
		Type: cfg.Storage.Type,
		SQLite: store.SQLiteConfig{
			Path: cfg.Storage.SQLite.Path,
		},
		Postgres: store.PostgresConfig{
			Host:     cfg.Storage.Postgres.Host,
			Port:     cfg.Storage.Postgres.Port,
			User:     cfg.Storage.Postgres.User,
			Password: cfg.Storage.Postgres.Password,
			DBName:   cfg.Storage.Postgres.DBName,
			SSLMode:  cfg.Storage.Postgres.SSLMode,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating store: %w", err)
	}

	auth := middleware.NewAuthenticator(cfg.Auth.JWTSecret, store, logger)
	ftClient := ftclient.New(cfg, logger)
	modelCatalog := catalog.New(cfg.Finetune.ModelsPath, store, logger)
	dispatcher := dispatch.New(logger, 100)

	// 创建服务实例
	finetuneService := services.NewFinetuneService(cfg, logger, store, ftClient, modelCatalog, dispatcher)
	userService := services.NewUserService(cfg, logger, store, auth)
	paramService := services.NewParamService(cfg, logger, store)
	statusService := services.NewStatusService(cfg, logger, store)

	// 注册HTTP路由
	if !cfg.Log.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	userService.RegisterRoutes(engine)
	finetuneService.RegisterRoutes(engine, auth)
	paramService.RegisterRoutes(engine, auth)
	statusService.RegisterRoutes(engine)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: engine,
	}

	return &Server{
		config:          cfg,
		logger:          logger.With().Str("component", "server").Logger(),
		store:           store,
		finetuneService: finetuneService,
		userService:     userService,
		paramService:    paramService,
		statusService:   statusService,
		dispatcher:      dispatcher,
		httpServer:      httpServer,
	}, nil
}

// Start 启动服务器
func (s *Server) Start() error {
	s.dispatcher.Start(4)

	s.logger.Info().
		Str("address", s.httpServer.Addr).
		Msg("Server started")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serving http: %w", err)
	}
	return nil
}

// Stop 停止服务器
func (s *Server) Stop() error {
	// 优雅关闭 HTTP 服务器
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Error shutting down HTTP server")
	}

	// 等待后台作业收尾
	s.dispatcher.Stop()

	// 关闭存储
	if err := s.store.Close(); err != nil {
		s.logger.Error().Err(err).Msg("Error closing store")
	}

	s.logger.Info().Msg("Server stopped")
	return nil
}
