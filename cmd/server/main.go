package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"finetune-backend/pkg/config"
	"finetune-backend/pkg/logger"
	"finetune-backend/pkg/server"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	workDir, err := os.Getwd()
	if err != nil {
		log.Fatalf("Failed to resolve working directory: %v", err)
	}
	if !filepath.IsAbs(*configPath) {
		*configPath = filepath.Join(workDir, *configPath)
	}

	cfg, err := config.LoadServerConfig(*configPath, workDir)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logs := logger.NewLogger(cfg.Log.Debug)
	if cfg.Log.File != "" {
		logs.SetLogOutput(cfg.Log.File)
	}
	appLogger := logs.GetLogger("app")

	srv, err := server.New(cfg, appLogger)
	if err != nil {
		appLogger.Fatal().Err(err).Msg("Failed to initialize server")
	}

	// 监听退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLogger.Info().Str("signal", sig.String()).Msg("Shutting down")
		if err := srv.Stop(); err != nil {
			appLogger.Error().Err(err).Msg("Error during shutdown")
		}
	}()

	if err := srv.Start(); err != nil {
		appLogger.Fatal().Err(err).Msg("Server failed")
	}
}
