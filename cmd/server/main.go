package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/gitworkflows/blockterm/internal/classify"
	"github.com/gitworkflows/blockterm/internal/config"
	"github.com/gitworkflows/blockterm/internal/logging"
	"github.com/gitworkflows/blockterm/internal/monitoring"
	"github.com/gitworkflows/blockterm/internal/server"
	"github.com/gitworkflows/blockterm/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		OutputPaths: []string{"stdout"},
	})
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	metrics := monitoring.New(nil)
	manager := session.NewManager(cfg.Engine, classify.Heuristic(), logger, metrics)
	srv := server.New(cfg, manager, metrics, logger)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Run()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errChan:
		if err != nil {
			logger.Error("server error", zap.Error(err))
		}
	}

	// Every owned shell process must be gone before we exit.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}
