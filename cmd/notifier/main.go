package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"smartfarm-notifier/internal/app"
	"smartfarm-notifier/internal/config"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("[MAIN] No .env file found, relying on system env vars")
	}

	cfg, err := config.LoadAgent()
	if err != nil {
		log.Fatalf("[MAIN] invalid configuration: %v", err)
	}

	logger, err := app.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("[MAIN] %v", err)
	}
	defer logger.Sync()

	agent, err := app.NewAgent(cfg, logger)
	if err != nil {
		logger.Fatal("failed to build agent", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := agent.Run(ctx); err != nil {
		logger.Fatal("agent stopped", zap.Error(err))
	}
	logger.Info("agent stopped gracefully")
}
