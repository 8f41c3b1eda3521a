package main

import (
	"context"
	"os"
	"os/signal"
	clts "polyinsider/clients"
	"polyinsider/config"
	"polyinsider/internal/app"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// A .env file is optional; real environment variables take precedence.
	_ = godotenv.Load()

	cfg, err := loadConfig()
	if err != nil {
		panic(err)
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(cfg.Logging.ZapLevel())
	logger, err := zapCfg.Build()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	logger.Info("starting insider monitor", zap.Bool("isProd", cfg.IsProd))

	result := cfg.Validate()
	for _, w := range result.Warnings {
		logger.Warn("config warning", zap.String("field", w.Field), zap.String("message", w.Message))
	}
	if err := result.Err(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	logger.Info("instantiating clients")
	clients := clts.NewClients(logger, cfg)

	runner := app.NewRunner(clients, cfg)
	if err := runner.Run(ctx); err != nil {
		logger.Fatal("runner failed", zap.Error(err))
	}
}

// loadConfig reads CONFIG_FILE when set, otherwise env vars over defaults.
func loadConfig() (*config.Config, error) {
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		return config.LoadFile(path)
	}
	return config.Load(), nil
}
