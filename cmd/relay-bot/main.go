package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"tickrelay.com/internal/relaybot/app"
	"tickrelay.com/internal/relaybot/config"
	pkgconfig "tickrelay.com/pkg/config"
	"tickrelay.com/pkg/logger"
	"tickrelay.com/pkg/metrics"
)

const serviceName = "relaybot"

func main() {
	configDir := flag.String("config", "", "directory holding relaybot.yaml (default ./config or .)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// a missing .env is fine; the environment may already be set
	_ = godotenv.Load()

	var cfg config.Config
	var paths []string
	if *configDir != "" {
		paths = append(paths, *configDir)
	}
	if _, err := pkgconfig.LoadAndWatch(serviceName, &cfg, applyReload, paths...); err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Telegram.Token == "" {
		cfg.Telegram.Token = os.Getenv("TELEGRAM_BOT_TOKEN")
	}
	if err := cfg.Normalize(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger.InitWithFile(cfg.Service.Name, cfg.Service.LogLevel, cfg.Service.LogFile)
	defer logger.Sync()
	metrics.MustRegister()

	a, err := app.New(ctx, &cfg)
	if err != nil {
		logger.Fatal(ctx, "start failed", zap.Error(err))
	}
	logger.Info(ctx, "relay bot started",
		zap.String("mode", cfg.Telegram.Mode),
		zap.String("feed", cfg.Feed.BaseURL),
	)

	if err := a.Run(ctx); err != nil {
		logger.Error(ctx, "relay bot stopped with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Info(ctx, "relay bot stopped")
}

// applyReload applies the settings that are safe to change at runtime.
func applyReload(v *viper.Viper) {
	lvl := v.GetString("service.log_level")
	if lvl == "" {
		return
	}
	if err := logger.SetLevel(lvl); err != nil {
		logger.Warn(context.Background(), "ignore bad log level", zap.String("level", lvl), zap.Error(err))
		return
	}
	logger.Info(context.Background(), "log level changed", zap.String("level", lvl))
}
