package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/Krx-21/BotCareU-sub001/common/logger"
	"github.com/Krx-21/BotCareU-sub001/internal/config"
	"github.com/Krx-21/BotCareU-sub001/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	log, err := logger.NewLogger(logger.Options{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: "botcareu-alert",
		File:        cfg.Log.File,
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	alertService, err := service.NewAlertService(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to create alert service", zap.Error(err))
	}
	defer func() {
		if err := alertService.Stop(); err != nil {
			log.Error("Failed to stop alert service", zap.Error(err))
		}
	}()

	log.Info("Alert service starting", zap.String("addr", cfg.Server.Addr))
	if err := alertService.Start(ctx); err != nil && ctx.Err() == nil {
		log.Error("Service error", zap.Error(err))
		return
	}

	log.Info("Alert service stopped")
}
