package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"rentmarket/internal/app"
	"rentmarket/internal/config"
)

// setupLogger настраивает формат и уровень логирования для сервиса.
func setupLogger() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)
}

// buildAppConfig переводит внешнюю конфигурацию в настройки приложения.
func buildAppConfig(cfg *config.Config) (app.Config, error) {
	rate, err := cfg.ParseDepositRate()
	if err != nil {
		return app.Config{}, fmt.Errorf("deposit rate: %w", err)
	}

	appCfg := app.DefaultConfig()
	appCfg.RunAddr = cfg.RunAddress
	appCfg.MetricsAddr = cfg.MetricsAddress
	appCfg.DatabaseURI = cfg.DatabaseURI
	appCfg.KafkaBrokers = cfg.KafkaBrokers
	appCfg.KafkaGroup = cfg.KafkaGroup
	appCfg.JWTSecret = cfg.JWTSecret
	appCfg.CallbackSecret = cfg.CallbackSecret
	appCfg.DepositRate = rate
	return appCfg, nil
}

func main() {
	setupLogger()

	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		log.WithError(err).Fatal("не удалось прочитать конфигурацию")
	}

	appCfg, err := buildAppConfig(cfg)
	if err != nil {
		log.WithError(err).Fatal("некорректная конфигурация")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"run_addr":     appCfg.RunAddr,
		"metrics_addr": appCfg.MetricsAddr,
	}).Info("запускаем сервис аренды")

	if err := app.Run(ctx, appCfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("сервис аренды остановлен")
}
