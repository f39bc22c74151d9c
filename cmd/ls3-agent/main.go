package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/serebryakov7/ls3-gauge/internal/agent"
	"github.com/serebryakov7/ls3-gauge/internal/config"
	"github.com/serebryakov7/ls3-gauge/pkg/storage"
)

// Настройки по умолчанию
const (
	defaultAppConfig  = "LS3_AppCfg.yml"
	defaultUserConfig = "LS3_UserCfg.yml"
	defaultLogLevel   = "info"
)

var (
	appConfig     = flag.StringP("appcfg", "a", defaultAppConfig, "Файл конфигурации приложения")
	userConfig    = flag.StringP("usercfg", "u", defaultUserConfig, "Файл пользовательской конфигурации (переопределяет конфигурацию приложения)")
	noUserConsole = flag.Bool("no-user-console", false, "Не запускать консоль оператора")
	notSaveConfig = flag.Bool("not-save-cfg", false, "Не сохранять резервную копию конфигурации при запуске")
	logLevel      = flag.String("log-level", defaultLogLevel, "Уровень логирования: debug, info, warn, error")
)

func main() {
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(*logLevel)}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("агент LS3 завершен с ошибкой", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	logger.Info("запуск агента LS3")

	userPath := *userConfig
	if _, err := os.Stat(userPath); err != nil && !flag.CommandLine.Changed("usercfg") {
		// Пользовательский файл по умолчанию необязателен
		userPath = ""
	}
	cfg, err := config.Load(*appConfig, userPath)
	if err != nil {
		return fmt.Errorf("загрузка конфигурации: %w", err)
	}
	if !*notSaveConfig {
		if err := cfg.Backup(*appConfig, userPath, time.Now()); err != nil {
			logger.Warn("резервная копия конфигурации не сохранена", "error", err)
		}
	}

	catalog, err := storage.OpenCatalog(cfg.Path.Catalog)
	if err != nil {
		return fmt.Errorf("открытие каталога: %w", err)
	}
	defer catalog.Close()

	orch, err := agent.New(cfg, agent.Options{
		Logger:  logger,
		Console: !*noUserConsole,
		In:      os.Stdin,
		Out:     os.Stdout,
		Catalog: catalog,
		Files:   catalog,
		Plot: func(path, kind string) {
			logger.Info("файл готов для построения графика", "path", path, "kind", kind)
		},
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := orch.Run(ctx); err != nil {
		return err
	}
	logger.Info("завершение работы агента LS3")
	return nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
