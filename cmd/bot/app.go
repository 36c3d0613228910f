package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"testimony/internal/cache"
	"testimony/internal/driver/telegram"
	"testimony/internal/kernel"
	"testimony/internal/metrics"
	"testimony/internal/storage"
	"testimony/modules/help"
	"testimony/modules/quiz"
	"testimony/modules/record"
	"testimony/modules/remind"
	"testimony/pkg/testimony"
)

const (
	envConfigFile         = "TESTIMONY_CONFIG_FILE"
	defaultConfigFilePath = "config/bot.json"
	defaultDatabasePath   = "testimony.db"
)

// Cache namespace names. Each namespace is created once at wiring time and
// handed to the single module that owns it.
const (
	namespaceThrottle       = "throttleCache"
	namespaceRateLimitUsers = "rateLimitUsersCache"
	namespaceRecord         = "recordCache"
	namespaceReminderTimers = "reminderTimers"
	namespaceQuiz           = "quizCache"
)

type fileConfig struct {
	LogLevel string           `json:"log_level"`
	Database fileDatabase     `json:"database"`
	Telegram telegram.Config  `json:"telegram"`
	Kernel   fileKernelConfig `json:"kernel"`
	Metrics  fileMetrics      `json:"metrics"`
	Record   fileRecordConfig `json:"record"`
	Remind   fileRemindConfig `json:"remind"`
	Quiz     fileQuizConfig   `json:"quiz"`
}

type fileDatabase struct {
	Path string `json:"path"`
}

type fileKernelConfig struct {
	HandlerTimeout    string `json:"handler_timeout"`
	ModuleHookTimeout string `json:"module_hook_timeout"`
	ShutdownTimeout   string `json:"shutdown_timeout"`
}

type fileMetrics struct {
	ListenAddress string `json:"listen_address"`
}

type fileRecordConfig struct {
	ThrottleDuration string `json:"throttle_duration"`
	HistoryLimit     *int   `json:"history_limit"`
	HistoryWindow    string `json:"history_window"`
	SnapshotTTL      string `json:"snapshot_ttl"`
}

type fileRemindConfig struct {
	PollInterval string `json:"poll_interval"`
	BatchSize    *int   `json:"batch_size"`
	MaxLead      string `json:"max_lead"`
}

type fileQuizConfig struct {
	AnswerWindow string `json:"answer_window"`
}

type appConfig struct {
	logLevel     slog.Level
	databasePath string
	telegram     telegram.Config
	metricsAddr  string

	kernelOptions []kernel.Option
	recordOptions []record.Option
	remindOptions []remind.Option
	quizOptions   []quiz.Option
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.logLevel}))
	slog.SetDefault(logger)

	store, err := storage.Open(cfg.databasePath)
	if err != nil {
		return fmt.Errorf("open database %s: %w", cfg.databasePath, err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("database close failed", "error", err)
		}
	}()

	driver, err := telegram.New(cfg.telegram, logger)
	if err != nil {
		return fmt.Errorf("build telegram driver: %w", err)
	}

	kernelRuntime := kernel.New(append(cfg.kernelOptions, kernel.WithLogger(logger))...)
	if err := registerRuntimeServices(kernelRuntime, logger, store, driver.Outbound()); err != nil {
		return err
	}
	if err := kernelRuntime.RegisterDriver(driver); err != nil {
		return fmt.Errorf("register telegram driver: %w", err)
	}

	caches := cache.NewRegistry(
		cache.WithLogger(logger),
		cache.WithEvictionObserver(func(namespace string) {
			metrics.CacheEvictions.WithLabelValues(namespace).Inc()
		}),
	)
	if err := registerRuntimeModules(context.Background(), kernelRuntime, caches, cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stopMetrics := startMetricsListener(ctx, logger, cfg.metricsAddr)
	defer stopMetrics()

	if err := kernelRuntime.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run kernel: %w", err)
	}

	return nil
}

func registerRuntimeServices(
	kernelRuntime *kernel.Kernel,
	logger *slog.Logger,
	store *storage.Store,
	outbound testimony.OutboundDispatcher,
) error {
	services := map[testimony.ServiceKey]any{
		testimony.ServiceLogger:             logger,
		testimony.ServiceOutboundDispatcher: outbound,
		testimony.ServiceStatementStore:     store.Statements(),
		testimony.ServiceReminderStore:      store.Reminders(),
		testimony.ServiceUpdootStore:        store.Updoots(),
	}
	for key, service := range services {
		if err := kernelRuntime.RegisterService(key, service); err != nil {
			return fmt.Errorf("register service %s: %w", key, err)
		}
	}

	return nil
}

func registerRuntimeModules(
	ctx context.Context,
	kernelRuntime *kernel.Kernel,
	caches *cache.Registry,
	cfg appConfig,
) error {
	throttleNS, err := caches.Namespace(namespaceThrottle)
	if err != nil {
		return fmt.Errorf("create namespace %s: %w", namespaceThrottle, err)
	}
	rateNS, err := caches.Namespace(namespaceRateLimitUsers)
	if err != nil {
		return fmt.Errorf("create namespace %s: %w", namespaceRateLimitUsers, err)
	}
	recordNS, err := caches.Namespace(namespaceRecord)
	if err != nil {
		return fmt.Errorf("create namespace %s: %w", namespaceRecord, err)
	}
	timersNS, err := caches.Namespace(namespaceReminderTimers)
	if err != nil {
		return fmt.Errorf("create namespace %s: %w", namespaceReminderTimers, err)
	}
	quizNS, err := caches.Namespace(namespaceQuiz)
	if err != nil {
		return fmt.Errorf("create namespace %s: %w", namespaceQuiz, err)
	}

	modules := []testimony.Module{
		record.New(throttleNS, rateNS, recordNS, cfg.recordOptions...),
		remind.New(timersNS, cfg.remindOptions...),
		quiz.New(quizNS, cfg.quizOptions...),
		help.New(),
	}
	for _, module := range modules {
		if err := kernelRuntime.RegisterModule(ctx, module); err != nil {
			return fmt.Errorf("register module %s: %w", module.Name(), err)
		}
	}

	return nil
}

// startMetricsListener serves Prometheus metrics when an address is configured.
// The returned stop function blocks until the listener has shut down.
func startMetricsListener(ctx context.Context, logger *slog.Logger, address string) func() {
	if address == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: address, Handler: mux}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics listener failed", "address", address, "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics listener shutdown failed", "error", err)
		}
	}()

	return func() { <-done }
}

func loadConfig() (appConfig, error) {
	path := strings.TrimSpace(os.Getenv(envConfigFile))
	if path == "" {
		path = defaultConfigFilePath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return appConfig{}, fmt.Errorf("read config file %s: %w", path, err)
	}

	cfg, err := parseConfig(data)
	if err != nil {
		return appConfig{}, fmt.Errorf("parse config file %s: %w", path, err)
	}

	return cfg, nil
}

func parseConfig(data []byte) (appConfig, error) {
	var parsed fileConfig
	if err := json.Unmarshal(data, &parsed); err != nil {
		return appConfig{}, fmt.Errorf("unmarshal: %w", err)
	}

	cfg := appConfig{
		logLevel:     slog.LevelInfo,
		databasePath: defaultDatabasePath,
		telegram:     parsed.Telegram,
		metricsAddr:  strings.TrimSpace(parsed.Metrics.ListenAddress),
	}

	if rawLevel := strings.TrimSpace(parsed.LogLevel); rawLevel != "" {
		level, err := parseLogLevel(rawLevel)
		if err != nil {
			return appConfig{}, fmt.Errorf("parse log_level: %w", err)
		}
		cfg.logLevel = level
	}
	if path := strings.TrimSpace(parsed.Database.Path); path != "" {
		cfg.databasePath = path
	}
	if err := cfg.telegram.Validate(); err != nil {
		return appConfig{}, err
	}

	kernelOptions, err := parseKernelConfig(parsed.Kernel)
	if err != nil {
		return appConfig{}, err
	}
	cfg.kernelOptions = kernelOptions

	recordOptions, err := parseRecordConfig(parsed.Record)
	if err != nil {
		return appConfig{}, err
	}
	cfg.recordOptions = recordOptions

	remindOptions, err := parseRemindConfig(parsed.Remind)
	if err != nil {
		return appConfig{}, err
	}
	cfg.remindOptions = remindOptions

	if rawWindow := strings.TrimSpace(parsed.Quiz.AnswerWindow); rawWindow != "" {
		window, err := parsePositiveDuration(rawWindow, "quiz.answer_window")
		if err != nil {
			return appConfig{}, err
		}
		cfg.quizOptions = append(cfg.quizOptions, quiz.WithAnswerWindow(window))
	}

	return cfg, nil
}

func parseKernelConfig(parsed fileKernelConfig) ([]kernel.Option, error) {
	var options []kernel.Option
	if raw := strings.TrimSpace(parsed.HandlerTimeout); raw != "" {
		timeout, err := parsePositiveDuration(raw, "kernel.handler_timeout")
		if err != nil {
			return nil, err
		}
		options = append(options, kernel.WithHandlerTimeout(timeout))
	}
	if raw := strings.TrimSpace(parsed.ModuleHookTimeout); raw != "" {
		timeout, err := parsePositiveDuration(raw, "kernel.module_hook_timeout")
		if err != nil {
			return nil, err
		}
		options = append(options, kernel.WithModuleHookTimeout(timeout))
	}
	if raw := strings.TrimSpace(parsed.ShutdownTimeout); raw != "" {
		timeout, err := parsePositiveDuration(raw, "kernel.shutdown_timeout")
		if err != nil {
			return nil, err
		}
		options = append(options, kernel.WithShutdownTimeout(timeout))
	}

	return options, nil
}

func parseRecordConfig(parsed fileRecordConfig) ([]record.Option, error) {
	var options []record.Option
	if raw := strings.TrimSpace(parsed.ThrottleDuration); raw != "" {
		duration, err := parsePositiveDuration(raw, "record.throttle_duration")
		if err != nil {
			return nil, err
		}
		options = append(options, record.WithThrottleDuration(duration))
	}
	if parsed.HistoryLimit != nil || strings.TrimSpace(parsed.HistoryWindow) != "" {
		limit := 0
		if parsed.HistoryLimit != nil {
			if *parsed.HistoryLimit <= 0 {
				return nil, fmt.Errorf("parse record.history_limit: must be > 0")
			}
			limit = *parsed.HistoryLimit
		}
		var window time.Duration
		if raw := strings.TrimSpace(parsed.HistoryWindow); raw != "" {
			parsedWindow, err := parsePositiveDuration(raw, "record.history_window")
			if err != nil {
				return nil, err
			}
			window = parsedWindow
		}
		options = append(options, record.WithHistoryRate(limit, window))
	}
	if raw := strings.TrimSpace(parsed.SnapshotTTL); raw != "" {
		ttl, err := parsePositiveDuration(raw, "record.snapshot_ttl")
		if err != nil {
			return nil, err
		}
		options = append(options, record.WithSnapshotTTL(ttl))
	}

	return options, nil
}

func parseRemindConfig(parsed fileRemindConfig) ([]remind.Option, error) {
	var options []remind.Option
	if raw := strings.TrimSpace(parsed.PollInterval); raw != "" {
		interval, err := parsePositiveDuration(raw, "remind.poll_interval")
		if err != nil {
			return nil, err
		}
		options = append(options, remind.WithPollInterval(interval))
	}
	if parsed.BatchSize != nil {
		if *parsed.BatchSize <= 0 {
			return nil, fmt.Errorf("parse remind.batch_size: must be > 0")
		}
		options = append(options, remind.WithBatchSize(*parsed.BatchSize))
	}
	if raw := strings.TrimSpace(parsed.MaxLead); raw != "" {
		lead, err := parsePositiveDuration(raw, "remind.max_lead")
		if err != nil {
			return nil, err
		}
		options = append(options, remind.WithMaxLead(lead))
	}

	return options, nil
}

func parsePositiveDuration(raw, scope string) (time.Duration, error) {
	duration, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", scope, err)
	}
	if duration <= 0 {
		return 0, fmt.Errorf("parse %s: must be > 0", scope)
	}

	return duration, nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported level %q", raw)
	}
}
