package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"sdn-guard/internal/alert"
	"sdn-guard/internal/anomaly"
	"sdn-guard/internal/api"
	"sdn-guard/internal/archive"
	"sdn-guard/internal/client"
	"sdn-guard/internal/controller"
	"sdn-guard/internal/group"
	"sdn-guard/internal/installer"
	"sdn-guard/internal/meter"
	"sdn-guard/internal/model"
	"sdn-guard/internal/pipeline"
	"sdn-guard/internal/policy"
	"sdn-guard/internal/rules"
	"sdn-guard/internal/stats"
	"sdn-guard/internal/switches"
	"sdn-guard/internal/utils"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

const version = "1.0.0"

func main() {
	var (
		configFile   = flag.String("config", "configs/sdn_guard.yaml", "Configuration file path (YAML)")
		showVersion  = flag.Bool("version", false, "Show version information")
		testTelegram = flag.Bool("test-telegram", false, "Send test message to Telegram")
		issueToken   = flag.String("issue-token", "", "Print an API bearer token for the given subject and exit")
		tokenTTL     = flag.Duration("token-ttl", 24*time.Hour, "Lifetime of a token printed by -issue-token")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("SDN Guard v%s\n", version)
		return
	}

	config := loadConfig(*configFile)

	if *testTelegram {
		testTelegramNotification(config)
		return
	}
	if *issueToken != "" {
		printToken(config, *issueToken, *tokenTTL)
		return
	}

	logger := newLogger(config)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	exporter := alert.NewPrometheusExporter(config.GetMetricsPort(), logger)
	metrics := exporter.GetMetrics()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := exporter.Start(ctx); err != nil {
			logger.Errorf("Prometheus exporter error: %v", err)
		}
	}()

	bus := client.NewRedisBus(config.Redis.Addr, config.Redis.Password, config.Redis.DB)
	southbound := client.NewSouthboundClient(bus, config.Redis.CommandChannel, config.Redis.EventChannel, config.Redis.PublishRetries, metrics, logger)
	defer southbound.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := southbound.TestConnection(pingCtx); err != nil {
		logger.Warnf("Redis connection test failed: %v", err)
		logger.Warn("Continuing anyway...")
	}
	cancel()

	var promClient *client.PrometheusClient
	if config.Prometheus.URL != "" {
		var err error
		promClient, err = client.NewPrometheusClient(config.Prometheus.URL, time.Duration(config.Prometheus.TimeoutSeconds)*time.Second)
		if err != nil {
			logger.Warnf("Failed to create Prometheus client: %v", err)
			promClient = nil
		} else {
			logger.Infof("Prometheus client connected to %s", config.Prometheus.URL)
		}
	}

	clk := clock.New()

	registry := switches.NewRegistry(clk, metrics, logger)
	firewall := policy.NewStore(model.KindFirewall, config.Policy.FirewallFile, metrics, logger)
	_ = firewall.Load()
	slices := policy.NewStore(model.KindSlice, config.Policy.SlicesFile, metrics, logger)
	_ = slices.Load()

	collector := stats.NewCollector(southbound, clk, config.MinPollInterval(), config.Retention(), metrics, logger)

	detector := anomaly.NewDetector(anomaly.Config{
		Threshold:      config.Anomaly.Threshold,
		LearningPeriod: config.LearningPeriod(),
		MinSamples:     config.Anomaly.MinSamples,
		HistoryWindow:  config.Retention(),
		MaxAlerts:      config.Anomaly.MaxAlerts,
		MetricOrder:    config.Anomaly.MetricOrder,
	}, clk, metrics, logger)
	if err := detector.LoadAlerts(config.Anomaly.AlertsFile); err != nil {
		logger.Warnf("Failed to load anomaly alerts: %v", err)
	}
	collector.AddSink(detector)

	alertStore := alert.NewStore(config.IDS.MaxAlerts, logger)
	if err := alertStore.Load(model.CategoryIDS, config.IDS.AlertsFile); err != nil {
		logger.Warnf("Failed to load IDS alerts: %v", err)
	}

	ruleConfigs := config.Rules
	if config.IDS.RulesFile != "" {
		extra, err := rules.LoadRules(config.IDS.RulesFile)
		if err != nil {
			logger.Warnf("Failed to load IDS rules from %s: %v", config.IDS.RulesFile, err)
		} else {
			ruleConfigs = rules.MergeRules(ruleConfigs, extra)
		}
	}

	engine := rules.NewEngine(logger)
	registerBuiltinRules(engine, ruleConfigs, clk, promClient, logger)

	engine.RegisterNotifier(alertStore)
	engine.RegisterNotifier(alert.NewMetricsNotifier(metrics))
	alertArchive := openArchive(ctx, config, logger, &wg)
	if alertArchive != nil {
		engine.RegisterNotifier(alertArchive)
		defer alertArchive.Close()
	}
	registerAlertNotifiers(engine, config, logger)
	detector.SetEmitter(engine.EmitAlert)

	ctrl := controller.New(controller.Config{
		LearnedIdleTimeout: uint16(config.Forwarding.IdleTimeoutSeconds),
		LearnedHardTimeout: uint16(config.Forwarding.HardTimeoutSeconds),
		RoutePriority:      uint16(config.Routing.Priority),
		PollInterval:       config.PollInterval(),
	}, southbound, controller.Components{
		Switches:  registry,
		Firewall:  firewall,
		Slices:    slices,
		Installer: installer.New(southbound, registry, logger),
		Meters:    meter.NewManager(southbound, metrics, logger),
		Groups:    group.NewManager(southbound, config.Routing.MinQuality, metrics, logger),
		Stats:     collector,
		Processor: pipeline.NewProcessor(engine, metrics, logger),
	}, metrics, logger)

	events := make(chan model.Event, controller.DefaultQueueSize)
	dispatcher := controller.NewDispatcher(controller.DefaultQueueSize, metrics, logger, ctrl)

	wg.Add(4)
	go func() {
		defer wg.Done()
		if err := southbound.Subscribe(ctx, events); err != nil && ctx.Err() == nil {
			logger.Errorf("Event subscription ended: %v", err)
			stop()
		}
	}()
	go func() {
		defer wg.Done()
		dispatcher.Run(ctx, events)
	}()
	go func() {
		defer wg.Done()
		ctrl.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		engine.StartPeriodic(ctx)
	}()

	server := api.NewServer(api.Options{
		Controller: ctrl,
		Detector:   detector,
		Alerts:     alertStore,
		Archive:    alertArchive,
		Rules:      ruleConfigs,
		JWTSecret:  config.API.JWTSecret,
		Version:    version,
		Logger:     logger,
	})

	logger.Infof("SDN Guard %s started (commands: %s, events: %s)", version, config.Redis.CommandChannel, config.Redis.EventChannel)
	if err := server.ListenAndServe(ctx, config.API.Port); err != nil {
		logger.Errorf("%v", err)
		stop()
	}

	<-ctx.Done()
	logger.Info("Shutting down...")
	wg.Wait()

	if err := alertStore.Save(model.CategoryIDS, config.IDS.AlertsFile); err != nil {
		logger.Errorf("Failed to save IDS alerts: %v", err)
	}
	if err := detector.SaveAlerts(config.Anomaly.AlertsFile); err != nil {
		logger.Errorf("Failed to save anomaly alerts: %v", err)
	}
}

func loadConfig(path string) *utils.Config {
	config, err := utils.LoadConfig(path)
	if err != nil {
		fmt.Printf("Failed to load YAML config %s: %v\n", path, err)
		fmt.Println("Using default configuration...")
		return utils.GetDefaultConfig()
	}
	fmt.Printf("Loaded configuration from %s\n", path)
	return config
}

func newLogger(config *utils.Config) *logrus.Logger {
	logger := utils.NewLoggerWithFormat(config.Logging.Level, config.Logging.Format)
	if config.Logging.FilePath == "" {
		return logger
	}

	if err := os.MkdirAll(filepath.Dir(config.Logging.FilePath), 0755); err != nil {
		logger.Warnf("Failed to create log directory: %v", err)
		return logger
	}
	f, err := os.OpenFile(config.Logging.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		logger.Warnf("Failed to open log file %s: %v", config.Logging.FilePath, err)
		return logger
	}
	logger.SetOutput(io.MultiWriter(os.Stdout, f))
	return logger
}

// openArchive returns nil when archiving is off or the database cannot be
// opened. With a retention set, old rows are pruned hourly.
func openArchive(ctx context.Context, config *utils.Config, logger *logrus.Logger, wg *sync.WaitGroup) *archive.Archive {
	if !config.Archive.Enabled {
		return nil
	}
	a, err := archive.Open(config.Archive.Path, logger)
	if err != nil {
		logger.Warnf("Alert archive disabled: %v", err)
		return nil
	}

	retention := config.ArchiveRetention()
	if retention <= 0 {
		return a
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			if n, err := a.Prune(time.Now().Add(-retention)); err != nil {
				logger.Warnf("[Archive] Prune failed: %v", err)
			} else if n > 0 {
				logger.Infof("[Archive] Pruned %d alerts older than %v", n, retention)
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return a
}

func registerAlertNotifiers(engine *rules.Engine, config *utils.Config, logger *logrus.Logger) {
	if !config.Alerting.Enabled {
		return
	}

	if config.Alerting.Channels.Log {
		engine.RegisterNotifier(alert.NewLogAlertNotifier(logger))
	}

	if config.Alerting.Channels.Telegram && config.Alerting.Telegram.Enabled {
		engine.RegisterNotifier(alert.NewTelegramNotifierWithTemplate(
			config.Alerting.Telegram.BotToken,
			config.Alerting.Telegram.ChatID,
			config.Alerting.Telegram.ParseMode,
			config.Alerting.Telegram.Enabled,
			config.Alerting.Telegram.MessageTemplate,
			logger,
		))
	}
}

func testTelegramNotification(config *utils.Config) {
	logger := utils.NewLogger(config.Logging.Level)

	telegramNotifier := alert.NewTelegramNotifier(
		config.Alerting.Telegram.BotToken,
		config.Alerting.Telegram.ChatID,
		config.Alerting.Telegram.ParseMode,
		config.Alerting.Telegram.Enabled,
		logger,
	)

	if !telegramNotifier.IsEnabled() {
		fmt.Println("Telegram notifier is disabled in configuration")
		return
	}

	fmt.Println("Sending test message to Telegram...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := telegramNotifier.SendTestMessage(ctx); err != nil {
		fmt.Printf("Failed to send test message: %v\n", err)
		return
	}
	fmt.Println("Test message sent successfully to Telegram!")
}

func printToken(config *utils.Config, subject string, ttl time.Duration) {
	if config.API.JWTSecret == "" {
		fmt.Println("api.jwt_secret is not set; the API does not require tokens")
		os.Exit(1)
	}
	token, err := api.IssueToken(config.API.JWTSecret, subject, ttl)
	if err != nil {
		fmt.Printf("Failed to sign token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
