package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rewired-gh/marketsentinel/internal/config"
	"github.com/rewired-gh/marketsentinel/internal/dispatch"
	"github.com/rewired-gh/marketsentinel/internal/feed"
	"github.com/rewired-gh/marketsentinel/internal/logger"
	"github.com/rewired-gh/marketsentinel/internal/metrics"
	"github.com/rewired-gh/marketsentinel/internal/models"
	"github.com/rewired-gh/marketsentinel/internal/monitor"
	"github.com/rewired-gh/marketsentinel/internal/rules"
	"github.com/rewired-gh/marketsentinel/internal/sink"
	"github.com/rewired-gh/marketsentinel/internal/storage"
	"github.com/rewired-gh/marketsentinel/internal/telegram"
)

func run(ctx context.Context, configPath string, verbose bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger.Setup(cfg.LoggerOptions())
	if verbose {
		logger.SetVerbose()
	}
	logger.Info("Configuration loaded from %s", configPath)

	mt := metrics.New()

	var store *storage.Storage
	if cfg.Storage.Enabled {
		store, err = storage.New(cfg.Storage.MaxAlerts, cfg.Storage.DBPath)
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.Error("Failed to close storage: %v", err)
			}
		}()
	} else {
		logger.Debug("Storage disabled, cooldowns will not survive restarts")
	}

	ruleSet, err := rules.Load(cfg.Rules.File)
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}
	ruleStore := rules.NewStore(ruleSet)
	mt.RuleReload(true, ruleSet.Len())
	logger.Info("Loaded %d rules from %s", ruleSet.Len(), cfg.Rules.File)

	onReload := func(set *rules.RuleSet, err error) {
		if err != nil {
			active := ruleStore.Current().Len()
			mt.RuleReload(false, active)
			logger.Error("Rule reload failed, keeping %d active rules: %v", active, err)
			return
		}
		mt.RuleReload(true, set.Len())
		logger.Info("Reloaded %d rules from %s", set.Len(), set.Source())
	}
	if cfg.Rules.Watch {
		if err := ruleStore.Watch(cfg.Rules.File, onReload); err != nil {
			logger.Warn("Failed to watch rule file: %v", err)
		}
	}

	var telegramClient *telegram.Client
	if cfg.Telegram.Enabled {
		telegramClient, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, 3, time.Second)
		if err != nil {
			return fmt.Errorf("failed to initialize Telegram client: %w", err)
		}
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	dispatcher := dispatch.New(cfg.DispatcherConfig(), buildSink(cfg, telegramClient),
		dispatch.WithMetrics(mt),
		dispatch.WithOnDelivered(func(alert *models.Alert) {
			if store == nil {
				return
			}
			if err := store.AddAlert(alert, time.Now()); err != nil {
				logger.Warn("Failed to record delivered alert %s: %v", alert.ID, err)
			}
		}),
	)

	monOpts := []monitor.Option{monitor.WithMetrics(mt)}
	if store != nil {
		monOpts = append(monOpts, monitor.WithCooldownStore(store))
	}
	mon := monitor.New(cfg.CoreConfig(), ruleStore, dispatcher, monOpts...)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	mon.Start(gctx)

	if cfg.Metrics.Enabled {
		g.Go(func() error {
			logger.Info("Serving metrics on %s", cfg.Metrics.ListenAddr)
			if err := mt.Serve(gctx, cfg.Metrics.ListenAddr); err != nil {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	var supervisor *feed.Supervisor
	if adapter := buildAdapter(cfg); adapter != nil {
		health := newFeedHealth(gctx, telegramClient)
		supervisor = feed.NewSupervisor(adapter, mon, cfg.ReconnectPolicy(),
			feed.WithMetrics(mt),
			feed.WithStatusHandler(health.onStatus),
		)
		g.Go(func() error {
			return supervisor.Run(gctx)
		})
	} else {
		logger.Info("No feed configured")
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-gctx.Done():
				return
			case <-hup:
				logger.Info("SIGHUP received, reloading rules")
				set, err := ruleStore.Reload(cfg.Rules.File)
				onReload(set, err)
				if supervisor != nil {
					supervisor.Resume()
				}
			}
		}
	}()

	if telegramClient != nil {
		telegramClient.ListenForCommands(gctx, func() string {
			return renderStatus(mon, dispatcher, supervisor, ruleStore)
		})
	}

	logger.Info("Market sentinel running (feed: %s, workers: %d, window: %d)",
		cfg.Feed.Type, cfg.Monitor.Workers, cfg.Monitor.WindowSize)

	<-gctx.Done()
	logger.Info("Shutdown signal received, cleaning up...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Dispatch.ShutdownGrace+5*time.Second)
	defer cancel()
	shutdownErr := mon.Shutdown(shutdownCtx)
	if shutdownErr != nil {
		logger.Warn("Shutdown incomplete: %v", shutdownErr)
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Service stopped")
	return nil
}

// buildSink combines the enabled notification channels. The log sink is
// always present.
func buildSink(cfg *config.Config, telegramClient *telegram.Client) sink.Sink {
	sinks := []sink.Sink{sink.Log{}}
	if telegramClient != nil {
		sinks = append(sinks, telegramClient)
	}
	if cfg.Webhook.Enabled {
		sinks = append(sinks, sink.NewWebhook(cfg.Webhook.URL, cfg.Webhook.Timeout))
	}
	if len(sinks) == 1 {
		return sinks[0]
	}
	return sink.NewMulti(sinks...)
}

func buildAdapter(cfg *config.Config) feed.Adapter {
	switch cfg.Feed.Type {
	case config.FeedWebSocket:
		return feed.NewWebSocket(cfg.Feed.URL, cfg.Feed.SubscribeMessage, cfg.Feed.Timeout)
	case config.FeedPoll:
		return feed.NewPoll(cfg.Feed.URL, cfg.Feed.PollInterval, cfg.Feed.Timeout, nil)
	default:
		return nil
	}
}
