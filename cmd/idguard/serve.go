package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"idguard/internal/alerts"
	"idguard/internal/api"
	"idguard/internal/config"
	"idguard/internal/engine"
	"idguard/internal/ingest"
	"idguard/internal/logging"
	"idguard/internal/metrics"
	"idguard/internal/model"
	"idguard/internal/normalize"
	"idguard/internal/notify"
	"idguard/internal/profiles"
	"idguard/internal/storage"
)

func cmdServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "config file (yaml, json or toml)")
	fs.Parse(args)

	cfgMgr, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return 1
	}
	cfg := cfgMgr.Get()
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting idguard", "version", version, "config", cfgMgr.Path())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := storage.NewBackend(cfg.Storage, logger)
	if err != nil {
		logger.Error("failed to open alert storage", "driver", cfg.Storage.Driver, "err", err)
		return 1
	}
	store, err := alerts.Open(ctx, cfg.Alerts.StoreLimit, backend, logger)
	if err != nil {
		logger.Error("failed to open alert store", "err", err)
		if backend != nil {
			backend.Close()
		}
		return 1
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("alert store close failed", "err", err)
		}
	}()

	cooldown, closeCooldown, err := openCooldown(ctx, cfg.Cooldown, logger)
	if err != nil {
		logger.Error("failed to open cooldown store", "backend", cfg.Cooldown.Backend, "err", err)
		return 1
	}
	defer closeCooldown()

	prof, err := profiles.Open(cfg.Profiles.Path, logger)
	if err != nil {
		logger.Error("failed to load profiles", "path", cfg.Profiles.Path, "err", err)
		return 1
	}
	if cfg.Profiles.Watch {
		if err := prof.Watch(ctx); err != nil {
			logger.Warn("profile watch unavailable", "path", cfg.Profiles.Path, "err", err)
		}
	}

	notifier, closeNotifier := buildNotifier(cfg, logger)
	defer closeNotifier()

	identities := metrics.NewStore(cfg.Metrics.IdentityLimit)
	collectors := metrics.NewCollectors(identities)
	eng := engine.NewEngine(cfg, logger, engine.Options{
		Profiles:   prof,
		Alerts:     store,
		Cooldown:   cooldown,
		Notifier:   notifier,
		Identities: identities,
		Collectors: collectors,
	})

	events := make(chan model.NormalizedEvent, cfg.Ingest.ChannelBuffer)
	eng.Start(ctx, events)

	if cfgMgr.Path() != "" {
		go cfgMgr.Watch(2*time.Second, func(next *config.Config) {
			eng.UpdateConfig(next)
			logger.Info("config reloaded", "path", cfgMgr.Path())
		}, func(err error) {
			logger.Warn("config reload failed", "err", err)
		}, ctx.Done())
	}

	producerErrs := make(chan error, 8)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-producerErrs:
				logger.Warn("producer stopped, remaining producers continue", "err", err)
			}
		}
	}()
	ingest.StartSSH(ctx, cfgMgr, events, logger)
	ingest.StartSyslog(ctx, cfgMgr, events, logger)
	ingest.StartAudit(ctx, cfgMgr, events, producerErrs, logger)
	ingest.StartKafka(ctx, cfgMgr, events, logger)
	ingest.StartMLRescorer(ctx, cfgMgr, store, nil, events, logger)

	api.Start(ctx, cfgMgr, api.Deps{
		Alerts:     store,
		Identities: identities,
		Collectors: collectors,
		Engine:     eng,
		Events:     ingest.NewEventHandler(normalize.NewNormalizer(cfg), events, logger),
	}, logger, version)

	<-ctx.Done()
	logger.Info("shutting down")
	eng.Wait()
	return 0
}

func openCooldown(ctx context.Context, cfg config.CooldownConfig, logger *slog.Logger) (engine.CooldownStore, func(), error) {
	switch strings.ToLower(cfg.Backend) {
	case "redis":
		rc, err := engine.ConnectRedisCooldown(ctx, cfg.RedisAddr, cfg.KeyPrefix)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("cooldown backend redis", "addr", cfg.RedisAddr)
		return rc, func() { _ = rc.Close() }, nil
	default:
		return engine.NewMemoryCooldown(), func() {}, nil
	}
}

func buildNotifier(cfg *config.Config, logger *slog.Logger) (engine.Notifier, func()) {
	var (
		multi   notify.Multi
		closers []io.Closer
	)
	if cfg.Notify.Console {
		multi = append(multi, notify.NewConsole(os.Stdout))
	}
	if cfg.Notify.KafkaTopic != "" {
		brokers := cfg.Notify.KafkaBrokers
		if len(brokers) == 0 {
			brokers = cfg.Ingest.Kafka.Brokers
		}
		pub, err := notify.NewKafkaPublisher(brokers, cfg.Notify.KafkaTopic, logger)
		if err != nil {
			logger.Warn("kafka alert publisher disabled", "err", err)
		} else {
			multi = append(multi, pub)
			closers = append(closers, pub)
		}
	}
	return multi, func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}
}
