package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"icreserve/native/issuance"
	"icreserve/native/kyc"
	coreoracle "icreserve/native/oracle"
	"icreserve/observability"
	"icreserve/observability/logging"
	telemetry "icreserve/observability/otel"
	"icreserve/services/icd/adapters"
	"icreserve/services/icd/config"
	"icreserve/services/icd/idempotency"
	"icreserve/services/icd/journal"
	"icreserve/services/icd/oracle"
	"icreserve/services/icd/server"
	icdstorage "icreserve/services/icd/storage"
	"icreserve/storage"
)

const sampleRetention = 7 * 24 * time.Hour

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/icd/config.yaml", "path to icd configuration file (.yaml or .toml)")
	flag.Parse()

	if err := run(cfgPath); err != nil {
		log.Fatalf("icd: %v", err)
	}
}

// run returns only after every background task has stopped, so the deferred
// closes never race a pending write.
func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("IC_ENV"))
	if path := strings.TrimSpace(os.Getenv("LOG_FILE")); path != "" {
		cfg.Log.Path = path
	}
	logger := logging.SetupWithFile("icd", env, cfg.Log)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "icd",
		Environment: env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	secret := strings.TrimSpace(os.Getenv(cfg.Auth.SecretEnv))
	if secret == "" {
		return fmt.Errorf("%s must hold the admin token secret", cfg.Auth.SecretEnv)
	}

	dsn, err := icdstorage.FileDSN(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("resolve storage DSN: %w", err)
	}
	store, err := icdstorage.Open(dsn)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	state, err := storage.NewLevelDB(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	defer state.Close()

	idem, err := idempotency.Open(cfg.Idempotency.Path, nil)
	if err != nil {
		return fmt.Errorf("open idempotency store: %w", err)
	}
	defer idem.Close()

	allowlist, err := kyc.NewAllowlist(cfg.KYC)
	if err != nil {
		return fmt.Errorf("kyc allowlist: %w", err)
	}

	feed := coreoracle.NewFeed(cfg.Oracle.Updater)
	guard := coreoracle.NewGuard(feed, cfg.Oracle.MaxAge.Duration)
	events := journal.New(store, logger, 1024)

	controller, err := issuance.New(issuance.Config{
		Controller:      cfg.Issuance.Controller,
		Vault:           cfg.Issuance.Vault,
		Currency:        cfg.Issuance.Currency,
		AssetA:          cfg.Issuance.AssetA,
		AssetB:          cfg.Issuance.AssetB,
		RatioABps:       cfg.Issuance.RatioABps,
		RatioBBps:       cfg.Issuance.RatioBBps,
		DeliverReserves: cfg.Issuance.DeliverReserves,
		Emergency:       cfg.Emergency.Control(),
	}, guard, allowlist,
		issuance.WithStore(state),
		issuance.WithEmitter(events),
		issuance.WithLogger(logger),
		issuance.WithMetrics(observability.Issuance()),
	)
	if err != nil {
		return fmt.Errorf("issuance controller: %w", err)
	}

	registry := adapters.NewRegistry()
	sources := make([]oracle.Source, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		built, err := registry.Build(src)
		if err != nil {
			return fmt.Errorf("build source %s: %w", src.Name, err)
		}
		sources = append(sources, built)
	}
	mgr, err := oracle.New(store, sources, []string{cfg.Issuance.AssetA, cfg.Issuance.AssetB},
		cfg.Oracle.Interval.Duration, cfg.Oracle.MaxAge.Duration, cfg.Oracle.MinFeeds,
		oracle.WithLogger(logger),
		oracle.WithPublisher(oracle.FeedPublisher{Feed: feed, Updater: cfg.Oracle.Updater, Decimals: cfg.Oracle.Decimals}),
	)
	if err != nil {
		return fmt.Errorf("oracle manager: %w", err)
	}

	auth, err := server.NewAuthenticator(server.AuthConfig{
		Secret:   []byte(secret),
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
	}, logger)
	if err != nil {
		return fmt.Errorf("configure admin auth: %w", err)
	}
	srv, err := server.New(server.Config{
		ListenAddress:  cfg.ListenAddress,
		RateLimit:      server.RateLimit{RequestsPerSecond: cfg.RateLimit.RequestsPerSecond, Burst: cfg.RateLimit.Burst},
		Idempotency:    idem,
		IdempotencyTTL: cfg.Idempotency.TTL.Duration,
	}, controller, allowlist, store, auth, logger)
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = supervise(rootCtx, events.Run,
		func(ctx context.Context) error {
			if err := mgr.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("oracle manager: %w", err)
			}
			return nil
		},
		func(ctx context.Context) error {
			maintain(ctx, logger, controller, store, idem)
			return nil
		},
		func(ctx context.Context) error {
			if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		},
	)
	logger.Info("icd stopped")
	return err
}

// supervise runs tasks until ctx ends or one of them fails, then waits for
// all of them. The journal outlives every task so events emitted while they
// wind down are flushed before supervise returns.
func supervise(ctx context.Context, journal func(context.Context) error, tasks ...func(context.Context) error) error {
	journalCtx, stopJournal := context.WithCancel(context.Background())
	journalErr := make(chan error, 1)
	go func() { journalErr <- journal(journalCtx) }()

	group, groupCtx := errgroup.WithContext(ctx)
	for _, task := range tasks {
		task := task
		group.Go(func() error { return task(groupCtx) })
	}
	err := group.Wait()

	stopJournal()
	if jerr := <-journalErr; jerr != nil && !errors.Is(jerr, context.Canceled) && err == nil {
		err = fmt.Errorf("event journal: %w", jerr)
	}
	return err
}

// maintain expires stale emergency proposals and prunes old oracle samples
// and idempotency records.
func maintain(ctx context.Context, logger *slog.Logger, controller *issuance.Controller, store *icdstorage.Storage, idem *idempotency.Store) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if expired, err := controller.ExpireEmergencyActions(ctx); err != nil {
			logger.Warn("expire emergency actions", slog.Any("error", err))
		} else if len(expired) > 0 {
			logger.Info("emergency actions expired", slog.Int("count", len(expired)))
		}
		if removed, err := store.PruneSamples(ctx, time.Now().Add(-sampleRetention)); err != nil {
			logger.Warn("prune oracle samples", slog.Any("error", err))
		} else if removed > 0 {
			logger.Debug("oracle samples pruned", slog.Int64("count", removed))
		}
		if removed, err := idem.Prune(time.Now()); err != nil {
			logger.Warn("prune idempotency records", slog.Any("error", err))
		} else if removed > 0 {
			logger.Debug("idempotency records pruned", slog.Int("count", removed))
		}
	}
}
