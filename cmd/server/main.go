package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tradegen/vte-engine/internal/api"
	"github.com/tradegen/vte-engine/internal/config"
	"github.com/tradegen/vte-engine/internal/event"
	"github.com/tradegen/vte-engine/internal/factory"
	"github.com/tradegen/vte-engine/internal/feed"
	"github.com/tradegen/vte-engine/internal/journal"
	"github.com/tradegen/vte-engine/internal/logger"
	"github.com/tradegen/vte-engine/internal/oracle"
	"github.com/tradegen/vte-engine/internal/registry"
	"github.com/tradegen/vte-engine/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Error("load config", "err", err)
		os.Exit(1)
	}
	if closer := logger.Init(cfg.Log.Options()); closer != nil {
		defer closer.Close()
	}

	if err := run(cfg); err != nil {
		logger.Error("vte-engine failed", "err", err)
		os.Exit(1)
	}
	fmt.Println("vte-engine stopped")
}

func run(cfg *config.Config) error {
	ctx := context.Background()

	ids, err := cfg.Identities.Parse()
	if err != nil {
		return err
	}
	defaults, err := cfg.Risk.Settings(ids.RegistryOwner)
	if err != nil {
		return err
	}

	// --- Redis (cache and optional price source) ---
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
	}

	// --- Initialize store ---
	ttl := time.Duration(cfg.Redis.CacheTTLSeconds) * time.Second
	st, closeStore, err := store.Open(ctx, cfg.Database.DSN, rdb, ttl)
	if err != nil {
		return err
	}
	defer closeStore()

	// --- Event sinks ---
	sinks := event.Fanout{event.LogSink{}}

	var events api.EventLister
	if cfg.Journal.DSN != "" {
		j, err := journal.Open(cfg.Journal.DSN)
		if err != nil {
			return err
		}
		defer j.Close()
		sinks = append(sinks, j)
		events = j
		logger.Info("event journal enabled", "dsn", cfg.Journal.DSN)
	}

	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	wsHub := api.NewWSHub()
	go wsHub.Run(hubCtx)
	sinks = append(sinks, wsHub)

	// --- Oracle ---
	var source oracle.Source
	if rdb != nil && cfg.Oracle.RedisPricesKey != "" {
		source = oracle.NewRedisSource(rdb, cfg.Oracle.RedisPricesKey)
	} else {
		prices, err := cfg.Oracle.StaticPrices()
		if err != nil {
			return err
		}
		source = oracle.NewStaticSource(prices)
	}
	orc := oracle.New(ids.Oracle, ids.OracleOwner, source)

	// --- Factory and registry ---
	feeds := feed.NewDirectory()
	fac := factory.New(factory.Config{
		Address: ids.Factory,
		Owner:   ids.FactoryOwner,
		Oracle:  orc.Address(),
		Store:   st,
		Events:  sinks,
	})
	reg := registry.New(registry.Options{
		Address:         ids.Registry,
		Owner:           ids.RegistryOwner,
		DefaultDataFeed: ids.DefaultDataFeed,
		Defaults:        &defaults,
		Factory:         fac,
		Feeds:           feeds,
		Store:           st,
		Events:          sinks,
	})
	if err := fac.InitializeContract(ids.FactoryOwner, reg); err != nil {
		return fmt.Errorf("initialize factory: %w", err)
	}
	if err := reg.Restore(ctx); err != nil {
		return fmt.Errorf("restore registry: %w", err)
	}

	// --- HTTP router ---
	handler := api.NewHandler(api.Options{
		Registry: reg,
		Feeds:    feeds,
		Oracle:   orc,
		Journal:  events,
		Hub:      wsHub,
		QPS:      cfg.RateLimit.QPS,
		Burst:    cfg.RateLimit.Burst,
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handler.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
		ErrorLog:     slog.NewLogLogger(logger.Get().Handler(), slog.LevelError),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("vte-engine listening",
			"port", cfg.Server.Port,
			"registry", ids.Registry.Hex(),
			"environments", reg.NumberOfVTEs(),
			"oracle_source", orc.DataSource(),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	logger.Info("shutting down vte-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
	return nil
}
