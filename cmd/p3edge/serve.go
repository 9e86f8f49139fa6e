package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/esemsc-ss2524/p3-edge/config"
	"github.com/esemsc-ss2524/p3-edge/internal/forecast"
	"github.com/esemsc-ss2524/p3-edge/internal/server"
	"github.com/esemsc-ss2524/p3-edge/internal/store"
	"github.com/esemsc-ss2524/p3-edge/internal/telemetry"
)

func serveCMD() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the forecasting HTTP host and retrain scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default ./config/config.json)")
	return cmd
}

func runServe(cfg *config.Config) error {
	logger := log.New(log.Writer(), "[SERVE] ", log.LstdFlags)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return err
	}
	if err := server.Migrate("file://migrations", dsn, "up", 0); err != nil {
		return err
	}

	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}
	defer st.DB.Close()

	obsStore := store.NewObservationStore(st)
	forecastStore := store.NewForecastStore(st)
	auditLog := store.NewAuditLog(st)
	catalog := store.NewItemCatalog(st)

	modelStore, err := store.NewFSModelStore(cfg.Storage.ModelDir)
	if err != nil {
		return err
	}

	loc := time.Local
	if cfg.General.Timezone != "" && cfg.General.Timezone != "Local" {
		if l, err := time.LoadLocation(cfg.General.Timezone); err == nil {
			loc = l
		} else {
			logger.Printf("unknown timezone %q, using local", cfg.General.Timezone)
		}
	}
	features := forecast.NewFeatureBuilder(loc)

	trainer := forecast.NewTrainer(obsStore, modelStore, auditLog, features, forecast.TrainerOptions{
		EWMAAlpha:          cfg.Forecast.EWMAAlpha,
		LearningRate:       cfg.Forecast.LearningRate,
		RetrainInterval:    cfg.Forecast.RetrainInterval(),
		RetrainErrorFactor: cfg.Forecast.RetrainErrorFactor,
		MinPersistInterval: cfg.Forecast.MinPersistInterval(),
		BackfillWindow:     cfg.Forecast.BackfillWindow(),
		MaxEntries:         cfg.Forecast.RegistryMaxEntries,
	}, nil)

	svc := forecast.NewService(trainer, obsStore, forecastStore, auditLog, features, forecast.ServiceOptions{
		HorizonMaxDays:      cfg.Forecast.HorizonMaxDays,
		OrderLeadDays:       cfg.Forecast.OrderLeadDays,
		DefaultConfidence:   cfg.Forecast.DefaultConfidence,
		LowStockConfidence:  cfg.Forecast.LowStockConfidence,
		MaxParallelForecast: cfg.Forecast.MaxParallelForecast,
	}, nil)

	var rdb *redis.Client
	if cfg.Storage.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		defer rdb.Close()
	}

	scheduler := forecast.NewScheduler(trainer, obsStore, catalog, rdb, forecast.SchedulerConfig{
		DailyTime:   cfg.Scheduler.DailyTime,
		MaxParallel: cfg.Scheduler.MaxParallel,
	}, nil)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	var metrics *telemetry.Metrics
	if cfg.Telemetry.Enabled {
		metrics = telemetry.New("p3edge")
	}

	srv := server.New(svc, catalog, metrics, nil)
	e := srv.Echo()

	errCh := make(chan error, 1)
	go func() { errCh <- e.Start(cfg.Server.Address) }()
	logger.Printf("listening on %s", cfg.Server.Address)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-sig:
	}

	logger.Printf("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http shutdown: %v", err)
	}
	trainer.Flush(shutdownCtx)
	return nil
}
