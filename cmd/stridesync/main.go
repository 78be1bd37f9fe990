package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"stridesync/internal/api"
	"stridesync/internal/config"
	"stridesync/internal/metrics"
	"stridesync/internal/provider"
	"stridesync/internal/queue"
	"stridesync/internal/ratelimit"
	"stridesync/internal/scheduler"
	"stridesync/internal/store"
)

func main() {
	var (
		cfgPath = flag.String("config", "stridesync.yaml", "path to YAML config (optional)")
		addr    = flag.String("addr", "", "HTTP bind address (overrides server.addr)")
		debug   = flag.Bool("debug", false, "enable pprof routes")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	setupLogging(cfg.Log)

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}

	st := store.NewSQLiteStore(db)
	if n, err := st.RecoverInterruptedSyncs(context.Background()); err == nil {
		log.Info().Int("recovered", n).Msg("recovered interrupted syncs")
	} else {
		log.Error().Err(err).Msg("recover interrupted syncs")
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg := metrics.NewRegistry(promReg)

	limiter := ratelimit.New(ratelimit.Config{
		ShortThreshold: cfg.RateLimit.ShortThreshold,
		LongThreshold:  cfg.RateLimit.LongThreshold,
		Cooldown:       cfg.RateLimit.Cooldown,
	}, reg)

	client := provider.NewClient(provider.Config{
		BaseURL:            cfg.Provider.BaseURL,
		TokenURL:           cfg.Provider.TokenURL,
		ClientID:           cfg.Provider.ClientID,
		ClientSecret:       cfg.Provider.ClientSecret,
		Timeout:            cfg.Provider.Timeout,
		RequestsPerSecond:  cfg.Provider.RequestsPerSecond,
		Burst:              cfg.Provider.Burst,
		BreakerMaxFailures: cfg.Provider.BreakerMaxFailures,
		BreakerTimeout:     cfg.Provider.BreakerTimeout,
	}, st, limiter)

	q := queue.New(st, client, limiter, reg, queue.Options{
		Concurrency:     cfg.Queue.Concurrency,
		RetryDelay:      cfg.Queue.RetryDelay,
		MaxRetryDelay:   cfg.Queue.MaxRetryDelay,
		ProcessInterval: cfg.Queue.ProcessInterval,
		MaxAttempts:     cfg.Queue.MaxAttempts,
		HistoryLimit:    cfg.Queue.HistoryLimit,
		PerPage:         cfg.Sync.PerPage,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Run(ctx)
	}()

	if cfg.Sync.Schedule != "" {
		sched := scheduler.NewService(q, st, cfg.Sync.Schedule, cfg.Sync.MaxActivities)
		go func() {
			if err := sched.Start(ctx); err != nil {
				log.Error().Err(err).Msg("sync scheduler")
			}
		}()
	}

	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: api.NewServer(api.Deps{
			Queue:         q,
			SyncStates:    st,
			RateLimit:     limiter,
			Metrics:       reg,
			Gatherer:      promReg,
			MaxActivities: cfg.Sync.MaxActivities,
			EnableDebug:   *debug,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")

	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)

	cancel()
	select {
	case <-done:
	case <-ctxTimeout.Done():
		log.Warn().Msg("timed out waiting for in-flight jobs")
	}
}

func setupLogging(cfg config.LogConfig) {
	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
}
