// indexer runs the Event Indexer service (§4.2): the chain-event webhook
// receiver plus the scheduled subgraph probe / sanction rescreening /
// settlement-stats sampling (§4.2 scheduled tasks, §7).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/filbeam/filbeam-core/internal/config"
	"github.com/filbeam/filbeam-core/internal/database"
	"github.com/filbeam/filbeam-core/internal/logging"
	"github.com/filbeam/filbeam-core/pkg/analytics"
	"github.com/filbeam/filbeam-core/pkg/indexerjobs"
	"github.com/filbeam/filbeam-core/pkg/metrics"
	"github.com/filbeam/filbeam-core/pkg/migrations"
	"github.com/filbeam/filbeam-core/pkg/pricekv"
	"github.com/filbeam/filbeam-core/pkg/sanctions"
	"github.com/filbeam/filbeam-core/pkg/store"
	"github.com/filbeam/filbeam-core/pkg/subgraph"
	"github.com/filbeam/filbeam-core/pkg/txqueue"
	"github.com/filbeam/filbeam-core/pkg/webhook"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	watcher, err := config.NewWatcher(*configPath, logr.Discard())
	if err != nil {
		fmt.Fprintln(os.Stderr, "loading config:", err)
		os.Exit(1)
	}
	defer watcher.Close()
	cfg := watcher.Current()

	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintln(os.Stderr, "building logger:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbCfg := &database.Config{
		Host: cfg.Database.Host, Port: cfg.Database.Port, User: cfg.Database.User,
		Password: cfg.Database.Password, Database: cfg.Database.Database, SSLMode: cfg.Database.SSLMode,
		MaxOpenConns: cfg.Database.MaxOpenConns, MaxIdleConns: cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime, ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	}
	db, err := database.Connect(dbCfg)
	if err != nil {
		log.Error(err, "connecting to database")
		os.Exit(1)
	}
	defer db.Close()
	if err := migrations.Run(db.DB); err != nil {
		log.Error(err, "running migrations")
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()

	reg := prometheus.NewRegistry()
	metricsReg := metrics.NewRegistry(reg)

	st := store.New(db)
	screener := sanctions.NewHTTPScreener(ctx, sanctions.Config{
		Endpoint: cfg.Sanctions.BaseURL, TokenURL: cfg.Sanctions.TokenURL,
		ClientID: cfg.Sanctions.ClientID, ClientSecret: cfg.Sanctions.ClientSecret,
	})
	prober := subgraph.NewHTTPProber(cfg.Subgraph.Endpoint, http.DefaultClient)
	priceKV := pricekv.New(rdb)
	queue := txqueue.New(rdb, "filbeam:txmonitor", cfg.Redis.QueueGroup)
	if err := queue.EnsureGroup(ctx); err != nil {
		log.Error(err, "ensuring txqueue consumer group")
	}

	var analyticsWriter analytics.Writer
	if cfg.Analytics.Endpoint != "" {
		analyticsWriter = analytics.NewHTTPWriter(cfg.Analytics.Endpoint)
	}

	wh := webhook.New(st, screener, priceKV, queue, log, webhook.Config{
		SecretHeader: cfg.Webhook.SecretHeader, Secret: cfg.Webhook.Secret,
		GenesisMs: cfg.Chain.GenesisMs, DefaultLockupPeriodDays: cfg.Reporter.DefaultLockupPeriodDays,
	}).SetMetrics(metricsReg)

	jobs := indexerjobs.New(st, screener, prober, analyticsWriter, log, indexerjobs.Config{
		BatchSize: cfg.Sanctions.BatchSize, StaleThreshold: cfg.Sanctions.StaleThreshold,
	})

	mux := http.NewServeMux()
	mux.Handle("/", wh.Routes())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.WebhookPort,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	metricsSrv := &http.Server{Addr: ":" + cfg.Server.MetricsPort, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}

	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(err, "metrics server stopped")
		}
	}()
	go func() {
		log.Info("indexer webhook listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(err, "indexer server stopped")
		}
	}()
	go runScheduledJobs(ctx, jobs, log)

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	metricsSrv.Shutdown(shutdownCtx)
}

// runScheduledJobs fires indexerjobs.Jobs.Run on a fixed interval. The
// teacher's stack carries no cron-expression parser (§4.2's "hourly
// schedule" is the only cadence named), so a plain time.Ticker realizes
// it directly rather than pulling in a parser for one fixed interval.
func runScheduledJobs(ctx context.Context, jobs *indexerjobs.Jobs, log logr.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := jobs.Run(ctx); err != nil {
				log.Error(err, "scheduled indexer jobs run failed")
			}
		}
	}
}
