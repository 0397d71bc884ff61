// reporter runs the Usage Reporter service (§4.3, §4.4): the scheduled
// egress rollup submission, the Transaction Monitor Workflow consumer
// that watches each submission through to a terminal outcome, and the
// queue-message handlers the monitor's outcomes trigger.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/filbeam/filbeam-core/internal/config"
	"github.com/filbeam/filbeam-core/internal/database"
	"github.com/filbeam/filbeam-core/internal/logging"
	"github.com/filbeam/filbeam-core/pkg/analytics"
	"github.com/filbeam/filbeam-core/pkg/chain"
	"github.com/filbeam/filbeam-core/pkg/metrics"
	"github.com/filbeam/filbeam-core/pkg/migrations"
	"github.com/filbeam/filbeam-core/pkg/reporter"
	"github.com/filbeam/filbeam-core/pkg/store"
	"github.com/filbeam/filbeam-core/pkg/txmonitor"
	"github.com/filbeam/filbeam-core/pkg/txqueue"
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

	controllerKey, err := os.ReadFile(cfg.Chain.ControllerKeyPath)
	if err != nil {
		log.Error(err, "reading controller key")
		os.Exit(1)
	}
	chainClient, err := chain.Dial(ctx, cfg.Chain.RPCURL, common.HexToAddress(cfg.Chain.OperatorContract), strings.TrimSpace(string(controllerKey)))
	if err != nil {
		log.Error(err, "dialing chain")
		os.Exit(1)
	}

	st := store.New(db)
	queue := txqueue.New(rdb, "filbeam:txmonitor", cfg.Redis.QueueGroup)
	if err := queue.EnsureGroup(ctx); err != nil {
		log.Error(err, "ensuring txqueue consumer group")
	}

	var analyticsWriter analytics.Writer
	if cfg.Analytics.Endpoint != "" {
		analyticsWriter = analytics.NewHTTPWriter(cfg.Analytics.Endpoint)
	}

	monitor := txmonitor.New(chainClient, st, queue, log, txmonitor.DefaultConfig()).SetMetrics(metricsReg)

	spawn := func(hash common.Hash, onSuccessType string, upToTimestamp time.Time, dataSetIDs []string) {
		go func() {
			if err := monitor.Run(context.Background(), hash, onSuccessType, upToTimestamp, dataSetIDs); err != nil {
				log.Error(err, "monitor workflow stopped", "hash", hash.Hex())
			}
		}()
	}

	rep := reporter.New(chainClient, st, analyticsWriter, log, reporter.Config{
		GenesisMs: cfg.Chain.GenesisMs, OperatorContract: common.HexToAddress(cfg.Chain.OperatorContract),
	}, spawn).SetMetrics(metricsReg)

	resumeMonitorWorkflows(ctx, st, monitor, log)

	go runReporterSchedule(ctx, rep, log)
	go runQueueConsumer(ctx, queue, rep, log)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.MetricsPort,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	go func() {
		log.Info("reporter health/metrics listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(err, "reporter server stopped")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}

// resumeMonitorWorkflows restarts a poll loop for every workflow instance
// still pending in the store, so an in-flight submission survives a
// reporter process restart (§4.4 "durable, resumable poll loop").
func resumeMonitorWorkflows(ctx context.Context, st *store.Store, monitor *txmonitor.Monitor, log logr.Logger) {
	pending, err := st.PendingMonitorWorkflows(ctx)
	if err != nil {
		log.Error(err, "listing pending monitor workflows")
		return
	}
	for _, wf := range pending {
		wf := wf
		go func() {
			hash := common.HexToHash(wf.TransactionHash)
			if err := monitor.Run(context.Background(), hash, wf.OnSuccessType, wf.UpToTimestamp, nil); err != nil {
				log.Error(err, "resumed monitor workflow stopped", "hash", wf.TransactionHash)
			}
		}()
	}
	if len(pending) > 0 {
		log.Info("resumed pending monitor workflows", "count", len(pending))
	}
}

// runReporterSchedule fires Reporter.Run once an hour from a time.Ticker.
// The reporter.cron_schedule setting is not read; no cron expression is
// parsed.
func runReporterSchedule(ctx context.Context, rep *reporter.Reporter, log logr.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := rep.Run(ctx); err != nil {
				log.Error(err, "scheduled usage report run failed")
			}
		}
	}
}

// runQueueConsumer drains the transaction-monitor's outgoing stream,
// dispatching each message to the reporter's handlers (§4.3 queue
// consumer, §4.4 retry handler).
func runQueueConsumer(ctx context.Context, queue *txqueue.Queue, rep *reporter.Reporter, log logr.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		entries, err := queue.ReadGroup(ctx, "reporter", 10, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error(err, "reading txqueue")
			continue
		}
		for _, e := range entries {
			if err := rep.HandleMessage(ctx, e.Message); err != nil {
				log.Error(err, "handling txqueue message", "type", e.Message.Type, "hash", e.Message.TransactionHash)
				continue
			}
			if err := queue.Ack(ctx, e.ID); err != nil {
				log.Error(err, "acking txqueue message", "id", e.ID)
			}
		}
	}
}
