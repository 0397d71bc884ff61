// Package indexerjobs implements the Event Indexer's cron schedule
// (§4.2): the subgraph health probe, stale-wallet sanction screening,
// and settlement-stats sampling run concurrently on every tick.
package indexerjobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/filbeam/filbeam-core/pkg/analytics"
	"github.com/filbeam/filbeam-core/pkg/sanctions"
	"github.com/filbeam/filbeam-core/pkg/store"
	"github.com/filbeam/filbeam-core/pkg/subgraph"
)

// Store is the subset of pkg/store.Store the scheduled tasks need.
type Store interface {
	StaleWallets(ctx context.Context, staleBefore time.Time, limit int) ([]string, error)
	UpsertWalletDetails(ctx context.Context, address string, isSanctioned bool, screenedAt time.Time) error
	DataSetWithOldestUnsettledUsage(ctx context.Context) (*store.DataSet, error)
}

// Config carries the batch size and staleness threshold for wallet
// screening (§2, §4.2 schedule paragraph).
type Config struct {
	BatchSize      int
	StaleThreshold time.Duration
}

// Jobs fans out the three scheduled tasks on every Run call.
type Jobs struct {
	store     Store
	sanctions sanctions.Screener
	subgraph  subgraph.Prober
	analytics analytics.Writer
	log       logr.Logger
	cfg       Config
}

// New builds a Jobs runner.
func New(s Store, screener sanctions.Screener, prober subgraph.Prober, a analytics.Writer, log logr.Logger, cfg Config) *Jobs {
	return &Jobs{store: s, sanctions: screener, subgraph: prober, analytics: a, log: log, cfg: cfg}
}

// Run executes one scheduled tick. Each of the three tasks runs
// concurrently; one task's failure does not cancel the others (§7
// "aggregate siblings, throw an aggregate error") — their errors are
// logged individually and folded into a single joined error for the
// caller.
func (j *Jobs) Run(ctx context.Context) error {
	runID := uuid.New().String()
	log := j.log.WithValues("run_id", runID)
	log.Info("scheduled indexer tick starting")

	g, gctx := errgroup.WithContext(context.Background())
	var errs []error

	tasks := []func(context.Context) error{
		j.probeSubgraph,
		j.screenStaleWallets,
		j.sampleSettlementStats,
	}
	results := make([]error, len(tasks))
	for i, task := range tasks {
		i, task := i, task
		g.Go(func() error {
			results[i] = task(gctx)
			return nil
		})
	}
	_ = g.Wait()

	for _, err := range results {
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

// probeSubgraph implements §4.2 schedule task (a): probe the subgraph's
// `_meta` endpoint and write a health point. A probe failure is logged
// and suppressed rather than failing the cron batch (§7).
func (j *Jobs) probeSubgraph(ctx context.Context) error {
	if j.subgraph == nil {
		return nil
	}
	start := time.Now()
	status, err := j.subgraph.Probe(ctx)
	if err != nil {
		j.log.Error(err, "subgraph probe failed")
		return nil
	}
	lagMs := time.Since(start).Milliseconds()
	errorFlag := 0
	if status.HasIndexingErrors {
		errorFlag = 1
	}
	if j.analytics == nil {
		return nil
	}
	if err := j.analytics.WritePoint(ctx, map[string]any{
		"block_number": status.BlockNumber,
		"errors":       errorFlag,
		"lag_ms":       lagMs,
	}); err != nil {
		j.log.Error(err, "writing subgraph probe analytics point")
	}
	return nil
}

// screenStaleWallets implements §4.2 schedule task (b): rescreen up to
// BatchSize wallets whose last screening is missing or stale.
func (j *Jobs) screenStaleWallets(ctx context.Context) error {
	if j.sanctions == nil {
		return nil
	}
	staleBefore := time.Now().Add(-j.cfg.StaleThreshold)
	addrs, err := j.store.StaleWallets(ctx, staleBefore, j.cfg.BatchSize)
	if err != nil {
		j.log.Error(err, "listing stale wallets")
		return fmt.Errorf("listing stale wallets: %w", err)
	}
	for _, addr := range addrs {
		sanctioned, err := j.sanctions.IsSanctioned(ctx, addr)
		if err != nil {
			j.log.Error(err, "screening wallet", "address", addr)
			continue
		}
		if err := j.store.UpsertWalletDetails(ctx, addr, sanctioned, time.Now()); err != nil {
			j.log.Error(err, "updating wallet screening result", "address", addr)
		}
	}
	return nil
}

// sampleSettlementStats implements §4.2 schedule task (c): write a data
// point for the data set with the oldest unsettled usage.
func (j *Jobs) sampleSettlementStats(ctx context.Context) error {
	ds, err := j.store.DataSetWithOldestUnsettledUsage(ctx)
	if err != nil {
		j.log.Error(err, "finding oldest unsettled data set")
		return fmt.Errorf("finding oldest unsettled data set: %w", err)
	}
	if ds == nil || j.analytics == nil {
		return nil
	}
	nowMs := time.Now().UnixMilli()
	if err := j.analytics.WritePoint(ctx, map[string]any{
		"usage_reported_until_ms": ds.UsageReportedUntil.UnixMilli(),
		"now_that_ms":             nowMs - ds.UsageReportedUntil.UnixMilli(),
		"data_set_id":             ds.ID,
	}); err != nil {
		j.log.Error(err, "writing settlement stats analytics point")
	}
	return nil
}
