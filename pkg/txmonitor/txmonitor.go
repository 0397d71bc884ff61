// Package txmonitor implements the Transaction Monitor Workflow (§4.4): a
// durable, resumable poll loop that watches a submitted
// recordUsageRollups transaction through to one of three outcomes —
// CONFIRMED, STUCK, or REPLACED — bounded by both attempt count and
// wall-clock duration (§5).
package txmonitor

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/go-logr/logr"

	"github.com/filbeam/filbeam-core/pkg/metrics"
	"github.com/filbeam/filbeam-core/pkg/txqueue"
)

// ChainReader is the subset of pkg/chain.Client the monitor needs to
// evaluate a pending transaction. Defined here so tests can substitute a
// fake without dialing a real node.
type ChainReader interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
}

// WorkflowStore is the subset of pkg/store.Store the monitor needs to
// keep a workflow's persisted progress in sync across restarts.
type WorkflowStore interface {
	IncrementMonitorWorkflowAttempts(ctx context.Context, txHash string) error
	CompleteMonitorWorkflow(ctx context.Context, txHash, state string) error
}

// Outcome is the terminal result of a single poll iteration's evaluation.
type Outcome int

const (
	// Pending means the transaction is neither mined nor stale yet; keep
	// polling.
	Pending Outcome = iota
	// Confirmed means the transaction was mined successfully.
	Confirmed
	// Stuck means the transaction has exceeded the staleness window
	// without being mined and should be replaced with a gas-bumped
	// resubmission.
	Stuck
	// Replaced means a different transaction landed at the same nonce
	// (the chain dropped ours in favor of a competing replacement).
	Replaced
)

// Config bounds a single workflow instance's polling (§5).
type Config struct {
	PollInterval    time.Duration
	StalenessWindow time.Duration // wall-clock duration after which Pending becomes Stuck
	MaxAttempts     int
}

// DefaultConfig matches the epoch cadence described in §2 (30s epochs),
// polling at a quarter of that.
func DefaultConfig() Config {
	return Config{
		PollInterval:    7500 * time.Millisecond,
		StalenessWindow: 10 * time.Minute,
		MaxAttempts:     240,
	}
}

// Monitor polls the chain for a single in-flight transaction and reports
// its outcome, persisting progress to the store so the workflow survives
// process restarts.
type Monitor struct {
	chain  ChainReader
	store  WorkflowStore
	queue  *txqueue.Queue
	log     logr.Logger
	config  Config
	metrics *metrics.Registry
}

// SetMetrics attaches a metrics.Registry the monitor will report
// outcome counts to. Nil-safe.
func (m *Monitor) SetMetrics(reg *metrics.Registry) *Monitor {
	m.metrics = reg
	return m
}

// New builds a Monitor. store may be nil, in which case workflow progress
// is tracked only in memory for the lifetime of Run (used by tests).
func New(c ChainReader, s WorkflowStore, q *txqueue.Queue, log logr.Logger, cfg Config) *Monitor {
	return &Monitor{chain: c, store: s, queue: q, log: log, config: cfg}
}

// Evaluate performs one poll iteration against hash, started at
// startedAt with attempts prior attempts recorded, and returns the
// outcome reached, if any (Pending otherwise).
func (m *Monitor) Evaluate(ctx context.Context, hash common.Hash, startedAt time.Time, attempts int) (Outcome, error) {
	receipt, err := m.chain.TransactionReceipt(ctx, hash)
	if err == nil {
		if receipt.Status == 1 {
			return Confirmed, nil
		}
		// Mined but reverted: treat as stuck so the retry handler
		// resubmits with bumped fees.
		return Stuck, nil
	}
	if !errors.Is(err, ethereum.NotFound) {
		return Pending, err
	}

	_, isPending, err := m.chain.TransactionByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			// Dropped from the mempool entirely and never mined:
			// another transaction at the same nonce must have won.
			return Replaced, nil
		}
		return Pending, err
	}
	if !isPending {
		return Replaced, nil
	}

	if attempts >= m.config.MaxAttempts || time.Since(startedAt) >= m.config.StalenessWindow {
		return Stuck, nil
	}
	return Pending, nil
}

// Run drives a single workflow instance's poll loop to completion,
// publishing the resulting queue message and returning once a terminal
// outcome is reached or ctx is canceled.
func (m *Monitor) Run(ctx context.Context, hash common.Hash, onSuccessType string, upToTimestamp time.Time, dataSetIDs []string) error {
	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	startedAt := time.Now()
	attempts := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			attempts++
			if m.store != nil {
				if err := m.store.IncrementMonitorWorkflowAttempts(ctx, hash.Hex()); err != nil {
					m.log.Error(err, "persisting monitor workflow attempt", "hash", hash.Hex())
				}
			}
			outcome, err := m.Evaluate(ctx, hash, startedAt, attempts)
			if err != nil {
				m.log.Error(err, "polling transaction receipt", "hash", hash.Hex(), "attempt", attempts)
				continue
			}
			switch outcome {
			case Pending:
				continue
			case Confirmed:
				m.recordOutcome("confirmed")
				m.complete(ctx, hash, "confirmed")
				return m.queue.Publish(ctx, txqueue.Message{
					Type:            onSuccessType,
					TransactionHash: hash.Hex(),
					UpToTimestamp:   upToTimestamp.UnixMilli(),
					DataSetIDs:      dataSetIDs,
				})
			case Stuck, Replaced:
				state := "stuck"
				if outcome == Replaced {
					state = "replaced"
				}
				m.recordOutcome(state)
				m.complete(ctx, hash, state)
				return m.queue.Publish(ctx, txqueue.Message{
					Type:            txqueue.TypeTransactionRetry,
					TransactionHash: hash.Hex(),
					UpToTimestamp:   upToTimestamp.UnixMilli(),
					DataSetIDs:      dataSetIDs,
				})
			}
		}
	}
}

// recordOutcome increments the outcome counter for state. Nil-safe.
func (m *Monitor) recordOutcome(state string) {
	if m.metrics == nil {
		return
	}
	m.metrics.MonitorOutcomes.WithLabelValues(state).Inc()
}

func (m *Monitor) complete(ctx context.Context, hash common.Hash, state string) {
	if m.store == nil {
		return
	}
	if err := m.store.CompleteMonitorWorkflow(ctx, hash.Hex(), state); err != nil {
		m.log.Error(err, "completing monitor workflow", "hash", hash.Hex(), "state", state)
	}
}
