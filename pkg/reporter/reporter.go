// Package reporter implements the Usage Reporter scheduled job (§4.3):
// aggregating unreported egress, submitting it on-chain, and handling the
// queue messages the transaction monitor emits for it, including the
// gas-bump retry handler (§4.4).
package reporter

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/go-logr/logr"

	"github.com/filbeam/filbeam-core/pkg/analytics"
	"github.com/filbeam/filbeam-core/pkg/chain"
	"github.com/filbeam/filbeam-core/pkg/epoch"
	"github.com/filbeam/filbeam-core/pkg/metrics"
	"github.com/filbeam/filbeam-core/pkg/store"
	"github.com/filbeam/filbeam-core/pkg/txqueue"
)

// ChainClient is the subset of pkg/chain.Client the reporter and its
// retry handler drive.
type ChainClient interface {
	CurrentBlockNumber(ctx context.Context) (uint64, error)
	SimulateAndSubmitRollups(ctx context.Context, operatorAddr common.Address, upToEpoch *big.Int, dataSetIDs, cdnBytesUsed, cacheMissBytesUsed []*big.Int) (common.Hash, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendSignedReplacement(ctx context.Context, nonce uint64, to common.Address, data []byte, gasLimit uint64, tip, feeCap *big.Int) (common.Hash, error)
}

// Store is the subset of pkg/store.Store the reporter needs.
type Store interface {
	AggregateUnreportedEgress(ctx context.Context, upToTimestamp time.Time) ([]store.EgressAggregate, error)
	MarkPendingUsageReportTx(ctx context.Context, dataSetIDs []string, txHash string) error
	CreateMonitorWorkflow(ctx context.Context, txHash, onSuccessType string, upToTimestamp time.Time) error
	AdvanceUsageReportedWatermark(ctx context.Context, txHash string, upToTimestamp time.Time) (int64, error)
	RewritePendingTxHash(ctx context.Context, oldHash, newHash string) (int64, error)
}

// SpawnMonitor launches a Transaction Monitor Workflow for hash. Kept as
// a function value (not a direct dependency on pkg/txmonitor) so the
// reporter doesn't need to know how the workflow is scheduled — the
// caller decides (detached goroutine, worker pool, ...).
type SpawnMonitor func(hash common.Hash, onSuccessType string, upToTimestamp time.Time, dataSetIDs []string)

// Config carries the values needed to convert epochs to timestamps and
// submit transactions (§2, §6).
type Config struct {
	GenesisMs        int64
	OperatorContract common.Address
}

// Reporter drives the scheduled aggregation/submission cycle and the
// queue-message handlers that react to its outcome.
type Reporter struct {
	chain        ChainClient
	store        Store
	analytics    analytics.Writer
	log          logr.Logger
	cfg          Config
	spawnMonitor SpawnMonitor
	metrics      *metrics.Registry
}

// New builds a Reporter.
func New(c ChainClient, s Store, a analytics.Writer, log logr.Logger, cfg Config, spawn SpawnMonitor) *Reporter {
	return &Reporter{chain: c, store: s, analytics: a, log: log, cfg: cfg, spawnMonitor: spawn}
}

// SetMetrics attaches a metrics.Registry the reporter will report batch
// sizes to. Nil-safe.
func (r *Reporter) SetMetrics(reg *metrics.Registry) *Reporter {
	r.metrics = reg
	return r
}

// Run executes one scheduled cycle (§4.3 steps 1-7). It is a no-op if
// there is nothing unreported.
func (r *Reporter) Run(ctx context.Context) error {
	current, err := r.chain.CurrentBlockNumber(ctx)
	if err != nil {
		return err
	}
	upToEpoch := int64(current) - 1
	upToTimestamp := epoch.ToTime(r.cfg.GenesisMs, upToEpoch)

	aggregates, err := r.store.AggregateUnreportedEgress(ctx, upToTimestamp)
	if err != nil {
		return err
	}
	if len(aggregates) == 0 {
		return nil
	}
	if r.metrics != nil {
		r.metrics.ReporterBatchSize.Observe(float64(len(aggregates)))
	}

	dataSetIDs := make([]string, len(aggregates))
	cdnBytes := make([]*big.Int, len(aggregates))
	cacheMissBytes := make([]*big.Int, len(aggregates))
	var cdnTotal, cacheMissTotal int64
	for i, agg := range aggregates {
		dataSetIDs[i] = agg.DataSetID
		cdnBytes[i] = big.NewInt(agg.CDNBytes)
		cacheMissBytes[i] = big.NewInt(agg.CacheMissBytes)
		cdnTotal += agg.CDNBytes
		cacheMissTotal += agg.CacheMissBytes
	}

	txHash, err := r.chain.SimulateAndSubmitRollups(ctx, r.cfg.OperatorContract, big.NewInt(upToEpoch), toBigIntIDs(dataSetIDs), cdnBytes, cacheMissBytes)
	if err != nil {
		return err
	}

	if err := r.store.MarkPendingUsageReportTx(ctx, dataSetIDs, txHash.Hex()); err != nil {
		return err
	}
	if err := r.store.CreateMonitorWorkflow(ctx, txHash.Hex(), txqueue.TypeTransactionConfirmed, upToTimestamp); err != nil {
		return err
	}
	if r.spawnMonitor != nil {
		r.spawnMonitor(txHash, txqueue.TypeTransactionConfirmed, upToTimestamp, dataSetIDs)
	}

	if r.analytics != nil {
		if err := r.analytics.WritePoint(ctx, map[string]any{
			"datasets_count":   len(aggregates),
			"now_ms":           time.Now().UnixMilli(),
			"cdn_total":        cdnTotal,
			"cache_miss_total": cacheMissTotal,
			"up_to_epoch":      upToEpoch,
		}); err != nil {
			r.log.Error(err, "writing reporter analytics point")
		}
	}
	return nil
}

// toBigIntIDs parses decimal data-set IDs into *big.Int for the contract
// call's uint256[] argument. The operator contract only ever assigns
// numeric data set IDs (§6).
func toBigIntIDs(ids []string) []*big.Int {
	out := make([]*big.Int, len(ids))
	for i, id := range ids {
		n, ok := new(big.Int).SetString(id, 10)
		if !ok {
			n = big.NewInt(0)
		}
		out[i] = n
	}
	return out
}

// HandleMessage dispatches a queue message on its Type (§4.3 queue
// consumer, §4.4 retry handler).
func (r *Reporter) HandleMessage(ctx context.Context, msg txqueue.Message) error {
	switch msg.Type {
	case txqueue.TypeTransactionConfirmed:
		return r.handleConfirmed(ctx, msg)
	case txqueue.TypeTransactionRetry:
		return r.handleRetry(ctx, msg)
	default:
		r.log.Error(nil, "unknown txqueue message type, dropping", "type", msg.Type)
		return nil
	}
}

func (r *Reporter) handleConfirmed(ctx context.Context, msg txqueue.Message) error {
	_, err := r.store.AdvanceUsageReportedWatermark(ctx, msg.TransactionHash, time.UnixMilli(msg.UpToTimestamp))
	return err
}

// handleRetry implements §4.4's full retry handler:
//  1. Re-check the receipt; if it confirmed in the meantime, treat it as
//     a confirmation instead of retrying.
//  2. Fetch the original transaction envelope.
//  3. Compute bumped fees via pkg/chain.BumpedFees.
//  4. Submit a same-nonce replacement.
//  5. Atomically rewrite every row pending on the old hash.
//  6. Spawn a new monitor workflow for the replacement hash.
func (r *Reporter) handleRetry(ctx context.Context, msg txqueue.Message) error {
	oldHash := common.HexToHash(msg.TransactionHash)

	if receipt, err := r.chain.TransactionReceipt(ctx, oldHash); err == nil && receipt.Status == 1 {
		return r.handleConfirmed(ctx, msg)
	}

	tx, isPending, err := r.chain.TransactionByHash(ctx, oldHash)
	if err != nil {
		return err
	}
	if !isPending {
		// Already mined (and didn't revert, per the check above) or
		// gone; nothing further to bump.
		return nil
	}

	recentFeeCap, err := r.chain.SuggestGasPrice(ctx)
	if err != nil {
		return err
	}
	newTip, newGasLimit, newFeeCap := chain.BumpedFees(tx.GasTipCap(), big.NewInt(int64(tx.Gas())), big.NewInt(int64(tx.Gas())), recentFeeCap)

	to := tx.To()
	if to == nil {
		return nil // contract-creation transactions never apply here (§6 always targets the operator contract)
	}
	newHash, err := r.chain.SendSignedReplacement(ctx, tx.Nonce(), *to, tx.Data(), newGasLimit.Uint64(), newTip, newFeeCap)
	if err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.GasBumps.Inc()
	}

	if _, err := r.store.RewritePendingTxHash(ctx, msg.TransactionHash, newHash.Hex()); err != nil {
		return err
	}
	upToTimestamp := time.UnixMilli(msg.UpToTimestamp)
	if err := r.store.CreateMonitorWorkflow(ctx, newHash.Hex(), txqueue.TypeTransactionConfirmed, upToTimestamp); err != nil {
		return err
	}
	if r.spawnMonitor != nil {
		r.spawnMonitor(newHash, txqueue.TypeTransactionConfirmed, upToTimestamp, msg.DataSetIDs)
	}
	return nil
}
