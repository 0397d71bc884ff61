package reporter_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/filbeam/filbeam-core/pkg/reporter"
	"github.com/filbeam/filbeam-core/pkg/store"
	"github.com/filbeam/filbeam-core/pkg/txqueue"
)

func TestReporter(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Reporter Suite")
}

type fakeChain struct {
	blockNumber  uint64
	submittedTo  common.Hash
	receipt      *types.Receipt
	receiptErr   error
	pendingTx    *types.Transaction
	isPending    bool
	byHashErr    error
	recentTip    *big.Int
	recentFeeCap *big.Int
	replacedHash common.Hash
}

func (f *fakeChain) CurrentBlockNumber(ctx context.Context) (uint64, error) {
	return f.blockNumber, nil
}

func (f *fakeChain) SimulateAndSubmitRollups(ctx context.Context, operatorAddr common.Address, upToEpoch *big.Int, dataSetIDs, cdnBytesUsed, cacheMissBytesUsed []*big.Int) (common.Hash, error) {
	return f.submittedTo, nil
}

func (f *fakeChain) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return f.receipt, f.receiptErr
}

func (f *fakeChain) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	return f.pendingTx, f.isPending, f.byHashErr
}

func (f *fakeChain) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return f.recentTip, nil
}

func (f *fakeChain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return f.recentFeeCap, nil
}

func (f *fakeChain) SendSignedReplacement(ctx context.Context, nonce uint64, to common.Address, data []byte, gasLimit uint64, tip, feeCap *big.Int) (common.Hash, error) {
	return f.replacedHash, nil
}

type fakeStore struct {
	aggregates       []store.EgressAggregate
	pendingTxHash    string
	pendingDataSets  []string
	confirmedHash    string
	confirmedUpTo    time.Time
	rewroteOld       string
	rewroteNew       string
	createdWorkflows []string
}

func (f *fakeStore) AggregateUnreportedEgress(ctx context.Context, upToTimestamp time.Time) ([]store.EgressAggregate, error) {
	return f.aggregates, nil
}

func (f *fakeStore) MarkPendingUsageReportTx(ctx context.Context, dataSetIDs []string, txHash string) error {
	f.pendingDataSets = dataSetIDs
	f.pendingTxHash = txHash
	return nil
}

func (f *fakeStore) CreateMonitorWorkflow(ctx context.Context, txHash, onSuccessType string, upToTimestamp time.Time) error {
	f.createdWorkflows = append(f.createdWorkflows, txHash)
	return nil
}

func (f *fakeStore) AdvanceUsageReportedWatermark(ctx context.Context, txHash string, upToTimestamp time.Time) (int64, error) {
	f.confirmedHash = txHash
	f.confirmedUpTo = upToTimestamp
	return 1, nil
}

func (f *fakeStore) RewritePendingTxHash(ctx context.Context, oldHash, newHash string) (int64, error) {
	f.rewroteOld, f.rewroteNew = oldHash, newHash
	return 1, nil
}

var _ = Describe("Reporter.Run", func() {
	It("does nothing when there is no unreported egress", func() {
		fc := &fakeChain{blockNumber: 101}
		fs := &fakeStore{}
		r := reporter.New(fc, fs, nil, logr.Discard(), reporter.Config{GenesisMs: 1598306400000}, nil)
		Expect(r.Run(context.Background())).To(Succeed())
		Expect(fs.pendingTxHash).To(BeEmpty())
	})

	It("submits, persists the pending hash, and spawns a monitor", func() {
		fc := &fakeChain{blockNumber: 101, submittedTo: common.HexToHash("0xdead")}
		fs := &fakeStore{aggregates: []store.EgressAggregate{
			{DataSetID: "1", CDNBytes: 2500, CacheMissBytes: 500},
			{DataSetID: "2", CDNBytes: 4000, CacheMissBytes: 1000},
		}}
		var spawned common.Hash
		r := reporter.New(fc, fs, nil, logr.Discard(), reporter.Config{GenesisMs: 1598306400000}, func(hash common.Hash, onSuccessType string, upToTimestamp time.Time, dataSetIDs []string) {
			spawned = hash
		})
		Expect(r.Run(context.Background())).To(Succeed())
		Expect(fs.pendingTxHash).To(Equal(fc.submittedTo.Hex()))
		Expect(fs.pendingDataSets).To(Equal([]string{"1", "2"}))
		Expect(spawned).To(Equal(fc.submittedTo))
		Expect(fs.createdWorkflows).To(ContainElement(fc.submittedTo.Hex()))
	})
})

var _ = Describe("Reporter.HandleMessage", func() {
	It("advances the watermark on transaction-confirmed", func() {
		fs := &fakeStore{}
		r := reporter.New(&fakeChain{}, fs, nil, logr.Discard(), reporter.Config{}, nil)
		msg := txqueue.Message{Type: txqueue.TypeTransactionConfirmed, TransactionHash: "0xabc", UpToTimestamp: 123}
		Expect(r.HandleMessage(context.Background(), msg)).To(Succeed())
		Expect(fs.confirmedHash).To(Equal("0xabc"))
	})

	It("treats a retry as a confirmation if the receipt succeeded in the meantime", func() {
		fc := &fakeChain{receipt: &types.Receipt{Status: 1}}
		fs := &fakeStore{}
		r := reporter.New(fc, fs, nil, logr.Discard(), reporter.Config{}, nil)
		msg := txqueue.Message{Type: txqueue.TypeTransactionRetry, TransactionHash: "0xabc", UpToTimestamp: 123}
		Expect(r.HandleMessage(context.Background(), msg)).To(Succeed())
		Expect(fs.confirmedHash).To(Equal("0xabc"))
	})

	It("drops an unknown message type without returning an error", func() {
		r := reporter.New(&fakeChain{}, &fakeStore{}, nil, logr.Discard(), reporter.Config{}, nil)
		Expect(r.HandleMessage(context.Background(), txqueue.Message{Type: "unknown"})).To(Succeed())
	})
})
