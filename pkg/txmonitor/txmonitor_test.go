package txmonitor_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/filbeam/filbeam-core/pkg/txmonitor"
)

func TestTxMonitor(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Transaction Monitor Suite")
}

type fakeChain struct {
	receipt    *types.Receipt
	receiptErr error
	pendingTx  *types.Transaction
	isPending  bool
	byHashErr  error
}

func (f *fakeChain) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return f.receipt, f.receiptErr
}

func (f *fakeChain) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	return f.pendingTx, f.isPending, f.byHashErr
}

var _ = Describe("Monitor.Evaluate", func() {
	var (
		hash common.Hash
		cfg  txmonitor.Config
	)

	BeforeEach(func() {
		hash = common.HexToHash("0x1")
		cfg = txmonitor.Config{PollInterval: time.Millisecond, StalenessWindow: time.Minute, MaxAttempts: 3}
	})

	It("reports Confirmed when the receipt status is success", func() {
		fc := &fakeChain{receipt: &types.Receipt{Status: 1}}
		m := txmonitor.New(fc, nil, nil, logr.Discard(), cfg)
		outcome, err := m.Evaluate(context.Background(), hash, time.Now(), 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome).To(Equal(txmonitor.Confirmed))
	})

	It("reports Stuck when the receipt status is a revert", func() {
		fc := &fakeChain{receipt: &types.Receipt{Status: 0}}
		m := txmonitor.New(fc, nil, nil, logr.Discard(), cfg)
		outcome, err := m.Evaluate(context.Background(), hash, time.Now(), 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome).To(Equal(txmonitor.Stuck))
	})

	It("reports Replaced when the transaction is gone from the mempool entirely", func() {
		fc := &fakeChain{receiptErr: ethereum.NotFound, byHashErr: ethereum.NotFound}
		m := txmonitor.New(fc, nil, nil, logr.Discard(), cfg)
		outcome, err := m.Evaluate(context.Background(), hash, time.Now(), 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome).To(Equal(txmonitor.Replaced))
	})

	It("reports Replaced when found but no longer pending", func() {
		fc := &fakeChain{receiptErr: ethereum.NotFound, isPending: false}
		m := txmonitor.New(fc, nil, nil, logr.Discard(), cfg)
		outcome, err := m.Evaluate(context.Background(), hash, time.Now(), 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome).To(Equal(txmonitor.Replaced))
	})

	It("reports Pending while still within bounds", func() {
		fc := &fakeChain{receiptErr: ethereum.NotFound, isPending: true}
		m := txmonitor.New(fc, nil, nil, logr.Discard(), cfg)
		outcome, err := m.Evaluate(context.Background(), hash, time.Now(), 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome).To(Equal(txmonitor.Pending))
	})

	It("reports Stuck once attempts reach the bound", func() {
		fc := &fakeChain{receiptErr: ethereum.NotFound, isPending: true}
		m := txmonitor.New(fc, nil, nil, logr.Discard(), cfg)
		outcome, err := m.Evaluate(context.Background(), hash, time.Now(), 3)
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome).To(Equal(txmonitor.Stuck))
	})

	It("reports Stuck once the staleness window has elapsed", func() {
		fc := &fakeChain{receiptErr: ethereum.NotFound, isPending: true}
		m := txmonitor.New(fc, nil, nil, logr.Discard(), cfg)
		outcome, err := m.Evaluate(context.Background(), hash, time.Now().Add(-2*time.Minute), 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome).To(Equal(txmonitor.Stuck))
	})

	It("surfaces an unexpected receipt-lookup error", func() {
		fc := &fakeChain{receiptErr: errors.New("rpc unavailable")}
		m := txmonitor.New(fc, nil, nil, logr.Discard(), cfg)
		_, err := m.Evaluate(context.Background(), hash, time.Now(), 0)
		Expect(err).To(HaveOccurred())
	})
})
