package txqueue_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	"github.com/filbeam/filbeam-core/pkg/txqueue"
)

func TestTxQueue(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Tx Queue Suite")
}

var _ = Describe("Queue", func() {
	var (
		mr  *miniredis.Miniredis
		rdb *redis.Client
		q   *txqueue.Queue
		ctx context.Context
	)

	BeforeEach(func() {
		var err error
		mr, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		rdb = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		q = txqueue.New(rdb, "filbeam:tx", "reporter")
		ctx = context.Background()
		Expect(q.EnsureGroup(ctx)).To(Succeed())
	})

	AfterEach(func() {
		rdb.Close()
		mr.Close()
	})

	It("round-trips a transaction-confirmed message", func() {
		msg := txqueue.Message{
			Type:            txqueue.TypeTransactionConfirmed,
			TransactionHash: "0xabc",
			UpToTimestamp:   1700000000000,
			DataSetIDs:      []string{"1", "2"},
		}
		Expect(q.Publish(ctx, msg)).To(Succeed())

		entries, err := q.ReadGroup(ctx, "worker-1", 10, time.Millisecond)
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(1))
		Expect(entries[0].Message).To(Equal(msg))

		Expect(q.Ack(ctx, entries[0].ID)).To(Succeed())
	})

	It("is idempotent to create the group twice", func() {
		Expect(q.EnsureGroup(ctx)).To(Succeed())
	})

	It("returns no entries when the stream is empty", func() {
		entries, err := q.ReadGroup(ctx, "worker-1", 10, time.Millisecond)
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(BeEmpty())
	})
})
