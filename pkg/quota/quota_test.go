package quota_test

import (
	"math/big"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/filbeam/filbeam-core/pkg/quota"
)

func TestQuota(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Quota Math Suite")
}

var _ = Describe("CalculateEgressQuota", func() {
	It("computes floor(lockup * 2^40 / rate)", func() {
		lockup := big.NewInt(5_000000000000000000) // 5e18
		rate := big.NewInt(5_000000000000000000)   // 5e18
		got := quota.CalculateEgressQuota(lockup, rate)
		want := new(big.Int).Lsh(big.NewInt(1), 40) // 2^40
		Expect(got.Cmp(want)).To(Equal(0))
	})

	It("returns zero when rate is zero", func() {
		got := quota.CalculateEgressQuota(big.NewInt(100), big.NewInt(0))
		Expect(got.Sign()).To(Equal(0))
	})

	It("matches the example-4 top-up scenario", func() {
		// cdn_amount_added = 5e18, rate = 5e18 -> exactly 2^40 bytes.
		cdn := quota.CalculateEgressQuota(big.NewInt(5_000000000000000000), big.NewInt(5_000000000000000000))
		// cache_miss_amount_added = 10e18, rate = 5e18 -> 2 * 2^40 bytes.
		cacheMiss := quota.CalculateEgressQuota(big.NewInt(10_000000000000000000), big.NewInt(5_000000000000000000))

		oneTiB := new(big.Int).Lsh(big.NewInt(1), 40)
		Expect(cdn.Cmp(oneTiB)).To(Equal(0))
		Expect(cacheMiss.Cmp(new(big.Int).Mul(big.NewInt(2), oneTiB))).To(Equal(0))
	})

	It("is additive across repeated top-ups without overflow", func() {
		rate := big.NewInt(1_000000000000000000)
		total := big.NewInt(0)
		for i := 0; i < 1000; i++ {
			total.Add(total, quota.CalculateEgressQuota(big.NewInt(1_000000000000000000), rate))
		}
		expected := new(big.Int).Mul(big.NewInt(1000), new(big.Int).Lsh(big.NewInt(1), 40))
		Expect(total.Cmp(expected)).To(Equal(0))
	})

	It("floors rather than rounds", func() {
		// 2 * 2^40 / 3 = 733007751850.67, floored to 733007751850.
		got := quota.CalculateEgressQuota(big.NewInt(2), big.NewInt(3))
		Expect(got.Int64()).To(Equal(int64(733007751850)))
	})
})
