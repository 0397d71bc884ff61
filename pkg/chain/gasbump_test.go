package chain_test

import (
	"math/big"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/filbeam/filbeam-core/pkg/chain"
)

func TestChain(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Chain Gas Bump Suite")
}

var _ = Describe("BumpedFees", func() {
	It("bumps the tip by 25.2% plus one wei", func() {
		tip, _, _ := chain.BumpedFees(big.NewInt(1000), big.NewInt(21000), big.NewInt(21000), big.NewInt(0))
		// ceil(1000*1.252)+1 = 1253
		Expect(tip.Int64()).To(Equal(int64(1253)))
	})

	It("bumps the gas limit by 10% using the larger of orig and recent", func() {
		_, gasLimit, _ := chain.BumpedFees(big.NewInt(1000), big.NewInt(21000), big.NewInt(30000), big.NewInt(0))
		// ceil(30000*1.1) = 33000
		Expect(gasLimit.Int64()).To(Equal(int64(33000)))
	})

	It("caps the gas limit at 1e10", func() {
		_, gasLimit, _ := chain.BumpedFees(big.NewInt(1000), big.NewInt(0), new(big.Int).SetInt64(20_000000000), big.NewInt(0))
		Expect(gasLimit.String()).To(Equal("10000000000"))
	})

	It("takes the fee cap as the max of the new tip and the recent fee cap", func() {
		_, _, feeCap := chain.BumpedFees(big.NewInt(1000), big.NewInt(21000), big.NewInt(21000), big.NewInt(5000))
		Expect(feeCap.Int64()).To(Equal(int64(5000)))

		_, _, feeCap2 := chain.BumpedFees(big.NewInt(1000), big.NewInt(21000), big.NewInt(21000), big.NewInt(1))
		Expect(feeCap2.Int64()).To(Equal(int64(1253)))
	})
})
