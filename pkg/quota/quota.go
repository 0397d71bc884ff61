// Package quota implements the arbitrary-precision egress-quota math
// described in spec §3/§4.5/§8: converting a locked-up rail top-up into a
// byte quota.
package quota

import "math/big"

// bytesPerTiB is 2^40, the byte count of one tebibyte.
var bytesPerTiB = new(big.Int).Lsh(big.NewInt(1), 40)

// CalculateEgressQuota implements §4.5/§8:
// calculateEgressQuota(lockup, ratePerTiB) = floor(lockup * 2^40 / ratePerTiB).
// calculateEgressQuota(_, 0) = 0.
func CalculateEgressQuota(lockup, ratePerTiB *big.Int) *big.Int {
	if ratePerTiB == nil || ratePerTiB.Sign() == 0 {
		return big.NewInt(0)
	}
	numerator := new(big.Int).Mul(lockup, bytesPerTiB)
	return new(big.Int).Div(numerator, ratePerTiB)
}
