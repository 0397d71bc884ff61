package chain

import "math/big"

// maxGasLimit caps the bumped gas limit at 1e10, matching §4.4 step 3.
var maxGasLimit = big.NewInt(10_000000000)

// BumpedFees computes the replacement fee parameters for a stuck
// transaction (§4.4 step 3):
//
//	new_tip       = ceil(orig_tip * 1.252 + 1)
//	new_gas_limit = min(ceil(max(orig_gas, recent_send_gas) * 1.1), 1e10)
//	new_fee_cap   = max(new_tip, recent_fee_cap)
func BumpedFees(origTip, origGasLimit, recentSendGasLimit, recentFeeCap *big.Int) (newTip, newGasLimit, newFeeCap *big.Int) {
	// ceil(origTip * 1252 / 1000) + 1, done in integer math to stay exact.
	scaled := new(big.Int).Mul(origTip, big.NewInt(1252))
	newTip = ceilDiv(scaled, big.NewInt(1000))
	newTip.Add(newTip, big.NewInt(1))

	baseGas := origGasLimit
	if recentSendGasLimit.Cmp(baseGas) > 0 {
		baseGas = recentSendGasLimit
	}
	scaledGas := new(big.Int).Mul(baseGas, big.NewInt(11))
	newGasLimit = ceilDiv(scaledGas, big.NewInt(10))
	if newGasLimit.Cmp(maxGasLimit) > 0 {
		newGasLimit = new(big.Int).Set(maxGasLimit)
	}

	newFeeCap = newTip
	if recentFeeCap.Cmp(newTip) > 0 {
		newFeeCap = new(big.Int).Set(recentFeeCap)
	}
	return newTip, newGasLimit, newFeeCap
}

// ceilDiv returns ceil(a / b) for positive a, b.
func ceilDiv(a, b *big.Int) *big.Int {
	q, r := new(big.Int), new(big.Int)
	q.DivMod(a, b, r)
	if r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}
