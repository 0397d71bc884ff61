// Code generated in the style of abigen bindings — hand-trimmed to the two
// methods FilBeam actually calls. Do not regenerate from the full ABI;
// add methods here as new call sites need them.
package chain

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// OperatorABI is the input ABI used to generate the FilBeamOperator binding.
const OperatorABI = `[
	{"inputs":[
		{"internalType":"uint256","name":"upToEpoch","type":"uint256"},
		{"internalType":"uint256[]","name":"dataSetIds","type":"uint256[]"},
		{"internalType":"uint256[]","name":"cdnBytesUsed","type":"uint256[]"},
		{"internalType":"uint256[]","name":"cacheMissBytesUsed","type":"uint256[]"}
	],"name":"recordUsageRollups","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"internalType":"uint256","name":"dataSetId","type":"uint256"}],
	 "name":"dataSetUsage",
	 "outputs":[
		{"internalType":"uint256","name":"cdnUnsettled","type":"uint256"},
		{"internalType":"uint256","name":"cacheMissUnsettled","type":"uint256"}
	 ],"stateMutability":"view","type":"function"}
]`

// OperatorCaller is a read-only binding to a FilBeamOperator contract.
type OperatorCaller struct {
	contract *bind.BoundContract
}

// OperatorTransactor is a write-only binding to a FilBeamOperator contract.
type OperatorTransactor struct {
	contract *bind.BoundContract
}

// Operator is the combined read/write binding to a FilBeamOperator contract,
// implementing §6's two entry points: recordUsageRollups and dataSetUsage.
type Operator struct {
	OperatorCaller
	OperatorTransactor
	address common.Address
}

// NewOperator binds a new Operator instance at address, using backend for
// both calls and transactions.
func NewOperator(address common.Address, backend bind.ContractBackend) (*Operator, error) {
	parsed, err := abi.JSON(strings.NewReader(OperatorABI))
	if err != nil {
		return nil, err
	}
	contract := bind.NewBoundContract(address, parsed, backend, backend, backend)
	return &Operator{
		OperatorCaller:     OperatorCaller{contract: contract},
		OperatorTransactor: OperatorTransactor{contract: contract},
		address:            address,
	}, nil
}

// SubmitRecordUsageRollups issues the operator contract's
// recordUsageRollups transaction (§4.3 step 4, §6) and returns its hash.
func (o *Operator) SubmitRecordUsageRollups(opts *bind.TransactOpts, upToEpoch *big.Int, dataSetIDs, cdnBytesUsed, cacheMissBytesUsed []*big.Int) (common.Hash, error) {
	tx, err := o.contract.Transact(opts, "recordUsageRollups", upToEpoch, dataSetIDs, cdnBytesUsed, cacheMissBytesUsed)
	if err != nil {
		return common.Hash{}, err
	}
	return tx.Hash(), nil
}

// DataSetUsage reads the operator contract's dataSetUsage view (§6).
func (o *OperatorCaller) DataSetUsage(opts *bind.CallOpts, dataSetID *big.Int) (cdnUnsettled, cacheMissUnsettled *big.Int, err error) {
	var out []interface{}
	err = o.contract.Call(opts, &out, "dataSetUsage", dataSetID)
	if err != nil {
		return nil, nil, err
	}
	return out[0].(*big.Int), out[1].(*big.Int), nil
}
