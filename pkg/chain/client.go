// Package chain wraps the go-ethereum RPC client and the FilBeamOperator
// contract binding used by the usage reporter and transaction monitor
// (§4.3, §4.4, §6).
package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Client bundles an ethclient.Client with a bound Operator contract and the
// controller key used to sign recordUsageRollups transactions.
type Client struct {
	eth        *ethclient.Client
	operator   *Operator
	controller *ecdsa.PrivateKey
	chainID    *big.Int
}

// Dial connects to rpcURL, binds the operator contract at operatorAddr, and
// loads the controller signing key from a raw hex-encoded ECDSA key.
func Dial(ctx context.Context, rpcURL string, operatorAddr common.Address, controllerKeyHex string) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dialing chain RPC: %w", err)
	}
	key, err := crypto.HexToECDSA(controllerKeyHex)
	if err != nil {
		return nil, fmt.Errorf("parsing controller key: %w", err)
	}
	chainID, err := ec.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching chain id: %w", err)
	}
	op, err := NewOperator(operatorAddr, ec)
	if err != nil {
		return nil, fmt.Errorf("binding operator contract: %w", err)
	}
	return &Client{eth: ec, operator: op, controller: key, chainID: chainID}, nil
}

// CurrentBlockNumber returns the chain's latest block number, used to
// derive the current epoch (§2, §4.3 step 1).
func (c *Client) CurrentBlockNumber(ctx context.Context) (uint64, error) {
	return c.eth.BlockNumber(ctx)
}

// ControllerAddress returns the address corresponding to the loaded
// controller key.
func (c *Client) ControllerAddress() common.Address {
	return crypto.PubkeyToAddress(c.controller.PublicKey)
}

// SimulateAndSubmitRollups builds, signs and submits a recordUsageRollups
// transaction using EIP-1559 fee suggestions (§4.3 step 4). It does not
// wait for confirmation — the caller hands the returned hash to the
// transaction monitor.
func (c *Client) SimulateAndSubmitRollups(ctx context.Context, operatorAddr common.Address, upToEpoch *big.Int, dataSetIDs, cdnBytesUsed, cacheMissBytesUsed []*big.Int) (common.Hash, error) {
	from := c.ControllerAddress()
	nonce, err := c.eth.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetching nonce: %w", err)
	}
	tip, err := c.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("suggesting gas tip: %w", err)
	}
	head, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetching head: %w", err)
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))

	auth, err := bind.NewKeyedTransactorWithChainID(c.controller, c.chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("building transactor: %w", err)
	}
	auth.Context = ctx
	auth.Nonce = new(big.Int).SetUint64(nonce)
	auth.GasTipCap = tip
	auth.GasFeeCap = feeCap

	return c.operator.SubmitRecordUsageRollups(auth, upToEpoch, dataSetIDs, cdnBytesUsed, cacheMissBytesUsed)
}

// TransactionByHash looks up a pending or mined transaction by hash,
// returning isPending so the monitor can distinguish STUCK from REPLACED.
func (c *Client) TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error) {
	return c.eth.TransactionByHash(ctx, hash)
}

// TransactionReceipt returns the receipt for a mined transaction, or
// ethereum.NotFound if it has not been mined yet.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	receipt, err := c.eth.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// SuggestGasTipCap exposes the node's current priority-fee suggestion.
func (c *Client) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return c.eth.SuggestGasTipCap(ctx)
}

// SuggestGasPrice exposes the node's gas price suggestion, which the
// gas-bump retry path uses as the recent fee cap (§4.4 step 3).
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return c.eth.SuggestGasPrice(ctx)
}

// SendSignedReplacement re-signs a same-nonce replacement transaction with
// bumped fees and submits it (§4.4 step 3).
func (c *Client) SendSignedReplacement(ctx context.Context, nonce uint64, to common.Address, data []byte, gasLimit uint64, tip, feeCap *big.Int) (common.Hash, error) {
	inner := &types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Data:      data,
	}
	signed, err := types.SignNewTx(c.controller, types.LatestSignerForChainID(c.chainID), inner)
	if err != nil {
		return common.Hash{}, fmt.Errorf("signing replacement tx: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("sending replacement tx: %w", err)
	}
	return signed.Hash(), nil
}
