package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "github.com/0xrifai/pharos-network/internal/errors"
	"github.com/0xrifai/pharos-network/internal/web3"
)

const defaultPollInterval = time.Second

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name   string
	RPCURL string
	// ChainID skips network probing when non-zero.
	ChainID      uint64
	PollInterval time.Duration
}

// Backend is the subset of go-ethereum client methods the ledger needs. Both
// ethclient.Client and the simulated backend client satisfy it.
type Backend interface {
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Client implements web3.Ledger for EVM compatible chains.
type Client struct {
	name         string
	rpcURL       string
	rpcClient    *gethrpc.Client
	backend      Backend
	pollInterval time.Duration

	mu      sync.Mutex
	chainID *big.Int
}

var _ web3.Ledger = (*Client)(nil)

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "rpc url is required")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeRemoteTransient, err, "dial rpc endpoint")
	}

	client := NewClientWithBackend(cfg.Name, ethclient.NewClient(rpcClient), cfg.ChainID, cfg.PollInterval)
	client.rpcURL = rpcURL
	client.rpcClient = rpcClient
	return client, nil
}

// NewClientWithBackend wraps an existing backend, e.g. a simulated chain.
func NewClientWithBackend(name string, backend Backend, chainID uint64, pollInterval time.Duration) *Client {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	c := &Client{name: name, backend: backend, pollInterval: pollInterval}
	if chainID != 0 {
		c.chainID = new(big.Int).SetUint64(chainID)
	}
	return c
}

// Name returns the configured chain name.
func (c *Client) Name() string { return c.name }

// RPCURL returns the endpoint the client was dialled with.
func (c *Client) RPCURL() string { return c.rpcURL }

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

// ChainID returns the configured chain id or asks the node once.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	cached := c.chainID
	c.mu.Unlock()
	if cached != nil {
		return new(big.Int).Set(cached), nil
	}

	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeRemoteTransient, err, "fetch chain id")
	}
	c.mu.Lock()
	c.chainID = new(big.Int).Set(id)
	c.mu.Unlock()
	return id, nil
}

// Allowance reads token.allowance(owner, spender).
func (c *Client) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	var out *big.Int
	if err := c.call(ctx, token, &out, "allowance", owner, spender); err != nil {
		return nil, err
	}
	return out, nil
}

// TokenInfo reads the symbol, decimals and balance of holder.
func (c *Client) TokenInfo(ctx context.Context, token, holder common.Address) (web3.TokenInfo, error) {
	var info web3.TokenInfo
	if err := c.call(ctx, token, &info.Symbol, "symbol"); err != nil {
		return web3.TokenInfo{}, err
	}
	if err := c.call(ctx, token, &info.Decimals, "decimals"); err != nil {
		return web3.TokenInfo{}, err
	}
	if err := c.call(ctx, token, &info.Balance, "balanceOf", holder); err != nil {
		return web3.TokenInfo{}, err
	}
	return info, nil
}

func (c *Client) call(ctx context.Context, contract common.Address, out any, method string, args ...any) error {
	data, err := ERC20.Pack(method, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "pack "+method)
	}
	raw, err := c.backend.CallContract(ctx, gethcore.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeRemoteTransient, err, "call "+method)
	}
	if len(raw) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("%s returned no data, %s is not a token contract", method, contract.Hex()))
	}
	values, err := ERC20.Unpack(method, raw)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "unpack "+method)
	}
	if len(values) != 1 {
		return xerrors.New(xerrors.CodeInvalidArgument, "unexpected "+method+" result")
	}
	switch dst := out.(type) {
	case **big.Int:
		v, ok := values[0].(*big.Int)
		if !ok {
			return xerrors.New(xerrors.CodeInvalidArgument, method+" is not a uint256")
		}
		*dst = v
	case *uint8:
		v, ok := values[0].(uint8)
		if !ok {
			return xerrors.New(xerrors.CodeInvalidArgument, method+" is not a uint8")
		}
		*dst = v
	case *string:
		v, ok := values[0].(string)
		if !ok {
			return xerrors.New(xerrors.CodeInvalidArgument, method+" is not a string")
		}
		*dst = v
	default:
		return fmt.Errorf("unsupported output type %T", out)
	}
	return nil
}

// PendingNonce returns the next nonce including pending transactions.
func (c *Client) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	nonce, err := c.backend.PendingNonceAt(ctx, account)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeRemoteTransient, err, "fetch pending nonce")
	}
	return nonce, nil
}

// Submit signs req as an EIP-1559 transaction and broadcasts it.
func (c *Client) Submit(ctx context.Context, signer web3.Signer, req web3.TxRequest) (common.Hash, error) {
	if !signer.Valid() {
		return common.Hash{}, xerrors.New(xerrors.CodeInvalidArgument, "missing signer")
	}
	if err := req.Fees.Validate(); err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid fee parameters")
	}
	chainID, err := c.ChainID(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}
	to := req.To
	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     req.Nonce,
		GasTipCap: req.Fees.MaxPriorityFeePerGas,
		GasFeeCap: req.Fees.MaxFeePerGas,
		Gas:       req.Fees.GasLimit,
		To:        &to,
		Value:     value,
		Data:      req.Data,
	})
	signed, err := signer.Sign(tx, chainID)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "sign transaction")
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeRemoteTransient, err, "send transaction")
	}
	return signed.Hash(), nil
}

// WaitConfirmed polls for the receipt of hash until it is mined or ctx ends.
func (c *Client) WaitConfirmed(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, gethcore.NotFound) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, xerrors.Wrap(xerrors.CodeRemoteTransient, err, "fetch receipt")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
