package web3

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
)

// Ledger is the remote chain as seen by the automation core. Every method
// may fail with a transient remote error.
type Ledger interface {
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	TokenInfo(ctx context.Context, token, holder common.Address) (TokenInfo, error)
	PendingNonce(ctx context.Context, account common.Address) (uint64, error)
	Submit(ctx context.Context, signer Signer, req TxRequest) (common.Hash, error)
	// WaitConfirmed blocks until the transaction is mined or ctx is done.
	WaitConfirmed(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	ChainID(ctx context.Context) (*big.Int, error)
	Close()
}

// FeeParams are the explicit EIP-1559 fee settings attached to a submission.
type FeeParams struct {
	GasLimit             uint64
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// Gwei converts a whole gwei amount to wei.
func Gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(params.GWei))
}

// WithDefaults fills unset fields from fallback.
func (f FeeParams) WithDefaults(fallback FeeParams) FeeParams {
	if f.GasLimit == 0 {
		f.GasLimit = fallback.GasLimit
	}
	if f.MaxFeePerGas == nil {
		f.MaxFeePerGas = fallback.MaxFeePerGas
	}
	if f.MaxPriorityFeePerGas == nil {
		f.MaxPriorityFeePerGas = fallback.MaxPriorityFeePerGas
	}
	return f
}

// Validate rejects incomplete or inconsistent fee settings.
func (f FeeParams) Validate() error {
	if f.GasLimit == 0 {
		return errors.New("gas limit must be positive")
	}
	if f.MaxFeePerGas == nil || f.MaxPriorityFeePerGas == nil {
		return errors.New("fee caps are required")
	}
	if f.MaxPriorityFeePerGas.Cmp(f.MaxFeePerGas) > 0 {
		return errors.New("priority fee exceeds max fee")
	}
	return nil
}

// TxRequest is an unsigned state-changing call.
type TxRequest struct {
	To    common.Address
	Data  []byte
	Value *big.Int
	Nonce uint64
	Fees  FeeParams
}

// TokenInfo describes an ERC-20 token from the point of view of one holder.
type TokenInfo struct {
	Symbol   string
	Decimals uint8
	Balance  *big.Int
}

// Signer carries a private key explicitly through the call chain.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner parses a hex encoded private key, with or without 0x prefix.
func NewSigner(hexKey string) (Signer, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if raw == "" {
		return Signer{}, errors.New("private key is required")
	}
	key, err := crypto.HexToECDSA(raw)
	if err != nil {
		return Signer{}, fmt.Errorf("invalid private key: %w", err)
	}
	return SignerFromKey(key), nil
}

// SignerFromKey wraps an already parsed key.
func SignerFromKey(key *ecdsa.PrivateKey) Signer {
	return Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// Address returns the account controlled by the signer.
func (s Signer) Address() common.Address { return s.address }

// Valid reports whether the signer holds a key.
func (s Signer) Valid() bool { return s.key != nil }

// Sign signs tx for chainID with the latest signer rules.
func (s Signer) Sign(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if s.key == nil {
		return nil, errors.New("signer has no key")
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

// String never exposes the key.
func (s Signer) String() string { return s.address.Hex() }
