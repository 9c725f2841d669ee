// Package web3test provides an in-memory web3.Ledger for tests.
package web3test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/0xrifai/pharos-network/internal/web3"
	"github.com/0xrifai/pharos-network/internal/web3/ethereum"
)

type allowanceKey struct {
	token, owner, spender common.Address
}

// Submission is a recorded Submit call.
type Submission struct {
	Signer  common.Address
	Request web3.TxRequest
	Hash    common.Hash
}

// Ledger is a scriptable web3.Ledger. Approve calls update the stored
// allowance once confirmed.
type Ledger struct {
	// SubmitHook, when set, can fail the n-th submission (1-based).
	SubmitHook func(n int, req web3.TxRequest) error
	// ConfirmHook, when set, decides the outcome of the n-th confirmation.
	// Returning (nil, nil) waits until ctx is done.
	ConfirmHook func(ctx context.Context, n int, hash common.Hash) (*types.Receipt, error)

	mu          sync.Mutex
	allowances  map[allowanceKey]*big.Int
	tokens      map[common.Address]web3.TokenInfo
	nonces      map[common.Address]uint64
	pending     map[common.Hash]Submission
	submissions []Submission
	confirms    int
	closed      bool
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		allowances: make(map[allowanceKey]*big.Int),
		tokens:     make(map[common.Address]web3.TokenInfo),
		nonces:     make(map[common.Address]uint64),
		pending:    make(map[common.Hash]Submission),
	}
}

var _ web3.Ledger = (*Ledger)(nil)

// SetAllowance seeds an allowance.
func (l *Ledger) SetAllowance(token, owner, spender common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.allowances[allowanceKey{token, owner, spender}] = new(big.Int).Set(amount)
}

// SetToken seeds token metadata.
func (l *Ledger) SetToken(token common.Address, info web3.TokenInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokens[token] = info
}

// Submissions returns the recorded submissions.
func (l *Ledger) Submissions() []Submission {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Submission(nil), l.submissions...)
}

// Closed reports whether Close was called.
func (l *Ledger) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Ledger) Allowance(_ context.Context, token, owner, spender common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.allowances[allowanceKey{token, owner, spender}]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

func (l *Ledger) TokenInfo(_ context.Context, token, _ common.Address) (web3.TokenInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	info, ok := l.tokens[token]
	if !ok {
		return web3.TokenInfo{}, errors.New("unknown token")
	}
	return info, nil
}

func (l *Ledger) PendingNonce(_ context.Context, account common.Address) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nonces[account], nil
}

func (l *Ledger) Submit(_ context.Context, signer web3.Signer, req web3.TxRequest) (common.Hash, error) {
	l.mu.Lock()
	n := len(l.submissions) + 1
	hook := l.SubmitHook
	l.mu.Unlock()

	if hook != nil {
		if err := hook(n, req); err != nil {
			return common.Hash{}, err
		}
	}

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(n))
	hash := crypto.Keccak256Hash(signer.Address().Bytes(), buf[:])
	sub := Submission{Signer: signer.Address(), Request: req, Hash: hash}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.submissions = append(l.submissions, sub)
	l.pending[hash] = sub
	l.nonces[signer.Address()] = req.Nonce + 1
	return hash, nil
}

func (l *Ledger) WaitConfirmed(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	l.mu.Lock()
	l.confirms++
	n := l.confirms
	hook := l.ConfirmHook
	l.mu.Unlock()

	receipt := &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: hash}
	if hook != nil {
		r, err := hook(ctx, n, hash)
		if err != nil {
			return nil, err
		}
		if r == nil {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		receipt = r
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		l.apply(hash)
	}
	return receipt, nil
}

func (l *Ledger) apply(hash common.Hash) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sub, ok := l.pending[hash]
	if !ok {
		return
	}
	delete(l.pending, hash)

	approve := ethereum.ERC20.Methods["approve"]
	data := sub.Request.Data
	if len(data) < 4 || !bytes.Equal(data[:4], approve.ID) {
		return
	}
	args, err := approve.Inputs.Unpack(data[4:])
	if err != nil || len(args) != 2 {
		return
	}
	spender, _ := args[0].(common.Address)
	amount, _ := args[1].(*big.Int)
	if amount == nil {
		return
	}
	l.allowances[allowanceKey{sub.Request.To, sub.Signer, spender}] = new(big.Int).Set(amount)
}

func (l *Ledger) ChainID(context.Context) (*big.Int, error) {
	return big.NewInt(int64(web3.DefaultChainID)), nil
}

func (l *Ledger) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}
