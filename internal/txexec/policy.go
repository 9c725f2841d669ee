package txexec

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/0xrifai/pharos-network/internal/web3"
)

// Outcome is the terminal state of one attempt.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeReverted  Outcome = "reverted"
	OutcomeFailed    Outcome = "failed"
)

// Policy bounds the retry loop.
type Policy struct {
	MaxAttempts    int
	ConfirmTimeout time.Duration
	Backoff        time.Duration
}

// DefaultPolicy is three attempts, two minutes per confirmation and ten
// seconds between attempts.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, ConfirmTimeout: 2 * time.Minute, Backoff: 10 * time.Second}
}

// WithDefaults fills unset fields from DefaultPolicy.
func (p Policy) WithDefaults() Policy {
	def := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.ConfirmTimeout <= 0 {
		p.ConfirmTimeout = def.ConfirmTimeout
	}
	if p.Backoff < 0 {
		p.Backoff = 0
	}
	return p
}

// DefaultFees are the explicit fee parameters used for generic calls.
func DefaultFees() web3.FeeParams {
	return web3.FeeParams{
		GasLimit:             500000,
		MaxFeePerGas:         web3.Gwei(20),
		MaxPriorityFeePerGas: web3.Gwei(2),
	}
}

// Operation is the call to perform. The nonce is assigned per attempt.
type Operation struct {
	To    common.Address
	Data  []byte
	Value *big.Int
}

// Request is one Execute invocation.
type Request struct {
	Signer    web3.Signer
	Label     string
	Operation Operation
	Fees      web3.FeeParams
	Policy    Policy
}

// Attempt records one submission.
type Attempt struct {
	Number  int
	Nonce   uint64
	Fees    web3.FeeParams
	Hash    common.Hash
	Outcome Outcome
	Err     error
}

// Result is returned by Execute.
type Result struct {
	Hash     common.Hash
	Receipt  *types.Receipt
	Attempts []Attempt
}

// Submissions counts attempts that reached the ledger.
func (r Result) Submissions() int {
	n := 0
	for _, a := range r.Attempts {
		if a.Hash != (common.Hash{}) {
			n++
		}
	}
	return n
}

func (a Attempt) String() string {
	return fmt.Sprintf("attempt %d nonce %d %s", a.Number, a.Nonce, a.Outcome)
}
