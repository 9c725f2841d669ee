// Package allowance makes sure a spender is authorised to move at least a
// required amount of a token before an operation runs.
package allowance

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "github.com/0xrifai/pharos-network/internal/errors"
	"github.com/0xrifai/pharos-network/internal/tasklog"
	"github.com/0xrifai/pharos-network/internal/txexec"
	"github.com/0xrifai/pharos-network/internal/web3"
	"github.com/0xrifai/pharos-network/internal/web3/ethereum"
)

// DefaultFees are the approval fee parameters.
func DefaultFees() web3.FeeParams {
	return web3.FeeParams{
		GasLimit:             100000,
		MaxFeePerGas:         web3.Gwei(20),
		MaxPriorityFeePerGas: web3.Gwei(2),
	}
}

// DefaultPolicy waits 60 seconds for each approval and does not retry.
func DefaultPolicy() txexec.Policy {
	return txexec.Policy{MaxAttempts: 1, ConfirmTimeout: 60 * time.Second, Backoff: 10 * time.Second}
}

// Request names the allowance to check.
type Request struct {
	Token    common.Address
	Owner    web3.Signer
	Spender  common.Address
	Required *big.Int
}

// Repairer reads the current allowance and approves the required amount
// when it falls short. Tokens that refuse to change a non-zero allowance are
// handled by resetting it to zero first.
type Repairer struct {
	ledger   web3.Ledger
	executor *txexec.Executor
	fees     web3.FeeParams
	policy   txexec.Policy
}

// Option customises a Repairer.
type Option func(*Repairer)

// WithFees overrides the approval fee parameters.
func WithFees(fees web3.FeeParams) Option {
	return func(r *Repairer) { r.fees = fees.WithDefaults(DefaultFees()) }
}

// WithPolicy overrides the approval retry policy.
func WithPolicy(policy txexec.Policy) Option {
	return func(r *Repairer) { r.policy = policy }
}

// NewRepairer builds a repairer submitting through executor.
func NewRepairer(ledger web3.Ledger, executor *txexec.Executor, opts ...Option) *Repairer {
	r := &Repairer{
		ledger:   ledger,
		executor: executor,
		fees:     DefaultFees(),
		policy:   DefaultPolicy(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Ensure guarantees allowance(owner, spender) >= required on return. It
// submits nothing when the allowance already suffices, one approval when it
// is zero, and a reset followed by an approval otherwise.
func (r *Repairer) Ensure(ctx context.Context, log *tasklog.Log, req Request) error {
	if req.Required == nil || req.Required.Sign() < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "required allowance must be non-negative")
	}
	owner := req.Owner.Address()

	current, err := r.ledger.Allowance(ctx, req.Token, owner, req.Spender)
	if err != nil {
		return r.fail(err, "read allowance")
	}
	if current.Cmp(req.Required) >= 0 {
		log.Info("Sufficient allowance already approved.")
		return nil
	}

	if current.Sign() > 0 {
		log.Infof("Resetting allowance of %s from %s to 0", req.Spender.Hex(), current)
		hash, err := r.approve(ctx, log, req, new(big.Int), "allowance reset")
		if err != nil {
			return r.fail(err, "reset allowance")
		}
		log.Successf("Reset tx: %s", hash.Hex())
	}

	log.Infof("Approving %s for %s", req.Spender.Hex(), req.Required)
	hash, err := r.approve(ctx, log, req, req.Required, "approval")
	if err != nil {
		return r.fail(err, "approve")
	}
	log.Successf("Approve tx: %s", hash.Hex())
	return nil
}

func (r *Repairer) approve(ctx context.Context, log *tasklog.Log, req Request, amount *big.Int, label string) (common.Hash, error) {
	data, err := ethereum.ERC20.Pack("approve", req.Spender, amount)
	if err != nil {
		return common.Hash{}, err
	}
	result, err := r.executor.Execute(ctx, log, txexec.Request{
		Signer:    req.Owner,
		Label:     label,
		Operation: txexec.Operation{To: req.Token, Data: data},
		Fees:      r.fees,
		Policy:    r.policy,
	})
	if err != nil {
		return common.Hash{}, err
	}
	return result.Hash, nil
}

func (r *Repairer) fail(err error, step string) error {
	if xerrors.KindOf(err) == xerrors.KindAbortRun {
		return err
	}
	return xerrors.Wrap(xerrors.CodeAllowanceRepair, err, fmt.Sprintf("allowance repair failed: %s", step))
}
