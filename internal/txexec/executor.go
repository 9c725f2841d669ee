package txexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	xerrors "github.com/0xrifai/pharos-network/internal/errors"
	"github.com/0xrifai/pharos-network/internal/tasklog"
	"github.com/0xrifai/pharos-network/internal/web3"
)

// Metrics receives attempt outcomes.
type Metrics interface {
	ObserveAttempt(label string, outcome string)
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the default Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Executor runs Requests against one ledger.
type Executor struct {
	ledger  web3.Ledger
	locks   *SignerLocks
	sleep   Sleeper
	logger  *slog.Logger
	metrics Metrics
}

// Option customises an Executor.
type Option func(*Executor)

// WithSignerLocks shares a lock set between executors.
func WithSignerLocks(locks *SignerLocks) Option {
	return func(e *Executor) {
		if locks != nil {
			e.locks = locks
		}
	}
}

// WithSleeper replaces the backoff sleep, mainly for tests.
func WithSleeper(sleep Sleeper) Option {
	return func(e *Executor) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// WithLogger sets the structured logger used for audit records.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics attaches a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(e *Executor) {
		e.metrics = m
	}
}

// NewExecutor builds an executor for ledger.
func NewExecutor(ledger web3.Ledger, opts ...Option) *Executor {
	e := &Executor{
		ledger: ledger,
		locks:  NewSignerLocks(),
		sleep:  Sleep,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Execute submits req.Operation until it is confirmed or the policy is
// exhausted. Cancellation and errors tagged as non-retryable end the loop at
// once; everything else is retried after the backoff.
func (e *Executor) Execute(ctx context.Context, log *tasklog.Log, req Request) (Result, error) {
	policy := req.Policy.WithDefaults()
	fees := req.Fees.WithDefaults(DefaultFees())
	label := req.Label
	if label == "" {
		label = "transaction"
	}

	var result Result
	var lastErr error
	for number := 1; number <= policy.MaxAttempts; number++ {
		if number > 1 {
			log.Infof("Waiting %s before retry...", policy.Backoff)
			if err := e.sleep(ctx, policy.Backoff); err != nil {
				return result, err
			}
		}

		log.Infof("Attempting %s (attempt %d/%d)...", label, number, policy.MaxAttempts)
		attempt, receipt, err := e.attempt(ctx, log, req, fees, policy, number)
		result.Attempts = append(result.Attempts, attempt)
		e.observe(label, attempt.Outcome)

		if err == nil {
			result.Hash = attempt.Hash
			result.Receipt = receipt
			log.Successf("Success! txhash: %s", attempt.Hash.Hex())
			e.logger.Info("transaction confirmed",
				slog.String("label", label),
				slog.String("tx", attempt.Hash.Hex()),
				slog.Int("attempt", number),
				slog.String("signer", req.Signer.String()),
			)
			return result, nil
		}

		lastErr = err
		log.Warningf("Transaction attempt %d failed: %v", number, err)
		if xerrors.KindOf(err) != xerrors.KindRetry {
			return result, err
		}
	}

	e.logger.Warn("transaction retries exhausted",
		slog.String("label", label),
		slog.Int("attempts", policy.MaxAttempts),
		slog.String("error", lastErr.Error()),
	)
	return result, xerrors.Wrap(xerrors.CodeRetriesExhausted, lastErr,
		fmt.Sprintf("transaction failed after %d attempts", policy.MaxAttempts),
		xerrors.WithMetadata("label", label))
}

func (e *Executor) attempt(ctx context.Context, log *tasklog.Log, req Request, fees web3.FeeParams, policy Policy, number int) (Attempt, *types.Receipt, error) {
	attempt := Attempt{Number: number, Fees: fees, Outcome: OutcomePending}
	signer := req.Signer.Address()

	unlock, err := e.locks.Lock(ctx, signer)
	if err != nil {
		attempt.Outcome, attempt.Err = OutcomeFailed, err
		return attempt, nil, err
	}
	defer unlock()

	nonce, err := e.ledger.PendingNonce(ctx, signer)
	if err != nil {
		attempt.Outcome, attempt.Err = OutcomeFailed, err
		return attempt, nil, err
	}
	attempt.Nonce = nonce
	log.Infof("Using nonce: %d", nonce)

	hash, err := e.ledger.Submit(ctx, req.Signer, web3.TxRequest{
		To:    req.Operation.To,
		Data:  req.Operation.Data,
		Value: req.Operation.Value,
		Nonce: nonce,
		Fees:  fees,
	})
	if err != nil {
		attempt.Outcome, attempt.Err = OutcomeFailed, err
		return attempt, nil, err
	}
	attempt.Hash = hash
	log.Infof("Transaction sent: %s", hash.Hex())
	log.Info("Waiting for confirmation...")

	receipt, err := e.confirm(ctx, hash, policy.ConfirmTimeout)
	switch {
	case err == nil:
		attempt.Outcome = OutcomeConfirmed
		return attempt, receipt, nil
	case xerrors.CodeOf(err) == xerrors.CodeTimeout:
		attempt.Outcome = OutcomeTimedOut
	case xerrors.CodeOf(err) == xerrors.CodeTxReverted:
		attempt.Outcome = OutcomeReverted
	default:
		attempt.Outcome = OutcomeFailed
	}
	attempt.Err = err
	return attempt, nil, err
}

func (e *Executor) confirm(ctx context.Context, hash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	receipt, err := e.ledger.WaitConfirmed(waitCtx, hash)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "transaction timeout",
				xerrors.WithMetadata("tx", hash.Hex()))
		}
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, xerrors.New(xerrors.CodeTxReverted, fmt.Sprintf("transaction %s reverted", hash.Hex()))
	}
	return receipt, nil
}

func (e *Executor) observe(label string, outcome Outcome) {
	if e.metrics != nil {
		e.metrics.ObserveAttempt(label, string(outcome))
	}
}
