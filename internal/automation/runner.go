package automation

import (
	"context"
	"log/slog"

	"github.com/0xrifai/pharos-network/internal/allowance"
	xerrors "github.com/0xrifai/pharos-network/internal/errors"
	"github.com/0xrifai/pharos-network/internal/tasklog"
	"github.com/0xrifai/pharos-network/internal/txexec"
	"github.com/0xrifai/pharos-network/internal/web3"
)

// LedgerResolver picks the ledger for a plan. release is called when the run
// ends.
type LedgerResolver interface {
	Resolve(ctx context.Context, chain, rpcURL string) (ledger web3.Ledger, release func(), err error)
}

// Settings carries the executor and approval defaults.
type Settings struct {
	Policy         txexec.Policy
	Fees           web3.FeeParams
	ApprovalPolicy txexec.Policy
	ApprovalFees   web3.FeeParams
}

// DefaultSettings mirrors the executor and allowance package defaults.
func DefaultSettings() Settings {
	return Settings{
		Policy:         txexec.DefaultPolicy(),
		Fees:           txexec.DefaultFees(),
		ApprovalPolicy: allowance.DefaultPolicy(),
		ApprovalFees:   allowance.DefaultFees(),
	}
}

// Metrics is what the runner reports to.
type Metrics interface {
	LoopMetrics
	txexec.Metrics
}

// Runner executes plans.
type Runner struct {
	resolver LedgerResolver
	settings Settings
	locks    *txexec.SignerLocks
	loop     *Loop
	sleep    txexec.Sleeper
	audit    *slog.Logger
	metrics  Metrics
}

// RunnerOption customises a Runner.
type RunnerOption func(*Runner)

// WithSettings overrides the transaction defaults.
func WithSettings(s Settings) RunnerOption {
	return func(r *Runner) { r.settings = s }
}

// WithLoop replaces the iteration loop.
func WithLoop(loop *Loop) RunnerOption {
	return func(r *Runner) {
		if loop != nil {
			r.loop = loop
		}
	}
}

// WithRetrySleeper replaces the executor backoff sleep.
func WithRetrySleeper(sleep txexec.Sleeper) RunnerOption {
	return func(r *Runner) { r.sleep = sleep }
}

// WithAuditLogger records confirmed and exhausted transactions.
func WithAuditLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) { r.audit = logger }
}

// WithMetrics attaches a metrics sink to the loop and executors.
func WithMetrics(m Metrics) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

// NewRunner builds a runner. The signer lock set is shared by every run.
func NewRunner(resolver LedgerResolver, opts ...RunnerOption) *Runner {
	r := &Runner{
		resolver: resolver,
		settings: DefaultSettings(),
		locks:    txexec.NewSignerLocks(),
		audit:    slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.loop == nil {
		r.loop = NewLoop(WithLoopMetrics(r.metrics))
	}
	return r
}

// Run validates plan, resolves its ledger and drives the loop.
func (r *Runner) Run(ctx context.Context, log *tasklog.Log, plan Plan) (Summary, error) {
	if err := plan.Validate(); err != nil {
		return Summary{}, err
	}
	ledger, release, err := r.resolver.Resolve(ctx, plan.Chain, plan.RPCURL)
	if err != nil {
		return Summary{}, err
	}
	defer release()

	network := plan.RPCURL
	if network == "" {
		network = plan.Chain
	}
	if network != "" {
		log.Infof("Network: %s", network)
	}
	log.Infof("Wallet: %s", plan.Signer.Address().Hex())

	opts := []txexec.Option{
		txexec.WithSignerLocks(r.locks),
		txexec.WithLogger(r.audit),
		txexec.WithSleeper(r.sleep),
	}
	if r.metrics != nil {
		opts = append(opts, txexec.WithMetrics(r.metrics))
	}
	executor := txexec.NewExecutor(ledger, opts...)
	repairer := allowance.NewRepairer(ledger, executor,
		allowance.WithFees(r.settings.ApprovalFees),
		allowance.WithPolicy(r.settings.ApprovalPolicy),
	)

	step := r.step(ledger, executor, repairer, log, plan)
	return r.loop.Run(ctx, log, plan.Spec, step)
}

func (r *Runner) step(ledger web3.Ledger, executor *txexec.Executor, repairer *allowance.Repairer, log *tasklog.Log, plan Plan) Step {
	return func(ctx context.Context, _ int) error {
		if plan.Token != nil {
			if err := r.ensureAllowance(ctx, ledger, repairer, log, plan); err != nil {
				return err
			}
		}
		switch plan.Kind {
		case KindApprove:
			return nil
		case KindCall:
			_, err := executor.Execute(ctx, log, txexec.Request{
				Signer:    plan.Signer,
				Label:     plan.Spec.Name,
				Operation: txexec.Operation{To: plan.Target, Data: plan.Calldata, Value: plan.Value},
				Fees:      web3.FeeParams{GasLimit: plan.GasLimit}.WithDefaults(r.settings.Fees),
				Policy:    r.settings.Policy,
			})
			return err
		case KindTransfer:
			log.Infof("Sending %s PHRS to %s", web3.FormatUnits(plan.Value, 18), plan.Target.Hex())
			_, err := executor.Execute(ctx, log, txexec.Request{
				Signer:    plan.Signer,
				Label:     plan.Spec.Name,
				Operation: txexec.Operation{To: plan.Target, Value: plan.Value},
				Fees:      web3.FeeParams{GasLimit: plan.GasLimit}.WithDefaults(r.settings.Fees),
				Policy:    r.settings.Policy,
			})
			return err
		default:
			return xerrors.New(xerrors.CodeInvalidArgument, "unknown kind "+string(plan.Kind))
		}
	}
}

func (r *Runner) ensureAllowance(ctx context.Context, ledger web3.Ledger, repairer *allowance.Repairer, log *tasklog.Log, plan Plan) error {
	owner := plan.Signer.Address()
	info, err := ledger.TokenInfo(ctx, *plan.Token, owner)
	if err != nil {
		return err
	}
	log.Infof("Balance: %s %s", web3.FormatUnits(info.Balance, info.Decimals), info.Symbol)

	required, err := web3.ParseUnits(plan.Amount, info.Decimals)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid amount")
	}
	if info.Balance != nil && info.Balance.Cmp(required) < 0 {
		log.Warningf("Balance below required amount %s %s", plan.Amount, info.Symbol)
	}
	return repairer.Ensure(ctx, log, allowance.Request{
		Token:    *plan.Token,
		Owner:    plan.Signer,
		Spender:  plan.spender(),
		Required: required,
	})
}
