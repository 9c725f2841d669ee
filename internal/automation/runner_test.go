package automation

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "github.com/0xrifai/pharos-network/internal/errors"
	"github.com/0xrifai/pharos-network/internal/tasklog"
	"github.com/0xrifai/pharos-network/internal/web3"
	"github.com/0xrifai/pharos-network/internal/web3/web3test"
)

type staticResolver struct {
	ledger   *web3test.Ledger
	released int
	chain    string
	rpcURL   string
}

func (r *staticResolver) Resolve(_ context.Context, chain, rpcURL string) (web3.Ledger, func(), error) {
	r.chain, r.rpcURL = chain, rpcURL
	return r.ledger, func() { r.released++ }, nil
}

var (
	usdc   = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	router = common.HexToAddress("0x00000000000000000000000000000000000000e2")
)

func newRunner(t *testing.T) (*Runner, *staticResolver, web3.Signer) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	ledger := web3test.NewLedger()
	ledger.SetToken(usdc, web3.TokenInfo{Symbol: "USDC", Decimals: 6, Balance: big.NewInt(5_000_000)})
	resolver := &staticResolver{ledger: ledger}
	runner := NewRunner(resolver,
		WithLoop(NewLoop(WithLoopSleeper(noSleep))),
		WithRetrySleeper(noSleep),
	)
	return runner, resolver, web3.SignerFromKey(key)
}

func TestRunnerApproveOnlySubmitsOnce(t *testing.T) {
	runner, resolver, signer := newRunner(t)
	token, spender := usdc, router
	plan := Plan{
		Name:    "USDC approval",
		Kind:    KindApprove,
		RPCURL:  "http://localhost:8545",
		Signer:  signer,
		Spec:    RunSpec{Name: "USDC approval", Iterations: 2},
		Token:   &token,
		Spender: &spender,
		Amount:  "1.5",
	}
	log := tasklog.NewLog("t1")

	summary, err := runner.Run(context.Background(), log, plan)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Succeeded != 2 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	subs := resolver.ledger.Submissions()
	if len(subs) != 1 {
		t.Fatalf("second iteration should find the allowance sufficient, got %d submissions", len(subs))
	}
	if resolver.released != 1 || resolver.rpcURL != "http://localhost:8545" {
		t.Fatalf("resolver not used as expected: %+v", resolver)
	}
	if first := log.Snapshot()[0]; first.Message != "Network: http://localhost:8545" {
		t.Fatalf("unexpected first entry %q", first.Message)
	}
}

func TestRunnerCallRepairsThenSubmits(t *testing.T) {
	runner, resolver, signer := newRunner(t)
	token := usdc
	resolver.ledger.SetAllowance(usdc, signer.Address(), router, big.NewInt(1))
	plan := Plan{
		Name:     "Swap",
		Kind:     KindCall,
		Signer:   signer,
		Spec:     RunSpec{Name: "Swap", Iterations: 1},
		Token:    &token,
		Amount:   "2",
		Target:   router,
		Calldata: []byte{0xde, 0xad, 0xbe, 0xef},
		GasLimit: 650000,
	}

	if _, err := runner.Run(context.Background(), tasklog.NewLog("t1"), plan); err != nil {
		t.Fatalf("run: %v", err)
	}
	subs := resolver.ledger.Submissions()
	if len(subs) != 3 {
		t.Fatalf("expected reset, approve and call, got %d submissions", len(subs))
	}
	call := subs[2].Request
	if call.To != router || call.Fees.GasLimit != 650000 || call.Nonce != 2 {
		t.Fatalf("unexpected call request %+v", call)
	}
	got, _ := resolver.ledger.Allowance(context.Background(), usdc, signer.Address(), router)
	if got.Cmp(big.NewInt(2_000_000)) != 0 {
		t.Fatalf("allowance should equal 2 USDC in base units, got %s", got)
	}
}

func TestRunnerTransfer(t *testing.T) {
	runner, resolver, signer := newRunner(t)
	plan := Plan{
		Name:   "Send",
		Kind:   KindTransfer,
		Signer: signer,
		Spec:   RunSpec{Name: "Send", Iterations: 3, Delay: DelayRangeMillis(0, 5)},
		Target: router,
		Value:  big.NewInt(1e15),
	}
	summary, err := runner.Run(context.Background(), tasklog.NewLog("t1"), plan)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Succeeded != 3 || len(resolver.ledger.Submissions()) != 3 {
		t.Fatalf("unexpected result %+v", summary)
	}
	if fee := resolver.ledger.Submissions()[0].Request.Fees; fee.GasLimit != 500000 {
		t.Fatalf("transfer should use executor defaults, got %+v", fee)
	}
}

func TestPlanValidation(t *testing.T) {
	_, _, signer := newRunner(t)
	token := usdc
	cases := map[string]Plan{
		"no signer":      {Kind: KindTransfer, Spec: RunSpec{Iterations: 1}, Target: router, Value: big.NewInt(1)},
		"no iterations":  {Kind: KindTransfer, Signer: signer, Target: router, Value: big.NewInt(1)},
		"approve no amt": {Kind: KindApprove, Signer: signer, Spec: RunSpec{Iterations: 1}, Token: &token},
		"call no data":   {Kind: KindCall, Signer: signer, Spec: RunSpec{Iterations: 1}, Target: router},
		"transfer zero":  {Kind: KindTransfer, Signer: signer, Spec: RunSpec{Iterations: 1}, Target: router},
		"bad amount":     {Kind: KindCall, Signer: signer, Spec: RunSpec{Iterations: 1}, Target: router, Calldata: []byte{1}, Token: &token, Amount: "abc"},
		"unknown kind":   {Kind: "stake", Signer: signer, Spec: RunSpec{Iterations: 1}},
	}
	for name, plan := range cases {
		t.Run(name, func(t *testing.T) {
			if err := plan.Validate(); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
				t.Fatalf("expected invalid argument, got %v", err)
			}
		})
	}
	if _, err := ParseKind("Transfer"); err != nil {
		t.Fatalf("parse kind: %v", err)
	}
}
