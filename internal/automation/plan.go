package automation

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "github.com/0xrifai/pharos-network/internal/errors"
	"github.com/0xrifai/pharos-network/internal/web3"
)

// Kind selects what each iteration does.
type Kind string

const (
	// KindApprove only repairs the allowance of Token for Spender.
	KindApprove Kind = "approve"
	// KindCall repairs the allowance when a token is given, then submits
	// Calldata to Target.
	KindCall Kind = "call"
	// KindTransfer sends Value of the native coin to Target.
	KindTransfer Kind = "transfer"
)

// ParseKind validates a kind name.
func ParseKind(raw string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(raw))); k {
	case KindApprove, KindCall, KindTransfer:
		return k, nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unknown kind %q", raw))
	}
}

// Plan is everything needed to run one automation.
type Plan struct {
	Name   string
	Kind   Kind
	Chain  string
	RPCURL string
	Signer web3.Signer
	Spec   RunSpec

	Token   *common.Address
	Spender *common.Address
	// Amount is expressed in whole token units, e.g. "1.5".
	Amount string

	Target   common.Address
	Calldata []byte
	Value    *big.Int
	GasLimit uint64
}

// Validate checks the plan before any work starts.
func (p Plan) Validate() error {
	if !p.Signer.Valid() {
		return xerrors.New(xerrors.CodeInvalidArgument, "private key is required")
	}
	if err := p.Spec.Validate(); err != nil {
		return err
	}
	hasToken := p.Token != nil
	switch p.Kind {
	case KindApprove:
		if !hasToken || p.Spender == nil || p.Amount == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, "approve requires token, spender and amount")
		}
	case KindCall:
		if p.Target == (common.Address{}) {
			return xerrors.New(xerrors.CodeInvalidArgument, "call requires a target")
		}
		if len(p.Calldata) == 0 {
			return xerrors.New(xerrors.CodeInvalidArgument, "call requires calldata")
		}
		if hasToken && p.Amount == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, "token given without amount")
		}
	case KindTransfer:
		if p.Target == (common.Address{}) {
			return xerrors.New(xerrors.CodeInvalidArgument, "transfer requires a target")
		}
		if p.Value == nil || p.Value.Sign() <= 0 {
			return xerrors.New(xerrors.CodeInvalidArgument, "transfer requires a positive value")
		}
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unknown kind %q", p.Kind))
	}
	if p.Amount != "" {
		if _, err := web3.ParseUnits(p.Amount, 18); err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid amount")
		}
	}
	return nil
}

func (p Plan) spender() common.Address {
	if p.Spender != nil {
		return *p.Spender
	}
	return p.Target
}
