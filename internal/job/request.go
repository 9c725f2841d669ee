package job

import (
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/0xrifai/pharos-network/internal/automation"
	xerrors "github.com/0xrifai/pharos-network/internal/errors"
	"github.com/0xrifai/pharos-network/internal/web3"
)

// SubmitRequest 是提交自动化任务的请求体。
type SubmitRequest struct {
	TaskID       string `json:"task_id"`
	Name         string `json:"name,omitempty"`
	Kind         string `json:"kind"`
	Chain        string `json:"chain,omitempty"`
	RPCURL       string `json:"rpc_url,omitempty"`
	PrivateKey   string `json:"private_key"`
	LoopCount    *int   `json:"loop_count,omitempty"`
	TimeoutMinMs *int64 `json:"timeout_min_ms,omitempty"`
	TimeoutMaxMs *int64 `json:"timeout_max_ms,omitempty"`
	Token        string `json:"token,omitempty"`
	Spender      string `json:"spender,omitempty"`
	Amount       string `json:"amount,omitempty"`
	Target       string `json:"target,omitempty"`
	Calldata     string `json:"calldata,omitempty"`
	// Value 以 wei 为单位的十进制字符串。
	Value    string `json:"value,omitempty"`
	GasLimit uint64 `json:"gas_limit,omitempty"`
}

// String 不输出私钥。
func (r SubmitRequest) String() string {
	return "task=" + r.TaskID + " kind=" + r.Kind
}

// BuildPlan 将请求转换为执行计划，所有错误都标记为 CodeTaskValidation。
func BuildPlan(req SubmitRequest, delay automation.DelayRange) (automation.Plan, error) {
	taskID := strings.TrimSpace(req.TaskID)
	if taskID == "" {
		return automation.Plan{}, validation("task_id 不能为空", nil)
	}
	if strings.TrimSpace(req.PrivateKey) == "" {
		return automation.Plan{}, validation("private_key 不能为空", nil)
	}
	kind, err := automation.ParseKind(req.Kind)
	if err != nil {
		return automation.Plan{}, validation("kind 无效", err)
	}
	signer, err := web3.NewSigner(req.PrivateKey)
	if err != nil {
		return automation.Plan{}, validation("private_key 无效", err)
	}

	iterations := 1
	if req.LoopCount != nil {
		iterations = *req.LoopCount
	}
	if req.TimeoutMinMs != nil {
		delay.Min = millis(*req.TimeoutMinMs)
	}
	if req.TimeoutMaxMs != nil {
		delay.Max = millis(*req.TimeoutMaxMs)
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = string(kind)
	}
	plan := automation.Plan{
		Name:     name,
		Kind:     kind,
		Chain:    strings.TrimSpace(req.Chain),
		RPCURL:   strings.TrimSpace(req.RPCURL),
		Signer:   signer,
		Spec:     automation.RunSpec{Name: name, Iterations: iterations, Delay: delay},
		Amount:   strings.TrimSpace(req.Amount),
		GasLimit: req.GasLimit,
	}
	if plan.Token, err = optionalAddress("token", req.Token); err != nil {
		return automation.Plan{}, err
	}
	if plan.Spender, err = optionalAddress("spender", req.Spender); err != nil {
		return automation.Plan{}, err
	}
	target, err := optionalAddress("target", req.Target)
	if err != nil {
		return automation.Plan{}, err
	}
	if target != nil {
		plan.Target = *target
	}
	if raw := strings.TrimSpace(req.Calldata); raw != "" {
		data, err := hexutil.Decode(raw)
		if err != nil {
			return automation.Plan{}, validation("calldata 必须是 0x 开头的十六进制", err)
		}
		if len(data) == 0 {
			return automation.Plan{}, validation("calldata 不能为空", nil)
		}
		plan.Calldata = data
	}
	if raw := strings.TrimSpace(req.Value); raw != "" {
		value, ok := new(big.Int).SetString(raw, 10)
		if !ok || value.Sign() < 0 {
			return automation.Plan{}, validation("value 必须是非负整数 (wei)", nil)
		}
		plan.Value = value
	}

	if err := plan.Validate(); err != nil {
		return automation.Plan{}, validation("任务参数无效", err)
	}
	return plan, nil
}

func optionalAddress(field, raw string) (*common.Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if !common.IsHexAddress(raw) {
		return nil, validation(field+" 地址无效: "+raw, nil)
	}
	addr := common.HexToAddress(raw)
	return &addr, nil
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func validation(message string, cause error) error {
	if cause != nil {
		return xerrors.Wrap(CodeTaskValidation, cause, message)
	}
	return xerrors.New(CodeTaskValidation, message)
}
