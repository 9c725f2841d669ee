package job

import (
	"testing"
	"time"

	"github.com/0xrifai/pharos-network/internal/automation"
	xerrors "github.com/0xrifai/pharos-network/internal/errors"
)

const testKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func intPtr(v int) *int { return &v }

func int64Ptr(v int64) *int64 { return &v }

func TestBuildPlanDefaults(t *testing.T) {
	plan, err := BuildPlan(SubmitRequest{
		TaskID:     "t1",
		Kind:       "Approve",
		PrivateKey: testKey,
		Token:      "0x00000000000000000000000000000000000000aa",
		Spender:    "0x00000000000000000000000000000000000000bb",
		Amount:     "1.5",
	}, automation.DelayRangeMillis(1000, 3000))
	if err != nil {
		t.Fatalf("build plan: %v", err)
	}
	if plan.Kind != automation.KindApprove || plan.Name != "approve" {
		t.Fatalf("unexpected kind/name %s/%s", plan.Kind, plan.Name)
	}
	if plan.Spec.Iterations != 1 {
		t.Fatalf("expected one iteration by default, got %d", plan.Spec.Iterations)
	}
	if plan.Spec.Delay.Min != time.Second || plan.Spec.Delay.Max != 3*time.Second {
		t.Fatalf("unexpected delay %+v", plan.Spec.Delay)
	}
	if plan.Signer.Address().Hex() != "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23" {
		t.Fatalf("unexpected signer %s", plan.Signer)
	}
}

func TestBuildPlanOverrides(t *testing.T) {
	plan, err := BuildPlan(SubmitRequest{
		TaskID:       "t2",
		Name:         "Swap",
		Kind:         "call",
		PrivateKey:   testKey,
		LoopCount:    intPtr(5),
		TimeoutMinMs: int64Ptr(10),
		TimeoutMaxMs: int64Ptr(20),
		Target:       "0x00000000000000000000000000000000000000cc",
		Calldata:     "0xdeadbeef",
		Value:        "1000",
		GasLimit:     210000,
	}, automation.DelayRangeMillis(1000, 3000))
	if err != nil {
		t.Fatalf("build plan: %v", err)
	}
	if plan.Spec.Name != "Swap" || plan.Spec.Iterations != 5 {
		t.Fatalf("unexpected spec %+v", plan.Spec)
	}
	if plan.Spec.Delay.Min != 10*time.Millisecond || plan.Spec.Delay.Max != 20*time.Millisecond {
		t.Fatalf("unexpected delay %+v", plan.Spec.Delay)
	}
	if len(plan.Calldata) != 4 || plan.Value.Int64() != 1000 || plan.GasLimit != 210000 {
		t.Fatalf("unexpected call fields %+v", plan)
	}
}

func TestBuildPlanValidation(t *testing.T) {
	valid := SubmitRequest{
		TaskID:     "t",
		Kind:       "transfer",
		PrivateKey: testKey,
		Target:     "0x00000000000000000000000000000000000000cc",
		Value:      "1",
	}
	cases := []struct {
		name   string
		mutate func(*SubmitRequest)
	}{
		{"missing task", func(r *SubmitRequest) { r.TaskID = " " }},
		{"missing key", func(r *SubmitRequest) { r.PrivateKey = "" }},
		{"bad key", func(r *SubmitRequest) { r.PrivateKey = "0x1234" }},
		{"unknown kind", func(r *SubmitRequest) { r.Kind = "swap" }},
		{"bad target", func(r *SubmitRequest) { r.Target = "0x123" }},
		{"bad value", func(r *SubmitRequest) { r.Value = "-1" }},
		{"zero loops", func(r *SubmitRequest) { r.LoopCount = intPtr(0) }},
		{"inverted delay", func(r *SubmitRequest) { r.TimeoutMinMs = int64Ptr(5000) }},
		{"odd calldata", func(r *SubmitRequest) { r.Kind = "call"; r.Calldata = "0xabc" }},
		{"non-hex calldata", func(r *SubmitRequest) {
			r.Kind = "call"
			r.Calldata = "0xa9059cbbzz00000000000000000000000000000000000000000000000000000001"
		}},
		{"calldata without prefix", func(r *SubmitRequest) { r.Kind = "call"; r.Calldata = "a9059cbb" }},
		{"empty calldata", func(r *SubmitRequest) { r.Kind = "call"; r.Calldata = "0x" }},
		{"approve without token", func(r *SubmitRequest) { r.Kind = "approve"; r.Amount = "1" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := valid
			tc.mutate(&req)
			_, err := BuildPlan(req, automation.DelayRangeMillis(1000, 3000))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if xerrors.CodeOf(err) != CodeTaskValidation {
				t.Fatalf("expected %s, got %v", CodeTaskValidation, err)
			}
		})
	}
}
