package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pharos.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{"web3": {"chain_config": "chains.yaml"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Address != ":8080" || cfg.Server.KeepAlive() != 15*time.Second {
		t.Fatalf("unexpected server defaults %+v", cfg.Server)
	}
	if cfg.Queue.Driver != "memory" || cfg.Queue.Workers != 4 {
		t.Fatalf("unexpected queue defaults %+v", cfg.Queue)
	}
	exec := cfg.Automation.Executor
	if exec.MaxAttempts != 3 || exec.ConfirmTimeout() != 2*time.Minute || exec.Backoff() != 10*time.Second {
		t.Fatalf("unexpected executor defaults %+v", exec)
	}
	if exec.Fees.GasLimit != 500000 || exec.Fees.MaxFeeGwei != 20 || exec.Fees.PriorityFeeGwei != 2 {
		t.Fatalf("unexpected executor fees %+v", exec.Fees)
	}
	approval := cfg.Automation.Approval
	if approval.MaxAttempts != 1 || approval.ConfirmTimeout() != time.Minute || approval.Fees.GasLimit != 100000 {
		t.Fatalf("unexpected approval defaults %+v", approval)
	}
	if cfg.Automation.DelayMinMs != 1000 || cfg.Automation.DelayMaxMs != 3000 {
		t.Fatalf("unexpected delay defaults %d-%d", cfg.Automation.DelayMinMs, cfg.Automation.DelayMaxMs)
	}
	if want := filepath.Join(filepath.Dir(path), "chains.yaml"); cfg.Web3.ChainConfig != want {
		t.Fatalf("chain config should resolve against the config dir: %s", cfg.Web3.ChainConfig)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"inverted delay": `{"automation": {"delay_min_ms": 5000, "delay_max_ms": 100}}`,
		"queue driver":   `{"queue": {"driver": "kafka"}}`,
		"mirror address": `{"redis_mirror": {"enabled": true}}`,
		"alert channel":  `{"alerting": {"webhooks": [{"channel": "email", "url": "x"}]}}`,
		"alert url":      `{"alerting": {"webhooks": [{"channel": "slack"}]}}`,
		"auth mode":      `{"auth": {"mode": "oauth"}}`,
		"auth no tokens": `{"auth": {"mode": "token"}}`,
		"auth secret":    `{"auth": {"mode": "token", "tokens": [{"name": "ops"}]}}`,
		"bad json":       `{`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, content)); err == nil {
				t.Fatal("expected load to fail")
			}
		})
	}
}

func TestTokenSecretFromEnv(t *testing.T) {
	t.Setenv("PHAROS_TEST_TOKEN", " from-env ")
	path := writeConfig(t, `{"auth": {"mode": "Token", "tokens": [{"name": "ops", "token_env": "PHAROS_TEST_TOKEN"}]}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.Mode != "token" || cfg.Auth.Tokens[0].Secret() != "from-env" {
		t.Fatalf("unexpected auth config %+v", cfg.Auth)
	}
	if Default().Auth.Mode != "disabled" {
		t.Fatal("auth should be disabled by default")
	}
}

func TestPathFromEnv(t *testing.T) {
	t.Setenv(EnvPath, "/etc/pharos.json")
	if PathFromEnv() != "/etc/pharos.json" {
		t.Fatalf("unexpected path %s", PathFromEnv())
	}
	t.Setenv(EnvPath, "")
	if PathFromEnv() != DefaultPath {
		t.Fatalf("expected default path")
	}
}
