package provider

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/0xrifai/pharos-network/internal/config"
	"github.com/0xrifai/pharos-network/internal/web3"
	"github.com/0xrifai/pharos-network/internal/web3/ethereum"
)

type dialed struct {
	configs []ethereum.Config
	closed  int
}

func (d *dialed) dial(_ context.Context, cfg ethereum.Config) (web3.Ledger, error) {
	d.configs = append(d.configs, cfg)
	client := ethereum.NewClientWithBackend(cfg.Name, nil, cfg.ChainID, cfg.PollInterval)
	return &closeCounter{Client: client, d: d}, nil
}

type closeCounter struct {
	*ethereum.Client
	d *dialed
}

func (c *closeCounter) Close() { c.d.closed++ }

func TestRegistryFallsBackToPharos(t *testing.T) {
	d := &dialed{}
	reg, err := NewRegistry(context.Background(), config.Web3Config{}, WithDialer(d.dial))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	defer reg.Close()

	if reg.DefaultChain() != web3.DefaultChainName {
		t.Fatalf("unexpected default chain %s", reg.DefaultChain())
	}
	if len(d.configs) != 1 || d.configs[0].RPCURL != web3.DefaultRPCURL || d.configs[0].ChainID != web3.DefaultChainID {
		t.Fatalf("unexpected dial %+v", d.configs)
	}
	if _, err := reg.Ledger(""); err != nil {
		t.Fatalf("default ledger: %v", err)
	}
	if _, err := reg.Ledger("missing"); err == nil {
		t.Fatal("expected unknown chain to fail")
	}
}

func TestRegistryLoadsYAMLAndResolves(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chains.yaml")
	content := "chains:\n  alpha:\n    rpc_url: http://alpha\n  beta:\n    rpc_url: http://beta\n    chain_id: 7\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	d := &dialed{}
	reg, err := NewRegistry(context.Background(), config.Web3Config{ChainConfig: path, DefaultChain: "beta"}, WithDialer(d.dial))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	if got := reg.Chains(); len(got) != 2 || got[0] != "alpha" {
		t.Fatalf("unexpected chains %v", got)
	}

	_, release, err := reg.Resolve(context.Background(), "", "http://custom")
	if err != nil {
		t.Fatalf("resolve custom: %v", err)
	}
	release()
	if d.closed != 1 {
		t.Fatalf("dedicated ledger should be closed on release")
	}

	_, release, err = reg.Resolve(context.Background(), "alpha", "")
	if err != nil {
		t.Fatalf("resolve named: %v", err)
	}
	release()
	if d.closed != 1 {
		t.Fatalf("shared ledger must not be closed on release")
	}

	reg.Close()
	if d.closed != 3 {
		t.Fatalf("expected all ledgers closed, got %d", d.closed)
	}
}

func TestRegistryRejectsUnknownDefault(t *testing.T) {
	d := &dialed{}
	_, err := NewRegistry(context.Background(), config.Web3Config{RPCURL: "http://x", DefaultChain: "nope"}, WithDialer(d.dial))
	if err == nil {
		t.Fatal("expected missing default chain to fail")
	}
}
