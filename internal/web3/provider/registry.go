package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/0xrifai/pharos-network/internal/config"
	xerrors "github.com/0xrifai/pharos-network/internal/errors"
	"github.com/0xrifai/pharos-network/internal/web3"
	"github.com/0xrifai/pharos-network/internal/web3/ethereum"
)

// DialFunc opens a ledger for one chain definition.
type DialFunc func(ctx context.Context, cfg ethereum.Config) (web3.Ledger, error)

func dialEthereum(ctx context.Context, cfg ethereum.Config) (web3.Ledger, error) {
	return ethereum.NewClient(ctx, cfg)
}

// Registry manages a set of ledgers keyed by human readable names.
type Registry struct {
	defaultChain string
	pollInterval time.Duration
	dial         DialFunc

	mu      sync.Mutex
	ledgers map[string]web3.Ledger
}

// Option customises a Registry.
type Option func(*Registry)

// WithDialer replaces the ledger constructor, mainly for tests.
func WithDialer(dial DialFunc) Option {
	return func(r *Registry) {
		if dial != nil {
			r.dial = dial
		}
	}
}

// NewRegistry loads chain definitions and instantiates concrete clients. The
// built-in Pharos definition is used when nothing is configured.
func NewRegistry(ctx context.Context, cfg config.Web3Config, opts ...Option) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}
	if len(defs.Chains) == 0 {
		chain := web3.DefaultChain()
		if url := strings.TrimSpace(cfg.RPCURL); url != "" {
			chain.RPCURL = url
			chain.ChainID = cfg.ChainID
		}
		defs.Chains[web3.DefaultChainName] = chain
		if cfg.DefaultChain == "" {
			cfg.DefaultChain = web3.DefaultChainName
		}
	}

	r := &Registry{
		pollInterval: cfg.PollInterval(),
		dial:         dialEthereum,
		ledgers:      make(map[string]web3.Ledger),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType != "" && chainType != "evm" {
			r.Close()
			return nil, fmt.Errorf("chain %s uses unsupported type %s", name, chain.Type)
		}
		ledger, err := r.dial(ctx, ethereum.Config{
			Name:         name,
			RPCURL:       chain.RPCURL,
			ChainID:      chain.ChainID,
			PollInterval: r.pollInterval,
		})
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("init chain %s: %w", name, err)
		}
		r.ledgers[name] = ledger
	}

	defaultChain := cfg.DefaultChain
	if defaultChain == "" {
		defaultChain = r.Chains()[0]
	}
	if _, ok := r.ledgers[defaultChain]; !ok {
		r.Close()
		return nil, fmt.Errorf("default chain %s is not configured", defaultChain)
	}
	r.defaultChain = defaultChain
	return r, nil
}

// DefaultChain returns the name of the default chain.
func (r *Registry) DefaultChain() string { return r.defaultChain }

// Ledger returns the named ledger, or the default one when name is empty.
func (r *Registry) Ledger(name string) (web3.Ledger, error) {
	if r == nil {
		return nil, errors.New("chain registry is not initialised")
	}
	if name == "" {
		name = r.defaultChain
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ledger, ok := r.ledgers[name]
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unknown chain %s", name))
	}
	return ledger, nil
}

// Resolve picks the ledger for a job. An explicit rpcURL dials a dedicated
// ledger that is closed by the returned release function; otherwise the named
// or default shared ledger is returned with a no-op release.
func (r *Registry) Resolve(ctx context.Context, chain, rpcURL string) (web3.Ledger, func(), error) {
	if url := strings.TrimSpace(rpcURL); url != "" {
		ledger, err := r.dial(ctx, ethereum.Config{Name: url, RPCURL: url, PollInterval: r.pollInterval})
		if err != nil {
			return nil, nil, err
		}
		return ledger, ledger.Close, nil
	}
	ledger, err := r.Ledger(chain)
	if err != nil {
		return nil, nil, err
	}
	return ledger, func() {}, nil
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.ledgers))
	for name := range r.ledgers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases all ledgers managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, ledger := range r.ledgers {
		if ledger != nil {
			ledger.Close()
		}
		delete(r.ledgers, name)
	}
}
