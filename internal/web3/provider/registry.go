package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/afristrup/chronicler-agentic-audit/internal/config"
	"github.com/afristrup/chronicler-agentic-audit/internal/web3"
	"github.com/afristrup/chronicler-agentic-audit/internal/web3/ethereum"
)

// Registry manages a set of anchors keyed by human readable chain names.
type Registry struct {
	defaultChain string
	anchors      map[string]web3.Anchor
}

// Dialer builds an EVM anchor; overridable in tests.
type Dialer func(ctx context.Context, cfg ethereum.Config) (web3.Anchor, error)

func dialEthereum(ctx context.Context, cfg ethereum.Config) (web3.Anchor, error) {
	return ethereum.Dial(ctx, cfg)
}

// NewRegistry builds anchors for the configured mode. In local mode a single
// in-process ledger is returned; in ethereum mode one anchor is dialled per
// chain definition.
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	return newRegistry(ctx, cfg, dialEthereum)
}

func newRegistry(ctx context.Context, cfg config.Web3Config, dial Dialer) (*Registry, error) {
	if cfg.Mode == "" || cfg.Mode == "local" {
		name := cfg.DefaultChain
		if name == "" {
			name = "local"
		}
		return &Registry{
			defaultChain: name,
			anchors:      map[string]web3.Anchor{name: web3.NewLocalAnchor(name, uint64(cfg.ChainID))},
		}, nil
	}

	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	reg := &Registry{anchors: make(map[string]web3.Anchor)}
	for name, chain := range defs.Chains {
		switch strings.ToLower(strings.TrimSpace(chain.Type)) {
		case "evm":
			anchor, err := dial(ctx, ethereum.Config{
				Name:          name,
				RPCURL:        chain.RPCURL,
				PrivateKey:    cfg.AnchorKey,
				AnchorAddress: chain.AnchorAddress,
				GasLimit:      chain.GasLimit,
				Notes:         chain.Description,
			})
			if err != nil {
				reg.Close()
				return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
			}
			reg.anchors[name] = anchor
		case "local":
			reg.anchors[name] = web3.NewLocalAnchor(name, uint64(chain.ChainID))
		default:
			reg.Close()
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
	}
	if len(reg.anchors) == 0 {
		return nil, errors.New("未配置任何链")
	}

	reg.defaultChain = cfg.DefaultChain
	if reg.defaultChain == "" {
		reg.defaultChain = defs.Default
	}
	if reg.defaultChain == "" {
		reg.defaultChain = reg.Chains()[0]
	}
	if _, ok := reg.anchors[reg.defaultChain]; !ok {
		reg.Close()
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", reg.defaultChain)
	}
	return reg, nil
}

// Default returns the anchor configured as default chain.
func (r *Registry) Default() (web3.Anchor, error) {
	if r == nil {
		return nil, errors.New("未初始化的链注册表")
	}
	anchor, ok := r.anchors[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return anchor, nil
}

// Anchor returns the anchor identified by name.
func (r *Registry) Anchor(name string) (web3.Anchor, bool) {
	if r == nil {
		return nil, false
	}
	anchor, ok := r.anchors[name]
	return anchor, ok
}

// Close releases all anchors managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, anchor := range r.anchors {
		if anchor != nil {
			anchor.Close()
		}
		delete(r.anchors, name)
	}
}

// Chains returns the sorted list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.anchors))
	for name := range r.anchors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
