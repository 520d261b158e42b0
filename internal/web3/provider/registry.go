package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/ethclient"

	"OpenMCP-Wallet/internal/config"
	"OpenMCP-Wallet/internal/web3"
)

// Registry manages a set of chain backends keyed by human readable names.
type Registry struct {
	defaultChain string
	chains       map[string]web3.Chain
}

// NewRegistry loads chain definitions and dials every configured endpoint.
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	if len(defs.Chains) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		defs.Chains["ethereum"] = web3.ChainDefinition{RPCURL: cfg.RPCURL}.WithDefaults("ethereum")
		if cfg.DefaultChain == "" {
			cfg.DefaultChain = "ethereum"
		}
	}

	chains := make(map[string]web3.Chain, len(defs.Chains))
	for name, def := range defs.Chains {
		if strings.ToLower(def.Type) != "evm" {
			closeAll(chains)
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, def.Type)
		}
		if strings.TrimSpace(def.RPCURL) == "" {
			closeAll(chains)
			return nil, fmt.Errorf("链 %s 未配置 rpc_url", name)
		}
		client, err := ethclient.DialContext(ctx, def.RPCURL)
		if err != nil {
			closeAll(chains)
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		chains[name] = web3.Chain{Name: name, Definition: def, Backend: client}
	}

	return newRegistry(cfg.DefaultChain, chains)
}

// NewStaticRegistry wraps already constructed backends, e.g. a simulated chain.
func NewStaticRegistry(defaultChain string, chains ...web3.Chain) (*Registry, error) {
	byName := make(map[string]web3.Chain, len(chains))
	for _, chain := range chains {
		chain.Definition = chain.Definition.WithDefaults(chain.Name)
		byName[chain.Name] = chain
	}
	return newRegistry(defaultChain, byName)
}

func newRegistry(defaultChain string, chains map[string]web3.Chain) (*Registry, error) {
	if len(chains) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}
	if defaultChain == "" {
		names := make([]string, 0, len(chains))
		for name := range chains {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultChain = names[0]
	}
	if _, ok := chains[defaultChain]; !ok {
		closeAll(chains)
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}
	return &Registry{defaultChain: defaultChain, chains: chains}, nil
}

// DefaultChain returns the chain configured as default.
func (r *Registry) DefaultChain() (web3.Chain, error) {
	if r == nil {
		return web3.Chain{}, errors.New("未初始化的链注册表")
	}
	chain, ok := r.chains[r.defaultChain]
	if !ok {
		return web3.Chain{}, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return chain, nil
}

// Chain returns the chain identified by name.
func (r *Registry) Chain(name string) (web3.Chain, bool) {
	if r == nil {
		return web3.Chain{}, false
	}
	chain, ok := r.chains[name]
	return chain, ok
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.chains))
	for name := range r.chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases all backends managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	closeAll(r.chains)
}

func closeAll(chains map[string]web3.Chain) {
	for name, chain := range chains {
		if closer, ok := chain.Backend.(interface{ Close() }); ok {
			closer.Close()
		}
		delete(chains, name)
	}
}
