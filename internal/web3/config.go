package web3

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chain.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single chain endpoint definition.
type ChainDefinition struct {
	Type        string `yaml:"type"`
	RPCURL      string `yaml:"rpc_url"`
	Description string `yaml:"description"`
	// NativeSymbol is the ticker of the gas token, e.g. ETH.
	NativeSymbol string `yaml:"native_symbol"`
	// NativeCoinGeckoID identifies the gas token on price feeds.
	NativeCoinGeckoID string `yaml:"native_coingecko_id"`
	// PriceChain is the chain slug DefiLlama uses for token addresses.
	PriceChain string            `yaml:"price_chain"`
	Tokens     []TokenDefinition `yaml:"tokens"`
}

// TokenDefinition lists an ERC-20 token whose balance is reported.
type TokenDefinition struct {
	Address  string `yaml:"address"`
	Symbol   string `yaml:"symbol"`
	Decimals uint8  `yaml:"decimals"`
	// Stable tokens are valued 1:1 against USD.
	Stable bool `yaml:"stable"`
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}

	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	for name, def := range defs.Chains {
		defs.Chains[name] = def.WithDefaults(name)
	}
	return defs, nil
}

// WithDefaults fills the optional fields of an EVM chain definition.
func (d ChainDefinition) WithDefaults(name string) ChainDefinition {
	if strings.TrimSpace(d.Type) == "" {
		d.Type = "evm"
	}
	if d.NativeSymbol == "" {
		d.NativeSymbol = "ETH"
	}
	if d.NativeCoinGeckoID == "" {
		d.NativeCoinGeckoID = "ethereum"
	}
	if d.PriceChain == "" {
		d.PriceChain = name
	}
	for i := range d.Tokens {
		if d.Tokens[i].Decimals == 0 {
			d.Tokens[i].Decimals = 18
		}
	}
	return d
}

// Token returns the definition for a token address, ignoring case.
func (d ChainDefinition) Token(address string) (TokenDefinition, bool) {
	for _, token := range d.Tokens {
		if strings.EqualFold(token.Address, strings.TrimSpace(address)) {
			return token, true
		}
	}
	return TokenDefinition{}, false
}
