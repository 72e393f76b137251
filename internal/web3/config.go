package web3

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChainDefinitions is the decoded form of configs/chains.yaml.
type ChainDefinitions struct {
	Default string                     `yaml:"default"`
	Chains  map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes one RPC endpoint.
//
// rpc_url may reference environment variables (${ALCHEMY_KEY}) so that
// provider keys stay out of the file. A non-zero chain_id is checked against
// the node when the client is dialled.
type ChainDefinition struct {
	Type        string `yaml:"type"`
	RPCURL      string `yaml:"rpc_url"`
	ChainID     uint64 `yaml:"chain_id"`
	Description string `yaml:"description"`
}

// Kind returns the normalised chain type; an empty type means "evm".
func (d ChainDefinition) Kind() string {
	if kind := strings.ToLower(strings.TrimSpace(d.Type)); kind != "" {
		return kind
	}
	return "evm"
}

// LoadChainDefinitions reads and parses the YAML file at path. A blank path
// yields an empty, non-nil set.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}
	return ParseChainDefinitions(content)
}

// ParseChainDefinitions decodes YAML bytes, expands environment references in
// rpc_url and rejects chains without an endpoint.
func ParseChainDefinitions(content []byte) (ChainDefinitions, error) {
	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	chains := make(map[string]ChainDefinition, len(defs.Chains))
	for name, chain := range defs.Chains {
		chain.RPCURL = strings.TrimSpace(os.ExpandEnv(chain.RPCURL))
		if chain.RPCURL == "" {
			return ChainDefinitions{}, fmt.Errorf("链 %s 缺少 rpc_url", name)
		}
		chains[name] = chain
	}
	defs.Chains = chains
	defs.Default = strings.TrimSpace(defs.Default)
	if defs.Default != "" {
		if _, ok := chains[defs.Default]; !ok {
			return ChainDefinitions{}, fmt.Errorf("默认链 %s 未在 chains 中定义", defs.Default)
		}
	}
	return defs, nil
}
