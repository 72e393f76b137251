package provider

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"ChainSage/internal/config"
	"ChainSage/internal/web3"
	"ChainSage/internal/web3/ethereum"
)

// fallbackChain names the chain built from web3.rpc_url when chains.yaml is empty.
const fallbackChain = "default"

// DialFunc opens a client for one chain definition.
type DialFunc func(ctx context.Context, name string, def web3.ChainDefinition) (web3.Client, error)

// DialEVM is the DialFunc used by NewRegistry.
func DialEVM(ctx context.Context, name string, def web3.ChainDefinition) (web3.Client, error) {
	if kind := def.Kind(); kind != "evm" {
		return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, kind)
	}
	return ethereum.NewClient(ctx, ethereum.Config{
		Name:            name,
		RPCURL:          def.RPCURL,
		Notes:           def.Description,
		ExpectedChainID: def.ChainID,
	})
}

// Registry holds one client per configured chain and a default chain name.
type Registry struct {
	defaultChain string
	clients      map[string]web3.Client
}

// NewRegistry loads chains.yaml and dials every chain with DialEVM.
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	return NewRegistryWithDialer(ctx, cfg, DialEVM)
}

// NewRegistryWithDialer is NewRegistry with a custom dialer. If the YAML file
// defines no chains, a single chain named "default" is built from rpc_url.
// The first dial failure closes the clients opened so far.
func NewRegistryWithDialer(ctx context.Context, cfg config.Web3Config, dial DialFunc) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}
	if len(defs.Chains) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		defs.Chains[fallbackChain] = web3.ChainDefinition{RPCURL: strings.TrimSpace(cfg.RPCURL)}
	}

	clients := make(map[string]web3.Client, len(defs.Chains))
	for _, name := range slices.Sorted(maps.Keys(defs.Chains)) {
		client, err := dial(ctx, name, defs.Chains[name])
		if err != nil {
			closeAll(clients)
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		clients[name] = client
	}

	defaultChain := firstNonEmpty(cfg.DefaultChain, defs.Default)
	if defaultChain == "" && len(clients) == 1 {
		for name := range clients {
			defaultChain = name
		}
	}
	registry, err := NewStaticRegistry(defaultChain, clients)
	if err != nil {
		closeAll(clients)
		return nil, err
	}
	return registry, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// NewStaticRegistry wraps pre-built clients. An empty default selects the
// alphabetically first chain.
func NewStaticRegistry(defaultChain string, clients map[string]web3.Client) (*Registry, error) {
	if len(clients) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}
	if defaultChain == "" {
		defaultChain = slices.Sorted(maps.Keys(clients))[0]
	}
	if _, ok := clients[defaultChain]; !ok {
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}
	return &Registry{defaultChain: defaultChain, clients: clients}, nil
}

// DefaultClient returns the client of the default chain.
func (r *Registry) DefaultClient() (web3.Client, error) {
	return r.Resolve("")
}

// Resolve implements web3.Resolver.
func (r *Registry) Resolve(name string) (web3.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	if name == "" {
		name = r.defaultChain
	}
	if client, ok := r.clients[name]; ok {
		return client, nil
	}
	return nil, fmt.Errorf("unknown chain %q (known: %s)", name, strings.Join(r.Chains(), ", "))
}

// DefaultChain returns the name used when a query does not pick a chain.
func (r *Registry) DefaultChain() string {
	if r == nil {
		return ""
	}
	return r.defaultChain
}

// Chains returns the registered chain names in sorted order.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(r.clients))
}

// Close releases every client.
func (r *Registry) Close() {
	if r != nil {
		closeAll(r.clients)
	}
}

func closeAll(clients map[string]web3.Client) {
	for name, client := range clients {
		if client != nil {
			client.Close()
		}
		delete(clients, name)
	}
}
