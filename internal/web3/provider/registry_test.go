package provider

import (
	"context"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"ChainSage/internal/config"
	"ChainSage/internal/web3"
)

type stubClient struct {
	name   string
	closed bool
}

func (s *stubClient) Name() string { return s.name }
func (s *stubClient) FetchChainSnapshot(context.Context) (web3.ChainSnapshot, error) {
	return web3.ChainSnapshot{Chain: s.name}, nil
}
func (s *stubClient) Balance(context.Context, string) (*big.Int, error) { return big.NewInt(0), nil }
func (s *stubClient) TransactionCount(context.Context, string) (uint64, error) {
	return 0, nil
}
func (s *stubClient) SuggestGasPrice(context.Context) (*big.Int, error) { return big.NewInt(1), nil }
func (s *stubClient) Close()                                            { s.closed = true }

func TestStaticRegistryResolve(t *testing.T) {
	a, b := &stubClient{name: "alpha"}, &stubClient{name: "beta"}
	reg, err := NewStaticRegistry("", map[string]web3.Client{"beta": b, "alpha": a})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	def, err := reg.DefaultClient()
	if err != nil || def.Name() != "alpha" {
		t.Fatalf("default should be alphabetically first, got %v (%v)", def, err)
	}
	got, err := reg.Resolve("beta")
	if err != nil || got != b {
		t.Fatalf("unexpected resolve result %v %v", got, err)
	}
	if _, err := reg.Resolve("gamma"); err == nil {
		t.Fatalf("unknown chain should fail")
	}
	if names := reg.Chains(); len(names) != 2 || names[0] != "alpha" {
		t.Fatalf("unexpected chains %v", names)
	}
	reg.Close()
	if !a.closed || !b.closed {
		t.Fatalf("close should release all clients")
	}
}

func TestStaticRegistryRejectsUnknownDefault(t *testing.T) {
	if _, err := NewStaticRegistry("main", map[string]web3.Client{"test": &stubClient{}}); err == nil {
		t.Fatalf("expected error for missing default chain")
	}
	if _, err := NewStaticRegistry("", nil); err == nil {
		t.Fatalf("expected error without clients")
	}
}

func TestNewRegistryRequiresEndpoint(t *testing.T) {
	if _, err := NewRegistry(context.Background(), config.Web3Config{}); err == nil {
		t.Fatalf("expected error without any rpc endpoint")
	}
}

func TestNewRegistryWithDialerFallsBackToRPCURL(t *testing.T) {
	var dialed []string
	dial := func(_ context.Context, name string, def web3.ChainDefinition) (web3.Client, error) {
		dialed = append(dialed, name+"="+def.RPCURL)
		return &stubClient{name: name}, nil
	}
	reg, err := NewRegistryWithDialer(context.Background(), config.Web3Config{RPCURL: " http://127.0.0.1:8545 "}, dial)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if len(dialed) != 1 || dialed[0] != "default=http://127.0.0.1:8545" {
		t.Fatalf("unexpected dials %v", dialed)
	}
	if reg.DefaultChain() != "default" {
		t.Fatalf("unexpected default chain %q", reg.DefaultChain())
	}
}

func TestNewRegistryWithDialerClosesOnFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.yaml")
	yaml := "chains:\n  a:\n    rpc_url: http://a\n  b:\n    rpc_url: http://b\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	opened := map[string]*stubClient{}
	dial := func(_ context.Context, name string, _ web3.ChainDefinition) (web3.Client, error) {
		if name == "b" {
			return nil, errors.New("dial refused")
		}
		c := &stubClient{name: name}
		opened[name] = c
		return c, nil
	}
	if _, err := NewRegistryWithDialer(context.Background(), config.Web3Config{ChainConfig: path}, dial); err == nil {
		t.Fatalf("expected dial failure")
	}
	if !opened["a"].closed {
		t.Fatalf("clients opened before the failure should be closed")
	}
}

func TestDialEVMRejectsUnknownType(t *testing.T) {
	if _, err := DialEVM(context.Background(), "sui", web3.ChainDefinition{Type: "move", RPCURL: "http://x"}); err == nil {
		t.Fatalf("expected unsupported type error")
	}
}
