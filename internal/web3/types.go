package web3

import (
	"context"
	"math/big"
)

// ChainSnapshot represents summarized network metadata for reporting.
type ChainSnapshot struct {
	Chain       string `json:"chain"`
	ChainID     string `json:"chainId"`
	BlockNumber string `json:"blockNumber"`
	GasPrice    string `json:"gasPrice,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

// Client defines the read operations every chain implementation provides so
// the tool layer can query different networks uniformly.
type Client interface {
	Name() string
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	Balance(ctx context.Context, address string) (*big.Int, error)
	TransactionCount(ctx context.Context, address string) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	Close()
}

// Resolver looks up a chain client by name; an empty name selects the default chain.
type Resolver interface {
	Resolve(name string) (Client, error)
}
