package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"ChainSage/internal/web3"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name   string
	RPCURL string
	Notes  string
	// ExpectedChainID, when non-zero, must match the node's chain ID.
	ExpectedChainID uint64
}

// Reader is the subset of ethclient used by Client. Both *ethclient.Client
// and the go-ethereum simulated backend satisfy it.
type Reader interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// Client implements web3.Client for EVM compatible chains.
type Client struct {
	name   string
	notes  string
	reader Reader
	closer func()
	mu     sync.Mutex
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	if err := verifyChainID(ctx, eth, cfg.ExpectedChainID); err != nil {
		eth.Close()
		return nil, fmt.Errorf("链 %s: %w", cfg.Name, err)
	}
	return &Client{name: cfg.Name, notes: cfg.Notes, reader: eth, closer: eth.Close}, nil
}

// verifyChainID guards against an rpc_url that points at the wrong network.
func verifyChainID(ctx context.Context, reader Reader, expected uint64) error {
	if expected == 0 {
		return nil
	}
	got, err := reader.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("获取链 ID 失败: %w", err)
	}
	if !got.IsUint64() || got.Uint64() != expected {
		return fmt.Errorf("链 ID 不匹配: 期望 %d, 节点返回 %s", expected, got)
	}
	return nil
}

// NewWithReader wraps an existing reader, e.g. a simulated backend client in tests.
func NewWithReader(name, notes string, reader Reader) *Client {
	return &Client{name: name, notes: notes, reader: reader}
}

// Name returns the configured chain name.
func (c *Client) Name() string { return c.name }

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closer != nil {
		c.closer()
		c.closer = nil
	}
}

func (c *Client) backend() (Reader, error) {
	if c == nil || c.reader == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	return c.reader, nil
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	reader, err := c.backend()
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	chainID, err := reader.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	blockNumber, err := reader.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	snapshot := web3.ChainSnapshot{
		Chain:       c.name,
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}
	if price, err := reader.SuggestGasPrice(ctx); err == nil {
		snapshot.GasPrice = toHexBig(price)
	}
	return snapshot, nil
}

// Balance returns the latest native balance of address in wei.
func (c *Client) Balance(ctx context.Context, address string) (*big.Int, error) {
	reader, err := c.backend()
	if err != nil {
		return nil, err
	}
	addr, err := parseAddress(address)
	if err != nil {
		return nil, err
	}
	balance, err := reader.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}
	return balance, nil
}

// TransactionCount returns the latest nonce of address.
func (c *Client) TransactionCount(ctx context.Context, address string) (uint64, error) {
	reader, err := c.backend()
	if err != nil {
		return 0, err
	}
	addr, err := parseAddress(address)
	if err != nil {
		return 0, err
	}
	nonce, err := reader.NonceAt(ctx, addr, nil)
	if err != nil {
		return 0, fmt.Errorf("查询交易数失败: %w", err)
	}
	return nonce, nil
}

// SuggestGasPrice returns the node's gas price suggestion in wei.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	reader, err := c.backend()
	if err != nil {
		return nil, err
	}
	price, err := reader.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("查询 gas 价格失败: %w", err)
	}
	return price, nil
}

func parseAddress(address string) (common.Address, error) {
	address = strings.TrimSpace(address)
	if !common.IsHexAddress(address) {
		return common.Address{}, fmt.Errorf("无效的地址 %q", address)
	}
	return common.HexToAddress(address), nil
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}
