// Package chaintools exposes read-only chain queries as registry tools.
package chaintools

import (
	"context"
	"math/big"
	"strings"

	"ChainSage/internal/tool"
	"ChainSage/internal/web3"
)

const (
	Category = "chain"
	Version  = "1.0.0"
)

// BalanceReport 是 get_native_balance 的输出。
type BalanceReport struct {
	Chain   string `json:"chain"`
	Address string `json:"address"`
	Wei     string `json:"wei"`
	Ether   string `json:"ether,omitempty"`
}

// NonceReport 是 get_transaction_count 的输出。
type NonceReport struct {
	Chain   string `json:"chain"`
	Address string `json:"address"`
	Nonce   uint64 `json:"nonce"`
}

// GasPriceReport 是 suggest_gas_price 的输出。
type GasPriceReport struct {
	Chain string `json:"chain"`
	Wei   string `json:"wei"`
	Gwei  string `json:"gwei"`
}

var addressParam = tool.Parameter{
	Name:        "address",
	Type:        "address",
	Description: "account address; defaults to the caller's wallet",
}

// Register 将链上查询工具注册到 reg。
func Register(reg *tool.Registry, chains web3.Resolver) error {
	tools, err := Tools(chains)
	if err != nil {
		return err
	}
	for _, t := range tools {
		if err := reg.RegisterTool(t); err != nil {
			return err
		}
	}
	return nil
}

// Tools 构造全部链上查询工具。
func Tools(chains web3.Resolver) ([]*tool.Tool, error) {
	validateAddress, err := tool.SchemaValidator([]tool.Parameter{addressParam})
	if err != nil {
		return nil, err
	}

	snapshot := &tool.Tool{
		Name:         "get_chain_snapshot",
		Description:  "Return chain id, latest block number and current gas price of the selected chain",
		Category:     Category,
		Version:      Version,
		ParallelSafe: true,
		Execute: func(ctx context.Context, _ tool.Args, execCtx tool.ExecutionContext) (tool.Result, error) {
			client, err := chains.Resolve(execCtx.ChainID)
			if err != nil {
				return tool.Fail(err.Error()), nil
			}
			snap, err := client.FetchChainSnapshot(ctx)
			if err != nil {
				return tool.Result{}, err
			}
			return tool.OK(snap), nil
		},
	}

	balance := &tool.Tool{
		Name:            "get_native_balance",
		Description:     "Return the native coin balance of an address",
		Category:        Category,
		Version:         Version,
		Parameters:      []tool.Parameter{addressParam},
		ParallelSafe:    true,
		RequiredContext: []string{"walletAddress"},
		Validate:        validateAddress,
		Transform: func(v any) any {
			report, ok := v.(BalanceReport)
			if !ok {
				return v
			}
			if wei, ok := new(big.Int).SetString(report.Wei, 10); ok {
				report.Ether = FormatUnits(wei, 18)
			}
			return report
		},
		Execute: func(ctx context.Context, args tool.Args, execCtx tool.ExecutionContext) (tool.Result, error) {
			client, address, fail := resolve(chains, args, execCtx)
			if fail != nil {
				return *fail, nil
			}
			wei, err := client.Balance(ctx, address)
			if err != nil {
				return tool.Result{}, err
			}
			return tool.OK(BalanceReport{Chain: client.Name(), Address: address, Wei: wei.String()}), nil
		},
	}

	nonce := &tool.Tool{
		Name:            "get_transaction_count",
		Description:     "Return the number of transactions sent from an address",
		Category:        Category,
		Version:         Version,
		Parameters:      []tool.Parameter{addressParam},
		ParallelSafe:    true,
		RequiredContext: []string{"walletAddress"},
		Validate:        validateAddress,
		Execute: func(ctx context.Context, args tool.Args, execCtx tool.ExecutionContext) (tool.Result, error) {
			client, address, fail := resolve(chains, args, execCtx)
			if fail != nil {
				return *fail, nil
			}
			n, err := client.TransactionCount(ctx, address)
			if err != nil {
				return tool.Result{}, err
			}
			return tool.OK(NonceReport{Chain: client.Name(), Address: address, Nonce: n}), nil
		},
	}

	gas := &tool.Tool{
		Name:         "suggest_gas_price",
		Description:  "Return the node's suggested gas price",
		Category:     Category,
		Version:      Version,
		ParallelSafe: true,
		Execute: func(ctx context.Context, _ tool.Args, execCtx tool.ExecutionContext) (tool.Result, error) {
			client, err := chains.Resolve(execCtx.ChainID)
			if err != nil {
				return tool.Fail(err.Error()), nil
			}
			price, err := client.SuggestGasPrice(ctx)
			if err != nil {
				return tool.Result{}, err
			}
			return tool.OK(GasPriceReport{Chain: client.Name(), Wei: price.String(), Gwei: FormatUnits(price, 9)}), nil
		},
	}

	return []*tool.Tool{snapshot, balance, nonce, gas}, nil
}

func resolve(chains web3.Resolver, args tool.Args, execCtx tool.ExecutionContext) (web3.Client, string, *tool.Result) {
	address := strings.TrimSpace(args.StringAt(0))
	if address == "" {
		address = execCtx.WalletAddress
	}
	if address == "" {
		fail := tool.Fail("address is required")
		return nil, "", &fail
	}
	client, err := chains.Resolve(execCtx.ChainID)
	if err != nil {
		fail := tool.Fail(err.Error())
		return nil, "", &fail
	}
	return client, address, nil
}

// FormatUnits 把最小单位数值按 decimals 位小数格式化，去掉多余的尾随 0。
func FormatUnits(amount *big.Int, decimals int) string {
	if amount == nil {
		return "0"
	}
	neg := amount.Sign() < 0
	digits := new(big.Int).Abs(amount).String()
	if len(digits) <= decimals {
		digits = strings.Repeat("0", decimals-len(digits)+1) + digits
	}
	whole := digits[:len(digits)-decimals]
	frac := strings.TrimRight(digits[len(digits)-decimals:], "0")
	out := whole
	if frac != "" {
		out += "." + frac
	}
	if neg {
		out = "-" + out
	}
	return out
}
