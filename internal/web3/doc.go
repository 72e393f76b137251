// Package web3 houses blockchain connectivity used by the built-in chain
// tools: RPC clients for EVM compatible networks, multi-chain configuration
// loaded from YAML, and read-only helpers such as balances, nonces and gas
// price suggestions.
package web3
