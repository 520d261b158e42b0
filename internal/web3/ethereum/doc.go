// Package ethereum implements the wallet agent for EVM chains on top of
// go-ethereum: balances through JSON-RPC, ERC-20 calls through the ABI
// encoder, and legacy transactions signed with a configured key.
package ethereum
