// Package wallet defines the capability surface a session agent exposes to
// the tool set and the portfolio aggregator.
package wallet

import (
	"context"
	"errors"
)

// ErrSignerUnavailable 表示当前钱包没有可用的签名密钥。
var ErrSignerUnavailable = errors.New("signer unavailable for this wallet")

// Agent 是绑定到单个钱包身份的链上能力集合。
type Agent interface {
	Address() string
	NativeSymbol() string
	NativeBalance(ctx context.Context) (float64, error)
	TokenBalances(ctx context.Context) ([]TokenBalance, error)
	NativePrice(ctx context.Context) (float64, error)
	TokenPrice(ctx context.Context, address string) (float64, error)
	ChainInfo(ctx context.Context) (ChainInfo, error)
	Transfer(ctx context.Context, req TransferRequest) (TransferResult, error)
}

// Factory 根据钱包身份构造 Agent。
type Factory func(ctx context.Context, walletKey string) (Agent, error)

// TokenBalance 描述一个代币持仓。
type TokenBalance struct {
	Address  string  `json:"address"`
	Symbol   string  `json:"symbol"`
	Decimals uint8   `json:"decimals"`
	Balance  float64 `json:"balance"`
	Stable   bool    `json:"stable"`
}

// ChainInfo 描述 Agent 所连接的链。
type ChainInfo struct {
	Name         string `json:"name"`
	ChainID      string `json:"chain_id"`
	BlockNumber  uint64 `json:"block_number"`
	NativeSymbol string `json:"native_symbol"`
}

// TransferRequest 描述一笔转账。Token 为空表示原生资产。
type TransferRequest struct {
	To     string `json:"to"`
	Amount string `json:"amount"`
	Token  string `json:"token,omitempty"`
}

// TransferResult 是已广播交易的摘要。
type TransferResult struct {
	TxHash string `json:"tx_hash"`
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
	Token  string `json:"token,omitempty"`
}
