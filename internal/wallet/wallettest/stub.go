// Package wallettest provides an in-memory wallet.Agent for tests.
package wallettest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"OpenMCP-Wallet/internal/wallet"
)

// Agent is a scripted wallet.Agent. Zero values produce empty balances.
type Agent struct {
	Addr         string
	Symbol       string
	Native       float64
	NativeErr    error
	Tokens       []wallet.TokenBalance
	TokensErr    error
	NativeUSD    float64
	NativeUSDErr error
	// TokenUSD is keyed by lower-case token address.
	TokenUSD map[string]float64
	Info     wallet.ChainInfo
	// Signer marks the agent as able to sign transfers.
	Signer bool

	mu        sync.Mutex
	Transfers []wallet.TransferRequest
}

var _ wallet.Agent = (*Agent)(nil)

func (a *Agent) Address() string { return a.Addr }

func (a *Agent) NativeSymbol() string {
	if a.Symbol == "" {
		return "ETH"
	}
	return a.Symbol
}

func (a *Agent) CanSign() bool { return a.Signer }

func (a *Agent) NativeBalance(context.Context) (float64, error) {
	return a.Native, a.NativeErr
}

func (a *Agent) TokenBalances(context.Context) ([]wallet.TokenBalance, error) {
	if a.TokensErr != nil {
		return nil, a.TokensErr
	}
	return append([]wallet.TokenBalance(nil), a.Tokens...), nil
}

func (a *Agent) NativePrice(context.Context) (float64, error) {
	return a.NativeUSD, a.NativeUSDErr
}

func (a *Agent) TokenPrice(_ context.Context, address string) (float64, error) {
	price, ok := a.TokenUSD[strings.ToLower(address)]
	if !ok {
		return 0, errors.New("price feed unavailable")
	}
	return price, nil
}

func (a *Agent) ChainInfo(context.Context) (wallet.ChainInfo, error) {
	return a.Info, nil
}

func (a *Agent) Transfer(_ context.Context, req wallet.TransferRequest) (wallet.TransferResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Transfers = append(a.Transfers, req)
	return wallet.TransferResult{TxHash: "0xfeed", From: a.Addr, To: req.To, Amount: req.Amount, Token: req.Token}, nil
}

// Factory returns a wallet.Factory that hands out a fresh Agent per call,
// built by fn for the requested key.
func Factory(fn func(walletKey string) *Agent) wallet.Factory {
	return func(_ context.Context, walletKey string) (wallet.Agent, error) {
		return fn(walletKey), nil
	}
}
