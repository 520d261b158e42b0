package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"OpenMCP-Wallet/internal/pricefeed"
	"OpenMCP-Wallet/internal/wallet"
	"OpenMCP-Wallet/internal/web3"
)

const nativeTransferGas = 21_000

// PriceQuoter resolves the live USD price of a DefiLlama coin identifier.
type PriceQuoter interface {
	Price(ctx context.Context, coin string) (float64, error)
}

// Config describes how to construct an agent for one wallet.
type Config struct {
	Chain     web3.Chain
	WalletKey string
	// SignerKey is only used when it controls WalletKey.
	SignerKey string
	Quoter    PriceQuoter
}

// Agent implements wallet.Agent for EVM compatible chains.
type Agent struct {
	chain   web3.Chain
	address common.Address
	signer  *ecdsa.PrivateKey
	quoter  PriceQuoter
}

var _ wallet.Agent = (*Agent)(nil)

// NewAgent validates the wallet identity and binds it to the chain backend.
func NewAgent(cfg Config) (*Agent, error) {
	if cfg.Chain.Backend == nil {
		return nil, errors.New("未配置链访问后端")
	}
	key := strings.TrimSpace(cfg.WalletKey)
	if !common.IsHexAddress(key) {
		return nil, fmt.Errorf("无效的钱包地址: %s", key)
	}
	address := common.HexToAddress(key)

	var signer *ecdsa.PrivateKey
	if raw := strings.TrimPrefix(strings.TrimSpace(cfg.SignerKey), "0x"); raw != "" {
		privateKey, err := crypto.HexToECDSA(raw)
		if err != nil {
			return nil, fmt.Errorf("解析签名密钥失败: %w", err)
		}
		if crypto.PubkeyToAddress(privateKey.PublicKey) == address {
			signer = privateKey
		}
	}

	return &Agent{
		chain:   web3.Chain{Name: cfg.Chain.Name, Definition: cfg.Chain.Definition.WithDefaults(cfg.Chain.Name), Backend: cfg.Chain.Backend},
		address: address,
		signer:  signer,
		quoter:  cfg.Quoter,
	}, nil
}

// NewFactory returns a wallet.Factory that builds agents on the given chain.
func NewFactory(chain web3.Chain, signerKey string, quoter PriceQuoter) wallet.Factory {
	return func(_ context.Context, walletKey string) (wallet.Agent, error) {
		return NewAgent(Config{Chain: chain, WalletKey: walletKey, SignerKey: signerKey, Quoter: quoter})
	}
}

// Address returns the checksummed wallet address.
func (a *Agent) Address() string {
	return a.address.Hex()
}

// NativeSymbol returns the ticker of the chain's gas token.
func (a *Agent) NativeSymbol() string {
	return a.chain.Definition.NativeSymbol
}

// CanSign reports whether transfers can be signed for this wallet.
func (a *Agent) CanSign() bool {
	return a.signer != nil
}

// NativeBalance returns the gas token balance in whole units.
func (a *Agent) NativeBalance(ctx context.Context) (float64, error) {
	balance, err := a.chain.Backend.BalanceAt(ctx, a.address, nil)
	if err != nil {
		return 0, fmt.Errorf("查询余额失败: %w", err)
	}
	return fromBaseUnits(balance, 18), nil
}

// TokenBalances returns the balance of every token listed for the chain.
func (a *Agent) TokenBalances(ctx context.Context) ([]wallet.TokenBalance, error) {
	tokens := a.chain.Definition.Tokens
	out := make([]wallet.TokenBalance, 0, len(tokens))
	for _, token := range tokens {
		raw, err := a.erc20Balance(ctx, common.HexToAddress(token.Address))
		if err != nil {
			return nil, fmt.Errorf("查询代币 %s 余额失败: %w", token.Symbol, err)
		}
		out = append(out, wallet.TokenBalance{
			Address:  common.HexToAddress(token.Address).Hex(),
			Symbol:   token.Symbol,
			Decimals: token.Decimals,
			Balance:  fromBaseUnits(raw, token.Decimals),
			Stable:   token.Stable,
		})
	}
	return out, nil
}

func (a *Agent) erc20Balance(ctx context.Context, token common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("balanceOf", a.address)
	if err != nil {
		return nil, err
	}
	out, err := a.chain.Backend.CallContract(ctx, gethcore.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	values, err := erc20ABI.Unpack("balanceOf", out)
	if err != nil {
		return nil, err
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, errors.New("balanceOf 返回值类型异常")
	}
	return balance, nil
}

func (a *Agent) erc20Decimals(ctx context.Context, token common.Address) (uint8, error) {
	if def, ok := a.chain.Definition.Token(token.Hex()); ok {
		return def.Decimals, nil
	}
	data, err := erc20ABI.Pack("decimals")
	if err != nil {
		return 0, err
	}
	out, err := a.chain.Backend.CallContract(ctx, gethcore.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return 0, err
	}
	values, err := erc20ABI.Unpack("decimals", out)
	if err != nil {
		return 0, err
	}
	decimals, ok := values[0].(uint8)
	if !ok {
		return 0, errors.New("decimals 返回值类型异常")
	}
	return decimals, nil
}

// NativePrice returns the live USD price of the gas token.
func (a *Agent) NativePrice(ctx context.Context) (float64, error) {
	if a.quoter == nil {
		return 0, errors.New("未配置价格数据源")
	}
	return a.quoter.Price(ctx, pricefeed.NativeCoin(a.chain.Definition.NativeCoinGeckoID))
}

// TokenPrice returns the live USD price of a token contract.
func (a *Agent) TokenPrice(ctx context.Context, address string) (float64, error) {
	if !common.IsHexAddress(strings.TrimSpace(address)) {
		return 0, fmt.Errorf("无效的代币地址: %s", address)
	}
	if a.quoter == nil {
		return 0, errors.New("未配置价格数据源")
	}
	return a.quoter.Price(ctx, pricefeed.TokenCoin(a.chain.Definition.PriceChain, strings.TrimSpace(address)))
}

// ChainInfo gathers lightweight metadata from the chain.
func (a *Agent) ChainInfo(ctx context.Context) (wallet.ChainInfo, error) {
	chainID, err := a.chain.Backend.ChainID(ctx)
	if err != nil {
		return wallet.ChainInfo{}, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	blockNumber, err := a.chain.Backend.BlockNumber(ctx)
	if err != nil {
		return wallet.ChainInfo{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return wallet.ChainInfo{
		Name:         a.chain.Name,
		ChainID:      chainID.String(),
		BlockNumber:  blockNumber,
		NativeSymbol: a.NativeSymbol(),
	}, nil
}

// Transfer signs and broadcasts a native or ERC-20 transfer.
func (a *Agent) Transfer(ctx context.Context, req wallet.TransferRequest) (wallet.TransferResult, error) {
	if a.signer == nil {
		return wallet.TransferResult{}, wallet.ErrSignerUnavailable
	}
	if !common.IsHexAddress(strings.TrimSpace(req.To)) {
		return wallet.TransferResult{}, fmt.Errorf("无效的收款地址: %s", req.To)
	}
	to := common.HexToAddress(strings.TrimSpace(req.To))

	backend := a.chain.Backend
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return wallet.TransferResult{}, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	nonce, err := backend.PendingNonceAt(ctx, a.address)
	if err != nil {
		return wallet.TransferResult{}, fmt.Errorf("查询交易计数失败: %w", err)
	}
	gasPrice, err := backend.SuggestGasPrice(ctx)
	if err != nil {
		return wallet.TransferResult{}, fmt.Errorf("获取 gas 价格失败: %w", err)
	}

	var tx *types.Transaction
	result := wallet.TransferResult{From: a.Address(), To: to.Hex(), Amount: req.Amount}

	if token := strings.TrimSpace(req.Token); token != "" {
		if !common.IsHexAddress(token) {
			return wallet.TransferResult{}, fmt.Errorf("无效的代币地址: %s", token)
		}
		tokenAddr := common.HexToAddress(token)
		decimals, err := a.erc20Decimals(ctx, tokenAddr)
		if err != nil {
			return wallet.TransferResult{}, fmt.Errorf("查询代币精度失败: %w", err)
		}
		value, err := toBaseUnits(req.Amount, decimals)
		if err != nil {
			return wallet.TransferResult{}, err
		}
		data, err := erc20ABI.Pack("transfer", to, value)
		if err != nil {
			return wallet.TransferResult{}, fmt.Errorf("编码转账数据失败: %w", err)
		}
		gas, err := backend.EstimateGas(ctx, gethcore.CallMsg{From: a.address, To: &tokenAddr, Data: data})
		if err != nil {
			return wallet.TransferResult{}, fmt.Errorf("估算 gas 失败: %w", err)
		}
		tx = types.NewTransaction(nonce, tokenAddr, big.NewInt(0), gas, gasPrice, data)
		result.Token = tokenAddr.Hex()
	} else {
		value, err := toBaseUnits(req.Amount, 18)
		if err != nil {
			return wallet.TransferResult{}, err
		}
		tx = types.NewTransaction(nonce, to, value, nativeTransferGas, gasPrice, nil)
	}

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), a.signer)
	if err != nil {
		return wallet.TransferResult{}, fmt.Errorf("签名交易失败: %w", err)
	}
	if err := backend.SendTransaction(ctx, signed); err != nil {
		return wallet.TransferResult{}, fmt.Errorf("发送交易失败: %w", err)
	}
	result.TxHash = signed.Hash().Hex()
	return result, nil
}
