package ethereum

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"

	"OpenMCP-Wallet/internal/wallet"
	"OpenMCP-Wallet/internal/web3"
)

type stubQuoter struct {
	prices map[string]float64
	coins  []string
}

func (s *stubQuoter) Price(_ context.Context, coin string) (float64, error) {
	s.coins = append(s.coins, coin)
	price, ok := s.prices[coin]
	if !ok {
		return 0, errors.New("unknown coin")
	}
	return price, nil
}

// tokenBackend answers balanceOf calls with a fixed amount per token.
type tokenBackend struct {
	web3.Backend
	balances map[common.Address]*big.Int
}

func (b *tokenBackend) CallContract(_ context.Context, call gethcore.CallMsg, _ *big.Int) ([]byte, error) {
	balance, ok := b.balances[*call.To]
	if !ok {
		return nil, errors.New("execution reverted")
	}
	return common.LeftPadBytes(balance.Bytes(), 32), nil
}

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000_000))
}

func TestAgentNativeTransferOnSimulatedChain(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	recipient := common.HexToAddress("0x00000000000000000000000000000000000000b0")

	backend := simulated.NewBackend(types.GenesisAlloc{from: {Balance: ether(2)}})
	t.Cleanup(func() { _ = backend.Close() })
	chain := web3.Chain{Name: "simulated", Backend: backend.Client()}

	agent, err := NewAgent(Config{
		Chain:     chain,
		WalletKey: from.Hex(),
		SignerKey: "0x" + common.Bytes2Hex(crypto.FromECDSA(key)),
	})
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	if !agent.CanSign() {
		t.Fatal("expected signer to match the wallet address")
	}

	balance, err := agent.NativeBalance(ctx)
	if err != nil {
		t.Fatalf("native balance: %v", err)
	}
	if balance != 2 {
		t.Fatalf("unexpected balance %v", balance)
	}

	result, err := agent.Transfer(ctx, wallet.TransferRequest{To: recipient.Hex(), Amount: "0.5"})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if result.TxHash == "" || result.From != from.Hex() {
		t.Fatalf("unexpected transfer result: %+v", result)
	}
	backend.Commit()

	recipientAgent, err := NewAgent(Config{Chain: chain, WalletKey: recipient.Hex()})
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	received, err := recipientAgent.NativeBalance(ctx)
	if err != nil {
		t.Fatalf("recipient balance: %v", err)
	}
	if received != 0.5 {
		t.Fatalf("expected 0.5 received, got %v", received)
	}

	info, err := agent.ChainInfo(ctx)
	if err != nil {
		t.Fatalf("chain info: %v", err)
	}
	if info.ChainID != "1337" || info.BlockNumber == 0 || info.NativeSymbol != "ETH" {
		t.Fatalf("unexpected chain info: %+v", info)
	}
}

func TestAgentRefusesToSignForOtherWallets(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	backend := simulated.NewBackend(types.GenesisAlloc{})
	t.Cleanup(func() { _ = backend.Close() })

	agent, err := NewAgent(Config{
		Chain:     web3.Chain{Name: "simulated", Backend: backend.Client()},
		WalletKey: "0x00000000000000000000000000000000000000a1",
		SignerKey: common.Bytes2Hex(crypto.FromECDSA(key)),
	})
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	_, err = agent.Transfer(context.Background(), wallet.TransferRequest{To: "0x00000000000000000000000000000000000000b0", Amount: "1"})
	if !errors.Is(err, wallet.ErrSignerUnavailable) {
		t.Fatalf("expected ErrSignerUnavailable, got %v", err)
	}
}

func TestNewAgentRejectsInvalidAddress(t *testing.T) {
	backend := &tokenBackend{}
	if _, err := NewAgent(Config{Chain: web3.Chain{Backend: backend}, WalletKey: "walletA"}); err == nil {
		t.Fatal("expected invalid address error")
	}
	if _, err := NewAgent(Config{WalletKey: "0x00000000000000000000000000000000000000a1"}); err == nil {
		t.Fatal("expected missing backend error")
	}
}

func TestAgentTokenBalancesAndPrices(t *testing.T) {
	usdc := common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	link := common.HexToAddress("0x514910771AF9Ca656af840dff83E8264EcF986CA")
	backend := &tokenBackend{balances: map[common.Address]*big.Int{
		usdc: big.NewInt(2_500_000),
		link: ether(3),
	}}
	quoter := &stubQuoter{prices: map[string]float64{
		"coingecko:ethereum": 3000,
		"ethereum:" + "0x514910771af9ca656af840dff83e8264ecf986ca": 14.2,
	}}

	agent, err := NewAgent(Config{
		Chain: web3.Chain{
			Name: "ethereum",
			Definition: web3.ChainDefinition{Tokens: []web3.TokenDefinition{
				{Address: usdc.Hex(), Symbol: "USDC", Decimals: 6, Stable: true},
				{Address: link.Hex(), Symbol: "LINK"},
			}},
			Backend: backend,
		},
		WalletKey: "0x00000000000000000000000000000000000000a1",
		Quoter:    quoter,
	})
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}

	balances, err := agent.TokenBalances(context.Background())
	if err != nil {
		t.Fatalf("token balances: %v", err)
	}
	if len(balances) != 2 {
		t.Fatalf("unexpected balances: %+v", balances)
	}
	if balances[0].Balance != 2.5 || !balances[0].Stable {
		t.Fatalf("unexpected USDC balance: %+v", balances[0])
	}
	if balances[1].Balance != 3 || balances[1].Decimals != 18 {
		t.Fatalf("unexpected LINK balance: %+v", balances[1])
	}

	price, err := agent.NativePrice(context.Background())
	if err != nil || price != 3000 {
		t.Fatalf("unexpected native price: %v %v", price, err)
	}
	price, err = agent.TokenPrice(context.Background(), link.Hex())
	if err != nil || price != 14.2 {
		t.Fatalf("unexpected token price: %v %v", price, err)
	}
	if _, err := agent.TokenPrice(context.Background(), "not-an-address"); err == nil {
		t.Fatal("expected invalid token address error")
	}
}

func TestToBaseUnits(t *testing.T) {
	cases := []struct {
		amount   string
		decimals uint8
		want     string
		wantErr  bool
	}{
		{amount: "1", decimals: 18, want: "1000000000000000000"},
		{amount: "0.1", decimals: 18, want: "100000000000000000"},
		{amount: "2.5", decimals: 6, want: "2500000"},
		{amount: ".5", decimals: 2, want: "50"},
		{amount: "0.001", decimals: 2, wantErr: true},
		{amount: "0", decimals: 18, wantErr: true},
		{amount: "-1", decimals: 18, wantErr: true},
		{amount: "abc", decimals: 18, wantErr: true},
	}
	for _, tc := range cases {
		got, err := toBaseUnits(tc.amount, tc.decimals)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("toBaseUnits(%q) expected error", tc.amount)
			}
			continue
		}
		if err != nil {
			t.Fatalf("toBaseUnits(%q): %v", tc.amount, err)
		}
		if got.String() != tc.want {
			t.Fatalf("toBaseUnits(%q) = %s, want %s", tc.amount, got, tc.want)
		}
	}
}
