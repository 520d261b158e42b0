package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"OpenMCP-Wallet/internal/wallet"
)

func emptySchema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

var catalog = []tool{
	{
		spec: Spec{
			Name:        "get_wallet_address",
			Description: "Return the address of the connected wallet.",
			Parameters:  emptySchema(),
		},
		run: func(_ context.Context, agent wallet.Agent, _ json.RawMessage) (any, error) {
			return map[string]string{"address": agent.Address()}, nil
		},
	},
	{
		spec: Spec{
			Name:        "get_native_balance",
			Description: "Return the wallet balance of the chain's native asset.",
			Parameters:  emptySchema(),
		},
		run: func(ctx context.Context, agent wallet.Agent, _ json.RawMessage) (any, error) {
			balance, err := agent.NativeBalance(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{"symbol": agent.NativeSymbol(), "balance": balance}, nil
		},
	},
	{
		spec: Spec{
			Name:        "get_token_balances",
			Description: "Return the wallet balances of the tracked tokens.",
			Parameters:  emptySchema(),
		},
		run: func(ctx context.Context, agent wallet.Agent, _ json.RawMessage) (any, error) {
			balances, err := agent.TokenBalances(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{"tokens": balances}, nil
		},
	},
	{
		spec: Spec{
			Name:        "get_native_price",
			Description: "Return the current USD price of the chain's native asset.",
			Parameters:  emptySchema(),
		},
		run: func(ctx context.Context, agent wallet.Agent, _ json.RawMessage) (any, error) {
			price, err := agent.NativePrice(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{"symbol": agent.NativeSymbol(), "usd_price": price}, nil
		},
	},
	{
		spec: Spec{
			Name:        "get_token_price",
			Description: "Return the current USD price of a token by contract address.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"address": map[string]any{"type": "string", "description": "Token contract address"},
				},
				"required": []string{"address"},
			},
		},
		run: func(ctx context.Context, agent wallet.Agent, raw json.RawMessage) (any, error) {
			var args struct {
				Address string `json:"address"`
			}
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("解析参数失败: %w", err)
			}
			if strings.TrimSpace(args.Address) == "" {
				return nil, fmt.Errorf("缺少参数 address")
			}
			price, err := agent.TokenPrice(ctx, args.Address)
			if err != nil {
				return nil, err
			}
			return map[string]any{"address": args.Address, "usd_price": price}, nil
		},
	},
	{
		spec: Spec{
			Name:        "get_chain_info",
			Description: "Return the chain name, chain id and latest block number.",
			Parameters:  emptySchema(),
		},
		run: func(ctx context.Context, agent wallet.Agent, _ json.RawMessage) (any, error) {
			return agent.ChainInfo(ctx)
		},
	},
	{
		spec: Spec{
			Name:        "transfer",
			Description: "Send the native asset, or a token when token is set, to another address.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"to":     map[string]any{"type": "string", "description": "Recipient address"},
					"amount": map[string]any{"type": "string", "description": "Decimal amount in whole units"},
					"token":  map[string]any{"type": "string", "description": "Token contract address, empty for the native asset"},
				},
				"required": []string{"to", "amount"},
			},
		},
		run: func(ctx context.Context, agent wallet.Agent, raw json.RawMessage) (any, error) {
			var args struct {
				To     string          `json:"to"`
				Amount json.RawMessage `json:"amount"`
				Token  string          `json:"token"`
			}
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("解析参数失败: %w", err)
			}
			amount := strings.Trim(strings.TrimSpace(string(args.Amount)), `"`)
			if strings.TrimSpace(args.To) == "" || amount == "" {
				return nil, fmt.Errorf("缺少参数 to 或 amount")
			}
			return agent.Transfer(ctx, wallet.TransferRequest{To: args.To, Amount: amount, Token: args.Token})
		},
	},
}
