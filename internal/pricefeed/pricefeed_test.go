package pricefeed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCoinGeckoSimplePrices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/simple/price" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("ids") != "bitcoin,ethereum,solana" || q.Get("vs_currencies") != "usd" || q.Get("include_24hr_change") != "true" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		if r.Header.Get("x-cg-demo-api-key") != "demo" {
			t.Errorf("api key header missing")
		}
		_, _ = w.Write([]byte(`{"bitcoin":{"usd":50000,"usd_24h_change":1.5},"ethereum":{"usd":3000,"usd_24h_change":-2},"solana":{"usd_24h_change":5}}`))
	}))
	defer server.Close()

	client := NewCoinGecko(CoinGeckoConfig{BaseURL: server.URL + "/", APIKey: "demo"})
	quotes, err := client.SimplePrices(context.Background(), WatchlistIDs())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(quotes) != 2 {
		t.Fatalf("assets without a usd price must be dropped, got %+v", quotes)
	}
	if btc := quotes["bitcoin"]; btc.USDPrice != 50000 || btc.USD24hChange != 1.5 {
		t.Fatalf("unexpected bitcoin quote: %+v", btc)
	}
	if eth := quotes["ethereum"]; eth.USD24hChange != -2 {
		t.Fatalf("unexpected ethereum quote: %+v", eth)
	}
}

func TestCoinGeckoStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewCoinGecko(CoinGeckoConfig{BaseURL: server.URL})
	if _, err := client.SimplePrices(context.Background(), WatchlistIDs()); err == nil {
		t.Fatalf("expected error on 429")
	}
}

func TestDefiLlamaPrice(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/prices/current/coingecko:ethereum":
			_, _ = w.Write([]byte(`{"coins":{"coingecko:ethereum":{"price":3012.5,"symbol":"ETH"}}}`))
		case "/prices/current/ethereum:0xabc":
			_, _ = w.Write([]byte(`{"coins":{"ethereum:0xABC":{"price":0.42,"symbol":"TKN"}}}`))
		default:
			_, _ = w.Write([]byte(`{"coins":{}}`))
		}
	}))
	defer server.Close()

	client := NewDefiLlama(DefiLlamaConfig{BaseURL: server.URL})

	price, err := client.Price(context.Background(), NativeCoin("ethereum"))
	if err != nil || price != 3012.5 {
		t.Fatalf("unexpected native price: %v %v", price, err)
	}

	price, err = client.Price(context.Background(), TokenCoin("Ethereum", "0xABC"))
	if err != nil || price != 0.42 {
		t.Fatalf("unexpected token price: %v %v", price, err)
	}

	_, err = client.Price(context.Background(), TokenCoin("ethereum", "0xdead"))
	if !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}
}
