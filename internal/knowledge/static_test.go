package knowledge

import (
	"os"
	"path/filepath"
	"testing"
)

func TestQueryMatchesKeywords(t *testing.T) {
	provider := NewStaticProvider([]Snippet{
		{Title: "gas", Content: "fees are paid in ETH", Keywords: []string{"gas", "fee"}},
		{Title: "stablecoins", Content: "USDC is valued at 1 USD", Keywords: []string{"usdc"}},
		{Title: "general", Content: "always confirm recipients"},
	}, 2)

	got := provider.Query("How much GAS does a transfer cost?")
	if len(got) != 2 || got[0].Title != "gas" || got[1].Title != "general" {
		t.Fatalf("unexpected snippets: %+v", got)
	}

	got = provider.Query("usdc balance")
	if len(got) != 2 || got[0].Title != "stablecoins" {
		t.Fatalf("unexpected snippets: %+v", got)
	}
}

func TestLoadStaticProviderAcceptsJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "knowledge.json")
	if err := os.WriteFile(path, []byte(`[{"title":"gas","content":"fees","keywords":["gas"]}]`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	provider, err := LoadStaticProvider(path, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := provider.Query("gas price"); len(got) != 1 || got[0].Content != "fees" {
		t.Fatalf("unexpected snippets: %+v", got)
	}
	if got := provider.Query("hello"); len(got) != 0 {
		t.Fatalf("expected no match, got %+v", got)
	}
}
