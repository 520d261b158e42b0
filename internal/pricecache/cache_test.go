package pricecache

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	xerrors "OpenMCP-Wallet/internal/errors"
	"OpenMCP-Wallet/internal/pricefeed"
)

type stubFetcher struct {
	mu     sync.Mutex
	quotes map[string]pricefeed.Quote
	err    error
	calls  int
}

func (s *stubFetcher) SimplePrices(_ context.Context, ids []string) (map[string]pricefeed.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := make(map[string]pricefeed.Quote, len(s.quotes))
	for k, v := range s.quotes {
		out[k] = v
	}
	return out, nil
}

func (s *stubFetcher) set(quotes map[string]pricefeed.Quote, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes, s.err = quotes, err
}

type recordingMirror struct {
	mu        sync.Mutex
	snapshots [][]Entry
	err       error
}

func (m *recordingMirror) Store(_ context.Context, entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, entries)
	return m.err
}

func fullQuotes() map[string]pricefeed.Quote {
	return map[string]pricefeed.Quote{
		"bitcoin":  {ID: "bitcoin", USDPrice: 50000, USD24hChange: 1.5},
		"ethereum": {ID: "ethereum", USDPrice: 3000, USD24hChange: -2},
		"solana":   {ID: "solana", USDPrice: 100, USD24hChange: 5},
	}
}

func TestGetBeforeFirstRefresh(t *testing.T) {
	cache := New(&stubFetcher{quotes: fullQuotes()})
	if _, ok := cache.Get("BTC"); ok {
		t.Fatalf("expected no entry before the first refresh")
	}
	if cache.Snapshot() != nil {
		t.Fatalf("expected empty snapshot before the first refresh")
	}
}

func TestRefreshPopulatesEveryAsset(t *testing.T) {
	start := time.Now()
	cache := New(&stubFetcher{quotes: fullQuotes()})

	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, symbol := range []string{"BTC", "ETH", "SOL"} {
		entry, ok := cache.Get(symbol)
		if !ok {
			t.Fatalf("missing %s after refresh", symbol)
		}
		if entry.LastUpdated.Before(start) {
			t.Fatalf("%s last updated %v before refresh start %v", symbol, entry.LastUpdated, start)
		}
	}
	eth, _ := cache.Get("eth")
	if eth.USDPrice != 3000 || eth.USD24hChange != -2 {
		t.Fatalf("unexpected ETH entry: %+v", eth)
	}

	snap := cache.Snapshot()
	if len(snap) != 3 || snap[0].Symbol != "BTC" || snap[2].Symbol != "SOL" {
		t.Fatalf("unexpected snapshot order: %+v", snap)
	}
}

func TestFailedRefreshKeepsPreviousSnapshot(t *testing.T) {
	first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := first
	fetcher := &stubFetcher{quotes: fullQuotes()}
	cache := New(fetcher, WithClock(func() time.Time { return clock }))

	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	before, _ := cache.Get("BTC")

	incomplete := fullQuotes()
	delete(incomplete, "solana")
	negative := fullQuotes()
	negative["bitcoin"] = pricefeed.Quote{ID: "bitcoin", USDPrice: -1}
	infinite := fullQuotes()
	infinite["ethereum"] = pricefeed.Quote{ID: "ethereum", USDPrice: math.Inf(1)}

	cases := []struct {
		name   string
		quotes map[string]pricefeed.Quote
		err    error
	}{
		{name: "network", err: errors.New("connection reset")},
		{name: "incomplete", quotes: incomplete},
		{name: "negative", quotes: negative},
		{name: "infinite", quotes: infinite},
	}
	for _, tc := range cases {
		clock = clock.Add(time.Hour)
		fetcher.set(tc.quotes, tc.err)
		err := cache.Refresh(context.Background())
		if !xerrors.HasCode(err, xerrors.CodeExternalFetch) {
			t.Fatalf("%s: expected EXTERNAL_FETCH_FAILED, got %v", tc.name, err)
		}
		after, ok := cache.Get("BTC")
		if !ok || after != before {
			t.Fatalf("%s: snapshot changed: %+v -> %+v", tc.name, before, after)
		}
		if _, ok := cache.Get("SOL"); !ok {
			t.Fatalf("%s: SOL disappeared", tc.name)
		}
	}
}

func TestRepeatedGetIsStable(t *testing.T) {
	cache := New(&stubFetcher{quotes: fullQuotes()})
	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a, _ := cache.Get("SOL")
	b, _ := cache.Get("SOL")
	if a != b {
		t.Fatalf("expected identical reads, got %+v and %+v", a, b)
	}
}

func TestMirrorReceivesSnapshotsAndErrorsAreIgnored(t *testing.T) {
	mirror := &recordingMirror{err: errors.New("redis down")}
	cache := New(&stubFetcher{quotes: fullQuotes()}, WithMirror(mirror))

	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("mirror failure must not fail the refresh: %v", err)
	}
	if len(mirror.snapshots) != 1 || len(mirror.snapshots[0]) != 3 {
		t.Fatalf("unexpected mirrored snapshots: %+v", mirror.snapshots)
	}
	if _, ok := cache.Get("BTC"); !ok {
		t.Fatalf("cache should be populated despite mirror failure")
	}
}

func TestStartRefreshesFromCoinGecko(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"bitcoin":{"usd":50000,"usd_24h_change":1.5},"ethereum":{"usd":3000,"usd_24h_change":-2},"solana":{"usd":100,"usd_24h_change":5}}`))
	}))
	defer server.Close()

	cache := New(pricefeed.NewCoinGecko(pricefeed.CoinGeckoConfig{BaseURL: server.URL}), WithInterval(time.Hour))
	cache.Start(context.Background())
	defer cache.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if entry, ok := cache.Get("BTC"); ok {
			if entry.USDPrice != 50000 {
				t.Fatalf("unexpected BTC price: %v", entry.USDPrice)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("initial refresh did not complete")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStopWithoutStart(t *testing.T) {
	cache := New(&stubFetcher{})
	cache.Stop()
	cache.Start(context.Background())
	cache.Start(context.Background())
	cache.Stop()
}
