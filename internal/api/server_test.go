package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"OpenMCP-Wallet/internal/chat"
	xerrors "OpenMCP-Wallet/internal/errors"
	"OpenMCP-Wallet/internal/llm"
	"OpenMCP-Wallet/internal/portfolio"
	"OpenMCP-Wallet/internal/pricecache"
	"OpenMCP-Wallet/internal/pricefeed"
	"OpenMCP-Wallet/internal/session"
	"OpenMCP-Wallet/internal/storage/mysql"
	"OpenMCP-Wallet/internal/wallet/wallettest"
)

type echoModel struct{}

func (echoModel) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	return &llm.Response{Content: "echo: " + req.Messages[0].Content}, nil
}

func (m echoModel) Stream(ctx context.Context, req llm.Request, onDelta llm.DeltaFunc) (*llm.Response, error) {
	resp, _ := m.Complete(ctx, req)
	for _, part := range strings.SplitAfter(resp.Content, " ") {
		if !onDelta(part) {
			return nil, llm.ErrStreamStopped
		}
	}
	return resp, nil
}

type quotes map[string]pricefeed.Quote

func (q quotes) SimplePrices(context.Context, []string) (map[string]pricefeed.Quote, error) {
	return q, nil
}

func newTestServer(t *testing.T) (*Server, *pricecache.Cache) {
	t.Helper()
	reg := session.NewRegistry(wallettest.Factory(func(key string) *wallettest.Agent {
		return &wallettest.Agent{Addr: key, Native: 2, NativeUSD: 10, Signer: key == "signerWallet"}
	}))
	history, err := mysql.NewMemoryChatRepository(t.TempDir())
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	cache := pricecache.New(quotes{
		"bitcoin":  {ID: "bitcoin", USDPrice: 50000, USD24hChange: 1.5},
		"ethereum": {ID: "ethereum", USDPrice: 3000, USD24hChange: -2},
		"solana":   {ID: "solana", USDPrice: 100, USD24hChange: 5},
	})
	srv := NewServer(":0",
		WithSessions(reg),
		WithChat(chat.New(reg, echoModel{}, chat.WithHistory(history))),
		WithPortfolio(portfolio.New(reg, cache)),
		WithPrices(cache),
		WithHistory(history),
	)
	return srv, cache
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]errorPayload
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, rec.Body.String())
	}
	return body["error"].Code
}

func TestSessionAndChatFlow(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/chat", `{"wallet":"walletA","message":"hi"}`)
	if rec.Code != http.StatusNotFound || errorCode(t, rec) != "SESSION_NOT_FOUND" {
		t.Fatalf("expected 404 SESSION_NOT_FOUND, got %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodPost, "/api/v1/sessions", `{"wallet":"walletA"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status: %d %s", rec.Code, rec.Body.String())
	}
	var created sessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if created.SessionID == "" || created.Wallet != "walletA" || len(created.Tools) == 0 {
		t.Fatalf("unexpected session response: %+v", created)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/chat", `{"wallet":"walletA","message":"what is my balance?"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d %s", rec.Code, rec.Body.String())
	}
	var reply chat.Reply
	if err := json.Unmarshal(rec.Body.Bytes(), &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Text != "echo: what is my balance?" || reply.RequestID == "" || reply.Steps != 1 {
		t.Fatalf("unexpected reply: %+v", reply)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/chat/history?wallet=walletA", "")
	var records []mysql.ChatRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(records) != 1 || records[0].RequestID != reply.RequestID {
		t.Fatalf("unexpected history: %+v", records)
	}
}

func TestRequestValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"blank wallet", http.MethodPost, "/api/v1/sessions", `{"wallet":"  "}`, http.StatusBadRequest, "MISSING_PARAMETER"},
		{"bad json", http.MethodPost, "/api/v1/chat", `{`, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"history without wallet", http.MethodGet, "/api/v1/chat/history", "", http.StatusBadRequest, "MISSING_PARAMETER"},
		{"portfolio unknown wallet", http.MethodGet, "/api/v1/portfolio/nobody", "", http.StatusNotFound, "SESSION_NOT_FOUND"},
		{"price before refresh", http.MethodGet, "/api/v1/prices/BTC", "", http.StatusNotFound, "NOT_FOUND"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, h, tc.method, tc.path, tc.body)
			if rec.Code != tc.status {
				t.Fatalf("expected status %d, got %d (%s)", tc.status, rec.Code, rec.Body.String())
			}
			if got := errorCode(t, rec); got != tc.code {
				t.Fatalf("expected code %s, got %s", tc.code, got)
			}
		})
	}
}

func TestPricesAndPortfolio(t *testing.T) {
	srv, cache := newTestServer(t)
	h := srv.Handler()
	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	rec := do(t, h, http.MethodGet, "/api/v1/prices/btc", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var entry pricecache.Entry
	if err := json.Unmarshal(rec.Body.Bytes(), &entry); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if entry.Symbol != "BTC" || entry.USDPrice != 50000 {
		t.Fatalf("unexpected entry: %+v", entry)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/prices", "")
	var entries []pricecache.Entry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil || len(entries) != 3 {
		t.Fatalf("unexpected price list: %s (%v)", rec.Body.String(), err)
	}

	do(t, h, http.MethodPost, "/api/v1/sessions", `{"wallet":"walletA"}`)
	rec = do(t, h, http.MethodGet, "/api/v1/portfolio/walletA", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d %s", rec.Code, rec.Body.String())
	}
	var snap portfolio.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Native.USDValue != 20 || snap.TotalUSD != 20 || len(snap.Watchlist) != 3 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestChatStream(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	do(t, h, http.MethodPost, "/api/v1/sessions", `{"wallet":"walletA"}`)

	rec := do(t, h, http.MethodPost, "/api/v1/chat/stream", `{"wallet":"walletA","message":"ping pong"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type: %s", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "data: echo: \n\n") || !strings.Contains(body, "data: pong\n\n") {
		t.Fatalf("missing fragments: %q", body)
	}
	if !strings.HasSuffix(body, "event: done\ndata: [DONE]\n\n") {
		t.Fatalf("missing done event: %q", body)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/chat/stream", `{"wallet":"walletB","message":"hi"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before streaming starts, got %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv.Handler(), http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ok") {
		t.Fatalf("unexpected health response: %d %s", rec.Code, rec.Body.String())
	}
}

func TestWriteErrorLogLevelFollowsSeverity(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{xerrors.New(xerrors.CodeSessionNotFound, ""), "INFO"},
		{xerrors.New(xerrors.CodeMissingParameter, ""), "INFO"},
		{xerrors.Wrap(xerrors.CodeModelInvocation, errors.New("upstream 503"), ""), "WARN"},
		{xerrors.New(xerrors.CodeStorageFailure, ""), "ERROR"},
		{errors.New("plain failure"), "ERROR"},
	}
	for _, tc := range cases {
		var buf bytes.Buffer
		srv := NewServer(":0")
		srv.log = slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

		rec := httptest.NewRecorder()
		srv.writeError(rec, httptest.NewRequest(http.MethodGet, "/api/v1/prices", nil), tc.err)

		var entry struct {
			Level string `json:"level"`
			Code  string `json:"code"`
		}
		if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
			t.Fatalf("decode log line: %v (%s)", err, buf.String())
		}
		if entry.Level != tc.want {
			t.Fatalf("%s: expected level %s, got %s", xerrors.CodeOf(tc.err), tc.want, entry.Level)
		}
		if rec.Code != xerrors.HTTPStatus(tc.err) {
			t.Fatalf("%s: unexpected status %d", xerrors.CodeOf(tc.err), rec.Code)
		}
	}
}

func TestSessionSigningAndEviction(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	for wallet, want := range map[string]bool{"signerWallet": true, "walletA": false} {
		rec := do(t, h, http.MethodPost, "/api/v1/sessions", `{"wallet":"`+wallet+`"}`)
		if rec.Code != http.StatusCreated {
			t.Fatalf("unexpected status: %d %s", rec.Code, rec.Body.String())
		}
		var created sessionResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
			t.Fatalf("decode session: %v", err)
		}
		if created.CanSign != want {
			t.Fatalf("%s: expected can_sign=%v, got %+v", wallet, want, created)
		}
	}

	rec := do(t, h, http.MethodDelete, "/api/v1/sessions/walletA", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("unexpected status: %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, h, http.MethodPost, "/api/v1/chat", `{"wallet":"walletA","message":"hi"}`)
	if rec.Code != http.StatusNotFound || errorCode(t, rec) != "SESSION_NOT_FOUND" {
		t.Fatalf("expected evicted session to be gone, got %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, h, http.MethodDelete, "/api/v1/sessions/walletA", "")
	if rec.Code != http.StatusNotFound || errorCode(t, rec) != "SESSION_NOT_FOUND" {
		t.Fatalf("expected 404 on second eviction, got %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodPost, "/api/v1/chat", `{"wallet":"signerWallet","message":"hi"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("other sessions must survive eviction: %d %s", rec.Code, rec.Body.String())
	}
}
