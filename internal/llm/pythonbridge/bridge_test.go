package pythonbridge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"OpenMCP-Wallet/internal/llm"
)

const toolLoopScript = `input=$(cat)
case "$input" in
  *'"role":"tool"'*) printf '{"content":"Your balance is 1.5 ETH"}' ;;
  *) printf '{"content":"","tool_calls":[{"id":"c1","name":"get_native_balance","arguments":"{}"}]}' ;;
esac
`

func writeScript(t *testing.T, body string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "model.sh")
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return dir, "model.sh"
}

func TestNewClientRequiresScript(t *testing.T) {
	if _, err := NewClient("", "", ""); err == nil {
		t.Fatal("expected error for empty script path")
	}
}

func TestCompleteRoundTrip(t *testing.T) {
	dir, script := writeScript(t, toolLoopScript)
	client, err := NewClient("/bin/sh", script, dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first, err := client.Complete(context.Background(), llm.Request{
		System:   "wallet assistant",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "balance?"}},
		Tools:    []llm.Tool{{Name: "get_native_balance", Parameters: map[string]any{"type": "object"}}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(first.ToolCalls) != 1 || first.ToolCalls[0].Name != "get_native_balance" {
		t.Fatalf("unexpected first response: %+v", first)
	}

	second, err := client.Complete(context.Background(), llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "balance?"},
			{Role: llm.RoleAssistant, ToolCalls: first.ToolCalls},
			{Role: llm.RoleTool, ToolCallID: "c1", Content: `{"balance":1.5}`},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Content != "Your balance is 1.5 ETH" {
		t.Fatalf("unexpected final content: %+v", second)
	}
}

func TestStreamEmitsSingleFragment(t *testing.T) {
	dir, script := writeScript(t, "cat >/dev/null\nprintf '{\"content\":\"hello\"}'\n")
	client, err := NewClient("/bin/sh", script, dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var fragments []string
	resp, err := client.Stream(context.Background(), llm.Request{}, func(delta string) bool {
		fragments = append(fragments, delta)
		return true
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fragments) != 1 || fragments[0] != "hello" || resp.Content != "hello" {
		t.Fatalf("unexpected stream output: %q %+v", fragments, resp)
	}

	_, err = client.Stream(context.Background(), llm.Request{}, func(string) bool { return false })
	if !errors.Is(err, llm.ErrStreamStopped) {
		t.Fatalf("expected ErrStreamStopped, got %v", err)
	}
}

func TestCompleteScriptFailure(t *testing.T) {
	dir, script := writeScript(t, "echo boom >&2\nexit 3\n")
	client, err := NewClient("/bin/sh", script, dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := client.Complete(context.Background(), llm.Request{}); err == nil {
		t.Fatal("expected error from failing script")
	}
}
