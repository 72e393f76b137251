package pythonbridge

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	xerrors "ChainSage/internal/errors"
	"ChainSage/internal/llm"
)

func shellScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "selector.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func newShellClient(t *testing.T, body string, opts ...Option) *Client {
	t.Helper()
	client, err := NewClient(shellScript(t, body), append([]Option{WithInterpreter("/bin/sh")}, opts...)...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestNewClientRequiresScript(t *testing.T) {
	if _, err := NewClient("  "); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
	client, err := NewClient("selector.py", WithInterpreter(""))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if client.interpreter != defaultInterpreter {
		t.Fatalf("blank interpreter should keep default, got %q", client.interpreter)
	}
}

func TestChatReadsCompletionFromStdout(t *testing.T) {
	client := newShellClient(t, `cat > /dev/null
echo '{"choices":[{"message":{"role":"assistant","content":"[{\"tools\":[\"a\"]}]"}}]}'
`)
	resp, err := client.Chat(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "hi"}})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if content, ok := resp.FirstContent(); !ok || content != `[{"tools":["a"]}]` {
		t.Fatalf("unexpected content %q", content)
	}
}

func TestChatWrapsBareContent(t *testing.T) {
	client := newShellClient(t, "cat > /dev/null\necho '{\"content\":\"plain\"}'\n")
	resp, err := client.Chat(context.Background(), nil)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if content, _ := resp.FirstContent(); content != "plain" {
		t.Fatalf("unexpected content %q", content)
	}
}

func TestChatPassesWorkingDirAndEnv(t *testing.T) {
	dir := t.TempDir()
	client := newShellClient(t, `cat > /dev/null
printf '{"content":"%s|%s"}' "$(basename "$PWD")" "$SELECTOR_MODE"
`, WithWorkingDir(dir), WithEnv("SELECTOR_MODE=strict"))
	resp, err := client.Chat(context.Background(), nil)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	want := filepath.Base(dir) + "|strict"
	if content, _ := resp.FirstContent(); content != want {
		t.Fatalf("expected %q, got %q", want, content)
	}
}

func TestChatExitFailureIsUpstream(t *testing.T) {
	client := newShellClient(t, "echo boom >&2\nexit 3\n")
	_, err := client.Chat(context.Background(), nil)
	if xerrors.CodeOf(err) != xerrors.CodeUpstreamFailure {
		t.Fatalf("expected UPSTREAM_FAILURE, got %v", err)
	}
	xe, ok := xerrors.From(err)
	if !ok {
		t.Fatalf("expected *xerrors.Error, got %T", err)
	}
	if meta := xe.Metadata(); meta["stderr"] != "boom" || meta["exit_code"] != "3" {
		t.Fatalf("unexpected metadata %v", meta)
	}
}

func TestChatTimeout(t *testing.T) {
	client := newShellClient(t, "exec sleep 5\n", WithTimeout(50*time.Millisecond))
	_, err := client.Chat(context.Background(), nil)
	if xerrors.CodeOf(err) != xerrors.CodeTimeout {
		t.Fatalf("expected TIMEOUT, got %v", err)
	}
}

func TestChatInvalidOutputNotRetryable(t *testing.T) {
	client := newShellClient(t, "cat > /dev/null\necho not-json\n")
	_, err := client.Chat(context.Background(), nil)
	if err == nil || xerrors.RetryableError(err) {
		t.Fatalf("expected non-retryable parse error, got %v", err)
	}
}

func TestResolveScriptPath(t *testing.T) {
	cases := []struct{ base, script, want string }{
		{"/opt/app", "bridge.py", "/opt/app/bridge.py"},
		{"/opt/app", "/abs/bridge.py", "/abs/bridge.py"},
		{"", "bridge.py", "bridge.py"},
		{"/opt/app", "", ""},
	}
	for _, tc := range cases {
		if got := ResolveScriptPath(tc.base, tc.script); got != tc.want {
			t.Fatalf("ResolveScriptPath(%q, %q) = %q, want %q", tc.base, tc.script, got, tc.want)
		}
	}
}
