package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"vrchat-backend/internal/types"
)

type creds struct{ key string }

func (c creds) APIKey() string         { return c.key }
func (c creds) AssistantModel() string { return "gpt-test" }

func completionServer(t *testing.T, content string, seen *openai.ChatCompletionRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("authorization %q", got)
		}
		if seen != nil {
			_ = json.NewDecoder(r.Body).Decode(seen)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestReply(t *testing.T) {
	var seen openai.ChatCompletionRequest
	srv := completionServer(t, "  Look up at the stars!  ", &seen)
	g := NewGuide(DefaultSpec(), creds{key: "sk-test"}, srv.URL+"/v1", srv.Client())

	history := []types.Turn{{Role: "user", Content: "hi"}, {Role: "assistant", Content: "hello"}}
	reply, err := g.Reply(context.Background(), history, "what now?")
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if reply != "Look up at the stars!" {
		t.Fatalf("reply %q", reply)
	}
	if seen.Model != "gpt-test" || seen.MaxTokens != DefaultMaxTokens || seen.Temperature != DefaultTemperature {
		t.Fatalf("request %+v", seen)
	}
	if len(seen.Messages) != 4 || seen.Messages[0].Content != DefaultSystem || seen.Messages[3].Content != "what now?" {
		t.Fatalf("messages %+v", seen.Messages)
	}
}

func TestReplyFallbackOnEmptyContent(t *testing.T) {
	srv := completionServer(t, "   ", nil)
	g := NewGuide(DefaultSpec(), creds{key: "sk-test"}, srv.URL+"/v1", srv.Client())
	reply, err := g.Reply(context.Background(), nil, "hello")
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if reply != DefaultFallback {
		t.Fatalf("reply %q", reply)
	}
}

func TestReplyProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	g := NewGuide(DefaultSpec(), creds{key: "sk-test"}, srv.URL, srv.Client())
	_, err := g.Reply(context.Background(), nil, "hello")
	var apiErr *openai.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v; want *openai.APIError", err)
	}
	if apiErr.HTTPStatusCode != http.StatusUnauthorized || !strings.Contains(err.Error(), "Incorrect API key") {
		t.Fatalf("api error %+v", apiErr)
	}
}

func TestReplyMissingCredential(t *testing.T) {
	g := NewGuide(DefaultSpec(), creds{}, "http://127.0.0.1:1", nil)
	if _, err := g.Reply(context.Background(), nil, "hello"); !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("err = %v; want ErrMissingCredential", err)
	}
}

func TestMessagesCapsHistory(t *testing.T) {
	g := NewGuide(DefaultSpec(), creds{}, "", nil)
	history := make([]types.Turn, 50)
	for i := range history {
		history[i] = types.Turn{Content: fmt.Sprint(i)}
	}
	msgs := g.Messages(history, "now")
	if len(msgs) != DefaultHistoryLimit+2 {
		t.Fatalf("messages %d", len(msgs))
	}
	if msgs[1].Content != "10" || msgs[1].Role != openai.ChatMessageRoleUser {
		t.Fatalf("oldest kept turn %+v", msgs[1])
	}
	if last := msgs[len(msgs)-1]; last.Content != "now" || last.Role != openai.ChatMessageRoleUser {
		t.Fatalf("last message %+v", last)
	}
}

func TestLoadSpec(t *testing.T) {
	s, err := LoadSpec(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadSpec missing: %v", err)
	}
	if s.System != DefaultSystem || s.HistoryLimit != DefaultHistoryLimit {
		t.Fatalf("defaults %+v", s)
	}

	path := filepath.Join(t.TempDir(), "assistant.yaml")
	doc := "system: \"Speak like a museum docent.\"\nstyle:\n  max_tokens: 80\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err = LoadSpec(path)
	if err != nil {
		t.Fatalf("LoadSpec: %v", err)
	}
	if s.System != "Speak like a museum docent." || s.Style.MaxTokens != 80 || s.Style.Temperature != DefaultTemperature || s.Fallback != DefaultFallback {
		t.Fatalf("spec %+v", s)
	}

	if err := os.WriteFile(path, []byte("system: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSpec(path); err == nil {
		t.Fatalf("invalid yaml accepted")
	}
}
