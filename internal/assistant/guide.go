package assistant

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"gopkg.in/yaml.v3"

	"vrchat-backend/internal/logx"
	"vrchat-backend/internal/metrics"
	"vrchat-backend/internal/types"
)

const (
	DefaultSystem       = "You are a friendly VR guide. Keep replies ≤ 2 sentences."
	DefaultFallback     = "I'm not sure, but let's explore!"
	DefaultTemperature  = 0.6
	DefaultMaxTokens    = 200
	DefaultHistoryLimit = 40

	replyTimeout = 30 * time.Second
	route        = "chat_completions"
)

var ErrMissingCredential = errors.New("missing provider credential")

// Spec is the prompt file. Zero fields fall back to the defaults above.
type Spec struct {
	System string `yaml:"system"`
	Style  struct {
		Temperature float32 `yaml:"temperature"`
		MaxTokens   int     `yaml:"max_tokens"`
	} `yaml:"style"`
	HistoryLimit int    `yaml:"history_limit"`
	Fallback     string `yaml:"fallback"`
}

func DefaultSpec() Spec {
	var s Spec
	s.fill()
	return s
}

func (s *Spec) fill() {
	if strings.TrimSpace(s.System) == "" {
		s.System = DefaultSystem
	}
	if s.Style.Temperature <= 0 {
		s.Style.Temperature = DefaultTemperature
	}
	if s.Style.MaxTokens <= 0 {
		s.Style.MaxTokens = DefaultMaxTokens
	}
	if s.HistoryLimit <= 0 {
		s.HistoryLimit = DefaultHistoryLimit
	}
	if s.Fallback == "" {
		s.Fallback = DefaultFallback
	}
}

// LoadSpec reads a prompt file. A missing file yields the defaults.
func LoadSpec(path string) (Spec, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logx.Log.Info().Str("path", path).Msg("assistant prompt file not found; using defaults")
			return DefaultSpec(), nil
		}
		return Spec{}, err
	}
	var s Spec
	if err := yaml.Unmarshal(b, &s); err != nil {
		return Spec{}, fmt.Errorf("parse %s: %w", path, err)
	}
	s.fill()
	return s, nil
}

type Credentials interface {
	APIKey() string
	AssistantModel() string
}

// Guide answers short questions from people walking around the scene.
type Guide struct {
	spec       Spec
	creds      Credentials
	baseURL    string
	httpClient *http.Client
}

func NewGuide(spec Spec, creds Credentials, baseURL string, httpClient *http.Client) *Guide {
	spec.fill()
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Guide{spec: spec, creds: creds, baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

// Messages builds the completion transcript: system prompt, the most recent
// history turns, then the user's text.
func (g *Guide) Messages(history []types.Turn, userText string) []openai.ChatCompletionMessage {
	if n := g.spec.HistoryLimit; len(history) > n {
		history = history[len(history)-n:]
	}
	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: g.spec.System})
	for _, t := range history {
		role := strings.ToLower(strings.TrimSpace(t.Role))
		if role == "" {
			role = openai.ChatMessageRoleUser
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: t.Content})
	}
	return append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: userText})
}

// Reply asks the provider for the guide's next line. The client is built per
// call so credential changes apply immediately.
func (g *Guide) Reply(ctx context.Context, history []types.Turn, userText string) (string, error) {
	key := g.creds.APIKey()
	if key == "" {
		return "", ErrMissingCredential
	}
	cfg := openai.DefaultConfig(key)
	if g.baseURL != "" {
		cfg.BaseURL = g.baseURL
	}
	cfg.HTTPClient = g.httpClient
	client := openai.NewClientWithConfig(cfg)

	ctx, cancel := context.WithTimeout(ctx, replyTimeout)
	defer cancel()
	start := time.Now()
	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       g.creds.AssistantModel(),
		Messages:    g.Messages(history, userText),
		Temperature: g.spec.Style.Temperature,
		MaxTokens:   g.spec.Style.MaxTokens,
	})
	metrics.ObserveUpstreamDuration(route, time.Since(start))
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			metrics.RecordUpstreamStatus(route, fmt.Sprint(apiErr.HTTPStatusCode))
		}
		return "", err
	}
	metrics.RecordUpstreamStatus(route, "200")
	if len(resp.Choices) == 0 {
		return g.spec.Fallback, nil
	}
	if reply := strings.TrimSpace(resp.Choices[0].Message.Content); reply != "" {
		return reply, nil
	}
	return g.spec.Fallback, nil
}
