package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"vrchat-backend/internal/metrics"
	"vrchat-backend/internal/relay"
)

const (
	tokenRoute   = "realtime_client_secrets"
	maxTokenBody = 1 << 20
)

// EmptyUpstreamBody is served when the provider answers with no body.
var EmptyUpstreamBody = []byte(`{"error":"Upstream error"}`)

var (
	ErrMissingCredential = errors.New("missing provider credential")
	ErrNoClientSecret    = errors.New("no client secret in token response")
)

type Credentials interface {
	APIKey() string
	RealtimeModel() string
}

// Minter exchanges the long-lived provider key for a short-lived client
// secret a voice client can use directly.
type Minter struct {
	endpoint string
	creds    Credentials
	base     http.RoundTripper
}

func NewMinter(baseURL string, creds Credentials, base http.RoundTripper) *Minter {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Minter{
		endpoint: strings.TrimRight(baseURL, "/") + "/realtime/client_secrets",
		creds:    creds,
		base:     base,
	}
}

// Minted is the provider's answer, passed through unchanged.
type Minted struct {
	Status int
	Body   []byte
}

func (m *Minter) Mint(ctx context.Context) (*Minted, error) {
	key := m.creds.APIKey()
	if key == "" {
		return nil, ErrMissingCredential
	}
	payload, _ := json.Marshal(map[string]string{"model": m.creds.RealtimeModel()})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &relay.TransportError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := relay.BearerClient(m.base, key).Do(req)
	if err != nil {
		return nil, &relay.TransportError{Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenBody))
	metrics.ObserveUpstreamDuration(tokenRoute, time.Since(start))
	metrics.RecordUpstreamStatus(tokenRoute, strconv.Itoa(resp.StatusCode))
	if err != nil {
		return nil, &relay.TransportError{Err: err}
	}
	if len(body) == 0 {
		body = EmptyUpstreamBody
	}
	return &Minted{Status: resp.StatusCode, Body: body}, nil
}

type tokenResponse struct {
	Value        string `json:"value"`
	Model        string `json:"model"`
	ClientSecret *struct {
		Value string `json:"value"`
	} `json:"client_secret"`
	Session *struct {
		Model string `json:"model"`
	} `json:"session"`
}

// ParseClientSecret reads the ephemeral key and model from a token
// response. defaultModel is used when the response names none.
func ParseClientSecret(body []byte, defaultModel string) (key, model string, err error) {
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", "", fmt.Errorf("parse token response: %w", err)
	}
	switch {
	case tr.ClientSecret != nil && tr.ClientSecret.Value != "":
		key = tr.ClientSecret.Value
	case tr.Value != "":
		key = tr.Value
	default:
		return "", "", ErrNoClientSecret
	}
	model = tr.Model
	if model == "" && tr.Session != nil {
		model = tr.Session.Model
	}
	if model == "" {
		model = defaultModel
	}
	return key, model, nil
}
