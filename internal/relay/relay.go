package relay

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

	"golang.org/x/oauth2"

	"vrchat-backend/internal/logx"
	"vrchat-backend/internal/metrics"
)

const (
	DefaultStreamContentType = "text/event-stream; charset=utf-8"
	// FallbackReply is returned in buffered mode when the provider answered
	// but no text could be found in the response.
	FallbackReply = "Sorry, I had trouble answering that."

	maxErrorBody = 1 << 20
	copyBufSize  = 32 * 1024
	route        = "responses"
)

var ErrMissingCredential = errors.New("missing provider credential")

// UpstreamError is a non-2xx provider response, kept verbatim so the caller
// can see the provider's own diagnostic.
type UpstreamError struct {
	Status      int
	ContentType string
	Body        []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Status, strings.TrimSpace(string(e.Body)))
}

// TransportError means the provider could not be reached or the request
// could not be built. Nothing has been written to the caller.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "upstream request failed: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// Credentials supplies the provider key and model. Implementations are
// consulted on every request.
type Credentials interface {
	APIKey() string
	TextModel() string
}

// Input is one validated user turn.
type Input struct {
	Prompt string
	System string
}

// CombineInput renders the single input string sent to the provider.
func CombineInput(system, prompt string) string {
	if system != "" {
		return "System: " + system + "\n\nUser: " + prompt
	}
	return "User: " + prompt
}

type Option func(*Relay)

// WithTransport sets the base transport used for provider calls.
func WithTransport(rt http.RoundTripper) Option {
	return func(r *Relay) { r.base = rt }
}

// WithTimeout bounds each provider call. Zero disables the timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Relay) { r.timeout = d }
}

// Relay forwards text generation requests to the provider's responses
// endpoint. One outbound call per request, no retries.
type Relay struct {
	endpoint string
	creds    Credentials
	base     http.RoundTripper
	timeout  time.Duration
}

// New returns a relay posting to {baseURL}/responses.
func New(baseURL string, creds Credentials, opts ...Option) *Relay {
	r := &Relay{
		endpoint: strings.TrimRight(baseURL, "/") + "/responses",
		creds:    creds,
		base:     http.DefaultTransport,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Result summarises a finished stream. Started is set once the response
// status has been written; after that errors can no longer be rendered.
type Result struct {
	Started  bool
	Bytes    int64
	Duration time.Duration
}

// Stream makes the provider call and, on a 2xx response, writes it to w as a
// live stream. When an error is returned nothing has been written to w; the
// caller renders it. Once streaming has started, a failed copy is reported
// in the returned error but the response is already committed.
func (r *Relay) Stream(ctx context.Context, w http.ResponseWriter, in Input) (Result, error) {
	start := time.Now()
	resp, cancel, err := r.post(ctx, in, true)
	if err != nil {
		r.recordFailure("stream", err)
		return Result{}, err
	}
	defer cancel()
	defer resp.Body.Close()

	if err := upstreamError(resp); err != nil {
		metrics.RecordRelay("stream", "upstream_error")
		return Result{}, err
	}

	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = DefaultStreamContentType
	}
	h := w.Header()
	h.Set("Content-Type", ct)
	h.Set("Cache-Control", "no-store")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}
	n, copyErr := copyFlush(w, flusher, resp.Body)
	res := Result{Started: true, Bytes: n, Duration: time.Since(start)}
	metrics.AddRelayBytes(n)
	metrics.ObserveUpstreamDuration(route, res.Duration)
	if copyErr != nil {
		if ctx.Err() != nil {
			metrics.RecordRelay("stream", "cancelled")
			return res, ctx.Err()
		}
		metrics.RecordRelay("stream", "interrupted")
		return res, fmt.Errorf("relay stream: %w", copyErr)
	}
	metrics.RecordRelay("stream", "success")
	return res, nil
}

// Complete is the buffered variant: it waits for the whole provider response
// and extracts the reply text.
func (r *Relay) Complete(ctx context.Context, in Input) (string, error) {
	start := time.Now()
	resp, cancel, err := r.post(ctx, in, false)
	if err != nil {
		r.recordFailure("buffered", err)
		return "", err
	}
	defer cancel()
	defer resp.Body.Close()

	if err := upstreamError(resp); err != nil {
		metrics.RecordRelay("buffered", "upstream_error")
		return "", err
	}
	body, err := io.ReadAll(resp.Body)
	metrics.ObserveUpstreamDuration(route, time.Since(start))
	if err != nil {
		metrics.RecordRelay("buffered", "interrupted")
		return "", &TransportError{Err: err}
	}
	metrics.RecordRelay("buffered", "success")
	return ExtractReply(body), nil
}

func (r *Relay) post(ctx context.Context, in Input, stream bool) (*http.Response, context.CancelFunc, error) {
	key := r.creds.APIKey()
	if key == "" {
		return nil, nil, ErrMissingCredential
	}
	payload, err := json.Marshal(map[string]any{
		"model":  r.creds.TextModel(),
		"input":  CombineInput(in.System, in.Prompt),
		"stream": stream,
	})
	if err != nil {
		return nil, nil, &TransportError{Err: err}
	}

	cancel := context.CancelFunc(func() {})
	if r.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, nil, &TransportError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := BearerClient(r.base, key).Do(req)
	if err != nil {
		cancel()
		if errors.Is(err, context.Canceled) {
			return nil, nil, context.Canceled
		}
		return nil, nil, &TransportError{Err: err}
	}
	metrics.RecordUpstreamStatus(route, strconv.Itoa(resp.StatusCode))
	return resp, cancel, nil
}

func (r *Relay) recordFailure(mode string, err error) {
	switch {
	case errors.Is(err, ErrMissingCredential):
		metrics.RecordRelay(mode, "misconfigured")
	case errors.Is(err, context.Canceled):
		metrics.RecordRelay(mode, "cancelled")
	default:
		metrics.RecordRelay(mode, "transport_error")
		logx.Log.Warn().Err(err).Str("mode", mode).Msg("relay upstream call failed")
	}
}

// BearerClient returns a client that attaches "Authorization: Bearer <key>"
// to every request sent through base.
func BearerClient(base http.RoundTripper, key string) *http.Client {
	return &http.Client{
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: key, TokenType: "Bearer"}),
			Base:   base,
		},
	}
}

func upstreamError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &UpstreamError{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}
}

func copyFlush(w io.Writer, flusher http.Flusher, src io.Reader) (int64, error) {
	buf := make([]byte, copyBufSize)
	var total int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			wn, werr := w.Write(buf[:n])
			total += int64(wn)
			if werr != nil {
				return total, werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

type bufferedResponse struct {
	OutputText string `json:"output_text"`
	Output     []struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Data []struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	} `json:"data"`
}

// ExtractReply pulls the reply text out of a non-streamed provider response,
// trying the known response shapes in order.
func ExtractReply(body []byte) string {
	var r bufferedResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return FallbackReply
	}
	if r.OutputText != "" {
		return r.OutputText
	}
	var b strings.Builder
	for _, item := range r.Output {
		for _, c := range item.Content {
			if c.Type == "output_text" || c.Type == "" {
				b.WriteString(c.Text)
			}
		}
	}
	if b.Len() > 0 {
		return b.String()
	}
	if len(r.Choices) > 0 && r.Choices[0].Message.Content != "" {
		return r.Choices[0].Message.Content
	}
	if len(r.Data) > 0 && len(r.Data[0].Content) > 0 && r.Data[0].Content[0].Text != "" {
		return r.Data[0].Content[0].Text
	}
	return FallbackReply
}
