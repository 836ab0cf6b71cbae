package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"

	"vrchat-backend/internal/logx"
	"vrchat-backend/internal/sse"
	"vrchat-backend/internal/types"
)

const (
	// DisplayLimit caps the rendered transcript to its most recent runes.
	DisplayLimit = 8000
	Placeholder  = "…"

	maxErrorBody = 64 << 10
)

var ErrEmptyPrompt = errors.New("empty prompt")

// StatusError is a non-2xx answer from the relay.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string { return fmt.Sprintf("Error %d: %s", e.Status, e.Body) }

// Display renders the current transcript view.
type Display interface {
	Show(text string)
}

type DisplayFunc func(text string)

func (f DisplayFunc) Show(text string) { f(text) }

type Option func(*Session)

func WithHTTPClient(c *http.Client) Option {
	return func(s *Session) { s.client = c }
}

// WithSystem sends a system instruction with every prompt.
func WithSystem(system string) Option {
	return func(s *Session) { s.system = system }
}

func WithDecoderOptions(opts ...sse.Option) Option {
	return func(s *Session) { s.decoderOpts = append(s.decoderOpts, opts...) }
}

// Session is one chat panel talking to the relay. At most one request is in
// flight; starting another cancels the previous one and frames that arrive
// for a superseded request are dropped.
type Session struct {
	id          string
	endpoint    string
	client      *http.Client
	display     Display
	system      string
	decoderOpts []sse.Option

	mu     sync.Mutex
	state  State
	gen    uint64
	cancel context.CancelFunc
	buf    strings.Builder
}

func NewSession(endpoint string, display Display, opts ...Option) *Session {
	s := &Session{
		id:       uuid.NewString(),
		endpoint: endpoint,
		client:   http.DefaultClient,
		display:  display,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.display == nil {
		s.display = DisplayFunc(func(string) {})
	}
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Text returns the full transcript of the latest request.
func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

// Send posts prompt to the relay and streams the reply into the display.
// It blocks until the reply ends, fails or is superseded. A superseded or
// cancelled request returns the context error and leaves the display alone.
func (s *Session) Send(ctx context.Context, prompt string) error {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return ErrEmptyPrompt
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.stopLocked()
	s.gen++
	gen := s.gen
	s.cancel = cancel
	s.buf.Reset()
	s.buf.WriteString("You: " + prompt + "\n\n")
	_ = s.transitionLocked(Connecting)
	s.showLocked(Placeholder)
	s.mu.Unlock()

	// A request that ends without reaching a final state was aborted through
	// ctx; settle it so the next Send starts from Cancelled.
	defer func() {
		s.mu.Lock()
		if s.gen == gen {
			s.cancel = nil
			if s.state.InFlight() {
				_ = s.transitionLocked(Cancelled)
			}
		}
		s.mu.Unlock()
	}()

	log := logx.Log.With().Str("session", s.id).Uint64("gen", gen).Logger()

	body, err := json.Marshal(types.ChatRequest{Prompt: prompt, System: s.system})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		s.fail(gen, "Network error: "+err.Error())
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.fail(gen, "Network error: "+err.Error())
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		serr := &StatusError{Status: resp.StatusCode, Body: string(b)}
		s.fail(gen, serr.Error())
		return serr
	}
	if err := s.advance(gen, Streaming); err != nil {
		return err
	}

	opts := append([]sse.Option{sse.WithMalformedHandler(func(line string, err error) {
		log.Debug().Err(err).Str("line", line).Msg("discarding malformed frame")
	})}, s.decoderOpts...)
	err = sse.Read(ctx, resp.Body, func(f sse.Frame) { s.apply(gen, f) }, opts...)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.fail(gen, "Network error: "+err.Error())
		return err
	}
	if err := s.advance(gen, Completed); err != nil {
		return err
	}
	log.Debug().Int("bytes", s.textLen()).Msg("reply complete")
	return nil
}

// Cancel aborts the in-flight request, if any. The display keeps whatever
// had arrived.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Session) stopLocked() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.cancel = nil
	s.gen++
	if s.state.InFlight() {
		_ = s.transitionLocked(Cancelled)
	}
}

func (s *Session) apply(gen uint64, f sse.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.state != Streaming {
		return
	}
	switch {
	case f.IsTextDelta():
		s.buf.WriteString(f.Delta)
	case f.IsError():
		msg := ""
		if f.Error != nil {
			msg = f.Error.Message
		}
		s.buf.WriteString("\n\n[error] " + msg)
	default:
		return
	}
	s.showLocked("")
}

// advance moves the request identified by gen to state to. A superseded
// request gets context.Canceled.
func (s *Session) advance(gen uint64, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return context.Canceled
	}
	return s.transitionLocked(to)
}

// fail replaces the transcript with msg, as the panel does for errors.
func (s *Session) fail(gen uint64, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	if s.transitionLocked(Errored) != nil {
		return
	}
	s.buf.Reset()
	s.buf.WriteString(msg)
	s.showLocked("")
}

func (s *Session) transitionLocked(to State) error {
	if !CanTransition(s.state, to) {
		logx.Log.Warn().Str("session", s.id).Stringer("from", s.state).Stringer("to", to).Msg("rejected state transition")
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, s.state, to)
	}
	s.state = to
	return nil
}

func (s *Session) showLocked(suffix string) {
	s.display.Show(Tail(s.buf.String()+suffix, DisplayLimit))
}

func (s *Session) textLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Len()
}

// Tail returns the last n runes of text.
func Tail(text string, n int) string {
	if len(text) <= n {
		return text
	}
	count := utf8.RuneCountInString(text)
	if count <= n {
		return text
	}
	skip := count - n
	for i := range text {
		if skip == 0 {
			return text[i:]
		}
		skip--
	}
	return ""
}
