package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/pion/sdp/v3"

	"vrchat-backend/internal/config"
	"vrchat-backend/internal/logx"
)

const (
	typeSDPAnswer = "webrtc.sdp_answer"
	typeTextDelta = "response.output_text.delta"
	typeError     = "error"

	DefaultVoice = "alloy"
	audioFormat  = "pcm16"
	readLimit    = 1 << 20
)

var ErrNoAudio = errors.New("sdp has no audio section")

// Event is one message from the realtime session that a voice client acts on.
type Event interface{ event() }

// AnswerEvent carries the provider's decoded SDP answer.
type AnswerEvent struct {
	SDP         string
	Description *sdp.SessionDescription
}

type TextDeltaEvent struct{ Delta string }

type ErrorEvent struct{ Message string }

func (AnswerEvent) event()    {}
func (TextDeltaEvent) event() {}
func (ErrorEvent) event()     {}

// EncodeSDP renders an offer for the openai-sdp subprotocol: URL-safe
// base64 without padding.
func EncodeSDP(offer string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(offer))
}

// Subprotocols lists the WebSocket subprotocols that authenticate the
// session and carry the offer.
func Subprotocols(key, offer string) []string {
	return []string{
		"realtime",
		"openai-insecure-api-key." + key,
		"openai-sdp." + EncodeSDP(offer),
	}
}

// ValidateSDP parses s and requires at least one audio media section.
func ValidateSDP(s string) (*sdp.SessionDescription, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(s)); err != nil {
		return nil, fmt.Errorf("invalid sdp: %w", err)
	}
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media == "audio" {
			return &desc, nil
		}
	}
	return nil, ErrNoAudio
}

type DialOptions struct {
	// URL defaults to config.DefaultRealtimeURL when empty.
	URL   string
	Model string
	Key   string
	Offer string
	Voice string

	HTTPClient *http.Client
}

// Conn is one realtime voice session.
type Conn struct {
	ws *websocket.Conn
}

// Dial validates the offer, opens the session and sends the initial
// session.update.
func Dial(ctx context.Context, opts DialOptions) (*Conn, error) {
	if opts.Key == "" {
		return nil, ErrMissingCredential
	}
	if _, err := ValidateSDP(opts.Offer); err != nil {
		return nil, err
	}
	raw := opts.URL
	if raw == "" {
		raw = config.DefaultRealtimeURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("realtime url: %w", err)
	}
	q := u.Query()
	q.Set("model", opts.Model)
	u.RawQuery = q.Encode()

	ws, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient:   opts.HTTPClient,
		Subprotocols: Subprotocols(opts.Key, opts.Offer),
	})
	if err != nil {
		return nil, fmt.Errorf("realtime dial: %w", err)
	}
	ws.SetReadLimit(readLimit)

	voice := opts.Voice
	if voice == "" {
		voice = DefaultVoice
	}
	update := map[string]any{
		"type": "session.update",
		"session": map[string]string{
			"voice":               voice,
			"input_audio_format":  audioFormat,
			"output_audio_format": audioFormat,
		},
	}
	if err := wsjson.Write(ctx, ws, update); err != nil {
		ws.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("session update: %w", err)
	}
	return &Conn{ws: ws}, nil
}

type serverMessage struct {
	Type  string          `json:"type"`
	SDP   string          `json:"sdp"`
	Delta json.RawMessage `json:"delta"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Next blocks until the next answer, text delta or error event. Messages
// that do not parse, and event types a voice client ignores, are skipped.
func (c *Conn) Next(ctx context.Context) (Event, error) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return nil, err
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logx.Log.Debug().Err(err).Msg("skipping unparseable realtime message")
			continue
		}
		switch msg.Type {
		case typeSDPAnswer:
			if msg.SDP == "" {
				continue
			}
			ev, err := decodeAnswer(msg.SDP)
			if err != nil {
				logx.Log.Warn().Err(err).Msg("skipping invalid sdp answer")
				continue
			}
			return ev, nil
		case typeTextDelta:
			var delta string
			if json.Unmarshal(msg.Delta, &delta) != nil {
				continue
			}
			return TextDeltaEvent{Delta: delta}, nil
		case typeError:
			ev := ErrorEvent{}
			if msg.Error != nil {
				ev.Message = msg.Error.Message
			}
			return ev, nil
		}
	}
}

func decodeAnswer(encoded string) (AnswerEvent, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		if raw, err = base64.RawStdEncoding.DecodeString(encoded); err != nil {
			return AnswerEvent{}, fmt.Errorf("decode sdp answer: %w", err)
		}
	}
	desc, err := ValidateSDP(string(raw))
	if err != nil {
		return AnswerEvent{}, err
	}
	return AnswerEvent{SDP: string(raw), Description: desc}, nil
}

func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

// WaitGathering waits for done to close or timeout to pass, whichever is
// first. It reports whether gathering completed; a timeout is not an error
// since the offer is sent with the candidates gathered so far.
func WaitGathering(ctx context.Context, done <-chan struct{}, timeout time.Duration) (bool, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return true, nil
	case <-t.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
