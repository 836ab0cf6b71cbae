package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"vrchat-backend/internal/relay"
)

const offerSDP = "v=0\r\n" +
	"o=- 4611731400430051336 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=sendrecv\r\n"

const answerSDP = "v=0\r\n" +
	"o=- 1 2 IN IP4 10.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 3478 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 10.0.0.1\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n"

type creds struct{ key string }

func (c creds) APIKey() string        { return c.key }
func (c creds) RealtimeModel() string { return "gpt-realtime-test" }

func TestMintPassesThrough(t *testing.T) {
	var gotModel, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/realtime/client_secrets" || r.Method != http.MethodPost {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotModel = body["model"]
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"value":"ek_123","model":"gpt-realtime-test"}`)
	}))
	defer srv.Close()

	m := NewMinter(srv.URL+"/v1", creds{key: "sk-test"}, nil)
	got, err := m.Mint(context.Background())
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if got.Status != http.StatusCreated || string(got.Body) != `{"value":"ek_123","model":"gpt-realtime-test"}` {
		t.Fatalf("minted %d %s", got.Status, got.Body)
	}
	if gotAuth != "Bearer sk-test" || gotModel != "gpt-realtime-test" {
		t.Fatalf("auth %q model %q", gotAuth, gotModel)
	}
}

func TestMintEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	got, err := NewMinter(srv.URL, creds{key: "k"}, nil).Mint(context.Background())
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if got.Status != http.StatusBadGateway || string(got.Body) != `{"error":"Upstream error"}` {
		t.Fatalf("minted %d %s", got.Status, got.Body)
	}
}

func TestMintErrors(t *testing.T) {
	if _, err := NewMinter("http://127.0.0.1:1", creds{}, nil).Mint(context.Background()); !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("err = %v; want ErrMissingCredential", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	addr := srv.URL
	srv.Close()
	_, err := NewMinter(addr, creds{key: "k"}, nil).Mint(context.Background())
	var te *relay.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v; want *relay.TransportError", err)
	}
}

func TestParseClientSecret(t *testing.T) {
	key, model, err := ParseClientSecret([]byte(`{"client_secret":{"value":"ek_1"},"session":{"model":"m1"}}`), "def")
	if err != nil || key != "ek_1" || model != "m1" {
		t.Fatalf("got %q %q %v", key, model, err)
	}
	key, model, err = ParseClientSecret([]byte(`{"value":"ek_2"}`), "def")
	if err != nil || key != "ek_2" || model != "def" {
		t.Fatalf("got %q %q %v", key, model, err)
	}
	if _, _, err := ParseClientSecret([]byte(`{"error":"Upstream error"}`), "def"); !errors.Is(err, ErrNoClientSecret) {
		t.Fatalf("err = %v; want ErrNoClientSecret", err)
	}
	if _, _, err := ParseClientSecret([]byte(`<html>`), "def"); err == nil {
		t.Fatalf("html accepted")
	}
}

func TestEncodeSDP(t *testing.T) {
	enc := EncodeSDP(offerSDP)
	if strings.ContainsAny(enc, "+/=") {
		t.Fatalf("not url-safe: %q", enc)
	}
	dec, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil || string(dec) != offerSDP {
		t.Fatalf("round trip failed: %v", err)
	}
	protos := Subprotocols("ek_1", offerSDP)
	if len(protos) != 3 || protos[0] != "realtime" || protos[1] != "openai-insecure-api-key.ek_1" || protos[2] != "openai-sdp."+enc {
		t.Fatalf("subprotocols %q", protos)
	}
}

func TestValidateSDP(t *testing.T) {
	if _, err := ValidateSDP(offerSDP); err != nil {
		t.Fatalf("ValidateSDP: %v", err)
	}
	if _, err := ValidateSDP("hello"); err == nil {
		t.Fatalf("garbage accepted")
	}
	video := strings.Replace(offerSDP, "m=audio", "m=video", 1)
	if _, err := ValidateSDP(video); !errors.Is(err, ErrNoAudio) {
		t.Fatalf("err = %v; want ErrNoAudio", err)
	}
}

func TestDialAndNext(t *testing.T) {
	gotUpdate := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("model") != "gpt-realtime-test" {
			t.Errorf("model query %q", r.URL.RawQuery)
		}
		protos := r.Header.Get("Sec-WebSocket-Protocol")
		if !strings.Contains(protos, "openai-insecure-api-key.ek_1") || !strings.Contains(protos, "openai-sdp."+EncodeSDP(offerSDP)) {
			t.Errorf("subprotocols %q", protos)
		}
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{"realtime"}})
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer c.CloseNow()
		ctx := r.Context()

		var update map[string]any
		if err := wsjson.Read(ctx, c, &update); err != nil {
			t.Errorf("read update: %v", err)
			return
		}
		gotUpdate <- update

		_ = c.Write(ctx, websocket.MessageText, []byte("not json"))
		_ = wsjson.Write(ctx, c, map[string]any{"type": "session.updated"})
		_ = wsjson.Write(ctx, c, map[string]any{"type": "webrtc.sdp_answer", "sdp": "!!!"})
		_ = wsjson.Write(ctx, c, map[string]any{"type": "webrtc.sdp_answer", "sdp": base64.StdEncoding.EncodeToString([]byte(answerSDP))})
		_ = wsjson.Write(ctx, c, map[string]any{"type": "response.output_text.delta", "delta": 3})
		_ = wsjson.Write(ctx, c, map[string]any{"type": "response.output_text.delta", "delta": "Hello"})
		_ = wsjson.Write(ctx, c, map[string]any{"type": "error", "error": map[string]string{"message": "slow down"}})
		c.Close(websocket.StatusNormalClosure, "")
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := Dial(ctx, DialOptions{
		URL:   "ws" + strings.TrimPrefix(srv.URL, "http"),
		Model: "gpt-realtime-test",
		Key:   "ek_1",
		Offer: offerSDP,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	update := <-gotUpdate
	session, _ := update["session"].(map[string]any)
	if update["type"] != "session.update" || session["voice"] != "alloy" || session["input_audio_format"] != "pcm16" {
		t.Fatalf("session update %v", update)
	}

	ev, err := conn.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	ans, ok := ev.(AnswerEvent)
	if !ok || ans.SDP != answerSDP || ans.Description == nil {
		t.Fatalf("event %#v; want answer", ev)
	}
	ev, err = conn.Next(ctx)
	if err != nil || ev != (TextDeltaEvent{Delta: "Hello"}) {
		t.Fatalf("event %#v, %v; want delta", ev, err)
	}
	ev, err = conn.Next(ctx)
	if err != nil || ev != (ErrorEvent{Message: "slow down"}) {
		t.Fatalf("event %#v, %v; want error", ev, err)
	}
	if _, err := conn.Next(ctx); websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Fatalf("err = %v; want normal closure", err)
	}
}

func TestDialRejectsBadOffer(t *testing.T) {
	_, err := Dial(context.Background(), DialOptions{URL: "ws://127.0.0.1:1", Key: "k", Offer: "nope"})
	if err == nil {
		t.Fatalf("bad offer accepted")
	}
	if _, err := Dial(context.Background(), DialOptions{Offer: offerSDP}); !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("err = %v; want ErrMissingCredential", err)
	}
}

func TestWaitGathering(t *testing.T) {
	done := make(chan struct{})
	close(done)
	if ok, err := WaitGathering(context.Background(), done, time.Second); !ok || err != nil {
		t.Fatalf("closed channel = %v, %v", ok, err)
	}
	if ok, err := WaitGathering(context.Background(), make(chan struct{}), 10*time.Millisecond); ok || err != nil {
		t.Fatalf("timeout = %v, %v", ok, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := WaitGathering(ctx, make(chan struct{}), time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v; want context.Canceled", err)
	}
}
