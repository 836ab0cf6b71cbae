package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"vrchat-backend/internal/assistant"
	"vrchat-backend/internal/logx"
	"vrchat-backend/internal/realtime"
	"vrchat-backend/internal/relay"
	"vrchat-backend/internal/types"
)

const (
	maxBody = 1 << 20

	msgMissingKey = "Missing OPENAI_API_KEY"
)

var errInvalidJSON = errors.New("invalid JSON")

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if !s.preflight(w, r, http.MethodPost, "POST required") {
		return
	}
	fields, err := readFields(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON", "")
		return
	}
	req := types.ChatRequest{
		Prompt: stringField(fields, "prompt"),
		System: stringField(fields, "system"),
	}
	if v, ok := boolField(fields, "stream"); ok {
		req.Stream = &v
	}
	if req.Prompt == "" {
		s.writeError(w, http.StatusBadRequest, "Missing prompt", "")
		return
	}

	in := relay.Input{Prompt: req.Prompt, System: req.System}
	if !req.Streaming() {
		reply, err := s.relay.Complete(r.Context(), in)
		if err != nil {
			s.relayError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, types.ChatResponse{Reply: reply})
		return
	}

	res, err := s.relay.Stream(r.Context(), w, in)
	if err == nil {
		logx.Log.Debug().Int64("bytes", res.Bytes).Dur("duration", res.Duration).Msg("relay stream complete")
		return
	}
	if res.Started {
		if r.Context().Err() == nil {
			logx.Log.Warn().Err(err).Int64("bytes", res.Bytes).Msg("relay stream interrupted")
		}
		return
	}
	s.relayError(w, r, err)
}

// relayError renders a relay failure that happened before any response
// bytes were written.
func (s *Server) relayError(w http.ResponseWriter, r *http.Request, err error) {
	var ue *relay.UpstreamError
	var te *relay.TransportError
	switch {
	case errors.Is(err, relay.ErrMissingCredential):
		s.writeError(w, http.StatusInternalServerError, msgMissingKey, "")
	case errors.As(err, &ue):
		ct := ue.ContentType
		if ct == "" {
			ct = "application/json"
		}
		if len(bytes.TrimSpace(ue.Body)) == 0 {
			s.writeError(w, ue.Status, "Upstream error", "")
			return
		}
		w.Header().Set("Content-Type", ct)
		w.WriteHeader(ue.Status)
		_, _ = w.Write(ue.Body)
	case r.Context().Err() != nil:
		logx.Log.Debug().Err(err).Msg("client went away before upstream answered")
	case errors.As(err, &te):
		s.writeError(w, http.StatusBadGateway, "Upstream request failed", te.Err.Error())
	default:
		logx.Log.Error().Err(err).Msg("relay failed")
		s.writeError(w, http.StatusInternalServerError, "Internal error", "")
	}
}

func (s *Server) handleRealtimeToken(w http.ResponseWriter, r *http.Request) {
	if !s.preflight(w, r, http.MethodGet, "GET required") {
		return
	}
	minted, err := s.minter.Mint(r.Context())
	if err != nil {
		var te *relay.TransportError
		switch {
		case errors.Is(err, realtime.ErrMissingCredential):
			s.writeError(w, http.StatusInternalServerError, msgMissingKey, "")
		case errors.As(err, &te):
			s.writeError(w, http.StatusBadGateway, "Upstream request failed", te.Err.Error())
		default:
			s.writeError(w, http.StatusInternalServerError, "Internal error", "")
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(minted.Status)
	_, _ = w.Write(minted.Body)
}

func (s *Server) handleAssistant(w http.ResponseWriter, r *http.Request) {
	if !s.preflight(w, r, http.MethodPost, "Use POST") {
		return
	}
	fields, err := readFields(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON", "")
		return
	}
	req := types.AssistantRequest{UserText: stringField(fields, "userText")}
	if raw, ok := fields["history"]; ok {
		// A malformed history is dropped rather than failing the turn.
		if err := json.Unmarshal(raw, &req.History); err != nil {
			req.History = nil
		}
	}
	if req.UserText == "" {
		s.writeError(w, http.StatusBadRequest, "Missing userText", "")
		return
	}

	reply, err := s.guide.Reply(r.Context(), req.History, req.UserText)
	if err != nil {
		if errors.Is(err, assistant.ErrMissingCredential) {
			s.writeError(w, http.StatusInternalServerError, msgMissingKey, "")
			return
		}
		detail := err.Error()
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			detail = apiErr.Message
		}
		logx.Log.Warn().Err(err).Msg("assistant reply failed")
		s.writeError(w, http.StatusInternalServerError, "OpenAI error", detail)
		return
	}
	writeJSON(w, http.StatusOK, types.AssistantResponse{Reply: reply})
}

func (s *Server) handleListings(w http.ResponseWriter, r *http.Request) {
	if !s.preflight(w, r, http.MethodGet, "GET required") {
		return
	}
	board, err := s.listings.Load(r.Context())
	if err != nil {
		logx.Log.Error().Err(err).Msg("listings load failed")
		s.writeError(w, http.StatusServiceUnavailable, "Listings unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, board)
}

// readFields parses a JSON request body. An empty body counts as {}; a body
// that is valid JSON but not an object yields no fields.
func readFields(r *http.Request) (map[string]json.RawMessage, error) {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return nil, err
	}
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return map[string]json.RawMessage{}, nil
	}
	if !json.Valid(b) {
		return nil, errInvalidJSON
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return map[string]json.RawMessage{}, nil
	}
	return fields, nil
}

func stringField(fields map[string]json.RawMessage, key string) string {
	var v string
	if raw, ok := fields[key]; ok {
		_ = json.Unmarshal(raw, &v)
	}
	return v
}

func boolField(fields map[string]json.RawMessage, key string) (bool, bool) {
	raw, ok := fields[key]
	if !ok {
		return false, false
	}
	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		return false, false
	}
	return v, true
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg, detail string) {
	writeJSON(w, code, types.ErrorResponse{Error: msg, Detail: detail})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
