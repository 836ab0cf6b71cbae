package types

// ChatRequest is the body accepted by /api/chat.
type ChatRequest struct {
	Prompt string `json:"prompt"`
	System string `json:"system,omitempty"`
	// Stream defaults to true when omitted.
	Stream *bool `json:"stream,omitempty"`
}

// Streaming reports whether the caller asked for a live stream.
func (r ChatRequest) Streaming() bool {
	return r.Stream == nil || *r.Stream
}

type ChatResponse struct {
	Reply string `json:"reply"`
}

type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// Turn is one prior message in a VR assistant conversation.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type AssistantRequest struct {
	History  []Turn `json:"history"`
	UserText string `json:"userText"`
}

type AssistantResponse struct {
	Reply string `json:"reply"`
}
