// Package sse decodes the provider's Server-Sent-Events stream into frames,
// tolerating chunk boundaries that fall anywhere inside a line.
package sse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
)

const (
	TypeTextDelta = "response.output_text.delta"
	TypeError     = "error"

	// DoneSentinel marks end of stream. It is not a frame and not an error.
	DoneSentinel = "[DONE]"

	// MaxLineBytes caps a partial line waiting for its newline. A longer line
	// is dropped and counted as malformed.
	MaxLineBytes = 1 << 20

	dataPrefix = "data: "
	readSize   = 4096
	linePrefix = 80
)

// FrameError is the payload of an error-type frame.
type FrameError struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
}

// Frame is one decoded data line.
type Frame struct {
	Type string
	// Delta is only meaningful when HasDelta is set, i.e. the payload carried
	// a JSON string under "delta".
	Delta    string
	HasDelta bool
	Error    *FrameError
	Raw      string
}

// IsTextDelta reports whether the frame appends text to the reply.
func (f Frame) IsTextDelta() bool {
	return f.Type == TypeTextDelta && f.HasDelta
}

// IsError reports whether the provider signalled an error in-band.
func (f Frame) IsError() bool {
	return f.Type == TypeError
}

type wireFrame struct {
	Type  string          `json:"type"`
	Delta json.RawMessage `json:"delta"`
	Error json.RawMessage `json:"error"`
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithMalformedHandler is called with every data line whose payload could
// not be parsed. The line is still dropped.
func WithMalformedHandler(fn func(line string, err error)) Option {
	return func(d *Decoder) { d.onMalformed = fn }
}

// WithMaxLineBytes overrides MaxLineBytes.
func WithMaxLineBytes(n int) Option {
	return func(d *Decoder) { d.maxLine = n }
}

// Decoder reassembles lines across chunks. It is not safe for concurrent use;
// frames are produced strictly in the order their bytes were fed.
type Decoder struct {
	pending     []byte
	skipping    bool
	maxLine     int
	malformed   int
	onMalformed func(line string, err error)
}

var ErrLineTooLong = errors.New("line exceeds maximum length")

func NewDecoder(opts ...Option) *Decoder {
	d := &Decoder{maxLine: MaxLineBytes}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Feed appends chunk to the pending buffer and returns the frames of every
// line completed by it. The trailing partial line stays pending.
func (d *Decoder) Feed(chunk []byte) []Frame {
	if d.skipping {
		idx := bytes.IndexByte(chunk, '\n')
		if idx < 0 {
			return nil
		}
		chunk = chunk[idx+1:]
		d.skipping = false
	}
	d.pending = append(d.pending, chunk...)
	var frames []Frame
	for {
		idx := bytes.IndexByte(d.pending, '\n')
		if idx < 0 {
			break
		}
		line := string(d.pending[:idx])
		d.pending = d.pending[idx+1:]
		if f, ok := d.parseLine(line); ok {
			frames = append(frames, f)
		}
	}
	if d.maxLine > 0 && len(d.pending) > d.maxLine {
		d.dropPending()
	}
	if len(d.pending) == 0 {
		d.pending = nil
	}
	return frames
}

// dropPending discards an oversized partial line; the rest of it, up to the
// next newline, is skipped as it arrives.
func (d *Decoder) dropPending() {
	d.malformed++
	if d.onMalformed != nil {
		head := d.pending
		if len(head) > linePrefix {
			head = head[:linePrefix]
		}
		d.onMalformed(string(head), ErrLineTooLong)
	}
	d.pending = nil
	d.skipping = true
}

// Finish ends the stream. A leftover partial line is never treated as a line;
// it is dropped and its length returned.
func (d *Decoder) Finish() int {
	n := len(d.pending)
	d.pending = nil
	d.skipping = false
	return n
}

// Malformed returns how many data lines failed to parse so far.
func (d *Decoder) Malformed() int {
	return d.malformed
}

func (d *Decoder) parseLine(line string) (Frame, bool) {
	if line == "" || strings.HasPrefix(line, ":") {
		return Frame{}, false
	}
	if !strings.HasPrefix(line, dataPrefix) {
		return Frame{}, false
	}
	payload := strings.TrimSpace(line[len(dataPrefix):])
	if payload == DoneSentinel {
		return Frame{}, false
	}
	f, err := parseFrame(payload)
	if err != nil {
		d.malformed++
		if d.onMalformed != nil {
			d.onMalformed(line, err)
		}
		return Frame{}, false
	}
	return f, true
}

var errNotObject = errors.New("frame payload is not a JSON object")

func parseFrame(payload string) (Frame, error) {
	if !strings.HasPrefix(payload, "{") {
		return Frame{}, errNotObject
	}
	var w wireFrame
	if err := json.Unmarshal([]byte(payload), &w); err != nil {
		return Frame{}, err
	}
	f := Frame{Type: w.Type, Raw: payload}
	if len(w.Delta) > 0 {
		var s string
		if json.Unmarshal(w.Delta, &s) == nil {
			f.Delta = s
			f.HasDelta = true
		}
	}
	if len(w.Error) > 0 && string(w.Error) != "null" {
		var fe FrameError
		if json.Unmarshal(w.Error, &fe) == nil {
			f.Error = &fe
		} else {
			var msg string
			if json.Unmarshal(w.Error, &msg) == nil {
				f.Error = &FrameError{Message: msg}
			}
		}
	}
	if f.IsError() && f.Error == nil {
		f.Error = &FrameError{}
	}
	return f, nil
}

// Read drives a fresh Decoder over r, calling fn for every frame in arrival
// order. It returns nil once r is exhausted, ctx.Err() if ctx ends first, or
// the read error otherwise.
func Read(ctx context.Context, r io.Reader, fn func(Frame), opts ...Option) error {
	d := NewDecoder(opts...)
	buf := make([]byte, readSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(buf)
		if n > 0 {
			for _, f := range d.Feed(buf[:n]) {
				fn(f)
			}
		}
		if errors.Is(err, io.EOF) {
			d.Finish()
			return nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
	}
}
