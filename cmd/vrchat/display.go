package main

import (
	"io"
	"strings"
	"sync"

	"vrchat-backend/internal/chat"
)

const anchorLen = 64

// termDisplay turns successive transcript views into appended terminal
// output. Views normally extend the previous one; once the view is capped it
// slides, and the new tail is located by anchoring on the last bytes shown.
type termDisplay struct {
	mu    sync.Mutex
	w     io.Writer
	shown string
}

func newTermDisplay(w io.Writer) *termDisplay { return &termDisplay{w: w} }

func (d *termDisplay) Show(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	prev := d.shown
	if strings.HasSuffix(prev, chat.Placeholder) {
		prev = strings.TrimSuffix(prev, chat.Placeholder)
		if strings.HasPrefix(text, prev) {
			_, _ = io.WriteString(d.w, "\b \b")
		} else {
			prev = d.shown
		}
	}
	d.shown = text

	switch {
	case strings.HasPrefix(text, prev):
		_, _ = io.WriteString(d.w, text[len(prev):])
	case len(prev) >= anchorLen:
		if i := strings.LastIndex(text, prev[len(prev)-anchorLen:]); i >= 0 {
			_, _ = io.WriteString(d.w, text[i+anchorLen:])
			return
		}
		fallthrough
	default:
		_, _ = io.WriteString(d.w, "\n"+text)
	}
}

// reset starts a fresh transcript, e.g. for the next prompt in a REPL.
func (d *termDisplay) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shown != "" {
		_, _ = io.WriteString(d.w, "\n\n")
	}
	d.shown = ""
}
