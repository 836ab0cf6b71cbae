package logx

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Log is the shared logger used throughout the project.
var Log = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Configure sets the global level and output format. Unknown levels fall back
// to info; format "console" switches to the human-readable writer.
func Configure(level, format string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var out io.Writer = os.Stderr
	if strings.EqualFold(format, "console") {
		out = zerolog.ConsoleWriter{Out: os.Stderr}
	}
	Log = zerolog.New(out).With().Timestamp().Logger()
}
