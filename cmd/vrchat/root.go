package main

import (
	"net/http"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"vrchat-backend/internal/chat"
	"vrchat-backend/internal/logx"
	"vrchat-backend/internal/sse"
)

var settings = viper.New()

var rootCmd = &cobra.Command{
	Use:   "vrchat",
	Short: "Terminal client for the VR chat relay",
	Long: `vrchat talks to a running vrchat-server the way the scene does.

Examples:
  vrchat ask "what is in the gallery?"
  vrchat chat --system "answer like a tour guide"
  vrchat voice --offer offer.sdp --answer answer.sdp

Every flag can also be set with a VRCHAT_ environment variable,
e.g. VRCHAT_SERVER=https://vr.example.com.`,
	SilenceUsage:      true,
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logx.Configure(settings.GetString("log-level"), "console")
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("server", "http://localhost:8080", "Base URL of the vrchat server")
	pf.String("system", "", "System instruction sent with every prompt")
	pf.Duration("timeout", 0, "Give up on a reply after this long (0 = never)")
	pf.Bool("log-malformed", false, "Log stream frames that could not be parsed")
	pf.String("log-level", "warn", "Log level")

	settings.SetEnvPrefix("VRCHAT")
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()
	_ = settings.BindPFlags(pf)

	rootCmd.AddCommand(askCmd, chatCmd, voiceCmd)
}

func serverURL(path string) string {
	return strings.TrimRight(settings.GetString("server"), "/") + path
}

func httpClient() *http.Client {
	return &http.Client{Timeout: settings.GetDuration("timeout")}
}

func newSession(display chat.Display) *chat.Session {
	opts := []chat.Option{
		chat.WithHTTPClient(httpClient()),
		chat.WithSystem(settings.GetString("system")),
	}
	if settings.GetBool("log-malformed") {
		opts = append(opts, chat.WithDecoderOptions(sse.WithMalformedHandler(func(line string, err error) {
			logx.Log.Warn().Err(err).Str("line", line).Msg("malformed frame")
		})))
	}
	return chat.NewSession(serverURL("/api/chat"), display, opts...)
}

