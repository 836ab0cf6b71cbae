package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"vrchat-backend/internal/config"
	"vrchat-backend/internal/logx"
	"vrchat-backend/internal/realtime"
)

var voiceCmd = &cobra.Command{
	Use:   "voice",
	Short: "Start a realtime voice session from a local WebRTC offer",
	Long: `Fetches an ephemeral key from the server, sends the SDP offer produced by
a local WebRTC peer and writes the provider's SDP answer back for that peer.
Transcript text and errors from the session are printed as they arrive.

The offer is read until EOF, which marks ICE gathering complete. If gathering
takes too long the offer is sent with the candidates read so far.`,
	Args: cobra.NoArgs,
	RunE: runVoice,
}

func init() {
	voiceCmd.Flags().String("offer", "-", "file holding the SDP offer, - for stdin")
	voiceCmd.Flags().String("answer", "", "file to write the SDP answer to (default stdout)")
	voiceCmd.Flags().String("voice", realtime.DefaultVoice, "voice for spoken replies")
}

func runVoice(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	key, model, err := fetchClientSecret(ctx)
	if err != nil {
		return err
	}

	offerPath, _ := cmd.Flags().GetString("offer")
	in := cmd.InOrStdin()
	if offerPath != "-" {
		f, err := os.Open(offerPath)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	offer, err := readOffer(ctx, in)
	if err != nil {
		return err
	}

	voice, _ := cmd.Flags().GetString("voice")
	conn, err := realtime.Dial(ctx, realtime.DialOptions{
		Model: model,
		Key:   key,
		Offer: offer,
		Voice: voice,
	})
	if err != nil {
		return err
	}
	defer conn.Close()

	answerPath, _ := cmd.Flags().GetString("answer")
	for {
		ev, err := conn.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		switch e := ev.(type) {
		case realtime.AnswerEvent:
			if err := writeAnswer(answerPath, out, e.SDP); err != nil {
				return err
			}
		case realtime.TextDeltaEvent:
			fmt.Fprint(out, e.Delta)
		case realtime.ErrorEvent:
			fmt.Fprintf(out, "\n\n[Realtime error] %s\n", e.Message)
		}
	}
}

func fetchClientSecret(ctx context.Context) (key, model string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, serverURL("/api/realtime-token"), nil)
	if err != nil {
		return "", "", err
	}
	resp, err := httpClient().Do(req)
	if err != nil {
		return "", "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", fmt.Errorf("token response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return "", "", fmt.Errorf("token request: status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return realtime.ParseClientSecret(body, config.DefaultRealtimeModel)
}

// offerBuffer collects the offer while it is still being written.
type offerBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *offerBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *offerBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func readOffer(ctx context.Context, r io.Reader) (string, error) {
	var buf offerBuffer
	done := make(chan struct{})
	var readErr error
	go func() {
		defer close(done)
		_, readErr = io.Copy(&buf, r)
	}()

	complete, err := realtime.WaitGathering(ctx, done, config.ICEGatheringTimeout)
	if err != nil {
		return "", err
	}
	if !complete {
		logx.Log.Warn().Dur("timeout", config.ICEGatheringTimeout).Msg("ICE gathering incomplete, sending partial offer")
		return buf.String(), nil
	}
	if readErr != nil {
		return "", fmt.Errorf("read offer: %w", readErr)
	}
	return buf.String(), nil
}

func writeAnswer(path string, out io.Writer, answer string) error {
	if path == "" {
		_, err := io.WriteString(out, answer)
		return err
	}
	return os.WriteFile(path, []byte(answer), 0o600)
}
