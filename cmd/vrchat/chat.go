package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"vrchat-backend/internal/chat"
	"vrchat-backend/internal/logx"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive chat; a new line replaces the reply in progress",
	Long: `Type a prompt and press enter. Typing another prompt while a reply is
streaming cancels it and starts the new one.

  /cancel   stop the reply in progress
  /quit     leave`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		display := newTermDisplay(cmd.OutOrStdout())
		sess := newSession(display)
		return runREPL(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), sess, display)
	},
}

func runREPL(ctx context.Context, in io.Reader, out io.Writer, sess *chat.Session, display *termDisplay) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	defer sess.Cancel()

	sc := bufio.NewScanner(in)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/cancel":
			sess.Cancel()
			continue
		}

		sess.Cancel()
		display.reset()
		wg.Add(1)
		go func(prompt string) {
			defer wg.Done()
			err := sess.Send(ctx, prompt)
			switch {
			case err == nil, errors.Is(err, context.Canceled):
			default:
				logx.Log.Debug().Err(err).Str("session", sess.ID()).Msg("send failed")
			}
		}(line)
	}
	if err := sc.Err(); err != nil {
		return err
	}
	// Let the last reply finish when input ends.
	wg.Wait()
	fmt.Fprintln(out)
	return nil
}
