package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var askCmd = &cobra.Command{
	Use:   "ask <prompt>",
	Short: "Send one prompt and stream the reply",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		display := newTermDisplay(cmd.OutOrStdout())
		sess := newSession(display)
		err := sess.Send(cmd.Context(), strings.Join(args, " "))
		fmt.Fprintln(cmd.OutOrStdout())
		return err
	},
}
