package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"ouro/pkg/messaging"

	"github.com/spf13/cobra"
)

// Local inbox identities. The first sender becomes the owner, so a fresh
// install driven by `ouro send` is owned by this user.
const (
	localChannelID = 1
	localUserID    = 1
)

// newSendCmd creates the "ouro send" subcommand.
func newSendCmd() *cobra.Command {
	var channelID, userID int64

	cmd := &cobra.Command{
		Use:   "send <text...>",
		Short: "Send an operator message through the local inbox",
		Long: `Appends a message to the local inbox, as if the operator had typed it.
Plain text becomes a task; lines starting with / are directives
(/status, /evolve on|off, /bg on|off, /review, /cancel <id>, /workers <n>,
/restart, /panic).

Only used with messaging.driver = "inbox".`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, paths, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Messaging.Driver != "inbox" {
				return fmt.Errorf("ouro send needs messaging.driver = inbox (configured: %s)", cfg.Messaging.Driver)
			}
			text := strings.Join(args, " ")
			if err := messaging.AppendInbox(paths.InboxDir, messaging.Update{
				ChannelID: channelID,
				UserID:    userID,
				Text:      text,
			}); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "queued")
			return nil
		},
	}

	cmd.Flags().Int64Var(&channelID, "channel", localChannelID, "channel id to send from")
	cmd.Flags().Int64Var(&userID, "user", localUserID, "user id to send as")
	return cmd
}

// newRepliesCmd creates the "ouro replies" subcommand.
func newRepliesCmd() *cobra.Command {
	var tail int

	cmd := &cobra.Command{
		Use:   "replies",
		Short: "Show messages the supervisor sent to the local inbox channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, paths, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			entries, err := messaging.ReadOutbox(paths.InboxDir, 0)
			if err != nil {
				return err
			}
			printReplies(cmd.OutOrStdout(), entries, tail)
			return nil
		},
	}

	cmd.Flags().IntVar(&tail, "tail", 20, "number of recent replies to show")
	return cmd
}

func printReplies(w io.Writer, entries []messaging.OutboxEntry, tail int) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "no replies yet")
		return
	}
	if tail > 0 && len(entries) > tail {
		entries = entries[len(entries)-tail:]
	}
	for _, e := range entries {
		ts := e.Ts.Local().Format(time.DateTime)
		switch e.Kind {
		case "photo":
			fmt.Fprintf(w, "%s [%d] 📷 %d bytes %s\n", ts, e.ChannelID, e.Bytes, e.Text)
		case "typing":
			continue
		default:
			fmt.Fprintf(w, "%s [%d] %s\n", ts, e.ChannelID, e.Text)
		}
	}
}
