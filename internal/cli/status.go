package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// StatusResult is the output of the status command.
type StatusResult struct {
	Consumer    string `json:"consumer"`
	Cursor      int64  `json:"cursor"`
	FeedVersion int64  `json:"feed_version"`
	Lag         int64  `json:"lag"`
	DeadLetters int    `json:"dead_letters"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show how far the relay is behind the mutation feed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, log, err := rootOpts.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			d, store, err := openStore(ctx, log, conf)
			if err != nil {
				return err
			}
			defer d.Close()

			relay, err := newRelay(ctx, log, conf, store, nil)
			if err != nil {
				return err
			}
			cursor, head, err := relay.Status(ctx)
			if err != nil {
				return err
			}
			l, err := relay.DeadLetters(ctx)
			if err != nil {
				return err
			}
			res := StatusResult{
				Consumer:    conf.Relay.Consumer,
				Cursor:      cursor,
				FeedVersion: head,
				Lag:         head - cursor,
				DeadLetters: len(l),
			}

			w := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			fmt.Fprintf(w, "consumer:     %s\n", res.Consumer)
			fmt.Fprintf(w, "cursor:       %d\n", res.Cursor)
			fmt.Fprintf(w, "feed version: %d\n", res.FeedVersion)
			fmt.Fprintf(w, "lag:          %d\n", res.Lag)
			fmt.Fprintf(w, "dead letters: %d\n", res.DeadLetters)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
