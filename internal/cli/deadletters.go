package cli

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/romshark/cdcrelay"
	"github.com/romshark/cdcrelay/bus/natsbus"
	"github.com/romshark/cdcrelay/db"
)

// NewDeadLettersCommand creates the dead-letters command group.
func NewDeadLettersCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "dead-letters",
		Aliases: []string{"dl"},
		Short:   "Inspect and redeliver dead letters",
	}
	cmd.AddCommand(newDeadLettersListCommand(rootOpts))
	cmd.AddCommand(newDeadLettersRedeliverCommand(rootOpts))
	return cmd
}

func newDeadLettersListCommand(rootOpts *RootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead letters of the relay and the applier",
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
			applier, err := newApplier(log, conf, store, nil)
			if err != nil {
				return err
			}
			outbound, err := relay.DeadLetters(ctx)
			if err != nil {
				return err
			}
			inbound, err := applier.DeadLetters(ctx)
			if err != nil {
				return err
			}
			l := append(outbound, inbound...)

			w := cmd.OutOrStdout()
			if asJSON {
				if l == nil {
					l = []db.DeadLetter{}
				}
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(l)
			}
			if len(l) == 0 {
				fmt.Fprintln(w, "No dead letters.")
				return nil
			}
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCONSUMER\tVERSION\tRECORD\tATTEMPTS\tTIME\tERROR")
			for _, dl := range l {
				fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%d\t%s\t%s\n",
					dl.ID, dl.Consumer, dl.MutationVersion, dl.RecordID,
					dl.Attempts, dl.Time.Format("2006-01-02T15:04:05Z07:00"),
					strings.ReplaceAll(dl.Error, "\n", " "))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newDeadLettersRedeliverCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "redeliver <id>...",
		Short: "Republish outbound or reapply inbound dead letters",
		Long: `Republishes relay dead letters to NATS and applies applier dead letters
to the store again. Dead letters are removed once they were handled.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, len(args))
			for i, a := range args {
				id, err := strconv.ParseInt(a, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid dead letter id %q", a)
				}
				ids[i] = id
			}

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

			nc, err := natsbus.Connect(log, natsConfig(conf))
			if err != nil {
				return err
			}
			defer nc.Close()

			relay, err := newRelay(ctx, log, conf, store, nc)
			if err != nil {
				return err
			}
			applier, err := newApplier(log, conf, store, nil)
			if err != nil {
				return err
			}

			for _, id := range ids {
				err := redeliver(cmd, store, relay, applier, id)
				if err != nil {
					return fmt.Errorf("redelivering dead letter %d: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "redelivered dead letter %d\n", id)
			}
			return nil
		},
	}
}

func redeliver(
	cmd *cobra.Command, store *cdcrelay.Store,
	relay *cdcrelay.Relay, applier *cdcrelay.Applier, id int64,
) error {
	ctx := cmd.Context()
	dl, err := store.DeadLetter(ctx, id)
	if err != nil {
		return err
	}
	if dl.Consumer == applier.DeadLetterConsumer() {
		return applier.Replay(ctx, id)
	}
	return relay.Redeliver(ctx, id)
}
