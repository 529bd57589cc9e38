package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rudransh-shrivastava/beam/internal/store"
	"github.com/spf13/cobra"
)

func newHistoryCommand(root *rootOptions) *cobra.Command {
	var (
		limit int
		cid   string
		prune time.Duration
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "list past transfers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.config()
			if err != nil {
				return err
			}
			db, history, err := openHistory(cfg)
			if err != nil {
				return err
			}
			defer store.Close(db)

			ctx := cmd.Context()
			if prune > 0 {
				n, err := history.PruneTransfers(ctx, time.Now().Add(-prune))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d transfers\n", n)
				return nil
			}

			var transfers []store.Transfer
			if cid != "" {
				transfers, err = history.GetTransfersByCID(ctx, cid)
			} else {
				transfers, err = history.GetTransfers(ctx, limit)
			}
			if err != nil {
				return err
			}
			return printTransfers(cmd.OutOrStdout(), transfers)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of transfers to show")
	cmd.Flags().StringVar(&cid, "cid", "", "only show transfers of this cid")
	cmd.Flags().DurationVar(&prune, "prune", 0, "delete transfers older than this instead of listing")
	return cmd
}

func printTransfers(w io.Writer, transfers []store.Transfer) error {
	if len(transfers) == 0 {
		_, err := fmt.Fprintln(w, "No transfers yet.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FINISHED\tROLE\tSTATE\tCID\tPEER\tNAME\tSIZE\tENCRYPTED\tERROR")
	for _, t := range transfers {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%t\t%s\n",
			time.Unix(t.FinishedAt, 0).Format(time.DateTime),
			t.Role, t.State, t.CID, t.PeerID, t.Name, t.Size, t.Encrypted, t.Error)
	}
	return tw.Flush()
}
