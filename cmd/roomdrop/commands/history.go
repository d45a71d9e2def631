package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"roomdrop/history"
)

// history: list past transfers from the local store.
func historyCmd() *cobra.Command {
	var (
		byPeer string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past transfers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := history.Open(dataDir)
			if err != nil {
				return err
			}
			defer store.Close()

			var transfers []history.Transfer
			switch {
			case byPeer != "":
				transfers, err = store.ListByPeer(byPeer, limit)
			case roomCode != "":
				transfers, err = store.ListByRoom(roomCode, limit)
			default:
				transfers, err = store.ListRecent(limit)
			}
			if err != nil {
				return err
			}
			if len(transfers) == 0 {
				fmt.Println("no transfers recorded")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "WHEN\tDIR\tROOM\tPEER\tFILE\tSIZE\tSTATUS")
			for _, t := range transfers {
				status := t.Status
				if t.Error != "" {
					status = fmt.Sprintf("%s (%s)", t.Status, t.Error)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					t.StartedAt.Local().Format("2006-01-02 15:04"),
					t.Direction, t.RoomCode, t.PeerID, t.Filename,
					humanBytes(t.TotalSize), status)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&byPeer, "peer", "", "only transfers with this peer")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows to show")
	return cmd
}
