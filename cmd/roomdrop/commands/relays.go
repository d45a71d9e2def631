package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"roomdrop/discovery"
)

// relays: scan the local network for advertised signaling relays.
func relaysCmd() *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "relays",
		Short: "Discover signaling relays on the local network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			scanner, err := discovery.NewRelayScanner(discovery.Config{ScanTimeout: wait})
			if err != nil {
				return err
			}
			scanner.Start()
			defer scanner.Stop()

			ctx, cancel := context.WithTimeout(context.Background(), wait+time.Second)
			defer cancel()
			if err := scanner.Refresh(ctx); err != nil {
				return err
			}

			relays := scanner.Relays()
			if len(relays) == 0 {
				fmt.Println("no relays found")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tURL\tVERSION")
			for _, relay := range relays {
				fmt.Fprintf(w, "%s\t%s\t%d\n", relay.Name, relay.URL(), relay.Version)
			}
			return w.Flush()
		},
	}

	cmd.Flags().DurationVar(&wait, "wait", 3*time.Second, "how long to scan")
	return cmd
}
