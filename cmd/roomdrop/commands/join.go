package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// join: stay in the room and receive files until interrupted.
func joinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "join",
		Short: "Join a room and wait for incoming files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(roomCode, password)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := s.start(ctx); err != nil {
				return err
			}
			defer s.close()

			fmt.Printf("joined room %s as %s (%s)\n", roomCode, cfg.DisplayName, cfg.PeerID)
			fmt.Printf("saving received files to %s\n", cfg.DownloadDir)

			<-ctx.Done()
			fmt.Println("\nleaving room")
			return nil
		},
	}
}
