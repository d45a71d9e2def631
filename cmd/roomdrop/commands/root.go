package commands

import (
	"github.com/spf13/cobra"

	"roomdrop/config"
)

var (
	cfg     *config.ClientConfig
	dataDir string

	relayURL    string
	roomCode    string
	password    string
	displayName string
)

func Execute() error {
	root := &cobra.Command{
		Use:           "roomdrop",
		Short:         "Encrypted peer-to-peer file sharing over ad-hoc rooms",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, dir, err := config.LoadOrCreate()
			if err != nil {
				return err
			}
			cfg = loaded
			dataDir = dir

			if relayURL != "" {
				cfg.RelayURL = relayURL
			}
			if displayName != "" {
				cfg.DisplayName = displayName
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&relayURL, "relay", "", "signaling relay URL (default from config)")
	root.PersistentFlags().StringVarP(&roomCode, "room", "r", "", "room code")
	root.PersistentFlags().StringVarP(&password, "password", "p", "", "room password")
	root.PersistentFlags().StringVar(&displayName, "name", "", "display name shown to peers")

	root.AddCommand(joinCmd(), sendCmd(), historyCmd(), relaysCmd())
	return root.Execute()
}
