package cli

import (
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the ad integration service",
	Long: "Starts the polling loop, the HTTP API and the websocket hub, " +
		"and blocks until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}
