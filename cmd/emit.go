package cmd

import (
	"github.com/spf13/cobra"
)

var emitCmd = &cobra.Command{
	Use:   "emit <controller> <event> [args...]",
	Short: "Send an event to a host controller",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := workerSetup()
		if err != nil {
			return err
		}
		client, mux, err := dialWorker(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer client.Close()

		cc, err := mux.NewController(args[0])
		if err != nil {
			return err
		}
		return cc.Send(args[1], parseArgs(args[2:])...)
	},
}
