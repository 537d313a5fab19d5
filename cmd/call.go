package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

var callTimeout time.Duration

var callCmd = &cobra.Command{
	Use:   "call <controller> <operation> [args...]",
	Short: "Invoke an operation of a host controller and print the JSON result",
	Long: `Invoke an operation of a host controller. Each argument is parsed as JSON
when possible and passed as a string otherwise.

  ipcflow call system echo 1 '{"a":true}' hello`,
	Args: cobra.MinimumNArgs(2),
	RunE: runCall,
}

func init() {
	callCmd.Flags().DurationVar(&callTimeout, "timeout", 30*time.Second, "Invocation timeout")
}

func runCall(cmd *cobra.Command, args []string) error {
	cfg, err := workerSetup()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
	defer cancel()

	client, mux, err := dialWorker(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	cc, err := mux.NewController(args[0])
	if err != nil {
		return err
	}
	result, err := cc.Invoke(ctx, args[1], parseArgs(args[2:])...)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), result)
}
