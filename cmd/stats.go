package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/billm/baaaht/ipcflow/pkg/diagnostics"
)

var statsURL string

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Query the diagnostics endpoint of a running host",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := workerSetup()
		if err != nil {
			return err
		}
		url := statsURL
		if url == "" {
			url = "http://" + cfg.Diagnostics.Address + cfg.Diagnostics.Path
		}

		stats, err := diagnostics.NewClient(url).Stats(cmd.Context())
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(stats, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return err
	},
}

func init() {
	statsCmd.Flags().StringVar(&statsURL, "url", "", "Diagnostics endpoint URL (default: from config)")
}
