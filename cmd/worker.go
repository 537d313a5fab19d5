package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/billm/baaaht/ipcflow/internal/config"
	"github.com/billm/baaaht/ipcflow/pkg/flow"
	"github.com/billm/baaaht/ipcflow/pkg/transport/grpcbridge"
)

// workerSetup is setup for commands whose stdout carries results, so
// logs default to stderr.
func workerSetup() (*config.Config, error) {
	if logOutput == "" {
		logOutput = "stderr"
	}
	return setup()
}

// dialWorker connects to the host and installs the multiplexer.
func dialWorker(ctx context.Context, cfg *config.Config) (*grpcbridge.Client, *flow.Multiplexer, error) {
	client, err := grpcbridge.NewClient(cfg.Transport, rootLog)
	if err != nil {
		return nil, nil, err
	}
	if err := client.Dial(ctx); err != nil {
		return nil, nil, err
	}
	mux, err := flow.Preload(client, client, flow.PreloadOptionsFromConfig(cfg.Flow, rootLog))
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return client, mux, nil
}

// parseArgs decodes each argument as JSON, falling back to the raw string.
func parseArgs(raw []string) []any {
	out := make([]any, len(raw))
	for i, s := range raw {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			v = s
		}
		out[i] = v
	}
	return out
}

func printJSON(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
