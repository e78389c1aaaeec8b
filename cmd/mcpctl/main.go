// Package main is the command-line client for the MCP test-run server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	addr   string
	userID string
}

func (o *rootOptions) dial() (*Client, error) {
	client, err := NewClient(o.addr)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", o.addr, err)
	}
	return client, nil
}

func (o *rootOptions) params(extra map[string]interface{}) map[string]interface{} {
	params := map[string]interface{}{"user_id": o.userID}
	for k, v := range extra {
		if v == "" {
			continue
		}
		params[k] = v
	}
	return params
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "mcpctl",
		Short:         "Talk to an MCP test-run server over WebSocket",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.addr, "addr", "ws://localhost:8610/ws", "WebSocket server address")
	root.PersistentFlags().StringVar(&opts.userID, "user", "", "User ID sent with every request")

	root.AddCommand(
		newRunCmd(opts),
		newGetCmd(opts),
		newListCmd(opts),
		newListenCmd(opts),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
