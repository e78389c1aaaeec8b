package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/xiaot623/mcprunner/internal/domain"
	"github.com/xiaot623/mcprunner/internal/protocol"
	"github.com/xiaot623/mcprunner/internal/transport/ws"
)

// newRunCmd creates the "mcpctl run" subcommand.
func newRunCmd(opts *rootOptions) *cobra.Command {
	var envID, dataID string
	var wait bool

	cmd := &cobra.Command{
		Use:   "run <collection_id>",
		Short: "Start a test run",
		Long:  "Starts a run of the given collection. With --wait, progress events are\nprinted until the run completes or fails.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.dial()
			if err != nil {
				return err
			}
			defer client.Close()

			// The run id is only known once the response arrives, and its
			// first events may precede it.
			var early []protocol.EventContent
			collect := func(ev protocol.EventContent) bool {
				early = append(early, ev)
				return false
			}

			data, err := client.Request(ws.ActionRunTest, opts.params(map[string]interface{}{
				"collection_id":  args[0],
				"environment_id": envID,
				"test_data_id":   dataID,
			}), collect)
			if err != nil {
				return fmt.Errorf("run: %w", err)
			}

			out := cmd.OutOrStdout()
			runID, _ := data["test_run_id"].(string)
			fmt.Fprintf(out, "Started run %s\n", runID)
			if !wait {
				return nil
			}
			for _, ev := range early {
				if runIDOf(ev) != runID {
					continue
				}
				printEvent(out, ev)
				if isTerminal(ev) {
					return nil
				}
			}

			return client.Listen(func(ev protocol.EventContent) bool {
				if runIDOf(ev) != runID {
					return false
				}
				printEvent(out, ev)
				return isTerminal(ev)
			})
		},
	}
	cmd.Flags().StringVar(&envID, "env", "", "Environment ID")
	cmd.Flags().StringVar(&dataID, "data", "", "Test data ID")
	cmd.Flags().BoolVar(&wait, "wait", false, "Stream events until the run finishes")
	return cmd
}

// newGetCmd creates the "mcpctl get" subcommand.
func newGetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <run_id>",
		Short: "Show a run and its results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.dial()
			if err != nil {
				return err
			}
			defer client.Close()

			data, err := client.Request(ws.ActionGetTestRun, opts.params(map[string]interface{}{
				"test_run_id": args[0],
			}), nil)
			if err != nil {
				return fmt.Errorf("get: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), prettyJSON(data))
			return nil
		},
	}
}

// newListCmd creates the "mcpctl list" subcommand.
func newListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List your test runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.dial()
			if err != nil {
				return err
			}
			defer client.Close()

			data, err := client.Request(ws.ActionListTestRuns, opts.params(nil), nil)
			if err != nil {
				return fmt.Errorf("list: %w", err)
			}

			runs, _ := data["test_runs"].([]interface{})
			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs")
				return nil
			}
			for _, item := range runs {
				run, ok := item.(map[string]interface{})
				if !ok {
					continue
				}
				fmt.Fprintf(out, "%v\t%v\t%v/%v passed\n",
					run["test_run_id"], run["status"], run["passed_tests"], run["total_tests"])
			}
			return nil
		},
	}
}

// newListenCmd creates the "mcpctl listen" subcommand.
func newListenCmd(opts *rootOptions) *cobra.Command {
	var runID string

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print broadcast events as they arrive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.dial()
			if err != nil {
				return err
			}
			defer client.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Listening on %s\n", opts.addr)
			return client.Listen(func(ev protocol.EventContent) bool {
				if runID != "" && runIDOf(ev) != runID {
					return false
				}
				printEvent(out, ev)
				return runID != "" && isTerminal(ev)
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "Only show events for this run and exit when it finishes")
	return cmd
}

func runIDOf(ev protocol.EventContent) string {
	id, _ := ev.Data["run_id"].(string)
	return id
}

func isTerminal(ev protocol.EventContent) bool {
	switch domain.EventType(ev.EventType) {
	case domain.EventTypeTestCompleted, domain.EventTypeTestFailed:
		return true
	}
	return false
}

func printEvent(w io.Writer, ev protocol.EventContent) {
	fmt.Fprintf(w, "\n[%s] Received:\n%s\n", ev.EventType, prettyJSON(ev.Data))
}
