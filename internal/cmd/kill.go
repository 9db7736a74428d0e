package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/snapfuzz/snapfuzz/internal/discovery"
	"github.com/snapfuzz/snapfuzz/internal/output"
	"github.com/spf13/cobra"
)

func addKillCommand(parent *cobra.Command) {
	parent.AddCommand(&cobra.Command{
		Use:   "kill <PID>",
		Short: "Stop a running master or worker process",
		Long:  "Send SIGTERM to a running `snapfuzz master`/`snapfuzz fuzz` process by PID. Use `snapfuzz list` to find one.",
		Args:  cobra.ExactArgs(1),
		RunE:  runKill,
	})
}

func runKill(cmd *cobra.Command, args []string) error {
	pid, err := strconv.Atoi(args[0])
	if err != nil {
		msg := fmt.Sprintf("invalid pid: %s", args[0])
		if output.IsJSON() {
			output.PrintError(os.Stderr, "invalid_pid", msg)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
		}
		os.Exit(output.ExitError)
	}

	if err := discovery.Kill(pid); err != nil {
		if output.IsJSON() {
			output.PrintError(os.Stderr, "kill_error", err.Error())
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(output.ExitError)
	}

	if output.IsJSON() {
		return output.PrintJSON(cmd.OutOrStdout(), map[string]any{
			"status": "stopped",
			"pid":    pid,
		})
	}
	if !output.IsQuiet() {
		fmt.Fprintf(cmd.OutOrStdout(), "Process %d stopped.\n", pid)
	}
	return nil
}
