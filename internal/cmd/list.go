package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/snapfuzz/snapfuzz/internal/discovery"
	"github.com/snapfuzz/snapfuzz/internal/output"
	"github.com/spf13/cobra"
)

func addListCommand(parent *cobra.Command) {
	parent.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List running master/worker processes on this host",
		Long:  "Discover and list all running `snapfuzz master`/`snapfuzz fuzz` processes on the local host.",
		Args:  cobra.NoArgs,
		RunE:  runList,
	})
}

func runList(cmd *cobra.Command, args []string) error {
	instances, err := discovery.DiscoverLocal()
	if err != nil {
		if output.IsJSON() {
			output.PrintError(os.Stderr, "discovery_error", err.Error())
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(output.ExitError)
	}

	if output.IsJSON() {
		return output.PrintJSON(cmd.OutOrStdout(), map[string]any{
			"instances": instances,
		})
	}

	if len(instances) == 0 {
		if !output.IsQuiet() {
			fmt.Fprintln(cmd.OutOrStdout(), "No running snapfuzz processes found.")
		}
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PID\tROLE\tADDRESS\tTARGET")
	for _, inst := range instances {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", inst.PID, inst.Role, inst.Address, inst.Target)
	}
	return w.Flush()
}
