package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/snapfuzz/snapfuzz/internal/config"
	"github.com/snapfuzz/snapfuzz/internal/output"
	"github.com/snapfuzz/snapfuzz/internal/vm"
	"github.com/spf13/cobra"
)

var (
	inspectTargetFlag string
	inspectKindFlag   string
)

func addInspectCommand(parent *cobra.Command) {
	inspectCmd := &cobra.Command{
		Use:   "inspect",
		Short: "Browse a target's corpus and crash directories",
		Long:  "List the entries a target has accumulated under outputs/ (new-coverage corpus) and crashes/.",
		RunE:  runInspect,
	}
	inspectCmd.Flags().StringVar(&inspectTargetFlag, "target", "", "Fuzzing target (default: resolved target)")
	inspectCmd.Flags().StringVar(&inspectKindFlag, "kind", "crashes", "Which directory to list: outputs or crashes")
	parent.AddCommand(inspectCmd)
}

func runInspect(cmd *cobra.Command, args []string) error {
	config.SetConfigDir(ConfigDir)

	target, err := config.ResolveTarget(inspectTargetFlag, os.Getenv("SNAPFUZZ_TARGET"))
	if err != nil {
		return err
	}
	snap := vm.NewSnapshot(snapshotDir(target))

	var dir string
	switch inspectKindFlag {
	case "outputs":
		dir = snap.OutputsDir()
	case "crashes":
		dir = snap.CrashesDir()
	default:
		return fmt.Errorf("unknown --kind %q (want outputs or crashes)", inspectKindFlag)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			entries = nil
		} else {
			return fmt.Errorf("listing %s: %w", dir, err)
		}
	}

	if output.IsJSON() {
		files := []map[string]any{}
		for _, e := range entries {
			info, err := e.Info()
			size := int64(0)
			if err == nil {
				size = info.Size()
			}
			files = append(files, map[string]any{"name": e.Name(), "bytes": size})
		}
		return output.PrintJSON(cmd.OutOrStdout(), map[string]any{
			"target": target,
			"kind":   inspectKindFlag,
			"dir":    dir,
			"files":  files,
		})
	}

	if len(entries) == 0 {
		if !output.IsQuiet() {
			fmt.Fprintf(cmd.OutOrStdout(), "No %s entries for target %q.\n", inspectKindFlag, target)
		}
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tBYTES")
	for _, e := range entries {
		info, err := e.Info()
		size := int64(0)
		if err == nil {
			size = info.Size()
		}
		fmt.Fprintf(w, "%s\t%d\n", e.Name(), size)
	}
	return w.Flush()
}
