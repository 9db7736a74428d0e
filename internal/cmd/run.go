package cmd

import (
	"fmt"
	"os"

	"github.com/snapfuzz/snapfuzz/internal/backend"
	"github.com/snapfuzz/snapfuzz/internal/config"
	"github.com/snapfuzz/snapfuzz/internal/output"
	"github.com/snapfuzz/snapfuzz/internal/vm"
	"github.com/spf13/cobra"
)

var (
	runInputFlag     string
	runBackendFlag   string
	runTargetFlag    string
	runLimitFlag     uint64
	runTraceTypeFlag string
	runTracePathFlag string
)

func addRunCommand(parent *cobra.Command) {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a single testcase against a snapshot, outside the master/worker loop",
		Long: `Restore a target's snapshot into a backend and execute one input, printing
its result. Useful for reproducing a crash or capturing an execution trace
without standing up a master.`,
		RunE: runRun,
	}

	runCmd.Flags().StringVar(&runInputFlag, "input", "", "Path to the input file to execute (required)")
	runCmd.Flags().StringVar(&runBackendFlag, "backend", "", "Execution backend: bxcpu, whv, or kvm (default: config fuzz.backend or kvm)")
	runCmd.Flags().StringVar(&runTargetFlag, "target", "", "Fuzzing target (default: resolved target)")
	runCmd.Flags().Uint64Var(&runLimitFlag, "limit", 0, "Per-run instruction limit (0 = no limit)")
	runCmd.Flags().StringVar(&runTraceTypeFlag, "trace-type", "", "Trace sink format: rip, cov, or tenet (default: none)")
	runCmd.Flags().StringVar(&runTracePathFlag, "trace-path", "", "Path to write the trace file (required with --trace-type)")
	runCmd.MarkFlagRequired("input")

	parent.AddCommand(runCmd)
}

func traceKindFromFlag(name string) (backend.TraceKind, error) {
	switch name {
	case "rip":
		return backend.TraceRip, nil
	case "cov":
		return backend.TraceUniqueRip, nil
	case "tenet":
		return backend.TraceTenet, nil
	default:
		return 0, fmt.Errorf("unknown --trace-type %q (want rip, cov, or tenet)", name)
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	config.SetConfigDir(ConfigDir)

	target, err := config.ResolveTarget(runTargetFlag, os.Getenv("SNAPFUZZ_TARGET"))
	if err != nil {
		return err
	}
	dir := snapshotDir(target)

	backendName := runBackendFlag
	if backendName == "" {
		if cfg, cfgErr := config.Load(); cfgErr == nil && cfg.Fuzz.Backend != "" {
			backendName = cfg.Fuzz.Backend
		}
	}
	if backendName == "" {
		backendName = "kvm"
	}

	input, err := os.ReadFile(runInputFlag)
	if err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	paths := vm.NewPaths(config.Home())
	b, loaded, err := newBackend(backendName, dir, paths)
	if err != nil {
		return err
	}
	defer b.Close()

	ctx := cmd.Context()
	if err := b.Initialize(ctx, loaded.state, loaded.covIDs); err != nil {
		return fmt.Errorf("initializing backend: %w", err)
	}
	b.SetLimit(backend.Limit{Instructions: runLimitFlag})

	if runTraceTypeFlag != "" {
		if runTracePathFlag == "" {
			return fmt.Errorf("--trace-path is required with --trace-type")
		}
		kind, err := traceKindFromFlag(runTraceTypeFlag)
		if err != nil {
			return err
		}
		if err := b.SetTraceFile(runTracePathFlag, kind); err != nil {
			return fmt.Errorf("opening trace file: %w", err)
		}
	}

	result, err := b.Run(ctx, input)
	if err != nil {
		return fmt.Errorf("running input: %w", err)
	}

	if output.IsJSON() {
		return output.PrintJSON(cmd.OutOrStdout(), map[string]any{
			"result":       result.String(),
			"new_coverage": len(b.LastNewCoverage()),
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s (new coverage: %d)\n", result, len(b.LastNewCoverage()))
	if result.Kind == backend.Crash {
		os.Exit(output.ExitBackend)
	}
	return nil
}
