package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/snapfuzz/snapfuzz/internal/backend"
	"github.com/snapfuzz/snapfuzz/internal/config"
	"github.com/snapfuzz/snapfuzz/internal/output"
	"github.com/snapfuzz/snapfuzz/internal/vm"
	"github.com/snapfuzz/snapfuzz/internal/worker"
	"github.com/spf13/cobra"
)

var (
	fuzzAddressFlag          string
	fuzzBackendFlag          string
	fuzzNameFlag             string
	fuzzTargetFlag           string
	fuzzLimitFlag            uint64
	fuzzEdgesFlag            bool
	fuzzCompcovFlag          bool
	fuzzLafFlag              string
	fuzzLafAllowedRangesFlag []string
	fuzzSeedFlag             int64
)

func addFuzzCommand(parent *cobra.Command) {
	fuzzCmd := &cobra.Command{
		Use:   "fuzz",
		Short: "Run a fuzzing worker against the master",
		Long: `Restore a target's snapshot into a backend, dial a master, and service
testcases until the connection closes: the receive -> run -> classify ->
report -> restore loop spec.md §4.7 describes.`,
		RunE: runFuzz,
	}

	fuzzCmd.Flags().StringVar(&fuzzAddressFlag, "address", "127.0.0.1:9000", "Master address to dial")
	fuzzCmd.Flags().StringVar(&fuzzBackendFlag, "backend", "", "Execution backend: bxcpu, whv, or kvm (default: config fuzz.backend or kvm)")
	fuzzCmd.Flags().StringVar(&fuzzNameFlag, "name", "", "Worker name, used in log output")
	fuzzCmd.Flags().StringVar(&fuzzTargetFlag, "target", "", "Fuzzing target (default: resolved target)")
	fuzzCmd.Flags().Uint64Var(&fuzzLimitFlag, "limit", 0, "Per-run instruction limit (0 = no limit)")
	fuzzCmd.Flags().BoolVar(&fuzzEdgesFlag, "edges", false, "Enable edge coverage (bxcpu backend only)")
	fuzzCmd.Flags().BoolVar(&fuzzCompcovFlag, "compcov", false, "Enable CompCov string/memory-compare hooks (bxcpu backend only)")
	fuzzCmd.Flags().StringVar(&fuzzLafFlag, "laf", "", "LAF split-comparison coverage mode: disabled, user, kernel, kernel-user (default: config fuzz.laf or disabled)")
	fuzzCmd.Flags().StringSliceVar(&fuzzLafAllowedRangesFlag, "laf-allowed-ranges", nil, "Restrict LAF instrumentation to these [lo-hi] guest-virtual-address ranges")
	fuzzCmd.Flags().Int64Var(&fuzzSeedFlag, "seed", 0, "Deterministic rdrand chain seed override (default: derived from snapshot register state)")

	parent.AddCommand(fuzzCmd)
}

func runFuzz(cmd *cobra.Command, args []string) error {
	config.SetConfigDir(ConfigDir)

	target, err := config.ResolveTarget(fuzzTargetFlag, os.Getenv("SNAPFUZZ_TARGET"))
	if err != nil {
		return err
	}
	dir := snapshotDir(target)

	backendName := fuzzBackendFlag
	lafMode := fuzzLafFlag
	if cfg, cfgErr := config.Load(); cfgErr == nil {
		if backendName == "" {
			backendName = cfg.Fuzz.Backend
		}
		if lafMode == "" {
			lafMode = cfg.Fuzz.Laf
		}
	}
	if backendName == "" {
		backendName = "kvm"
	}
	if lafMode == "" {
		lafMode = "disabled"
	}

	if (fuzzEdgesFlag || fuzzCompcovFlag || lafMode != "disabled") && backendName != "bxcpu" {
		if output.IsVerbose() {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: --edges/--compcov/--laf only take effect with --backend bxcpu; ignored for %s\n", backendName)
		}
	}

	home := config.Home()
	paths := vm.NewPaths(home)
	vm.CleanupStaleInstances(paths)

	b, loaded, err := newBackend(backendName, dir, paths)
	if err != nil {
		return err
	}
	defer b.Close()

	if fuzzSeedFlag != 0 {
		loaded.state.Seed = uint64(fuzzSeedFlag)
	}

	ctx := cmd.Context()
	if err := b.Initialize(ctx, loaded.state, loaded.covIDs); err != nil {
		return fmt.Errorf("initializing backend: %w", err)
	}
	b.SetLimit(backend.Limit{Instructions: fuzzLimitFlag})

	name := fuzzNameFlag
	if name == "" {
		hostname, _ := os.Hostname()
		name = fmt.Sprintf("%s-%d", hostname, os.Getpid())
	}
	if !output.IsQuiet() {
		fmt.Fprintf(cmd.ErrOrStderr(), "Worker %q dialing master at %s (target=%s, backend=%s)\n", name, fuzzAddressFlag, target, backendName)
	}

	conn, err := worker.Dial(fuzzAddressFlag, 10*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()

	w := worker.New(b, loaded.state, conn)
	if err := w.Run(ctx); err != nil {
		return err
	}

	stats := w.Stats()
	if output.IsJSON() {
		return output.PrintJSON(cmd.OutOrStdout(), map[string]any{
			"runs":      stats.Runs,
			"crashes":   stats.Crashes,
			"timeouts":  stats.Timeouts,
			"new_edges": stats.NewEdges,
		})
	}
	if !output.IsQuiet() {
		fmt.Fprintf(cmd.ErrOrStderr(), "Worker %q done: runs=%d crashes=%d timeouts=%d new_edges=%d\n",
			name, stats.Runs, stats.Crashes, stats.Timeouts, stats.NewEdges)
	}
	return nil
}
