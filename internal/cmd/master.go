package cmd

import (
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/snapfuzz/snapfuzz/internal/config"
	"github.com/snapfuzz/snapfuzz/internal/corpus"
	"github.com/snapfuzz/snapfuzz/internal/master"
	"github.com/snapfuzz/snapfuzz/internal/mutator"
	"github.com/snapfuzz/snapfuzz/internal/output"
	"github.com/snapfuzz/snapfuzz/internal/vm"
	"github.com/spf13/cobra"
)

var (
	masterAddressFlag string
	masterRunsFlag    uint64
	masterMaxLenFlag  int
	masterNameFlag    string
	masterTargetFlag  string
	masterInputsFlag  string
	masterOutputsFlag string
	masterCrashesFlag string
	masterSeedFlag    int64
)

func addMasterCommand(parent *cobra.Command) {
	masterCmd := &cobra.Command{
		Use:   "master",
		Short: "Run the fuzzing coordinator",
		Long: `Run the fuzzing master, which listens for worker connections and drives
the select-seed -> mutate -> send -> receive -> merge loop spec.md §4.7
describes, holding the single authoritative aggregated-coverage set and
corpus.`,
		RunE: runMaster,
	}

	masterCmd.Flags().StringVar(&masterAddressFlag, "address", "", "Address to listen on, e.g. 0.0.0.0:9000 (default: config master.address or :9000)")
	masterCmd.Flags().Uint64Var(&masterRunsFlag, "runs", 0, "Stop after this many testcases (0 = unlimited)")
	masterCmd.Flags().IntVar(&masterMaxLenFlag, "max_len", 0, "Maximum mutated testcase length (default: config master.max_len or 4096)")
	masterCmd.Flags().StringVar(&masterNameFlag, "name", "", "Run name, used to label persisted outputs/crashes")
	masterCmd.Flags().StringVar(&masterTargetFlag, "target", "", "Fuzzing target (default: resolved target)")
	masterCmd.Flags().StringVar(&masterInputsFlag, "inputs", "", "Seed corpus directory (default: <target>/inputs)")
	masterCmd.Flags().StringVar(&masterOutputsFlag, "outputs", "", "Directory to persist new-coverage corpus entries (default: <target>/outputs)")
	masterCmd.Flags().StringVar(&masterCrashesFlag, "crashes", "", "Directory to persist crashing testcases (default: <target>/crashes)")
	masterCmd.Flags().Int64Var(&masterSeedFlag, "seed", 0, "PRNG seed for seed selection and mutation (default: time-derived)")

	parent.AddCommand(masterCmd)
}

func runMaster(cmd *cobra.Command, args []string) error {
	config.SetConfigDir(ConfigDir)

	target, err := config.ResolveTarget(masterTargetFlag, os.Getenv("SNAPFUZZ_TARGET"))
	if err != nil {
		return err
	}
	dir := snapshotDir(target)
	snap := vm.NewSnapshot(dir)
	if err := vm.CheckSnapshot(snap); err != nil {
		return err
	}

	address := masterAddressFlag
	maxLen := masterMaxLenFlag
	cfg, cfgErr := config.Load()
	if cfgErr == nil {
		if address == "" {
			address = cfg.Master.Address
		}
		if maxLen == 0 {
			maxLen = cfg.Master.MaxLen
		}
	}
	if address == "" {
		address = ":9000"
	}
	if maxLen == 0 {
		maxLen = 4096
	}

	inputsDir := masterInputsFlag
	if inputsDir == "" {
		inputsDir = snap.InputsDir()
	}
	outputsDir := masterOutputsFlag
	if outputsDir == "" {
		outputsDir = snap.OutputsDir()
	}
	crashesDir := masterCrashesFlag
	if crashesDir == "" {
		crashesDir = snap.CrashesDir()
	}
	for _, dir := range []string{outputsDir, crashesDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	seed := masterSeedFlag
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	src := rand.NewSource(seed)

	c := corpus.New(src)
	if err := corpus.LoadDir(c, inputsDir); err != nil {
		return fmt.Errorf("loading seed corpus from %s: %w", inputsDir, err)
	}
	if c.Len() == 0 {
		return fmt.Errorf("seed corpus %s is empty; add at least one input", inputsDir)
	}

	mCfg := master.Config{
		Address:    address,
		Corpus:     c,
		Mutator:    mutator.NewDefault(src),
		MaxLen:     maxLen,
		OutputsDir: outputsDir,
		CrashesDir: crashesDir,
		Runs:       masterRunsFlag,
		Verbose:    output.IsVerbose(),
	}
	m := master.New(mCfg, cmd.ErrOrStderr())

	if !output.IsQuiet() {
		name := masterNameFlag
		if name == "" {
			name = target
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Master %q listening on %s (target=%s, corpus=%d)\n", name, address, target, c.Len())
	}

	return m.Start(cmd.Context())
}
