package cmd

import (
	"fmt"

	"github.com/snapfuzz/snapfuzz/internal/config"
	"github.com/snapfuzz/snapfuzz/internal/output"
	"github.com/snapfuzz/snapfuzz/internal/vm"
	"github.com/spf13/cobra"
)

func addInitCommand(parent *cobra.Command) {
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Provision host-side prerequisites for the whv backend",
		Long: `Download the Firecracker binary and kernel image the whv backend needs
and verify /dev/kvm access, fixing it automatically when possible.

Requirements: Linux, /dev/kvm.`,
		RunE: runInit,
	}
	parent.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	config.SetConfigDir(ConfigDir)
	paths := vm.NewPaths(config.Home())

	fmt.Fprintf(cmd.ErrOrStderr(), "Ensuring Firecracker binary...\n")
	if err := vm.EnsureFirecracker(paths, cmd.ErrOrStderr()); err != nil {
		return fmt.Errorf("ensuring firecracker: %w", err)
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Ensuring kernel...\n")
	if err := vm.EnsureKernel(paths, cmd.ErrOrStderr()); err != nil {
		return fmt.Errorf("ensuring kernel: %w", err)
	}

	prereqErrs := vm.CheckPrerequisites(paths)
	if len(prereqErrs) > 0 {
		if vm.HasNonAutoFixErrors(prereqErrs) {
			fmt.Fprintf(cmd.ErrOrStderr(), "\n%s", vm.FormatPrereqErrors(prereqErrs))
			return fmt.Errorf("prerequisites not met (cannot auto-fix)")
		}

		if !vm.KVMAccessible() {
			fmt.Fprintf(cmd.ErrOrStderr(), "/dev/kvm is not accessible. Fixing...\n")
			if err := vm.FixKVMAccess(cmd.ErrOrStderr()); err != nil {
				return fmt.Errorf("fixing KVM access: %w", err)
			}
		}

		prereqErrs = vm.CheckPrerequisites(paths)
		if len(prereqErrs) > 0 {
			fmt.Fprintf(cmd.ErrOrStderr(), "\n%s", vm.FormatPrereqErrors(prereqErrs))
			return fmt.Errorf("prerequisites not met")
		}
	}

	vm.CleanupStaleInstances(paths)

	fmt.Fprintf(cmd.ErrOrStderr(), "Ready. Place a target's snapshot under %s/targets/<name>/ and run 'snapfuzz master'.\n", config.Home())

	if output.IsJSON() {
		return output.PrintJSON(cmd.OutOrStdout(), map[string]any{
			"firecracker": paths.Firecracker,
			"kernel":      paths.Kernel,
			"status":      "ready",
		})
	}
	return nil
}
