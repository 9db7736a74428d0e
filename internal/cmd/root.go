package cmd

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/snapfuzz/snapfuzz/internal/config"
	"github.com/snapfuzz/snapfuzz/internal/output"
	"github.com/snapfuzz/snapfuzz/internal/tui"
	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	jsonFlag    bool
	verboseFlag bool
	quietFlag   bool
	noColorFlag bool
	ConfigDir   string
)

// NewRootCmd assembles the full snapfuzz command tree.
func NewRootCmd() *cobra.Command {
	cmd := newRootCmd()
	addMasterCommand(cmd)
	addFuzzCommand(cmd)
	addRunCommand(cmd)
	addListCommand(cmd)
	addKillCommand(cmd)
	addInitCommand(cmd)
	addInspectCommand(cmd)
	addConfigCommands(cmd)
	return cmd
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "snapfuzz",
		Short:         "Distributed, snapshot-based, coverage-guided fuzzer",
		Long:          "snapfuzz — restores a crash-dump snapshot across a fleet of workers and coordinates coverage-guided fuzzing against it.",
		Version:       fmt.Sprintf("snapfuzz v%s", Version),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if verboseFlag && quietFlag {
				return fmt.Errorf("--verbose and --quiet are mutually exclusive")
			}
			if jsonFlag {
				quietFlag = true
			}
			output.SetFlags(jsonFlag, quietFlag, verboseFlag)
			return nil
		},
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fi, _ := os.Stdin.Stat()
			isTTY := (fi.Mode() & os.ModeCharDevice) != 0
			if !isTTY || jsonFlag {
				return cmd.Help()
			}

			config.SetConfigDir(ConfigDir)
			home := config.Home()

			mode := tui.WizardMode
			if cfg, err := config.Load(); err == nil && cfg.DefaultTarget != "" {
				mode = tui.MenuMode
			}

			p := tea.NewProgram(tui.NewApp(mode, home), tea.WithAltScreen())
			_, err := p.Run()
			return err
		},
	}

	rootCmd.SetVersionTemplate("{{.Version}}\n")

	pflags := rootCmd.PersistentFlags()
	pflags.BoolVarP(&jsonFlag, "json", "j", false, "Output as JSON")
	pflags.BoolVarP(&verboseFlag, "verbose", "v", false, "Extra detail to stderr")
	pflags.BoolVarP(&quietFlag, "quiet", "q", false, "Suppress non-essential output")
	pflags.BoolVar(&noColorFlag, "no-color", false, "Disable ANSI colors")
	pflags.StringVar(&ConfigDir, "config-dir", "", "Override config directory (default: ~/.snapfuzz)")

	// Environment variable bindings
	if v := os.Getenv("SNAPFUZZ_HOME"); v != "" && ConfigDir == "" {
		ConfigDir = v
	}
	if os.Getenv("NO_COLOR") != "" {
		noColorFlag = true
	}
	if os.Getenv("SNAPFUZZ_JSON") == "1" {
		jsonFlag = true
	}

	return rootCmd
}

// Execute runs the root command, reading os.Args.
func Execute() error {
	cmd := NewRootCmd()
	return cmd.Execute()
}
