package screens

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/snapfuzz/snapfuzz/internal/config"
	"github.com/snapfuzz/snapfuzz/internal/vm"
)

type targetCheckedMsg struct {
	target string
	err    error
}

// TargetScreen is the wizard's second step: it resolves the default
// fuzzing target and validates that its snapshot directory is readable.
type TargetScreen struct {
	home    string
	target  string
	checked bool
	err     error
	width   int
	height  int
}

func NewTargetScreen(home string) TargetScreen {
	if home == "" {
		home = config.Home()
	}
	return TargetScreen{home: home}
}

func (m TargetScreen) Init() tea.Cmd {
	return m.checkTarget()
}

func (m TargetScreen) checkTarget() tea.Cmd {
	home := m.home
	return func() tea.Msg {
		config.SetConfigDir("")
		target, err := config.ResolveTarget("", os.Getenv("SNAPFUZZ_TARGET"))
		if err != nil {
			return targetCheckedMsg{err: err}
		}
		snap := vm.NewSnapshot(filepath.Join(home, "targets", target))
		if err := vm.CheckSnapshot(snap); err != nil {
			return targetCheckedMsg{target: target, err: err}
		}
		return targetCheckedMsg{target: target}
	}
}

func (m TargetScreen) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case targetCheckedMsg:
		m.checked = true
		m.target = msg.target
		m.err = msg.err
		if msg.err == nil {
			return m, pushScreen(NewDoneScreen(m.target))
		}
		return m, nil

	case tea.KeyMsg:
		if m.checked && m.err != nil {
			switch msg.String() {
			case "q", "ctrl+c", "enter", "esc":
				return m, tea.Quit
			}
		}
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m TargetScreen) View() string {
	var b strings.Builder

	b.WriteString("  Step 2 of 2 — Target snapshot\n\n")

	if !m.checked {
		b.WriteString("  Looking for a target snapshot...\n")
		return b.String()
	}

	if m.err != nil {
		b.WriteString(fmt.Sprintf("  Error: %s\n\n", m.err))
		b.WriteString("  Place a target's snapshot under\n")
		b.WriteString(fmt.Sprintf("  %s/targets/<name>/ and re-run this wizard.\n\n", m.home))
		b.WriteString(lipgloss.NewStyle().Foreground(colorDim).Render("  Press any key to exit"))
		return b.String()
	}

	b.WriteString(fmt.Sprintf("  ✓ Found target %q\n", m.target))
	return b.String()
}
