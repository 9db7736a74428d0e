package screens

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/snapfuzz/snapfuzz/internal/config"
	"github.com/snapfuzz/snapfuzz/internal/vm"
	"golang.org/x/sys/unix"
)

type checkResult struct {
	name   string
	status string // "ok", "warning", "error"
	detail string
}

type doctorResultMsg struct {
	checks []checkResult
}

type doctorKeyMap struct {
	Refresh key.Binding
	Back    key.Binding
	Quit    key.Binding
}

func (k doctorKeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Refresh, k.Back, k.Quit}
}

func (k doctorKeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{{k.Refresh, k.Back, k.Quit}}
}

// DoctorScreen is the main menu's standalone environment health check: the
// same prerequisite facts PrereqScreen reports, plus the default target and
// free disk space, without the wizard's auto-fix flow.
type DoctorScreen struct {
	keys    doctorKeyMap
	spinner spinner.Model
	loading bool
	checks  []checkResult
	home    string
	width   int
	height  int
}

func NewDoctorScreen(home string) DoctorScreen {
	s := spinner.New()
	s.Spinner = spinner.Dot
	return DoctorScreen{
		keys: doctorKeyMap{
			Refresh: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
			Back:    key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "back")),
			Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
		},
		spinner: s,
		loading: true,
		home:    home,
	}
}

func (m DoctorScreen) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.runChecks())
}

func (m DoctorScreen) runChecks() tea.Cmd {
	home := m.home
	return func() tea.Msg {
		var checks []checkResult

		paths := vm.NewPaths(home)
		prereqErrs := vm.CheckPrerequisites(paths)
		if len(prereqErrs) == 0 {
			checks = append(checks, checkResult{name: "Prerequisites", status: "ok", detail: "kvm, firecracker, kernel present"})
		}
		for _, e := range prereqErrs {
			checks = append(checks, checkResult{name: "Prerequisites", status: "error", detail: e.Error()})
		}

		cfg, err := config.Load()
		if err != nil {
			checks = append(checks, checkResult{name: "Default target", status: "error", detail: "could not load config"})
		} else if cfg.DefaultTarget == "" {
			checks = append(checks, checkResult{name: "Default target", status: "warning", detail: "not set"})
		} else {
			checks = append(checks, checkResult{name: "Default target", status: "ok", detail: cfg.DefaultTarget})
		}

		checks = append(checks, checkDiskSpaceTUI(home))

		return doctorResultMsg{checks: checks}
	}
}

func checkDiskSpaceTUI(home string) checkResult {
	var stat unix.Statfs_t
	target := home
	if _, err := os.Stat(target); err != nil {
		target = filepath.Dir(target)
	}
	if err := unix.Statfs(target, &stat); err != nil {
		return checkResult{name: "Disk", status: "warning", detail: fmt.Sprintf("could not check: %s", err)}
	}
	freeBytes := stat.Bavail * uint64(stat.Bsize)
	freeGB := float64(freeBytes) / (1024 * 1024 * 1024)
	status := "ok"
	if freeGB < 5.0 {
		status = "warning"
	}
	return checkResult{name: "Disk", status: status, detail: fmt.Sprintf("%.1f GB free", freeGB)}
}

func (m DoctorScreen) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case doctorResultMsg:
		m.loading = false
		m.checks = msg.checks
		return m, nil

	case spinner.TickMsg:
		if m.loading {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			return m, cmd
		}
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Refresh):
			m.loading = true
			return m, tea.Batch(m.spinner.Tick, m.runChecks())
		case key.Matches(msg, m.keys.Back):
			return m, popScreen()
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m DoctorScreen) View() string {
	var b strings.Builder

	b.WriteString("  Environment Health\n\n")

	if m.loading {
		b.WriteString(fmt.Sprintf("  Running checks...  %s\n", m.spinner.View()))
		return b.String()
	}

	var warnings, errors int
	for _, c := range m.checks {
		var symbol string
		switch c.status {
		case "ok":
			symbol = lipgloss.NewStyle().Foreground(colorSuccess).Render("✓")
		case "warning":
			symbol = lipgloss.NewStyle().Foreground(colorWarning).Render("⚠")
			warnings++
		case "error":
			symbol = lipgloss.NewStyle().Foreground(colorError).Render("✗")
			errors++
		}
		b.WriteString(fmt.Sprintf("  %s %-16s %s\n", symbol, c.name, c.detail))
	}

	b.WriteString("\n")

	if errors > 0 {
		b.WriteString(fmt.Sprintf("  Problems found (%d errors, %d warnings).\n", errors, warnings))
	} else if warnings > 0 {
		b.WriteString(fmt.Sprintf("  Everything looks good (%d warnings).\n", warnings))
	} else {
		b.WriteString("  Everything looks good.\n")
	}

	b.WriteString("\n")
	b.WriteString(lipgloss.NewStyle().Foreground(colorDim).Render("  r refresh • esc back • q quit"))

	return b.String()
}
