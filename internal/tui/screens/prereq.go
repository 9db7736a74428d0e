package screens

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/snapfuzz/snapfuzz/internal/config"
	"github.com/snapfuzz/snapfuzz/internal/vm"
)

type prereqResultMsg struct {
	paths *vm.Paths
	errs  []*vm.PrereqError
	err   error
}

type prereqFixedMsg struct {
	err error
}

type prereqKeyMap struct {
	Enter key.Binding
	Fix   key.Binding
	Quit  key.Binding
	Back  key.Binding
}

// PrereqScreen checks (and, where possible, fixes) the host-side
// prerequisites the whv backend needs: the Firecracker binary, a kernel
// image, and /dev/kvm access. It is the wizard's first step; the main
// menu's "Prerequisites" item opens DoctorScreen instead.
type PrereqScreen struct {
	keys     prereqKeyMap
	spinner  spinner.Model
	checking bool
	fixing   bool
	paths    *vm.Paths
	errs     []*vm.PrereqError
	err      error
	wizard   bool
	home     string
	width    int
	height   int
}

func NewPrereqScreen(home string, wizard bool) PrereqScreen {
	if home == "" {
		home = config.Home()
	}
	s := spinner.New()
	s.Spinner = spinner.Dot
	return PrereqScreen{
		keys: prereqKeyMap{
			Enter: key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "continue")),
			Fix:   key.NewBinding(key.WithKeys("f"), key.WithHelp("f", "fix")),
			Quit:  key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
			Back:  key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "back")),
		},
		spinner:  s,
		checking: true,
		wizard:   wizard,
		home:     home,
	}
}

func (m PrereqScreen) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.runChecks())
}

func (m PrereqScreen) runChecks() tea.Cmd {
	home := m.home
	return func() tea.Msg {
		paths := vm.NewPaths(home)
		return prereqResultMsg{paths: paths, errs: vm.CheckPrerequisites(paths)}
	}
}

func (m PrereqScreen) fix() tea.Cmd {
	paths := m.paths
	return func() tea.Msg {
		var buf strings.Builder
		if err := vm.EnsureFirecracker(paths, &buf); err != nil {
			return prereqFixedMsg{err: err}
		}
		if err := vm.EnsureKernel(paths, &buf); err != nil {
			return prereqFixedMsg{err: err}
		}
		if !vm.KVMAccessible() {
			if err := vm.FixKVMAccess(&buf); err != nil {
				return prereqFixedMsg{err: err}
			}
		}
		return prereqFixedMsg{}
	}
}

func (m PrereqScreen) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case prereqResultMsg:
		m.checking = false
		m.paths = msg.paths
		m.errs = msg.errs
		m.err = msg.err
		return m, nil

	case prereqFixedMsg:
		m.fixing = false
		m.err = msg.err
		return m, m.runChecks()

	case spinner.TickMsg:
		if m.checking || m.fixing {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			return m, cmd
		}
		return m, nil

	case tea.KeyMsg:
		if m.checking || m.fixing {
			if key.Matches(msg, m.keys.Quit) {
				return m, tea.Quit
			}
			return m, nil
		}

		switch {
		case key.Matches(msg, m.keys.Fix):
			if len(m.errs) > 0 && !vm.HasNonAutoFixErrors(m.errs) {
				m.fixing = true
				return m, tea.Batch(m.spinner.Tick, m.fix())
			}
		case key.Matches(msg, m.keys.Enter):
			if m.wizard {
				return m, pushScreen(NewTargetScreen(m.home))
			}
			return m, popScreen()
		case key.Matches(msg, m.keys.Back):
			if !m.wizard {
				return m, popScreen()
			}
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m PrereqScreen) View() string {
	var b strings.Builder

	if m.wizard {
		b.WriteString("  Step 1 of 2 — Prerequisites\n\n")
	} else {
		b.WriteString("  Prerequisites\n\n")
	}

	if m.checking {
		b.WriteString(fmt.Sprintf("  Checking /dev/kvm, Firecracker, kernel...  %s\n", m.spinner.View()))
		return b.String()
	}
	if m.fixing {
		b.WriteString(fmt.Sprintf("  Fixing...  %s\n", m.spinner.View()))
		return b.String()
	}
	if m.err != nil {
		b.WriteString(fmt.Sprintf("  Error: %s\n", m.err))
		return b.String()
	}

	if len(m.errs) == 0 {
		b.WriteString(lipgloss.NewStyle().Foreground(colorSuccess).Render("  ✓ Everything looks good"))
		b.WriteString("\n\n")
	} else {
		for _, e := range m.errs {
			b.WriteString(lipgloss.NewStyle().Foreground(colorError).Render("  ✗ " + e.Error()))
			b.WriteString("\n")
		}
		b.WriteString("\n")
		if !vm.HasNonAutoFixErrors(m.errs) {
			b.WriteString(lipgloss.NewStyle().Foreground(colorWarning).Render("  These can be fixed automatically."))
			b.WriteString("\n\n")
		}
	}

	var helpParts []string
	if len(m.errs) > 0 && !vm.HasNonAutoFixErrors(m.errs) {
		helpParts = append(helpParts, "f fix")
	}
	helpParts = append(helpParts, "enter continue")
	if !m.wizard {
		helpParts = append(helpParts, "esc back")
	}
	helpParts = append(helpParts, "q quit")
	b.WriteString(lipgloss.NewStyle().Foreground(colorDim).Render("  " + strings.Join(helpParts, " • ")))

	return b.String()
}
