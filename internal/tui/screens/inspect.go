package screens

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/snapfuzz/snapfuzz/internal/config"
	"github.com/snapfuzz/snapfuzz/internal/vm"
)

type inspectEntry struct {
	name  string
	bytes int64
}

type inspectLoadedMsg struct {
	entries []inspectEntry
	err     error
}

type inspectKeyMap struct {
	Up     key.Binding
	Down   key.Binding
	Toggle key.Binding
	Help   key.Binding
	Back   key.Binding
	Quit   key.Binding
}

func (k inspectKeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Toggle, k.Help, k.Back}
}

func (k inspectKeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down},
		{k.Toggle},
		{k.Help, k.Back, k.Quit},
	}
}

// InspectScreen browses a target's outputs/ (new-coverage corpus) and
// crashes/ directories, mirroring `snapfuzz inspect`.
type InspectScreen struct {
	keys    inspectKeyMap
	help    help.Model
	home    string
	target  string
	kind    string // "outputs" or "crashes"
	entries []inspectEntry
	cursor  int
	loading bool
	err     error
	width   int
	height  int
}

func NewInspectScreen(home string) InspectScreen {
	return InspectScreen{
		keys: inspectKeyMap{
			Up:     key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
			Down:   key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
			Toggle: key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "outputs/crashes")),
			Help:   key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "more")),
			Back:   key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "back")),
			Quit:   key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
		},
		help:    help.New(),
		home:    home,
		kind:    "crashes",
		loading: true,
	}
}

func (m InspectScreen) Init() tea.Cmd {
	return m.load()
}

func (m InspectScreen) load() tea.Cmd {
	home, kind := m.home, m.kind
	return func() tea.Msg {
		target, err := config.ResolveTarget("", os.Getenv("SNAPFUZZ_TARGET"))
		if err != nil {
			return inspectLoadedMsg{err: err}
		}
		snap := vm.NewSnapshot(filepath.Join(home, "targets", target))
		dir := snap.CrashesDir()
		if kind == "outputs" {
			dir = snap.OutputsDir()
		}
		ents, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				return inspectLoadedMsg{}
			}
			return inspectLoadedMsg{err: err}
		}
		var out []inspectEntry
		for _, e := range ents {
			info, err := e.Info()
			size := int64(0)
			if err == nil {
				size = info.Size()
			}
			out = append(out, inspectEntry{name: e.Name(), bytes: size})
		}
		return inspectLoadedMsg{entries: out}
	}
}

func (m InspectScreen) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		return m, nil

	case inspectLoadedMsg:
		m.loading = false
		m.entries = msg.entries
		m.err = msg.err
		if m.cursor >= len(m.entries) {
			m.cursor = max(0, len(m.entries)-1)
		}
		return m, nil

	case tea.KeyMsg:
		if m.loading {
			if key.Matches(msg, m.keys.Quit) {
				return m, tea.Quit
			}
			return m, nil
		}
		switch {
		case key.Matches(msg, m.keys.Up):
			if m.cursor > 0 {
				m.cursor--
			}
		case key.Matches(msg, m.keys.Down):
			if m.cursor < len(m.entries)-1 {
				m.cursor++
			}
		case key.Matches(msg, m.keys.Toggle):
			if m.kind == "crashes" {
				m.kind = "outputs"
			} else {
				m.kind = "crashes"
			}
			m.cursor = 0
			m.loading = true
			return m, m.load()
		case key.Matches(msg, m.keys.Help):
			m.help.ShowAll = !m.help.ShowAll
		case key.Matches(msg, m.keys.Back):
			return m, popScreen()
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m InspectScreen) View() string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("  Corpus / Crashes — %s\n\n", m.kind))

	if m.loading {
		b.WriteString("  Loading...\n")
		return b.String()
	}
	if m.err != nil {
		b.WriteString(fmt.Sprintf("  Error: %s\n\n", m.err))
		b.WriteString(m.help.View(m.keys))
		return b.String()
	}

	if len(m.entries) == 0 {
		b.WriteString(lipgloss.NewStyle().Foreground(colorDim).Render("  No entries."))
		b.WriteString("\n")
	} else {
		for i, e := range m.entries {
			line := fmt.Sprintf("%-40s %10d bytes", e.name, e.bytes)
			if i == m.cursor {
				b.WriteString(lipgloss.NewStyle().Foreground(colorPrimary).Bold(true).Render("  > " + line))
			} else {
				b.WriteString("    " + line)
			}
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(m.help.View(m.keys))

	return b.String()
}
