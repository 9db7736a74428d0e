package screens

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/snapfuzz/snapfuzz/internal/config"
	"github.com/snapfuzz/snapfuzz/internal/tui/components"
)

type menuItem struct {
	title string
	desc  string
}

type menuKeyMap struct {
	Up    key.Binding
	Down  key.Binding
	Enter key.Binding
	Help  key.Binding
	Quit  key.Binding
}

func (k menuKeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Enter, k.Help, k.Quit}
}

func (k menuKeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down},
		{k.Enter},
		{k.Help, k.Quit},
	}
}

var defaultMenuKeys = menuKeyMap{
	Up:    key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
	Down:  key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
	Enter: key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "select")),
	Help:  key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "more")),
	Quit:  key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

// MainMenu is the landing screen shown when `snapfuzz` is run with no
// subcommand from an interactive terminal and a default target is
// configured.
type MainMenu struct {
	items  []menuItem
	cursor int
	keys   menuKeyMap
	help   help.Model
	width  int
	height int
	home   string
	status string
}

func NewMainMenu(home string) MainMenu {
	items := []menuItem{
		{title: "Running instances", desc: "View and stop active master/fuzz processes"},
		{title: "Corpus & crashes", desc: "Browse a target's new-coverage corpus and crash dumps"},
		{title: "Prerequisites", desc: "Check or fix the whv backend's host requirements"},
		{title: "Configuration", desc: "View current settings"},
	}

	return MainMenu{
		items:  items,
		cursor: 0,
		keys:   defaultMenuKeys,
		help:   help.New(),
		home:   home,
		status: buildStatusLine(),
	}
}

func buildStatusLine() string {
	var parts []string

	cfg, err := config.Load()
	if err == nil && cfg.DefaultTarget != "" {
		parts = append(parts, fmt.Sprintf("Target: %s", cfg.DefaultTarget))
	} else {
		parts = append(parts, "No default target set")
	}

	return strings.Join(parts, "  |  ")
}

func (m MainMenu) Init() tea.Cmd {
	return nil
}

func (m MainMenu) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Up):
			m.cursor--
			if m.cursor < 0 {
				m.cursor = len(m.items) - 1
			}
		case key.Matches(msg, m.keys.Down):
			m.cursor++
			if m.cursor >= len(m.items) {
				m.cursor = 0
			}
		case key.Matches(msg, m.keys.Enter):
			return m, m.selectItem()
		case key.Matches(msg, m.keys.Help):
			m.help.ShowAll = !m.help.ShowAll
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m MainMenu) selectItem() tea.Cmd {
	switch m.cursor {
	case 0:
		return pushScreen(NewInstancesScreen())
	case 1:
		return pushScreen(NewInspectScreen(m.home))
	case 2:
		return pushScreen(NewDoctorScreen(m.home))
	case 3:
		return pushScreen(NewConfigScreen(m.home))
	}
	return nil
}

func (m MainMenu) View() string {
	var b strings.Builder

	showLogo := m.height >= 20
	showDesc := m.height >= 15

	if showLogo {
		logo := lipgloss.NewStyle().
			Foreground(colorPrimary).
			Render(components.Logo)
		b.WriteString(logo)
		b.WriteString("\n\n")
	}

	b.WriteString("  ")
	b.WriteString(lipgloss.NewStyle().
		Foreground(colorDim).
		Render(m.status))
	b.WriteString("\n\n")

	for i, item := range m.items {
		if i == m.cursor {
			b.WriteString(lipgloss.NewStyle().Foreground(colorPrimary).Bold(true).Render("  > " + item.title))
		} else {
			b.WriteString("    " + item.title)
		}
		b.WriteString("\n")
		if showDesc {
			b.WriteString(lipgloss.NewStyle().Foreground(colorDim).Render("    " + item.desc))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString(m.help.View(m.keys))

	return b.String()
}

// Cursor returns the current cursor position (for testing).
func (m MainMenu) Cursor() int {
	return m.cursor
}

// ItemCount returns the number of menu items (for testing).
func (m MainMenu) ItemCount() int {
	return len(m.items)
}
