package screens

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// DoneScreen is the wizard's final screen, shown once a target snapshot
// has been located and validated.
type DoneScreen struct {
	target string
	width  int
	height int
}

func NewDoneScreen(target string) DoneScreen {
	return DoneScreen{target: target}
}

func (m DoneScreen) Init() tea.Cmd {
	return nil
}

func (m DoneScreen) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, key.NewBinding(key.WithKeys("enter", "q", "ctrl+c"))):
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m DoneScreen) View() string {
	var b strings.Builder

	b.WriteString("  ✓ Setup Complete\n\n")
	b.WriteString(fmt.Sprintf("  Target %q is ready to fuzz.\n\n", m.target))

	b.WriteString("  Quick start:\n")
	b.WriteString(lipgloss.NewStyle().Foreground(colorDim).Render("    snapfuzz master --target "+m.target+"   Start the master") + "\n")
	b.WriteString(lipgloss.NewStyle().Foreground(colorDim).Render("    snapfuzz fuzz --target "+m.target+"     Attach a worker") + "\n")
	b.WriteString(lipgloss.NewStyle().Foreground(colorDim).Render("    snapfuzz list                          See running instances") + "\n\n")

	b.WriteString(lipgloss.NewStyle().Foreground(colorPrimary).Bold(true).Render("  > Done"))
	b.WriteString("\n\n")
	b.WriteString(lipgloss.NewStyle().Foreground(colorDim).Render("  enter finish • q quit"))

	return b.String()
}
