package screens

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/snapfuzz/snapfuzz/internal/discovery"
)

const instancePollInterval = 3 * time.Second

// InstancesLoadedMsg is the message sent when process discovery completes.
// Exported for testing.
type InstancesLoadedMsg struct {
	Instances []discovery.Instance
	Err       error
}

// InstancesPollTickMsg is the periodic poll tick message. Exported for
// testing.
type InstancesPollTickMsg struct{}

type instancesKeyMap struct {
	Up   key.Binding
	Down key.Binding
	Kill key.Binding
	Help key.Binding
	Back key.Binding
	Quit key.Binding
}

func (k instancesKeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Kill, k.Help, k.Back}
}

func (k instancesKeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down},
		{k.Kill},
		{k.Help, k.Back, k.Quit},
	}
}

// InstancesScreen lists running `snapfuzz master`/`snapfuzz fuzz`
// processes and lets the operator kill one.
type InstancesScreen struct {
	keys      instancesKeyMap
	help      help.Model
	instances []discovery.Instance
	cursor    int
	loading   bool
	status    string
	err       error
	width     int
	height    int
}

func NewInstancesScreen() InstancesScreen {
	return InstancesScreen{
		keys: instancesKeyMap{
			Up:   key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
			Down: key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
			Kill: key.NewBinding(key.WithKeys("x"), key.WithHelp("x", "kill")),
			Help: key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "more")),
			Back: key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "back")),
			Quit: key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
		},
		help:    help.New(),
		loading: true,
	}
}

func (m InstancesScreen) Init() tea.Cmd {
	return tea.Batch(discoverInstances(), pollInstancesTick())
}

// Instances returns the current instance list (for testing).
func (m InstancesScreen) Instances() []discovery.Instance {
	return m.instances
}

// Status returns the current status message (for testing).
func (m InstancesScreen) Status() string {
	return m.status
}

func discoverInstances() tea.Cmd {
	return func() tea.Msg {
		instances, err := discovery.DiscoverLocal()
		return InstancesLoadedMsg{Instances: instances, Err: err}
	}
}

func pollInstancesTick() tea.Cmd {
	return tea.Tick(instancePollInterval, func(_ time.Time) tea.Msg {
		return InstancesPollTickMsg{}
	})
}

func (m InstancesScreen) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		return m, nil

	case InstancesLoadedMsg:
		m.loading = false
		m.instances = msg.Instances
		m.err = msg.Err
		if m.cursor >= len(m.instances) {
			m.cursor = max(0, len(m.instances)-1)
		}
		return m, nil

	case InstancesPollTickMsg:
		return m, tea.Batch(discoverInstances(), pollInstancesTick())

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
			if m.cursor < len(m.instances)-1 {
				m.cursor++
			}
		case key.Matches(msg, m.keys.Kill):
			if len(m.instances) > 0 {
				inst := m.instances[m.cursor]
				if err := discovery.Kill(inst.PID); err != nil {
					m.status = fmt.Sprintf("Error: %s", err)
				} else {
					m.status = fmt.Sprintf("Stopped pid %d", inst.PID)
				}
				return m, discoverInstances()
			}
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

func (m InstancesScreen) View() string {
	var b strings.Builder

	b.WriteString("  Running Instances\n\n")

	if m.loading {
		b.WriteString("  Discovering...\n")
		return b.String()
	}

	if m.err != nil {
		b.WriteString(fmt.Sprintf("  Error: %s\n", m.err))
		b.WriteString("\n")
		b.WriteString(m.help.View(m.keys))
		return b.String()
	}

	if len(m.instances) == 0 {
		b.WriteString(lipgloss.NewStyle().Foreground(colorDim).Render("  No running master or fuzz instances found."))
		b.WriteString("\n")
	} else {
		for i, inst := range m.instances {
			detail := fmt.Sprintf("pid %-8d %-6s", inst.PID, inst.Role)
			if inst.Address != "" {
				detail += "  " + inst.Address
			}
			if inst.Target != "" {
				detail += "  target=" + inst.Target
			}

			if i == m.cursor {
				b.WriteString(lipgloss.NewStyle().Foreground(colorPrimary).Bold(true).Render("  > " + detail))
			} else {
				b.WriteString("    " + detail)
			}
			b.WriteString("\n")
		}
	}

	if m.status != "" {
		b.WriteString("\n")
		b.WriteString("  " + lipgloss.NewStyle().Foreground(colorSuccess).Render(m.status))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.help.View(m.keys))

	return b.String()
}
