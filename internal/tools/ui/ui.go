package ui

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	detailStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	okStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	failStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

type tickMsg time.Time

type doneMsg struct {
	details []string
	err     error
}

type model struct {
	title   string
	frame   int
	details []string
	err     error
	done    bool
}

func tick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd { return tick() }

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case doneMsg:
		m.details = msg.details
		m.err = msg.err
		m.done = true
		return m, tea.Quit
	case tickMsg:
		m.frame = (m.frame + 1) % len(spinnerFrames)
		return m, tick()
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m model) View() string {
	out := titleStyle.Render(m.title) + "\n"
	if !m.done {
		return out + spinnerFrames[m.frame] + " running checks...\n"
	}
	for _, d := range m.details {
		out += detailStyle.Render("  - "+d) + "\n"
	}
	if m.err != nil {
		return out + failStyle.Render("FAIL: "+m.err.Error()) + "\n"
	}
	return out + okStyle.Render("OK") + "\n"
}

// Run executes fn under a spinner and renders its detail lines when it
// finishes. Returns whatever fn returned.
func Run(title string, fn func(context.Context) ([]string, error)) ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	p := tea.NewProgram(model{title: title})
	result := doneMsg{}
	go func() {
		result.details, result.err = fn(ctx)
		p.Send(result)
	}()
	if _, err := p.Run(); err != nil {
		return result.details, fmt.Errorf("render ui: %w", err)
	}
	return result.details, result.err
}
