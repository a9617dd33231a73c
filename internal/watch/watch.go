// Package watch renders one job's pipeline progress in the terminal, fed by
// a streaming job view.
package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/tailorcv/backend/internal/client"
	"github.com/tailorcv/backend/internal/status"
)

var (
	colorDone      = lipgloss.Color("42")
	colorPending   = lipgloss.Color("240")
	colorWarn      = lipgloss.Color("214")
	colorTitle     = lipgloss.Color("63")
	styleTitle     = lipgloss.NewStyle().Bold(true).Foreground(colorTitle)
	styleDone      = lipgloss.NewStyle().Foreground(colorDone)
	stylePending   = lipgloss.NewStyle().Foreground(colorPending)
	styleWarn      = lipgloss.NewStyle().Foreground(colorWarn)
	styleConnected = lipgloss.NewStyle().Foreground(colorDone)
	styleBox       = lipgloss.NewStyle().Padding(0, 1).BorderStyle(lipgloss.RoundedBorder())
)

// stageLabels are the human names shown per stage, in pipeline order.
var stageLabels = map[status.Stage]string{
	status.StageJobParsed:       "Job posting parsed",
	status.StageEducations:      "Educations selected",
	status.StageWorkExperiences: "Work experiences selected",
	status.StageProjects:        "Projects selected",
	status.StageSkills:          "Skills selected",
}

// UpdateMsg delivers a watermark advance.
type UpdateMsg struct {
	Watermark status.Watermark
	Advanced  []status.Stage
}

// StateMsg delivers a connection-state transition.
type StateMsg struct {
	State    client.ConnState
	Attempts int
}

// ResourceMsg reports a fetched dependent resource.
type ResourceMsg struct {
	Stage status.Stage
	Bytes int
}

// CompleteMsg signals that every stage has completed.
type CompleteMsg struct{}

// Model is the Bubble Tea model for one watched job.
type Model struct {
	jobID  string
	view   *client.JobView
	events <-chan tea.Msg

	spin         spinner.Model
	watermark    status.Watermark
	fetched      map[status.Stage]int
	connected    bool
	reconnecting bool
	done         bool
	width        int
}

// New creates the model. view may be nil in tests; events carries the
// Update/State/Resource/Complete messages produced by the view's hooks.
func New(jobID string, view *client.JobView, events <-chan tea.Msg) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = stylePending

	return Model{
		jobID:     jobID,
		view:      view,
		events:    events,
		spin:      s,
		watermark: status.Watermark{},
		fetched:   make(map[status.Stage]int),
	}
}

// Init starts the spinner and the event pump.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, m.waitEvent())
}

// waitEvent returns a command that relays the next view event.
func (m Model) waitEvent() tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-m.events
		if !ok {
			return nil
		}
		return msg
	}
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			if m.view != nil {
				m.view.Stop()
			}
			return m, tea.Quit
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case UpdateMsg:
		m.watermark = msg.Watermark
		return m, m.waitEvent()

	case StateMsg:
		switch msg.State {
		case client.StateConnected:
			m.connected = true
			m.reconnecting = false
		case client.StateReconnecting:
			m.connected = false
			m.reconnecting = true
		}
		return m, m.waitEvent()

	case ResourceMsg:
		m.fetched[msg.Stage] = msg.Bytes
		return m, m.waitEvent()

	case CompleteMsg:
		m.done = true
		return m, m.waitEvent()
	}

	return m, nil
}

// View renders the stage list with per-stage completion and fetch state.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(styleTitle.Render("Job "+m.jobID) + "  " + m.connLine() + "\n\n")

	for _, stage := range status.Stages() {
		label := stageLabels[stage]
		if at, ok := m.watermark[stage]; ok {
			line := fmt.Sprintf("✓ %-26s %s", label, at.Local().Format(time.Kitchen))
			if n, ok := m.fetched[stage]; ok {
				line += fmt.Sprintf("  (%d bytes)", n)
			}
			b.WriteString(styleDone.Render(line) + "\n")
		} else {
			b.WriteString(m.spin.View() + stylePending.Render(label) + "\n")
		}
	}

	if m.done {
		b.WriteString("\n" + styleDone.Render("All stages complete.") + "\n")
	}
	b.WriteString("\n" + stylePending.Render("q to quit") + "\n")

	return styleBox.Render(b.String())
}

func (m Model) connLine() string {
	switch {
	case m.done:
		return styleConnected.Render("● done")
	case m.reconnecting:
		return styleWarn.Render("○ reconnecting...")
	case m.connected:
		return styleConnected.Render("● connected")
	default:
		return stylePending.Render("○ connecting")
	}
}
