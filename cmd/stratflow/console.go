package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"stratflow/internal/api"
	"stratflow/internal/domain"
	"stratflow/internal/session"
)

// Styles.
var (
	userStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("15"))
	specStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errStyle       = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("4"))
	footerStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("15")).Background(lipgloss.Color("8"))
)

// Messages.
type eventMsg session.Event
type snapshotMsg *session.Snapshot
type watchEndedMsg struct{ err error }
type actionDoneMsg struct {
	action string
	err    error
}

type consoleModel struct {
	ctx    context.Context
	client *api.Client
	id     string

	state    session.State
	busy     bool
	lines    []string
	spec     string
	lastErr  string
	ended    bool
	viewport viewport.Model
	ready    bool
	width    int
	height   int
}

func newConsoleModel(ctx context.Context, client *api.Client, id string) consoleModel {
	return consoleModel{ctx: ctx, client: client, id: id, state: session.StateIdle}
}

func (m consoleModel) Init() tea.Cmd {
	return nil
}

func (m consoleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "a":
			return m, m.act("approve", m.client.Approve)
		case "r":
			return m, m.act("regenerate", m.client.Regenerate)
		case "c":
			return m, m.act("cancel", m.client.Cancel)
		}

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		vpHeight := m.height - 2
		if vpHeight < 1 {
			vpHeight = 1
		}
		if !m.ready {
			m.viewport = viewport.New(m.width, vpHeight)
			m.viewport.MouseWheelEnabled = true
			m.ready = true
		} else {
			m.viewport.Width = m.width
			m.viewport.Height = vpHeight
		}
		m.refresh()
		return m, nil

	case snapshotMsg:
		m.state, m.busy, m.spec = msg.State, msg.Busy, msg.Spec.Content
		m.refresh()
		return m, nil

	case eventMsg:
		m.apply(session.Event(msg))
		m.refresh()
		return m, nil

	case actionDoneMsg:
		if msg.err != nil {
			m.lastErr = fmt.Sprintf("%s: %v", msg.action, msg.err)
		} else {
			m.lastErr = ""
		}
		m.refresh()
		return m, nil

	case watchEndedMsg:
		m.ended = true
		if msg.err != nil {
			m.lastErr = msg.err.Error()
		}
		m.refresh()
		return m, nil
	}

	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// act runs a workflow action without blocking the UI; events report the
// outcome, the message only carries the error.
func (m consoleModel) act(name string, fn func(context.Context, string) (*session.Snapshot, error)) tea.Cmd {
	ctx, id := m.ctx, m.id
	return func() tea.Msg {
		_, err := fn(ctx, id)
		return actionDoneMsg{action: name, err: err}
	}
}

func (m *consoleModel) apply(ev session.Event) {
	switch ev.Type {
	case session.EventState:
		m.state = ev.State
		m.busy = ev.State == session.StateExtracting || ev.State == session.StateGenerating || ev.State == session.StateExecuting
	case session.EventMessage:
		if ev.Message != nil {
			m.lines = append(m.lines, renderMessage(*ev.Message))
		}
	case session.EventChunk:
		m.spec = ev.Text
	case session.EventSpec:
		if ev.Spec != nil {
			m.spec = ev.Spec.Content
		}
	case session.EventError:
		m.lastErr = ev.Error
	}
}

func renderMessage(msg domain.Message) string {
	if msg.Role == domain.RoleUser {
		return userStyle.Render("you: ") + msg.Text
	}
	return assistantStyle.Render(msg.Text)
}

func (m *consoleModel) refresh() {
	if !m.ready {
		return
	}
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(m.renderContent())
	if atBottom {
		m.viewport.GotoBottom()
	}
}

func (m consoleModel) renderContent() string {
	var b strings.Builder
	for _, l := range m.lines {
		b.WriteString(l)
		b.WriteString("\n\n")
	}
	if m.spec != "" {
		b.WriteString(dimStyle.Render("strategy"))
		b.WriteString("\n")
		b.WriteString(specStyle.Render(strings.TrimRight(m.spec, "\n")))
		b.WriteString("\n")
	}
	if m.lastErr != "" {
		b.WriteString("\n")
		b.WriteString(errStyle.Render("error: " + m.lastErr))
		b.WriteString("\n")
	}
	return b.String()
}

func (m consoleModel) View() string {
	if !m.ready {
		return "Connecting..."
	}

	status := string(m.state)
	if m.busy {
		status += " (working)"
	}
	if m.ended {
		status += "  stream closed"
	}
	header := headerStyle.Render(padOrTrunc(fmt.Sprintf(" session %s    %s ", m.id, status), m.width))

	footerLeft := " q quit  a approve  r regenerate  c cancel  pgup/dn scroll"
	footerRight := fmt.Sprintf("%.0f%% ", m.viewport.ScrollPercent()*100)
	gap := m.width - len(footerLeft) - len(footerRight)
	if gap < 0 {
		gap = 0
	}
	footer := footerStyle.Render(padOrTrunc(footerLeft+strings.Repeat(" ", gap)+footerRight, m.width))

	return header + "\n" + m.viewport.View() + "\n" + footer
}

func padOrTrunc(s string, width int) string {
	if width <= 0 {
		return s
	}
	if len(s) > width {
		return s[:width]
	}
	return s + strings.Repeat(" ", width-len(s))
}

// runConsole streams the session into a full-screen console until the
// user quits.
func runConsole(ctx context.Context, client *api.Client, id string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(newConsoleModel(ctx, client, id), tea.WithAltScreen(), tea.WithMouseCellMotion(), tea.WithContext(ctx))

	go func() {
		if snap, err := client.Snapshot(ctx, id); err == nil {
			p.Send(snapshotMsg(snap))
		}
		err := client.Watch(ctx, id, func(ev session.Event) error {
			p.Send(eventMsg(ev))
			return nil
		})
		if ctx.Err() == nil {
			p.Send(watchEndedMsg{err: err})
		}
	}()

	_, err := p.Run()
	if ctx.Err() != nil {
		return nil
	}
	return err
}
