package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// View renders the application
func (m Model) View() string {
	if !m.ready {
		return "Initializing..."
	}

	var sections []string

	title := "metagen"
	if m.backend != "" {
		title += " · " + m.backend
	}
	if m.conv.AutoApprove() {
		title += " · auto-approve"
	}
	sections = append(sections, Header.Render(title)+StatusBar.Render("session "+m.conv.SessionID()))

	chatView := m.transcript.View()
	if m.transcript.IsEmpty() {
		chatView = lipgloss.NewStyle().
			Foreground(Muted).
			Width(m.width).
			Align(lipgloss.Center).
			Padding(2, 0).
			Render(WelcomeText)
	}
	sections = append(sections, chatView)

	switch {
	case m.state == StateApproval && m.pending != nil:
		sections = append(sections, m.renderApproval())
	case m.state == StateStreaming:
		sections = append(sections, DisabledInput.Width(m.width-2).
			Render(m.spinner.View()+" Waiting for response... (Ctrl+C to cancel)"))
	default:
		sections = append(sections, InputBorder.Width(m.width-2).Render(m.input.View()))
	}

	sections = append(sections, m.renderStatusBar())
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) renderApproval() string {
	var b strings.Builder
	b.WriteString(ApprovalTitle.Render("Approve " + m.pending.ToolName + "?"))
	b.WriteString("\n")
	b.WriteString(truncate(m.pending.ToolArgs.String(), max(m.width-8, 20)))
	b.WriteString("\n")
	if m.feedback {
		b.WriteString(m.input.View())
	} else {
		b.WriteString(StatusBar.Render("y: approve • n: reject • f: reject with feedback • Esc: cancel turn"))
	}
	return ApprovalBox.Width(m.width - 2).Render(b.String())
}

// renderStatusBar renders the status bar at the bottom
func (m Model) renderStatusBar() string {
	var status string
	var statusStyle lipgloss.Style

	switch m.state {
	case StateIdle:
		status = "Ready"
		if m.status != "" {
			status = m.status
		}
		statusStyle = StatusBar
	case StateStreaming:
		status = "Streaming..."
		statusStyle = StatusBarStreaming
	case StateApproval:
		status = "Approval needed"
		if m.status != "" {
			status = m.status
		}
		statusStyle = StatusBarStreaming
	case StateError:
		status = fmt.Sprintf("Error: %v", m.err)
		statusStyle = StatusBarError
	}
	left := statusStyle.Render(status)

	right := "Enter: send • Ctrl+C: quit • Ctrl+L: clear"
	if m.usage.TotalTokens > 0 {
		right = fmt.Sprintf("%d tokens • %s", m.usage.TotalTokens, right)
	}
	help := StatusBar.Render(right)

	spacer := strings.Repeat(" ", max(m.width-lipgloss.Width(left)-lipgloss.Width(help)-2, 0))
	return lipgloss.JoinHorizontal(lipgloss.Top, left, spacer, help)
}
