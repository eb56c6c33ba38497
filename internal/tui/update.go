package tui

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/metagen/metagen/sdk/metagen"
)

// Update handles all application messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true

		// Reserve space for: header (1), input (5), status bar (1), padding (2)
		m.transcript.SetSize(msg.Width, max(msg.Height-9, 5))
		m.input.SetWidth(max(msg.Width-4, 10))
		return m, nil

	case tea.KeyMsg:
		if model, cmd, handled := m.handleKey(msg); handled {
			return model, cmd
		}

	case turnStartedMsg:
		if msg.seq != m.seq || m.state != StateStreaming {
			// Cancelled before the request returned.
			msg.turn.Cancel()
			return m, nil
		}
		m.turn = msg.turn
		return m, nextSignal(msg.turn)

	case sendFailedMsg:
		if msg.seq != m.seq || m.state != StateStreaming {
			return m, nil
		}
		m.state = StateError
		m.err = msg.err
		m.transcript.AddError("send failed: " + msg.err.Error())
		return m, m.input.Focus()

	case signalMsg:
		if msg.turn != m.turn {
			return m, nil
		}
		m.applySignal(msg.sig)
		return m, nextSignal(msg.turn)

	case turnEndedMsg:
		if msg.turn != m.turn {
			return m, nil
		}
		return m.endTurn(msg.err)

	case approvalSentMsg:
		if m.pending == nil || m.pending.ToolID != msg.toolID {
			return m, nil
		}
		if msg.err != nil {
			// Still pending; the user can answer again.
			m.status = "approval not sent: " + msg.err.Error()
			return m, nil
		}
		// tool_started or tool_result may already have arrived.
		if state, ok := m.transcript.ToolState(msg.toolID); !ok || state == toolWaiting {
			m.transcript.SetTool(msg.toolID, m.pending.ToolName, toolQueued, string(msg.decision))
		}
		m.pending = nil
		m.feedback = false
		m.status = ""
		m.state = StateStreaming
		m.input.Reset()
		m.input.Blur()
		return m, m.spinner.Tick

	case spinner.TickMsg:
		if m.state != StateStreaming {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	if m.state == StateIdle || m.state == StateError || m.feedback {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
	}

	// Always allow scrolling
	var cmd tea.Cmd
	m.transcript, cmd = m.transcript.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd, bool) {
	switch msg.String() {
	case "ctrl+c":
		if m.busy() {
			return m.cancelTurn(), m.input.Focus(), true
		}
		return m, tea.Quit, true

	case "esc":
		if m.feedback {
			m.feedback = false
			m.input.Reset()
			m.input.Blur()
			return m, nil, true
		}
		if m.busy() {
			return m.cancelTurn(), m.input.Focus(), true
		}
		return m, nil, true

	case "ctrl+l":
		if !m.busy() {
			m.transcript.Clear()
			m.usage = metagen.Usage{}
		}
		return m, nil, true
	}

	if m.state == StateApproval {
		return m.handleApprovalKey(msg)
	}

	if msg.String() == "enter" && !m.busy() {
		text := strings.TrimSpace(m.input.Value())
		if text == "" {
			return m, nil, true
		}
		model, cmd := m.send(text)
		return model, cmd, true
	}
	return m, nil, false
}

func (m Model) handleApprovalKey(msg tea.KeyMsg) (tea.Model, tea.Cmd, bool) {
	toolID := m.pending.ToolID
	if m.feedback {
		if msg.String() == "enter" {
			return m, m.resolve(toolID, metagen.DecisionRejected, strings.TrimSpace(m.input.Value())), true
		}
		return m, nil, false
	}

	switch msg.String() {
	case "y", "Y":
		m.status = "sending approval..."
		return m, m.resolve(toolID, metagen.DecisionApproved, ""), true
	case "n", "N":
		m.status = "sending rejection..."
		return m, m.resolve(toolID, metagen.DecisionRejected, ""), true
	case "f", "F":
		m.feedback = true
		m.input.Reset()
		m.input.Placeholder = "Why reject? Enter sends, Esc goes back"
		return m, m.input.Focus(), true
	}
	return m, nil, true
}

func (m Model) busy() bool {
	return m.state == StateStreaming || m.state == StateApproval
}

func (m Model) send(text string) (tea.Model, tea.Cmd) {
	m.transcript.AddUser(text)
	m.input.Reset()
	m.input.Blur()
	m.state = StateStreaming
	m.err = nil
	m.status = ""
	m.turn = nil
	m.seq++
	if m.onSend != nil {
		m.onSend(text)
	}
	return m, tea.Batch(m.startTurn(text), m.spinner.Tick)
}

func (m Model) cancelTurn() Model {
	m.conv.Cancel()
	m.turn = nil
	m.pending = nil
	m.feedback = false
	m.transcript.Interrupt()
	m.state = StateIdle
	m.status = "cancelled"
	m.input.Placeholder = "Type your message..."
	return m
}

func (m *Model) applySignal(sig metagen.Signal) {
	switch sig.Kind {
	case metagen.SignalMessageStarted, metagen.SignalMessageUpdated:
		m.transcript.SetAgent(sig.Content, false)
	case metagen.SignalMessageFinalized:
		m.transcript.SetAgent(sig.Content, true)
	case metagen.SignalUser:
		m.transcript.AddUser(sig.Content)
	case metagen.SignalSystem:
		m.transcript.AddSystem(sig.Content)
	case metagen.SignalThinking:
		m.transcript.AddThinking(sig.Content)
	case metagen.SignalToolCall:
		m.transcript.AddTool(sig.ToolCall.ToolID, sig.ToolCall.ToolName, sig.ToolCall.ToolArgs.String())
	case metagen.SignalToolStarted:
		m.transcript.SetTool(sig.ToolCall.ToolID, sig.ToolCall.ToolName, toolRunning, "")
	case metagen.SignalToolResult:
		m.transcript.SetTool(sig.ToolCall.ToolID, sig.ToolCall.ToolName, toolDone, sig.Content)
	case metagen.SignalToolError:
		m.transcript.SetTool(sig.ToolCall.ToolID, sig.ToolCall.ToolName, toolFailed, sig.Content)
	case metagen.SignalApprovalNeeded:
		approval := *sig.Approval
		m.pending = &approval
		m.state = StateApproval
		m.transcript.SetTool(approval.ToolID, approval.ToolName, toolWaiting, "")
	case metagen.SignalApprovalResponse:
		m.transcript.AddSystem("approval answered: " + sig.Content)
	case metagen.SignalUsage:
		m.usage.InputTokens += sig.Usage.InputTokens
		m.usage.OutputTokens += sig.Usage.OutputTokens
		m.usage.TotalTokens += sig.Usage.TotalTokens
	case metagen.SignalFatalError:
		m.transcript.AddError(sig.Content)
	}
}

func (m Model) endTurn(err error) (tea.Model, tea.Cmd) {
	turn := m.turn
	m.turn = nil
	m.pending = nil
	m.feedback = false
	m.input.Placeholder = "Type your message..."

	switch {
	case errors.Is(err, io.EOF) && turn.Outcome() == metagen.OutcomeBackendError:
		m.state = StateError
		m.err = turn.Err()
	case errors.Is(err, io.EOF):
		m.state = StateIdle
		m.status = ""
	case errors.Is(err, metagen.ErrCancelled):
		m.transcript.Interrupt()
		m.state = StateIdle
		m.status = "cancelled"
	default:
		m.transcript.Interrupt()
		m.transcript.AddError(describeEnd(turn, err))
		m.state = StateError
		m.err = err
	}
	return m, m.input.Focus()
}

func describeEnd(turn *metagen.Turn, err error) string {
	switch {
	case turn != nil && turn.Abnormal():
		return "connection lost before the reply finished: " + err.Error()
	case errors.Is(err, metagen.ErrProtocol):
		return "protocol error: " + err.Error()
	}
	return fmt.Sprintf("stream failed: %v", err)
}
