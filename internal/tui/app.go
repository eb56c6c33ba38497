// Package tui is the interactive terminal chat for a metagen conversation.
package tui

import (
	"context"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/metagen/metagen/sdk/metagen"
)

// Conversation is the part of *metagen.Conversation the UI drives.
type Conversation interface {
	SessionID() string
	SendMessage(ctx context.Context, text string) (*metagen.Turn, error)
	ResolveApproval(ctx context.Context, decision metagen.ApprovalDecision, feedback string) error
	AutoApprove() bool
	Cancel()
}

// State represents the application state
type State int

const (
	StateIdle State = iota
	StateStreaming
	StateApproval
	StateError
)

// Option configures a Model.
type Option func(*Model)

// OnSend registers fn to be called with every message the user sends.
func OnSend(fn func(text string)) Option {
	return func(m *Model) { m.onSend = fn }
}

// WithBackend sets the backend URL shown in the header.
func WithBackend(url string) Option {
	return func(m *Model) { m.backend = url }
}

// Model is the main application model
type Model struct {
	conv       Conversation
	transcript transcript
	input      textarea.Model
	spinner    spinner.Model

	state    State
	seq      int
	turn     *metagen.Turn
	pending  *metagen.PendingApproval
	feedback bool // typing rejection feedback
	usage    metagen.Usage
	status   string
	err      error

	backend string
	onSend  func(string)
	width   int
	height  int
	ready   bool
}

// New creates the application model for conv.
func New(conv Conversation, opts ...Option) Model {
	ta := textarea.New()
	ta.Placeholder = "Type your message..."
	ta.Focus()
	ta.CharLimit = 4096
	ta.SetWidth(76)
	ta.SetHeight(3)
	ta.ShowLineNumbers = false
	ta.FocusedStyle.Placeholder = ta.FocusedStyle.Placeholder.Foreground(Muted)
	ta.BlurredStyle.Placeholder = ta.BlurredStyle.Placeholder.Foreground(Muted)

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = StreamingCursor

	m := Model{
		conv:       conv,
		transcript: newTranscript(80, 20),
		input:      ta,
		spinner:    sp,
		state:      StateIdle,
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// Init initializes the application
func (m Model) Init() tea.Cmd {
	return textarea.Blink
}

// Run starts the full-screen chat and blocks until the user quits.
func Run(conv Conversation, opts ...Option) error {
	p := tea.NewProgram(New(conv, opts...), tea.WithAltScreen(), tea.WithMouseCellMotion())
	_, err := p.Run()
	conv.Cancel()
	return err
}

// Messages produced by commands. Each carries the turn it belongs to so
// results from a cancelled turn can be dropped.

type turnStartedMsg struct {
	seq  int
	turn *metagen.Turn
}

type sendFailedMsg struct {
	seq int
	err error
}

type signalMsg struct {
	turn *metagen.Turn
	sig  metagen.Signal
}

type turnEndedMsg struct {
	turn *metagen.Turn
	err  error
}

type approvalSentMsg struct {
	toolID   string
	decision metagen.ApprovalDecision
	err      error
}

func (m Model) startTurn(text string) tea.Cmd {
	conv, seq := m.conv, m.seq
	return func() tea.Msg {
		turn, err := conv.SendMessage(context.Background(), text)
		if err != nil {
			return sendFailedMsg{seq: seq, err: err}
		}
		return turnStartedMsg{seq: seq, turn: turn}
	}
}

// nextSignal pulls one signal from the turn.
func nextSignal(turn *metagen.Turn) tea.Cmd {
	return func() tea.Msg {
		sig, err := turn.Next()
		if err != nil {
			return turnEndedMsg{turn: turn, err: err}
		}
		return signalMsg{turn: turn, sig: sig}
	}
}

func (m Model) resolve(toolID string, decision metagen.ApprovalDecision, feedback string) tea.Cmd {
	conv := m.conv
	return func() tea.Msg {
		err := conv.ResolveApproval(context.Background(), decision, feedback)
		return approvalSentMsg{toolID: toolID, decision: decision, err: err}
	}
}
