package tui

import "github.com/charmbracelet/lipgloss"

var (
	// Colors
	Primary   = lipgloss.Color("#7C3AED")
	Secondary = lipgloss.Color("#10B981")
	Warning   = lipgloss.Color("#F59E0B")
	Error     = lipgloss.Color("#EF4444")
	Muted     = lipgloss.Color("#6B7280")
	White     = lipgloss.Color("#FFFFFF")
	LightGray = lipgloss.Color("#E5E7EB")

	// Message Styles
	UserMessage = lipgloss.NewStyle().
			Padding(0, 1).
			Foreground(White).
			Bold(true)

	UserLabel = lipgloss.NewStyle().
			Foreground(Primary).
			Bold(true)

	AgentMessage = lipgloss.NewStyle().
			Padding(0, 1).
			Foreground(LightGray)

	AgentLabel = lipgloss.NewStyle().
			Foreground(Secondary).
			Bold(true)

	SystemNote = lipgloss.NewStyle().
			Foreground(Muted).
			PaddingLeft(1)

	ThinkingNote = lipgloss.NewStyle().
			Foreground(Muted).
			Italic(true).
			PaddingLeft(1)

	ErrorNote = lipgloss.NewStyle().
			Foreground(Error).
			Bold(true).
			PaddingLeft(1)

	// Tool Event Styles
	ToolEvent = lipgloss.NewStyle().
			Foreground(Muted).
			PaddingLeft(2)

	ToolName = lipgloss.NewStyle().
			Foreground(Primary).
			Bold(true)

	ToolDone = lipgloss.NewStyle().
			Foreground(Secondary)

	ToolFailed = lipgloss.NewStyle().
			Foreground(Error)

	// Approval prompt
	ApprovalBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(Warning).
			Padding(0, 1)

	ApprovalTitle = lipgloss.NewStyle().
			Foreground(Warning).
			Bold(true)

	// Input Styles
	InputBorder = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(Primary).
			Padding(0, 1)

	DisabledInput = lipgloss.NewStyle().
			Foreground(Muted).
			Italic(true).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(Muted).
			Padding(0, 1)

	// Status Bar Styles
	StatusBar = lipgloss.NewStyle().
			Foreground(Muted).
			Padding(0, 1)

	StatusBarStreaming = lipgloss.NewStyle().
				Foreground(Primary).
				Padding(0, 1)

	StatusBarError = lipgloss.NewStyle().
			Foreground(Error).
			Padding(0, 1)

	// Header
	Header = lipgloss.NewStyle().
		Foreground(Primary).
		Bold(true).
		Padding(0, 1)

	// Cursor for streaming
	StreamingCursor = lipgloss.NewStyle().
			Foreground(Primary).
			Bold(true)
)

// WelcomeText is shown before the first message.
const WelcomeText = `Welcome to metagen!

Type a message and press Enter to start chatting.

Try:
• "hello" - Get a greeting
• "list" - List the workspace
• "read go.mod" - Read a file
• "write notes.md hi" - Write a file (asks for approval)`
