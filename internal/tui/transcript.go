package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
)

type entryKind int

const (
	entryUser entryKind = iota
	entryAgent
	entrySystem
	entryThinking
	entryTool
	entryError
)

type toolState string

const (
	toolQueued  toolState = "queued"
	toolWaiting toolState = "awaiting approval"
	toolRunning toolState = "running"
	toolDone    toolState = "done"
	toolFailed  toolState = "failed"
)

// entry is one item of the transcript.
type entry struct {
	kind    entryKind
	content string

	// agent
	streaming   bool
	interrupted bool

	// tool
	toolID   string
	toolName string
	args     string
	state    toolState
	detail   string
}

// transcript is the scrollable conversation view.
type transcript struct {
	viewport viewport.Model
	entries  []entry
	renderer *glamour.TermRenderer
	width    int
	height   int
}

func newTranscript(width, height int) transcript {
	vp := viewport.New(width, height)
	vp.SetContent("")
	return transcript{viewport: vp, width: width, height: height}
}

func (t transcript) Update(msg tea.Msg) (transcript, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.String() {
		case "pgup":
			t.viewport.ViewUp()
			return t, nil
		case "pgdown":
			t.viewport.ViewDown()
			return t, nil
		}
	}
	var cmd tea.Cmd
	t.viewport, cmd = t.viewport.Update(msg)
	return t, cmd
}

func (t transcript) View() string { return t.viewport.View() }

func (t transcript) IsEmpty() bool { return len(t.entries) == 0 }

func (t *transcript) SetSize(width, height int) {
	t.width = width
	t.height = height
	t.viewport.Width = width
	t.viewport.Height = height

	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(max(width-4, 20)),
	)
	if err == nil {
		t.renderer = r
	}
	t.refresh()
}

func (t *transcript) add(e entry) {
	t.entries = append(t.entries, e)
	t.refresh()
}

func (t *transcript) AddUser(text string) { t.add(entry{kind: entryUser, content: text}) }

func (t *transcript) AddSystem(text string) { t.add(entry{kind: entrySystem, content: text}) }

func (t *transcript) AddThinking(text string) { t.add(entry{kind: entryThinking, content: text}) }

func (t *transcript) AddError(text string) { t.add(entry{kind: entryError, content: text}) }

// openAgent returns the streaming agent entry, if any.
func (t *transcript) openAgent() *entry {
	if n := len(t.entries); n > 0 && t.entries[n-1].kind == entryAgent && t.entries[n-1].streaming {
		return &t.entries[n-1]
	}
	return nil
}

// SetAgent shows the accumulated text of the message in progress, starting
// one if needed. final closes it.
func (t *transcript) SetAgent(text string, final bool) {
	e := t.openAgent()
	if e == nil {
		t.entries = append(t.entries, entry{kind: entryAgent, streaming: true})
		e = &t.entries[len(t.entries)-1]
	}
	e.content = text
	e.streaming = !final
	t.refresh()
}

// Interrupt closes an unfinished agent message and marks it cut off.
func (t *transcript) Interrupt() {
	if e := t.openAgent(); e != nil {
		e.streaming = false
		e.interrupted = true
		t.refresh()
	}
}

func (t *transcript) AddTool(id, name, args string) {
	t.add(entry{kind: entryTool, toolID: id, toolName: name, args: args, state: toolQueued})
}

// SetTool updates the most recent entry for tool id, adding one if the
// backend never announced the call.
func (t *transcript) SetTool(id, name string, state toolState, detail string) {
	for i := len(t.entries) - 1; i >= 0; i-- {
		if e := &t.entries[i]; e.kind == entryTool && e.toolID == id {
			e.state = state
			e.detail = detail
			t.refresh()
			return
		}
	}
	t.add(entry{kind: entryTool, toolID: id, toolName: name, state: state, detail: detail})
}

// ToolState returns the state of the newest row for tool id.
func (t *transcript) ToolState(id string) (toolState, bool) {
	for i := len(t.entries) - 1; i >= 0; i-- {
		if e := t.entries[i]; e.kind == entryTool && e.toolID == id {
			return e.state, true
		}
	}
	return "", false
}

func (t *transcript) Clear() {
	t.entries = nil
	t.viewport.SetContent("")
}

func (t *transcript) refresh() {
	var content strings.Builder
	for i, e := range t.entries {
		content.WriteString(t.render(e))
		if i < len(t.entries)-1 {
			content.WriteString("\n")
		}
	}
	t.viewport.SetContent(content.String())
	t.viewport.GotoBottom()
}

func (t *transcript) render(e entry) string {
	width := max(t.width-2, 10)
	switch e.kind {
	case entryUser:
		return UserLabel.Render("You") + "\n" + UserMessage.Width(width).Render(e.content)
	case entryAgent:
		content := e.content
		if content != "" && t.renderer != nil && !e.streaming {
			if out, err := t.renderer.Render(content); err == nil {
				content = strings.TrimSpace(out)
			}
		}
		if e.streaming {
			content += StreamingCursor.Render("▊")
		}
		if e.interrupted {
			content += "\n" + ErrorNote.Render("[interrupted]")
		}
		return AgentLabel.Render("metagen") + "\n" + AgentMessage.Width(width).Render(content)
	case entrySystem:
		return SystemNote.Render("• " + e.content)
	case entryThinking:
		return ThinkingNote.Render("… " + e.content)
	case entryError:
		return ErrorNote.Render("✗ " + e.content)
	case entryTool:
		return renderTool(e)
	}
	return e.content
}

func renderTool(e entry) string {
	var status string
	switch e.state {
	case toolDone:
		status = ToolDone.Render("✓")
	case toolFailed:
		status = ToolFailed.Render("✗")
	case toolWaiting:
		status = ApprovalTitle.Render("?")
	default:
		status = ToolDone.Render("...")
	}

	line := fmt.Sprintf("%s %s %s", status, ToolName.Render(e.toolName), truncate(e.args, 50))
	if e.detail != "" {
		line += "\n    " + truncate(e.detail, 100)
	}
	return ToolEvent.Render(line)
}

func truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
