package metagen

import (
	"strings"

	"github.com/google/uuid"
)

// SignalKind identifies a display update produced by a stream session.
type SignalKind string

const (
	SignalMessageStarted   SignalKind = "message_started"
	SignalMessageUpdated   SignalKind = "message_updated"
	SignalMessageFinalized SignalKind = "message_finalized"
	SignalUser             SignalKind = "user"
	SignalSystem           SignalKind = "system"
	SignalThinking         SignalKind = "thinking"
	SignalToolCall         SignalKind = "tool_call"
	SignalToolStarted      SignalKind = "tool_started"
	SignalToolResult       SignalKind = "tool_result"
	SignalToolError        SignalKind = "tool_error"
	SignalApprovalNeeded   SignalKind = "approval_needed"
	SignalApprovalResponse SignalKind = "approval_response"
	SignalUsage            SignalKind = "usage"
	SignalFatalError       SignalKind = "fatal_error"
)

// Signal is one UI-ready update. Only the fields relevant to Kind are set.
//
// For the three message_* kinds Content is the full accumulated text of
// MessageID, so a consumer can replace whatever it displayed for that id.
type Signal struct {
	Kind      SignalKind
	MessageID string
	Content   string

	// Message is the event that produced the signal.
	Message Message

	ToolCall *ToolCall
	Approval *PendingApproval
	Usage    *Usage
	Err      error
}

// StreamSession turns the messages of one chat turn into signals. It is a
// plain state machine: it does no I/O and is not safe for concurrent use.
type StreamSession struct {
	sessionID   string
	messageID   string
	accumulated strings.Builder
	terminal    bool
	failed      *BackendError
	newID       func() string
}

// NewStreamSession creates the state for one turn of sessionID.
func NewStreamSession(sessionID string) *StreamSession {
	return &StreamSession{
		sessionID: sessionID,
		newID:     uuid.NewString,
	}
}

// SessionID returns the conversation the turn belongs to.
func (s *StreamSession) SessionID() string { return s.sessionID }

// Terminal reports whether the turn has ended with a final agent message
// or a backend error.
func (s *StreamSession) Terminal() bool { return s.terminal }

// Failure returns the backend error that ended the turn, if any.
func (s *StreamSession) Failure() *BackendError { return s.failed }

// MessageID returns the id of the agent message being accumulated, or "".
func (s *StreamSession) MessageID() string { return s.messageID }

// Content returns the text accumulated for the current agent message.
func (s *StreamSession) Content() string { return s.accumulated.String() }

// Apply feeds one message and returns the signals it produces. Messages
// applied after the turn is terminal produce nothing.
func (s *StreamSession) Apply(msg Message) []Signal {
	if s.terminal || msg == nil {
		return nil
	}

	if m, ok := msg.(AgentMessage); ok {
		return s.applyAgent(m)
	}
	if _, ok := msg.(UnknownMessage); ok {
		return nil
	}

	// Agent text and structured events never interleave.
	var out []Signal
	if sig, ok := s.finalize(msg); ok {
		out = append(out, sig)
	}

	switch m := msg.(type) {
	case UserMessage:
		out = append(out, Signal{Kind: SignalUser, Content: m.Content, Message: m})
	case SystemMessage:
		out = append(out, Signal{Kind: SignalSystem, Content: m.Content, Message: m})
	case ThinkingMessage:
		out = append(out, Signal{Kind: SignalThinking, Content: m.Content, Message: m})
	case ToolCallMessage:
		for i := range m.ToolCalls {
			call := m.ToolCalls[i]
			out = append(out, Signal{Kind: SignalToolCall, ToolCall: &call, Message: m})
		}
	case ToolStartedMessage:
		out = append(out, Signal{
			Kind:     SignalToolStarted,
			ToolCall: &ToolCall{ToolID: m.ToolID, ToolName: m.ToolName},
			Message:  m,
		})
	case ToolResultMessage:
		out = append(out, Signal{
			Kind:     SignalToolResult,
			ToolCall: &ToolCall{ToolID: m.ToolID, ToolName: m.ToolName},
			Content:  m.Result.String(),
			Message:  m,
		})
	case ToolErrorMessage:
		out = append(out, Signal{
			Kind:     SignalToolError,
			ToolCall: &ToolCall{ToolID: m.ToolID, ToolName: m.ToolName},
			Content:  m.Error,
			Message:  m,
		})
	case ApprovalRequestMessage:
		out = append(out, Signal{
			Kind: SignalApprovalNeeded,
			Approval: &PendingApproval{
				ToolID:   m.ToolID,
				ToolName: m.ToolName,
				ToolArgs: m.ToolArgs,
				AgentID:  m.AgentID,
			},
			Message: m,
		})
	case ApprovalResponseMessage:
		out = append(out, Signal{Kind: SignalApprovalResponse, Content: m.Feedback, Message: m})
	case UsageMessage:
		out = append(out, Signal{
			Kind: SignalUsage,
			Usage: &Usage{
				InputTokens:  m.InputTokens,
				OutputTokens: m.OutputTokens,
				TotalTokens:  m.TotalTokens,
			},
			Message: m,
		})
	case ErrorMessage:
		s.failed = &BackendError{Message: m.Error, Details: m.Details}
		s.terminal = true
		out = append(out, Signal{Kind: SignalFatalError, Content: m.Error, Err: s.failed, Message: m})
	}
	return out
}

func (s *StreamSession) applyAgent(m AgentMessage) []Signal {
	s.accumulated.WriteString(m.Content)

	var out []Signal
	if s.messageID == "" {
		s.messageID = s.newID()
		out = append(out, Signal{Kind: SignalMessageStarted, MessageID: s.messageID, Content: s.accumulated.String(), Message: m})
	} else {
		out = append(out, Signal{Kind: SignalMessageUpdated, MessageID: s.messageID, Content: s.accumulated.String(), Message: m})
	}

	if m.Final {
		sig, _ := s.finalize(m)
		out = append(out, sig)
		s.terminal = true
	}
	return out
}

// Finish finalizes an agent message left open when the backend ended the
// stream explicitly without a final chunk.
func (s *StreamSession) Finish() []Signal {
	if s.terminal {
		return nil
	}
	s.terminal = true
	if sig, ok := s.finalize(nil); ok {
		return []Signal{sig}
	}
	return nil
}

// Reset discards any partially accumulated agent message.
func (s *StreamSession) Reset() {
	s.messageID = ""
	s.accumulated.Reset()
}

func (s *StreamSession) finalize(cause Message) (Signal, bool) {
	if s.messageID == "" {
		return Signal{}, false
	}
	sig := Signal{Kind: SignalMessageFinalized, MessageID: s.messageID, Content: s.accumulated.String(), Message: cause}
	s.Reset()
	return sig, true
}
