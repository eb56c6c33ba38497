package metagen

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// MessageType discriminates between message kinds on the chat stream.
type MessageType string

const (
	MessageTypeUser             MessageType = "user"
	MessageTypeAgent            MessageType = "agent"
	MessageTypeSystem           MessageType = "system"
	MessageTypeThinking         MessageType = "thinking"
	MessageTypeToolCall         MessageType = "tool_call"
	MessageTypeToolStarted      MessageType = "tool_started"
	MessageTypeToolResult       MessageType = "tool_result"
	MessageTypeToolError        MessageType = "tool_error"
	MessageTypeApprovalRequest  MessageType = "approval_request"
	MessageTypeApprovalResponse MessageType = "approval_response"
	MessageTypeUsage            MessageType = "usage"
	MessageTypeError            MessageType = "error"
)

// Well-known originators.
const (
	AgentIDUser    = "USER"
	AgentIDMetagen = "METAGEN"
)

// timestampLayout matches JavaScript's Date.toISOString.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Timestamp formats t the way the backend stamps messages.
func Timestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// Header carries the fields every message has.
type Header struct {
	Type      MessageType `json:"type"`
	Timestamp string      `json:"timestamp,omitempty"`
	AgentID   string      `json:"agent_id,omitempty"`
}

// Head returns the common header.
func (h Header) Head() Header { return h }

// Message is implemented by every decoded stream message.
type Message interface {
	MsgType() MessageType
	Head() Header
}

// UserMessage echoes what the user sent.
type UserMessage struct {
	Header
	Content string `json:"content"`
}

// MsgType returns the message type.
func (m UserMessage) MsgType() MessageType { return MessageTypeUser }

// AgentMessage is one chunk of agent text. The last chunk of a turn has
// Final set.
type AgentMessage struct {
	Header
	Content string `json:"content"`
	Final   bool   `json:"final,omitempty"`
}

// MsgType returns the message type.
func (m AgentMessage) MsgType() MessageType { return MessageTypeAgent }

// SystemMessage is informational.
type SystemMessage struct {
	Header
	Content string `json:"content"`
}

// MsgType returns the message type.
func (m SystemMessage) MsgType() MessageType { return MessageTypeSystem }

// ThinkingMessage carries intermediate reasoning; safe to hide.
type ThinkingMessage struct {
	Header
	Content string `json:"content"`
}

// MsgType returns the message type.
func (m ThinkingMessage) MsgType() MessageType { return MessageTypeThinking }

// ToolCall is one tool invocation within a tool_call batch.
type ToolCall struct {
	ToolID   string `json:"tool_id"`
	ToolName string `json:"tool_name"`
	ToolArgs Value  `json:"tool_args"`
}

// ToolCallMessage batches simultaneous tool invocations.
type ToolCallMessage struct {
	Header
	ToolCalls []ToolCall `json:"tool_calls"`
}

// MsgType returns the message type.
func (m ToolCallMessage) MsgType() MessageType { return MessageTypeToolCall }

// ToolStartedMessage acknowledges that a tool began executing.
type ToolStartedMessage struct {
	Header
	ToolID   string `json:"tool_id"`
	ToolName string `json:"tool_name"`
}

// MsgType returns the message type.
func (m ToolStartedMessage) MsgType() MessageType { return MessageTypeToolStarted }

// ToolResultMessage reports a completed tool. Result is tool specific.
type ToolResultMessage struct {
	Header
	ToolID   string `json:"tool_id"`
	ToolName string `json:"tool_name"`
	Result   Value  `json:"result"`
}

// MsgType returns the message type.
func (m ToolResultMessage) MsgType() MessageType { return MessageTypeToolResult }

// ToolErrorMessage reports a failed tool. It does not end the turn.
type ToolErrorMessage struct {
	Header
	ToolID   string `json:"tool_id"`
	ToolName string `json:"tool_name"`
	Error    string `json:"error"`
}

// MsgType returns the message type.
func (m ToolErrorMessage) MsgType() MessageType { return MessageTypeToolError }

// ApprovalRequestMessage asks the user to allow a tool invocation.
type ApprovalRequestMessage struct {
	Header
	ToolID   string `json:"tool_id"`
	ToolName string `json:"tool_name"`
	ToolArgs Value  `json:"tool_args"`
}

// MsgType returns the message type.
func (m ApprovalRequestMessage) MsgType() MessageType { return MessageTypeApprovalRequest }

// ApprovalDecision is the user's answer to an approval request.
type ApprovalDecision string

const (
	DecisionApproved ApprovalDecision = "approved"
	DecisionRejected ApprovalDecision = "rejected"
)

// Valid reports whether d is one of the known decisions.
func (d ApprovalDecision) Valid() bool {
	return d == DecisionApproved || d == DecisionRejected
}

// ApprovalResponseMessage resolves an approval request. The client sends it
// on the side channel; some backends echo it on the stream.
type ApprovalResponseMessage struct {
	Header
	SessionID string           `json:"session_id,omitempty"`
	ToolID    string           `json:"tool_id"`
	Decision  ApprovalDecision `json:"decision"`
	Feedback  string           `json:"feedback,omitempty"`
}

// MsgType returns the message type.
func (m ApprovalResponseMessage) MsgType() MessageType { return MessageTypeApprovalResponse }

// UsageMessage reports token usage. It never gates the turn.
type UsageMessage struct {
	Header
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// MsgType returns the message type.
func (m UsageMessage) MsgType() MessageType { return MessageTypeUsage }

// ErrorMessage is a terminal backend error.
type ErrorMessage struct {
	Header
	Error   string           `json:"error"`
	Details map[string]Value `json:"details,omitempty"`
}

// MsgType returns the message type.
func (m ErrorMessage) MsgType() MessageType { return MessageTypeError }

// UnknownMessage is returned for kinds this client does not recognise.
type UnknownMessage struct {
	Header
	Raw json.RawMessage `json:"-"`
}

// MsgType returns the message type as sent by the backend.
func (m UnknownMessage) MsgType() MessageType { return m.Type }

// ChatRequest starts one turn.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

// PendingApproval is an approval request awaiting a decision.
type PendingApproval struct {
	ToolID   string
	ToolName string
	ToolArgs Value
	AgentID  string
}

// Usage is the token accounting carried by a usage message.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

type decodeFunc func(data []byte) (Message, error)

func decodeAs[T Message](data []byte) (Message, error) {
	var m T
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

var canonicalKinds = map[MessageType]decodeFunc{
	MessageTypeUser:             decodeAs[UserMessage],
	MessageTypeAgent:            decodeAs[AgentMessage],
	MessageTypeSystem:           decodeAs[SystemMessage],
	MessageTypeThinking:         decodeAs[ThinkingMessage],
	MessageTypeToolCall:         decodeAs[ToolCallMessage],
	MessageTypeToolStarted:      decodeAs[ToolStartedMessage],
	MessageTypeToolResult:       decodeAs[ToolResultMessage],
	MessageTypeToolError:        decodeAs[ToolErrorMessage],
	MessageTypeApprovalRequest:  decodeAs[ApprovalRequestMessage],
	MessageTypeApprovalResponse: decodeAs[ApprovalResponseMessage],
	MessageTypeUsage:            decodeAs[UsageMessage],
	MessageTypeError:            decodeAs[ErrorMessage],
}

// Classify decodes one stream payload into its message variant. It has no
// side effects. Payloads that are not JSON objects with a string "type"
// field yield a *DecodeError. Unrecognised kinds are not an error: they
// come back as UnknownMessage so the caller can ignore or log them.
func Classify(data []byte) (Message, error) {
	if !gjson.ValidBytes(data) {
		return nil, &DecodeError{Payload: data, Err: errors.New("invalid JSON")}
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, &DecodeError{Payload: data, Err: errors.New("message is not a JSON object")}
	}
	kind := root.Get("type")
	if kind.Type != gjson.String {
		return nil, &DecodeError{Payload: data, Err: errors.New(`missing string "type" field`)}
	}

	decode, ok := canonicalKinds[MessageType(kind.Str)]
	if !ok {
		return UnknownMessage{
			Header: Header{
				Type:      MessageType(kind.Str),
				Timestamp: root.Get("timestamp").String(),
				AgentID:   root.Get("agent_id").String(),
			},
			Raw: append(json.RawMessage(nil), data...),
		}, nil
	}
	msg, err := decode(data)
	if err != nil {
		return nil, &DecodeError{Payload: data, Err: fmt.Errorf("%s: %w", kind.Str, err)}
	}
	return msg, nil
}

// KnownMessageType reports whether t is part of the canonical taxonomy.
func KnownMessageType(t MessageType) bool {
	_, ok := canonicalKinds[t]
	return ok
}
