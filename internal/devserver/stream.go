package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/metagen/metagen/sdk/metagen"
	"github.com/metagen/metagen/sdk/metagen/sse"
)

var errApprovalTimeout = errors.New("approval timed out")

// emitter writes protocol messages as SSE events, stamping the type,
// timestamp and agent_id fields the backend owns.
type emitter struct {
	enc    *sse.Encoder
	now    func() time.Time
	onEmit func()
}

func newEmitter(w http.ResponseWriter, now func() time.Time, onEmit func()) *emitter {
	return &emitter{enc: sse.NewEncoder(w), now: now, onEmit: onEmit}
}

func (e *emitter) emit(msg metagen.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.MsgType(), err)
	}
	if data, err = sjson.SetBytes(data, "type", string(msg.MsgType())); err != nil {
		return err
	}
	if !gjson.GetBytes(data, "timestamp").Exists() {
		if data, err = sjson.SetBytes(data, "timestamp", metagen.Timestamp(e.now())); err != nil {
			return err
		}
	}
	if !gjson.GetBytes(data, "agent_id").Exists() {
		if data, err = sjson.SetBytes(data, "agent_id", metagen.AgentIDMetagen); err != nil {
			return err
		}
	}
	if e.onEmit != nil {
		e.onEmit()
	}
	return e.enc.Encode(data)
}

// script is what a user message asks the dev agent to do.
type script struct {
	calls []metagen.ToolCall
	fail  bool
	abort bool
}

// parseScript reads keywords from the user message: "list [dir]",
// "read <file>" and "write <file> [text]" queue tool calls; "fail" ends the
// turn with an error event and "abort" drops the connection mid-reply.
func parseScript(message string) script {
	var sc script
	fields := strings.Fields(message)
	arg := func(i int) string {
		if i+1 < len(fields) {
			return strings.Trim(fields[i+1], "\"'`,")
		}
		return ""
	}

	for i, f := range fields {
		switch strings.ToLower(strings.Trim(f, ".,!?:;")) {
		case "list", "ls":
			path := arg(i)
			if path == "" || isKeyword(path) {
				path = "."
			}
			sc.calls = append(sc.calls, newCall("list_directory", metagen.Field{Key: "path", Value: metagen.StringValue(path)}))
		case "read", "show":
			if p := arg(i); p != "" && !isKeyword(p) {
				sc.calls = append(sc.calls, newCall("read_file", metagen.Field{Key: "file_path", Value: metagen.StringValue(p)}))
			}
		case "write", "create":
			p := arg(i)
			if p == "" || isKeyword(p) {
				continue
			}
			content := "hello from metagen\n"
			if i+2 < len(fields) {
				content = strings.Join(fields[i+2:], " ") + "\n"
			}
			sc.calls = append(sc.calls, newCall("write_file",
				metagen.Field{Key: "file_path", Value: metagen.StringValue(p)},
				metagen.Field{Key: "content", Value: metagen.StringValue(content)},
			))
		case "fail":
			sc.fail = true
		case "abort":
			sc.abort = true
		}
	}
	return sc
}

func isKeyword(s string) bool {
	switch strings.ToLower(s) {
	case "list", "ls", "read", "show", "write", "create", "fail", "abort", "and", "then":
		return true
	}
	return false
}

func newCall(tool string, args ...metagen.Field) metagen.ToolCall {
	return metagen.ToolCall{
		ToolID:   "toolu_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:20],
		ToolName: tool,
		ToolArgs: metagen.ObjectValue(args...),
	}
}

// runTurn streams one agent turn. It returns early when the client goes
// away.
func (s *Server) runTurn(ctx context.Context, em *emitter, req metagen.ChatRequest) error {
	if s.beginTurn(req.SessionID) {
		if err := em.emit(metagen.SystemMessage{Content: "Session " + req.SessionID + " started"}); err != nil {
			return err
		}
	}

	sc := parseScript(req.Message)
	if err := em.emit(metagen.ThinkingMessage{Content: fmt.Sprintf("Planning a reply with %d tool call(s)", len(sc.calls))}); err != nil {
		return err
	}

	if sc.fail {
		return em.emit(metagen.ErrorMessage{
			Error: "simulated failure",
			Details: map[string]metagen.Value{
				"reason":     metagen.StringValue("requested by user"),
				"session_id": metagen.StringValue(req.SessionID),
			},
		})
	}

	var notes []string
	if len(sc.calls) > 0 {
		if err := em.emit(metagen.ToolCallMessage{ToolCalls: sc.calls}); err != nil {
			return err
		}
		for _, call := range sc.calls {
			note, err := s.runTool(ctx, em, req.SessionID, call)
			if err != nil {
				return err
			}
			notes = append(notes, note)
		}
	}

	if sc.abort {
		// Close without a final chunk.
		return em.emit(metagen.AgentMessage{Content: "I was about to answer but"})
	}

	reply, err := s.responder.Reply(ctx, req.SessionID, req.Message, notes)
	if err != nil {
		s.logger.Error("responder failed", "session_id", req.SessionID, "error", err)
		return em.emit(metagen.ErrorMessage{
			Error:   err.Error(),
			Details: map[string]metagen.Value{"responder": metagen.StringValue(s.responder.Name())},
		})
	}

	if err := em.emit(metagen.UsageMessage{
		InputTokens:  reply.InputTokens,
		OutputTokens: reply.OutputTokens,
		TotalTokens:  reply.InputTokens + reply.OutputTokens,
	}); err != nil {
		return err
	}
	return s.streamText(ctx, em, reply.Text)
}

// runTool executes one call, asking for approval first when the tool is
// gated. Tool failures become tool_error events; only a dead connection is
// returned as an error.
func (s *Server) runTool(ctx context.Context, em *emitter, sessionID string, call metagen.ToolCall) (string, error) {
	tool, err := s.tools.Get(call.ToolName)
	if err != nil {
		return call.ToolName + " failed: " + err.Error(), em.emit(metagen.ToolErrorMessage{ToolID: call.ToolID, ToolName: call.ToolName, Error: err.Error()})
	}

	if tool.RequiresApproval {
		resp, err := s.awaitApproval(ctx, em, sessionID, call)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if err != nil {
			return call.ToolName + " not run: " + err.Error(), em.emit(metagen.ToolErrorMessage{ToolID: call.ToolID, ToolName: call.ToolName, Error: err.Error()})
		}
		if resp.Decision == metagen.DecisionRejected {
			msg := "rejected by user"
			if resp.Feedback != "" {
				msg += ": " + resp.Feedback
			}
			return call.ToolName + " " + msg, em.emit(metagen.ToolErrorMessage{ToolID: call.ToolID, ToolName: call.ToolName, Error: msg})
		}
	}

	if err := em.emit(metagen.ToolStartedMessage{ToolID: call.ToolID, ToolName: call.ToolName}); err != nil {
		return "", err
	}

	result, err := tool.Execute(ctx, s.ws, call.ToolArgs)
	if err != nil {
		s.logger.Debug("tool failed", "tool", call.ToolName, "error", err)
		return call.ToolName + " failed: " + err.Error(), em.emit(metagen.ToolErrorMessage{ToolID: call.ToolID, ToolName: call.ToolName, Error: err.Error()})
	}
	return call.ToolName + " returned " + result.String(), em.emit(metagen.ToolResultMessage{ToolID: call.ToolID, ToolName: call.ToolName, Result: result})
}

func (s *Server) awaitApproval(ctx context.Context, em *emitter, sessionID string, call metagen.ToolCall) (metagen.ApprovalResponseMessage, error) {
	// Register before asking so a fast client never finds nothing pending.
	ch := s.addPending(sessionID, call.ToolID)
	defer s.dropPending(sessionID, call.ToolID)

	if err := em.emit(metagen.ApprovalRequestMessage{ToolID: call.ToolID, ToolName: call.ToolName, ToolArgs: call.ToolArgs}); err != nil {
		return metagen.ApprovalResponseMessage{}, err
	}

	timer := time.NewTimer(s.cfg.ApprovalTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		s.logger.Info("approval received", "tool_id", call.ToolID, "decision", resp.Decision)
		return resp, nil
	case <-timer.C:
		return metagen.ApprovalResponseMessage{}, errApprovalTimeout
	case <-ctx.Done():
		return metagen.ApprovalResponseMessage{}, ctx.Err()
	}
}

// streamText sends text as agent chunks, the last one marked final.
func (s *Server) streamText(ctx context.Context, em *emitter, text string) error {
	runes := []rune(text)
	if len(runes) == 0 {
		return em.emit(metagen.AgentMessage{Final: true})
	}

	for i := 0; i < len(runes); i += s.cfg.ChunkSize {
		end := min(i+s.cfg.ChunkSize, len(runes))
		msg := metagen.AgentMessage{Content: string(runes[i:end]), Final: end == len(runes)}
		if err := em.emit(msg); err != nil {
			return err
		}
		if msg.Final || s.cfg.ChunkDelay <= 0 {
			continue
		}
		select {
		case <-time.After(s.cfg.ChunkDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
