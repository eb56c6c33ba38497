package metagen_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metagen/metagen/sdk/metagen"
	"github.com/metagen/metagen/sdk/metagen/sse"
)

// streamServer is a scripted backend. Each chat request is handed to the
// script, which writes events and may wait on the approval side channel.
type streamServer struct {
	server    *httptest.Server
	requests  chan metagen.ChatRequest
	approvals chan map[string]any
	script    func(w http.ResponseWriter, r *http.Request, enc *sse.Encoder)
}

func newStreamServer(t *testing.T, script func(w http.ResponseWriter, r *http.Request, enc *sse.Encoder)) *streamServer {
	t.Helper()
	ss := &streamServer{
		requests:  make(chan metagen.ChatRequest, 8),
		approvals: make(chan map[string]any, 8),
		script:    script,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat/stream", func(w http.ResponseWriter, r *http.Request) {
		var req metagen.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ss.requests <- req
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set(metagen.HeaderAPIVersion, metagen.APIVersion)
		w.WriteHeader(http.StatusOK)
		ss.script(w, r, sse.NewEncoder(w))
	})
	mux.HandleFunc("POST /api/chat/approval-response", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		ss.approvals <- body
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "tool_id": body["tool_id"], "decision": body["decision"]})
	})

	ss.server = httptest.NewServer(mux)
	t.Cleanup(ss.server.Close)
	return ss
}

func (ss *streamServer) client() *metagen.Client {
	return metagen.NewClient(ss.server.URL)
}

func send(enc *sse.Encoder, events ...string) {
	for _, e := range events {
		enc.Encode([]byte(e))
	}
}

func collect(t *testing.T, turn *metagen.Turn) ([]metagen.Signal, error) {
	t.Helper()
	var sigs []metagen.Signal
	for sig, err := range turn.Signals() {
		if err != nil {
			return sigs, err
		}
		sigs = append(sigs, sig)
	}
	return sigs, nil
}

func TestConversationHello(t *testing.T) {
	ss := newStreamServer(t, func(w http.ResponseWriter, r *http.Request, enc *sse.Encoder) {
		send(enc,
			`{"type":"agent","content":"Hel"}`,
			`{"type":"agent","content":"lo","final":true}`,
		)
	})

	conv := ss.client().NewConversation("s1")
	turn, err := conv.SendMessage(context.Background(), "hi")
	require.NoError(t, err)

	sigs, err := collect(t, turn)
	require.NoError(t, err)

	req := <-ss.requests
	assert.Equal(t, metagen.ChatRequest{Message: "hi", SessionID: "s1"}, req)

	require.Len(t, sigs, 3)
	assert.Equal(t, metagen.SignalMessageStarted, sigs[0].Kind)
	assert.Equal(t, "Hel", sigs[0].Content)
	assert.Equal(t, metagen.SignalMessageUpdated, sigs[1].Kind)
	assert.Equal(t, "Hello", sigs[1].Content)
	assert.Equal(t, metagen.SignalMessageFinalized, sigs[2].Kind)
	assert.Equal(t, "Hello", sigs[2].Content)

	assert.Equal(t, metagen.OutcomeCompleted, turn.Outcome())
	assert.NoError(t, turn.Err())
	assert.False(t, turn.Abnormal())

	_, err = turn.Next()
	assert.ErrorIs(t, err, io.EOF, "terminal result repeats")
	select {
	case <-turn.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestConversationApprovalReject(t *testing.T) {
	seen := make(chan map[string]any, 1)
	var ss *streamServer
	ss = newStreamServer(t, func(w http.ResponseWriter, r *http.Request, enc *sse.Encoder) {
		send(enc, `{"type":"approval_request","tool_id":"t1","tool_name":"delete_file","tool_args":{"path":"/x"}}`)
		select {
		case body := <-ss.approvals:
			seen <- body
			send(enc,
				fmt.Sprintf(`{"type":"tool_error","tool_id":"t1","tool_name":"delete_file","error":"rejected: %s"}`, body["feedback"]),
				`{"type":"agent","content":"Okay, I won't.","final":true}`,
			)
		case <-r.Context().Done():
		}
	})

	conv := ss.client().NewConversation("s1")
	turn, err := conv.SendMessage(context.Background(), "clean up")
	require.NoError(t, err)

	sig, err := turn.Next()
	require.NoError(t, err)
	require.Equal(t, metagen.SignalApprovalNeeded, sig.Kind)
	assert.Equal(t, "t1", sig.Approval.ToolID)
	assert.Equal(t, "delete_file", sig.Approval.ToolName)
	assert.Equal(t, `{"path":"/x"}`, sig.Approval.ToolArgs.String())

	pending, ok := conv.PendingApproval()
	require.True(t, ok)
	assert.Equal(t, "t1", pending.ToolID)

	require.NoError(t, conv.ResolveApproval(context.Background(), metagen.DecisionRejected, "too risky"))
	_, ok = conv.PendingApproval()
	assert.False(t, ok, "pending cleared on 2xx")

	body := <-seen
	assert.Equal(t, "t1", body["tool_id"])
	assert.Equal(t, "rejected", body["decision"])
	assert.Equal(t, "too risky", body["feedback"])
	assert.Equal(t, "s1", body["session_id"])
	assert.Equal(t, "USER", body["agent_id"])
	assert.Equal(t, "approval_response", body["type"])

	rest, err := collect(t, turn)
	require.NoError(t, err)
	require.Len(t, rest, 3)
	assert.Equal(t, metagen.SignalToolError, rest[0].Kind)
	assert.Equal(t, "rejected: too risky", rest[0].Content)
	assert.Equal(t, metagen.SignalMessageStarted, rest[1].Kind)
	assert.Equal(t, metagen.SignalMessageFinalized, rest[2].Kind)
	assert.Equal(t, metagen.OutcomeCompleted, turn.Outcome())
}

func TestConversationToolCallBatch(t *testing.T) {
	ss := newStreamServer(t, func(w http.ResponseWriter, r *http.Request, enc *sse.Encoder) {
		send(enc,
			`{"type":"tool_call","tool_calls":[{"tool_id":"t1","tool_name":"search","tool_args":{"q":"x"}},{"tool_id":"t2","tool_name":"search","tool_args":{"q":"y"}}]}`,
			`{"type":"agent","content":"done","final":true}`,
		)
	})

	turn, err := ss.client().NewConversation("s1").SendMessage(context.Background(), "search")
	require.NoError(t, err)
	sigs, err := collect(t, turn)
	require.NoError(t, err)

	var calls []string
	for _, sig := range sigs {
		if sig.Kind == metagen.SignalToolCall {
			calls = append(calls, sig.ToolCall.ToolID)
		}
	}
	assert.Equal(t, []string{"t1", "t2"}, calls)
}

func TestConversationConnectionReset(t *testing.T) {
	reset := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, buf, err := w.(http.Hijacker).Hijack()
		if err != nil {
			return
		}
		defer conn.Close()

		chunk := "data: {\"type\":\"agent\",\"content\":\"Hel\"}\n\n"
		fmt.Fprintf(buf, "HTTP/1.1 200 OK\r\nContent-Type: text/event-stream\r\nTransfer-Encoding: chunked\r\n\r\n")
		fmt.Fprintf(buf, "%x\r\n%s\r\n", len(chunk), chunk)
		buf.Flush()

		<-reset
		if tcp, ok := conn.(*net.TCPConn); ok {
			tcp.SetLinger(0)
		}
	}))
	defer server.Close()

	turn, err := metagen.NewClient(server.URL).NewConversation("s1").SendMessage(context.Background(), "hi")
	require.NoError(t, err)

	sig, err := turn.Next()
	require.NoError(t, err)
	assert.Equal(t, metagen.SignalMessageStarted, sig.Kind)

	close(reset)
	_, err = turn.Next()
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
	assert.True(t, turn.Abnormal())

	var backendErr *metagen.BackendError
	assert.False(t, errors.As(turn.Err(), &backendErr))
}

func TestConversationCloseWithoutFinal(t *testing.T) {
	ss := newStreamServer(t, func(w http.ResponseWriter, r *http.Request, enc *sse.Encoder) {
		send(enc, `{"type":"agent","content":"trunc"}`)
	})

	turn, err := ss.client().NewConversation("s1").SendMessage(context.Background(), "hi")
	require.NoError(t, err)

	sigs, err := collect(t, turn)
	assert.ErrorIs(t, err, metagen.ErrAbnormalEnd)
	assert.Len(t, sigs, 1)
	assert.Equal(t, metagen.OutcomeAbnormalEnd, turn.Outcome())
	assert.True(t, turn.Abnormal())
}

func TestConversationDoneSentinel(t *testing.T) {
	ss := newStreamServer(t, func(w http.ResponseWriter, r *http.Request, enc *sse.Encoder) {
		send(enc, `{"type":"agent","content":"legacy"}`)
		enc.Done()
		send(enc, `{"type":"agent","content":"ignored","final":true}`)
	})

	turn, err := ss.client().NewConversation("s1").SendMessage(context.Background(), "hi")
	require.NoError(t, err)

	sigs, err := collect(t, turn)
	require.NoError(t, err)
	require.Len(t, sigs, 2)
	assert.Equal(t, metagen.SignalMessageFinalized, sigs[1].Kind)
	assert.Equal(t, "legacy", sigs[1].Content)
	assert.Equal(t, metagen.OutcomeCompleted, turn.Outcome())
}

func TestConversationBackendError(t *testing.T) {
	ss := newStreamServer(t, func(w http.ResponseWriter, r *http.Request, enc *sse.Encoder) {
		send(enc,
			`{"type":"thinking","content":"..."}`,
			`{"type":"usage","input_tokens":1,"output_tokens":0,"total_tokens":1}`,
			`{"type":"error","error":"model overloaded","details":{"code":529}}`,
			`{"type":"agent","content":"never seen","final":true}`,
		)
	})

	turn, err := ss.client().NewConversation("s1").SendMessage(context.Background(), "hi")
	require.NoError(t, err)

	sigs, err := collect(t, turn)
	require.NoError(t, err, "backend errors arrive as a signal")
	require.Len(t, sigs, 3)
	assert.Equal(t, metagen.SignalFatalError, sigs[2].Kind)
	assert.Equal(t, "model overloaded", sigs[2].Content)

	var backendErr *metagen.BackendError
	require.True(t, errors.As(turn.Err(), &backendErr))
	assert.Equal(t, "529", backendErr.Details["code"].String())
	assert.Equal(t, metagen.OutcomeBackendError, turn.Outcome())
	assert.False(t, turn.Abnormal())
}

func TestConversationMalformedEvent(t *testing.T) {
	ss := newStreamServer(t, func(w http.ResponseWriter, r *http.Request, enc *sse.Encoder) {
		send(enc, `{"type":"agent","content":"ok"}`)
		io.WriteString(w, "data: {not json\n\n")
	})

	turn, err := ss.client().NewConversation("s1").SendMessage(context.Background(), "hi")
	require.NoError(t, err)

	_, err = collect(t, turn)
	var decErr *metagen.DecodeError
	require.True(t, errors.As(err, &decErr))
	assert.Equal(t, metagen.OutcomeDecodeError, turn.Outcome())
	assert.False(t, turn.Abnormal())
}

func TestConversationUnknownEventsIgnored(t *testing.T) {
	ss := newStreamServer(t, func(w http.ResponseWriter, r *http.Request, enc *sse.Encoder) {
		enc.Comment("keepalive")
		send(enc,
			`{"type":"heartbeat"}`,
			`{"type":"agent","content":"hi","final":true}`,
		)
	})

	turn, err := ss.client().NewConversation("s1").SendMessage(context.Background(), "hi")
	require.NoError(t, err)
	sigs, err := collect(t, turn)
	require.NoError(t, err)
	assert.Len(t, sigs, 2)
}

func TestConversationSecondApprovalIsProtocolError(t *testing.T) {
	ss := newStreamServer(t, func(w http.ResponseWriter, r *http.Request, enc *sse.Encoder) {
		send(enc,
			`{"type":"approval_request","tool_id":"t1","tool_name":"write_file","tool_args":{}}`,
			`{"type":"approval_request","tool_id":"t2","tool_name":"write_file","tool_args":{}}`,
		)
		<-r.Context().Done()
	})

	turn, err := ss.client().NewConversation("s1").SendMessage(context.Background(), "hi")
	require.NoError(t, err)

	sigs, err := collect(t, turn)
	assert.ErrorIs(t, err, metagen.ErrApprovalPending)
	assert.ErrorIs(t, err, metagen.ErrProtocol)
	require.Len(t, sigs, 1)
	assert.Equal(t, metagen.OutcomeProtocolError, turn.Outcome())
}

func TestConversationAutoApprove(t *testing.T) {
	var ss *streamServer
	ss = newStreamServer(t, func(w http.ResponseWriter, r *http.Request, enc *sse.Encoder) {
		send(enc, `{"type":"approval_request","tool_id":"t1","tool_name":"write_file","tool_args":{"path":"a"},"agent_id":"METAGEN"}`)
		select {
		case <-ss.approvals:
			send(enc,
				`{"type":"tool_result","tool_id":"t1","tool_name":"write_file","result":{"written":1}}`,
				`{"type":"agent","content":"wrote it","final":true}`,
			)
		case <-r.Context().Done():
		}
	})

	conv := ss.client().NewConversation("s1", metagen.AutoApprove(true))
	assert.True(t, conv.AutoApprove())
	turn, err := conv.SendMessage(context.Background(), "write")
	require.NoError(t, err)

	sigs, err := collect(t, turn)
	require.NoError(t, err)
	for _, sig := range sigs {
		assert.NotEqual(t, metagen.SignalApprovalNeeded, sig.Kind)
	}
	assert.Equal(t, metagen.SignalToolResult, sigs[0].Kind)
	assert.Equal(t, `{"written":1}`, sigs[0].Content)
}

func TestConversationApprovalSendFailureRetry(t *testing.T) {
	var attempts atomic.Int32
	results := make(chan int, 4)
	proceed := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/chat/approval-response":
			if attempts.Add(1) == 1 {
				results <- http.StatusBadGateway
				writeJSON(w, http.StatusBadGateway, map[string]any{"detail": "backend busy"})
				return
			}
			results <- http.StatusOK
			writeJSON(w, http.StatusOK, map[string]any{"success": true})
			close(proceed)
		case "/api/chat/stream":
			w.Header().Set("Content-Type", "text/event-stream")
			enc := sse.NewEncoder(w)
			send(enc, `{"type":"approval_request","tool_id":"t1","tool_name":"write_file","tool_args":{}}`)
			select {
			case <-proceed:
				send(enc, `{"type":"agent","content":"done","final":true}`)
			case <-r.Context().Done():
			}
		}
	}))
	defer server.Close()

	conv := metagen.NewClient(server.URL).NewConversation("s1")
	turn, err := conv.SendMessage(context.Background(), "write")
	require.NoError(t, err)

	sig, err := turn.Next()
	require.NoError(t, err)
	require.Equal(t, metagen.SignalApprovalNeeded, sig.Kind)

	err = conv.ResolveApproval(context.Background(), metagen.DecisionApproved, "")
	var httpErr *metagen.HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusBadGateway, <-results)

	_, ok := conv.PendingApproval()
	require.True(t, ok, "failed send keeps the approval pending")

	require.NoError(t, conv.ResolveApproval(context.Background(), metagen.DecisionApproved, ""))
	assert.Equal(t, http.StatusOK, <-results)

	sigs, err := collect(t, turn)
	require.NoError(t, err)
	assert.Equal(t, metagen.SignalMessageFinalized, sigs[len(sigs)-1].Kind)
}

func TestConversationResolveWithoutPending(t *testing.T) {
	conv := metagen.NewClient("http://127.0.0.1:1").NewConversation("")
	assert.NotEmpty(t, conv.SessionID())
	err := conv.ResolveApproval(context.Background(), metagen.DecisionApproved, "")
	assert.ErrorIs(t, err, metagen.ErrNoPendingApproval)
}

func TestConversationCancelMidStream(t *testing.T) {
	disconnected := make(chan struct{})
	ss := newStreamServer(t, func(w http.ResponseWriter, r *http.Request, enc *sse.Encoder) {
		// Several events in one flush so some are buffered client side.
		bw := bufio.NewWriter(w)
		for i := 0; i < 20; i++ {
			fmt.Fprintf(bw, "data: {\"type\":\"agent\",\"content\":\"%d \"}\n\n", i)
		}
		bw.Flush()
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		close(disconnected)
	})

	conv := ss.client().NewConversation("s1")
	turn, err := conv.SendMessage(context.Background(), "count")
	require.NoError(t, err)

	sig, err := turn.Next()
	require.NoError(t, err)
	assert.Equal(t, metagen.SignalMessageStarted, sig.Kind)

	conv.Cancel()

	_, err = turn.Next()
	assert.ErrorIs(t, err, metagen.ErrCancelled)
	_, err = turn.Next()
	assert.ErrorIs(t, err, metagen.ErrCancelled, "no signals after cancel")
	assert.Equal(t, metagen.OutcomeCancelled, turn.Outcome())
	assert.False(t, turn.Abnormal())

	select {
	case <-disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("connection was not closed")
	}
}

func TestConversationSingleFlight(t *testing.T) {
	firstClosed := make(chan struct{})
	var calls atomic.Int32
	ss := newStreamServer(t, func(w http.ResponseWriter, r *http.Request, enc *sse.Encoder) {
		if calls.Add(1) == 1 {
			send(enc, `{"type":"agent","content":"slow"}`)
			<-r.Context().Done()
			close(firstClosed)
			return
		}
		send(enc, `{"type":"agent","content":"second","final":true}`)
	})

	conv := ss.client().NewConversation("s1")
	first, err := conv.SendMessage(context.Background(), "one")
	require.NoError(t, err)
	_, err = first.Next()
	require.NoError(t, err)

	second, err := conv.SendMessage(context.Background(), "two")
	require.NoError(t, err)
	assert.Equal(t, metagen.OutcomeCancelled, first.Outcome(), "previous turn cancelled before the new request")
	assert.Same(t, second, conv.Current())

	select {
	case <-firstClosed:
	case <-time.After(5 * time.Second):
		t.Fatal("first stream still open")
	}

	sigs, err := collect(t, second)
	require.NoError(t, err)
	assert.Equal(t, "second", sigs[len(sigs)-1].Content)

	_, err = first.Next()
	assert.ErrorIs(t, err, metagen.ErrCancelled)
}

func TestConversationParentContextCancelled(t *testing.T) {
	ss := newStreamServer(t, func(w http.ResponseWriter, r *http.Request, enc *sse.Encoder) {
		send(enc, `{"type":"agent","content":"x"}`)
		<-r.Context().Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	turn, err := ss.client().NewConversation("s1").SendMessage(ctx, "hi")
	require.NoError(t, err)
	_, err = turn.Next()
	require.NoError(t, err)

	cancel()
	_, err = turn.Next()
	assert.ErrorIs(t, err, metagen.ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, metagen.OutcomeCancelled, turn.Outcome())
}

func TestCancelWhileStreamOpening(t *testing.T) {
	arrived := make(chan struct{})
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat/stream", func(w http.ResponseWriter, r *http.Request) {
		close(arrived)
		// Headers are held back until the test ends or the client goes away.
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	t.Cleanup(func() { close(release) })

	conv := metagen.NewClient(server.URL).NewConversation("s1")
	errc := make(chan error, 1)
	go func() {
		_, err := conv.SendMessage(context.Background(), "hello")
		errc <- err
	}()
	<-arrived

	cancelled := make(chan struct{})
	go func() {
		conv.Cancel()
		close(cancelled)
	}()
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("Cancel blocked while the stream was opening")
	}

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, metagen.ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("SendMessage did not return after Cancel")
	}
	assert.Nil(t, conv.Current())
}

func TestSendSupersedesOpeningSend(t *testing.T) {
	var calls atomic.Int32
	arrived := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat/stream", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			close(arrived)
			<-r.Context().Done()
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		send(sse.NewEncoder(w), `{"type":"agent","content":"second","final":true}`)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	conv := metagen.NewClient(server.URL).NewConversation("s1")
	firstErr := make(chan error, 1)
	go func() {
		_, err := conv.SendMessage(context.Background(), "one")
		firstErr <- err
	}()
	<-arrived

	second, err := conv.SendMessage(context.Background(), "two")
	require.NoError(t, err)
	assert.ErrorIs(t, <-firstErr, metagen.ErrCancelled)

	sigs, err := collect(t, second)
	require.NoError(t, err)
	assert.Equal(t, "second", sigs[len(sigs)-1].Content)
	assert.Same(t, second, conv.Current())
}
