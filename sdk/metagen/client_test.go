package metagen_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metagen/metagen/sdk/metagen"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(metagen.HeaderAPIVersion, metagen.APIVersion)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestNewClient(t *testing.T) {
	client := metagen.NewClient("http://localhost:8000/")
	assert.Equal(t, "http://localhost:8000", client.BaseURL())
	assert.NotNil(t, client.Logger())

	custom := &http.Client{Timeout: 5 * time.Second}
	client = metagen.NewClient("http://x", metagen.WithHTTPClient(custom), metagen.WithTimeout(time.Second))
	assert.Equal(t, time.Second, custom.Timeout)
}

func TestDefaultLoggerFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	assert.False(t, metagen.NewClient("http://x").Logger().IsEnabled())

	t.Setenv("LOG_LEVEL", "debug")
	assert.True(t, metagen.NewClient("http://x").Logger().IsEnabled())

	var logs bytes.Buffer
	explicit := metagen.NewLogger(metagen.LevelOff, &logs)
	assert.False(t, metagen.NewClient("http://x", metagen.WithLogger(explicit)).Logger().IsEnabled())
}

func TestVersionHeader(t *testing.T) {
	got := make(chan string, 2)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Get(metagen.HeaderAPIVersion)
		w.Header().Set(metagen.HeaderAPIVersion, "9.9.9")
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"authenticated":true,"services":["anthropic"],"user_info":{"email":"a@b.c"}}`)
	}))
	defer server.Close()

	var logs bytes.Buffer
	client := metagen.NewClient(server.URL, metagen.WithLogger(metagen.NewLogger(metagen.LevelWarn, &logs)))

	status, err := client.AuthStatus(context.Background())
	require.NoError(t, err, "a version mismatch is only a warning")
	assert.True(t, status.Authenticated)
	assert.Equal(t, "a@b.c", status.Email())
	assert.Equal(t, []string{"anthropic"}, status.Services)

	assert.Equal(t, metagen.APIVersion, <-got)
	assert.Contains(t, logs.String(), "API version mismatch")
	assert.Contains(t, logs.String(), "9.9.9")

	client = metagen.NewClient(server.URL, metagen.WithAPIVersion("1.1.0"), metagen.WithHeader("Authorization", "Bearer x"))
	_, err = client.AuthStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", <-got)
}

func TestSideEndpoints(t *testing.T) {
	loginBodies := make(chan map[string]any, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		loginBodies <- body
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "open browser", "auth_url": "https://auth.example/x"})
	})
	mux.HandleFunc("POST /api/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "bye"})
	})
	mux.HandleFunc("GET /api/tools", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"tools":[{"name":"read_file","description":"Read a file","input_schema":{"type":"object","properties":{"path":{"type":"string"}}}}]}`)
	})
	mux.HandleFunc("GET /api/system/info", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"agent_name": "metagen", "model": "claude", "tools": []string{"read_file"},
			"tool_count": 1, "memory_path": "/tmp/mem", "initialized": true,
		})
	})
	mux.HandleFunc("POST /api/memory/clear", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"message": "cleared", "conversation_turns_deleted": 4, "telemetry_spans_deleted": 9})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := metagen.NewClient(server.URL)
	ctx := context.Background()

	login, err := client.Login(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, "https://auth.example/x", login.AuthURL)
	assert.Equal(t, true, (<-loginBodies)["force"])

	logout, err := client.Logout(ctx)
	require.NoError(t, err)
	assert.True(t, logout.Success)

	tools, err := client.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools.Tools, 1)
	assert.Equal(t, 1, tools.Count, "count derived when omitted")
	assert.Equal(t, []string{"type", "properties"}, tools.Tools[0].InputSchema.Keys())

	info, err := client.SystemInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, "metagen", info.AgentName)
	assert.True(t, info.Initialized)

	cleared, err := client.ClearMemory(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, cleared.ConversationTurnsDeleted)
	assert.Equal(t, 9, cleared.TelemetrySpansDeleted)
}

func TestHTTPError(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		message string
	}{
		{"detail", `{"detail":"not authenticated"}`, "not authenticated"},
		{"error", `{"error":"bad"}`, "bad"},
		{"nested", `{"error":{"message":"deep"}}`, "deep"},
		{"plain", `upstream down`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
				io.WriteString(w, tt.body)
			}))
			defer server.Close()

			_, err := metagen.NewClient(server.URL).ListTools(context.Background())
			var httpErr *metagen.HTTPError
			require.True(t, errors.As(err, &httpErr))
			assert.Equal(t, http.StatusUnauthorized, httpErr.StatusCode)
			assert.Equal(t, tt.message, httpErr.Message)
			assert.Equal(t, tt.body, string(httpErr.Body))
			assert.Contains(t, httpErr.Error(), "401")
		})
	}
}

func TestTransportError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := metagen.NewClient(url).SystemInfo(context.Background())
	var transportErr *metagen.TransportError
	assert.True(t, errors.As(err, &transportErr))
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		healthy bool
		httpErr bool
	}{
		{"healthy", http.StatusOK, `{"status":"healthy","timestamp":"2025-01-01T00:00:00Z"}`, true, false},
		{"ok", http.StatusOK, `{"status":"ok"}`, true, false},
		{"degraded body on 200", http.StatusOK, `{"status":"degraded","components":{"memory":"down"}}`, false, false},
		{"unhealthy 503 with body", http.StatusServiceUnavailable, `{"status":"unhealthy","error":"db down"}`, false, false},
		{"500 without json", http.StatusInternalServerError, `oops`, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer server.Close()

			health, err := metagen.NewClient(server.URL).Health(context.Background())
			if tt.httpErr {
				var httpErr *metagen.HTTPError
				require.True(t, errors.As(err, &httpErr))
				assert.Equal(t, tt.status, httpErr.StatusCode)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.status, health.HTTPStatus)
			assert.Equal(t, tt.healthy, health.Healthy())
		})
	}
}

func TestSendApprovalResponse(t *testing.T) {
	t.Run("body and ack", func(t *testing.T) {
		bodies := make(chan map[string]any, 1)
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/chat/approval-response", r.URL.Path)
			assert.Equal(t, http.MethodPost, r.Method)
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			bodies <- body
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "tool_id": "t1", "decision": "approved"})
		}))
		defer server.Close()

		ack, err := metagen.NewClient(server.URL).SendApprovalResponse(context.Background(), metagen.ApprovalResponseMessage{
			SessionID: "s1",
			ToolID:    "t1",
			Decision:  metagen.DecisionApproved,
		})
		require.NoError(t, err)
		assert.True(t, ack.Success)
		assert.Equal(t, "t1", ack.ToolID)

		body := <-bodies
		assert.Equal(t, "approval_response", body["type"])
		assert.Equal(t, "s1", body["session_id"])
		assert.NotContains(t, body, "feedback")
	})

	t.Run("success false", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": "no such tool"})
		}))
		defer server.Close()

		_, err := metagen.NewClient(server.URL).SendApprovalResponse(context.Background(), metagen.ApprovalResponseMessage{ToolID: "t9", Decision: metagen.DecisionApproved})
		assert.ErrorIs(t, err, metagen.ErrApprovalNotAccepted)
		assert.Contains(t, err.Error(), "no such tool")
	})

	t.Run("empty 2xx body", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))
		defer server.Close()

		ack, err := metagen.NewClient(server.URL).SendApprovalResponse(context.Background(), metagen.ApprovalResponseMessage{ToolID: "t1", Decision: metagen.DecisionRejected})
		require.NoError(t, err)
		assert.Equal(t, metagen.DecisionRejected, ack.Decision)
	})
}

func TestStreamChatHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"detail": "agent not initialized"})
	}))
	defer server.Close()

	_, err := metagen.NewClient(server.URL).StreamChat(context.Background(), metagen.ChatRequest{Message: "hi", SessionID: "s1"})
	var httpErr *metagen.HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, "agent not initialized", httpErr.Message)
}
