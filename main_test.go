package main

import (
	"bufio"
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/metagen/metagen/internal/config"
	"github.com/metagen/metagen/internal/devserver"
	"github.com/metagen/metagen/sdk/metagen"
)

func newDevBackend(t *testing.T) (*metagen.Client, string) {
	t.Helper()
	dir := t.TempDir()
	srv, err := devserver.New(devserver.Config{Workspace: dir})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return metagen.NewClient(ts.URL), dir
}

func TestAskHello(t *testing.T) {
	client, _ := newDevBackend(t)
	var out bytes.Buffer

	err := runAsk(context.Background(), client.NewConversation("s1"), "hello", strings.NewReader(""), &out)
	require.NoError(t, err)

	assert.Contains(t, out.String(), "Session s1 started")
	assert.Contains(t, out.String(), "Hello! I'm the metagen development agent.")
	assert.Contains(t, out.String(), "tokens (")
}

func TestAskApprovalFromStdin(t *testing.T) {
	client, dir := newDevBackend(t)
	var out bytes.Buffer

	err := runAsk(context.Background(), client.NewConversation("s1"), "write a.txt yes please", strings.NewReader("y\n"), &out)
	require.NoError(t, err)

	assert.Contains(t, out.String(), "? Allow write_file")
	data, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "yes please\n", string(data))
}

func TestAskRejectWithReason(t *testing.T) {
	client, dir := newDevBackend(t)
	var out bytes.Buffer

	err := runAsk(context.Background(), client.NewConversation("s1"), "write a.txt", strings.NewReader("wrong file\n"), &out)
	require.NoError(t, err)

	assert.Contains(t, out.String(), "write_file failed: rejected by user: wrong file")
	_, err = os.Stat(filepath.Join(dir, "a.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestAskExitCodes(t *testing.T) {
	client, _ := newDevBackend(t)

	for _, message := range []string{"fail", "abort"} {
		t.Run(message, func(t *testing.T) {
			var out bytes.Buffer
			err := runAsk(context.Background(), client.NewConversation(""), message, strings.NewReader(""), &out)

			var exit cli.ExitCoder
			require.ErrorAs(t, err, &exit)
			assert.Equal(t, 1, exit.ExitCode())
		})
	}
}

func TestPromptApproval(t *testing.T) {
	req := &metagen.PendingApproval{ToolName: "write_file", ToolArgs: metagen.Null()}
	tests := []struct {
		input    string
		decision metagen.ApprovalDecision
		feedback string
	}{
		{"y\n", metagen.DecisionApproved, ""},
		{"YES\n", metagen.DecisionApproved, ""},
		{"\n", metagen.DecisionRejected, ""},
		{"n\n", metagen.DecisionRejected, ""},
		{"  not that one \n", metagen.DecisionRejected, "not that one"},
		{"", metagen.DecisionRejected, "no answer"},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		decision, feedback := promptApproval(&out, bufioScanner(tt.input), req)
		assert.Equal(t, tt.decision, decision, "input %q", tt.input)
		assert.Equal(t, tt.feedback, feedback, "input %q", tt.input)
	}
}

func bufioScanner(s string) *bufio.Scanner {
	return bufio.NewScanner(strings.NewReader(s))
}

func TestLoadConfigLayering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend_url: http://file:1\nlog_level: warn\nrequest_timeout: 5s\n"), 0644))
	t.Setenv("METAGEN_BACKEND_URL", "")
	t.Setenv("BACKEND_URL", "")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("METAGEN_AUTO_APPROVE", "")

	var got *config.Config
	app := newApp()
	app.Commands = append(app.Commands, &cli.Command{
		Name: "show-config",
		Action: func(c *cli.Context) error {
			var err error
			got, err = loadConfig(c)
			return err
		},
	})

	require.NoError(t, app.Run([]string{"metagen", "--config", path, "--backend", "http://flag:2", "--auto-approve", "show-config"}))
	require.NotNil(t, got)
	assert.Equal(t, "http://flag:2", got.BackendURL)
	assert.Equal(t, "debug", got.LogLevel)
	assert.True(t, got.AutoApprove)
	assert.Equal(t, 5*time.Second, got.RequestTimeout)
	assert.Equal(t, config.DefaultApprovalTimeout, got.ApprovalTimeout)
}

func TestFlagOverridesNotPersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	t.Setenv("METAGEN_BACKEND_URL", "")
	t.Setenv("BACKEND_URL", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("METAGEN_AUTO_APPROVE", "")

	app := newApp()
	app.Commands = append(app.Commands, &cli.Command{
		Name: "remember",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			return cfg.RememberSession("s-flagged", "hello", time.Now())
		},
	})
	require.NoError(t, app.Run([]string{"metagen", "--config", path, "--backend", "http://one-off:9999", "--auto-approve", "remember"}))

	saved, err := config.Load(path)
	require.NoError(t, err)
	assert.False(t, saved.AutoApprove)
	assert.Equal(t, config.DefaultBackendURL, saved.BackendURL)
	require.NotNil(t, saved.LastSession)
	assert.Equal(t, "s-flagged", saved.LastSession.SessionID)
}

func TestWriteDelta(t *testing.T) {
	var out bytes.Buffer
	n := writeDelta(&out, "Hé", 0)
	n = writeDelta(&out, "Héllo", n)
	n = writeDelta(&out, "Héllo", n)
	assert.Equal(t, 5, n)
	assert.Equal(t, "Héllo", out.String())
}
