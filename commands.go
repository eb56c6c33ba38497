package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/metagen/metagen/internal/devserver"
	"github.com/metagen/metagen/internal/tui"
	"github.com/metagen/metagen/sdk/metagen"
)

func chatCommand() *cli.Command {
	return &cli.Command{
		Name:  "chat",
		Usage: "Start the interactive chat",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "resume", Aliases: []string{"r"}, Usage: "Continue the last session"},
			&cli.StringFlag{Name: "session", Aliases: []string{"s"}, Usage: "Session id to use"},
		},
		Action: chatAction,
	}
}

func chatAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger, closeLog, err := newLogger(cfg, true)
	if err != nil {
		return err
	}
	defer closeLog()

	sessionID := c.String("session")
	if sessionID == "" && c.Bool("resume") {
		last := cfg.ResumableSession(time.Now())
		if last == nil {
			return errors.New("no recent session to resume")
		}
		sessionID = last.SessionID
	}

	conv := newClient(cfg, logger).NewConversation(sessionID, metagen.AutoApprove(cfg.AutoApprove))
	logger.Info("chat started", "session_id", conv.SessionID(), "backend", cfg.BackendURL)

	return tui.Run(conv,
		tui.WithBackend(cfg.BackendURL),
		tui.OnSend(func(text string) {
			if err := cfg.RememberSession(conv.SessionID(), text, time.Now()); err != nil {
				logger.Warn("failed to save session", "error", err)
			}
		}),
	)
}

func askCommand() *cli.Command {
	return &cli.Command{
		Name:      "ask",
		Usage:     "Send one message and print the streamed reply",
		ArgsUsage: "<message>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "session", Aliases: []string{"s"}, Usage: "Session id to use"},
		},
		Action: askAction,
	}
}

func askAction(c *cli.Context) error {
	text := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
	if text == "" {
		return errors.New("a message is required")
	}
	cfg, client, done, err := setup(c)
	if err != nil {
		return err
	}
	defer done()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	conv := client.NewConversation(c.String("session"), metagen.AutoApprove(cfg.AutoApprove))
	return runAsk(ctx, conv, text, os.Stdin, os.Stdout)
}

func toolsAction(c *cli.Context) error {
	_, client, done, err := setup(c)
	if err != nil {
		return err
	}
	defer done()

	list, err := client.ListTools(c.Context)
	if err != nil {
		return err
	}
	fmt.Println(labelStyle.Render(fmt.Sprintf("%d tools", list.Count)))
	for _, t := range list.Tools {
		fmt.Printf("  %s  %s\n", toolStyle.Render(t.Name), t.Description)
	}
	return nil
}

func authStatusAction(c *cli.Context) error {
	_, client, done, err := setup(c)
	if err != nil {
		return err
	}
	defer done()

	status, err := client.AuthStatus(c.Context)
	if err != nil {
		return err
	}
	if !status.Authenticated {
		fmt.Println(systemStyle.Render("Not authenticated") + statusStyle.Render(" (run `metagen auth login`)"))
		return nil
	}
	line := responseStyle.Render("Authenticated")
	if email := status.Email(); email != "" {
		line += " as " + email
	}
	if status.Provider != "" {
		line += statusStyle.Render(" via " + status.Provider)
	}
	fmt.Println(line)
	return nil
}

func loginAction(c *cli.Context) error {
	_, client, done, err := setup(c)
	if err != nil {
		return err
	}
	defer done()

	resp, err := client.Login(c.Context, c.Bool("force"))
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("login failed: %s", resp.Message)
	}
	fmt.Println(responseStyle.Render(resp.Message))
	if resp.AuthURL != "" {
		fmt.Println("Open " + promptStyle.Render(resp.AuthURL) + " to finish logging in.")
	}
	return nil
}

func logoutAction(c *cli.Context) error {
	_, client, done, err := setup(c)
	if err != nil {
		return err
	}
	defer done()

	resp, err := client.Logout(c.Context)
	if err != nil {
		return err
	}
	fmt.Println(resp.Message)
	return nil
}

func infoAction(c *cli.Context) error {
	_, client, done, err := setup(c)
	if err != nil {
		return err
	}
	defer done()

	info, err := client.SystemInfo(c.Context)
	if err != nil {
		return err
	}
	rows := [][2]string{
		{"Agent", info.AgentName},
		{"Model", info.Model},
		{"Tools", fmt.Sprintf("%d (%s)", info.ToolCount, strings.Join(info.Tools, ", "))},
		{"Memory", info.MemoryPath},
		{"Ready", fmt.Sprint(info.Initialized)},
	}
	for _, r := range rows {
		fmt.Printf("%s %s\n", labelStyle.Width(8).Render(r[0]), r[1])
	}
	return nil
}

func healthAction(c *cli.Context) error {
	_, client, done, err := setup(c)
	if err != nil {
		return err
	}
	defer done()

	health, err := client.Health(c.Context)
	if err != nil {
		return err
	}
	if !health.Healthy() {
		msg := fmt.Sprintf("backend unhealthy: %s", health.Status)
		if health.Error != "" {
			msg += " (" + health.Error + ")"
		}
		return cli.Exit(errorStyle.Render(msg), 1)
	}
	fmt.Println(responseStyle.Render("● " + health.Status))
	names := make([]string, 0, len(health.Components))
	for name := range health.Components {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v := health.Components[name]
		s, ok := v.Str()
		if !ok {
			s = v.String()
		}
		fmt.Printf("  %s %s\n", statusStyle.Render(name), s)
	}
	return nil
}

func clearMemoryAction(c *cli.Context) error {
	_, client, done, err := setup(c)
	if err != nil {
		return err
	}
	defer done()

	res, err := client.ClearMemory(c.Context)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %d conversation turns, %d telemetry spans deleted\n",
		res.Message, res.ConversationTurnsDeleted, res.TelemetrySpansDeleted)
	return nil
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the development backend",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: "127.0.0.1:8000", Usage: "Listen address"},
			&cli.StringFlag{Name: "workspace", Aliases: []string{"w"}, Usage: "Directory the tools operate in (default: current directory)"},
			&cli.BoolFlag{Name: "anthropic", Usage: "Answer with Claude (needs ANTHROPIC_API_KEY)"},
			&cli.StringFlag{Name: "model", Value: devserver.DefaultModel, Usage: "Claude model for --anthropic"},
			&cli.BoolFlag{Name: "require-auth", Usage: "Reject chats until /api/auth/login is called"},
			&cli.DurationFlag{Name: "chunk-delay", Value: 30 * time.Millisecond, Usage: "Pause between streamed chunks"},
			&cli.DurationFlag{Name: "approval-timeout", Value: 5 * time.Minute, Usage: "How long gated tools wait for a decision"},
		},
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if !c.IsSet("log-level") && cfg.LogLevel == "off" {
		cfg.LogLevel = "info"
	}
	logger, closeLog, err := newLogger(cfg, false)
	if err != nil {
		return err
	}
	defer closeLog()

	var responder devserver.Responder
	if c.Bool("anthropic") {
		r, err := devserver.NewAnthropicResponder(os.Getenv("ANTHROPIC_API_KEY"), c.String("model"))
		if err != nil {
			return err
		}
		responder = r
	}

	srv, err := devserver.New(devserver.Config{
		Workspace:       c.String("workspace"),
		Responder:       responder,
		ChunkDelay:      c.Duration("chunk-delay"),
		ApprovalTimeout: c.Duration("approval-timeout"),
		RequireAuth:     c.Bool("require-auth"),
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println(responseStyle.Render("metagen dev server") + statusStyle.Render(" on http://"+c.String("addr")))
	return srv.ListenAndServe(ctx, c.String("addr"))
}
