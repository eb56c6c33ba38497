package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/lipgloss"
	"github.com/urfave/cli/v2"

	"github.com/metagen/metagen/internal/config"
	"github.com/metagen/metagen/sdk/metagen"
)

var (
	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12"))

	responseStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	toolStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))

	systemStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	labelStyle = lipgloss.NewStyle().Bold(true)
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("✗ "+err.Error()))
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "metagen",
		Usage: "Chat with a metagen agent backend",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "backend",
				Aliases: []string{"b"},
				Usage:   "Backend base URL",
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to the config file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn, error or off",
			},
			&cli.BoolFlag{
				Name:  "auto-approve",
				Usage: "Approve tool requests without asking",
			},
		},
		Commands: []*cli.Command{
			chatCommand(),
			askCommand(),
			{
				Name:   "tools",
				Usage:  "List the tools the agent can use",
				Action: toolsAction,
			},
			{
				Name:  "auth",
				Usage: "Manage backend authentication",
				Subcommands: []*cli.Command{
					{Name: "status", Usage: "Show authentication status", Action: authStatusAction},
					{
						Name:  "login",
						Usage: "Log in to the model provider",
						Flags: []cli.Flag{
							&cli.BoolFlag{Name: "force", Usage: "Log in again even if already authenticated"},
						},
						Action: loginAction,
					},
					{Name: "logout", Usage: "Log out", Action: logoutAction},
				},
			},
			{
				Name:   "info",
				Usage:  "Show backend system information",
				Action: infoAction,
			},
			{
				Name:   "health",
				Usage:  "Check backend health",
				Action: healthAction,
			},
			{
				Name:  "memory",
				Usage: "Manage agent memory",
				Subcommands: []*cli.Command{
					{Name: "clear", Usage: "Delete conversation history and telemetry", Action: clearMemoryAction},
				},
			},
			serveCommand(),
		},
		Action: func(c *cli.Context) error {
			return cli.ShowAppHelp(c)
		},
	}
}

// loadConfig reads the config file and applies env and flag overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	if path == "" {
		var err error
		if path, err = config.DefaultPath(); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}

	if c.IsSet("backend") {
		cfg.BackendURL = c.String("backend")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.IsSet("auto-approve") {
		cfg.AutoApprove = c.Bool("auto-approve")
	}
	return cfg, nil
}

// newLogger builds the CLI logger. When the terminal belongs to the TUI
// logs go to a file instead of stderr.
func newLogger(cfg *config.Config, toFile bool) (*metagen.Logger, func(), error) {
	level := metagen.ParseLogLevel(cfg.LogLevel)
	if level == metagen.LevelOff {
		return metagen.Discard(), func() {}, nil
	}
	if !toFile {
		return metagen.NewLogger(level, os.Stderr), func() {}, nil
	}

	path := cfg.LogFile
	if path == "" {
		dir, err := config.Dir()
		if err != nil {
			return nil, nil, err
		}
		path = filepath.Join(dir, "metagen.log")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return metagen.NewLogger(level, f), func() { f.Close() }, nil
}

func newClient(cfg *config.Config, logger *metagen.Logger) *metagen.Client {
	opts := []metagen.ClientOption{
		metagen.WithTimeout(cfg.RequestTimeout),
		metagen.WithApprovalTimeout(cfg.ApprovalTimeout),
		metagen.WithLogger(logger),
	}
	if cfg.APIVersion != "" {
		opts = append(opts, metagen.WithAPIVersion(cfg.APIVersion))
	}
	return metagen.NewClient(cfg.BackendURL, opts...)
}

// setup is the common prelude of commands that talk to the backend.
func setup(c *cli.Context) (*config.Config, *metagen.Client, func(), error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, nil, nil, err
	}
	logger, closeLog, err := newLogger(cfg, false)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, newClient(cfg, logger), closeLog, nil
}
