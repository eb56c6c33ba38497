package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values
const (
	DefaultBackendURL      = "http://localhost:8000"
	DefaultRequestTimeout  = 30 * time.Second
	DefaultApprovalTimeout = 15 * time.Second
	DefaultLogLevel        = "off"
	MaxSessionAge          = 24 * time.Hour // Older sessions are not offered for resume
)

// LastSession describes the most recently used conversation.
type LastSession struct {
	SessionID   string    `yaml:"session_id"`
	LastActive  time.Time `yaml:"last_active"`
	LastMessage string    `yaml:"last_message,omitempty"` // Truncated preview
}

// Config is the CLI configuration file.
type Config struct {
	BackendURL      string        `yaml:"backend_url"`
	APIVersion      string        `yaml:"api_version,omitempty"`
	AutoApprove     bool          `yaml:"auto_approve"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ApprovalTimeout time.Duration `yaml:"approval_timeout"`
	LogLevel        string        `yaml:"log_level"`
	LogFile         string        `yaml:"log_file,omitempty"`
	LastSession     *LastSession  `yaml:"last_session,omitempty"`

	path string
}

// Default returns a configuration with every field set to its default.
func Default() *Config {
	return &Config{
		BackendURL:      DefaultBackendURL,
		RequestTimeout:  DefaultRequestTimeout,
		ApprovalTimeout: DefaultApprovalTimeout,
		LogLevel:        DefaultLogLevel,
	}
}

// Dir returns the configuration directory path.
func Dir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".config", "metagen"), nil
}

// DefaultPath returns the path of the configuration file.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load reads the file at path. An empty path means DefaultPath. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	cfg := Default()
	cfg.path = path

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.BackendURL == "" {
		c.BackendURL = DefaultBackendURL
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.ApprovalTimeout <= 0 {
		c.ApprovalTimeout = DefaultApprovalTimeout
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
}

// ApplyEnv overrides fields from the environment. METAGEN_BACKEND_URL wins
// over BACKEND_URL.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := getenv("BACKEND_URL"); v != "" {
		c.BackendURL = v
	}
	if v := getenv("METAGEN_BACKEND_URL"); v != "" {
		c.BackendURL = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := getenv("METAGEN_AUTO_APPROVE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("METAGEN_AUTO_APPROVE: %w", err)
		}
		c.AutoApprove = b
	}
	return nil
}

// Path returns the file the configuration was loaded from.
func (c *Config) Path() string { return c.path }

// Save writes the configuration back to the file it was loaded from.
func (c *Config) Save() error {
	if c.path == "" {
		p, err := DefaultPath()
		if err != nil {
			return err
		}
		c.path = p
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// RememberSession records sessionID as the last active session. Only the
// last_session entry is written: env and flag overrides applied to c stay
// out of the file.
func (c *Config) RememberSession(sessionID, lastMessage string, now time.Time) error {
	const maxMessageLen = 200
	lastMessage = strings.TrimSpace(lastMessage)
	if r := []rune(lastMessage); len(r) > maxMessageLen {
		lastMessage = string(r[:maxMessageLen]) + "..."
	}

	last := &LastSession{
		SessionID:   sessionID,
		LastActive:  now,
		LastMessage: lastMessage,
	}

	onDisk, err := Load(c.path)
	if err != nil {
		return err
	}
	onDisk.LastSession = last
	if err := onDisk.Save(); err != nil {
		return err
	}
	c.path = onDisk.path
	c.LastSession = last
	return nil
}

// ResumableSession returns the last session if it is recent enough to
// resume, or nil.
func (c *Config) ResumableSession(now time.Time) *LastSession {
	if c.LastSession == nil || c.LastSession.SessionID == "" {
		return nil
	}
	if now.Sub(c.LastSession.LastActive) > MaxSessionAge {
		return nil
	}
	return c.LastSession
}
