package devserver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// DefaultModel is used by the Anthropic responder when none is configured.
const DefaultModel = "claude-sonnet-4-5-20250929"

// Reply is the agent's answer to one user message.
type Reply struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// Responder writes the agent's text for a turn. toolNotes summarises the
// tools that ran before the reply.
type Responder interface {
	Name() string
	Reply(ctx context.Context, sessionID, message string, toolNotes []string) (Reply, error)
	// Forget drops any history kept for sessionID, or for every session
	// when sessionID is empty. It returns the number of turns dropped.
	Forget(sessionID string) int
}

// CannedResponder answers from a fixed set of replies chosen by keyword.
type CannedResponder struct {
	mu    sync.Mutex
	turns map[string]int
}

// NewCannedResponder creates a responder that needs no network.
func NewCannedResponder() *CannedResponder {
	return &CannedResponder{turns: make(map[string]int)}
}

// Name implements Responder.
func (c *CannedResponder) Name() string { return "canned" }

// Reply implements Responder.
func (c *CannedResponder) Reply(ctx context.Context, sessionID, message string, toolNotes []string) (Reply, error) {
	c.mu.Lock()
	c.turns[sessionID]++
	c.mu.Unlock()

	text := cannedText(message)
	if len(toolNotes) > 0 {
		text = "Here is what the tools reported:\n\n- " + strings.Join(toolNotes, "\n- ") + "\n\n" + text
	}
	words := len(strings.Fields(message))
	return Reply{Text: text, InputTokens: words, OutputTokens: len(strings.Fields(text))}, nil
}

// Forget implements Responder.
func (c *CannedResponder) Forget(sessionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sessionID != "" {
		n := c.turns[sessionID]
		delete(c.turns, sessionID)
		return n
	}
	n := 0
	for _, v := range c.turns {
		n += v
	}
	c.turns = make(map[string]int)
	return n
}

func cannedText(userMessage string) string {
	lowerMsg := strings.ToLower(userMessage)

	switch {
	case containsWord(lowerMsg, "hello", "hi", "hey"):
		return "Hello! I'm the metagen development agent. I can:\n\n- List files in the workspace\n- Read files\n- Write files (after you approve)\n\nWhat would you like to work on?"
	case containsWord(lowerMsg, "write", "create"):
		return "Done. Let me know if you want the file changed."
	case containsWord(lowerMsg, "read", "show"):
		return "That's the file content. Want me to explain any part of it?"
	case containsWord(lowerMsg, "list", "ls"):
		return "Those are the files I can see in the workspace."
	}
	return "I understand your request. Try asking me to **list** the workspace, **read** a file or **write** one."
}

func containsWord(s string, words ...string) bool {
	for _, f := range strings.FieldsFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_')
	}) {
		for _, w := range words {
			if f == w {
				return true
			}
		}
	}
	return false
}

// AnthropicResponder answers with a Claude model, keeping per-session
// history in memory.
type AnthropicResponder struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64

	mu      sync.Mutex
	history map[string][]anthropic.MessageParam
}

// NewAnthropicResponder creates a responder using apiKey. An empty model
// selects DefaultModel.
func NewAnthropicResponder(apiKey, model string, opts ...option.RequestOption) (*AnthropicResponder, error) {
	if apiKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY is required for the anthropic responder")
	}
	if model == "" {
		model = DefaultModel
	}
	return &AnthropicResponder{
		client:    anthropic.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)...),
		model:     anthropic.Model(model),
		maxTokens: 4096,
		history:   make(map[string][]anthropic.MessageParam),
	}, nil
}

// Name implements Responder.
func (a *AnthropicResponder) Name() string { return "anthropic:" + string(a.model) }

// Reply implements Responder.
func (a *AnthropicResponder) Reply(ctx context.Context, sessionID, message string, toolNotes []string) (Reply, error) {
	prompt := message
	if len(toolNotes) > 0 {
		prompt += "\n\nTool results:\n" + strings.Join(toolNotes, "\n")
	}

	a.mu.Lock()
	messages := append([]anthropic.MessageParam(nil), a.history[sessionID]...)
	a.mu.Unlock()
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)))

	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		Messages:  messages,
	})
	if err != nil {
		return Reply{}, fmt.Errorf("anthropic: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return Reply{}, errors.New("anthropic: empty response")
	}

	a.mu.Lock()
	a.history[sessionID] = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(text.String())))
	a.mu.Unlock()

	return Reply{
		Text:         text.String(),
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}, nil
}

// Forget implements Responder.
func (a *AnthropicResponder) Forget(sessionID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if sessionID != "" {
		n := len(a.history[sessionID]) / 2
		delete(a.history, sessionID)
		return n
	}
	n := 0
	for _, h := range a.history {
		n += len(h) / 2
	}
	a.history = make(map[string][]anthropic.MessageParam)
	return n
}
