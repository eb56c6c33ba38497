package metagen

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ConversationOption configures a Conversation.
type ConversationOption func(*conversationConfig)

type conversationConfig struct {
	autoApprove bool
}

// AutoApprove approves every tool request without asking.
func AutoApprove(enabled bool) ConversationOption {
	return func(c *conversationConfig) {
		c.autoApprove = enabled
	}
}

// Conversation is one session with the agent. At most one turn is in
// flight: sending a message cancels the previous turn first.
type Conversation struct {
	client    *Client
	sessionID string
	approvals *ApprovalCoordinator
	logger    *Logger

	sendMu sync.Mutex // serializes SendMessage

	mu      sync.Mutex
	turn    *Turn
	opening context.CancelFunc // set while the stream request is in flight
}

// NewConversation starts or resumes the session sessionID. An empty id
// starts a new session with a random one.
func (c *Client) NewConversation(sessionID string, opts ...ConversationOption) *Conversation {
	var cfg conversationConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	logger := c.logger.With("session_id", sessionID)
	return &Conversation{
		client:    c,
		sessionID: sessionID,
		logger:    logger,
		approvals: NewApprovalCoordinator(c, sessionID,
			WithAutoApprove(cfg.autoApprove),
			WithSendTimeout(c.approvalTimeout),
			WithApprovalLogger(logger),
		),
	}
}

// SessionID returns the session id sent with every message.
func (cv *Conversation) SessionID() string { return cv.sessionID }

// SendMessage sends text and returns the turn streaming the response. A
// turn still in flight is cancelled, and its connection closed, before the
// new request is made. ctx bounds the whole turn.
func (cv *Conversation) SendMessage(ctx context.Context, text string) (*Turn, error) {
	// Also aborts a send whose stream is still opening.
	cv.Cancel()

	cv.sendMu.Lock()
	defer cv.sendMu.Unlock()

	turnCtx, cancel := context.WithCancel(ctx)

	cv.mu.Lock()
	prev := cv.turn
	cv.turn = nil
	cv.opening = cancel
	cv.mu.Unlock()

	if prev != nil {
		prev.Cancel()
	}
	cv.approvals.Clear()

	stream, err := cv.client.StreamChat(turnCtx, ChatRequest{Message: text, SessionID: cv.sessionID})

	cv.mu.Lock()
	cv.opening = nil
	cv.mu.Unlock()

	if turnCtx.Err() != nil {
		if stream != nil {
			stream.Body.Close()
		}
		cancel()
		return nil, fmt.Errorf("%w: %w", ErrCancelled, turnCtx.Err())
	}
	if err != nil {
		cancel()
		return nil, err
	}
	if stream.APIVersion != "" && !VersionsCompatible(stream.APIVersion, APIVersion) {
		cv.logger.Warn("backend protocol major version differs", "backend", stream.APIVersion, "client", APIVersion)
	}

	turn := newTurn(turnCtx, cancel, stream, cv.sessionID, cv.approvals, cv.logger)
	cv.mu.Lock()
	cv.turn = turn
	cv.mu.Unlock()
	return turn, nil
}

// ResolveApproval answers the pending approval request. It fails with
// ErrNoPendingApproval when nothing is pending. If sending fails the
// request stays pending and ResolveApproval may be called again.
func (cv *Conversation) ResolveApproval(ctx context.Context, decision ApprovalDecision, feedback string) error {
	return cv.approvals.Resolve(ctx, decision, feedback)
}

// PendingApproval returns the request awaiting a decision, if any.
func (cv *Conversation) PendingApproval() (PendingApproval, bool) {
	return cv.approvals.Pending()
}

// AutoApprove reports whether tool requests are approved without asking.
func (cv *Conversation) AutoApprove() bool {
	return cv.approvals.AutoApprove()
}

// Cancel stops the turn in flight, if any. It does not wait for a stream
// that is still opening; the pending SendMessage returns ErrCancelled.
func (cv *Conversation) Cancel() {
	cv.mu.Lock()
	turn, opening := cv.turn, cv.opening
	cv.mu.Unlock()
	if opening != nil {
		opening()
	}
	if turn != nil {
		turn.Cancel()
	}
}

// Current returns the most recent turn, or nil.
func (cv *Conversation) Current() *Turn {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	return cv.turn
}
