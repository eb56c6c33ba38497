package metagen

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ApprovalSender delivers an approval response on the side channel.
// *Client implements it.
type ApprovalSender interface {
	SendApprovalResponse(ctx context.Context, msg ApprovalResponseMessage) (*ApprovalAck, error)
}

// ApprovalOption configures an ApprovalCoordinator.
type ApprovalOption func(*ApprovalCoordinator)

// WithAutoApprove approves every request as soon as it arrives.
func WithAutoApprove(enabled bool) ApprovalOption {
	return func(a *ApprovalCoordinator) {
		a.autoApprove = enabled
	}
}

// WithSendTimeout bounds each approval response request.
func WithSendTimeout(d time.Duration) ApprovalOption {
	return func(a *ApprovalCoordinator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithApprovalLogger sets the coordinator's logger.
func WithApprovalLogger(l *Logger) ApprovalOption {
	return func(a *ApprovalCoordinator) {
		a.logger = l
	}
}

// ApprovalCoordinator tracks the single outstanding approval request of a
// session and resolves it over the side channel. It is safe for concurrent
// use: the stream reader registers requests while the UI resolves them.
type ApprovalCoordinator struct {
	sender      ApprovalSender
	sessionID   string
	timeout     time.Duration
	autoApprove bool
	logger      *Logger
	now         func() time.Time

	mu        sync.Mutex
	pending   *PendingApproval
	resolving bool
}

// NewApprovalCoordinator creates a coordinator for sessionID.
func NewApprovalCoordinator(sender ApprovalSender, sessionID string, opts ...ApprovalOption) *ApprovalCoordinator {
	a := &ApprovalCoordinator{
		sender:    sender,
		sessionID: sessionID,
		timeout:   defaultApprovalTimeout,
		logger:    Discard(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AutoApprove reports whether requests are approved without asking.
func (a *ApprovalCoordinator) AutoApprove() bool { return a.autoApprove }

// OnApprovalRequest records req as the pending approval. It fails with
// ErrApprovalPending if another request is unresolved.
//
// surface reports whether the caller must ask the user. In auto-approve
// mode the request is resolved here and surface is false, unless sending
// the approval failed, in which case the request stays pending and is
// surfaced so it can be resolved by hand.
func (a *ApprovalCoordinator) OnApprovalRequest(ctx context.Context, req ApprovalRequestMessage) (surface bool, err error) {
	a.mu.Lock()
	if a.pending != nil {
		pendingID := a.pending.ToolID
		a.mu.Unlock()
		return false, fmt.Errorf("%w (pending %s, received %s)", ErrApprovalPending, pendingID, req.ToolID)
	}
	a.pending = &PendingApproval{
		ToolID:   req.ToolID,
		ToolName: req.ToolName,
		ToolArgs: req.ToolArgs,
		AgentID:  req.AgentID,
	}
	a.mu.Unlock()

	a.logger.Debug("approval requested", "tool_id", req.ToolID, "tool_name", req.ToolName)
	if !a.autoApprove {
		return true, nil
	}

	if err := a.Resolve(ctx, DecisionApproved, ""); err != nil {
		a.logger.Warn("auto-approval failed, asking user", "tool_id", req.ToolID, "error", err)
		return true, nil
	}
	a.logger.Info("auto-approved tool", "tool_id", req.ToolID, "tool_name", req.ToolName)
	return false, nil
}

// Resolve answers the pending approval. The pending request is cleared only
// when the backend accepted the response; on any failure it is kept so the
// caller can retry.
func (a *ApprovalCoordinator) Resolve(ctx context.Context, decision ApprovalDecision, feedback string) error {
	if !decision.Valid() {
		return fmt.Errorf("invalid approval decision %q", decision)
	}

	a.mu.Lock()
	if a.pending == nil {
		a.mu.Unlock()
		return ErrNoPendingApproval
	}
	if a.resolving {
		a.mu.Unlock()
		return ErrApprovalInFlight
	}
	a.resolving = true
	p := *a.pending
	a.mu.Unlock()

	agentID := p.AgentID
	if agentID == "" {
		agentID = AgentIDUser
	}
	msg := ApprovalResponseMessage{
		Header: Header{
			Type:      MessageTypeApprovalResponse,
			Timestamp: Timestamp(a.now()),
			AgentID:   agentID,
		},
		SessionID: a.sessionID,
		ToolID:    p.ToolID,
		Decision:  decision,
		Feedback:  feedback,
	}

	sendCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	_, err := a.sender.SendApprovalResponse(sendCtx, msg)

	a.mu.Lock()
	a.resolving = false
	if err == nil && a.pending != nil && a.pending.ToolID == p.ToolID {
		a.pending = nil
	}
	a.mu.Unlock()

	if err != nil {
		return fmt.Errorf("send approval response for %s: %w", p.ToolID, err)
	}
	a.logger.Debug("approval resolved", "tool_id", p.ToolID, "decision", decision)
	return nil
}

// Pending returns the outstanding request, if any.
func (a *ApprovalCoordinator) Pending() (PendingApproval, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending == nil {
		return PendingApproval{}, false
	}
	return *a.pending, true
}

// Clear forgets the outstanding request. Used when the turn that raised it
// ends or is cancelled.
func (a *ApprovalCoordinator) Clear() {
	a.mu.Lock()
	a.pending = nil
	a.mu.Unlock()
}
