package metagen

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/metagen/metagen/sdk/metagen/sse"
)

// Outcome describes how a turn ended.
type Outcome string

const (
	// OutcomeRunning means the turn has not ended yet.
	OutcomeRunning        Outcome = ""
	OutcomeCompleted      Outcome = "completed"
	OutcomeBackendError   Outcome = "backend_error"
	OutcomeAbnormalEnd    Outcome = "abnormal_end"
	OutcomeTransportError Outcome = "transport_error"
	OutcomeDecodeError    Outcome = "decode_error"
	OutcomeProtocolError  Outcome = "protocol_error"
	OutcomeCancelled      Outcome = "cancelled"
)

// Turn is one streamed exchange: a user message and the agent's response.
// Signals are produced lazily as the caller pulls them; nothing is read
// from the connection between calls to Next.
//
// Next must be called from one goroutine at a time. Cancel and the
// accessors may be called from any goroutine.
type Turn struct {
	ctx       context.Context
	cancelCtx context.CancelFunc
	body      io.ReadCloser
	events    *sse.Decoder
	decode    Decoder
	session   *StreamSession
	approvals *ApprovalCoordinator
	logger    *Logger

	cancelled atomic.Bool
	queue     []Signal
	closeOnce sync.Once
	done      chan struct{}

	mu      sync.Mutex
	outcome Outcome
	err     error
}

func newTurn(ctx context.Context, cancel context.CancelFunc, stream *Stream, sessionID string, approvals *ApprovalCoordinator, logger *Logger) *Turn {
	decode := stream.Decode
	if decode == nil {
		decode = Classify
	}
	return &Turn{
		ctx:       ctx,
		cancelCtx: cancel,
		body:      stream.Body,
		events:    sse.NewDecoder(stream.Body),
		decode:    decode,
		session:   NewStreamSession(sessionID),
		approvals: approvals,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// Next returns the next signal. It returns io.EOF once the turn completed
// or the backend reported an error (delivered first as a fatal_error
// signal). Any other ending is returned as an error: ErrCancelled,
// ErrAbnormalEnd, *TransportError, *DecodeError or an ErrProtocol error.
// The same terminal result is returned on every later call.
func (t *Turn) Next() (Signal, error) {
	for {
		sig, ok, err := t.take()
		if err != nil {
			t.session.Reset()
			return Signal{}, err
		}
		if ok {
			return sig, nil
		}
		if outcome, err := t.result(); outcome != OutcomeRunning {
			if outcome == OutcomeCompleted || outcome == OutcomeBackendError {
				return Signal{}, io.EOF
			}
			return Signal{}, err
		}
		t.step()
	}
}

// take pops a queued signal. It holds mu so that a Cancel which has
// returned is always seen before the pop.
func (t *Turn) take() (Signal, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled.Load() {
		t.queue = nil
		return Signal{}, false, ErrCancelled
	}
	if len(t.queue) == 0 {
		return Signal{}, false, nil
	}
	sig := t.queue[0]
	t.queue = t.queue[1:]
	return sig, true, nil
}

// Signals returns the remaining signals as a lazy sequence. A clean end
// stops the sequence; any other ending is yielded once as an error.
func (t *Turn) Signals() iter.Seq2[Signal, error] {
	return func(yield func(Signal, error) bool) {
		for {
			sig, err := t.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Signal{}, err)
				return
			}
			if !yield(sig, nil) {
				return
			}
		}
	}
}

// step reads one event from the stream and queues its signals, or ends the
// turn.
func (t *Turn) step() {
	payload, err := t.events.Next()
	if t.cancelled.Load() {
		return
	}
	if err != nil {
		t.endOnReadError(err)
		return
	}

	msg, err := t.decode(payload)
	if err != nil {
		var decErr *DecodeError
		if !errors.As(err, &decErr) {
			err = &DecodeError{Payload: payload, Err: err}
		}
		t.finish(OutcomeDecodeError, err)
		return
	}
	if u, ok := msg.(UnknownMessage); ok {
		t.logger.Debug("ignoring unknown message type", "type", u.Type)
		return
	}

	for _, sig := range t.session.Apply(msg) {
		if sig.Kind == SignalApprovalNeeded {
			surface, err := t.approvals.OnApprovalRequest(t.ctx, msg.(ApprovalRequestMessage))
			if err != nil {
				t.finish(OutcomeProtocolError, err)
				return
			}
			if !surface {
				continue
			}
		}
		t.queue = append(t.queue, sig)
	}

	if t.session.Terminal() {
		if failure := t.session.Failure(); failure != nil {
			t.finish(OutcomeBackendError, failure)
		} else {
			t.finish(OutcomeCompleted, nil)
		}
	}
}

func (t *Turn) endOnReadError(err error) {
	var payloadErr *sse.PayloadError
	switch {
	case errors.Is(err, io.EOF) && t.events.Done():
		// [DONE] is an explicit end: close any open message.
		t.queue = append(t.queue, t.session.Finish()...)
		t.finish(OutcomeCompleted, nil)
	case errors.Is(err, io.EOF):
		t.logger.Warn("stream closed without a final message", "session_id", t.session.SessionID())
		t.finish(OutcomeAbnormalEnd, ErrAbnormalEnd)
	case errors.As(err, &payloadErr):
		t.finish(OutcomeDecodeError, &DecodeError{Payload: payloadErr.Payload, Err: err})
	case errors.Is(err, sse.ErrLineTooLong):
		t.finish(OutcomeDecodeError, &DecodeError{Err: err})
	case t.ctx.Err() != nil:
		t.session.Reset()
		t.finish(OutcomeCancelled, fmt.Errorf("%w: %w", ErrCancelled, t.ctx.Err()))
	default:
		t.logger.Warn("stream read failed", "session_id", t.session.SessionID(), "error", err)
		t.finish(OutcomeTransportError, &TransportError{Op: "read stream", Err: err})
	}
}

// finish records the outcome once and releases the connection.
func (t *Turn) finish(outcome Outcome, err error) {
	t.mu.Lock()
	if t.outcome != OutcomeRunning {
		t.mu.Unlock()
		return
	}
	t.outcome = outcome
	t.err = err
	t.mu.Unlock()

	t.closeOnce.Do(func() {
		t.body.Close()
		t.cancelCtx()
		close(t.done)
	})
	t.approvals.Clear()
	t.logger.Debug("turn ended", "session_id", t.session.SessionID(), "outcome", string(outcome))
}

// Cancel stops the turn. The connection is closed, no further signals are
// delivered even if already buffered, and any pending approval is dropped.
// Cancelling a finished turn has no effect.
func (t *Turn) Cancel() {
	t.mu.Lock()
	running := t.outcome == OutcomeRunning
	if running {
		t.cancelled.Store(true)
	}
	t.mu.Unlock()
	if !running {
		return
	}
	t.finish(OutcomeCancelled, ErrCancelled)
}

// Done is closed when the turn has ended.
func (t *Turn) Done() <-chan struct{} { return t.done }

// SessionID returns the conversation the turn belongs to.
func (t *Turn) SessionID() string { return t.session.SessionID() }

// Outcome returns how the turn ended, or OutcomeRunning.
func (t *Turn) Outcome() Outcome {
	o, _ := t.result()
	return o
}

// Err returns the error that ended the turn: nil while running or after a
// clean completion, *BackendError after an error event.
func (t *Turn) Err() error {
	_, err := t.result()
	return err
}

// Abnormal reports whether the stream ended without the backend saying so:
// the connection closed or failed before a final message or error event.
func (t *Turn) Abnormal() bool {
	o := t.Outcome()
	return o == OutcomeAbnormalEnd || o == OutcomeTransportError
}

func (t *Turn) result() (Outcome, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outcome, t.err
}
