package metagen

import (
	"errors"
	"fmt"
	"strings"
)

// ErrProtocol marks local precondition violations that indicate the client
// and backend disagree about the conversation state.
var ErrProtocol = errors.New("protocol error")

var (
	// ErrApprovalPending is returned when an approval request arrives while
	// another one is still unresolved.
	ErrApprovalPending = fmt.Errorf("%w: an approval request is already pending", ErrProtocol)

	// ErrNoPendingApproval is returned when resolving with nothing pending.
	ErrNoPendingApproval = fmt.Errorf("%w: no approval request is pending", ErrProtocol)

	// ErrApprovalInFlight is returned when a resolve is attempted while a
	// previous resolve for the same request is still being sent.
	ErrApprovalInFlight = fmt.Errorf("%w: approval response already in flight", ErrProtocol)
)

// ErrAbnormalEnd is returned when the stream closes without a final agent
// message or an error event.
var ErrAbnormalEnd = errors.New("stream ended without a final message")

// ErrCancelled is returned by a turn after Cancel.
var ErrCancelled = errors.New("turn cancelled")

// TransportError wraps failures to reach or read from the backend.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError reports a payload that could not be decoded into a message.
type DecodeError struct {
	Payload []byte
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode message: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// BackendError is an error event reported by the backend. Details are
// passed through untouched.
type BackendError struct {
	Message string
	Details map[string]Value
}

func (e *BackendError) Error() string {
	return "backend error: " + e.Message
}

// HTTPError is returned for non-2xx responses on request/response
// endpoints.
type HTTPError struct {
	StatusCode int
	Body       []byte
	// Message is the detail/error/message field of a JSON body, if any.
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
	}
	body := strings.TrimSpace(string(e.Body))
	if body == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, body)
}

// ErrApprovalNotAccepted is returned when the backend answers an approval
// response with success=false.
var ErrApprovalNotAccepted = errors.New("approval response not accepted")
