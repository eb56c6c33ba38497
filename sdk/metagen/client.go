// Package metagen is a Go client for the metagen agent backend.
//
// The backend streams each chat turn as Server-Sent Events and gates some
// tool invocations behind an explicit user approval, which the client sends
// back on a separate request.
//
// Example usage:
//
//	client := metagen.NewClient("http://localhost:8080")
//	conv := client.NewConversation("")
//
//	turn, err := conv.SendMessage(ctx, "hi")
//	if err != nil {
//	    return err
//	}
//	for sig, err := range turn.Signals() {
//	    if err != nil {
//	        return err
//	    }
//	    if sig.Kind == metagen.SignalApprovalNeeded {
//	        _ = conv.ResolveApproval(ctx, metagen.DecisionApproved, "")
//	    }
//	}
package metagen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	defaultTimeout         = 30 * time.Second
	defaultApprovalTimeout = 15 * time.Second
	maxErrorBody           = 64 << 10
)

// Client talks to one backend. It holds no per-conversation state and is
// safe for concurrent use.
type Client struct {
	baseURL         string
	httpClient      *http.Client
	streamClient    *http.Client
	apiVersion      string
	headers         http.Header
	approvalTimeout time.Duration
	logger          *Logger
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets the client used for request/response endpoints. The
// stream client shares its transport but never times out.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithTimeout sets the timeout for request/response endpoints.
func WithTimeout(d time.Duration) ClientOption {
	return func(client *Client) {
		client.httpClient.Timeout = d
	}
}

// WithApprovalTimeout bounds each approval response request.
func WithApprovalTimeout(d time.Duration) ClientOption {
	return func(client *Client) {
		if d > 0 {
			client.approvalTimeout = d
		}
	}
}

// WithAPIVersion overrides the X-API-Version header value.
func WithAPIVersion(v string) ClientOption {
	return func(client *Client) {
		if v != "" {
			client.apiVersion = v
		}
	}
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) ClientOption {
	return func(client *Client) {
		client.headers.Add(key, value)
	}
}

// WithLogger sets the logger. Without it the level comes from LOG_LEVEL,
// and logging is off when that is unset.
func WithLogger(l *Logger) ClientOption {
	return func(client *Client) {
		if l != nil {
			client.logger = l
		}
	}
}

// NewClient creates a client for the backend at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		apiVersion:      APIVersion,
		headers:         make(http.Header),
		approvalTimeout: defaultApprovalTimeout,
		logger:          NewLoggerFromEnv(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.streamClient = &http.Client{Transport: c.httpClient.Transport}
	return c
}

// BaseURL returns the backend URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Logger returns the client's logger.
func (c *Client) Logger() *Logger {
	return c.logger
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(HeaderAPIVersion, c.apiVersion)
	return req, nil
}

// doRequest performs an HTTP request and decodes the JSON response.
func (c *Client) doRequest(ctx context.Context, method, path string, body, result any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	reqLog := c.logger.StartRequest(method, path)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		reqLog.Error(err)
		return &TransportError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	c.checkVersion(resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		httpErr := newHTTPError(resp)
		reqLog.Error(httpErr)
		return httpErr
	}
	reqLog.Success(resp.StatusCode)

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// checkVersion compares the backend's X-API-Version with ours. A mismatch
// is only logged.
func (c *Client) checkVersion(resp *http.Response) string {
	got := resp.Header.Get(HeaderAPIVersion)
	if got != "" && got != c.apiVersion {
		c.logger.Warn("API version mismatch",
			"expected", c.apiVersion,
			"received", got,
			"path", resp.Request.URL.Path,
		)
	}
	return got
}

func newHTTPError(resp *http.Response) *HTTPError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	e := &HTTPError{StatusCode: resp.StatusCode, Body: body}
	if gjson.ValidBytes(body) {
		for _, path := range []string{"detail", "detail.message", "error", "error.message", "message"} {
			if r := gjson.GetBytes(body, path); r.Type == gjson.String && r.Str != "" {
				e.Message = r.Str
				break
			}
		}
	}
	return e
}

// Stream is an open chat stream.
type Stream struct {
	Body io.ReadCloser
	// APIVersion is the version the backend reported, if any.
	APIVersion string
	// Decode is the message decoder selected for APIVersion.
	Decode Decoder
}

// StreamChat posts a chat request and returns the open event stream. The
// caller owns Body. Most callers want Conversation.SendMessage instead.
func (c *Client) StreamChat(ctx context.Context, chatReq ChatRequest) (*Stream, error) {
	const path = "/api/chat/stream"
	req, err := c.newRequest(ctx, http.MethodPost, path, chatReq)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	reqLog := c.logger.StartRequest(http.MethodPost, path)
	resp, err := c.streamClient.Do(req)
	if err != nil {
		reqLog.Error(err)
		return nil, &TransportError{Op: "open stream", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		httpErr := newHTTPError(resp)
		resp.Body.Close()
		reqLog.Error(httpErr)
		return nil, httpErr
	}
	reqLog.Success(resp.StatusCode)

	version := c.checkVersion(resp)
	decode, known := DecoderFor(version)
	if version != "" && !known {
		c.logger.Warn("unknown protocol version, using canonical decoder", "version", version)
	}
	return &Stream{Body: resp.Body, APIVersion: version, Decode: decode}, nil
}

// SendApprovalResponse posts msg on the approval side channel. A 2xx body
// that explicitly says success=false is reported as ErrApprovalNotAccepted.
func (c *Client) SendApprovalResponse(ctx context.Context, msg ApprovalResponseMessage) (*ApprovalAck, error) {
	msg.Type = MessageTypeApprovalResponse

	var raw json.RawMessage
	if err := c.doRequest(ctx, http.MethodPost, "/api/chat/approval-response", msg, &raw); err != nil {
		return nil, err
	}

	ack := &ApprovalAck{Success: true, ToolID: msg.ToolID, Decision: msg.Decision}
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return ack, nil
	}
	if r := gjson.GetBytes(raw, "success"); r.Exists() && !r.Bool() {
		return nil, fmt.Errorf("%w: %s", ErrApprovalNotAccepted, gjson.GetBytes(raw, "message").String())
	}
	if r := gjson.GetBytes(raw, "tool_id"); r.Type == gjson.String {
		ack.ToolID = r.Str
	}
	if r := gjson.GetBytes(raw, "decision"); r.Type == gjson.String {
		ack.Decision = ApprovalDecision(r.Str)
	}
	return ack, nil
}

// =============================================================================
// Auth
// =============================================================================

// AuthStatus reports whether the backend holds valid credentials.
func (c *Client) AuthStatus(ctx context.Context) (*AuthStatus, error) {
	var result AuthStatus
	if err := c.doRequest(ctx, http.MethodGet, "/api/auth/status", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Login starts the backend's login flow.
func (c *Client) Login(ctx context.Context, force bool) (*LoginResponse, error) {
	var result LoginResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/auth/login", LoginRequest{Force: force}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Logout drops the backend's credentials.
func (c *Client) Logout(ctx context.Context) (*LogoutResponse, error) {
	var result LogoutResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/auth/logout", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// =============================================================================
// Tools and system
// =============================================================================

// ListTools returns the tools the agent can call.
func (c *Client) ListTools(ctx context.Context) (*ToolList, error) {
	var result ToolList
	if err := c.doRequest(ctx, http.MethodGet, "/api/tools", nil, &result); err != nil {
		return nil, err
	}
	if result.Count == 0 {
		result.Count = len(result.Tools)
	}
	return &result, nil
}

// SystemInfo describes the running agent.
func (c *Client) SystemInfo(ctx context.Context) (*SystemInfo, error) {
	var result SystemInfo
	if err := c.doRequest(ctx, http.MethodGet, "/api/system/info", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Health fetches the backend's health report. The body is parsed for any
// status code so an unhealthy 503 still yields a report; use Healthy to
// decide. Non-2xx responses without a JSON body are returned as
// *HTTPError.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	const path = "/api/system/health"
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	reqLog := c.logger.StartRequest(http.MethodGet, path)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		reqLog.Error(err)
		return nil, &TransportError{Op: "GET " + path, Err: err}
	}
	defer resp.Body.Close()
	c.checkVersion(resp)
	reqLog.Success(resp.StatusCode)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return nil, &TransportError{Op: "read health body", Err: err}
	}

	var result HealthStatus
	if err := json.Unmarshal(body, &result); err != nil || result.Status == "" {
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			e := &HTTPError{StatusCode: resp.StatusCode, Body: body}
			if msg := gjson.GetBytes(body, "error"); msg.Type == gjson.String {
				e.Message = msg.Str
			}
			return nil, e
		}
		if err != nil {
			return nil, fmt.Errorf("decode health response: %w", err)
		}
	}
	result.HTTPStatus = resp.StatusCode
	return &result, nil
}

// =============================================================================
// Memory
// =============================================================================

// ClearMemory deletes the agent's stored conversation history.
func (c *Client) ClearMemory(ctx context.Context) (*MemoryClearResult, error) {
	var result MemoryClearResult
	if err := c.doRequest(ctx, http.MethodPost, "/api/memory/clear", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
