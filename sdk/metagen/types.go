package metagen

// AuthStatus is returned by GET /api/auth/status.
type AuthStatus struct {
	Authenticated bool             `json:"authenticated"`
	UserInfo      map[string]Value `json:"user_info,omitempty"`
	Services      []string         `json:"services"`
	Provider      string           `json:"provider,omitempty"`
}

// Email returns user_info.email when present.
func (s AuthStatus) Email() string {
	if v, ok := s.UserInfo["email"]; ok {
		if email, ok := v.Str(); ok {
			return email
		}
	}
	return ""
}

// LoginRequest is the body of POST /api/auth/login.
type LoginRequest struct {
	Force bool `json:"force,omitempty"`
}

// LoginResponse is returned by POST /api/auth/login. When the backend needs
// a browser round trip AuthURL is set.
type LoginResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	AuthURL string `json:"auth_url,omitempty"`
	Status  Value  `json:"status,omitempty"`
}

// LogoutResponse is returned by POST /api/auth/logout.
type LogoutResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ToolInfo describes one tool the agent can call.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema Value  `json:"input_schema"`
}

// ToolList is returned by GET /api/tools.
type ToolList struct {
	Tools []ToolInfo `json:"tools"`
	Count int        `json:"count"`
}

// SystemInfo is returned by GET /api/system/info.
type SystemInfo struct {
	AgentName   string   `json:"agent_name"`
	Model       string   `json:"model"`
	Tools       []string `json:"tools"`
	ToolCount   int      `json:"tool_count"`
	MemoryPath  string   `json:"memory_path"`
	Initialized bool     `json:"initialized"`
}

// HealthStatus is returned by GET /api/system/health.
type HealthStatus struct {
	Status     string           `json:"status"`
	Components map[string]Value `json:"components,omitempty"`
	Error      string           `json:"error,omitempty"`
	Timestamp  string           `json:"timestamp,omitempty"`

	// HTTPStatus is the response status code; it is not part of the body.
	HTTPStatus int `json:"-"`
}

// Healthy reports whether the backend considers itself healthy: a 2xx
// response whose body status is "healthy" or "ok".
func (h HealthStatus) Healthy() bool {
	if h.HTTPStatus < 200 || h.HTTPStatus > 299 {
		return false
	}
	return h.Status == "healthy" || h.Status == "ok"
}

// MemoryClearResult is returned by POST /api/memory/clear.
type MemoryClearResult struct {
	Message                  string `json:"message"`
	ConversationTurnsDeleted int    `json:"conversation_turns_deleted"`
	TelemetrySpansDeleted    int    `json:"telemetry_spans_deleted"`
}

// ApprovalAck is the backend's confirmation of an approval response.
type ApprovalAck struct {
	Success  bool             `json:"success"`
	ToolID   string           `json:"tool_id,omitempty"`
	Decision ApprovalDecision `json:"decision,omitempty"`
}
