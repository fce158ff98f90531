package webhook

// DispatchPayload is the inbound webhook body.
type DispatchPayload struct {
	DispatchID   string `json:"dispatch_id,omitempty"`
	AgentID      string `json:"agent_id"`
	AgentHandle  string `json:"agent_handle,omitempty"`
	SpaceID      string `json:"space_id"`
	SpaceName    string `json:"space_name,omitempty"`
	SenderHandle string `json:"sender_handle,omitempty"`
	SenderType   string `json:"sender_type,omitempty"`
	UserMessage  string `json:"user_message"`

	AuthToken    string `json:"auth_token,omitempty"`
	ToolEndpoint string `json:"tool_endpoint,omitempty"`

	CallbackURL    string `json:"callback_url,omitempty"`
	CallbackAPIKey string `json:"callback_api_key,omitempty"`
	HeartbeatURL   string `json:"heartbeat_url,omitempty"`

	ContextData  *ContextData    `json:"context_data,omitempty"`
	FeatureFlags map[string]bool `json:"feature_flags,omitempty"`
}

// ContextData is the conversation snapshot attached to a dispatch.
type ContextData struct {
	OrgID          string   `json:"org_id,omitempty"`
	RecentMessages []string `json:"recent_messages,omitempty"`
	Collaborators  []string `json:"collaborators,omitempty"`
}

// AcceptedResponse acknowledges an async dispatch.
type AcceptedResponse struct {
	Status     string `json:"status"`
	DispatchID string `json:"dispatch_id"`
	Mode       string `json:"mode"`
}

// ResultResponse carries a sync result or a dedup short-circuit.
type ResultResponse struct {
	Status     string `json:"status"`
	DispatchID string `json:"dispatch_id"`
	Response   string `json:"response,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ErrorResponse is the generic error body.
type ErrorResponse struct {
	Error string `json:"error"`
}
