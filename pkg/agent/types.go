package agent

import (
	"encoding/json"
)

// Role identifies the author of a transcript message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of the conversation transcript.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"` // tool name on tool messages
}

// ToolCall is a tool invocation requested by the model. Arguments are kept
// exactly as the model produced them and may not be valid JSON.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// MarshalJSON renders unparseable arguments as a JSON string so a call can
// always be recorded in an event payload.
func (c ToolCall) MarshalJSON() ([]byte, error) {
	type wire struct {
		ID        string          `json:"id"`
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	args := c.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	} else if !json.Valid(args) {
		quoted, err := json.Marshal(string(args))
		if err != nil {
			return nil, err
		}
		args = quoted
	}
	return json.Marshal(wire{ID: c.ID, Name: c.Name, Arguments: args})
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// AuthProfile represents authentication credentials for LLM providers
type AuthProfile struct {
	ID            string `json:"id" mapstructure:"id"`
	Provider      string `json:"provider" mapstructure:"provider"` // "anthropic", "openai", "gemini"
	APIKey        string `json:"api_key" mapstructure:"api_key"`
	Model         string `json:"model,omitempty" mapstructure:"model"` // overrides the requested model for this profile
	CooldownUntil *int64 `json:"cooldown_until,omitempty" mapstructure:"-"`
	FailureCount  int    `json:"failure_count" mapstructure:"-"`
	Priority      int    `json:"priority" mapstructure:"priority"`
}

// normalizedArguments returns args when it is a JSON object and "{}" otherwise.
func normalizedArguments(args json.RawMessage) json.RawMessage {
	var obj map[string]any
	if len(args) == 0 || json.Unmarshal(args, &obj) != nil || obj == nil {
		return json.RawMessage(`{}`)
	}
	return args
}
