// Package proto shared protocol.
package proto

import (
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// Roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is a message in the conversation.
//
// While a response is streaming the assistant message at the tail of the
// conversation is rebuilt on every delta; once the stream finishes it is
// never mutated again.
type Message struct {
	ID           string        `json:"id,omitempty"`
	Role         string        `json:"role"`
	Content      string        `json:"content"`
	Name         string        `json:"name,omitempty"`
	FunctionCall *FunctionCall `json:"function_call,omitempty"`
	ToolCalls    []ToolCall    `json:"tool_calls,omitempty"`
	ToolCallID   string        `json:"tool_call_id,omitempty"`
	CreatedAt    time.Time     `json:"created_at,omitzero"`
}

// ToolCall is a tool call in a message.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type,omitempty"`
	Function FunctionCall `json:"function"`
	IsError  bool         `json:"-"`
}

// FunctionCall is the function signature of a tool call. Arguments is the
// raw argument payload: it is streamed piecewise and is only valid JSON once
// the call is complete.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Usage is the token usage reported at the end of a completion.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Request is a chat request.
type Request struct {
	Messages    []Message  `json:"messages"`
	Tools       []mcp.Tool `json:"tools,omitempty"`
	Temperature *float64   `json:"temperature,omitempty"`
	TopP        *float64   `json:"top_p,omitempty"`
	MaxTokens   *int64     `json:"max_tokens,omitempty"`
	Stop        []string   `json:"stop,omitempty"`
}

// Trim projects messages down to the minimal field subset sent to
// endpoints that do not want the extended fields. Identity and timestamp
// fields are dropped; the tool linkage fields stay, as tool results are
// useless to the endpoint without them.
func Trim(messages []Message) []Message {
	result := make([]Message, 0, len(messages))
	for _, msg := range messages {
		result = append(result, Message{
			Role:         msg.Role,
			Content:      msg.Content,
			Name:         msg.Name,
			FunctionCall: msg.FunctionCall,
			ToolCalls:    msg.ToolCalls,
			ToolCallID:   msg.ToolCallID,
		})
	}
	return result
}

// Conversation is a conversation.
type Conversation []Message

func (cc Conversation) String() string {
	var sb strings.Builder
	for _, msg := range cc {
		if msg.Content == "" {
			continue
		}
		switch msg.Role {
		case RoleSystem:
			sb.WriteString("**System**: ")
		case RoleUser:
			sb.WriteString("**User**: ")
		case RoleTool:
			for _, tool := range msg.ToolCalls {
				sb.WriteString("> Ran tool: `" + tool.Function.Name + "`\n\n")
			}
			continue
		case RoleAssistant:
			sb.WriteString("**Assistant**: ")
		}
		sb.WriteString(msg.Content)
		sb.WriteString("\n\n")
	}
	return sb.String()
}
