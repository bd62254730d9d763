package llm

import (
	"encoding/json"
	"fmt"
)

// Role identifies the speaker of a Turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// BlockType discriminates the variants of ContentBlock.
type BlockType string

const (
	BlockText             BlockType = "text"
	BlockToolUse          BlockType = "tool_use"
	BlockToolResult       BlockType = "tool_result"
	BlockThinking         BlockType = "thinking"
	BlockRedactedThinking BlockType = "redacted_thinking"
)

// ContentBlock is one part of a multipart Turn. Only the fields relevant to
// Type are populated; the rest stay zero. This mirrors the Anthropic
// Messages API content-block shape rather than a flat role+string message.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// Text: BlockText, and the visible portion of BlockThinking.
	Text string `json:"text,omitempty"`

	// ToolUse.
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// ToolResult.
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`

	// Thinking.
	Signature string `json:"signature,omitempty"`

	// RedactedThinking: opaque provider-supplied payload, never shown.
	Data string `json:"data,omitempty"`
}

func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

func ThinkingBlock(text, signature string) ContentBlock {
	return ContentBlock{Type: BlockThinking, Text: text, Signature: signature}
}

func RedactedThinkingBlock(data string) ContentBlock {
	return ContentBlock{Type: BlockRedactedThinking, Data: data}
}

// Turn is one contiguous message from a single role, carrying an ordered
// list of content parts.
type Turn struct {
	Role   Role           `json:"role"`
	Blocks []ContentBlock `json:"blocks"`
}

// Text concatenates every BlockText part of the turn, in order.
func (t Turn) Text() string {
	var s string
	for _, b := range t.Blocks {
		if b.Type == BlockText {
			s += b.Text
		}
	}
	return s
}

// ToolUses returns every BlockToolUse part of the turn, in order.
func (t Turn) ToolUses() []ContentBlock {
	var out []ContentBlock
	for _, b := range t.Blocks {
		if b.Type == BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}

// ToolResultIDs returns the tool_use_id of every BlockToolResult part.
func (t Turn) ToolResultIDs() map[string]bool {
	ids := make(map[string]bool)
	for _, b := range t.Blocks {
		if b.Type == BlockToolResult {
			ids[b.ToolUseID] = true
		}
	}
	return ids
}

// ValidateHistory enforces the tool-result-completeness and turn-alternation
// invariants across a full history and returns the first violation found.
// ProcessTurn does not call it: requests go to the provider without this
// check.
func ValidateHistory(turns []Turn) error {
	var lastRole Role
	for i, t := range turns {
		if t.Role != RoleSystem {
			if lastRole != "" && lastRole == t.Role {
				return fmt.Errorf("turn %d: role %q repeats previous turn's role, turns must alternate", i, t.Role)
			}
			lastRole = t.Role
		}

		if t.Role != RoleAssistant {
			continue
		}
		pending := t.ToolUses()
		if len(pending) == 0 {
			continue
		}
		if i+1 >= len(turns) || turns[i+1].Role != RoleUser {
			return fmt.Errorf("turn %d: assistant turn has %d tool_use block(s) with no following user turn", i, len(pending))
		}
		resolved := turns[i+1].ToolResultIDs()
		for _, tu := range pending {
			if !resolved[tu.ID] {
				return fmt.Errorf("turn %d: tool_use id %q has no matching tool_result in the next user turn", i, tu.ID)
			}
		}
	}
	return nil
}
