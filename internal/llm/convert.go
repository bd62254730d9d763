package llm

import (
	"fmt"

	"github.com/xonecas/symb/internal/provider"
)

// TurnsToMessages is the exported form of turnsToMessages, for callers
// outside this package (the interactive controller's persistence layer)
// that need to flatten a Turn history to the wire format directly.
func TurnsToMessages(turns []Turn) []provider.Message { return turnsToMessages(turns) }

// MessagesToTurns is the exported form of messagesToTurns.
func MessagesToTurns(msgs []provider.Message) []Turn { return messagesToTurns(msgs) }

// turnsToMessages flattens the block-based history into the provider's flat
// wire format. A user turn carrying several tool_result blocks becomes
// several consecutive "tool"-role messages; toAnthropicMessages coalesces
// them back into one wire turn, while the OpenAI-style converters send one
// tool message per result.
func turnsToMessages(turns []Turn) []provider.Message {
	var out []provider.Message
	for _, t := range turns {
		switch t.Role {
		case RoleSystem:
			out = append(out, provider.Message{Role: "system", Content: t.Text()})
		case RoleUser:
			hasToolResult := false
			for _, b := range t.Blocks {
				if b.Type == BlockToolResult {
					hasToolResult = true
					out = append(out, provider.Message{
						Role:        "tool",
						Content:     b.Content,
						ToolCallID:  b.ToolUseID,
						ToolIsError: b.IsError,
					})
				}
			}
			if !hasToolResult {
				out = append(out, provider.Message{Role: "user", Content: t.Text()})
			}
		case RoleAssistant:
			msg := provider.Message{Role: "assistant", Content: t.Text()}
			for _, b := range t.Blocks {
				switch b.Type {
				case BlockToolUse:
					msg.ToolCalls = append(msg.ToolCalls, provider.ToolCall{ID: b.ID, Name: b.Name, Arguments: b.Input})
				case BlockThinking:
					msg.Reasoning = b.Text
					msg.ThinkingSig = b.Signature
				case BlockRedactedThinking:
					msg.RedactedThinking = append(msg.RedactedThinking, b.Data)
				}
			}
			out = append(out, msg)
		}
	}
	return out
}

// messagesToTurns is the inverse of turnsToMessages: it rebuilds block-based
// history from the provider's flat wire format, for callers (the session
// persistence layer) whose on-disk representation still predates the Turn
// model. Consecutive "tool"-role messages are coalesced back into one user
// turn carrying multiple tool_result blocks.
func messagesToTurns(msgs []provider.Message) []Turn {
	var out []Turn
	i := 0
	for i < len(msgs) {
		m := msgs[i]
		switch m.Role {
		case "system":
			out = append(out, Turn{Role: RoleSystem, Blocks: []ContentBlock{TextBlock(m.Content)}})
			i++
		case "user":
			out = append(out, userTurn(m.Content))
			i++
		case "tool":
			var blocks []ContentBlock
			for i < len(msgs) && msgs[i].Role == "tool" {
				blocks = append(blocks, ToolResultBlock(msgs[i].ToolCallID, msgs[i].Content, msgs[i].ToolIsError))
				i++
			}
			out = append(out, toolResultTurn(blocks))
		case "assistant":
			var blocks []ContentBlock
			if m.Reasoning != "" {
				blocks = append(blocks, ThinkingBlock(m.Reasoning, m.ThinkingSig))
			}
			for _, d := range m.RedactedThinking {
				blocks = append(blocks, RedactedThinkingBlock(d))
			}
			if m.Content != "" {
				blocks = append(blocks, TextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, ToolUseBlock(tc.ID, tc.Name, tc.Arguments))
			}
			out = append(out, Turn{Role: RoleAssistant, Blocks: blocks})
			i++
		default:
			i++
		}
	}
	return out
}

// assistantTurn builds the assistant Turn that will be appended to history
// from one completed streaming response.
func assistantTurn(resp *provider.ChatResponse, redacted []string) Turn {
	var blocks []ContentBlock
	if resp.Reasoning != "" {
		blocks = append(blocks, ThinkingBlock(resp.Reasoning, resp.ThinkingSig))
	}
	for _, d := range redacted {
		blocks = append(blocks, RedactedThinkingBlock(d))
	}
	if resp.Content != "" {
		blocks = append(blocks, TextBlock(resp.Content))
	}
	for _, tc := range resp.ToolCalls {
		blocks = append(blocks, ToolUseBlock(tc.ID, tc.Name, tc.Arguments))
	}
	return Turn{Role: RoleAssistant, Blocks: blocks}
}

// userTurn wraps plain text as a new user turn.
func userTurn(text string) Turn {
	return Turn{Role: RoleUser, Blocks: []ContentBlock{TextBlock(text)}}
}

// toolResultTurn bundles tool results into one user turn, in submission order.
func toolResultTurn(results []ContentBlock) Turn {
	return Turn{Role: RoleUser, Blocks: results}
}

// DisplayMessage is the flattened, persisted shape of one Turn: a single
// role/content/timestamp record suitable for the session transcript file and
// the interactive controller's scrollback. Unlike Turn it is lossy by design
// - tool_use/tool_result structure collapses to readable text.
type DisplayMessage struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

const (
	DisplayRoleUser          = "user"
	DisplayRoleAssistant     = "assistant"
	DisplayRoleSystem        = "system"
	DisplayRoleError         = "error"
	DisplayRoleCommandOutput = "command_output"
)

// ProjectForDisplay flattens model turns into the persisted transcript shape,
// one DisplayMessage per Turn. stamp supplies the timestamp for each message
// in order, since this package cannot call time.Now itself.
func ProjectForDisplay(turns []Turn, stamp func(i int) int64) []DisplayMessage {
	out := make([]DisplayMessage, 0, len(turns))
	for i, t := range turns {
		var ts int64
		if stamp != nil {
			ts = stamp(i)
		}
		switch t.Role {
		case RoleSystem:
			out = append(out, DisplayMessage{Role: DisplayRoleSystem, Content: t.Text(), Timestamp: ts})
		case RoleUser:
			if _, isToolResult := firstToolResult(t); isToolResult {
				out = append(out, DisplayMessage{Role: DisplayRoleCommandOutput, Content: joinToolResults(t), Timestamp: ts})
				continue
			}
			out = append(out, DisplayMessage{Role: DisplayRoleUser, Content: t.Text(), Timestamp: ts})
		case RoleAssistant:
			out = append(out, DisplayMessage{Role: DisplayRoleAssistant, Content: formatAssistantTurn(t), Timestamp: ts})
		}
	}
	return out
}

func firstToolResult(t Turn) (ContentBlock, bool) {
	for _, b := range t.Blocks {
		if b.Type == BlockToolResult {
			return b, true
		}
	}
	return ContentBlock{}, false
}

func joinToolResults(t Turn) string {
	var s string
	for _, b := range t.Blocks {
		if b.Type != BlockToolResult {
			continue
		}
		if s != "" {
			s += "\n"
		}
		s += b.Content
	}
	return s
}

func formatAssistantTurn(t Turn) string {
	s := t.Text()
	for _, b := range t.ToolUses() {
		if s != "" {
			s += "\n"
		}
		s += fmt.Sprintf("[tool_use %s(%s)]", b.Name, string(b.Input))
	}
	return s
}

// ProjectToModelTurns reconstructs a sendable history from a persisted
// transcript, dropping system, error, and command_output entries per the
// resume contract: only plain user/assistant text round-trips across a save.
func ProjectToModelTurns(msgs []DisplayMessage) []Turn {
	var out []Turn
	for _, m := range msgs {
		switch m.Role {
		case DisplayRoleUser:
			out = append(out, userTurn(m.Content))
		case DisplayRoleAssistant:
			out = append(out, Turn{Role: RoleAssistant, Blocks: []ContentBlock{TextBlock(m.Content)}})
		}
	}
	return out
}
