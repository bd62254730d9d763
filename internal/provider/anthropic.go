package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
)

const roleSystem = "system"

// Anthropic Messages API request types.

type anthropicRequest struct {
	Model       string                `json:"model"`
	Messages    []anthropicMessage    `json:"messages"`
	System      []anthropicCacheBlock `json:"system,omitempty"`
	MaxTokens   int                   `json:"max_tokens"`
	Temperature float64               `json:"temperature,omitempty"`
	Stream      bool                  `json:"stream"`
	Tools       []anthropicTool       `json:"tools,omitempty"`
}

// anthropicCacheControl marks a block for prompt caching.
type anthropicCacheControl struct {
	Type string `json:"type"` // "ephemeral"
}

// anthropicCacheBlock is a system prompt content block with optional cache_control.
type anthropicCacheBlock struct {
	Type         string                 `json:"type"` // "text"
	Text         string                 `json:"text"`
	CacheControl *anthropicCacheControl `json:"cache_control,omitempty"`
}

type anthropicMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"` // string or []anthropicContentBlock
}

// anthropicTextBlock is a "text" content block.
type anthropicTextBlock struct {
	Type string `json:"type"` // "text"
	Text string `json:"text"`
}

// anthropicToolUseBlock is a "tool_use" content block.
type anthropicToolUseBlock struct {
	Type  string          `json:"type"` // "tool_use"
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// anthropicToolResultBlock is a "tool_result" content block.
type anthropicToolResultBlock struct {
	Type      string `json:"type"` // "tool_result"
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// anthropicThinkingBlock is a "thinking" content block, replayed verbatim
// when history containing tool calls after extended thinking is resent.
type anthropicThinkingBlock struct {
	Type      string `json:"type"` // "thinking"
	Thinking  string `json:"thinking"`
	Signature string `json:"signature,omitempty"`
}

// anthropicRedactedThinkingBlock is a "redacted_thinking" content block.
type anthropicRedactedThinkingBlock struct {
	Type string `json:"type"` // "redacted_thinking"
	Data string `json:"data"`
}

type anthropicTool struct {
	Name         string                 `json:"name"`
	Description  string                 `json:"description,omitempty"`
	InputSchema  json.RawMessage        `json:"input_schema"`
	CacheControl *anthropicCacheControl `json:"cache_control,omitempty"`
}

// Anthropic SSE streaming response types.

// anthropicMessageStart wraps the message_start event payload.
type anthropicMessageStart struct {
	Message struct {
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

// anthropicMessageDelta wraps the message_delta event payload.
type anthropicMessageDelta struct {
	Delta struct {
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicContentBlockStart struct {
	Type         string `json:"type"`
	Index        int    `json:"index"`
	ContentBlock struct {
		Type string `json:"type"` // "text", "tool_use", "thinking", "redacted_thinking"
		Text string `json:"text,omitempty"`
		ID   string `json:"id,omitempty"`
		Name string `json:"name,omitempty"`
		Data string `json:"data,omitempty"` // redacted_thinking payload
	} `json:"content_block"`
}

type anthropicContentBlockDelta struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta struct {
		Type        string `json:"type"` // "text_delta", "thinking_delta", "input_json_delta", "signature_delta"
		Text        string `json:"text,omitempty"`
		Thinking    string `json:"thinking,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
		Signature   string `json:"signature,omitempty"`
	} `json:"delta"`
}

type anthropicContentBlockStop struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

// toAnthropicMessages converts provider-agnostic messages to Anthropic Messages API format.
// Returns (system blocks, messages) — system is extracted and hoisted out.
// The last system block gets cache_control for prompt caching.
func toAnthropicMessages(messages []Message) ([]anthropicCacheBlock, []anthropicMessage) {
	var systemParts []string
	var result []anthropicMessage

	// coalesceToolResult appends a tool_result block to the previous message
	// if it is itself a pending tool-result user message, so several tool
	// calls from one assistant turn land in a single Anthropic user turn
	// instead of several consecutive same-role messages.
	coalesceToolResult := func(block anthropicToolResultBlock) {
		if n := len(result); n > 0 && result[n-1].Role == "user" {
			if blocks, ok := result[n-1].Content.([]anthropicToolResultBlock); ok {
				result[n-1].Content = append(blocks, block)
				return
			}
		}
		result = append(result, anthropicMessage{
			Role:    "user",
			Content: []anthropicToolResultBlock{block},
		})
	}

	for _, m := range messages {
		if m.Role == roleSystem {
			systemParts = append(systemParts, m.Content)
			continue
		}

		if m.Role == "tool" {
			coalesceToolResult(anthropicToolResultBlock{
				Type:      "tool_result",
				ToolUseID: m.ToolCallID,
				Content:   m.Content,
				IsError:   m.ToolIsError,
			})
			continue
		}

		if m.Role == "assistant" && (len(m.ToolCalls) > 0 || m.Reasoning != "" || len(m.RedactedThinking) > 0) {
			// Assistant message with tool calls and/or thinking blocks.
			// Thinking blocks must precede text/tool_use blocks, matching
			// the order the model originally produced them in.
			var blocks []interface{}
			if m.Reasoning != "" {
				blocks = append(blocks, anthropicThinkingBlock{
					Type:      "thinking",
					Thinking:  m.Reasoning,
					Signature: m.ThinkingSig,
				})
			}
			for _, data := range m.RedactedThinking {
				blocks = append(blocks, anthropicRedactedThinkingBlock{Type: "redacted_thinking", Data: data})
			}
			if m.Content != "" {
				blocks = append(blocks, anthropicTextBlock{
					Type: "text",
					Text: m.Content,
				})
			}
			for _, tc := range m.ToolCalls {
				input := tc.Arguments
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				blocks = append(blocks, anthropicToolUseBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: input,
				})
			}
			result = append(result, anthropicMessage{
				Role:    "assistant",
				Content: blocks,
			})
			continue
		}

		// Simple text message
		result = append(result, anthropicMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	var system []anthropicCacheBlock
	if len(systemParts) > 0 {
		system = make([]anthropicCacheBlock, len(systemParts))
		for i, part := range systemParts {
			system[i] = anthropicCacheBlock{Type: "text", Text: part}
		}
		// Mark last system block for prompt caching.
		system[len(system)-1].CacheControl = &anthropicCacheControl{Type: "ephemeral"}
	}
	return system, result
}

// toAnthropicTools converts provider-agnostic tools to Anthropic tool format.
// InputSchema is passed through as json.RawMessage to preserve deterministic
// serialization order (important for KV-cache hit rate).
func toAnthropicTools(tools []Tool) []anthropicTool {
	if tools == nil {
		return nil
	}
	emptySchema := json.RawMessage(`{"type":"object","properties":{}}`)
	result := make([]anthropicTool, len(tools))
	for i, t := range tools {
		schema := t.Parameters
		if len(schema) == 0 {
			schema = emptySchema
		}
		result[i] = anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		}
	}
	// Mark last tool for prompt caching. Anthropic caches the prefix up to
	// and including blocks with cache_control, so tools + system form a
	// stable cached prefix across turns.
	if len(result) > 0 {
		result[len(result)-1].CacheControl = &anthropicCacheControl{Type: "ephemeral"}
	}
	return result
}

// anthropicBlockTracker maps Anthropic block indices to tool call indices
// and accumulates per-block state needed only at block close: the full
// tool-input JSON (to validate it parses) and thinking text/signature.
type anthropicBlockTracker struct {
	toolCallCount  int
	blockIsToolUse map[int]bool
	blockToolIndex map[int]int
	toolJSON       map[int]*strings.Builder

	blockIsThinking map[int]bool
	thinkingText    map[int]*strings.Builder
	thinkingSig     map[int]string
}

func newAnthropicBlockTracker() *anthropicBlockTracker {
	return &anthropicBlockTracker{
		blockIsToolUse:  make(map[int]bool),
		blockToolIndex:  make(map[int]int),
		toolJSON:        make(map[int]*strings.Builder),
		blockIsThinking: make(map[int]bool),
		thinkingText:    make(map[int]*strings.Builder),
		thinkingSig:     make(map[int]string),
	}
}

// parseAnthropicSSEStream reads Anthropic Messages API SSE events and emits StreamEvents.
//
// Anthropic SSE format:
//
//	event: message_start / content_block_start / content_block_delta /
//	       content_block_stop / message_delta / message_stop / ping
//	data: { JSON payload }
func parseAnthropicSSEStream(ctx context.Context, reader io.Reader, ch chan<- StreamEvent) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 512*1024)

	bt := newAnthropicBlockTracker()
	var currentEventType string

	for scanner.Scan() {
		line := scanner.Text()

		if strings.HasPrefix(line, "event: ") {
			currentEventType = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		switch currentEventType {
		case "message_stop":
			trySend(ctx, ch, StreamEvent{Type: EventDone})
			return
		case "content_block_start":
			if !bt.handleBlockStart(ctx, ch, data) {
				return
			}
		case "content_block_delta":
			if !bt.handleBlockDelta(ctx, ch, data) {
				return
			}
		case "content_block_stop":
			if !bt.handleBlockStop(ctx, ch, data) {
				return
			}
		case "message_start":
			handleAnthropicMessageStart(ctx, ch, data)
		case "message_delta":
			handleAnthropicMessageDelta(ctx, ch, data)
		case "ping":
			// Ignored
		}

		currentEventType = ""
	}

	if err := scanner.Err(); err != nil {
		trySend(ctx, ch, StreamEvent{Type: EventError, Err: err})
		return
	}
	trySend(ctx, ch, StreamEvent{Type: EventDone})
}

// handleBlockStart processes a content_block_start event. Returns false if ctx cancelled.
func (bt *anthropicBlockTracker) handleBlockStart(ctx context.Context, ch chan<- StreamEvent, data string) bool {
	var evt anthropicContentBlockStart
	if err := json.Unmarshal([]byte(data), &evt); err != nil {
		log.Warn().Err(err).Msg("Failed to parse anthropic content_block_start")
		return true // continue scanning
	}
	switch evt.ContentBlock.Type {
	case "tool_use":
		idx := bt.toolCallCount
		bt.toolCallCount++
		bt.blockIsToolUse[evt.Index] = true
		bt.blockToolIndex[evt.Index] = idx
		bt.toolJSON[evt.Index] = &strings.Builder{}
		return trySend(ctx, ch, StreamEvent{
			Type:          EventToolCallBegin,
			ToolCallIndex: idx,
			ToolCallID:    evt.ContentBlock.ID,
			ToolCallName:  evt.ContentBlock.Name,
		})
	case "thinking":
		bt.blockIsThinking[evt.Index] = true
		bt.thinkingText[evt.Index] = &strings.Builder{}
		if evt.ContentBlock.Text != "" {
			bt.thinkingText[evt.Index].WriteString(evt.ContentBlock.Text)
		}
		return trySend(ctx, ch, StreamEvent{Type: EventThinkingStart})
	case "redacted_thinking":
		return trySend(ctx, ch, StreamEvent{Type: EventRedactedThinking, RedactedData: evt.ContentBlock.Data})
	}
	return true
}

// handleBlockDelta processes a content_block_delta event. Returns false if ctx cancelled.
func (bt *anthropicBlockTracker) handleBlockDelta(ctx context.Context, ch chan<- StreamEvent, data string) bool {
	var evt anthropicContentBlockDelta
	if err := json.Unmarshal([]byte(data), &evt); err != nil {
		log.Warn().Err(err).Msg("Failed to parse anthropic content_block_delta")
		return true
	}
	switch evt.Delta.Type {
	case "text_delta":
		if evt.Delta.Text != "" {
			return trySend(ctx, ch, StreamEvent{Type: EventContentDelta, Content: evt.Delta.Text})
		}
	case "thinking_delta":
		if evt.Delta.Thinking != "" {
			if b, ok := bt.thinkingText[evt.Index]; ok {
				b.WriteString(evt.Delta.Thinking)
			}
			return trySend(ctx, ch, StreamEvent{Type: EventReasoningDelta, Content: evt.Delta.Thinking})
		}
	case "signature_delta":
		// Signature is internal, never forwarded mid-stream, but kept for
		// the EventThinkingComplete emitted on content_block_stop.
		if evt.Delta.Signature != "" {
			bt.thinkingSig[evt.Index] += evt.Delta.Signature
		}
	case "input_json_delta":
		if evt.Delta.PartialJSON != "" && bt.blockIsToolUse[evt.Index] {
			if b, ok := bt.toolJSON[evt.Index]; ok {
				b.WriteString(evt.Delta.PartialJSON)
			}
			return trySend(ctx, ch, StreamEvent{
				Type:          EventToolCallDelta,
				ToolCallIndex: bt.blockToolIndex[evt.Index],
				ToolCallArgs:  evt.Delta.PartialJSON,
			})
		}
	}
	return true
}

// handleBlockStop processes a content_block_stop event. For a tool-use
// block it validates the fully accumulated input JSON, emitting
// EventToolCallError without aborting the stream if it fails to parse. For
// a thinking block it emits the completed text and signature.
func (bt *anthropicBlockTracker) handleBlockStop(ctx context.Context, ch chan<- StreamEvent, data string) bool {
	var evt anthropicContentBlockStop
	if err := json.Unmarshal([]byte(data), &evt); err != nil {
		log.Warn().Err(err).Msg("Failed to parse anthropic content_block_stop")
		return true
	}

	if bt.blockIsToolUse[evt.Index] {
		raw := bt.toolJSON[evt.Index]
		if raw != nil && raw.Len() > 0 && !json.Valid([]byte(raw.String())) {
			return trySend(ctx, ch, StreamEvent{
				Type:          EventToolCallError,
				ToolCallIndex: bt.blockToolIndex[evt.Index],
				Err:           fmt.Errorf("tool input did not parse as JSON: %s", raw.String()),
			})
		}
		return true
	}

	if bt.blockIsThinking[evt.Index] {
		text := ""
		if b, ok := bt.thinkingText[evt.Index]; ok {
			text = b.String()
		}
		return trySend(ctx, ch, StreamEvent{
			Type:              EventThinkingComplete,
			Content:           text,
			ThinkingSignature: bt.thinkingSig[evt.Index],
		})
	}

	return true
}

// handleAnthropicMessageStart extracts input token usage from message_start events.
func handleAnthropicMessageStart(ctx context.Context, ch chan<- StreamEvent, data string) {
	var ms anthropicMessageStart
	if err := json.Unmarshal([]byte(data), &ms); err != nil {
		return
	}
	if ms.Message.Usage.InputTokens > 0 || ms.Message.Usage.OutputTokens > 0 {
		trySend(ctx, ch, StreamEvent{
			Type:         EventUsage,
			InputTokens:  ms.Message.Usage.InputTokens,
			OutputTokens: ms.Message.Usage.OutputTokens,
		})
	}
}

// handleAnthropicMessageDelta extracts output token usage and the stop
// reason from message_delta events.
func handleAnthropicMessageDelta(ctx context.Context, ch chan<- StreamEvent, data string) {
	var md anthropicMessageDelta
	if err := json.Unmarshal([]byte(data), &md); err != nil {
		return
	}
	if md.Usage.OutputTokens > 0 {
		trySend(ctx, ch, StreamEvent{
			Type:         EventUsage,
			OutputTokens: md.Usage.OutputTokens,
		})
	}
	if md.Delta.StopReason != "" {
		trySend(ctx, ch, StreamEvent{Type: EventStopReason, Content: md.Delta.StopReason})
	}
}
