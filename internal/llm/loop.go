// Package llm implements the agent loop: it iterates model calls, executes
// tools through the permission broker, and assembles a transactionally
// consistent turn history.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/xonecas/symb/internal/hooks"
	"github.com/xonecas/symb/internal/mcp"
	"github.com/xonecas/symb/internal/permission"
	"github.com/xonecas/symb/internal/provider"
	"golang.org/x/sync/errgroup"
)

const (
	// MaxDepth is the maximum recursion depth for sub-agents.
	MaxDepth = 1

	// MaxIterations bounds the round trips to the model within a single
	// user-input processing before the loop snapshots a continuation and
	// surfaces an iteration-limit message.
	MaxIterations = 25

	// InterruptMessage is the fixed, wire-observable tool-result content
	// synthesized for every tool-use left unresolved by an early exit. Do
	// not alter: a drifted string changes model behavior.
	InterruptMessage = "The user doesn't want to take this action right now. STOP what you are doing and wait for the user to tell you how to proceed."
)

// MessageCallback is called when a complete turn should be added to history.
type MessageCallback func(t Turn)

// DeltaCallback is called for each streaming event (content/reasoning deltas).
type DeltaCallback func(evt provider.StreamEvent)

// ToolCallCallback is called when tool calls are about to be executed.
type ToolCallCallback func()

// UsageCallback is called with accumulated token usage after each LLM call.
type UsageCallback func(inputTokens, outputTokens int)

// ScratchpadReader provides read access to the agent's working plan.
type ScratchpadReader interface {
	Content() string
}

// ToolCaller executes a single tool invocation. *mcp.Proxy satisfies this.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, arguments json.RawMessage) (*mcp.ToolResult, error)
}

// PermissionBroker is the subset of *permission.Broker the loop depends on.
type PermissionBroker interface {
	Classify(toolName string, input json.RawMessage) (permission.Decision, bool)
	Request(ctx context.Context, toolName, summarizedAction, toolUseID string, input json.RawMessage) permission.Decision
}

// HookRunner is the subset of *hooks.Runner the loop depends on.
type HookRunner interface {
	Run(ctx context.Context, event hooks.Event, ctxJSON any) (stop bool, reason string)
}

// ProcessTurnOptions holds configuration for processing one user input.
type ProcessTurnOptions struct {
	Provider   provider.Provider
	ToolCaller ToolCaller
	Permission PermissionBroker
	Hooks      HookRunner
	Tools      []mcp.Tool
	History    []Turn

	OnMessage  MessageCallback
	OnDelta    DeltaCallback
	OnToolCall ToolCallCallback
	OnUsage    UsageCallback
	Scratchpad ScratchpadReader

	Depth int // Recursion depth (0=root agent, 1=sub-agent)
}

// Result is returned once a user input reaches quiescence, is cancelled, or
// hits the iteration cap.
type Result struct {
	History           []Turn
	IterationLimitHit bool
	Continuation      []Turn
	Cancelled         bool
}

// ProcessTurn implements the agent loop's per-input algorithm (§4.2):
// UserPromptSubmit hooks, continuation resume or new user turn, then
// iteration to quiescence, an early-exit Interrupt Protocol, or the
// iteration cap.
func ProcessTurn(ctx context.Context, opts ProcessTurnOptions, input string, continuation []Turn) (*Result, error) {
	if opts.Depth > MaxDepth {
		return nil, fmt.Errorf("max sub-agent depth exceeded: %d > %d", opts.Depth, MaxDepth)
	}

	if opts.Hooks != nil {
		if stop, reason := opts.Hooks.Run(ctx, hooks.UserPromptSubmit, map[string]string{"prompt": input}); stop {
			return &Result{History: opts.History}, fmt.Errorf("blocked by UserPromptSubmit hook: %s", reason)
		}
	}

	history := append([]Turn(nil), opts.History...)
	if input == "" && continuation != nil {
		history = append([]Turn(nil), continuation...)
	} else {
		t := userTurn(input)
		emit(opts.OnMessage, t)
		history = append(history, t)
	}

	providerTools := toProviderTools(opts.Tools)

	for iteration := 0; iteration < MaxIterations; iteration++ {
		injectRecitation(history, opts.Scratchpad, iteration)

		resp, redacted, toolErrs, cancelled, err := streamIteration(ctx, &opts, history, providerTools)
		if cancelled {
			history = runInterruptProtocol(history, resp, redacted, opts.OnMessage)
			return &Result{History: history, Cancelled: true}, nil
		}
		if err != nil {
			history = runInterruptProtocol(history, resp, redacted, opts.OnMessage)
			return &Result{History: history}, err
		}

		at := assistantTurn(resp, redacted)
		emit(opts.OnMessage, at)
		history = append(history, at)

		toolUses := at.ToolUses()
		if len(toolUses) == 0 {
			return &Result{History: history}, nil
		}

		if opts.OnToolCall != nil {
			opts.OnToolCall()
		}

		results := executeToolUses(ctx, &opts, toolUses, toolErrs)
		ut := toolResultTurn(results)
		emit(opts.OnMessage, ut)
		history = append(history, ut)

		if repeatedLastThree(history) {
			warnRepetition(&history[len(history)-1])
		}
	}

	return &Result{History: history, IterationLimitHit: true, Continuation: history}, nil
}

func emit(cb MessageCallback, t Turn) {
	if cb != nil {
		cb(t)
	}
}

func toProviderTools(tools []mcp.Tool) []provider.Tool {
	out := make([]provider.Tool, len(tools))
	for i, t := range tools {
		out[i] = provider.Tool{Name: t.Name, Description: t.Description, Parameters: t.InputSchema}
	}
	return out
}

// streamIteration issues one streaming model call and collects it into a
// ChatResponse, redacted-thinking payloads (preserved, never shown), and
// any tool-input blocks that failed to parse as JSON (toolErrs, keyed by
// tool-use id once IDs are known).
func streamIteration(ctx context.Context, opts *ProcessTurnOptions, history []Turn, tools []provider.Tool) (resp *provider.ChatResponse, redacted []string, toolErrs map[string]string, cancelled bool, err error) {
	const maxEmptyRetries = 1
	messages := turnsToMessages(history)

	for attempt := 0; attempt <= maxEmptyRetries; attempt++ {
		stream, sErr := opts.Provider.ChatStream(ctx, messages, tools)
		if sErr != nil {
			return nil, nil, nil, false, sErr
		}
		resp, redacted, toolErrs, cancelled, err = collectWithDeltas(ctx, stream, opts.OnDelta)
		if err != nil || cancelled {
			return resp, redacted, toolErrs, cancelled, err
		}
		if opts.OnUsage != nil && (resp.InputTokens > 0 || resp.OutputTokens > 0) {
			opts.OnUsage(resp.InputTokens, resp.OutputTokens)
		}
		if !isEmptyResponse(resp) {
			return resp, redacted, toolErrs, false, nil
		}
		log.Warn().Str("provider", opts.Provider.Name()).Int("attempt", attempt+1).Msg("empty response from provider")
	}

	return nil, nil, nil, false, fmt.Errorf("empty response from provider %s", opts.Provider.Name())
}

func isEmptyResponse(resp *provider.ChatResponse) bool {
	if resp == nil {
		return true
	}
	return resp.Content == "" && resp.Reasoning == "" && len(resp.ToolCalls) == 0
}

// toolCallAccumulator tracks tool calls as they stream in.
type toolCallAccumulator struct {
	byIndex     map[int]int
	calls       []provider.ToolCall
	argBuilders []string
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{byIndex: make(map[int]int)}
}

func (a *toolCallAccumulator) begin(evt provider.StreamEvent) {
	pos := len(a.calls)
	a.byIndex[evt.ToolCallIndex] = pos
	a.calls = append(a.calls, provider.ToolCall{ID: evt.ToolCallID, Name: evt.ToolCallName})
	a.argBuilders = append(a.argBuilders, "")
}

func (a *toolCallAccumulator) delta(evt provider.StreamEvent) {
	if pos, ok := a.byIndex[evt.ToolCallIndex]; ok {
		a.argBuilders[pos] += evt.ToolCallArgs
	}
}

func (a *toolCallAccumulator) idForIndex(index int) string {
	if pos, ok := a.byIndex[index]; ok && pos < len(a.calls) {
		return a.calls[pos].ID
	}
	return ""
}

func (a *toolCallAccumulator) finalize() []provider.ToolCall {
	for i := range a.calls {
		if i < len(a.argBuilders) {
			a.calls[i].Arguments = json.RawMessage(a.argBuilders[i])
		}
	}
	return a.calls
}

// collectWithDeltas reads all events from a stream, forwarding each to
// onDelta, and assembles them into a ChatResponse. It distinguishes a
// cancellation (ctx cancelled, channel closed without EventDone) from a
// genuine stream error, and records malformed tool-input JSON per-id in
// toolErrs instead of aborting.
func collectWithDeltas(ctx context.Context, ch <-chan provider.StreamEvent, onDelta DeltaCallback) (result *provider.ChatResponse, redacted []string, toolErrs map[string]string, cancelled bool, err error) {
	result = &provider.ChatResponse{}
	tca := newToolCallAccumulator()
	sawDone := false
	toolErrs = make(map[string]string)

	for evt := range ch {
		if onDelta != nil {
			onDelta(evt)
		}

		switch evt.Type {
		case provider.EventContentDelta:
			result.Content += evt.Content
		case provider.EventReasoningDelta:
			result.Reasoning += evt.Content
		case provider.EventThinkingStart:
			// Nothing to accumulate; forwarded for live display only.
		case provider.EventThinkingComplete:
			if evt.Content != "" {
				result.Reasoning = evt.Content
			}
			result.ThinkingSig = evt.ThinkingSignature
		case provider.EventRedactedThinking:
			redacted = append(redacted, evt.RedactedData)
		case provider.EventToolCallBegin:
			tca.begin(evt)
		case provider.EventToolCallDelta:
			tca.delta(evt)
		case provider.EventToolCallError:
			id := tca.idForIndex(evt.ToolCallIndex)
			if id != "" {
				toolErrs[id] = evt.Err.Error()
			}
		case provider.EventUsage:
			if evt.InputTokens > result.InputTokens {
				result.InputTokens = evt.InputTokens
			}
			if evt.OutputTokens > result.OutputTokens {
				result.OutputTokens = evt.OutputTokens
			}
		case provider.EventStopReason:
			result.StopReason = evt.Content
		case provider.EventError:
			if calls := tca.finalize(); len(calls) > 0 {
				result.ToolCalls = calls
			}
			return result, redacted, toolErrs, false, evt.Err
		case provider.EventDone:
			sawDone = true
		}
	}

	if calls := tca.finalize(); len(calls) > 0 {
		result.ToolCalls = calls
	}

	if !sawDone && ctx.Err() != nil {
		return result, redacted, toolErrs, true, nil
	}
	return result, redacted, toolErrs, false, nil
}

// executeToolUses resolves a permission decision for every tool_use block in
// submission order (dialogs must enqueue in that order so the controller's
// FIFO queue matches what the user sees), then runs the tool-caller/hook pair
// for every resolved call concurrently via errgroup — sibling tool uses in one
// turn (e.g. several independent Read calls) don't wait on each other's I/O.
// toolErrs carries ids whose input JSON failed to parse in the decoder; those
// are reported back as error results without ever reaching the tool caller.
func executeToolUses(ctx context.Context, opts *ProcessTurnOptions, toolUses []ContentBlock, toolErrs map[string]string) []ContentBlock {
	results := make([]ContentBlock, len(toolUses))
	pending := make([]int, 0, len(toolUses))

	for i, tu := range toolUses {
		if msg, bad := toolErrs[tu.ID]; bad {
			results[i] = ToolResultBlock(tu.ID, "Error: "+msg, true)
			continue
		}

		switch decideTool(ctx, opts, tu) {
		case permission.Deny, permission.Never:
			fp := permission.Fingerprint(tu.Name, tu.Input)
			results[i] = ToolResultBlock(tu.ID, permission.DenialMessage(tu.Name, fp), true)
		case permission.Wait:
			results[i] = ToolResultBlock(tu.ID, InterruptMessage, true)
		default:
			pending = append(pending, i)
		}
	}

	var g errgroup.Group
	for _, i := range pending {
		i, tu := i, toolUses[i]
		g.Go(func() error {
			results[i] = runToolUse(ctx, opts, tu)
			return nil
		})
	}
	_ = g.Wait() // runToolUse always returns a result block; it never errors the group

	return results
}

// runToolUse runs PreToolUse, the tool call itself, and PostToolUse for one
// resolved tool_use block.
func runToolUse(ctx context.Context, opts *ProcessTurnOptions, tu ContentBlock) ContentBlock {
	if opts.Hooks != nil {
		if stop, reason := opts.Hooks.Run(ctx, hooks.PreToolUse, map[string]any{"tool": tu.Name, "input": tu.Input}); stop {
			return ToolResultBlock(tu.ID, "Blocked by PreToolUse hook: "+reason, true)
		}
	}

	result, err := opts.ToolCaller.CallTool(ctx, tu.Name, tu.Input)
	if err != nil {
		return ToolResultBlock(tu.ID, "Error: "+err.Error(), true)
	}
	text := extractTextFromContent(result.Content)
	block := ToolResultBlock(tu.ID, text, result.IsError)

	if opts.Hooks != nil {
		opts.Hooks.Run(ctx, hooks.PostToolUse, map[string]any{"tool": tu.Name, "input": tu.Input, "result": text})
	}
	return block
}

// decideTool resolves a tool's permission decision, consulting the broker's
// dialog queue only when the static classification cannot resolve directly.
func decideTool(ctx context.Context, opts *ProcessTurnOptions, tu ContentBlock) permission.Decision {
	if opts.Permission == nil {
		return permission.Allow
	}
	if d, resolved := opts.Permission.Classify(tu.Name, tu.Input); resolved {
		return d
	}
	return opts.Permission.Request(ctx, tu.Name, formatToolStatus(tu.Name, tu.Input), tu.ID, tu.Input)
}

// runInterruptProtocol implements §4.2's Interrupt Protocol: append whatever
// partial assistant turn was received, then a user turn carrying one
// InterruptMessage ToolResult per tool-use left unresolved (both
// completed-but-not-executed and started-but-not-completed).
func runInterruptProtocol(history []Turn, resp *provider.ChatResponse, redacted []string, onMessage MessageCallback) []Turn {
	if resp == nil {
		resp = &provider.ChatResponse{}
	}
	at := assistantTurn(resp, redacted)
	emit(onMessage, at)
	history = append(history, at)

	pending := at.ToolUses()
	if len(pending) == 0 {
		return history
	}

	results := make([]ContentBlock, 0, len(pending))
	for _, tu := range pending {
		results = append(results, ToolResultBlock(tu.ID, InterruptMessage, true))
	}
	ut := toolResultTurn(results)
	emit(onMessage, ut)
	return append(history, ut)
}

// reminderInterval is the number of tool-calling rounds between synthetic
// goal reminders.
const reminderInterval = 10

// injectRecitation appends a <system-reminder> block to the last tool-result
// turn to keep the model focused during long tool-calling loops. By
// appending to an existing turn instead of creating a new one, it avoids
// shifting turn positions and invalidating the Anthropic prompt cache.
func injectRecitation(history []Turn, pad ScratchpadReader, iteration int) {
	if iteration == 0 || iteration%reminderInterval != 0 {
		return
	}

	var reminder string
	if pad != nil {
		reminder = pad.Content()
	}
	if reminder == "" {
		for _, t := range history {
			if t.Role == RoleUser && len(t.ToolResultIDs()) == 0 {
				reminder = "The user's request: " + t.Text()
				break
			}
		}
	}
	if reminder == "" {
		return
	}

	tag := "\n\n<system-reminder>\n"
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role != RoleUser {
			continue
		}
		blocks := history[i].Blocks
		for j := len(blocks) - 1; j >= 0; j-- {
			if blocks[j].Type != BlockToolResult {
				continue
			}
			if idx := strings.Index(blocks[j].Content, tag); idx >= 0 {
				blocks[j].Content = blocks[j].Content[:idx]
			}
			blocks[j].Content += tag + reminder + "\n</system-reminder>"
			return
		}
	}
}

// repeatedLastThree reports whether the three most recent assistant turns
// each issued an identical (name, input) tool call.
func repeatedLastThree(history []Turn) bool {
	var calls []string
	for i := len(history) - 1; i >= 0 && len(calls) < 3; i-- {
		if history[i].Role != RoleAssistant {
			continue
		}
		uses := history[i].ToolUses()
		if len(uses) != 1 {
			return false
		}
		calls = append(calls, uses[0].Name+string(uses[0].Input))
	}
	return len(calls) == 3 && calls[0] == calls[1] && calls[1] == calls[2]
}

// warnRepetition appends a repetition warning to the last tool-result block
// of the most recent user turn.
func warnRepetition(t *Turn) {
	for i := len(t.Blocks) - 1; i >= 0; i-- {
		if t.Blocks[i].Type == BlockToolResult {
			t.Blocks[i].Content += "\n\n<system-reminder>WARNING: You are repeating the same tool call with the same arguments. This is wasteful. Stop and either try a different approach, summarize what you know, or ask the user for help.</system-reminder>"
			return
		}
	}
}

// extractTextFromContent extracts text from MCP content blocks.
func extractTextFromContent(content []mcp.ContentBlock) string {
	var text string
	for _, block := range content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return text
}

// formatToolStatus renders the bracketed one-line summary shown during
// execution and fed to the permission dialog, per §4.2's tool-status table.
func formatToolStatus(name string, input json.RawMessage) string {
	var parsed map[string]json.RawMessage
	_ = json.Unmarshal(input, &parsed)

	switch name {
	case "Bash":
		return "Bash(" + truncate(stringField(parsed, "command"), 50) + ")"
	case "Read":
		return "Read(" + filepath.Base(stringField(parsed, "file_path")) + ")"
	case "Edit", "MultiEdit":
		return "Update(" + filepath.Base(stringField(parsed, "file_path")) + ")"
	case "WebFetch":
		return "WebFetch(" + hostname(stringField(parsed, "url")) + ")"
	case "WebSearch":
		return "WebSearch(" + truncate(stringField(parsed, "query"), 50) + ")"
	default:
		return name + "(processing)"
	}
}

func stringField(m map[string]json.RawMessage, key string) string {
	raw, ok := m[key]
	if !ok {
		return ""
	}
	var s string
	_ = json.Unmarshal(raw, &s)
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func hostname(rawURL string) string {
	if i := strings.Index(rawURL, "://"); i >= 0 {
		rawURL = rawURL[i+3:]
	}
	if i := strings.IndexAny(rawURL, "/?#"); i >= 0 {
		rawURL = rawURL[:i]
	}
	return rawURL
}
