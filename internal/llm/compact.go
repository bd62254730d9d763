package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xonecas/symb/internal/hooks"
	"github.com/xonecas/symb/internal/provider"
)

// CompactSystemPrompt is the fixed instruction set sent to the model in
// place of its normal system prompt when summarizing a conversation for
// /compact. The nine sections are parsed back out by nothing in this
// codebase — they exist purely to force a structured, complete summary —
// so their order and names must stay stable across releases.
const CompactSystemPrompt = `Your task is to create a detailed summary of the conversation so far, paying close attention to the user's explicit requests and your own prior actions.

This summary should be thorough in capturing technical details, code patterns, and architectural decisions that would be essential for continuing development work without losing context.

Before writing the summary, wrap your analysis in <analysis> tags to organize your thoughts, making sure to account for all sections of the requested summary.

Then produce the summary using exactly these nine numbered sections, in order:
1. Primary Request and Intent
2. Key Technical Concepts
3. Files and Code Sections
4. Errors and Fixes
5. Problem Solving
6. All User Messages
7. Pending Tasks
8. Current Work
9. Optional Next Step`

// CompactOptions configures a /compact summarization pass.
type CompactOptions struct {
	Provider     provider.Provider
	Hooks        HookRunner
	History      []provider.Message // full persisted history, leading system message included
	Instructions string              // optional free-form focus supplied after /compact
}

// Compact implements §4.4: run PreCompact hooks, ask the model for a
// structured summary, and fall back to a deterministic local summary if the
// model call fails. usedFallback reports which path produced the summary,
// for the caller's status message. err is non-nil only when a PreCompact
// hook vetoes the operation outright.
func Compact(ctx context.Context, opts CompactOptions) (summary string, usedFallback bool, err error) {
	if opts.Hooks != nil {
		if stop, reason := opts.Hooks.Run(ctx, hooks.PreCompact, map[string]string{"instructions": opts.Instructions}); stop {
			return "", false, fmt.Errorf("blocked by PreCompact hook: %s", reason)
		}
	}

	if s, lerr := summarizeWithLLM(ctx, opts.Provider, opts.History, opts.Instructions); lerr == nil {
		return s, false, nil
	} else {
		log.Warn().Err(lerr).Msg("compaction: LLM summarization failed, using local fallback")
	}

	return localSummary(opts.History, opts.Instructions), true, nil
}

// summarizeWithLLM sends the conversation to the model under the fixed
// summarization prompt and collects its full response, reusing the same
// stream-collection path as a normal agent turn.
func summarizeWithLLM(ctx context.Context, prov provider.Provider, history []provider.Message, instructions string) (string, error) {
	if prov == nil {
		return "", fmt.Errorf("no provider configured")
	}
	msgs := buildCompactionMessages(history, instructions)
	stream, err := prov.ChatStream(ctx, msgs, nil)
	if err != nil {
		return "", err
	}
	resp, _, _, cancelled, err := collectWithDeltas(ctx, stream, nil)
	if err != nil {
		return "", err
	}
	if cancelled {
		return "", fmt.Errorf("compaction cancelled")
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return "", fmt.Errorf("empty summary from provider")
	}
	return resp.Content, nil
}

// buildCompactionMessages swaps in CompactSystemPrompt for the session's own
// system message and appends a directive turn asking for the summary.
func buildCompactionMessages(history []provider.Message, instructions string) []provider.Message {
	msgs := make([]provider.Message, 0, len(history)+2)
	msgs = append(msgs, provider.Message{Role: "system", Content: CompactSystemPrompt, CreatedAt: time.Now()})
	for _, m := range history {
		if m.Role == "system" {
			continue
		}
		msgs = append(msgs, m)
	}
	directive := "Summarize the conversation above."
	if instructions != "" {
		directive += " Pay particular attention to: " + instructions
	}
	msgs = append(msgs, provider.Message{Role: "user", Content: directive, CreatedAt: time.Now()})
	return msgs
}

// localSummary is the deterministic fallback: it counts user/assistant
// turns and extracts a topic from the first few words of the first user
// message, since there is no model available to summarize with.
func localSummary(history []provider.Message, instructions string) string {
	var users, assistants int
	var topic string
	for _, m := range history {
		switch m.Role {
		case "user":
			users++
			if topic == "" && strings.TrimSpace(m.Content) != "" {
				topic = firstWords(m.Content, 3)
			}
		case "assistant":
			assistants++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Conversation covered %d user message(s) and %d assistant response(s)", users, assistants)
	if topic != "" {
		fmt.Fprintf(&b, ", starting from \"%s…\"", topic)
	}
	b.WriteString(".")
	if instructions != "" {
		fmt.Fprintf(&b, " Requested focus: %s.", instructions)
	}
	return b.String()
}

func firstWords(s string, n int) string {
	fields := strings.Fields(s)
	if len(fields) > n {
		fields = fields[:n]
	}
	return strings.Join(fields, " ")
}
