package tui

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	tea "charm.land/bubbletea/v2"
	"github.com/xonecas/symb/internal/hooks"
	"github.com/xonecas/symb/internal/llm"
	"github.com/xonecas/symb/internal/provider"
	"github.com/xonecas/symb/internal/store"
)

// slashCommand is one entry of the fixed dispatch table. Run may mutate m
// directly (it always runs on the main Update goroutine) and optionally
// returns a tea.Cmd for work that must happen off that goroutine (network
// calls, file I/O, subprocess spawns).
type slashCommand struct {
	Name    string   // without the leading slash
	Aliases []string
	ArgHint string // shown in the autocomplete dropdown, "" if no arguments
	Desc    string
	Run     func(m *Model, args string) tea.Cmd
}

// slashCommands is the fixed table behind the dispatcher and the
// autocomplete dropdown. Unknown input starting with "/" falls through to
// an error message instead of mutating any session state.
var slashCommands = []slashCommand{
	{Name: "help", Desc: "list available commands", Run: (*Model).cmdHelp},
	{Name: "clear", Desc: "clear the conversation display", Run: (*Model).cmdClear},
	{Name: "save", Desc: "snapshot the session to disk", Run: (*Model).cmdSave},
	{Name: "load", ArgHint: "<session-id>", Desc: "load a saved session", Run: (*Model).cmdLoad},
	{Name: "resume", ArgHint: "<session-id>", Desc: "resume a previous session", Run: (*Model).cmdResume},
	{Name: "model", ArgHint: "[name]", Desc: "switch the active model", Run: (*Model).cmdModel},
	{Name: "models", Desc: "browse available models", Run: (*Model).cmdModel},
	{Name: "tools", Desc: "list registered tools", Run: (*Model).cmdTools},
	{Name: "mcp", Desc: "show MCP upstream status", Run: (*Model).cmdMCP},
	{Name: "compact", ArgHint: "[instructions]", Desc: "summarize and compact the conversation", Run: (*Model).cmdCompact},
	{Name: "context", Desc: "show context token usage", Run: (*Model).cmdContext},
	{Name: "cost", Desc: "show token usage for this session", Run: (*Model).cmdCost},
	{Name: "continue", Desc: "report whether a turn is in progress (no interrupted turn is kept to resume)", Run: (*Model).cmdContinue},
	{Name: "add-dir", ArgHint: "<path> [--persist|--local|--user]", Desc: "grant tools access to another directory", Run: (*Model).cmdAddDir},
	{Name: "files", Desc: "open the file search modal", Run: (*Model).cmdFiles},
	{Name: "permissions", Desc: "list always/never permission rules", Run: (*Model).cmdPermissions},
	{Name: "login", Desc: "show authentication configuration", Run: (*Model).cmdLogin},
	{Name: "logout", Desc: "show authentication configuration", Run: (*Model).cmdLogin},
	{Name: "export", ArgHint: "json|md", Desc: "export the conversation to a file", Run: (*Model).cmdExport},
	{Name: "rename", ArgHint: "<name>", Desc: "rename the current session", Run: (*Model).cmdRename},
	{Name: "review", ArgHint: "[pr]", Desc: "review a pull request", Run: (*Model).cmdReview},
	{Name: "init", Desc: "scaffold an AGENTS.md for this project", Run: (*Model).cmdInit},
	{Name: "status", Desc: "show session and provider status", Run: (*Model).cmdStatus},
	{Name: "doctor", Desc: "check the local environment", Run: (*Model).cmdDoctor},
	{Name: "bashes", Desc: "list background shell output", Run: (*Model).cmdBashes},
	{Name: "bug", Desc: "report a bug", Run: (*Model).cmdBug},
	{Name: "terminal-setup", Desc: "check terminal keyboard support", Run: (*Model).cmdTerminalSetup},
	{Name: "hooks", Desc: "list configured lifecycle hooks", Run: (*Model).cmdHooks},
	{Name: "memory", ArgHint: "[list|edit|show]", Desc: "show loaded AGENTS.md instructions", Run: (*Model).cmdMemory},
	{Name: "plugin", Desc: "show plugin status", Run: (*Model).cmdPlugin},
	{Name: "exit", Aliases: []string{"quit"}, Desc: "exit symb", Run: (*Model).cmdExit},
}

// lookupSlashCommand finds a command by name or alias, case-insensitively.
func lookupSlashCommand(name string) *slashCommand {
	name = strings.ToLower(name)
	for i := range slashCommands {
		c := &slashCommands[i]
		if c.Name == name {
			return c
		}
		for _, a := range c.Aliases {
			if a == name {
				return c
			}
		}
	}
	return nil
}

// dispatchSlashCommand parses a submitted line starting with "/" and runs
// the matching handler. Returns handled=false for input that isn't a slash
// command at all, so the caller falls through to the normal LLM-forwarding
// path.
func dispatchSlashCommand(m *Model, line string) (tea.Cmd, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "/") {
		return nil, false
	}
	body := strings.TrimPrefix(trimmed, "/")
	fields := strings.SplitN(body, " ", 2)
	name := fields[0]
	args := ""
	if len(fields) == 2 {
		args = strings.TrimSpace(fields[1])
	}

	cmd := lookupSlashCommand(name)
	if cmd == nil {
		m.appendSystemLine("Unknown command: /" + name + " (try /help)")
		return nil, true
	}
	return cmd.Run(m, args), true
}

// appendSystemLine renders a one-off status/error line in the conversation,
// outside the normal user/assistant turn flow.
func (m *Model) appendSystemLine(text string) {
	m.appendText(styledLines(text, m.styles.Muted)...)
}

func (m *Model) appendErrorLine(text string) {
	m.appendText(styledLines(text, m.styles.Error)...)
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (m *Model) cmdHelp(string) tea.Cmd {
	names := make([]string, len(slashCommands))
	for i, c := range slashCommands {
		names[i] = c.Name
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, n := range names {
		c := lookupSlashCommand(n)
		hint := ""
		if c.ArgHint != "" {
			hint = " " + c.ArgHint
		}
		fmt.Fprintf(&b, "  /%s%s — %s\n", c.Name, hint, c.Desc)
	}
	m.appendSystemLine(strings.TrimRight(b.String(), "\n"))
	return nil
}

func (m *Model) cmdClear(string) tea.Cmd {
	m.convEntries = nil
	m.convLineSource = nil
	m.scrollOffset = 0
	m.turnBoundaries = nil
	m.totalInputTokens = 0
	m.totalOutputTokens = 0
	m.appendSystemLine("Conversation display cleared.")
	return nil
}

func (m *Model) cmdSave(string) tea.Cmd {
	cwd, err := os.Getwd()
	if err != nil {
		m.appendErrorLine("/save: " + err.Error())
		return nil
	}
	displayMsgs := llm.ProjectForDisplay(llm.MessagesToTurns(m.history), func(i int) int64 {
		if i < len(m.history) {
			return m.history[i].CreatedAt.Unix()
		}
		return time.Now().Unix()
	})
	snap := store.Snapshot{
		SessionID: m.sessionID,
		Model:     m.currentModelName,
		Messages:  displayMsgs,
		Timestamp: time.Now().Unix(),
	}
	if err := store.SaveSnapshot(cwd, snap); err != nil {
		m.appendErrorLine("/save: " + err.Error())
		return nil
	}
	m.appendSystemLine("Session snapshot saved.")
	return nil
}

func (m *Model) cmdLoad(args string) tea.Cmd {
	m.appendSystemLine("To load a saved session, restart with --resume " + args)
	return nil
}

func (m *Model) cmdResume(args string) tea.Cmd {
	return m.cmdLoad(args)
}

func (m *Model) cmdModel(string) tea.Cmd {
	if m.registry == nil {
		m.appendErrorLine("/model: no provider registry configured")
		return nil
	}
	return m.fetchModelsCmd()
}

func (m *Model) cmdTools(string) tea.Cmd {
	if len(m.mcpTools) == 0 {
		m.appendSystemLine("No tools registered.")
		return nil
	}
	names := make([]string, len(m.mcpTools))
	for i, t := range m.mcpTools {
		names[i] = t.Name
	}
	sort.Strings(names)
	m.appendSystemLine("Tools: " + strings.Join(names, ", "))
	return nil
}

func (m *Model) cmdMCP(string) tea.Cmd {
	if m.mcpProxy == nil {
		m.appendSystemLine("No MCP proxy configured.")
		return nil
	}
	if !m.mcpProxy.HasUpstream() {
		m.appendSystemLine(fmt.Sprintf("No upstream MCP server connected (%d local tool(s)).", m.mcpProxy.LocalToolCount()))
		return nil
	}
	m.appendSystemLine(fmt.Sprintf("Upstream MCP server connected (%d local tool(s)).", m.mcpProxy.LocalToolCount()))
	return nil
}

// compactResultMsg carries the outcome of a /compact summarization pass.
type compactResultMsg struct {
	summary      string
	usedFallback bool
	err          error
}

func (m *Model) cmdCompact(args string) tea.Cmd {
	if m.compactInFlight {
		m.appendSystemLine("/compact is already running.")
		return nil
	}
	if m.store == nil && m.provider == nil {
		m.appendErrorLine("/compact: no session store or provider available")
		return nil
	}
	m.compactInFlight = true
	m.appendSystemLine("Compacting conversation…")

	db := m.store
	sessionID := m.sessionID
	prov := m.provider
	var hr llm.HookRunner
	if m.hooks != nil {
		hr = m.hooks
	}
	systemMsg := m.initialSystemMsg
	ctx := m.ctx

	return func() tea.Msg {
		var history []provider.Message
		if db != nil {
			stored, err := db.LoadMessages(sessionID)
			if err == nil {
				history = store.ToProviderMessages(stored)
			}
		}
		history = ensureSystemMessage(history, systemMsg)

		summary, usedFallback, err := llm.Compact(ctx, llm.CompactOptions{
			Provider:     prov,
			Hooks:        hr,
			History:      history,
			Instructions: args,
		})
		if err != nil {
			return compactResultMsg{err: err}
		}
		if db != nil {
			if err := db.ReplaceWithSummary(sessionID, summary); err != nil {
				return compactResultMsg{err: err}
			}
		}
		return compactResultMsg{summary: summary, usedFallback: usedFallback}
	}
}

// handleCompactResult applies a completed /compact pass to the display,
// mirroring the replace-all-but-leading-system-message contract applied to
// the store by ReplaceWithSummary.
func (m Model) handleCompactResult(msg compactResultMsg) (Model, tea.Cmd) {
	m.compactInFlight = false
	if msg.err != nil {
		m.appendErrorLine("/compact failed: " + msg.err.Error())
		return m, nil
	}
	m.convEntries = nil
	m.convLineSource = nil
	m.scrollOffset = 0
	m.turnBoundaries = nil
	m.appendText(highlightMarkdown("**Conversation Summary:**\n\n"+msg.summary, m.styles.Text)...)
	if msg.usedFallback {
		m.appendSystemLine("(model summarization failed; used a local fallback summary)")
	}
	return m, nil
}

func (m *Model) cmdContext(string) tea.Cmd {
	m.appendSystemLine(fmt.Sprintf("Context tokens: %d in / %d out (turn), %d in / %d out (session)",
		m.turnInputTokens, m.turnOutputTokens, m.totalInputTokens, m.totalOutputTokens))
	return nil
}

func (m *Model) cmdCost(string) tea.Cmd {
	m.appendSystemLine(fmt.Sprintf("Session usage: %d input tokens, %d output tokens (no pricing table configured)",
		m.totalInputTokens, m.totalOutputTokens))
	return nil
}

func (m *Model) cmdContinue(string) tea.Cmd {
	if m.turnPending || m.llmInFlight {
		m.appendSystemLine("A turn is already in progress.")
		return nil
	}
	m.appendSystemLine("Nothing to continue: no interrupted turn is pending.")
	return nil
}

func (m *Model) cmdAddDir(args string) tea.Cmd {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		m.appendErrorLine("usage: /add-dir <path> [--persist|--local|--user]")
		return nil
	}
	path := fields[0]
	abs, err := filepath.Abs(path)
	if err != nil {
		m.appendErrorLine("/add-dir: " + err.Error())
		return nil
	}
	for _, d := range m.extraDirs {
		if d == abs {
			m.appendSystemLine(abs + " is already an allowed directory.")
			return nil
		}
	}
	m.extraDirs = append(m.extraDirs, abs)
	m.appendSystemLine("Added " + abs + " to allowed directories for this session.")
	return nil
}

func (m *Model) cmdFiles(string) tea.Cmd {
	if m.searcher == nil {
		m.appendErrorLine("/files: no file searcher configured")
		return nil
	}
	m.openFileModal()
	return nil
}

func (m *Model) cmdPermissions(string) tea.Cmd {
	if m.permission == nil {
		m.appendSystemLine("Permission checks are disabled (--dangerously-skip-permissions).")
		return nil
	}
	rules := m.permission.Rules()
	if len(rules) == 0 {
		m.appendSystemLine("No persisted allow/deny rules.")
		return nil
	}
	var b strings.Builder
	b.WriteString("Permission rules:\n")
	for _, r := range rules {
		verb := "deny"
		if r.Allow {
			verb = "allow"
		}
		fmt.Fprintf(&b, "  %s %s %s\n", verb, r.Tool, r.Fingerprint)
	}
	m.appendSystemLine(strings.TrimRight(b.String(), "\n"))
	return nil
}

func (m *Model) cmdLogin(string) tea.Cmd {
	m.appendSystemLine("Authentication is read from ANTHROPIC_API_KEY, ANTHROPIC_AUTH_TOKEN, or CLAUDE_CODE_OAUTH_TOKEN; there is no separate login flow.")
	return nil
}

func (m *Model) cmdExport(args string) tea.Cmd {
	format := strings.ToLower(strings.TrimSpace(args))
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "md" {
		m.appendErrorLine("usage: /export json|md")
		return nil
	}

	turns := llm.MessagesToTurns(m.history)
	displayMsgs := llm.ProjectForDisplay(turns, func(i int) int64 {
		if i < len(m.history) {
			return m.history[i].CreatedAt.Unix()
		}
		return time.Now().Unix()
	})

	name := fmt.Sprintf("symb-%s.%s", m.sessionID, format)
	var content string
	if format == "json" {
		data, err := exportJSON(displayMsgs)
		if err != nil {
			m.appendErrorLine("/export: " + err.Error())
			return nil
		}
		content = data
	} else {
		content = exportMarkdown(displayMsgs)
	}

	if err := os.WriteFile(name, []byte(content), 0600); err != nil {
		m.appendErrorLine("/export: " + err.Error())
		return nil
	}
	m.appendSystemLine("Exported conversation to " + name)
	return nil
}

func (m *Model) cmdRename(args string) tea.Cmd {
	name := strings.TrimSpace(args)
	if name == "" {
		m.appendErrorLine("usage: /rename <name>")
		return nil
	}
	if m.store == nil {
		m.appendErrorLine("/rename: no session store configured")
		return nil
	}
	if err := m.store.RenameSession(m.sessionID, name); err != nil {
		m.appendErrorLine("/rename: " + err.Error())
		return nil
	}
	m.appendSystemLine("Session renamed to " + strconv.Quote(name) + ".")
	return nil
}

func (m *Model) cmdReview(args string) tea.Cmd {
	target := strings.TrimSpace(args)
	if target == "" {
		target = "the current branch"
	}
	m.appendSystemLine("Code review of " + target + " is not automated here; run `gh pr diff` or `git diff` and paste the output to review it.")
	return nil
}

func (m *Model) cmdInit(string) tea.Cmd {
	cwd, err := os.Getwd()
	if err != nil {
		m.appendErrorLine("/init: " + err.Error())
		return nil
	}
	path := filepath.Join(cwd, "AGENTS.md")
	if _, err := os.Stat(path); err == nil {
		m.appendSystemLine("AGENTS.md already exists.")
		return nil
	}
	template := "# Agent instructions\n\nDescribe build, test, and style conventions for this project here.\n"
	if err := os.WriteFile(path, []byte(template), 0600); err != nil {
		m.appendErrorLine("/init: " + err.Error())
		return nil
	}
	m.appendSystemLine("Created AGENTS.md.")
	return nil
}

func (m *Model) cmdStatus(string) tea.Cmd {
	var b strings.Builder
	fmt.Fprintf(&b, "Session: %s\n", m.sessionID)
	fmt.Fprintf(&b, "Provider: %s\n", m.providerConfigName)
	fmt.Fprintf(&b, "Model: %s\n", m.currentModelName)
	if m.gitBranch != "" {
		dirty := ""
		if m.gitDirty {
			dirty = " (dirty)"
		}
		fmt.Fprintf(&b, "Git branch: %s%s\n", m.gitBranch, dirty)
	}
	fmt.Fprintf(&b, "Allowed directories: %d extra\n", len(m.extraDirs))
	m.appendSystemLine(strings.TrimRight(b.String(), "\n"))
	return nil
}

func (m *Model) cmdDoctor(string) tea.Cmd {
	var b strings.Builder
	b.WriteString("Environment check:\n")
	checkEnv := func(name string) {
		if os.Getenv(name) != "" {
			fmt.Fprintf(&b, "  %s: set\n", name)
		} else {
			fmt.Fprintf(&b, "  %s: not set\n", name)
		}
	}
	checkEnv("ANTHROPIC_API_KEY")
	checkEnv("ANTHROPIC_AUTH_TOKEN")
	checkEnv("CLAUDE_CODE_OAUTH_TOKEN")
	if m.provider != nil {
		fmt.Fprintf(&b, "  provider: %s (ok)\n", m.provider.Name())
	} else {
		b.WriteString("  provider: none configured\n")
	}
	if m.store != nil {
		b.WriteString("  session store: ok\n")
	} else {
		b.WriteString("  session store: disabled\n")
	}
	m.appendSystemLine(strings.TrimRight(b.String(), "\n"))
	return nil
}

func (m *Model) cmdBashes(string) tea.Cmd {
	m.appendSystemLine("No background shell sessions are tracked outside tool calls in flight.")
	return nil
}

func (m *Model) cmdBug(string) tea.Cmd {
	m.appendSystemLine("To report a bug, include the session id (" + m.sessionID + ") and a reproduction in your issue.")
	return nil
}

func (m *Model) cmdTerminalSetup(string) tea.Cmd {
	term := os.Getenv("TERM_PROGRAM")
	if term == "" {
		term = "unknown"
	}
	m.appendSystemLine("TERM_PROGRAM=" + term + "; keyboard enhancements (Kitty protocol) are negotiated automatically.")
	return nil
}

func (m *Model) cmdHooks(string) tea.Cmd {
	if m.hooks == nil {
		m.appendSystemLine("No lifecycle hooks configured.")
		return nil
	}
	all := m.hooks.All()
	if len(all) == 0 {
		m.appendSystemLine("No lifecycle hooks configured.")
		return nil
	}
	events := make([]string, 0, len(all))
	for ev := range all {
		events = append(events, string(ev))
	}
	sort.Strings(events)

	var b strings.Builder
	b.WriteString("Configured hooks:\n")
	for _, ev := range events {
		for _, h := range all[hooks.Event(ev)] {
			fmt.Fprintf(&b, "  %s: %s\n", ev, h.Command)
		}
	}
	m.appendSystemLine(strings.TrimRight(b.String(), "\n"))
	return nil
}

func (m *Model) cmdMemory(args string) tea.Cmd {
	mode := strings.ToLower(strings.TrimSpace(args))
	if mode == "edit" {
		m.appendSystemLine("/memory edit: open AGENTS.md in your editor directly; there is no in-app editor.")
		return nil
	}
	instructions := llm.LoadAgentInstructions()
	if instructions == "" {
		m.appendSystemLine("No AGENTS.md instructions found.")
		return nil
	}
	m.appendSystemLine(instructions)
	return nil
}

func (m *Model) cmdPlugin(string) tea.Cmd {
	m.appendSystemLine("No plugin system is configured.")
	return nil
}

func (m *Model) cmdExit(string) tea.Cmd {
	return tea.Batch(m.cancelProgramCmd(), m.flushAndQuit())
}

func exportJSON(msgs []llm.DisplayMessage) (string, error) {
	data, err := json.MarshalIndent(msgs, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func exportMarkdown(msgs []llm.DisplayMessage) string {
	var b strings.Builder
	for _, msg := range msgs {
		role := msg.Role
		if len(role) > 0 {
			role = strings.ToUpper(role[:1]) + role[1:]
		}
		fmt.Fprintf(&b, "### %s\n\n%s\n\n", role, msg.Content)
	}
	return b.String()
}
