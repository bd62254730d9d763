package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	tea "charm.land/bubbletea/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/xonecas/symb/internal/config"
	"github.com/xonecas/symb/internal/delta"
	"github.com/xonecas/symb/internal/hooks"
	"github.com/xonecas/symb/internal/llm"
	"github.com/xonecas/symb/internal/lsp"
	"github.com/xonecas/symb/internal/mcp"
	"github.com/xonecas/symb/internal/mcptools"
	"github.com/xonecas/symb/internal/permission"
	"github.com/xonecas/symb/internal/provider"
	"github.com/xonecas/symb/internal/shell"
	"github.com/xonecas/symb/internal/store"
	"github.com/xonecas/symb/internal/treesitter"
	"github.com/xonecas/symb/internal/tui"
)

// stringList collects the repeated occurrences of a flag (e.g. multiple
// --add-dir) into an ordered slice.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	if err := setupFileLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to setup logging: %v\n", err)
	}

	// Parse CLI flags.
	flagSession := flag.String("s", "", "resume a session by ID")
	flagList := flag.Bool("l", false, "list sessions")
	flagContinue := flag.Bool("c", false, "continue most recent session")
	flagResume := flag.String("resume", "", "resume a session by ID")
	flagSkipPermissions := flag.Bool("dangerously-skip-permissions", false, "auto-allow every tool call without prompting")
	flagDebug := flag.Bool("debug", false, "enable debug-level logging")
	flagPrint := flag.Bool("print", false, "print the response to --prompt and exit, instead of opening the TUI")
	flagPrompt := flag.String("prompt", "", "prompt to send in --print mode")
	flagModel := flag.String("model", "", "override the configured model")
	flagAllowedTools := flag.String("allowed-tools", "", "comma-separated tool names to always allow")
	flagDisallowedTools := flag.String("disallowed-tools", "", "comma-separated tool names to always deny")
	flagMCPConfig := flag.String("mcp-config", "", "path to a file naming the upstream MCP server address")
	var flagAddDir stringList
	flag.Var(&flagAddDir, "add-dir", "additional directory to allow tool access to (repeatable)")
	flag.StringVar(flagSession, "session", "", "resume a session by ID")
	flag.BoolVar(flagList, "list", false, "list sessions")
	flag.BoolVar(flagContinue, "continue", false, "continue most recent session")
	flag.Parse()

	if *flagDebug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	configPath := filepath.Join(".", "config.toml")
	if dataDir, err := config.DataDir(); err == nil {
		dataDirPath := filepath.Join(dataDir, "config.toml")
		if _, err := os.Stat(dataDirPath); err == nil {
			configPath = dataDirPath
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	creds, err := config.LoadCredentials()
	if err != nil {
		fmt.Printf("Error loading credentials: %v\n", err)
		os.Exit(1)
	}

	if *flagMCPConfig != "" {
		addr, err := os.ReadFile(*flagMCPConfig)
		if err != nil {
			fmt.Printf("Error reading --mcp-config: %v\n", err)
			os.Exit(1)
		}
		cfg.MCP.Upstream = strings.TrimSpace(string(addr))
	}
	if *flagAllowedTools != "" {
		cfg.Permission.Allowed = append(cfg.Permission.Allowed, splitCSV(*flagAllowedTools)...)
	}
	if *flagDisallowedTools != "" {
		cfg.Permission.Disallowed = append(cfg.Permission.Disallowed, splitCSV(*flagDisallowedTools)...)
	}

	registry := buildRegistry(cfg, creds)

	providerName, providerCfg := resolveProvider(cfg, registry)
	if *flagModel != "" {
		providerCfg.Model = *flagModel
	}

	prov, err := registry.Create(providerName, providerCfg.Model, provider.Options{
		Temperature: providerCfg.Temperature,
	})
	if err != nil {
		fmt.Printf("Error creating provider: %v\n", err)
		os.Exit(1)
	}
	defer prov.Close()

	svc := setupServices(cfg, creds)
	defer svc.proxy.Close()
	defer svc.lspManager.StopAll(context.Background())
	if svc.webCache != nil {
		defer svc.webCache.Close()
	}

	// Handle --list: print sessions and exit.
	if *flagList {
		listSessions(svc.webCache)
		return
	}

	tools, err := svc.proxy.ListTools(context.Background())
	if err != nil {
		fmt.Printf("Warning: Failed to list tools: %v\n", err)
		tools = []mcp.Tool{}
	}

	// Register SubAgent tool after obtaining the tools list.
	// SubAgent needs access to provider and all tools to spawn isolated sub-agents.
	subAgentHandler := mcptools.NewSubAgentHandler(
		prov,
		svc.lspManager,
		svc.deltaTracker,
		svc.shell,
		svc.webCache,
		svc.exaKey,
		tools,
	)
	svc.proxy.RegisterTool(mcptools.NewSubAgentTool(), subAgentHandler.Handle)

	// Re-fetch tools list to include SubAgent
	tools, err = svc.proxy.ListTools(context.Background())
	if err != nil {
		fmt.Printf("Warning: Failed to list tools after SubAgent registration: %v\n", err)
		tools = []mcp.Tool{}
	}

	resumeID := *flagSession
	if resumeID == "" {
		resumeID = *flagResume
	}

	// --print runs a single turn non-interactively and exits, skipping the
	// TUI entirely — for scripting and CI use.
	if *flagPrint {
		os.Exit(runPrintMode(prov, svc, tools, *flagPrompt, resumeID, *flagContinue, *flagSkipPermissions, cfg))
	}

	sessionID, resumeHistory := resolveSession(resumeID, *flagContinue, svc.webCache)

	// Build tree-sitter project symbol index.
	cwd, err := os.Getwd()
	if err != nil {
		fmt.Printf("Warning: failed to get working directory: %v\n", err)
		cwd = "."
	}
	tsIndex := treesitter.NewIndex(cwd)
	if err := tsIndex.Build(); err != nil {
		log.Warn().Err(err).Msg("tree-sitter index build failed")
	}

	// Wire index into Read/Edit handlers for incremental updates.
	svc.readHandler.SetTSIndex(tsIndex)
	svc.editHandler.SetTSIndex(tsIndex)

	// Set session on delta tracker so file deltas are linked.
	if svc.deltaTracker != nil {
		svc.deltaTracker.SetSession(sessionID)
	}

	broker := buildPermissionBroker(cfg, *flagSkipPermissions)
	hookRunner := buildHookRunner(cfg)

	p := tea.NewProgram(
		tui.New(prov, svc.proxy, tools, providerCfg.Model, svc.webCache, sessionID, tsIndex, svc.deltaTracker, svc.fileTracker, providerName, svc.scratchpad, resumeHistory, broker, hookRunner, []string(flagAddDir)),
		tea.WithFilter(tui.MouseEventFilter),
	)
	svc.lspManager.SetCallback(func(absPath string, lines map[int]int) {
		p.Send(tui.LSPDiagnosticsMsg{FilePath: absPath, Lines: lines})
	})

	final, err := p.Run()
	if err != nil {
		fmt.Printf("Error running symb: %v\n", err)
		os.Exit(1)
	}
	if m, ok := final.(tui.Model); ok && m.WasInterrupted() {
		os.Exit(130)
	}
}

// splitCSV splits a comma-separated flag value into trimmed, non-empty parts.
func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// runPrintMode services --print: it runs exactly one agent turn against
// --prompt with no TUI, prints the assistant's final text to stdout, and
// returns the process exit code (0 on success, 1 on error).
func runPrintMode(prov provider.Provider, svc services, tools []mcp.Tool, prompt, resumeID string, continueFlag, skipPermissions bool, cfg *config.Config) int {
	if strings.TrimSpace(prompt) == "" {
		fmt.Fprintln(os.Stderr, "--print requires --prompt")
		return 1
	}

	_, history := resolveSession(resumeID, continueFlag, svc.webCache)
	turns := llm.MessagesToTurns(history)

	broker := buildPermissionBroker(cfg, skipPermissions)
	hookRunner := buildHookRunner(cfg)

	result, err := llm.ProcessTurn(context.Background(), llm.ProcessTurnOptions{
		Provider:   prov,
		ToolCaller: svc.proxy,
		Permission: broker,
		Hooks:      hookRunner,
		Tools:      tools,
		History:    turns,
		Scratchpad: svc.scratchpad,
	}, prompt, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	for i := len(result.History) - 1; i >= 0; i-- {
		t := result.History[i]
		if t.Role != llm.RoleAssistant {
			continue
		}
		for _, b := range t.Blocks {
			if b.Type == llm.BlockText {
				fmt.Println(b.Text)
			}
		}
		break
	}
	return 0
}

func buildRegistry(cfg *config.Config, creds *config.Credentials) *provider.Registry {
	registry := provider.NewRegistry()
	for name, providerCfg := range cfg.Providers {
		registry.RegisterFactory(name, provider.NewOllamaFactory(name, providerCfg.Endpoint))
	}

	// The hosted "anthropic" provider authenticates via a token resolved from
	// (in order) ANTHROPIC_AUTH_TOKEN, CLAUDE_CODE_OAUTH_TOKEN, then
	// ANTHROPIC_API_KEY, falling back to a stored credential.
	token := config.ResolveAuthToken(creds.GetAPIKey("anthropic"))
	registry.RegisterFactory("anthropic", provider.NewZenFactory("anthropic", token, ""))

	return registry
}

// buildPermissionBroker loads persisted allow/deny rules from the data dir
// and seeds the broker with any tool names named in config.
func buildPermissionBroker(cfg *config.Config, skipAll bool) *permission.Broker {
	rulesPath := ""
	if dataDir, err := config.EnsureDataDir(); err == nil {
		rulesPath = filepath.Join(dataDir, "permissions.toml")
	}
	broker := permission.New(rulesPath, 16)
	broker.SkipAll(skipAll)
	broker.SetAllowed(cfg.Permission.Allowed)
	broker.SetDisallowed(cfg.Permission.Disallowed)
	return broker
}

// buildHookRunner translates the configured hook commands into a Runner.
func buildHookRunner(cfg *config.Config) *hooks.Runner {
	list := make([]hooks.Hook, 0, len(cfg.Hooks))
	for _, h := range cfg.Hooks {
		list = append(list, hooks.Hook{
			Event:   hooks.Event(h.Event),
			Command: h.Command,
			Args:    h.Args,
		})
	}
	return hooks.NewRunner(list)
}

func resolveProvider(cfg *config.Config, registry *provider.Registry) (string, config.ProviderConfig) {
	name := cfg.DefaultProvider
	if name == "" {
		providers := registry.List()
		if len(providers) == 0 {
			fmt.Println("Error: No providers configured")
			os.Exit(1)
		}
		name = providers[0]
	}
	// cfg.Providers only lists file-configured backends (e.g. Ollama
	// endpoints); a registry entry with no matching config, such as the
	// env-token-authenticated "anthropic" factory, still resolves with a
	// zero-value config (--model supplies the model in that case).
	pcfg, ok := cfg.Providers[name]
	if !ok {
		registered := false
		for _, n := range registry.List() {
			if n == name {
				registered = true
				break
			}
		}
		if !registered {
			fmt.Printf("Error: Provider %q not found\n", name)
			os.Exit(1)
		}
	}
	return name, pcfg
}

type services struct {
	proxy        *mcp.Proxy
	lspManager   *lsp.Manager
	webCache     *store.Cache
	readHandler  *mcptools.ReadHandler
	editHandler  *mcptools.EditHandler
	shellHandler *mcptools.ShellHandler
	fileTracker  *mcptools.FileReadTracker
	deltaTracker *delta.Tracker
	scratchpad   *mcptools.Scratchpad
	shell        *shell.Shell
	exaKey       string
}

func setupServices(cfg *config.Config, creds *config.Credentials) services {
	var mcpClient mcp.UpstreamClient
	if cfg.MCP.Upstream != "" {
		mcpClient = mcp.NewClient(cfg.MCP.Upstream)
	}
	proxy := mcp.NewProxy(mcpClient)
	if err := proxy.Initialize(context.Background()); err != nil {
		fmt.Printf("Warning: MCP init failed: %v\n", err)
	}

	lspManager := lsp.NewManager()
	fileTracker := mcptools.NewFileReadTracker()

	readHandler := mcptools.NewReadHandler(fileTracker, lspManager)
	proxy.RegisterTool(mcptools.NewReadTool(), readHandler.Handle)

	proxy.RegisterTool(mcptools.NewGrepTool(), mcptools.MakeGrepHandler())

	webCache := openWebCache(cfg)

	// Create delta tracker for undo support, sharing the same DB.
	var dt *delta.Tracker
	if webCache != nil {
		dt = delta.New(webCache.DB())
	}

	editHandler := mcptools.NewEditHandler(fileTracker, lspManager, dt)
	proxy.RegisterTool(mcptools.NewEditTool(), editHandler.Handle)

	proxy.RegisterTool(mcptools.NewWebFetchTool(), mcptools.MakeWebFetchHandler(webCache))

	exaKey := creds.GetAPIKey("exa_ai")
	proxy.RegisterTool(mcptools.NewWebSearchTool(), mcptools.MakeWebSearchHandler(webCache, exaKey, ""))

	// Shell tool — in-process POSIX interpreter with command blocking.
	sh := shell.New("", shell.DefaultBlockFuncs())
	shellHandler := mcptools.NewShellHandler(sh, dt)
	proxy.RegisterTool(mcptools.NewShellTool(), shellHandler.Handle)

	proxy.RegisterTool(mcptools.NewGitStatusTool(), mcptools.MakeGitStatusHandler())
	proxy.RegisterTool(mcptools.NewGitDiffTool(), mcptools.MakeGitDiffHandler())

	// TodoWrite tool — agent scratchpad for plan/notes recitation.
	pad := &mcptools.Scratchpad{}
	proxy.RegisterTool(mcptools.NewTodoWriteTool(), mcptools.MakeTodoWriteHandler(pad))

	return services{
		proxy:        proxy,
		lspManager:   lspManager,
		webCache:     webCache,
		readHandler:  readHandler,
		editHandler:  editHandler,
		shellHandler: shellHandler,
		fileTracker:  fileTracker,
		deltaTracker: dt,
		scratchpad:   pad,
		shell:        sh,
		exaKey:       exaKey,
	}
}

func openWebCache(cfg *config.Config) *store.Cache {
	cacheDir, err := config.EnsureDataDir()
	if err != nil {
		fmt.Printf("Warning: cache dir failed: %v\n", err)
		return nil
	}
	cacheTTL := time.Duration(cfg.Cache.CacheTTLOrDefault()) * time.Hour
	cache, err := store.Open(filepath.Join(cacheDir, "cache.db"), cacheTTL)
	if err != nil {
		fmt.Printf("Warning: cache open failed: %v\n", err)
		return nil
	}
	return cache
}

func newSessionID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		log.Warn().Err(err).Msg("failed to read random bytes for session id")
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func setupFileLogging() error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	dataDir, err := config.DataDir()
	if err != nil {
		return err
	}

	logDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logDir, 0750); err != nil {
		return err
	}

	logFile := filepath.Join(logDir, "symb.log")
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	log.Logger = log.Output(file)
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	return nil
}

func listSessions(db *store.Cache) {
	if db == nil {
		fmt.Println("No cache available")
		return
	}
	sessions, err := db.ListSessions()
	if err != nil {
		fmt.Printf("Error listing sessions: %v\n", err)
		return
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions found")
		return
	}
	for _, s := range sessions {
		ts := s.Timestamp.Format("2006-01-02 15:04")
		preview := s.Preview
		preview = strings.ReplaceAll(preview, "\n", " ")
		if len(preview) > 50 {
			preview = preview[:50]
		}
		fmt.Printf("%s  %s  %s\n", s.ID, ts, preview)
	}
}

func storedToMessages(msgs []store.SessionMessage) []provider.Message {
	return store.ToProviderMessages(msgs)
}

func resolveSession(flagSession string, flagContinue bool, db *store.Cache) (string, []provider.Message) {
	switch {
	case flagSession != "":
		if db != nil {
			ok, err := db.SessionExists(flagSession)
			if err != nil || !ok {
				fmt.Printf("Session %q not found\n", flagSession)
				os.Exit(1)
			}
		}
		msgs := loadHistory(flagSession, db)
		return flagSession, msgs

	case flagContinue:
		if db == nil {
			fmt.Println("No cache available")
			os.Exit(1)
		}
		id, err := db.LatestSessionID()
		if err != nil {
			fmt.Printf("No sessions to continue: %v\n", err)
			os.Exit(1)
		}
		msgs := loadHistory(id, db)
		return id, msgs

	default:
		sid := newSessionID()
		if db != nil {
			if err := db.CreateSession(sid); err != nil {
				fmt.Printf("Warning: failed to create session: %v\n", err)
			}
		}
		return sid, nil
	}
}

func loadHistory(sessionID string, db *store.Cache) []provider.Message {
	if db == nil {
		return nil
	}
	stored, err := db.LoadMessages(sessionID)
	if err != nil {
		fmt.Printf("Warning: failed to load session history: %v\n", err)
		return nil
	}
	return storedToMessages(stored)
}
