package tui

import (
	"context"
	"image"
	"regexp"
	"sync/atomic"
	"time"

	"charm.land/bubbles/v2/spinner"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"
	"github.com/xonecas/symb/internal/constants"
	"github.com/xonecas/symb/internal/delta"
	"github.com/xonecas/symb/internal/filesearch"
	"github.com/xonecas/symb/internal/hooks"
	"github.com/xonecas/symb/internal/llm"
	"github.com/xonecas/symb/internal/mcp"
	"github.com/xonecas/symb/internal/mcptools"
	"github.com/xonecas/symb/internal/permission"
	"github.com/xonecas/symb/internal/provider"
	"github.com/xonecas/symb/internal/store"
	"github.com/xonecas/symb/internal/treesitter"
	"github.com/xonecas/symb/internal/tui/editor"
	"github.com/xonecas/symb/internal/tui/modal"
)

// ---------------------------------------------------------------------------
// Layout
// ---------------------------------------------------------------------------

// layout holds computed rectangles for every TUI region.
// Recomputed from terminal dimensions on every resize.
type layout struct {
	editor image.Rectangle // Left pane: code viewer
	conv   image.Rectangle // Right pane: conversation log
	sep    image.Rectangle // Right pane: separator between conv and input
	input  image.Rectangle // Right pane: agent input
	div    image.Rectangle // Vertical divider column (1-wide)
}

const (
	inputRows       = 3 // Agent input height
	statusRows      = 2 // Status separator + status bar
	minPaneWidth    = 20
	maxPreviewLines = 5 // Max lines shown for tool results before truncation
)

// entryKind distinguishes conversation entry types for click handling.
type entryKind int

const (
	entryText       entryKind = iota // Plain text (user, assistant, separator)
	entryToolResult                  // Tool result — clickable to view full content in editor
	entrySeparator                   // Turn separator line (timestamp/token summary)
	entryUndo                        // Right-aligned "undo" control below a separator
	entryToolCall                    // Tool invocation line ("→ Name(...)")
	entryToolDiag                    // Tool diagnostic/error line
)

// convEntry is a single logical entry in the conversation pane.
type convEntry struct {
	display  string    // Styled text for rendering (may be truncated for tool results)
	kind     entryKind // Entry type
	filePath string    // Source file path (for tool results that reference a file)
	full     string    // Fallback raw content (when no file path, e.g. Grep results)
	line     int       // Target line for cursor positioning when opening filePath
	toolName string    // Name of the tool that produced this entry (for entryToolResult)
}

// toolResultFileRe extracts the file path from "Opened path ..." / "Edited path ..." / "Created path ..." headers.
var toolResultFileRe = regexp.MustCompile(`^(?:Opened|Edited|Created)\s+(\S+)`)

// generateLayout computes all regions from terminal size and divider position.
func generateLayout(width, height, divX int) layout {
	contentH := height - statusRows
	if contentH < 1 {
		contentH = 1
	}

	// Vertical divider splits left/right at column divX.
	rightX := divX + 1
	rightW := width - rightX
	if rightW < 1 {
		rightW = 1
	}

	// Right pane vertical splits: conv | sep(1) | input(3)
	sepY := contentH - inputRows - 1
	if sepY < 0 {
		sepY = 0
	}
	inputY := contentH - inputRows
	if inputY < 0 {
		inputY = 0
	}

	return layout{
		editor: image.Rect(0, 0, divX, contentH),
		div:    image.Rect(divX, 0, divX+1, contentH),
		conv:   image.Rect(rightX, 0, rightX+rightW, sepY),
		sep:    image.Rect(rightX, sepY, rightX+rightW, sepY+1),
		input:  image.Rect(rightX, inputY, rightX+rightW, inputY+inputRows),
	}
}

// ---------------------------------------------------------------------------
// Focus
// ---------------------------------------------------------------------------

type focus int

const (
	focusInput  focus = iota // Default: agent input has focus
	focusEditor              // Code viewer has focus
)

// ---------------------------------------------------------------------------
// Model
// ---------------------------------------------------------------------------

// Model is the top-level TUI model.
type Model struct {
	// Terminal dimensions
	width, height int

	// Sub-models
	spinner    spinner.Model
	editor     editor.Model
	agentInput editor.Model

	// Layout
	layout layout
	divX   int // Divider X position (resizable)
	focus  focus
	styles Styles

	// LLM
	provider   provider.Provider
	mcpProxy   *mcp.Proxy
	mcpTools   []mcp.Tool
	history    []provider.Message
	updateChan chan tea.Msg
	ctx        context.Context
	cancel     context.CancelFunc

	// Session and persistence
	sessionID        string
	store            *store.Cache
	storeQueue       chan storeBatch
	storeQueueDone   <-chan struct{}
	initialSystemMsg *provider.Message

	// Agent loop dependencies
	scratchpad   llm.ScratchpadReader
	deltaTracker *delta.Tracker
	permission   *permission.Broker
	hooks        *hooks.Runner

	// Per-turn state
	turnCtx           context.Context
	turnCancel        context.CancelFunc
	turnPending       bool
	llmInFlight       bool
	pendingToolCalls  map[string]provider.ToolCall
	turnBoundaries    []turnBoundary
	turnInputTokens   int
	turnOutputTokens  int
	turnContextTokens int
	totalInputTokens  int
	totalOutputTokens int
	undoInFlight      bool

	// Model/provider switching
	registry           *provider.Registry
	sharedProvider     *atomic.Pointer[provider.Provider]
	providerOpts       provider.Options
	providerConfigName string
	currentModelName   string
	cachedModels       []provider.TaggedModel

	// Conversation
	convEntries    []convEntry // Conversation entries (not wrapped)
	convLineSource []int       // Maps each wrapped line -> index in convEntries
	frameLines     []string    // Wrapped visual lines, cached for the current frame only
	scrollOffset   int         // Lines from bottom (0 = pinned)
	convSel        *convSelection
	editorFilePath string

	// Streaming state: raw text accumulated during streaming, styled at render time
	streamingReasoning string // In-progress reasoning text
	streamingContent   string // In-progress content text
	streaming          bool   // Whether we're currently streaming
	streamEntryStart   int    // Index in convEntries where streaming entries begin (-1 = none)
	streamDirty        bool   // True if streaming content changed since the last rebuild

	// Braille spinner shown in the status bar while a turn is in flight.
	spinFrame   int
	spinFrameAt time.Time

	// Modals and side panes
	fileModal     *modal.Model
	modelsModal   *modal.Model
	keybindsModal *modal.Model
	toolViewModal *modal.ToolView
	searcher      *filesearch.Searcher
	tsIndex       *treesitter.Index
	fileTracker   *mcptools.FileReadTracker
	atOffset      int // Cursor offset where an in-progress "@" mention started (-1 = none)

	// Status bar
	gitBranch   string
	gitDirty    bool
	lspErrors   int
	lspWarnings int
	lastNetError string

	// Mouse state
	resizingPane bool
	convDragging bool

	// Paste buffer: large pastes are stored here behind a placeholder
	// inserted into the editor, and substituted back in at submit time.
	pasteBuffer map[uint32]string
	pasteNextID uint32

	// Permission dialog: the active Pending awaiting a user decision, and the
	// dialog view presenting its choices, if any.
	permissionPending *permission.Pending
	permissionModal   *modal.PermissionDialog

	// Slash-command autocomplete dropdown.
	autocompleteActive  bool
	autocompleteMatches []commandMatch
	autocompleteSel     int

	// Directories added via --add-dir/--resume or the /add-dir command,
	// beyond the working directory, that tools may read/write under.
	extraDirs []string

	// compactInFlight is set while a /compact summarization call is running.
	compactInFlight bool

	// interrupted records whether the session ended via ctrl+c, for the
	// caller to map to a distinct process exit code.
	interrupted bool
}

// WasInterrupted reports whether the session ended because the user pressed
// ctrl+c, rather than exiting normally (/exit, /quit).
func (m Model) WasInterrupted() bool { return m.interrupted }

// turnBoundary marks where one user turn begins in the conversation display,
// so undo can roll back both the scrollback and the persisted token counts.
type turnBoundary struct {
	convIdx      int
	dbMsgID      int64
	inputTokens  int
	outputTokens int
}

// convSelection is an in-progress or completed mouse selection over the
// wrapped conversation lines.
type convSelection struct {
	anchor convPos
	active convPos
}

func (s *convSelection) empty() bool { return s.anchor == s.active }

// ordered returns the selection endpoints in document order.
func (s *convSelection) ordered() (convPos, convPos) {
	if s.anchor.line < s.active.line || (s.anchor.line == s.active.line && s.anchor.col <= s.active.col) {
		return s.anchor, s.active
	}
	return s.active, s.anchor
}

// convPos is a screen-space position within the wrapped conversation lines.
type convPos struct {
	line int
	col  int
}

// modelsFetchedMsg carries the result of a background model-list refresh.
type modelsFetchedMsg struct {
	models []provider.TaggedModel
	err    error
}

// modelSwitchedMsg carries the result of switching the active provider/model.
type modelSwitchedMsg struct {
	modelName    string
	providerName string
	prov         provider.Provider
	err          error
}

// New creates a new TUI model. db, tsIndex, deltaTracker, fileTracker, pad,
// brokerIn, hooksIn, resumeHistory and extraDirs may all be nil/empty for a
// minimal (e.g. test) setup; the Model degrades gracefully in their absence.
func New(
	prov provider.Provider,
	proxy *mcp.Proxy,
	tools []mcp.Tool,
	modelID string,
	db *store.Cache,
	sessionID string,
	tsIndex *treesitter.Index,
	deltaTracker *delta.Tracker,
	fileTracker *mcptools.FileReadTracker,
	providerName string,
	pad llm.ScratchpadReader,
	resumeHistory []provider.Message,
	brokerIn *permission.Broker,
	hooksIn *hooks.Runner,
	extraDirs []string,
) Model {
	sty := DefaultStyles()
	cursorStyle := lipgloss.NewStyle().Foreground(ColorHighlight)

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = cursorStyle.Background(ColorBg)

	ed := editor.New()
	ed.ShowLineNumbers = true
	ed.ReadOnly = true
	ed.Language = "markdown"
	ed.SyntaxTheme = constants.SyntaxTheme
	ed.CursorStyle = cursorStyle
	ed.LineNumStyle = lipgloss.NewStyle().Foreground(ColorBorder)
	ed.BgColor = ColorBg

	ai := editor.New()
	ai.Placeholder = "Type a message..."
	ai.CursorStyle = cursorStyle
	ai.PlaceholderSty = lipgloss.NewStyle().Foreground(ColorDim).Background(ColorBg)
	ai.BgColor = ColorBg
	ai.Focus()

	ch := make(chan tea.Msg, 500)
	ctx, cancel := context.WithCancel(context.Background())

	systemPrompt := llm.BuildSystemPrompt(modelID, tsIndex)
	systemMsg := &provider.Message{Role: "system", Content: systemPrompt, CreatedAt: time.Now()}

	history := resumeHistory
	if history == nil {
		history = []provider.Message{*systemMsg}
	}

	turns := llm.MessagesToTurns(history)
	displayMsgs := llm.ProjectForDisplay(turns, func(i int) int64 {
		if i < len(history) {
			return history[i].CreatedAt.Unix()
		}
		return time.Now().Unix()
	})
	convEntries := historyConvEntries(displayMsgs)

	m := Model{
		spinner:    s,
		editor:     ed,
		agentInput: ai,
		styles:     sty,
		focus:      focusInput,

		provider:         prov,
		mcpProxy:         proxy,
		mcpTools:         tools,
		history:          history,
		initialSystemMsg: systemMsg,
		convEntries:      convEntries,
		updateChan:       ch,
		ctx:              ctx,
		cancel:           cancel,

		sessionID:  sessionID,
		store:      db,
		scratchpad: pad,

		deltaTracker: deltaTracker,
		permission:   brokerIn,
		hooks:        hooksIn,

		currentModelName:   modelID,
		providerConfigName: providerName,

		tsIndex:     tsIndex,
		fileTracker: fileTracker,

		extraDirs: extraDirs,

		streamEntryStart: -1,
	}
	return m
}

// Init starts spinner and cursor blink.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, func() tea.Msg { return editor.Blink() })
}


// inRect returns true if screen point (x,y) is inside r.
func inRect(x, y int, r image.Rectangle) bool {
	return image.Pt(x, y).In(r)
}
