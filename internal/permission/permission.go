// Package permission implements the tool-call permission broker: per-call
// classification, a FIFO decision queue backed by the interactive
// controller's modal dialog, and persisted allow/deny rules.
package permission

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"
)

// Decision is the outcome of a permission check.
type Decision int

const (
	Allow Decision = iota
	AlwaysAllow
	Deny
	Never
	Wait
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case AlwaysAllow:
		return "always_allow"
	case Deny:
		return "deny"
	case Never:
		return "never"
	case Wait:
		return "wait"
	default:
		return "unknown"
	}
}

// sensitivePattern matches basenames a path-based always-allow rule must
// never cover, even if configured: .env files, anything naming a secret,
// password, or key, and the .git directory itself.
var sensitivePattern = regexp.MustCompile(`(?i)^\.env|secret|password|key|^\.git$`)

// mutatingTools always prompt unless a matching always-allow rule exists.
var mutatingTools = map[string]bool{
	"Edit":        true,
	"MultiEdit":   true,
	"Write":       true,
	"NotebookEdit": true,
}

// Rule is a persisted allow/deny entry keyed by (tool name, fingerprint).
// Fingerprint is either a bash command prefix or a file path.
type Rule struct {
	Tool        string `toml:"tool"`
	Fingerprint string `toml:"fingerprint"`
	Allow       bool   `toml:"allow"`
}

// ruleFile is the on-disk TOML shape for the persisted ruleset.
type ruleFile struct {
	Rules []Rule `toml:"rule"`
}

// Pending is a permission request queued while its decision dialog is
// visible. Responder receives exactly one Decision.
type Pending struct {
	ToolName        string
	SummarizedAction string
	ToolUseID       string
	Input           json.RawMessage
	responder       chan Decision
}

// Respond delivers the user's decision. Safe to call exactly once.
func (p *Pending) Respond(d Decision) {
	p.responder <- d
}

// Broker classifies tool invocations, dequeues them to the controller in
// FIFO order, and persists always/never rules.
type Broker struct {
	mu    sync.Mutex
	rules []Rule
	path  string

	disallow map[string]bool // session disallow list (auto-deny)
	allow    map[string]bool // session allow-without-prompt list (auto-allow)

	skipAll bool // --dangerously-skip-permissions

	queue chan *Pending
}

// New creates a Broker, loading persisted rules from path if it exists.
// queueSize bounds the FIFO dialog queue; the controller drains it.
func New(path string, queueSize int) *Broker {
	b := &Broker{
		path:     path,
		disallow: make(map[string]bool),
		allow:    make(map[string]bool),
		queue:    make(chan *Pending, queueSize),
	}
	if path == "" {
		return b
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", path).Msg("failed to read permission rules")
		}
		return b
	}
	var rf ruleFile
	if err := toml.Unmarshal(data, &rf); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("failed to parse permission rules")
		return b
	}
	b.rules = rf.Rules
	return b
}

// SkipAll enables --dangerously-skip-permissions: every call auto-allows.
func (b *Broker) SkipAll(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.skipAll = v
}

// SetDisallowed marks tool names that always auto-deny without a dialog.
func (b *Broker) SetDisallowed(names []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, n := range names {
		b.disallow[n] = true
	}
}

// SetAllowed marks tool names that always auto-allow without a dialog.
func (b *Broker) SetAllowed(names []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, n := range names {
		b.allow[n] = true
	}
}

// Rules returns a snapshot of the persisted always/never rule list, for
// display by the /permissions command.
func (b *Broker) Rules() []Rule {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Rule, len(b.rules))
	copy(out, b.rules)
	return out
}

// Fingerprint computes the rule key for a tool call: the file path for
// filesystem tools, the literal command prefix for Bash, "" otherwise.
func Fingerprint(toolName string, input json.RawMessage) string {
	var parsed struct {
		FilePath string `json:"file_path"`
		Path     string `json:"path"`
		Command  string `json:"command"`
	}
	_ = json.Unmarshal(input, &parsed)
	switch toolName {
	case "Bash":
		return commandPrefix(parsed.Command)
	case "Edit", "MultiEdit", "Write", "NotebookEdit":
		if parsed.FilePath != "" {
			return parsed.FilePath
		}
		return parsed.Path
	}
	return ""
}

// commandPrefix returns the first whitespace-delimited token of a shell
// command, used as the rule fingerprint for Bash approvals.
func commandPrefix(cmd string) string {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func sensitivePath(path string) bool {
	return sensitivePattern.MatchString(filepath.Base(path))
}

// Classify applies the static policy from the engine design: session
// disallow/allow lists first, then per-tool rules, then the default.
// It returns (decision, true) when no dialog is needed, or (Wait, false)
// when the caller must enqueue a Pending and wait on the channel.
func (b *Broker) Classify(toolName string, input json.RawMessage) (Decision, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.skipAll {
		return Allow, true
	}
	if b.disallow[toolName] {
		return Deny, true
	}
	if b.allow[toolName] {
		return Allow, true
	}

	fp := Fingerprint(toolName, input)
	for _, r := range b.rules {
		if r.Tool != toolName || r.Fingerprint != fp {
			continue
		}
		if r.Allow {
			if mutatingTools[toolName] && sensitivePath(fp) {
				break
			}
			return Allow, true
		}
		return Deny, true
	}

	if mutatingTools[toolName] {
		if fp != "" && !sensitivePath(fp) {
			// No matching always-allow rule found above; still prompt.
			return Wait, false
		}
		return Wait, false
	}
	if toolName == "Bash" {
		return Wait, false
	}

	// Everything else auto-allows.
	return Allow, true
}

// Request enqueues a Pending permission and blocks until the controller
// delivers a Decision. AlwaysAllow/Never additionally persist a rule.
func (b *Broker) Request(ctx context.Context, toolName, summarizedAction, toolUseID string, input json.RawMessage) Decision {
	p := &Pending{
		ToolName:         toolName,
		SummarizedAction: summarizedAction,
		ToolUseID:        toolUseID,
		Input:            input,
		responder:        make(chan Decision, 1),
	}

	select {
	case b.queue <- p:
	case <-ctx.Done():
		return Wait
	}

	select {
	case d := <-p.responder:
		b.applyRule(toolName, input, d)
		return d
	case <-ctx.Done():
		return Wait
	}
}

// Dequeue pops the next Pending for the controller to present. Returns nil,
// false if the queue is empty.
func (b *Broker) Dequeue() (*Pending, bool) {
	select {
	case p := <-b.queue:
		return p, true
	default:
		return nil, false
	}
}

func (b *Broker) applyRule(toolName string, input json.RawMessage, d Decision) {
	if d != AlwaysAllow && d != Never {
		return
	}
	fp := Fingerprint(toolName, input)
	b.mu.Lock()
	b.rules = append(b.rules, Rule{Tool: toolName, Fingerprint: fp, Allow: d == AlwaysAllow})
	rules := append([]Rule(nil), b.rules...)
	path := b.path
	b.mu.Unlock()

	if path == "" {
		return
	}
	if err := saveRules(path, rules); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("failed to persist permission rule")
	}
}

func saveRules(path string, rules []Rule) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(ruleFile{Rules: rules})
}

// DenialMessage formats the human-readable denial text used in the
// synthetic ToolResult for Deny/Never decisions.
func DenialMessage(toolName, fingerprint string) string {
	target := fingerprint
	if target == "" {
		target = toolName
	}
	return "Permission to use " + toolName + " on " + target + " has been denied."
}

// fingerprintHash hashes the tool name + fingerprint pair to a short hex id
// (the first 4 bytes of its SHA-256).
func fingerprintHash(toolName, fingerprint string) string {
	h := sha256.Sum256([]byte(toolName + "\x00" + fingerprint))
	return hex.EncodeToString(h[:4])
}
