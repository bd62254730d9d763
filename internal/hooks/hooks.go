// Package hooks runs user-defined external commands synchronously at
// lifecycle events, each able to veto continuation by emitting
// {"stop_execution": true, "stop_reason": "..."} on stdout.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"time"

	"github.com/rs/zerolog/log"
)

// Event names a lifecycle point hooks can bind to.
type Event string

const (
	SessionStart    Event = "SessionStart"
	SessionEnd      Event = "SessionEnd"
	PreToolUse      Event = "PreToolUse"
	PostToolUse     Event = "PostToolUse"
	PreCompact      Event = "PreCompact"
	UserPromptSubmit Event = "UserPromptSubmit"
)

// DefaultTimeout is the wall-clock budget given to a single hook invocation
// before it is killed and treated as a non-vetoing failure.
const DefaultTimeout = 30 * time.Second

// Result is what a hook command reports back on stdout.
type Result struct {
	StopExecution bool   `json:"stop_execution"`
	StopReason    string `json:"stop_reason"`
}

// Hook is one configured external command bound to an Event.
type Hook struct {
	Event   Event
	Command string
	Args    []string
}

// Runner dispatches hooks by event, honoring the timeout and treating any
// execution error (including a non-zero exit) as a logged, non-vetoing
// failure — only an explicit stop_execution:true vetoes.
type Runner struct {
	hooks map[Event][]Hook
}

// NewRunner builds a Runner from a flat hook list.
func NewRunner(hooks []Hook) *Runner {
	r := &Runner{hooks: make(map[Event][]Hook)}
	for _, h := range hooks {
		r.hooks[h.Event] = append(r.hooks[h.Event], h)
	}
	return r
}

// All returns the full registered hook set, keyed by event, for display by
// the /hooks command.
func (r *Runner) All() map[Event][]Hook {
	return r.hooks
}

// Run invokes every hook bound to event with ctxJSON piped to its stdin,
// returning the first veto encountered (hooks run in registration order,
// stopping at the first veto).
func (r *Runner) Run(ctx context.Context, event Event, ctxJSON any) (stop bool, reason string) {
	for _, h := range r.hooks[event] {
		res, err := r.runOne(ctx, h, ctxJSON)
		if err != nil {
			log.Warn().Err(err).Str("event", string(event)).Str("command", h.Command).Msg("hook failed")
			continue
		}
		if res.StopExecution {
			return true, res.StopReason
		}
	}
	return false, ""
}

func (r *Runner) runOne(ctx context.Context, h Hook, ctxJSON any) (*Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	payload, err := json.Marshal(ctxJSON)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(runCtx, h.Command, h.Args...)
	cmd.Stdin = bytes.NewReader(payload)
	var out bytes.Buffer
	cmd.Stdout = &out

	if err := cmd.Run(); err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			log.Warn().Str("command", h.Command).Dur("timeout", DefaultTimeout).Msg("hook timed out, killed")
		}
		return nil, err
	}

	if out.Len() == 0 {
		return &Result{}, nil
	}
	var res Result
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		// Non-JSON stdout is not an error: most hooks print nothing
		// structured and just want to run as a side effect.
		return &Result{}, nil
	}
	return &res, nil
}
