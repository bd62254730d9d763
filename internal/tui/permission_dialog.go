package tui

import (
	tea "charm.land/bubbletea/v2"
	"github.com/xonecas/symb/internal/permission"
	"github.com/xonecas/symb/internal/tui/modal"
)

// pollPermissionDialog pops the next queued permission request and opens a
// dialog for it, if one isn't already open. Without this, any tool call the
// static classifier can't auto-resolve would block the agent loop forever:
// Broker.Request enqueues a Pending and blocks on its one-shot channel, and
// only this poll (driven by the frame tick) ever calls Dequeue/Respond.
func (m *Model) pollPermissionDialog() {
	if m.permission == nil || m.permissionModal != nil {
		return
	}
	pending, ok := m.permission.Dequeue()
	if !ok {
		return
	}
	m.permissionPending = pending
	dlg := modal.NewPermissionDialog(pending.ToolName, pending.SummarizedAction, modal.Colors{
		Fg:     palette.Fg,
		Bg:     palette.Bg,
		Dim:    palette.Dim,
		SelFg:  palette.Bg,
		SelBg:  palette.Fg,
		Border: palette.Border,
	})
	m.permissionModal = &dlg
}

// updatePermissionDialog routes input to the open permission dialog, if any,
// and delivers the user's decision to the waiting Pending once resolved.
func (m *Model) updatePermissionDialog(msg tea.Msg) (Model, tea.Cmd, bool) {
	if m.permissionModal == nil {
		return *m, nil, false
	}
	action := m.permissionModal.HandleMsg(msg)
	if decide, ok := action.(modal.ActionDecide); ok {
		pending := m.permissionPending
		m.permissionModal = nil
		m.permissionPending = nil
		if pending != nil {
			pending.Respond(permissionDecisionFor(decide.Choice))
		}
		return *m, nil, true
	}
	switch msg.(type) {
	case tea.KeyPressMsg, tea.MouseMsg:
		return *m, nil, true
	}
	return *m, nil, false
}

func permissionDecisionFor(c modal.PermissionChoice) permission.Decision {
	switch c {
	case modal.ChoiceAllow:
		return permission.Allow
	case modal.ChoiceAlwaysAllow:
		return permission.AlwaysAllow
	case modal.ChoiceNever:
		return permission.Never
	default:
		return permission.Deny
	}
}
