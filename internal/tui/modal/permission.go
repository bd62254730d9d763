package modal

import (
	"strings"

	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"
)

// PermissionChoice is one of the decisions a permission dialog can resolve
// to. The numeric values intentionally do not need to line up with
// permission.Decision — the caller maps PermissionChoice back to its own
// Decision type.
type PermissionChoice int

const (
	ChoiceAllow PermissionChoice = iota
	ChoiceAlwaysAllow
	ChoiceDeny
	ChoiceNever
)

// permissionChoiceLabels is also the fixed display order of the dialog.
var permissionChoiceLabels = []string{"Allow", "Always allow", "Deny", "Never"}

// ActionDecide is returned by PermissionDialog.HandleMsg once the user has
// picked a choice.
type ActionDecide struct{ Choice PermissionChoice }

// PermissionDialog presents a tool call awaiting a permission decision with a
// fixed Allow/Always allow/Deny/Never choice list.
type PermissionDialog struct {
	ToolName string
	Action   string // human-readable summarized action, e.g. "Bash(rm -rf /tmp/x)"

	sel    int
	colors Colors
}

// NewPermissionDialog creates a dialog for the given tool call.
func NewPermissionDialog(toolName, action string, colors Colors) PermissionDialog {
	return PermissionDialog{ToolName: toolName, Action: action, colors: colors}
}

// HandleMsg processes a tea.Msg, returning an ActionDecide once resolved.
func (d *PermissionDialog) HandleMsg(msg tea.Msg) Action {
	key, ok := msg.(tea.KeyPressMsg)
	if !ok {
		return nil
	}
	switch key.Keystroke() {
	case "up", "left":
		if d.sel > 0 {
			d.sel--
		}
	case "down", "right", "tab":
		if d.sel < len(permissionChoiceLabels)-1 {
			d.sel++
		}
	case "enter":
		return ActionDecide{Choice: PermissionChoice(d.sel)}
	case "y":
		return ActionDecide{Choice: ChoiceAllow}
	case "n":
		return ActionDecide{Choice: ChoiceDeny}
	case "esc":
		return ActionDecide{Choice: ChoiceDeny}
	}
	return nil
}

// View renders the dialog centered in the given terminal dimensions.
func (d *PermissionDialog) View(appWidth, appHeight int) string {
	w := appWidth * 60 / 100
	if w < 40 {
		w = 40
	}
	innerW := w - 6

	bg := lipgloss.Color(d.colors.Bg)
	titleStyle := lipgloss.NewStyle().Foreground(lipgloss.Color(d.colors.Fg)).Bold(true)
	dimStyle := lipgloss.NewStyle().Foreground(lipgloss.Color(d.colors.Dim))
	selStyle := lipgloss.NewStyle().Foreground(lipgloss.Color(d.colors.SelFg)).Background(lipgloss.Color(d.colors.SelBg))

	var b strings.Builder
	b.WriteString(titleStyle.Render("Permission requested: " + d.ToolName))
	b.WriteString("\n\n")
	b.WriteString(dimStyle.Render(d.Action))
	b.WriteString("\n\n")

	var choices []string
	for i, label := range permissionChoiceLabels {
		if i == d.sel {
			choices = append(choices, selStyle.Render(" "+label+" "))
		} else {
			choices = append(choices, dimStyle.Render(" "+label+" "))
		}
	}
	b.WriteString(strings.Join(choices, "  "))

	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color(d.colors.Border)).
		BorderBackground(bg).
		Foreground(lipgloss.Color(d.colors.Fg)).
		Background(bg).
		Padding(1, 2).
		Width(innerW).
		Render(b.String())

	return lipgloss.Place(appWidth, appHeight, lipgloss.Center, lipgloss.Center, box,
		lipgloss.WithWhitespaceStyle(lipgloss.NewStyle().Background(bg)))
}
