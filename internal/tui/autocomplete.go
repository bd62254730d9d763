package tui

import (
	"fmt"
	"math"
	"sort"
	"strings"

	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"
)

// Autocomplete scoring weights. A candidate's score is the highest-weighted
// criterion it satisfies, not a sum — an alias prefix match (4.0) always
// outranks a description substring hit (0.5) regardless of how many
// low-weight criteria also match.
const (
	scoreExactPrefix     = 4.0
	scoreSubstring       = 3.0
	scoreNamePartPrefix  = 2.0
	scoreAliasPrefix     = 4.0
	scoreAliasSubstring  = 3.0
	scoreDescSubstring   = 0.5

	maxAutocompleteMatches = 10
)

// commandMatch is one scored candidate in the autocomplete dropdown.
type commandMatch struct {
	Command slashCommand
	Score   float64
}

// scoreCommand scores a single command against a query using the weights
// above, taking the maximum satisfied criterion. An empty query matches
// every command with a flat score, so as soon as "/" is typed the dropdown
// lists the first maxAutocompleteMatches commands in alphabetical order.
func scoreCommand(query string, c slashCommand) float64 {
	if query == "" {
		return scoreDescSubstring
	}
	q := strings.ToLower(query)
	name := strings.ToLower(c.Name)
	var score float64

	switch {
	case strings.HasPrefix(name, q):
		score = math.Max(score, scoreExactPrefix)
	case strings.Contains(name, q):
		score = math.Max(score, scoreSubstring)
	}

	for _, part := range strings.Split(name, "-") {
		if part != name && strings.HasPrefix(part, q) {
			score = math.Max(score, scoreNamePartPrefix)
		}
	}

	for _, alias := range c.Aliases {
		a := strings.ToLower(alias)
		switch {
		case strings.HasPrefix(a, q):
			score = math.Max(score, scoreAliasPrefix)
		case strings.Contains(a, q):
			score = math.Max(score, scoreAliasSubstring)
		}
	}

	if strings.Contains(strings.ToLower(c.Desc), q) {
		score = math.Max(score, scoreDescSubstring)
	}

	return score
}

// matchCommands returns the top matches for query, highest score first,
// ties broken alphabetically by command name. Lengthening query can only
// narrow or preserve the match set produced by a shorter prefix of the same
// query, never reorder it inconsistently — each criterion above is itself
// prefix/substring based, so a match lost to a longer query never reappears.
func matchCommands(query string) []commandMatch {
	matches := make([]commandMatch, 0, len(slashCommands))
	for _, c := range slashCommands {
		if s := scoreCommand(query, c); s > 0 {
			matches = append(matches, commandMatch{Command: c, Score: s})
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Command.Name < matches[j].Command.Name
	})
	if len(matches) > maxAutocompleteMatches {
		matches = matches[:maxAutocompleteMatches]
	}
	return matches
}

// updateAutocomplete recomputes the dropdown from the current input value.
// It is driven by the frame tick rather than every keystroke, matching how
// the rest of the TUI defers rendering-affecting work.
func (m *Model) updateAutocomplete() {
	if m.focus != focusInput {
		m.autocompleteActive = false
		m.autocompleteMatches = nil
		return
	}
	value := m.agentInput.Value()
	if !strings.HasPrefix(value, "/") || strings.ContainsAny(value, " \n") {
		m.autocompleteActive = false
		m.autocompleteMatches = nil
		return
	}

	query := strings.TrimPrefix(value, "/")
	matches := matchCommands(query)
	m.autocompleteMatches = matches
	m.autocompleteActive = len(matches) > 0
	if m.autocompleteSel >= len(matches) {
		m.autocompleteSel = 0
	}
}

// updateAutocompleteDropdown handles navigation and selection while the
// dropdown is open. It deliberately does not intercept enter or character
// keys: enter falls through to handleEnter (so a fully-typed command still
// submits normally), and characters fall through to the input editor so
// updateAutocomplete can recompute matches on the next tick.
func (m *Model) updateAutocompleteDropdown(msg tea.Msg) (Model, tea.Cmd, bool) {
	if !m.autocompleteActive {
		return *m, nil, false
	}
	key, ok := msg.(tea.KeyPressMsg)
	if !ok {
		if _, ok := msg.(tea.MouseMsg); ok {
			return *m, nil, true
		}
		return *m, nil, false
	}
	switch key.Keystroke() {
	case "down":
		if m.autocompleteSel < len(m.autocompleteMatches)-1 {
			m.autocompleteSel++
		}
		return *m, nil, true
	case "up":
		if m.autocompleteSel > 0 {
			m.autocompleteSel--
		}
		return *m, nil, true
	case "tab":
		m.acceptAutocomplete()
		return *m, nil, true
	case "esc":
		m.autocompleteActive = false
		m.autocompleteMatches = nil
		return *m, nil, true
	}
	return *m, nil, false
}

// acceptAutocomplete replaces the input with the selected command name, plus
// a trailing space if it accepts arguments.
func (m *Model) acceptAutocomplete() {
	if m.autocompleteSel >= len(m.autocompleteMatches) {
		return
	}
	cmd := m.autocompleteMatches[m.autocompleteSel].Command
	value := "/" + cmd.Name
	if cmd.ArgHint != "" {
		value += " "
	}
	m.agentInput.SetValue(value)
	m.autocompleteActive = false
	m.autocompleteMatches = nil
}

// renderWithAutocomplete overlays the dropdown near the bottom of the
// screen, above the input row.
func (m Model) renderWithAutocomplete(content string) string {
	if len(m.autocompleteMatches) == 0 {
		return content
	}

	dimStyle := lipgloss.NewStyle().Foreground(lipgloss.Color(palette.Dim))
	selStyle := lipgloss.NewStyle().Foreground(lipgloss.Color(palette.Bg)).Background(lipgloss.Color(palette.Fg))

	var lines []string
	for i, cm := range m.autocompleteMatches {
		hint := cm.Command.ArgHint
		if hint != "" {
			hint = " " + hint
		}
		line := fmt.Sprintf(" /%s%s — %s ", cm.Command.Name, hint, cm.Command.Desc)
		if i == m.autocompleteSel {
			lines = append(lines, selStyle.Render(line))
		} else {
			lines = append(lines, dimStyle.Render(line))
		}
	}

	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color(palette.Border)).
		Background(lipgloss.Color(palette.Bg)).
		Render(strings.Join(lines, "\n"))

	bodyLines := strings.Split(content, "\n")
	boxLines := strings.Split(box, "\n")

	insertAt := len(bodyLines) - statusRows - len(boxLines)
	if insertAt < 0 {
		insertAt = 0
	}
	out := make([]string, 0, len(bodyLines)+len(boxLines))
	out = append(out, bodyLines[:insertAt]...)
	out = append(out, boxLines...)
	if insertAt+len(boxLines) < len(bodyLines) {
		out = append(out, bodyLines[insertAt+len(boxLines):]...)
	}
	return strings.Join(out, "\n")
}
