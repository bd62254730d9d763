package tui

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Paste buffer thresholds and display limits. A bracketed paste at or under
// both thresholds is inserted into the editor verbatim; anything larger is
// stored behind a placeholder and substituted back in at submit time.
const (
	pasteLineThreshold = 3
	pasteByteThreshold = 800

	pasteDisplayLimit = 10000
	pasteDisplayHead  = 500
	pasteDisplayTail  = 500
)

// pastePlaceholderRe matches a "[Pasted text #N +L lines]" placeholder.
var pastePlaceholderRe = regexp.MustCompile(`\[Pasted text #(\d+) \+\d+ lines\]`)

// shouldBufferPaste reports whether text is large enough to be held behind a
// placeholder rather than inserted into the editor directly.
func shouldBufferPaste(text string) bool {
	return strings.Count(text, "\n")+1 > pasteLineThreshold || len(text) > pasteByteThreshold
}

// bufferPaste stores text under a freshly minted paste id and returns the
// placeholder string to insert into the editor in its place.
func (m *Model) bufferPaste(text string) string {
	if m.pasteBuffer == nil {
		m.pasteBuffer = make(map[uint32]string)
	}
	m.pasteNextID++
	id := m.pasteNextID
	m.pasteBuffer[id] = text
	lines := strings.Count(text, "\n") + 1
	return fmt.Sprintf("[Pasted text #%d +%d lines]", id, lines)
}

// expandPasteBuffer substitutes every placeholder found in s with its stored
// full text, evicting the entry afterward. A placeholder whose id is no
// longer buffered (already consumed, or never valid) is left as-is.
func (m *Model) expandPasteBuffer(s string) string {
	if len(m.pasteBuffer) == 0 {
		return s
	}
	return pastePlaceholderRe.ReplaceAllStringFunc(s, func(match string) string {
		sm := pastePlaceholderRe.FindStringSubmatch(match)
		id, err := strconv.ParseUint(sm[1], 10, 32)
		if err != nil {
			return match
		}
		text, ok := m.pasteBuffer[uint32(id)]
		if !ok {
			return match
		}
		delete(m.pasteBuffer, uint32(id))
		return text
	})
}

// truncateForDisplay shortens very large pasted content when rendered in the
// conversation pane: the first and last pasteDisplayHead/Tail bytes are kept,
// with the omitted middle replaced by a marker. The full text is unaffected —
// this only governs what's drawn on screen.
func truncateForDisplay(s string) string {
	if len(s) <= pasteDisplayLimit {
		return s
	}
	head := s[:pasteDisplayHead]
	tail := s[len(s)-pasteDisplayTail:]
	omitted := len(s) - pasteDisplayHead - pasteDisplayTail
	return head + fmt.Sprintf("\n… [%d bytes omitted] …\n", omitted) + tail
}
