package tui

import (
	"strings"
	"testing"
)

func TestShouldBufferPasteThresholds(t *testing.T) {
	threeLines := strings.Repeat("x\n", 2) + "x" // exactly 3 lines
	if shouldBufferPaste(threeLines) {
		t.Errorf("exactly %d lines should not trigger buffering", pasteLineThreshold)
	}
	fourLines := threeLines + "\nx"
	if !shouldBufferPaste(fourLines) {
		t.Errorf("more than %d lines should trigger buffering", pasteLineThreshold)
	}

	exactly800 := strings.Repeat("a", pasteByteThreshold)
	if shouldBufferPaste(exactly800) {
		t.Errorf("exactly %d bytes should not trigger buffering", pasteByteThreshold)
	}
	over800 := strings.Repeat("a", pasteByteThreshold+1)
	if !shouldBufferPaste(over800) {
		t.Errorf("more than %d bytes should trigger buffering", pasteByteThreshold)
	}
}

// TestPasteRoundTrip is T4: substituting a placeholder produced by an
// earlier paste reproduces the original bytes exactly, and the entry is
// evicted afterward.
func TestPasteRoundTrip(t *testing.T) {
	m := &Model{}
	original := strings.Repeat("line\n", 50) + "tail"

	placeholder := m.bufferPaste(original)
	if !pastePlaceholderRe.MatchString(placeholder) {
		t.Fatalf("placeholder %q does not match expected pattern", placeholder)
	}

	submitted := "please review:\n" + placeholder + "\nthanks"
	expanded := m.expandPasteBuffer(submitted)

	want := "please review:\n" + original + "\nthanks"
	if expanded != want {
		t.Errorf("round-trip mismatch:\ngot:  %q\nwant: %q", expanded, want)
	}

	if _, ok := m.pasteBuffer[1]; ok {
		t.Error("paste entry was not evicted after submit")
	}
}

func TestExpandPasteBufferLeavesUnknownPlaceholderIntact(t *testing.T) {
	m := &Model{}
	input := "[Pasted text #7 +3 lines]"
	if got := m.expandPasteBuffer(input); got != input {
		t.Errorf("unknown placeholder should be left as-is, got %q", got)
	}
}

func TestExpandPasteBufferMultipleEntries(t *testing.T) {
	m := &Model{}
	ph1 := m.bufferPaste(strings.Repeat("a\n", 10))
	ph2 := m.bufferPaste(strings.Repeat("b\n", 10))

	submitted := ph1 + " and " + ph2
	expanded := m.expandPasteBuffer(submitted)

	if strings.Contains(expanded, "#1") || strings.Contains(expanded, "#2") {
		t.Errorf("expected both placeholders substituted, got %q", expanded)
	}
	if len(m.pasteBuffer) != 0 {
		t.Errorf("expected all entries evicted, %d remain", len(m.pasteBuffer))
	}
}

func TestTruncateForDisplay(t *testing.T) {
	short := strings.Repeat("x", pasteDisplayLimit)
	if got := truncateForDisplay(short); got != short {
		t.Error("text at the limit should not be truncated")
	}

	long := strings.Repeat("x", pasteDisplayLimit+1)
	got := truncateForDisplay(long)
	if len(got) >= len(long) {
		t.Errorf("expected truncated output shorter than input, got %d bytes", len(got))
	}
	if !strings.HasPrefix(got, strings.Repeat("x", pasteDisplayHead)) {
		t.Error("expected truncated output to keep the head bytes")
	}
	if !strings.HasSuffix(got, strings.Repeat("x", pasteDisplayTail)) {
		t.Error("expected truncated output to keep the tail bytes")
	}
}
