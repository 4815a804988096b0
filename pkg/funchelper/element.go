// Package funchelper models the on-page function palette that inserts
// math symbols and function names into the focused text field.
package funchelper

import (
	"regexp"
	"slices"
	"strings"
)

// Element is the part of a DOM element the helper reads and edits.
// Selection offsets count runes.
type Element struct {
	Tag             string // upper-case tag name, e.g. "INPUT"
	Type            string // type attribute; empty means text
	ContentEditable bool
	Value           string

	// HasSelection is false for elements without selectionStart/End, such as
	// email inputs in most browsers.
	HasSelection   bool
	SelectionStart int
	SelectionEnd   int

	InputEvents int
}

var eligibleInputTypes = []string{"text", "search", "url", "tel", "email", "password", "number"}

var numberText = regexp.MustCompile(`^[0-9eE+\-.\s]+$`)

func (el *Element) inputType() string {
	if el.Type == "" {
		return "text"
	}
	return strings.ToLower(el.Type)
}

// IsEligible reports whether el accepts palette insertions: content-editable
// elements, textareas and text-like inputs.
func IsEligible(el *Element) bool {
	if el == nil {
		return false
	}
	if el.ContentEditable {
		return true
	}
	switch strings.ToUpper(el.Tag) {
	case "TEXTAREA":
		return true
	case "INPUT":
		return slices.Contains(eligibleInputTypes, el.inputType())
	default:
		return false
	}
}

// InsertAtCursor replaces the selection of el with text and puts the caret
// after it, or appends when el has no selection. Number inputs only accept
// numeric text. It reports whether an input event was dispatched.
func InsertAtCursor(el *Element, text string) bool {
	if el == nil {
		return false
	}
	if strings.ToUpper(el.Tag) == "INPUT" && el.inputType() == "number" && !numberText.MatchString(text) {
		return false
	}

	if el.HasSelection || el.ContentEditable {
		value := []rune(el.Value)
		start := clamp(el.SelectionStart, 0, len(value))
		end := clamp(el.SelectionEnd, start, len(value))

		out := make([]rune, 0, len(value)+len(text))
		out = append(out, value[:start]...)
		out = append(out, []rune(text)...)
		out = append(out, value[end:]...)
		el.Value = string(out)

		caret := start + len([]rune(text))
		el.SelectionStart, el.SelectionEnd = caret, caret
		el.InputEvents++
		return true
	}

	el.Value += text
	el.InputEvents++
	return true
}

func clamp(n, lo, hi int) int {
	return max(lo, min(n, hi))
}
