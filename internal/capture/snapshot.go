// Package capture determines when a chat application's assistant answer has
// finished rendering and extracts it. Two detection strategies run
// concurrently against the remote page: a host-side poller applying
// stability-over-cycles logic, and a page-side mutation observer handed to
// the page as a self-contained script. A coordinator races them, recovers
// from page evaluation failures, and captures a secondary markdown
// representation through an intercepted clipboard write.
package capture

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
)

// Evaluator runs a self-contained script in the remote page and returns the
// JSON-encoded result. Implementations must honor context cancellation; the
// script must be a zero-argument arrow function expression.
type Evaluator interface {
	Eval(ctx context.Context, js string) (json.RawMessage, error)
}

// Snapshot is one point-in-time extraction of the latest assistant answer.
// It is created fresh on every attempt and never persisted.
type Snapshot struct {
	Text      string
	HTML      string
	MessageID string
	TurnID    string
	TurnIndex int // 1-based position among visible turns, 0 when unknown
	TurnCount int // total visible turns at extraction time, 0 when unknown
}

// Empty reports whether the snapshot carries no usable text. A snapshot with
// whitespace-only text is treated as absent.
func (s *Snapshot) Empty() bool {
	return s == nil || strings.TrimSpace(s.Text) == ""
}

// Hint identifies the turn this snapshot came from, for markdown capture.
func (s *Snapshot) Hint() TurnHint {
	if s == nil {
		return TurnHint{}
	}
	return TurnHint{MessageID: s.MessageID, TurnID: s.TurnID}
}

// TurnHint locates a turn's copy control: by message id, else turn id, else
// the last control in the document.
type TurnHint struct {
	MessageID string
	TurnID    string
}

// languageTags are code-fence language identifiers that some chat frontends
// render as bare text lines above code blocks.
var languageTags = map[string]struct{}{
	"bash": {}, "c": {}, "cpp": {}, "csharp": {}, "css": {}, "diff": {},
	"go": {}, "html": {}, "java": {}, "javascript": {}, "json": {},
	"kotlin": {}, "markdown": {}, "php": {}, "python": {}, "ruby": {},
	"rust": {}, "shell": {}, "sql": {}, "swift": {}, "text": {},
	"typescript": {}, "xml": {}, "yaml": {},
}

var blankRuns = regexp.MustCompile(`\n{3,}`)

// CleanText removes known non-content noise from extracted answer text:
// stray language-tag lines and excess blank lines, trimmed at the edges.
func CleanText(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if _, noise := languageTags[strings.ToLower(strings.TrimSpace(line))]; noise {
			continue
		}
		kept = append(kept, line)
	}
	out := strings.Join(kept, "\n")
	out = blankRuns.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}
