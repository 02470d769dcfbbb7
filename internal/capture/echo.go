package capture

import (
	"strings"
	"unicode"
)

// EchoMatcher holds a normalized signature of the submitted prompt's preview.
// It validates that recovered content plausibly belongs to the expected
// exchange, and that two representations of one answer correspond. It never
// contributes to content.
type EchoMatcher struct {
	sig    string
	tokens []string
}

// NewEchoMatcher builds a matcher from a caller-supplied prompt preview. The
// preview is case-folded, whitespace-collapsed, and truncated to maxRunes.
// An empty preview yields a matcher that accepts everything.
func NewEchoMatcher(preview string, maxRunes int) *EchoMatcher {
	sig := normalizeEcho(preview)
	if maxRunes > 0 {
		if r := []rune(sig); len(r) > maxRunes {
			sig = string(r[:maxRunes])
		}
	}
	return &EchoMatcher{sig: sig, tokens: echoTokens(sig)}
}

// Empty reports whether the matcher has no signature to check against.
func (m *EchoMatcher) Empty() bool {
	return m == nil || m.sig == ""
}

// Matches reports whether content plausibly follows the prompt the signature
// was built from. A nil or empty matcher accepts everything.
func (m *EchoMatcher) Matches(content string) bool {
	if m.Empty() {
		return true
	}
	norm := normalizeEcho(content)
	if norm == "" {
		return false
	}
	if strings.Contains(norm, m.sig) {
		return true
	}
	return tokenOverlap(m.tokens, echoTokens(norm)) >= 0.5
}

// Aligns reports whether markdown plausibly renders the same answer as text.
// Used to decide whether a rich copy actually corresponds to the captured
// plain text.
func (m *EchoMatcher) Aligns(text, markdown string) bool {
	nt := normalizeEcho(text)
	nm := normalizeEcho(markdown)
	if nt == "" || nm == "" {
		return false
	}
	// Markdown syntax survives normalization; token overlap is what counts.
	return tokenOverlap(echoTokens(nt), echoTokens(nm)) >= 0.5
}

// normalizeEcho case-folds and collapses all whitespace runs to single spaces.
func normalizeEcho(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := true
	for _, r := range strings.ToLower(s) {
		if unicode.IsSpace(r) {
			if !space {
				b.WriteRune(' ')
				space = true
			}
			continue
		}
		space = false
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// echoTokens keeps the discriminating words of a normalized string. Short
// function words carry no signal and are dropped.
func echoTokens(norm string) []string {
	fields := strings.FieldsFunc(norm, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) >= 4 {
			out = append(out, f)
		}
	}
	return out
}

func tokenOverlap(want, have []string) float64 {
	if len(want) == 0 {
		return 1
	}
	set := make(map[string]struct{}, len(have))
	for _, t := range have {
		set[t] = struct{}{}
	}
	hits := 0
	for _, t := range want {
		if _, ok := set[t]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(want))
}
