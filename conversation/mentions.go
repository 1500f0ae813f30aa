package conversation

import (
	"fmt"
	"regexp"

	"github.com/researchcopilot/chatlink-go-sdk/wire"
)

// Two inline syntaxes are recognised: the structured form @[Display Name](id)
// that composition emits, and a bare @username token kept for messages typed
// without the picker. The structured form is canonical.
var (
	structuredMentionRe = regexp.MustCompile(`@\[([^\]]+)\]\(([^)\s]+)\)`)
	bareMentionRe       = regexp.MustCompile(`@([A-Za-z0-9_][A-Za-z0-9_.-]*)`)
)

// FormatMention renders the canonical inline mention form.
func FormatMention(name, id string) string {
	return fmt.Sprintf("@[%s](%s)", name, id)
}

// ParseMentions extracts the members referenced in text, in order of first
// appearance, deduplicated by user id. Structured mentions match by id; bare
// mentions match by username. Tokens that resolve to no member are left as
// plain text, not reported as errors.
func ParseMentions(text string, members []Member) []wire.Mention {
	byID := make(map[string]Member, len(members))
	byName := make(map[string]Member, len(members))
	for _, m := range members {
		byID[m.User.ID] = m
		if m.User.Username != "" {
			byName[m.User.Username] = m
		}
	}

	var out []wire.Mention
	picked := make(map[string]struct{})
	add := func(m Member, name string) {
		if _, dup := picked[m.User.ID]; dup {
			return
		}
		picked[m.User.ID] = struct{}{}
		out = append(out, wire.Mention{Name: name, ID: m.User.ID})
	}

	structured := structuredMentionRe.FindAllStringSubmatchIndex(text, -1)
	for _, loc := range structured {
		name := text[loc[2]:loc[3]]
		id := text[loc[4]:loc[5]]
		if m, ok := byID[id]; ok {
			add(m, name)
		}
	}

	for _, loc := range bareMentionRe.FindAllStringSubmatchIndex(text, -1) {
		if insideAny(structured, loc[0]) {
			continue
		}
		name := text[loc[2]:loc[3]]
		if m, ok := byName[name]; ok {
			add(m, name)
		}
	}
	return out
}

// insideAny reports whether pos falls within any of the matched spans.
func insideAny(spans [][]int, pos int) bool {
	for _, s := range spans {
		if pos >= s[0] && pos < s[1] {
			return true
		}
	}
	return false
}

// StripMentions rewrites structured mentions to their display form for
// plain-text rendering ("@[Ada](u2)" becomes "@Ada").
func StripMentions(text string) string {
	return structuredMentionRe.ReplaceAllString(text, "@$1")
}
