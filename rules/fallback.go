package rules

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hazyhaar/notifywatch/dom"
)

const (
	maxFallbackClasses = 3
	maxFallbackAttrs   = 6
)

// identityAttrs are covered by the id and class candidates, or too volatile
// to match on.
var identityAttrs = map[string]bool{"id": true, "class": true, "style": true}

// Fallbacks derives ranked selector candidates from structural metadata:
// the id, then the tag with up to three classes, then up to six
// tag[attr="value"] selectors. Candidates equal to primary, duplicates and
// anything that does not parse are dropped.
func Fallbacks(m *Metadata, primary string) []string {
	if m == nil {
		return nil
	}
	tag := strings.ToLower(strings.TrimSpace(m.Tag))
	if !validTag(tag) {
		tag = ""
	}
	var cands []string
	if id := strings.TrimSpace(m.ID); id != "" {
		cands = append(cands, "#"+EscapeIdent(id))
	}
	var classes []string
	for _, c := range m.Classes {
		if c = strings.TrimSpace(c); c != "" {
			classes = append(classes, "."+EscapeIdent(c))
		}
		if len(classes) == maxFallbackClasses {
			break
		}
	}
	if len(classes) > 0 {
		cands = append(cands, tag+strings.Join(classes, ""))
	}
	names := make([]string, 0, len(m.Attributes))
	for name := range m.Attributes {
		n := strings.ToLower(strings.TrimSpace(name))
		if n == "" || identityAttrs[n] {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for i, name := range names {
		if i == maxFallbackAttrs {
			break
		}
		n := strings.ToLower(strings.TrimSpace(name))
		cands = append(cands, fmt.Sprintf("%s[%s=%s]", tag, EscapeIdent(n), QuoteString(m.Attributes[name])))
	}

	primary = strings.TrimSpace(primary)
	seen := map[string]bool{primary: true}
	out := make([]string, 0, len(cands))
	for _, c := range cands {
		if seen[c] {
			continue
		}
		seen[c] = true
		if dom.ValidSelector(c) != nil {
			continue
		}
		out = append(out, c)
	}
	return out
}

func validTag(tag string) bool {
	if tag == "" {
		return false
	}
	for i, r := range tag {
		switch {
		case r >= 'a' && r <= 'z':
		case i > 0 && (r >= '0' && r <= '9' || r == '-'):
		default:
			return false
		}
	}
	return true
}

// EscapeIdent escapes s for use as a CSS identifier, following the
// CSS.escape algorithm.
func EscapeIdent(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		switch {
		case r == 0:
			b.WriteRune('\uFFFD')
		case r >= 0x1 && r <= 0x1f || r == 0x7f:
			fmt.Fprintf(&b, "\\%x ", r)
		case i == 0 && r >= '0' && r <= '9':
			fmt.Fprintf(&b, "\\%x ", r)
		case i == 1 && r >= '0' && r <= '9' && runes[0] == '-':
			fmt.Fprintf(&b, "\\%x ", r)
		case i == 0 && r == '-' && len(runes) == 1:
			b.WriteString("\\-")
		case r >= 0x80 || r == '-' || r == '_' ||
			r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		default:
			b.WriteByte('\\')
			b.WriteRune(r)
		}
	}
	return b.String()
}

// QuoteString renders s as a double-quoted CSS string.
func QuoteString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch {
		case r == '"' || r == '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		case r == '\n' || r == '\r' || r == '\f' || r < 0x20 || r == 0x7f:
			fmt.Fprintf(&b, "\\%x ", r)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}
